// Package credstore manages the directory holding long-lived session
// credentials written by the messaging gateway.
package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const wipeQuietPeriod = time.Second

type Dir struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	wipedAt  time.Time
	watching bool
}

func New(path string, logger *slog.Logger) (*Dir, error) {
	if path == "" {
		return nil, fmt.Errorf("credential directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}
	return &Dir{path: path, logger: logger}, nil
}

func (d *Dir) Path() string {
	return d.path
}

// HasCredentials reports whether any credential file is present.
func (d *Dir) HasCredentials() (bool, error) {
	entries, err := os.ReadDir(d.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Wipe deletes every credential file. The directory itself stays so an
// active watch keeps working.
func (d *Dir) Wipe() error {
	d.mu.Lock()
	d.wipedAt = time.Now()
	d.mu.Unlock()

	if err := os.MkdirAll(d.path, 0o700); err != nil {
		return err
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(d.path, entry.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
	}
	d.logger.Warn("credentials wiped", "path", d.path, "files", len(entries))
	return nil
}

// Watch calls onRemoved when the credential files disappear while the
// process runs. Removals caused by Wipe are ignored. It blocks until ctx
// is done.
func (d *Dir) Watch(ctx context.Context, onRemoved func()) error {
	d.mu.Lock()
	if d.watching {
		d.mu.Unlock()
		return fmt.Errorf("credential directory %s already watched", d.path)
	}
	d.watching = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.watching = false
		d.mu.Unlock()
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.path); err != nil {
		return fmt.Errorf("watch %s: %w", d.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("credential watch error", "path", d.path, "error", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if d.recentlyWiped() {
				continue
			}
			present, err := d.HasCredentials()
			if err != nil {
				d.logger.Warn("credential check failed", "path", d.path, "error", err)
				continue
			}
			if present {
				continue
			}
			d.logger.Warn("credentials removed externally", "path", d.path, "file", event.Name)
			onRemoved()
		}
	}
}

func (d *Dir) recentlyWiped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.wipedAt.IsZero() && time.Since(d.wipedAt) < wipeQuietPeriod
}
