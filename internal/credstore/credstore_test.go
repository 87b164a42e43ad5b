package credstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()
	dir, err := New(filepath.Join(t.TempDir(), "auth"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return dir
}

func TestWipeRemovesContentsAndKeepsDirectory(t *testing.T) {
	dir := newTestDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir.Path(), "creds.json"), []byte("{}"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir.Path(), "keys"), 0o700))

	present, err := dir.HasCredentials()
	require.NoError(t, err)
	assert.True(t, present)

	require.NoError(t, dir.Wipe())

	present, err = dir.HasCredentials()
	require.NoError(t, err)
	assert.False(t, present)
	info, err := os.Stat(dir.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWatchReportsExternalRemoval(t *testing.T) {
	dir := newTestDir(t)
	creds := filepath.Join(dir.Path(), "creds.json")
	require.NoError(t, os.WriteFile(creds, []byte("{}"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var removed atomic.Int32
	done := make(chan error, 1)
	go func() { done <- dir.Watch(ctx, func() { removed.Add(1) }) }()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.Remove(creds))

	require.Eventually(t, func() bool { return removed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWatchIgnoresOwnWipe(t *testing.T) {
	dir := newTestDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir.Path(), "creds.json"), []byte("{}"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var removed atomic.Int32
	go func() { _ = dir.Watch(ctx, func() { removed.Add(1) }) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, dir.Wipe())
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, removed.Load())
}
