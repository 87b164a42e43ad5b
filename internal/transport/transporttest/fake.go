// Package transporttest provides a scriptable Transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaygroup/internal/transport"
)

// Fake is an in-memory transport. Connect results are taken from a
// script; once the script is exhausted Connect succeeds. Events are
// injected with Emit.
type Fake struct {
	events chan transport.Event

	mu            sync.Mutex
	connectScript []error
	connectDelay  time.Duration
	link          uint64
	connected     bool
	pingErr       error
	pingBlock     bool
	sendErr       error
	listErr       error
	conversations []transport.Conversation
	sent          []SentMessage
	logouts       int
	closes        int
	connectCalls  int
	pingCalls     int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

type SentMessage struct {
	Destination string
	Text        string
}

func NewFake() *Fake {
	return &Fake{events: make(chan transport.Event, 64)}
}

func (f *Fake) Events() <-chan transport.Event {
	return f.events
}

// ScriptConnect queues results for the next Connect calls.
func (f *Fake) ScriptConnect(results ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectScript = append(f.connectScript, results...)
}

// SetConnectDelay makes every Connect take at least d of wall time.
func (f *Fake) SetConnectDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectDelay = d
}

func (f *Fake) Connect(ctx context.Context) (uint64, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		high := f.maxInFlight.Load()
		if n <= high || f.maxInFlight.CompareAndSwap(high, n) {
			break
		}
	}

	f.mu.Lock()
	f.connectCalls++
	delay := f.connectDelay
	var result error
	if len(f.connectScript) > 0 {
		result = f.connectScript[0]
		f.connectScript = f.connectScript[1:]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	if result != nil {
		return 0, result
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.link++
	f.connected = true
	return f.link, nil
}

// Emit injects an event as if it came from the network.
func (f *Fake) Emit(event transport.Event) {
	f.events <- event
}

// Link is the generation returned by the last successful Connect.
func (f *Fake) Link() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.link
}

func (f *Fake) SetPingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// BlockPing makes Ping wait until its context is done.
func (f *Fake) BlockPing(block bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingBlock = block
}

func (f *Fake) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *Fake) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *Fake) SetConversations(conversations ...transport.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations = conversations
}

func (f *Fake) SendText(_ context.Context, destination, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return "", transport.ErrNotConnected
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, SentMessage{Destination: destination, Text: text})
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *Fake) ListConversations(context.Context) ([]transport.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, transport.ErrNotConnected
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]transport.Conversation(nil), f.conversations...), nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	f.pingCalls++
	block := f.pingBlock
	err := f.pingErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *Fake) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.connected = false
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.connected = false
	return nil
}

func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

func (f *Fake) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *Fake) PingCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingCalls
}

func (f *Fake) Logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

// MaxConcurrentConnects is the highest number of Connect calls observed
// in flight at once.
func (f *Fake) MaxConcurrentConnects() int {
	return int(f.maxInFlight.Load())
}

var _ transport.Transport = (*Fake)(nil)
