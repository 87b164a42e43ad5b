// Package session owns the connection lifecycle: it consumes transport
// events, keeps the session state, runs the single reconnect loop and
// answers liveness probes.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/relaygroup/internal/clock"
	"github.com/agentworkforce/relaygroup/internal/store"
	"github.com/agentworkforce/relaygroup/internal/transport"
)

const (
	DefaultReconnectInterval      = 30 * time.Second
	DefaultReconnectMaxInterval   = 5 * time.Minute
	DefaultMaxReconnectAttempts   = 10
	DefaultPairingRefreshInterval = 10 * time.Second
	DefaultProbeTimeout           = 5 * time.Second
	DefaultRepairDelay            = 3 * time.Second
)

type Credentials interface {
	Wipe() error
}

type OutcomeRecorder interface {
	Record(outcome store.Outcome) bool
}

type Options struct {
	Transport   transport.Transport
	Credentials Credentials
	Recorder    OutcomeRecorder
	Clock       clock.Clock
	Logger      *slog.Logger

	ReconnectInterval      time.Duration
	ReconnectMaxInterval   time.Duration
	MaxReconnectAttempts   int
	PairingRefreshInterval time.Duration
	ProbeTimeout           time.Duration
	RepairDelay            time.Duration
}

type Status struct {
	Phase                Phase      `json:"phase"`
	Connected            bool       `json:"connected"`
	PairingActive        bool       `json:"pairingActive"`
	Reconnecting         bool       `json:"reconnecting"`
	ReconnectAttempts    int        `json:"reconnectAttempts"`
	MaxReconnectAttempts int        `json:"maxReconnectAttempts"`
	Exhausted            bool       `json:"exhausted"`
	LastConnectedAt      *time.Time `json:"lastConnectedAt"`
	User                 string     `json:"user,omitempty"`
	LastCloseReason      string     `json:"lastCloseReason,omitempty"`
}

type PairingCredential struct {
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type Supervisor struct {
	opts      Options
	transport transport.Transport
	clock     clock.Clock
	logger    *slog.Logger

	kick chan struct{}

	mu           sync.Mutex
	running      bool
	rerunLink    uint64
	rerunWait    bool
	state        State
	ordering     Ordering
	maxIssued    uint64
	pairingImage string
	wipePending  bool
	suspended    bool
	started      bool
	closed       bool
	refresh      *clock.Ticker
	refreshStop  chan struct{}
	repairTimer  *clock.Timer
	loopCancel   context.CancelFunc
	loopDone     chan struct{}

	stop      chan struct{}
	eventDone chan struct{}
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.ReconnectMaxInterval < opts.ReconnectInterval {
		opts.ReconnectMaxInterval = max(DefaultReconnectMaxInterval, opts.ReconnectInterval)
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.PairingRefreshInterval <= 0 {
		opts.PairingRefreshInterval = DefaultPairingRefreshInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.RepairDelay <= 0 {
		opts.RepairDelay = DefaultRepairDelay
	}
	return &Supervisor{
		opts:      opts,
		transport: opts.Transport,
		clock:     opts.Clock,
		logger:    opts.Logger,
		kick:      make(chan struct{}, 1),
		state:     State{Phase: PhaseUnauthenticated},
		stop:      make(chan struct{}),
		eventDone: make(chan struct{}),
	}
}

// Start begins consuming transport events and makes the first connection
// attempt.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	go s.eventLoop()
	s.startReconnect(false, 0)
	return nil
}

// Close stops the event loop, the reconnect loop and every timer, then
// drops the transport link.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.stopTimersLocked()
	cancel, done := s.loopCancel, s.loopDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	close(s.stop)
	if started {
		<-s.eventDone
	}
	return s.transport.Close()
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Phase:                s.state.Phase,
		Connected:            s.state.Connected,
		PairingActive:        s.state.Pairing.Active(),
		Reconnecting:         s.reconnectingLocked(),
		ReconnectAttempts:    s.state.ReconnectAttempts,
		MaxReconnectAttempts: s.opts.MaxReconnectAttempts,
		Exhausted:            s.state.ReconnectAttempts >= s.opts.MaxReconnectAttempts,
		User:                 s.state.User,
		LastCloseReason:      s.state.LastCloseReason,
	}
	if !s.state.LastConnectedAt.IsZero() {
		at := s.state.LastConnectedAt
		status.LastConnectedAt = &at
	}
	return status
}

// Pairing returns the outstanding pairing credential, rendering it if an
// earlier render failed.
func (s *Supervisor) Pairing() (PairingCredential, bool) {
	s.mu.Lock()
	pairing := s.state.Pairing
	image := s.pairingImage
	s.mu.Unlock()
	if !pairing.Active() {
		return PairingCredential{}, false
	}
	if image == "" {
		image = s.renderAndStore(pairing.Code)
		if image == "" {
			return PairingCredential{}, false
		}
	}
	return PairingCredential{Credential: image, ExpiresAt: pairing.ExpiresAt}, true
}

// Probe verifies the connection is actually live. A failed ping while the
// cached flag says connected clears the flag and starts reconnecting.
func (s *Supervisor) Probe(ctx context.Context) error {
	s.mu.Lock()
	connected := s.state.Connected
	link := s.ordering.Current()
	reconnecting := s.reconnectingLocked()
	s.mu.Unlock()
	if !connected {
		return &NotLiveError{Reconnecting: reconnecting}
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()
	err := s.transport.Ping(probeCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// The caller gave up; that says nothing about the link.
		s.mu.Lock()
		reconnecting = s.reconnectingLocked()
		s.mu.Unlock()
		return &NotLiveError{Reconnecting: reconnecting, Cause: ctx.Err()}
	}
	return s.markStale(link, err)
}

// ReportStale is called when a command saw the connection fail
// underneath it.
func (s *Supervisor) ReportStale(cause error) error {
	if cause == nil {
		cause = ErrStaleConnection
	}
	s.mu.Lock()
	link := s.ordering.Current()
	s.mu.Unlock()
	return s.markStale(link, cause)
}

func (s *Supervisor) markStale(link uint64, cause error) error {
	s.mu.Lock()
	flipped := s.state.Connected && s.ordering.Current() == link
	if flipped {
		s.state.Connected = false
		s.state.Phase = PhaseDisconnectedRecoverable
		s.state.Reconnecting = true
	}
	notLive := &NotLiveError{Stale: true, Reconnecting: s.reconnectingLocked(), Cause: cause}
	s.mu.Unlock()
	if flipped {
		s.logger.Warn("connection stale, reconnecting", "link", link, "error", cause)
		s.record(store.StatusDisconnected, "stale: "+cause.Error())
		s.startReconnect(false, link)
	}
	return notLive
}

// ForceReconnect skips the current backoff wait if a reconnect loop is
// running, otherwise starts one immediately. It also recovers from a
// terminal disconnect.
func (s *Supervisor) ForceReconnect(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.suspended = false
	if s.repairTimer != nil {
		s.repairTimer.Stop()
		s.repairTimer = nil
	}
	if s.state.Phase == PhaseDisconnectedTerminal {
		s.state.Phase = PhaseUnauthenticated
	} else if s.state.Connected {
		s.state.Phase = PhaseDisconnectedRecoverable
	}
	s.state.Connected = false
	s.state.ReconnectAttempts = 0
	started := !s.running
	if started {
		s.spawnLoopLocked(false)
	}
	s.mu.Unlock()

	if started {
		s.logger.Info("reconnect started by operator")
		return nil
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	s.logger.Info("reconnect loop already running, skipping backoff")
	return nil
}

// Disconnect ends the session on operator request. Events from every link
// issued so far are ignored afterwards. A fresh pairing cycle starts after
// RepairDelay.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.suspended = true
	s.stopTimersLocked()
	cancel, done := s.loopCancel, s.loopDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.ordering.Fence(s.maxIssued + 1)
	s.state.Phase = PhaseDisconnectedTerminal
	s.state.Connected = false
	s.state.Pairing = Pairing{}
	s.state.User = ""
	s.state.ReconnectAttempts = 0
	s.state.Reconnecting = false
	s.state.LastCloseReason = "operator_disconnect"
	s.pairingImage = ""
	s.mu.Unlock()

	if err := s.transport.Logout(ctx); err != nil {
		s.logger.Warn("logout failed", "error", err)
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("transport close failed", "error", err)
	}
	s.record(store.StatusLoggedOut, "operator_disconnect")

	s.mu.Lock()
	if !s.closed && s.suspended {
		s.repairTimer = s.clock.AfterFunc(s.opts.RepairDelay, s.repair)
	}
	s.mu.Unlock()
	s.logger.Info("session disconnected by operator", "repair_delay", s.opts.RepairDelay)
	return nil
}

// HandleCredentialsRemoved re-pairs after the credential files vanished
// underneath the running session.
func (s *Supervisor) HandleCredentialsRemoved() {
	s.mu.Lock()
	if s.closed || s.suspended {
		s.mu.Unlock()
		return
	}
	s.state.Connected = false
	s.state.Phase = PhaseUnauthenticated
	s.state.User = ""
	link := s.ordering.Current()
	s.mu.Unlock()
	s.record(store.StatusCredentialsWiped, "removed externally")
	s.startReconnect(false, link)
}

func (s *Supervisor) repair() {
	s.mu.Lock()
	if s.closed || !s.suspended {
		s.mu.Unlock()
		return
	}
	s.suspended = false
	s.repairTimer = nil
	s.state.Phase = PhaseUnauthenticated
	s.mu.Unlock()
	s.logger.Info("starting fresh pairing cycle")
	s.startReconnect(false, 0)
}

func (s *Supervisor) eventLoop() {
	defer close(s.eventDone)
	events := s.transport.Events()
	for {
		select {
		case <-s.stop:
			return
		case event := <-events:
			s.handleEvent(event)
		}
	}
}

func (s *Supervisor) handleEvent(event transport.Event) {
	s.mu.Lock()
	if !s.ordering.Accept(event) {
		s.mu.Unlock()
		s.logger.Debug("dropping out-of-order event", "type", event.Type, "link", event.Link, "seq", event.Seq)
		return
	}
	if event.Type == transport.EventInboundMessage {
		s.mu.Unlock()
		s.logger.Info("inbound message", "from", event.From, "length", len(event.Text))
		return
	}
	next, effects := Transition(s.state, event, s.clock.Now())
	s.state = next
	for _, effect := range effects {
		switch effect.Kind {
		case EffectCancelTimers:
			s.stopPairingRefreshLocked()
			if event.Type == transport.EventConnectionOpen {
				s.rerunLink = 0
				if s.loopCancel != nil {
					s.loopCancel()
				}
			}
		case EffectStartPairingRefresh:
			s.startPairingRefreshLocked()
		case EffectRenderPairing:
			s.pairingImage = ""
		}
	}
	s.mu.Unlock()

	s.logger.Info("session event", "type", event.Type, "link", event.Link, "phase", next.Phase)
	for _, effect := range effects {
		switch effect.Kind {
		case EffectRenderPairing:
			s.renderAndStore(next.Pairing.Code)
		case EffectWipeCredentials:
			s.wipeCredentials()
		case EffectScheduleReconnect:
			s.startReconnect(true, event.Link)
		case EffectRecord:
			s.record(effect.Status, effect.Detail)
		}
	}
}

func (s *Supervisor) renderAndStore(code string) string {
	image, err := renderPairing(code)
	if err != nil {
		s.logger.Warn("pairing render failed", "error", err)
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Pairing.Code != code {
		return ""
	}
	s.pairingImage = image
	return image
}

func (s *Supervisor) startPairingRefreshLocked() {
	if s.refresh != nil {
		return
	}
	ticker := s.clock.NewTicker(s.opts.PairingRefreshInterval)
	stop := make(chan struct{})
	s.refresh = ticker
	s.refreshStop = stop
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.refreshPairing()
			}
		}
	}()
}

// refreshPairing re-renders a challenge whose image is missing and logs
// expiry. The challenge stays until the transport supersedes it.
func (s *Supervisor) refreshPairing() {
	s.mu.Lock()
	pairing := s.state.Pairing
	image := s.pairingImage
	now := s.clock.Now()
	s.mu.Unlock()
	if !pairing.Active() {
		return
	}
	if image == "" {
		s.renderAndStore(pairing.Code)
	}
	if now.After(pairing.ExpiresAt) {
		s.logger.Debug("pairing challenge expired, waiting for a new one", "expired_at", pairing.ExpiresAt)
	}
}

func (s *Supervisor) stopPairingRefreshLocked() {
	if s.refresh == nil {
		return
	}
	s.refresh.Stop()
	close(s.refreshStop)
	s.refresh = nil
	s.refreshStop = nil
}

func (s *Supervisor) stopTimersLocked() {
	s.stopPairingRefreshLocked()
	if s.repairTimer != nil {
		s.repairTimer.Stop()
		s.repairTimer = nil
	}
}

func (s *Supervisor) wipeCredentials() {
	if s.opts.Credentials == nil {
		return
	}
	if err := s.opts.Credentials.Wipe(); err != nil {
		s.logger.Error("credential wipe failed", "error", err)
		return
	}
	s.record(store.StatusCredentialsWiped, "")
}

func (s *Supervisor) record(status store.OutcomeStatus, detail string) {
	if s.opts.Recorder == nil {
		return
	}
	s.opts.Recorder.Record(store.Outcome{
		Kind:      store.OutcomeConnection,
		Status:    status,
		Detail:    detail,
		CreatedAt: s.clock.Now(),
	})
}

// reconnectingLocked reports whether the session is on its way back: a
// loop is dialing or waiting, or a recoverable loss has not yet been
// followed by connection_open.
func (s *Supervisor) reconnectingLocked() bool {
	return s.running || s.state.Reconnecting
}

// startReconnect launches the reconnect loop unless one already runs.
// A request that loses to a running loop is remembered with the link it
// concerns. If that link turns out to be the one the loop just dialed,
// the loop goes round again instead of exiting. It reports whether a new
// loop was started.
func (s *Supervisor) startReconnect(wait bool, link uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.suspended {
		return false
	}
	if s.running {
		if link != 0 && link >= s.rerunLink {
			s.rerunLink = link
			s.rerunWait = wait
		}
		return false
	}
	s.spawnLoopLocked(wait)
	return true
}

func (s *Supervisor) spawnLoopLocked(wait bool) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.running = true
	s.loopCancel = cancel
	s.loopDone = done

	// Drain a kick left over from a loop that already finished.
	select {
	case <-s.kick:
	default:
	}
	go s.reconnectLoop(ctx, cancel, done, wait)
}

func (s *Supervisor) reconnectLoop(ctx context.Context, cancel context.CancelFunc, done chan struct{}, wait bool) {
	link := s.dialUntilConnected(ctx, wait)
	cancel()
	s.finishLoop(done, link)
	close(done)
}

// finishLoop releases the loop slot, or hands it straight to a new loop
// when a loss of the link this loop issued arrived while it was dialing.
func (s *Supervisor) finishLoop(done chan struct{}, link uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopDone != done {
		return
	}
	rerun := s.rerunLink != 0 && s.rerunLink >= link &&
		!s.closed && !s.suspended && s.state.Phase != PhaseDisconnectedTerminal
	wait := s.rerunWait
	s.rerunLink = 0
	s.rerunWait = false
	s.running = false
	s.loopCancel = nil
	s.loopDone = nil
	if rerun {
		s.logger.Info("link lost while reconnecting, going round again", "link", link)
		s.spawnLoopLocked(wait)
	}
}

// dialUntilConnected returns the link of the successful Connect, or 0 when
// the loop stopped without one.
func (s *Supervisor) dialUntilConnected(ctx context.Context, wait bool) uint64 {
	delay := s.opts.ReconnectInterval
	waited := false
	for {
		if wait {
			if waited {
				delay = min(delay*2, s.opts.ReconnectMaxInterval)
			}
			waited = true
			s.logger.Info("reconnect scheduled", "delay", delay)
			select {
			case <-ctx.Done():
				return 0
			case <-s.kick:
				delay = s.opts.ReconnectInterval
				waited = false
			case <-s.clock.After(delay):
			}
		}
		wait = true

		attempt := s.beginAttempt()
		link, err := s.connectOnce(ctx)
		if err == nil {
			s.logger.Info("transport connected", "link", link, "attempt", attempt)
			return link
		}
		if ctx.Err() != nil {
			return 0
		}
		if errors.Is(err, transport.ErrLoggedOut) {
			s.mu.Lock()
			s.state.Phase = PhaseDisconnectedTerminal
			s.state.Connected = false
			s.state.Reconnecting = false
			s.state.LastCloseReason = "logged_out"
			s.mu.Unlock()
			s.logger.Warn("session logged out, not reconnecting", "error", err)
			s.record(store.StatusLoggedOut, err.Error())
			return 0
		}
		if errors.Is(err, transport.ErrCredentialsCorrupt) {
			s.mu.Lock()
			s.wipePending = true
			s.mu.Unlock()
		}
		s.logger.Warn("reconnect attempt failed", "attempt", attempt, "max_attempts", s.opts.MaxReconnectAttempts, "error", err)
		s.record(store.StatusError, err.Error())
	}
}

func (s *Supervisor) beginAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ReconnectAttempts++
	attempt := s.state.ReconnectAttempts
	if attempt == s.opts.MaxReconnectAttempts {
		s.logger.Warn("reconnect attempts exhausted, continuing at capped interval", "attempts", attempt)
	}
	return attempt
}

func (s *Supervisor) connectOnce(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	wipe := s.wipePending
	s.wipePending = false
	s.mu.Unlock()
	if wipe {
		s.wipeCredentials()
	}

	link, err := s.transport.Connect(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	if link > s.maxIssued {
		s.maxIssued = link
	}
	s.mu.Unlock()
	return link, nil
}
