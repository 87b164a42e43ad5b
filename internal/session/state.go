package session

import (
	"time"

	"github.com/agentworkforce/relaygroup/internal/store"
	"github.com/agentworkforce/relaygroup/internal/transport"
)

const DefaultPairingTTL = 60 * time.Second

type Phase string

const (
	PhaseUnauthenticated         Phase = "unauthenticated"
	PhasePairingRequested        Phase = "pairing_requested"
	PhaseAuthenticating          Phase = "authenticating"
	PhaseConnected               Phase = "connected"
	PhaseDisconnectedRecoverable Phase = "disconnected_recoverable"
	PhaseDisconnectedTerminal    Phase = "disconnected_terminal"
)

// Pairing is the outstanding pairing challenge. The zero value means none.
type Pairing struct {
	Code      string
	ExpiresAt time.Time
}

func (p Pairing) Active() bool {
	return p.Code != ""
}

type State struct {
	Phase             Phase
	Connected         bool
	Pairing           Pairing
	User              string
	LastConnectedAt   time.Time
	ReconnectAttempts int
	LastCloseReason   string
	// Reconnecting is set by a recoverable loss and cleared only by
	// connection_open, a terminal close or an operator disconnect.
	Reconnecting      bool
}

type EffectKind string

const (
	EffectRenderPairing       EffectKind = "render_pairing"
	EffectStartPairingRefresh EffectKind = "start_pairing_refresh"
	EffectCancelTimers        EffectKind = "cancel_timers"
	EffectScheduleReconnect   EffectKind = "schedule_reconnect"
	EffectWipeCredentials     EffectKind = "wipe_credentials"
	EffectRecord              EffectKind = "record"
)

type Effect struct {
	Kind   EffectKind
	Status store.OutcomeStatus
	Detail string
}

// Transition computes the next state for an accepted event. It has no
// side effects; the returned effects are carried out by the caller in
// order.
func Transition(state State, event transport.Event, now time.Time) (State, []Effect) {
	switch event.Type {
	case transport.EventPairingChallenge:
		ttl := event.TTL
		if ttl <= 0 {
			ttl = DefaultPairingTTL
		}
		state.Phase = PhasePairingRequested
		state.Connected = false
		state.Pairing = Pairing{Code: event.Code, ExpiresAt: now.Add(ttl)}
		return state, []Effect{
			{Kind: EffectRenderPairing},
			{Kind: EffectStartPairingRefresh},
			{Kind: EffectRecord, Status: store.StatusPairing},
		}

	case transport.EventPairSuccess:
		state.Phase = PhaseAuthenticating
		return state, nil

	case transport.EventConnectionOpen:
		state.Phase = PhaseConnected
		state.Connected = true
		state.Pairing = Pairing{}
		state.User = event.User
		state.LastConnectedAt = now
		state.ReconnectAttempts = 0
		state.LastCloseReason = ""
		state.Reconnecting = false
		return state, []Effect{
			{Kind: EffectCancelTimers},
			{Kind: EffectRecord, Status: store.StatusConnected, Detail: event.User},
		}

	case transport.EventConnectionClose:
		state.Connected = false
		state.Pairing = Pairing{}
		state.LastCloseReason = event.Reason
		switch transport.ClassifyClose(event.Reason) {
		case transport.CloseTerminal:
			state.Phase = PhaseDisconnectedTerminal
			state.Reconnecting = false
			return state, []Effect{
				{Kind: EffectCancelTimers},
				{Kind: EffectRecord, Status: store.StatusLoggedOut, Detail: event.Reason},
			}
		case transport.CloseCredentialsCorrupt:
			state.Phase = PhaseDisconnectedRecoverable
			state.Reconnecting = true
			return state, []Effect{
				{Kind: EffectCancelTimers},
				{Kind: EffectWipeCredentials},
				{Kind: EffectScheduleReconnect},
				{Kind: EffectRecord, Status: store.StatusDisconnected, Detail: event.Reason},
			}
		default:
			state.Phase = PhaseDisconnectedRecoverable
			state.Reconnecting = true
			return state, []Effect{
				{Kind: EffectCancelTimers},
				{Kind: EffectScheduleReconnect},
				{Kind: EffectRecord, Status: store.StatusDisconnected, Detail: event.Reason},
			}
		}
	}
	return state, nil
}

// Ordering filters transport events so a late or replayed event can
// never move the session backwards. Seq numbers start at 1 on every link.
type Ordering struct {
	fence   uint64
	current uint64
	lastSeq uint64
}

func (o *Ordering) Accept(event transport.Event) bool {
	if event.Link < o.fence || event.Link < o.current {
		return false
	}
	if event.Link > o.current {
		o.current = event.Link
		o.lastSeq = 0
	}
	if event.Seq <= o.lastSeq {
		return false
	}
	o.lastSeq = event.Seq
	return true
}

// Fence rejects every event from links below link.
func (o *Ordering) Fence(link uint64) {
	if link > o.fence {
		o.fence = link
	}
}

func (o *Ordering) Current() uint64 {
	return o.current
}
