// Package transport abstracts the messaging network connection. The
// supervisor consumes Events and issues commands; implementations tag
// every event with the link it came from so stale links can be ignored.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrLoggedOut          = errors.New("session logged out")
	ErrCredentialsCorrupt = errors.New("credentials corrupt")
)

type EventType string

const (
	EventPairingChallenge EventType = "pairing_challenge"
	EventPairSuccess      EventType = "pair_success"
	EventConnectionOpen   EventType = "connection_open"
	EventConnectionClose  EventType = "connection_close"
	EventInboundMessage   EventType = "inbound_message"
)

// Event is one notification from the network. Link is the generation of
// the connection that produced it; Seq orders events within one link.
type Event struct {
	Type   EventType
	Link   uint64
	Seq    uint64
	Code   string
	TTL    time.Duration
	Reason string
	User   string
	From   string
	Text   string
}

type Conversation struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	MemberCount int    `json:"memberCount"`
}

type Transport interface {
	// Connect replaces any existing link and returns the new link
	// generation. Events for the link arrive on Events.
	Connect(ctx context.Context) (uint64, error)
	Events() <-chan Event
	SendText(ctx context.Context, destination, text string) (string, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	Ping(ctx context.Context) error
	Logout(ctx context.Context) error
	// Close drops the current link silently. Connect may be called again.
	Close() error
}

type CloseClass int

const (
	CloseRecoverable CloseClass = iota
	CloseCredentialsCorrupt
	CloseTerminal
)

func (c CloseClass) String() string {
	switch c {
	case CloseTerminal:
		return "terminal"
	case CloseCredentialsCorrupt:
		return "credentials_corrupt"
	default:
		return "recoverable"
	}
}

// ClassifyClose maps a close reason to how the session should react.
// Unrecognised reasons are recoverable.
func ClassifyClose(reason string) CloseClass {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "logged_out", "loggedout", "banned":
		return CloseTerminal
	case "bad_session", "badsession", "credentials_corrupt":
		return CloseCredentialsCorrupt
	default:
		return CloseRecoverable
	}
}
