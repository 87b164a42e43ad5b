package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrUnavailable    = errors.New("store unavailable")
)

const (
	KeyDestinationID   = "destination_id"
	KeyDestinationName = "destination_name"
)

// Destination is the singleton destination record. The zero value means
// "unconfigured".
type Destination struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ConfiguredAt time.Time `json:"configuredAt"`
}

func (d Destination) Configured() bool {
	return d.ID != ""
}

type ConfigValue struct {
	Value     string
	UpdatedAt time.Time
}

type OutcomeKind string

const (
	OutcomeSend       OutcomeKind = "send"
	OutcomeConnection OutcomeKind = "connection"
)

type OutcomeStatus string

const (
	StatusSent             OutcomeStatus = "sent"
	StatusFailed           OutcomeStatus = "failed"
	StatusConnected        OutcomeStatus = "connected"
	StatusDisconnected     OutcomeStatus = "disconnected"
	StatusPairing          OutcomeStatus = "pairing"
	StatusLoggedOut        OutcomeStatus = "logged_out"
	StatusError            OutcomeStatus = "error"
	StatusCredentialsWiped OutcomeStatus = "credentials_wiped"
)

// Outcome is an append-only log entry for a send attempt or a
// connection transition.
type Outcome struct {
	ID              string        `json:"id"`
	Kind            OutcomeKind   `json:"kind"`
	DestinationID   string        `json:"destinationId,omitempty"`
	DestinationName string        `json:"destinationName,omitempty"`
	Message         string        `json:"message,omitempty"`
	Status          OutcomeStatus `json:"status"`
	MessageID       string        `json:"messageId,omitempty"`
	Error           string        `json:"error,omitempty"`
	Detail          string        `json:"detail,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

type OutcomeFilter struct {
	Kind          OutcomeKind
	DestinationID string
	Limit         int
	Offset        int
}

// StatRow counts send outcomes of one status on one UTC day.
type StatRow struct {
	Day    string        `json:"day"`
	Status OutcomeStatus `json:"status"`
	Count  int           `json:"count"`
}

type Health struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Backend is the raw persistence layer. Implementations hold no business
// logic; retry, fallback and verification live in Store.
type Backend interface {
	GetConfig(ctx context.Context, key string) (ConfigValue, bool, error)
	// GetConfigSimple answers with the value column only. Store uses it
	// when the primary query shape fails.
	GetConfigSimple(ctx context.Context, key string) (string, bool, error)
	// ReplaceConfig upserts values and deletes remove in one transaction,
	// so readers see either the old keys or the new ones.
	ReplaceConfig(ctx context.Context, values map[string]string, remove ...string) error
	// DeleteConfig removes every key in a single statement.
	DeleteConfig(ctx context.Context, keys ...string) error

	AppendOutcome(ctx context.Context, outcome Outcome) error
	LatestDestinationName(ctx context.Context, destinationID string) (string, error)
	ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]Outcome, error)
	OutcomeStats(ctx context.Context, since time.Time) ([]StatRow, error)
	PurgeOutcomes(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
