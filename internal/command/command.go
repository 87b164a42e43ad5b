// Package command implements the operator operations shared by the HTTP
// API and the CLI. Every operation that needs the network checks actual
// liveness first instead of trusting the cached connected flag.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentworkforce/relaygroup/internal/clock"
	"github.com/agentworkforce/relaygroup/internal/session"
	"github.com/agentworkforce/relaygroup/internal/store"
	"github.com/agentworkforce/relaygroup/internal/transport"
)

var (
	ErrEmptyMessage             = errors.New("message is required")
	ErrDestinationNotConfigured = errors.New("no destination configured")
	ErrAlreadyConnected         = errors.New("already connected")
	ErrNoCredential             = errors.New("no pairing credential available")
	ErrInvalidDestination       = errors.New("destination id is required")
)

const recordTimeout = 5 * time.Second

type Supervisor interface {
	Status() session.Status
	Pairing() (session.PairingCredential, bool)
	Probe(ctx context.Context) error
	ReportStale(cause error) error
	ForceReconnect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

type Store interface {
	GetDestination(ctx context.Context) (store.Destination, bool)
	SetDestination(ctx context.Context, id, name string) error
	ClearDestination(ctx context.Context) error
	RecordOutcome(ctx context.Context, outcome store.Outcome) error
	History(ctx context.Context, limit, offset int) ([]store.Outcome, error)
	Stats(ctx context.Context, window time.Duration) ([]store.StatRow, error)
	LastConnection(ctx context.Context) (store.Outcome, bool, error)
	Health(ctx context.Context) store.Health
}

type Messenger interface {
	SendText(ctx context.Context, destination, text string) (string, error)
	ListConversations(ctx context.Context) ([]transport.Conversation, error)
}

type Options struct {
	Supervisor Supervisor
	Store      Store
	Messenger  Messenger
	Ref        *session.DestinationRef
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Service struct {
	supervisor Supervisor
	store      Store
	messenger  Messenger
	ref        *session.DestinationRef
	clock      clock.Clock
	logger     *slog.Logger
}

func NewService(opts Options) *Service {
	if opts.Ref == nil {
		opts.Ref = &session.DestinationRef{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		supervisor: opts.Supervisor,
		store:      opts.Store,
		messenger:  opts.Messenger,
		ref:        opts.Ref,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
}

type StatusReport struct {
	session.Status
	Destination    *store.Destination `json:"destination"`
	Database       store.Health       `json:"database"`
	LastConnection *store.Outcome     `json:"lastConnection,omitempty"`
}

type SendResult struct {
	Success         bool      `json:"success"`
	MessageID       string    `json:"messageId,omitempty"`
	DestinationID   string    `json:"destinationId"`
	DestinationName string    `json:"destinationName,omitempty"`
	Error           string    `json:"error,omitempty"`
	SentAt          time.Time `json:"sentAt"`
}

type SetDestinationResult struct {
	Destination store.Destination `json:"destination"`
	Live        bool              `json:"live"`
	Warning     string            `json:"warning,omitempty"`
}

type StatsReport struct {
	Window string          `json:"window"`
	Rows   []store.StatRow `json:"rows"`
}

func (s *Service) Status(ctx context.Context) StatusReport {
	report := StatusReport{
		Status:   s.supervisor.Status(),
		Database: s.store.Health(ctx),
	}
	if dest, ok := s.ref.Get(); ok {
		report.Destination = &dest
	}
	if last, found, err := s.store.LastConnection(ctx); err != nil {
		s.logger.Debug("last connection lookup failed", "error", err)
	} else if found {
		report.LastConnection = &last
	}
	return report
}

func (s *Service) PairingCredential() (session.PairingCredential, error) {
	if s.supervisor.Status().Connected {
		return session.PairingCredential{}, ErrAlreadyConnected
	}
	credential, ok := s.supervisor.Pairing()
	if !ok {
		return session.PairingCredential{}, ErrNoCredential
	}
	return credential, nil
}

// Send delivers text to the configured destination exactly once. A
// delivery failure is reported in the result, not as an error.
func (s *Service) Send(ctx context.Context, text string) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, ErrEmptyMessage
	}
	if err := s.supervisor.Probe(ctx); err != nil {
		return SendResult{}, err
	}
	dest, ok := s.store.GetDestination(ctx)
	if !ok {
		return SendResult{}, ErrDestinationNotConfigured
	}

	result := SendResult{
		DestinationID:   dest.ID,
		DestinationName: dest.Name,
		SentAt:          s.clock.Now().UTC(),
	}
	messageID, err := s.messenger.SendText(ctx, dest.ID, text)
	outcome := store.Outcome{
		Kind:            store.OutcomeSend,
		DestinationID:   dest.ID,
		DestinationName: dest.Name,
		Message:         text,
		CreatedAt:       result.SentAt,
	}
	if err != nil {
		result.Error = err.Error()
		outcome.Status = store.StatusFailed
		outcome.Error = err.Error()
		if isConnectionLoss(err) {
			_ = s.supervisor.ReportStale(err)
		}
		s.logger.Warn("send failed", "destination_id", dest.ID, "error", err)
	} else {
		result.Success = true
		result.MessageID = messageID
		outcome.Status = store.StatusSent
		outcome.MessageID = messageID
		s.logger.Info("message sent", "destination_id", dest.ID, "message_id", messageID)
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.store.RecordOutcome(recordCtx, outcome); err != nil {
		s.logger.Warn("send outcome not recorded", "destination_id", dest.ID, "error", err)
	}
	return result, nil
}

func (s *Service) ListDestinations(ctx context.Context) ([]transport.Conversation, error) {
	if err := s.supervisor.Probe(ctx); err != nil {
		return nil, err
	}
	conversations, err := s.messenger.ListConversations(ctx)
	if err != nil {
		if isConnectionLoss(err) {
			return nil, s.supervisor.ReportStale(err)
		}
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	return conversations, nil
}

// ConfiguredDestination never fails; an unreachable store reads as
// unconfigured.
func (s *Service) ConfiguredDestination(ctx context.Context) (store.Destination, bool) {
	return s.store.GetDestination(ctx)
}

// SetDestination persists first. Cache update and liveness check are
// best effort and only reported.
func (s *Service) SetDestination(ctx context.Context, id, name string) (SetDestinationResult, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" {
		return SetDestinationResult{}, ErrInvalidDestination
	}
	if err := s.store.SetDestination(ctx, id, name); err != nil {
		return SetDestinationResult{}, err
	}

	dest := store.Destination{ID: id, Name: name, ConfiguredAt: s.clock.Now().UTC()}
	s.ref.Set(dest)
	result := SetDestinationResult{Destination: dest, Live: true}
	if err := s.supervisor.Probe(ctx); err != nil {
		result.Live = false
		result.Warning = err.Error()
	}
	return result, nil
}

// Disconnect logs the session out and forgets the destination.
func (s *Service) Disconnect(ctx context.Context) error {
	if err := s.supervisor.Disconnect(ctx); err != nil {
		return err
	}
	s.ref.Clear()
	if err := s.store.ClearDestination(ctx); err != nil {
		return fmt.Errorf("session disconnected but destination not cleared: %w", err)
	}
	return nil
}

func (s *Service) Reconnect(ctx context.Context) error {
	return s.supervisor.ForceReconnect(ctx)
}

func (s *Service) History(ctx context.Context, limit, offset int) ([]store.Outcome, error) {
	return s.store.History(ctx, limit, offset)
}

func (s *Service) Stats(ctx context.Context) (StatsReport, error) {
	rows, err := s.store.Stats(ctx, store.DefaultStatsWindow)
	if err != nil {
		return StatsReport{}, err
	}
	return StatsReport{Window: store.DefaultStatsWindow.String(), Rows: rows}, nil
}

func isConnectionLoss(err error) bool {
	return errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, transport.ErrNotConnected)
}
