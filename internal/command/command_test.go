package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaygroup/internal/clock"
	"github.com/agentworkforce/relaygroup/internal/session"
	"github.com/agentworkforce/relaygroup/internal/store"
	"github.com/agentworkforce/relaygroup/internal/transport"
	"github.com/agentworkforce/relaygroup/internal/transport/transporttest"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *Service
	sup       *session.Supervisor
	transport *transporttest.Fake
	store     *store.Store
	ref       *session.DestinationRef
	clock     *clock.FakeClock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		transport: transporttest.NewFake(),
		clock:     clock.Fake(epoch),
		ref:       &session.DestinationRef{},
	}
	f.store = store.New(store.Options{Logger: discardLogger(), Clock: f.clock})
	f.sup = session.NewSupervisor(session.Options{
		Transport: f.transport,
		Clock:     f.clock,
		Logger:    discardLogger(),
	})
	t.Cleanup(func() { _ = f.sup.Close() })
	f.svc = NewService(Options{
		Supervisor: f.sup,
		Store:      f.store,
		Messenger:  f.transport,
		Ref:        f.ref,
		Clock:      f.clock,
		Logger:     discardLogger(),
	})
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sup.Start())
	require.Eventually(t, func() bool {
		return f.transport.ConnectCalls() == 1 && !f.sup.Status().Reconnecting
	}, 2*time.Second, 2*time.Millisecond)
	f.transport.Emit(transport.Event{Type: transport.EventConnectionOpen, Link: f.transport.Link(), Seq: 1, User: "me"})
	require.Eventually(t, func() bool { return f.sup.Status().Connected }, 2*time.Second, 2*time.Millisecond)
}

func TestSendRejectsBlankText(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Send(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendWhenNotConnected(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Send(context.Background(), "hello")
	require.ErrorIs(t, err, session.ErrNotConnected)
	assert.Empty(t, f.transport.Sent())
}

func TestSendWithoutDestination(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	_, err := f.svc.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrDestinationNotConfigured)
}

func TestSendDeliversAndRecords(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	ctx := context.Background()
	_, err := f.svc.SetDestination(ctx, "g1", "Ops")
	require.NoError(t, err)

	result, err := f.svc.Send(ctx, "  hello  ")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "msg-1", result.MessageID)
	assert.Equal(t, "g1", result.DestinationID)
	assert.Equal(t, []transporttest.SentMessage{{Destination: "g1", Text: "hello"}}, f.transport.Sent())

	history, err := f.svc.History(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.StatusSent, history[0].Status)
	assert.Equal(t, "hello", history[0].Message)
	assert.Equal(t, "Ops", history[0].DestinationName)
}

func TestSendTransportFailureIsReportedNotRetried(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	ctx := context.Background()
	_, err := f.svc.SetDestination(ctx, "g1", "")
	require.NoError(t, err)
	f.transport.SetSendError(errors.New("rate limited"))

	result, err := f.svc.Send(ctx, "hello")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "rate limited", result.Error)

	history, err := f.svc.History(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.StatusFailed, history[0].Status)
	assert.Equal(t, "rate limited", history[0].Error)
	assert.True(t, f.sup.Status().Connected, "an ordinary send failure does not mark the link stale")
}

func TestSendOnStaleConnection(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	ctx := context.Background()
	_, err := f.svc.SetDestination(ctx, "g1", "Ops")
	require.NoError(t, err)
	f.transport.SetPingError(transport.ErrConnectionClosed)

	_, err = f.svc.Send(ctx, "hello")
	require.ErrorIs(t, err, session.ErrStaleConnection)
	var notLive *session.NotLiveError
	require.ErrorAs(t, err, &notLive)
	assert.True(t, notLive.Reconnecting)
	assert.Empty(t, f.transport.Sent())
	assert.False(t, f.sup.Status().Connected)
}

func TestSetDestinationReportsLiveness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.SetDestination(ctx, "g1", "Ops")
	require.NoError(t, err)
	assert.False(t, result.Live)
	assert.NotEmpty(t, result.Warning)

	dest, ok := f.svc.ConfiguredDestination(ctx)
	require.True(t, ok)
	assert.Equal(t, "g1", dest.ID)
	cached, ok := f.ref.Get()
	require.True(t, ok)
	assert.Equal(t, "Ops", cached.Name)

	_, err = f.svc.SetDestination(ctx, "", "x")
	require.ErrorIs(t, err, ErrInvalidDestination)
}

func TestDisconnectClearsDestination(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	ctx := context.Background()
	_, err := f.svc.SetDestination(ctx, "g1", "Ops")
	require.NoError(t, err)

	require.NoError(t, f.svc.Disconnect(ctx))

	_, ok := f.svc.ConfiguredDestination(ctx)
	assert.False(t, ok)
	_, ok = f.ref.Get()
	assert.False(t, ok)
	status := f.svc.Status(ctx)
	assert.Equal(t, session.PhaseDisconnectedTerminal, status.Phase)
	assert.Nil(t, status.Destination)
	assert.True(t, status.Database.Healthy)
}

func TestPairingCredential(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.PairingCredential()
	require.ErrorIs(t, err, ErrNoCredential)

	require.NoError(t, f.sup.Start())
	require.Eventually(t, func() bool { return f.transport.ConnectCalls() == 1 }, time.Second, 2*time.Millisecond)
	f.transport.Emit(transport.Event{Type: transport.EventPairingChallenge, Link: f.transport.Link(), Seq: 1, Code: "2@abc"})
	require.Eventually(t, func() bool {
		_, err := f.svc.PairingCredential()
		return err == nil
	}, time.Second, 2*time.Millisecond)
	cred, err := f.svc.PairingCredential()
	require.NoError(t, err)
	assert.Contains(t, cred.Credential, "data:image/png;base64,")

	f.transport.Emit(transport.Event{Type: transport.EventConnectionOpen, Link: f.transport.Link(), Seq: 2})
	require.Eventually(t, func() bool { return f.sup.Status().Connected }, time.Second, 2*time.Millisecond)
	_, err = f.svc.PairingCredential()
	require.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestListDestinations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ListDestinations(ctx)
	require.ErrorIs(t, err, session.ErrNotConnected)

	f.connect(t)
	f.transport.SetConversations(transport.Conversation{ID: "g1", Title: "Ops", MemberCount: 3})
	conversations, err := f.svc.ListDestinations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []transport.Conversation{{ID: "g1", Title: "Ops", MemberCount: 3}}, conversations)

	f.transport.SetListError(transport.ErrConnectionClosed)
	_, err = f.svc.ListDestinations(ctx)
	require.ErrorIs(t, err, session.ErrStaleConnection)
	assert.False(t, f.sup.Status().Connected)
}

func TestReconnectDelegatesToSupervisor(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Reconnect(context.Background()))
	require.Eventually(t, func() bool { return f.transport.ConnectCalls() == 1 }, time.Second, 2*time.Millisecond)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetDestination(ctx context.Context) (store.Destination, bool) {
	args := m.Called(ctx)
	return args.Get(0).(store.Destination), args.Bool(1)
}

func (m *mockStore) SetDestination(ctx context.Context, id, name string) error {
	return m.Called(ctx, id, name).Error(0)
}

func (m *mockStore) ClearDestination(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) RecordOutcome(ctx context.Context, outcome store.Outcome) error {
	return m.Called(ctx, outcome).Error(0)
}

func (m *mockStore) History(ctx context.Context, limit, offset int) ([]store.Outcome, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]store.Outcome), args.Error(1)
}

func (m *mockStore) Stats(ctx context.Context, window time.Duration) ([]store.StatRow, error) {
	args := m.Called(ctx, window)
	return args.Get(0).([]store.StatRow), args.Error(1)
}

func (m *mockStore) LastConnection(ctx context.Context) (store.Outcome, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(store.Outcome), args.Bool(1), args.Error(2)
}

func (m *mockStore) Health(ctx context.Context) store.Health {
	return m.Called(ctx).Get(0).(store.Health)
}

func TestSendSucceedsWhenOutcomeLogFails(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	st := &mockStore{}
	st.On("GetDestination", mock.Anything).Return(store.Destination{ID: "g1", Name: "Ops"}, true)
	st.On("RecordOutcome", mock.Anything, mock.MatchedBy(func(o store.Outcome) bool {
		return o.Status == store.StatusSent && o.Message == "hello"
	})).Return(errors.New("disk full"))
	f.svc.store = st

	result, err := f.svc.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, result.Success)
	st.AssertExpectations(t)
}

func TestSetDestinationStoreFailurePropagates(t *testing.T) {
	f := newFixture(t)
	st := &mockStore{}
	st.On("SetDestination", mock.Anything, "g1", "Ops").Return(store.ErrUnavailable)
	f.svc.store = st

	_, err := f.svc.SetDestination(context.Background(), "g1", "Ops")
	require.ErrorIs(t, err, store.ErrUnavailable)
	_, ok := f.ref.Get()
	assert.False(t, ok, "cache is not touched when the store rejects the write")
}

func TestStatsReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.RecordOutcome(ctx, store.Outcome{Kind: store.OutcomeSend, Status: store.StatusSent}))
	report, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.StatRow{{Day: "2026-01-01", Status: store.StatusSent, Count: 1}}, report.Rows)
}
