package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestClassifyClose(t *testing.T) {
	cases := map[string]CloseClass{
		"logged_out":          CloseTerminal,
		"LOGGED_OUT":          CloseTerminal,
		"banned":              CloseTerminal,
		"bad_session":         CloseCredentialsCorrupt,
		"credentials_corrupt": CloseCredentialsCorrupt,
		"connection_lost":     CloseRecoverable,
		"timed_out":           CloseRecoverable,
		"":                    CloseRecoverable,
		"something_new":       CloseRecoverable,
	}
	for reason, want := range cases {
		assert.Equal(t, want, ClassifyClose(reason), "reason %q", reason)
	}
}

func TestFrameDecoderRejectsInvalidFrames(t *testing.T) {
	decoder, err := newFrameDecoder()
	require.NoError(t, err)

	_, err = decoder.decode([]byte(`{"type":"event","event":"connection_open","seq":1,"user":"me"}`))
	require.NoError(t, err)

	for _, bad := range []string{
		`not json`,
		`{"type":"event","event":"connection_open"}`,
		`{"type":"event","event":"teleport","seq":1}`,
		`{"type":"event","event":"pairing_challenge","seq":2}`,
		`{"type":"response","ok":true}`,
		`{"type":"mystery"}`,
	} {
		_, err := decoder.decode([]byte(bad))
		assert.Error(t, err, "frame %s", bad)
	}
}

// fakeGateway is a websocket server speaking the gateway protocol.
type fakeGateway struct {
	t      *testing.T
	mu     sync.Mutex
	conns  []*websocket.Conn
	status int
	onOpen []string
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	status := g.status
	frames := append([]string(nil), g.onOpen...)
	g.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if r.Header.Get("Authorization") != "Bearer secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()

	ctx := r.Context()
	for _, frame := range frames {
		if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
			return
		}
	}
	for {
		var req outboundFrame
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		reply := map[string]any{"type": "response", "id": req.ID, "ok": true}
		switch req.Method {
		case "send_text":
			params, _ := req.Params.(map[string]any)
			if params["to"] == "missing" {
				reply["ok"] = false
				reply["error"] = "destination not found"
			} else {
				reply["result"] = map[string]any{"messageId": "m-1"}
			}
		case "list_conversations":
			reply["result"] = map[string]any{"conversations": []map[string]any{{"id": "g1", "title": "Ops", "memberCount": 4}}}
		case "logout":
			reply["error"] = ""
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			return
		}
	}
}

func (g *fakeGateway) lastConn() *websocket.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		return nil
	}
	return g.conns[len(g.conns)-1]
}

func newTestGateway(t *testing.T, server *httptest.Server) *Gateway {
	t.Helper()
	gw, err := NewGateway(GatewayOptions{
		URL:    "ws" + strings.TrimPrefix(server.URL, "http"),
		Token:  "secret",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func nextEvent(t *testing.T, gw *Gateway) Event {
	t.Helper()
	select {
	case ev := <-gw.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestGatewayEventsAndRequests(t *testing.T) {
	fake := &fakeGateway{t: t, onOpen: []string{
		`{"type":"event","event":"pairing_challenge","seq":1,"code":"2@abc","ttlSeconds":60}`,
		`{"type":"event","event":"bogus"}`,
		`{"type":"event","event":"connection_open","seq":2,"user":"me@s"}`,
	}}
	server := httptest.NewServer(fake)
	defer server.Close()
	gw := newTestGateway(t, server)
	ctx := context.Background()

	link, err := gw.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), link)

	ev := nextEvent(t, gw)
	assert.Equal(t, EventPairingChallenge, ev.Type)
	assert.Equal(t, "2@abc", ev.Code)
	assert.Equal(t, time.Minute, ev.TTL)
	assert.Equal(t, link, ev.Link)

	ev = nextEvent(t, gw)
	assert.Equal(t, EventConnectionOpen, ev.Type)
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, "me@s", ev.User)

	require.NoError(t, gw.Ping(ctx))

	id, err := gw.SendText(ctx, "g1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	_, err = gw.SendText(ctx, "missing", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination not found")

	conversations, err := gw.ListConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Conversation{{ID: "g1", Title: "Ops", MemberCount: 4}}, conversations)
}

func TestGatewayNotConnected(t *testing.T) {
	server := httptest.NewServer(&fakeGateway{t: t})
	defer server.Close()
	gw := newTestGateway(t, server)

	require.ErrorIs(t, gw.Ping(context.Background()), ErrNotConnected)
	_, err := gw.SendText(context.Background(), "g1", "x")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestGatewayServerCloseBecomesCloseEvent(t *testing.T) {
	fake := &fakeGateway{t: t, onOpen: []string{`{"type":"event","event":"connection_open","seq":1}`}}
	server := httptest.NewServer(fake)
	defer server.Close()
	gw := newTestGateway(t, server)

	link, err := gw.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventConnectionOpen, nextEvent(t, gw).Type)

	require.Eventually(t, func() bool { return fake.lastConn() != nil }, time.Second, 5*time.Millisecond)
	require.NoError(t, fake.lastConn().Close(websocket.StatusCode(4000), "logged_out"))

	ev := nextEvent(t, gw)
	assert.Equal(t, EventConnectionClose, ev.Type)
	assert.Equal(t, "logged_out", ev.Reason)
	assert.Equal(t, link, ev.Link)
	assert.Equal(t, uint64(2), ev.Seq)

	require.Eventually(t, func() bool {
		return errors.Is(gw.Ping(context.Background()), ErrNotConnected)
	}, time.Second, 5*time.Millisecond)
}

func TestGatewayReconnectSupersedesOldLink(t *testing.T) {
	fake := &fakeGateway{t: t, onOpen: []string{`{"type":"event","event":"connection_open","seq":1}`}}
	server := httptest.NewServer(fake)
	defer server.Close()
	gw := newTestGateway(t, server)
	ctx := context.Background()

	first, err := gw.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, first, nextEvent(t, gw).Link)

	second, err := gw.Connect(ctx)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	ev := nextEvent(t, gw)
	assert.Equal(t, second, ev.Link)
	assert.Equal(t, EventConnectionOpen, ev.Type)

	select {
	case extra := <-gw.Events():
		t.Fatalf("unexpected event from superseded link: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGatewayDialStatusMapping(t *testing.T) {
	fake := &fakeGateway{t: t, status: http.StatusGone}
	server := httptest.NewServer(fake)
	defer server.Close()
	gw := newTestGateway(t, server)

	_, err := gw.Connect(context.Background())
	require.ErrorIs(t, err, ErrLoggedOut)

	fake.mu.Lock()
	fake.status = http.StatusUnprocessableEntity
	fake.mu.Unlock()
	_, err = gw.Connect(context.Background())
	require.ErrorIs(t, err, ErrCredentialsCorrupt)
}

func TestOutboundFrameShape(t *testing.T) {
	data, err := json.Marshal(outboundFrame{Type: "request", ID: "abc", Method: "ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request","id":"abc","method":"ping"}`, string(data))
}
