package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultEventBuffer    = 64
	defaultReadLimit      = 1 << 20
	closeDeliveryTimeout  = 5 * time.Second

	reasonConnectionLost = "connection_lost"
)

type GatewayOptions struct {
	URL            string
	Token          string
	Logger         *slog.Logger
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
	ReadLimit      int64
}

// Gateway talks to a messaging gateway over a websocket. Requests are
// JSON frames correlated by id; the gateway pushes numbered event frames.
type Gateway struct {
	opts    GatewayOptions
	logger  *slog.Logger
	decoder *frameDecoder
	events  chan Event

	mu         sync.Mutex
	generation uint64
	current    *gatewayLink
}

type gatewayLink struct {
	id     uint64
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan inboundFrame
	lastSeq   uint64
	closeSeen bool
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("gateway url is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	decoder, err := newFrameDecoder()
	if err != nil {
		return nil, err
	}
	return &Gateway{
		opts:    opts,
		logger:  opts.Logger,
		decoder: decoder,
		events:  make(chan Event, opts.EventBuffer),
	}, nil
}

func (g *Gateway) Events() <-chan Event {
	return g.events
}

func (g *Gateway) Connect(ctx context.Context) (uint64, error) {
	dialCtx, cancel := context.WithTimeout(ctx, g.opts.DialTimeout)
	defer cancel()

	header := http.Header{}
	if g.opts.Token != "" {
		header.Set("Authorization", "Bearer "+g.opts.Token)
	}
	conn, resp, err := websocket.Dial(dialCtx, g.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusGone:
				return 0, fmt.Errorf("%w: gateway reports session ended", ErrLoggedOut)
			case http.StatusUnprocessableEntity:
				return 0, fmt.Errorf("%w: gateway rejected stored session", ErrCredentialsCorrupt)
			}
		}
		return 0, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(g.opts.ReadLimit)

	linkCtx, linkCancel := context.WithCancel(context.Background())
	link := &gatewayLink{
		conn:    conn,
		ctx:     linkCtx,
		cancel:  linkCancel,
		pending: map[string]chan inboundFrame{},
	}

	g.mu.Lock()
	g.generation++
	link.id = g.generation
	previous := g.current
	g.current = link
	g.mu.Unlock()

	if previous != nil {
		previous.shutdown("superseded")
	}
	g.logger.Info("gateway link established", "link", link.id)
	go g.readLoop(link)
	return link.id, nil
}

func (g *Gateway) SendText(ctx context.Context, destination, text string) (string, error) {
	var result struct {
		MessageID string `json:"messageId"`
	}
	params := map[string]string{"to": destination, "text": text}
	if err := g.request(ctx, "send_text", params, &result); err != nil {
		return "", err
	}
	return result.MessageID, nil
}

func (g *Gateway) ListConversations(ctx context.Context) ([]Conversation, error) {
	var result struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := g.request(ctx, "list_conversations", nil, &result); err != nil {
		return nil, err
	}
	if result.Conversations == nil {
		return []Conversation{}, nil
	}
	return result.Conversations, nil
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.request(ctx, "ping", nil, nil)
}

func (g *Gateway) Logout(ctx context.Context) error {
	return g.request(ctx, "logout", nil, nil)
}

// Close drops the current link without emitting a close event. A later
// Connect opens a fresh link.
func (g *Gateway) Close() error {
	g.mu.Lock()
	link := g.current
	g.current = nil
	g.mu.Unlock()

	if link != nil {
		link.shutdown("closing")
	}
	return nil
}

func (g *Gateway) currentLink() *gatewayLink {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

func (g *Gateway) request(ctx context.Context, method string, params any, out any) error {
	link := g.currentLink()
	if link == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.RequestTimeout)
	defer cancel()

	id := uuid.NewString()
	reply := make(chan inboundFrame, 1)
	link.mu.Lock()
	link.pending[id] = reply
	link.mu.Unlock()
	defer func() {
		link.mu.Lock()
		delete(link.pending, id)
		link.mu.Unlock()
	}()

	payload, err := json.Marshal(outboundFrame{Type: "request", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	link.writeMu.Lock()
	err = link.conn.Write(ctx, websocket.MessageText, payload)
	link.writeMu.Unlock()
	if err != nil {
		if link.ctx.Err() != nil {
			return ErrConnectionClosed
		}
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	select {
	case frame := <-reply:
		if !frame.OK {
			return responseError(method, frame.Error)
		}
		if out == nil || len(frame.Result) == 0 {
			return nil
		}
		return json.Unmarshal(frame.Result, out)
	case <-link.ctx.Done():
		return ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func responseError(method, message string) error {
	switch message {
	case "not_connected":
		return ErrNotConnected
	case "connection_closed":
		return ErrConnectionClosed
	case "logged_out":
		return ErrLoggedOut
	}
	if message == "" {
		message = "request failed"
	}
	return fmt.Errorf("%s: %s", method, message)
}

func (g *Gateway) readLoop(link *gatewayLink) {
	var readErr error
	for {
		_, data, err := link.conn.Read(link.ctx)
		if err != nil {
			readErr = err
			break
		}
		frame, err := g.decoder.decode(data)
		if err != nil {
			g.logger.Warn("dropping gateway frame", "link", link.id, "error", err)
			continue
		}
		switch frame.Type {
		case "response":
			link.mu.Lock()
			reply, ok := link.pending[frame.ID]
			link.mu.Unlock()
			if ok {
				select {
				case reply <- frame:
				default:
				}
			}
		case "event":
			link.mu.Lock()
			if frame.Seq > link.lastSeq {
				link.lastSeq = frame.Seq
			}
			if frame.Event == string(EventConnectionClose) {
				link.closeSeen = true
			}
			link.mu.Unlock()
			select {
			case g.events <- frame.event(link.id):
			case <-link.ctx.Done():
			}
		}
	}

	superseded := link.ctx.Err() != nil
	link.cancel()
	if superseded {
		return
	}

	g.mu.Lock()
	if g.current == link {
		g.current = nil
	}
	g.mu.Unlock()

	link.mu.Lock()
	closeSeen := link.closeSeen
	seq := link.lastSeq + 1
	link.mu.Unlock()
	if closeSeen {
		return
	}

	reason := reasonConnectionLost
	var closeErr websocket.CloseError
	if errors.As(readErr, &closeErr) && closeErr.Reason != "" {
		reason = closeErr.Reason
	}
	g.logger.Warn("gateway link lost", "link", link.id, "reason", reason, "error", readErr)
	select {
	case g.events <- Event{Type: EventConnectionClose, Link: link.id, Seq: seq, Reason: reason}:
	case <-time.After(closeDeliveryTimeout):
		g.logger.Error("close event dropped, event consumer stalled", "link", link.id)
	}
}

func (l *gatewayLink) shutdown(reason string) {
	l.cancel()
	_ = l.conn.Close(websocket.StatusNormalClosure, reason)
}
