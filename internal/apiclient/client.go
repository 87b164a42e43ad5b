// Package apiclient talks to a running relaygroup server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaygroup/internal/store"
	"github.com/agentworkforce/relaygroup/internal/transport"
)

type HTTPError struct {
	StatusCode   int
	Code         string
	Message      string
	Reconnecting bool
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if e.Reconnecting {
		msg += " (reconnecting, retry shortly)"
	}
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
}

type Status struct {
	Connected       bool       `json:"connected"`
	PairingActive   bool       `json:"pairingActive"`
	DestinationID   *string    `json:"destinationId"`
	DestinationName *string    `json:"destinationName"`
	Reconnecting    bool       `json:"reconnecting"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"maxAttempts"`
	Exhausted       bool       `json:"exhausted"`
	Phase           string     `json:"phase"`
	LastConnectedAt *time.Time `json:"lastConnectedAt"`
	User            string     `json:"user,omitempty"`
	LastCloseReason string     `json:"lastCloseReason,omitempty"`
}

type SendResult struct {
	Success       bool   `json:"success"`
	MessageID     string `json:"messageId"`
	DestinationID string `json:"destinationId"`
	Error         string `json:"error,omitempty"`
}

type ConfiguredDestination struct {
	ID           *string    `json:"id"`
	Name         *string    `json:"name"`
	ConfiguredAt *time.Time `json:"configuredAt"`
}

type SetDestinationResult struct {
	Destination store.Destination `json:"destination"`
	Live        bool              `json:"live"`
	Warning     string            `json:"warning,omitempty"`
}

type HistoryPage struct {
	Items  []store.Outcome `json:"items"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// Client retries 429 and 5xx responses with capped exponential backoff.
// Requests that can change remote state are only retried when the server
// rejected them before running them (429).
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, secret string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		secret:     strings.TrimSpace(secret),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type call struct {
	method     string
	path       string
	body       any
	idempotent bool
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.doJSON(ctx, call{method: http.MethodGet, path: "/api/status", idempotent: true}, &out)
	return out, err
}

func (c *Client) Send(ctx context.Context, message string) (SendResult, error) {
	var out SendResult
	err := c.doJSON(ctx, call{
		method: http.MethodPost,
		path:   "/api/send",
		body:   map[string]string{"message": message, "secretKey": c.secret},
	}, &out)
	return out, err
}

func (c *Client) Destinations(ctx context.Context) ([]transport.Conversation, error) {
	var out []transport.Conversation
	err := c.doJSON(ctx, call{method: http.MethodGet, path: "/api/destinations", idempotent: true}, &out)
	return out, err
}

func (c *Client) ConfiguredDestination(ctx context.Context) (ConfiguredDestination, error) {
	var out ConfiguredDestination
	err := c.doJSON(ctx, call{method: http.MethodGet, path: "/api/configured-destination", idempotent: true}, &out)
	return out, err
}

// SetDestination is idempotent on the server, so it retries like a read.
func (c *Client) SetDestination(ctx context.Context, id, name string) (SetDestinationResult, error) {
	var out SetDestinationResult
	err := c.doJSON(ctx, call{
		method:     http.MethodPost,
		path:       "/api/set-destination",
		body:       map[string]string{"id": id, "name": name, "secretKey": c.secret},
		idempotent: true,
	}, &out)
	return out, err
}

func (c *Client) Reconnect(ctx context.Context) error {
	return c.doJSON(ctx, call{
		method:     http.MethodPost,
		path:       "/api/reconnect",
		body:       map[string]string{"secretKey": c.secret},
		idempotent: true,
	}, nil)
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.doJSON(ctx, call{
		method: http.MethodPost,
		path:   "/api/disconnect",
		body:   map[string]string{"secretKey": c.secret},
	}, nil)
}

func (c *Client) History(ctx context.Context, limit, offset int) (HistoryPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/history"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out HistoryPage
	err := c.doJSON(ctx, call{method: http.MethodGet, path: path, idempotent: true}, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, r call, out any) error {
	var bodyBytes []byte
	if r.body != nil {
		var err error
		bodyBytes, err = json.Marshal(r.body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", "cli_"+uuid.NewString())
		if c.secret != "" {
			req.Header.Set("X-Secret-Key", c.secret)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if r.idempotent && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			(r.idempotent && resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code         string `json:"code"`
			Error        string `json:"error"`
			Reconnecting bool   `json:"reconnecting"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode:   resp.StatusCode,
			Code:         errPayload.Code,
			Message:      errPayload.Error,
			Reconnecting: errPayload.Reconnecting,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
