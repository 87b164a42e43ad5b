package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaygroup/internal/command"
	"github.com/agentworkforce/relaygroup/internal/session"
	"github.com/agentworkforce/relaygroup/internal/store"
	"github.com/agentworkforce/relaygroup/internal/transport"
)

const correlationHeader = "X-Correlation-Id"

// Service is the operator surface the server exposes. *command.Service
// satisfies it.
type Service interface {
	Status(ctx context.Context) command.StatusReport
	PairingCredential() (session.PairingCredential, error)
	Send(ctx context.Context, text string) (command.SendResult, error)
	ListDestinations(ctx context.Context) ([]transport.Conversation, error)
	ConfiguredDestination(ctx context.Context) (store.Destination, bool)
	SetDestination(ctx context.Context, id, name string) (command.SetDestinationResult, error)
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	History(ctx context.Context, limit, offset int) ([]store.Outcome, error)
	Stats(ctx context.Context) (command.StatsReport, error)
}

type ServerConfig struct {
	SecretKey       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
}

type Server struct {
	service     Service
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(service Service, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		service:     service,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger,
	}
}

type route struct {
	name     string
	mutating bool
}

var routes = map[string]route{
	http.MethodGet + " /health":                 {name: "health"},
	http.MethodGet + " /status":                 {name: "status"},
	http.MethodGet + " /pairing-credential":     {name: "pairing_credential"},
	http.MethodPost + " /send":                  {name: "send", mutating: true},
	http.MethodGet + " /destinations":           {name: "destinations"},
	http.MethodGet + " /configured-destination": {name: "configured_destination"},
	http.MethodPost + " /set-destination":       {name: "set_destination", mutating: true},
	http.MethodPost + " /disconnect":            {name: "disconnect", mutating: true},
	http.MethodPost + " /reconnect":             {name: "reconnect", mutating: true},
	http.MethodGet + " /history":                {name: "history"},
	http.MethodGet + " /stats":                  {name: "stats"},
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)

	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "" {
		s.handleDashboard(w, r, correlationID)
		return
	}
	path = strings.TrimPrefix(path, "/api")

	rt, ok := routes[r.Method+" "+path]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if rt.mutating && s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch rt.name {
	case "health":
		s.handleHealth(w, r)
	case "status":
		s.handleStatus(w, r)
	case "pairing_credential":
		s.handlePairingCredential(w, r, correlationID)
	case "send":
		s.handleSend(w, r, correlationID)
	case "destinations":
		s.handleDestinations(w, r, correlationID)
	case "configured_destination":
		s.handleConfiguredDestination(w, r)
	case "set_destination":
		s.handleSetDestination(w, r, correlationID)
	case "disconnect":
		s.handleDisconnect(w, r, correlationID)
	case "reconnect":
		s.handleReconnect(w, r, correlationID)
	case "history":
		s.handleHistory(w, r, correlationID)
	case "stats":
		s.handleStats(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type statusResponse struct {
	Connected       bool           `json:"connected"`
	PairingActive   bool           `json:"pairingActive"`
	DestinationID   *string        `json:"destinationId"`
	DestinationName *string        `json:"destinationName"`
	Reconnecting    bool           `json:"reconnecting"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"maxAttempts"`
	Exhausted       bool           `json:"exhausted"`
	Phase           string         `json:"phase"`
	LastConnectedAt *time.Time     `json:"lastConnectedAt"`
	User            string         `json:"user,omitempty"`
	LastCloseReason string         `json:"lastCloseReason,omitempty"`
	Database        store.Health   `json:"database"`
	LastConnection  *store.Outcome `json:"lastConnection,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.service.Status(r.Context())
	status := "ok"
	if !report.Database.Healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"database":  report.Database,
		"connected": report.Connected,
		"phase":     report.Phase,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := s.service.Status(r.Context())
	resp := statusResponse{
		Connected:       report.Connected,
		PairingActive:   report.PairingActive,
		Reconnecting:    report.Reconnecting,
		Attempts:        report.ReconnectAttempts,
		MaxAttempts:     report.MaxReconnectAttempts,
		Exhausted:       report.Exhausted,
		Phase:           string(report.Phase),
		LastConnectedAt: report.LastConnectedAt,
		User:            report.User,
		LastCloseReason: report.LastCloseReason,
		Database:        report.Database,
		LastConnection:  report.LastConnection,
	}
	if report.Destination != nil {
		resp.DestinationID = &report.Destination.ID
		if report.Destination.Name != "" {
			resp.DestinationName = &report.Destination.Name
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePairingCredential(w http.ResponseWriter, _ *http.Request, correlationID string) {
	credential, err := s.service.PairingCredential()
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, credential)
}

type sendRequest struct {
	Message   string `json:"message"`
	SecretKey string `json:"secretKey"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req sendRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if !s.authorize(w, r, req.SecretKey, correlationID) {
		return
	}
	result, err := s.service.Send(r.Context(), req.Message)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request, correlationID string) {
	conversations, err := s.service.ListDestinations(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if conversations == nil {
		conversations = []transport.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

type configuredDestinationResponse struct {
	ID           *string    `json:"id"`
	Name         *string    `json:"name"`
	ConfiguredAt *time.Time `json:"configuredAt"`
}

func (s *Server) handleConfiguredDestination(w http.ResponseWriter, r *http.Request) {
	var resp configuredDestinationResponse
	if dest, ok := s.service.ConfiguredDestination(r.Context()); ok {
		resp.ID = &dest.ID
		if dest.Name != "" {
			resp.Name = &dest.Name
		}
		if !dest.ConfiguredAt.IsZero() {
			resp.ConfiguredAt = &dest.ConfiguredAt
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type setDestinationRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SecretKey string `json:"secretKey"`
}

func (s *Server) handleSetDestination(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req setDestinationRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if !s.authorize(w, r, req.SecretKey, correlationID) {
		return
	}
	result, err := s.service.SetDestination(r.Context(), req.ID, req.Name)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"destination": result.Destination,
		"live":        result.Live,
		"warning":     result.Warning,
	})
}

type secretRequest struct {
	SecretKey string `json:"secretKey"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req secretRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if !s.authorize(w, r, req.SecretKey, correlationID) {
		return
	}
	if err := s.service.Disconnect(r.Context()); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req secretRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if !s.authorize(w, r, req.SecretKey, correlationID) {
		return
	}
	if err := s.service.Reconnect(r.Context()); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "reconnecting": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, correlationID string) {
	if !s.authorize(w, r, "", correlationID) {
		return
	}
	query := r.URL.Query()
	limit := parseBoundedInt(query.Get("limit"), store.DefaultHistoryLimit, 1, store.MaxHistoryLimit)
	offset := parseBoundedInt(query.Get("offset"), 0, 0, math.MaxInt32)
	outcomes, err := s.service.History(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if outcomes == nil {
		outcomes = []store.Outcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  outcomes,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	if !s.authorize(w, r, "", correlationID) {
		return
	}
	report, err := s.service.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if report.Rows == nil {
		report.Rows = []store.StatRow{}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, fromBody, correlationID string) bool {
	if authErr := authorizeSecret(s.cfg.SecretKey, fromBody, r.Header.Get(secretHeader)); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return false
	}
	return true
}

// writeServiceError maps operation errors onto status codes. Liveness
// failures carry the reconnecting flag so clients can poll instead of
// giving up.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	var notLive *session.NotLiveError
	switch {
	case errors.As(err, &notLive):
		code := "not_connected"
		if notLive.Stale {
			code = "stale_connection"
		}
		writeJSON(w, http.StatusServiceUnavailable, errorBody(code, err.Error(), correlationID, &notLive.Reconnecting))
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error(), correlationID)
	case errors.Is(err, command.ErrEmptyMessage), errors.Is(err, command.ErrInvalidDestination), errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, command.ErrDestinationNotConfigured):
		writeError(w, http.StatusBadRequest, "destination_not_configured", "destination not configured", correlationID)
	case errors.Is(err, command.ErrAlreadyConnected):
		writeError(w, http.StatusNotFound, "already_connected", err.Error(), correlationID)
	case errors.Is(err, command.ErrNoCredential):
		writeError(w, http.StatusNotFound, "no_credential", err.Error(), correlationID)
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

// getCorrelationID echoes the caller's id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeJSONBody treats an empty body as an empty object.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorBody(code, message, correlationID string, reconnecting *bool) map[string]any {
	body := map[string]any{
		"success":       false,
		"code":          code,
		"error":         message,
		"correlationId": correlationID,
	}
	if reconnecting != nil {
		body["reconnecting"] = *reconnecting
	}
	return body
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, errorBody(code, message, correlationID, nil))
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
