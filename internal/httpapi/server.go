package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/realtime"
	"github.com/agentworkforce/relayboard/internal/workitem"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	AllowedOrigins     []string
	Sessions           board.SessionStore
	Logger             board.Logger
}

type Server struct {
	store              *board.Store
	cfg                ServerConfig
	sessions           board.SessionStore
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
	now                func() time.Time
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

func NewServer(store *board.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *board.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = board.NewInMemorySessionStore()
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
		store:              store,
		cfg:                cfg,
		sessions:           sessions,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
		now:                func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/auth/token" && r.Method == http.MethodPost {
		s.handleIssueToken(w, r)
		return
	}
	if r.URL.Path == "/v1/auth/refresh" && r.Method == http.MethodPost {
		s.handleRefresh(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/backends" && r.Method == http.MethodGet {
		s.handleAdminBackends(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "teams" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	teamID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "items" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "list_items"
	case len(parts) == 4 && parts[3] == "items" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "create_item"
	case len(parts) == 5 && parts[3] == "items" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "get_item"
	case len(parts) == 5 && parts[3] == "items" && r.Method == http.MethodPatch:
		requiredScope = scopeWrite
		route = "update_item"
	case len(parts) == 5 && parts[3] == "items" && r.Method == http.MethodDelete:
		requiredScope = scopeWrite
		route = "delete_item"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "events"
	case len(parts) == 4 && parts[3] == "realtime" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "realtime"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, teamID, requiredScope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && route != "realtime" {
		key := teamID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, s.now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list_items":
		s.handleListItems(w, r, teamID, correlationID)
	case "create_item":
		s.handleCreateItem(w, r, teamID, claims, correlationID)
	case "get_item":
		s.handleGetItem(w, r, teamID, parts[4], correlationID)
	case "update_item":
		s.handleUpdateItem(w, r, teamID, parts[4], claims, correlationID)
	case "delete_item":
		s.handleDeleteItem(w, r, teamID, parts[4], claims, correlationID)
	case "events":
		s.handleEvents(w, r, teamID, correlationID)
	case "realtime":
		s.handleRealtime(w, r, teamID, correlationID)
	}
}

func (s *Server) handleListItems(w http.ResponseWriter, _ *http.Request, teamID, correlationID string) {
	items, err := s.store.ListItems(teamID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetItem(w http.ResponseWriter, _ *http.Request, teamID, itemID, correlationID string) {
	item, err := s.store.GetItem(teamID, itemID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	setETag(w, item.Version)
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request, teamID string, claims tokenClaims, correlationID string) {
	draft, ok := s.decodeDelta(w, r, correlationID)
	if !ok {
		return
	}
	item, err := s.store.CreateItem(board.CreateRequest{
		TeamID:         teamID,
		Draft:          draft,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Actor:          claims.Subject,
		CorrelationID:  correlationID,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	setETag(w, item.Version)
	w.Header().Set("Location", "/v1/teams/"+teamID+"/items/"+item.ID)
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request, teamID, itemID string, claims tokenClaims, correlationID string) {
	ifMatch, ok := requireIfMatch(w, r, correlationID)
	if !ok {
		return
	}
	delta, ok := s.decodeDelta(w, r, correlationID)
	if !ok {
		return
	}
	item, err := s.store.UpdateItem(board.UpdateRequest{
		TeamID:         teamID,
		ItemID:         itemID,
		IfMatch:        ifMatch,
		Delta:          delta,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Actor:          claims.Subject,
		CorrelationID:  correlationID,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	setETag(w, item.Version)
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request, teamID, itemID string, claims tokenClaims, correlationID string) {
	ifMatch, ok := requireIfMatch(w, r, correlationID)
	if !ok {
		return
	}
	err := s.store.DeleteItem(board.DeleteRequest{
		TeamID:        teamID,
		ItemID:        itemID,
		IfMatch:       ifMatch,
		Actor:         claims.Subject,
		CorrelationID: correlationID,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, teamID, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 200, 1, 1000)
	feed, err := s.store.GetEvents(teamID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, board.ErrNotFound) {
			writeError(w, http.StatusNotFound, "cursor_not_found", "event cursor is no longer available; resync from the item list", correlationID)
			return
		}
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// handleRealtime streams the team's events as frames until either side goes
// away. A subscriber that falls behind is disconnected with a try-again
// status so the client reconnects and catches up from the event feed.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request, teamID, correlationID string) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.store.EventBus().Subscribe(ctx, teamID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "realtime is unavailable", correlationID)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logf("realtime accept failed team=%s correlation=%s: %v", teamID, correlationID, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	ctx = conn.CloseRead(ctx)

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case err, ok := <-sub.Errors():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			if errors.Is(err, board.ErrSubscriberLagging) {
				_ = conn.Close(websocket.StatusTryAgainLater, "fell behind, resync")
				return
			}
			s.logf("realtime stream error team=%s: %v", teamID, err)
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			frame, err := frameFromEvent(event)
			if err != nil {
				s.logf("realtime encode failed event=%s: %v", event.EventID, err)
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err = realtime.WriteFrame(writeCtx, conn, frame)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

func frameFromEvent(event board.Event) (realtime.Frame, error) {
	item := event.Item
	if item == nil {
		item = &workitem.Item{ID: event.ItemID, TeamID: event.TeamID, Version: event.Version}
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return realtime.Frame{}, err
	}
	return realtime.Frame{Type: event.Type, Payload: payload, MessageID: event.EventID}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
}

// handleIssueToken mints a token pair for a trusted caller that signs the
// request body with the internal HMAC secret.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	timestamp := r.Header.Get("X-Relayboard-Timestamp")
	signature := r.Header.Get("X-Relayboard-Signature")
	now := s.now()
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	var req struct {
		TeamID  string   `json:"teamId"`
		Subject string   `json:"subject"`
		Scopes  []string `json:"scopes"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if strings.TrimSpace(req.TeamID) == "" || strings.TrimSpace(req.Subject) == "" || len(req.Scopes) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "teamId, subject and scopes are required", correlationID)
		return
	}
	s.writeTokenPair(r.Context(), w, board.Session{Subject: req.Subject, TeamID: req.TeamID, Scopes: req.Scopes}, correlationID)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	session, err := s.sessions.Redeem(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		if errors.Is(err, board.ErrSessionNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is invalid or expired", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	s.writeTokenPair(r.Context(), w, session, correlationID)
}

func (s *Server) writeTokenPair(ctx context.Context, w http.ResponseWriter, session board.Session, correlationID string) {
	now := s.now()
	accessExp := now.Add(s.cfg.AccessTokenTTL)
	access, err := issueAccessToken(s.cfg.JWTSecret, session.TeamID, session.Subject, session.Scopes, accessExp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	session.ExpiresAt = now.Add(s.cfg.RefreshTokenTTL)
	refresh, err := s.sessions.Issue(ctx, session)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExp.Format(time.RFC3339),
	})
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", "", s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if _, ok := claims.Scopes["admin:read"]; !ok {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: admin:read", getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	writeJSON(w, http.StatusOK, s.store.GetBackendStatus())
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *board.ConflictError
	if errors.As(err, &conflict) {
		setETag(w, conflict.CurrentVersion)
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":            "version_conflict",
			"message":         err.Error(),
			"correlationId":   correlationID,
			"expectedVersion": conflict.ExpectedVersion,
			"currentVersion":  conflict.CurrentVersion,
			"messages":        conflict.Messages,
		})
		return
	}
	switch {
	case errors.Is(err, workitem.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", strings.TrimPrefix(err.Error(), workitem.ErrValidation.Error()+": "), correlationID)
	case errors.Is(err, board.ErrIdempotencyMismatch):
		writeError(w, http.StatusUnprocessableEntity, "idempotency_mismatch", err.Error(), correlationID)
	case errors.Is(err, board.ErrMissingPrecondition):
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", err.Error(), correlationID)
	case errors.Is(err, board.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, board.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func requireIfMatch(w http.ResponseWriter, r *http.Request, correlationID string) (int64, bool) {
	raw := normalizeIfMatchHeader(r.Header.Get("If-Match"))
	if raw == "" {
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", "missing If-Match header", correlationID)
		return 0, false
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "If-Match must be a positive item version", correlationID)
		return 0, false
	}
	return version, true
}

func setETag(w http.ResponseWriter, version int64) {
	w.Header().Set("ETag", fmt.Sprintf("%q", strconv.FormatInt(version, 10)))
}

func (s *Server) decodeDelta(w http.ResponseWriter, r *http.Request, correlationID string) (workitem.Delta, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	delta, err := workitem.DeltaFromJSON(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return nil, false
	}
	return delta, true
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
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

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
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

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
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
