package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relayhighlight/internal/highlights"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          zerolog.Logger

	// Reconciler and Notion are optional; without them the sync routes
	// answer 501.
	Reconciler *highlights.Reconciler
	Notion     *highlights.NotionSync
}

type Server struct {
	store       *highlights.Store
	cfg         ServerConfig
	log         zerolog.Logger
	rateLimiter *rateLimiter
	schemas     *payloadSchemas
	router      *mux.Router
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

func NewServer(store *highlights.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{Logger: zerolog.Nop()})
}

func NewServerWithConfig(store *highlights.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
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
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	schemas, err := compileRequestSchemas()
	if err != nil {
		// The schemas are constants; failing here is a programming error.
		panic(err)
	}
	s := &Server{
		store:       store,
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "httpapi").Logger(),
		rateLimiter: limiter,
		schemas:     schemas,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/highlights", s.authorized(scopeHighlightsWrite, s.handleSaveHighlight)).Methods(http.MethodPost)
	v1.Handle("/highlights", s.authorized(scopeHighlightsRead, s.handleGetHighlights)).Methods(http.MethodGet)
	v1.Handle("/highlights", s.authorized(scopeHighlightsWrite, s.handleClear)).Methods(http.MethodDelete)
	v1.Handle("/highlights/pending", s.authorized(scopeHighlightsWrite, s.handleSavePending)).Methods(http.MethodPost)
	v1.Handle("/highlights/note", s.authorized(scopeHighlightsWrite, s.handleUpdateNote)).Methods(http.MethodPatch)
	v1.Handle("/pages", s.authorized(scopeHighlightsRead, s.handlePages)).Methods(http.MethodGet)
	v1.Handle("/color-labels", s.authorized(scopeHighlightsRead, s.handleGetColorLabels)).Methods(http.MethodGet)
	v1.Handle("/color-labels", s.authorized(scopeHighlightsWrite, s.handleSetColorLabels)).Methods(http.MethodPut)
	v1.Handle("/sync/backup", s.authorized(scopeSyncTrigger, s.handleBackup)).Methods(http.MethodPost)
	v1.Handle("/sync/import", s.authorized(scopeSyncTrigger, s.handleImport)).Methods(http.MethodPost)
	v1.Handle("/events", s.authorized(scopeHighlightsRead, s.handleEvents)).Methods(http.MethodGet)
	v1.Handle("/admin/status", s.authorized(scopeAdminRead, s.handleAdminStatus)).Methods(http.MethodGet)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type routeHandler func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string)

// authorized checks the bearer token and scope, requires a correlation id,
// and applies the per-client rate limit.
func (s *Server) authorized(scope string, next routeHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(claims.ClientID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
		ctx := highlights.ContextWithCorrelationID(r.Context(), correlationID)
		next(w, r.WithContext(ctx), claims, correlationID)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if r.URL.Path == "/v1/events" {
			// websocket.Accept needs the original writer to hijack.
			rec.status = http.StatusSwitchingProtocols
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(rec, r)
		}
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
		s.log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Str("correlation_id", getCorrelationID(r)).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	})
}

type saveHighlightRequest struct {
	Highlight highlights.Highlight `json:"highlight"`
}

func (s *Server) handleSaveHighlight(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	var req saveHighlightRequest
	if !s.decodeValidated(w, r, "save_highlight.json", correlationID, &req) {
		return
	}
	h := highlights.NewHighlight(highlights.CaptureInput(req.Highlight), time.Now())
	report, err := s.store.SaveHighlight(r.Context(), h)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"added":      report.Added,
		"duplicates": report.Duplicates,
		"highlight":  h,
	})
}

type savePendingRequest struct {
	Highlights []highlights.Highlight `json:"highlights"`
}

func (s *Server) handleSavePending(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	var req savePendingRequest
	if !s.decodeValidated(w, r, "save_pending.json", correlationID, &req) {
		return
	}
	report, err := s.store.SavePending(r.Context(), req.Highlights)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"added":      report.Added,
		"duplicates": report.Duplicates,
		"dropped":    report.Dropped,
	})
}

func (s *Server) handleGetHighlights(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	query := r.URL.Query()
	hasNote, err := parseOptionalBool(query.Get("hasNote"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid hasNote", correlationID)
		return
	}
	var newest bool
	switch sortBy := query.Get("sort"); sortBy {
	case "", "stored":
	case "newest":
		newest = true
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unsupported sort: "+sortBy, correlationID)
		return
	}
	out, err := s.store.Query(r.Context(), highlights.Filter{
		Color:   query.Get("color"),
		Website: query.Get("website"),
		HasNote: hasNote,
		Search:  query.Get("search"),
		Newest:  newest,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "highlights": out})
}

type updateNoteRequest struct {
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	Note      string `json:"note"`
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	var req updateNoteRequest
	if !s.decodeValidated(w, r, "update_note.json", correlationID, &req) {
		return
	}
	updated, err := s.store.UpdateNote(r.Context(), req.Timestamp, req.URL, req.Note)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "highlight": updated})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	if err := s.store.Clear(r.Context()); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	pages, err := s.store.Pages(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pages": pages})
}

func (s *Server) handleGetColorLabels(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	labels, err := s.store.ColorLabels(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "colorLabels": labels})
}

type colorLabelsRequest struct {
	ColorLabels map[string]string `json:"colorLabels"`
}

func (s *Server) handleSetColorLabels(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	var req colorLabelsRequest
	if !s.decodeValidated(w, r, "color_labels.json", correlationID, &req) {
		return
	}
	if err := s.store.SetColorLabels(r.Context(), req.ColorLabels); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if s.cfg.Reconciler == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "backup is not configured", correlationID)
		return
	}
	if err := s.cfg.Reconciler.BackupNow(r.Context()); err != nil {
		s.log.Warn().Err(err).Str("client_id", claims.ClientID).Str("correlation_id", correlationID).Msg("manual backup failed")
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": s.cfg.Reconciler.Status()})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if s.cfg.Notion == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "notes database is not configured", correlationID)
		return
	}
	result, err := s.cfg.Notion.Import(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Str("client_id", claims.ClientID).Str("correlation_id", correlationID).Msg("import failed")
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"highlights": result.Highlights,
		"newCount":   result.NewCount,
		"duplicates": result.Duplicates,
		"dropped":    result.Dropped,
	})
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	status, err := s.store.Status(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	body := map[string]any{
		"success":     true,
		"store":       status,
		"subscribers": s.store.Bus().Subscribers(),
	}
	if s.cfg.Reconciler != nil {
		body["backup"] = s.cfg.Reconciler.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleEvents streams bus events over a websocket. The first frame is
// always "connected", which capture clients use as their liveness signal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("correlation_id", correlationID).Msg("events upgrade failed")
		return
	}
	defer conn.CloseNow()
	eventStreams.Inc()
	defer eventStreams.Dec()

	events, cancel := s.store.Bus().Subscribe()
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	hello := highlights.Event{Kind: highlights.EventConnected, Timestamp: time.Now().UnixMilli()}
	if err := writeEvent(ctx, conn, hello); err != nil {
		return
	}
	s.log.Debug().Str("client_id", claims.ClientID).Msg("event stream opened")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "store closed")
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt highlights.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}

func (s *Server) decodeValidated(w http.ResponseWriter, r *http.Request, schema, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_record", err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("correlation_id", correlationID).Int("status", status).Msg("request failed")
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, highlights.ErrMalformedRecord), errors.Is(err, highlights.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, highlights.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, highlights.ErrWriteFailed), errors.Is(err, highlights.ErrCapacityExceeded):
		return http.StatusInsufficientStorage, "write_failed"
	case errors.Is(err, highlights.ErrSyncError):
		return http.StatusBadGateway, "sync_failed"
	case errors.Is(err, highlights.ErrNotImplemented):
		return http.StatusNotImplemented, "not_implemented"
	case errors.Is(err, highlights.ErrStoreUnavailable), errors.Is(err, highlights.ErrClosed),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
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

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"success":       false,
		"code":          code,
		"error":         message,
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

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}
