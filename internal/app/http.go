package app

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"studychat/api/internal/chat"
	"studychat/api/internal/gateway"
	"studychat/api/internal/metrics"
	"studychat/api/internal/notify"
	"studychat/api/internal/search"
)

// Options are the transport knobs read from config.
type Options struct {
	CORSOrigin string
	SyncToken  string
	SendBuffer int
	FrameRate  float64
	FrameBurst int
}

// Deps are the collaborators the HTTP surface dispatches to. Search and
// Metrics may be nil.
type Deps struct {
	Chat    *chat.Service
	Gateway *gateway.Gateway
	Feed    *notify.Feed
	Search  *search.Service
	Metrics *metrics.Metrics
	Ready   func(ctx context.Context) error
	Logger  *slog.Logger
}

type HTTPServer struct {
	chat    *chat.Service
	gateway *gateway.Gateway
	feed    *notify.Feed
	search  *search.Service
	metrics *metrics.Metrics
	ready   func(ctx context.Context) error
	holds   *presenceHolds
	opts    Options
	log     *slog.Logger
}

func NewHTTPServer(deps Deps, opts Options) *HTTPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	return &HTTPServer{
		chat:    deps.Chat,
		gateway: deps.Gateway,
		feed:    deps.Feed,
		search:  deps.Search,
		metrics: deps.Metrics,
		ready:   deps.Ready,
		holds:   newPresenceHolds(),
		opts:    opts,
		log:     deps.Logger.With("component", "http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestLog)
	r.Use(middleware.Recoverer)
	r.Use(s.withCORS)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/ws/chat", s.handleSocket)
	r.Post("/api/internal/events", s.handleInternalEvent)

	r.Route("/api/studies/{studyID}/chat", func(r chi.Router) {
		r.Use(s.requireIdentity)
		r.Get("/messages", s.handleHistory)
		r.Post("/messages", s.handleSend)
		r.Delete("/messages/{messageID}", s.handleDelete)
		r.Post("/messages/{messageID}/reactions", s.handleReact)
		r.Get("/unread", s.handleUnread)
		r.Post("/read", s.handleRead)
		r.Get("/search", s.handleSearch)
	})
	return r
}

type identityKey struct{}
type requestIDKey struct{}

func identityFrom(ctx context.Context) chat.Identity {
	identity, _ := ctx.Value(identityKey{}).(chat.Identity)
	return identity
}

func (s *HTTPServer) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.gateway.AuthorizeConnect(r.Context(), bearerToken(r))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func (s *HTTPServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

func (s *HTTPServer) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w.Header(), s.opts.CORSOrigin)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if s.ready != nil {
		if err := s.ready(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyParam(w, r)
	if !ok {
		return
	}
	cursor, err := queryInt64(r, "cursor")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cursor must be an integer", nil)
		return
	}
	size, err := queryInt64(r, "size")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "size must be an integer", nil)
		return
	}
	page, err := s.chat.History(r.Context(), studyID, identityFrom(r.Context()), cursor, int(size))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleSend(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	entry, err := s.chat.Send(r.Context(), studyID, identityFrom(r.Context()), body.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": entry.ID, "createdAt": entry.CreatedAt})
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyParam(w, r)
	if !ok {
		return
	}
	messageID, ok := s.messageParam(w, r)
	if !ok {
		return
	}
	if err := s.chat.Delete(r.Context(), studyID, identityFrom(r.Context()), messageID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "messageId": messageID})
}

func (s *HTTPServer) handleReact(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyParam(w, r)
	if !ok {
		return
	}
	messageID, ok := s.messageParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Reaction string `json:"reaction"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	counts, err := s.chat.React(r.Context(), studyID, identityFrom(r.Context()), messageID, body.Reaction)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat.NewReactionView(messageID, counts))
}

func (s *HTTPServer) handleUnread(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyParam(w, r)
	if !ok {
		return
	}
	summary, err := s.chat.Unread(r.Context(), studyID, identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleRead(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyParam(w, r)
	if !ok {
		return
	}
	var body struct {
		MessageID int64 `json:"messageId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	moved, err := s.chat.MarkRead(r.Context(), studyID, identityFrom(r.Context()), body.MessageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"advanced": moved})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyParam(w, r)
	if !ok {
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	limit, err := queryInt64(r, "limit")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
		return
	}
	if err := s.gateway.AuthorizeSubscribe(r.Context(), studyID, identityFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.search == nil {
		writeJSON(w, http.StatusOK, search.Response{Results: []search.Result{}, Query: q})
		return
	}
	writeJSON(w, http.StatusOK, s.search.Search(r.Context(), search.Query{StudyID: studyID, Text: q, Limit: int(limit)}))
}

func (s *HTTPServer) handleInternalEvent(w http.ResponseWriter, r *http.Request) {
	syncToken := strings.TrimSpace(r.Header.Get("X-Chat-Sync-Token"))
	if syncToken == "" || syncToken != s.opts.SyncToken {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var event notify.Event
	if err := decodeBody(r, &event); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	fresh, err := s.feed.Ingest(r.Context(), event)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "duplicate": !fresh})
}

func (s *HTTPServer) studyParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "studyID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "study id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) messageParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

// fail maps err to a response. Unexpected errors are logged with the request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Error("request failed", "request_id", requestID, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func queryInt64(r *http.Request, key string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
