package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/metrics"
	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readyTimeout          = 2 * time.Second
	defaultArticleLimit   = 50
	maxArticleLimit       = 500
)

// StatusReader is the planner view the server reports from.
type StatusReader interface {
	Sources() []string
	Quota(source string) (int, bool)
	Statuses(ctx context.Context, source string) ([]scheduler.PartitionStatus, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the planner and store.
type Server struct {
	router   chi.Router
	planner  StatusReader
	articles scheduler.ArticleReader
	pinger   Pinger
	stop     func()
	timeout  time.Duration
	logger   *zap.Logger
}

// Option customizes the server.
type Option func(*Server)

// WithArticles enables the articles route.
func WithArticles(r scheduler.ArticleReader) Option {
	return func(s *Server) { s.articles = r }
}

// WithPinger makes readyz depend on p.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// WithStopper enables POST /v1/run/stop.
func WithStopper(fn func()) Option {
	return func(s *Server) { s.stop = fn }
}

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(planner StatusReader, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		planner: planner,
		timeout: defaultRequestTimeout,
		logger:  logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(s.timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sources", s.listSources)
		r.Route("/sources/{source}/partitions", func(r chi.Router) {
			r.Get("/", s.listPartitions)
			r.Get("/{date}", s.getPartition)
			r.Get("/{date}/articles", s.listArticles)
		})
		if s.stop != nil {
			r.Post("/run/stop", s.requestStop)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("store not ready", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable", s.logger)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	names := s.planner.Sources()
	out := make([]sourceDTO, 0, len(names))
	for _, name := range names {
		quota, _ := s.planner.Quota(name)
		out = append(out, sourceDTO{Name: name, Quota: quota})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out}, s.logger)
}

func (s *Server) listPartitions(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	state := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("state")))
	if state != "" && state != "open" && state != "all" {
		writeError(w, http.StatusBadRequest, "state must be open or all", s.logger)
		return
	}
	statuses, ok := s.statuses(w, r, source)
	if !ok {
		return
	}
	quota, _ := s.planner.Quota(source)
	out := make([]partitionDTO, 0, len(statuses))
	for _, st := range statuses {
		if state != "all" && st.Remaining == 0 {
			continue
		}
		out = append(out, toPartitionDTO(st, quota))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":     source,
		"quota":      quota,
		"partitions": out,
	}, s.logger)
}

func (s *Server) getPartition(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	key, err := parseKey(source, chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	statuses, ok := s.statuses(w, r, source)
	if !ok {
		return
	}
	quota, _ := s.planner.Quota(source)
	for _, st := range statuses {
		if st.Key == key {
			writeJSON(w, http.StatusOK, map[string]any{"partition": toPartitionDTO(st, quota)}, s.logger)
			return
		}
	}
	writeError(w, http.StatusNotFound, "partition not in source range", s.logger)
}

func (s *Server) listArticles(w http.ResponseWriter, r *http.Request) {
	if s.articles == nil {
		writeError(w, http.StatusServiceUnavailable, "article reader unavailable", s.logger)
		return
	}
	source := chi.URLParam(r, "source")
	if _, ok := s.planner.Quota(source); !ok {
		writeError(w, http.StatusNotFound, "unknown source", s.logger)
		return
	}
	key, err := parseKey(source, chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultArticleLimit, maxArticleLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	articles, err := s.articles.ListArticles(r.Context(), key)
	if err != nil {
		s.logger.Error("list articles failed", zap.String("partition", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list articles", s.logger)
		return
	}
	total := len(articles)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"articles": articles[start:end],
	}, s.logger)
}

func (s *Server) requestStop(w http.ResponseWriter, _ *http.Request) {
	s.logger.Info("graceful stop requested via API")
	s.stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"}, s.logger)
}

func (s *Server) statuses(w http.ResponseWriter, r *http.Request, source string) ([]scheduler.PartitionStatus, bool) {
	statuses, err := s.planner.Statuses(r.Context(), source)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownSource) {
			writeError(w, http.StatusNotFound, "unknown source", s.logger)
			return nil, false
		}
		s.logger.Error("load partition statuses failed", zap.String("source", source), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load partitions", s.logger)
		return nil, false
	}
	return statuses, true
}

func parseKey(source, date string) (scheduler.PartitionKey, error) {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return scheduler.PartitionKey{}, errors.New("date must be YYYY-MM-DD")
	}
	return scheduler.KeyFor(source, d), nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type sourceDTO struct {
	Name  string `json:"name"`
	Quota int    `json:"quota"`
}

type partitionDTO struct {
	Source    string `json:"source"`
	Date      string `json:"date"`
	Quota     int    `json:"quota"`
	Usable    int    `json:"usable"`
	Pending   int    `json:"pending"`
	Remaining int    `json:"remaining"`
	Open      bool   `json:"open"`
}

func toPartitionDTO(st scheduler.PartitionStatus, quota int) partitionDTO {
	return partitionDTO{
		Source:    st.Key.Source,
		Date:      st.Key.DateString(),
		Quota:     quota,
		Usable:    st.Usable,
		Pending:   st.Pending,
		Remaining: st.Remaining,
		Open:      st.Remaining > 0,
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error", s.logger)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
