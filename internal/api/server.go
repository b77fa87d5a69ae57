package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
	"github.com/Nochiis/web-metrics-probuilds/internal/config"
	"github.com/Nochiis/web-metrics-probuilds/internal/metrics"
	"github.com/Nochiis/web-metrics-probuilds/internal/run"
	"github.com/Nochiis/web-metrics-probuilds/internal/store"
)

const defaultListLimit = 20

// Submitter accepts run submissions.
type Submitter interface {
	Submit(ctx context.Context, urls []string, trigger run.Trigger) (run.Run, error)
}

// ReadinessCheck reports whether downstream dependencies are usable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the dispatcher and run store.
type Server struct {
	router    chi.Router
	submitter Submitter
	runs      run.Store
	ready     ReadinessCheck
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil ready check
// always reports ready.
func NewServer(
	submitter Submitter,
	runs run.Store,
	ready ReadinessCheck,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		submitter: submitter,
		runs:      runs,
		ready:     ready,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.submitRun)
		r.Get("/", s.listRuns)
		r.Route("/{run_id}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Get("/results", s.getRunResults)
			r.Post("/cancel", s.cancelRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRunRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	urls := req.URLs
	if len(urls) == 0 {
		urls = s.cfg.Pages
	}
	submitted, err := s.submitter.Submit(r.Context(), urls, run.TriggerAPI)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, run.ErrInvalidURL):
			status = http.StatusBadRequest
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": submitted.ID,
		"status": submitted.Status,
		"urls":   submitted.URLs,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	found, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": found})
}

type runResults struct {
	Run     run.Run        `json:"run"`
	Results []audit.Result `json:"results"`
}

func (s *Server) getRunResults(w http.ResponseWriter, r *http.Request) {
	found, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	results, err := s.runs.ListResults(r.Context(), found.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch run results")
		return
	}
	if results == nil {
		results = []audit.Result{}
	}
	s.writeJSON(w, http.StatusOK, runResults{Run: found, Results: results})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	found, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if found.Status != run.StatusQueued {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("run is %s", found.Status))
		return
	}
	if err := s.runs.UpdateRunStatus(r.Context(), found.ID, run.StatusCanceled, "canceled via API", found.Counters); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"run_id": found.ID, "status": string(run.StatusCanceled)})
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (run.Run, bool) {
	runID := chi.URLParam(r, "run_id")
	found, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
		} else {
			s.writeError(w, http.StatusInternalServerError, "failed to fetch run")
		}
		return run.Run{}, false
	}
	return found, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", RequestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				_ = writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
