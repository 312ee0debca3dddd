// Package api serves the admin HTTP API of an orchestrator instance.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/events"
	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/monitor"
	"github.com/t77yq/activity-orchestrator/internal/processor"
	"github.com/t77yq/activity-orchestrator/internal/repository"
	"github.com/t77yq/activity-orchestrator/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Store is the repository surface exposed over HTTP
type Store interface {
	Counts(ctx context.Context) (map[model.Queue]int, error)
	List(ctx context.Context, q model.Queue) ([]*model.Activity, error)
	Get(ctx context.Context, id string) (*model.Activity, error)
	Requeue(ctx context.Context, id string) (*model.Activity, error)
}

// Creator publishes new activities
type Creator interface {
	Create(ctx context.Context, spec model.Spec) (*model.Activity, error)
}

// MetricsSource returns the latest metrics snapshot
type MetricsSource interface {
	Latest() monitor.Snapshot
}

// ScheduleSource reports the periodic rules of the instance
type ScheduleSource interface {
	ScheduleStatus() []model.ScheduleStatus
}

// Config holds the collaborators of the server. Store and Creator are
// required; the others disable their routes when nil.
type Config struct {
	WorkerID  string
	Store     Store
	Creator   Creator
	History   storage.History
	Metrics   MetricsSource
	Schedules ScheduleSource
	Events    events.Publisher
}

// Server is the admin HTTP API
type Server struct {
	r      *chi.Mux
	logger *zap.Logger
	cfg    Config
}

// NewServer creates the router
func NewServer(cfg Config, logger *zap.Logger) *Server {
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}

	r := chi.NewRouter()
	s := &Server{r: r, logger: logger.Named("api"), cfg: cfg}

	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/queues", s.queues)
		r.Get("/queues/{queue}", s.queue)
		r.Post("/activities", s.createActivity)
		r.Get("/activities/{id}", s.getActivity)
		r.Post("/activities/{id}/requeue", s.requeueActivity)
		r.Get("/history", s.history)
		r.Get("/metrics", s.metrics)
		r.Get("/schedules", s.schedules)
	})

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.r.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requestLogger logs each request through zap
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("Request served",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"worker_id": s.cfg.WorkerID,
	})
}

func (s *Server) queues(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.Counts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	q := model.Queue(chi.URLParam(r, "queue"))
	if !q.Valid() {
		writeMessage(w, http.StatusNotFound, "unknown queue "+string(q))
		return
	}
	activities, err := s.cfg.Store.List(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if activities == nil {
		activities = []*model.Activity{}
	}
	writeJSON(w, http.StatusOK, activities)
}

type createRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Delay    string          `json:"delay"`
	CausedBy *string         `json:"caused_by"`
}

func (s *Server) createActivity(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		writeMessage(w, http.StatusBadRequest, "type is required")
		return
	}

	spec := model.Spec{Type: req.Type, Payload: req.Payload, CausedBy: req.CausedBy}
	if req.Delay != "" {
		delay, err := time.ParseDuration(req.Delay)
		if err != nil || delay < 0 {
			writeMessage(w, http.StatusBadRequest, "invalid delay "+req.Delay)
			return
		}
		spec = spec.After(time.Now().Add(delay))
	}

	a, err := s.cfg.Creator.Create(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getActivity(w http.ResponseWriter, r *http.Request) {
	a, err := s.cfg.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) requeueActivity(w http.ResponseWriter, r *http.Request) {
	a, err := s.cfg.Store.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	e := events.NewEvent(events.KindRequeued, a, s.cfg.WorkerID).WithReason("requeued by operator")
	if err := s.cfg.Events.Publish(r.Context(), e); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("activity_id", a.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, a)
}

type historyResponse struct {
	Total      int                `json:"total"`
	Offset     int                `json:"offset"`
	Limit      int                `json:"limit"`
	Executions []*model.Execution `json:"executions"`
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeMessage(w, http.StatusNotFound, "history is disabled")
		return
	}

	query := r.URL.Query()
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeMessage(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := intParam(query.Get("limit"), defaultPageSize)
	if err != nil || limit <= 0 {
		writeMessage(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	filter := storage.HistoryFilter{
		ActivityID:   query.Get("activity_id"),
		ActivityType: query.Get("type"),
		WorkerID:     query.Get("worker_id"),
		Status:       model.ExecutionStatus(query.Get("status")),
	}

	total, err := s.cfg.History.Count(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	executions, err := s.cfg.History.List(r.Context(), filter, offset, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if executions == nil {
		executions = []*model.Execution{}
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Total:      total,
		Offset:     offset,
		Limit:      limit,
		Executions: executions,
	})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeMessage(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Metrics.Latest())
}

func (s *Server) schedules(w http.ResponseWriter, r *http.Request) {
	status := []model.ScheduleStatus{}
	if s.cfg.Schedules != nil {
		if st := s.cfg.Schedules.ScheduleStatus(); st != nil {
			status = st
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// writeError maps domain errors to status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrInvalidID),
		errors.Is(err, repository.ErrInvalidType),
		errors.Is(err, repository.ErrDuplicate),
		errors.Is(err, processor.ErrUnregisteredType):
		writeMessage(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, err.Error())
	}
}

func intParam(value string, fallback int) (int, error) {
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
