// Package server exposes the job API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/evidraft/internal/metrics"
	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/queue"
	"github.com/raphaelgruber/evidraft/internal/records"
	"github.com/raphaelgruber/evidraft/internal/service"
)

// userHeader carries the identity established by the upstream auth layer.
const userHeader = "X-Authenticated-User"

// Config tunes request handling.
type Config struct {
	// LongPollMax caps the ?wait= duration of GET /jobs/{id}.
	LongPollMax time.Duration

	// PollEvery is how often long-poll and watch requests re-read a job.
	PollEvery time.Duration
}

// Server wires HTTP handlers to the job service.
type Server struct {
	jobs     *service.JobService
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates the API server.
func New(jobs *service.JobService, cfg Config, logger *slog.Logger) *Server {
	if cfg.LongPollMax <= 0 {
		cfg.LongPollMax = 60 * time.Second
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		jobs:   jobs,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", metrics.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/watch", s.handleWatch)
		r.Post("/{id}/cancel", s.handleCancel)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/archive", s.handleArchive)
	})
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.LongPollMax + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

type submitResponse struct {
	JobID        string           `json:"job_id"`
	Status       models.JobStatus `json:"status"`
	PollLocation string           `json:"poll_location"`
}

// jobView is the client-facing job representation.
type jobView struct {
	ID               string                  `json:"id"`
	JobType          models.JobType          `json:"job_type"`
	SubjectReference models.SubjectReference `json:"subject_reference"`
	Status           models.JobStatus        `json:"status"`
	Priority         int                     `json:"priority"`
	Progress         models.JobProgress      `json:"progress"`
	AttemptCount     int                     `json:"attempt_count"`
	MaxAttempts      int                     `json:"max_attempts"`
	CancelRequested  bool                    `json:"cancel_requested,omitempty"`
	Result           *models.JobResult       `json:"result,omitempty"`
	LastError        *string                 `json:"last_error,omitempty"`
	ErrorClass       models.ErrorClass       `json:"error_class,omitempty"`
	CreatedBy        string                  `json:"created_by"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
}

func viewOf(j *models.GenerationJob) jobView {
	return jobView{
		ID:               j.ID,
		JobType:          j.JobType,
		SubjectReference: j.SubjectReference,
		Status:           j.Status,
		Priority:         j.Priority,
		Progress:         j.Progress,
		AttemptCount:     j.AttemptCount,
		MaxAttempts:      j.MaxAttempts,
		CancelRequested:  j.CancelRequested,
		Result:           j.Result,
		LastError:        j.LastError,
		ErrorClass:       j.ErrorClass,
		CreatedBy:        j.CreatedBy,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		CompletedAt:      j.CompletedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user := r.Header.Get(userHeader)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader)
		return
	}

	var req service.SubmitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	job, err := s.jobs.Submit(r.Context(), user, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:        job.ID,
		Status:       job.Status,
		PollLocation: "/jobs/" + job.ID,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var (
		job *models.GenerationJob
		err error
	)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, perr := parseWait(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		job, err = s.jobs.WaitForTerminal(r.Context(), id, min(wait, s.cfg.LongPollMax), s.cfg.PollEvery)
	} else {
		job, err = s.jobs.Status(r.Context(), id)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

// parseWait accepts a Go duration ("30s") or whole seconds ("30").
func parseWait(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("wait must not be negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	return d, nil
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.jobs.Status(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reads detect the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	err = s.jobs.Watch(ctx, id, s.cfg.PollEvery, func(j *models.GenerationJob) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(viewOf(j))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("watch ended", "job_id", id, "error", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrTerminal) && job != nil {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "job already terminal", "job": viewOf(job)})
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := queue.ListFilter{
		Status:    models.JobStatus(r.URL.Query().Get("status")),
		CreatedBy: r.URL.Query().Get("created_by"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	jobs, err := s.jobs.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		v := viewOf(j)
		v.Result = nil
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type archiveRequest struct {
	OlderThan string `json:"older_than"`
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	olderThan, err := time.ParseDuration(req.OlderThan)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid older_than %q", req.OlderThan))
		return
	}

	n, err := s.jobs.Archive(r.Context(), olderThan)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"archived": n})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, records.ErrNotFound):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, models.ErrInvalidRequest), errors.Is(err, models.ErrInvalidTemplate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
