// Package service provides the job submission and query operations shared
// by the HTTP API and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/evidraft/internal/breaker"
	"github.com/raphaelgruber/evidraft/internal/metrics"
	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/queue"
	"github.com/raphaelgruber/evidraft/internal/records"
)

// ErrRateLimited is returned when a user exceeded the submission budget.
var ErrRateLimited = errors.New("submission rate limit exceeded")

// Limiter throttles submissions per user.
type Limiter interface {
	Allow(ctx context.Context, user string) (bool, int64, error)
}

// SubmitRequest is a generation request as received from a client.
type SubmitRequest struct {
	JobType          models.JobType          `json:"job_type"`
	SubjectReference models.SubjectReference `json:"subject_reference"`
	Payload          models.JobPayload       `json:"payload"`
	Priority         int                     `json:"priority"`
	MaxAttempts      int                     `json:"max_attempts,omitempty"`
}

// AdminStats is the operational summary served to administrators.
type AdminStats struct {
	Queue   *queue.Stats      `json:"queue"`
	Breaker *breaker.Snapshot `json:"breaker,omitempty"`
	Runtime *metrics.Snapshot `json:"runtime,omitempty"`
}

// JobService validates submissions and exposes job state.
type JobService struct {
	store       *queue.Store
	records     records.Resolver
	limiter     Limiter
	breaker     *breaker.Breaker
	collector   *metrics.Collector
	maxAttempts int
	logger      *slog.Logger
}

// Options carries the optional collaborators of a JobService.
type Options struct {
	Limiter     Limiter
	Breaker     *breaker.Breaker
	Collector   *metrics.Collector
	MaxAttempts int
	Logger      *slog.Logger
}

// NewJobService creates a job service.
func NewJobService(store *queue.Store, resolver records.Resolver, opts Options) *JobService {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = queue.DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &JobService{
		store:       store,
		records:     resolver,
		limiter:     opts.Limiter,
		breaker:     opts.Breaker,
		collector:   opts.Collector,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
	}
}

// Submit validates the subject reference and payload, then enqueues a
// pending job owned by user.
func (s *JobService) Submit(ctx context.Context, user string, req SubmitRequest) (*models.GenerationJob, error) {
	if user == "" {
		return nil, fmt.Errorf("%w: missing authenticated user", models.ErrInvalidRequest)
	}
	if !req.JobType.Valid() {
		return nil, fmt.Errorf("%w: unknown job_type %q", models.ErrInvalidRequest, req.JobType)
	}
	if req.SubjectReference.SubjectID == "" || req.SubjectReference.TemplateID == "" {
		return nil, fmt.Errorf("%w: subject_reference needs subject_id and template_id", models.ErrInvalidRequest)
	}
	if req.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max_attempts must be positive", models.ErrInvalidRequest)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, user)
		if err != nil {
			// Fail open when Redis is unreachable.
			s.logger.Warn("rate limiter unavailable", "user", user, "error", err)
		} else if !allowed {
			metrics.RateLimitRejects.Inc()
			return nil, ErrRateLimited
		}
	}

	total, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.maxAttempts
	}
	job := &models.GenerationJob{
		JobType:          req.JobType,
		SubjectReference: req.SubjectReference,
		Payload:          req.Payload,
		Priority:         req.Priority,
		MaxAttempts:      maxAttempts,
		Progress:         models.JobProgress{SectionsTotal: total},
		CreatedBy:        user,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	metrics.JobsSubmitted.Inc()
	s.logger.Info("job submitted", "job_id", job.ID, "job_type", job.JobType,
		"subject_id", req.SubjectReference.SubjectID, "template_id", req.SubjectReference.TemplateID,
		"created_by", user, "priority", job.Priority)
	return job, nil
}

// validate resolves the records a job refers to and returns the number of
// sections it will produce.
func (s *JobService) validate(ctx context.Context, req SubmitRequest) (int, error) {
	ref := req.SubjectReference
	if _, err := s.records.GetSubject(ctx, ref.SubjectID); err != nil {
		return 0, err
	}
	tmpl, err := s.records.GetTemplate(ctx, ref.TemplateID)
	if err != nil {
		return 0, err
	}
	if err := tmpl.Validate(); err != nil {
		return 0, err
	}

	ids := req.Payload.Sections
	if req.JobType == models.JobTypeSectionGeneration {
		if req.Payload.TargetSection == "" {
			return 0, fmt.Errorf("%w: section_generation needs payload.target_section", models.ErrInvalidRequest)
		}
		ids = []string{req.Payload.TargetSection}
	}
	sections, err := tmpl.SelectSections(ids)
	if err != nil {
		return 0, err
	}
	return len(sections), nil
}

// Status returns the current state of a job.
func (s *JobService) Status(ctx context.Context, id string) (*models.GenerationJob, error) {
	return s.store.Get(ctx, id)
}

// WaitForTerminal polls a job until it reaches a terminal status or timeout
// elapses, and returns the last state read.
func (s *JobService) WaitForTerminal(ctx context.Context, id string, timeout, every time.Duration) (*models.GenerationJob, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, nil
		case <-deadline.C:
			return job, nil
		case <-ticker.C:
		}
	}
}

// Watch calls fn with the job every time its status or progress changes,
// until the job is terminal, fn fails or ctx is done.
func (s *JobService) Watch(ctx context.Context, id string, every time.Duration, fn func(*models.GenerationJob) error) error {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var last *models.GenerationJob
	for {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if last == nil || job.Status != last.Status || job.Progress != last.Progress {
			if err := fn(job); err != nil {
				return err
			}
			last = job
		}
		if job.Status.Terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel cancels a pending job or requests cancellation of a claimed one.
// Terminal jobs return queue.ErrTerminal with the job.
func (s *JobService) Cancel(ctx context.Context, id string) (*models.GenerationJob, error) {
	job, err := s.store.Cancel(ctx, id)
	if err != nil {
		return job, err
	}
	s.logger.Info("cancel requested", "job_id", id, "status", job.Status)
	return job, nil
}

// List returns recent jobs.
func (s *JobService) List(ctx context.Context, f queue.ListFilter) ([]*models.GenerationJob, error) {
	return s.store.List(ctx, f)
}

// Stats summarizes queue depth, breaker state and runtime operation stats.
func (s *JobService) Stats(ctx context.Context) (*AdminStats, error) {
	qs, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := &AdminStats{Queue: qs}
	if s.breaker != nil {
		snap := s.breaker.Snapshot()
		out.Breaker = &snap
	}
	if s.collector != nil {
		snap := s.collector.Snapshot()
		out.Runtime = &snap
	}
	return out, nil
}

// Archive moves terminal jobs older than olderThan to archived.
func (s *JobService) Archive(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: older_than must not be negative", models.ErrInvalidRequest)
	}
	n, err := s.store.Archive(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	s.logger.Info("jobs archived", "count", n, "older_than", olderThan)
	return n, nil
}

// Sweep returns expired claims to the queue.
func (s *JobService) Sweep(ctx context.Context) (queue.SweepResult, error) {
	return s.store.ReclaimExpired(ctx)
}

// Ping checks the job store.
func (s *JobService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
