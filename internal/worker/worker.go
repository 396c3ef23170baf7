// Package worker claims generation jobs and drives them through the
// processing pipeline to a terminal or retryable state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/raphaelgruber/evidraft/internal/breaker"
	"github.com/raphaelgruber/evidraft/internal/metrics"
	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/queue"
	"github.com/raphaelgruber/evidraft/internal/tracing"
)

// persistTimeout bounds the final state write after the processing context
// has been cancelled.
const persistTimeout = 10 * time.Second

// Store is the queue surface a worker needs.
type Store interface {
	Claim(ctx context.Context, owner string, claimTimeout time.Duration) (*models.GenerationJob, error)
	Complete(ctx context.Context, id, owner string, result *models.JobResult) error
	Retry(ctx context.Context, id, owner string, cause error, class models.ErrorClass, notBefore time.Time) (*models.GenerationJob, error)
	Fail(ctx context.Context, id, owner string, cause error, class models.ErrorClass) error
	MarkCancelled(ctx context.Context, id, owner string, partial *models.JobResult) error
	UpdateProgress(ctx context.Context, id, owner string, done, total int) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)
}

var _ Store = (*queue.Store)(nil)

// Config controls polling, claiming and retry backoff.
type Config struct {
	Owner        string
	PollInterval time.Duration
	ClaimTimeout time.Duration

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
}

// Worker processes one job at a time.
type Worker struct {
	store      Store
	processors map[models.JobType]Processor
	breaker    *breaker.Breaker
	cfg        Config
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// New creates a worker. b may be nil when no breaker guards the processors.
func New(store Store, processors map[models.JobType]Processor, b *breaker.Breaker, cfg Config, collector *metrics.Collector, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 10 * time.Minute
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:      store,
		processors: processors,
		breaker:    b,
		cfg:        cfg,
		metrics:    collector,
		logger:     logger.With("worker", cfg.Owner),
	}
}

// Run polls until ctx is done. A lost claim race is retried immediately;
// an empty queue waits one poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval, "claim_timeout", w.cfg.ClaimTimeout)
	for {
		_, err := w.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			w.logger.Info("worker stopped")
			return nil
		case errors.Is(err, queue.ErrClaimLost):
			w.logger.Debug("claim lost, polling again", "error", err)
			continue
		case errors.Is(err, queue.ErrNoJob):
		case err != nil:
			w.logger.Error("poll failed", "error", err)
		default:
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes at most one job. It returns the job as
// claimed, queue.ErrNoJob when nothing is eligible, or queue.ErrClaimLost
// when another worker won the claim.
func (w *Worker) RunOnce(ctx context.Context) (*models.GenerationJob, error) {
	job, err := w.store.Claim(ctx, w.cfg.Owner, w.cfg.ClaimTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrClaimLost) {
			metrics.JobOutcomes.WithLabelValues(metrics.OutcomeClaimLost).Inc()
		}
		return nil, err
	}
	return job, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *models.GenerationJob) error {
	log := w.logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.AttemptCount+1)
	log.Info("job claimed", "priority", job.Priority)

	ctx, span := tracing.StartSpan(ctx, "worker.process",
		attribute.String("job_id", job.ID),
		attribute.String("job_type", string(job.JobType)),
		attribute.Int("attempt", job.AttemptCount+1),
	)
	start := time.Now()

	result, err := w.execute(ctx, job)
	if w.metrics != nil {
		w.metrics.RecordTiming(metrics.OpJobProcess, time.Since(start))
	}

	perr := w.persist(ctx, log, job, result, err)
	tracing.EndSpan(span, errors.Join(err, perr))
	return perr
}

// execute runs the processor under a deadline equal to the claim expiry.
func (w *Worker) execute(ctx context.Context, job *models.GenerationJob) (*models.JobResult, error) {
	proc, ok := w.processors[job.JobType]
	if !ok {
		return nil, fmt.Errorf("%w: no processor for job type %q", models.ErrInvalidRequest, job.JobType)
	}

	if job.ClaimExpiresAt != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *job.ClaimExpiresAt)
		defer cancel()
	}

	check := NewCancelCheck(
		func(ctx context.Context) (bool, error) {
			return w.store.IsCancelRequested(ctx, job.ID)
		},
		func(ctx context.Context, done, total int) error {
			return w.store.UpdateProgress(ctx, job.ID, w.cfg.Owner, done, total)
		},
	)
	return proc.Process(ctx, job, check)
}

// persist writes the attempt outcome, fenced on the claim owner.
func (w *Worker) persist(ctx context.Context, log *slog.Logger, job *models.GenerationJob, result *models.JobResult, procErr error) error {
	// Shutdown must not strand the claim.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	switch {
	case procErr == nil:
		if err := w.store.Complete(ctx, job.ID, w.cfg.Owner, result); err != nil {
			return w.lost(log, err)
		}
		metrics.JobOutcomes.WithLabelValues(metrics.OutcomeCompleted).Inc()
		for _, s := range result.Sections {
			metrics.SectionsGenerated.WithLabelValues(strconv.FormatBool(s.NeedsReview)).Inc()
		}
		log.Info("job completed", "sections", len(result.Sections), "needs_review", result.NeedsReview)
		return nil

	case errors.Is(procErr, ErrCancelled):
		if err := w.store.MarkCancelled(ctx, job.ID, w.cfg.Owner, result); err != nil {
			return w.lost(log, err)
		}
		metrics.JobOutcomes.WithLabelValues(metrics.OutcomeCancelled).Inc()
		sections := 0
		if result != nil {
			sections = len(result.Sections)
		}
		log.Info("job cancelled", "sections_done", sections)
		return nil
	}

	class := Classify(procErr)
	if class == models.ErrorClassTransientStorage {
		// A fenced write failed mid-run; the claim is no longer ours.
		return w.lost(log, procErr)
	}

	// A cancel that arrived during the failed attempt wins over retrying.
	cancelled, err := w.store.IsCancelRequested(ctx, job.ID)
	if err != nil {
		log.Warn("read cancel flag after failed attempt", "error", err)
	}
	if cancelled {
		if err := w.store.MarkCancelled(ctx, job.ID, w.cfg.Owner, result); err != nil {
			return w.lost(log, err)
		}
		metrics.JobOutcomes.WithLabelValues(metrics.OutcomeCancelled).Inc()
		log.Info("job cancelled after failed attempt", "error_class", class, "error", procErr)
		return nil
	}

	switch class {

	case models.ErrorClassTerminalInput:
		if err := w.store.Fail(ctx, job.ID, w.cfg.Owner, procErr, class); err != nil {
			return w.lost(log, err)
		}
		metrics.JobOutcomes.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Error("job failed", "error_class", class, "error", procErr)
		return nil
	}

	delay := w.backoff(job.AttemptCount, procErr)
	updated, err := w.store.Retry(ctx, job.ID, w.cfg.Owner, procErr, class, time.Now().Add(delay))
	if err != nil {
		return w.lost(log, err)
	}
	switch updated.Status {
	case models.JobStatusCancelled:
		metrics.JobOutcomes.WithLabelValues(metrics.OutcomeCancelled).Inc()
		log.Info("job cancelled after failed attempt", "error", procErr)
		return nil
	case models.JobStatusFailed:
		metrics.JobOutcomes.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Error("job failed, attempts exhausted", "attempts", updated.AttemptCount, "error", procErr)
		return nil
	}
	metrics.JobOutcomes.WithLabelValues(metrics.OutcomeRetried).Inc()
	log.Warn("job attempt failed, will retry", "error_class", class, "retry_in", delay, "error", procErr)
	return nil
}

func (w *Worker) lost(log *slog.Logger, err error) error {
	if errors.Is(err, queue.ErrClaimLost) {
		metrics.JobOutcomes.WithLabelValues(metrics.OutcomeClaimLost).Inc()
		log.Warn("claim lost before persisting", "error", err)
		return nil
	}
	log.Error("persist job state", "error", err)
	return err
}

// backoff returns the delay before the next attempt. Circuit-open failures
// wait at least the breaker's remaining cool-down.
func (w *Worker) backoff(previousAttempts int, cause error) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(w.cfg.BackoffInitial),
		backoff.WithMaxInterval(w.cfg.BackoffMax),
		backoff.WithMultiplier(w.cfg.BackoffMultiplier),
		backoff.WithRandomizationFactor(w.cfg.BackoffJitter),
		backoff.WithMaxElapsedTime(0),
	)
	delay := b.NextBackOff()
	for range previousAttempts {
		delay = b.NextBackOff()
	}

	if errors.Is(cause, breaker.ErrOpen) && w.breaker != nil {
		delay = max(delay, w.breaker.RetryAfter())
	}
	return delay
}
