package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/evidraft/internal/breaker"
	"github.com/raphaelgruber/evidraft/internal/metrics"
	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/queue"
	"github.com/raphaelgruber/evidraft/internal/records"
)

type stubLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (s *stubLimiter) Allow(context.Context, string) (bool, int64, error) {
	s.calls++
	return s.allowed, 0, s.err
}

func newTestService(t *testing.T, limiter Limiter) (*JobService, *queue.Store) {
	t.Helper()
	ctx := context.Background()

	store, err := queue.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec, err := records.NewStore(store.DB())
	require.NoError(t, err)
	require.NoError(t, rec.PutSubject(ctx, &models.Subject{ID: "acme", DisplayName: "Acme"}))
	require.NoError(t, rec.PutTemplate(ctx, &models.Template{
		ID:   "plan",
		Name: "Plan",
		Sections: []models.TemplateSection{
			{ID: "goals", Title: "Goals", Fields: []models.FieldSchema{{Name: "text", Required: true}}},
			{ID: "risks", Title: "Risks", Fields: []models.FieldSchema{{Name: "text", Required: true}}},
		},
	}))

	svc := NewJobService(store, rec, Options{
		Limiter:   limiter,
		Breaker:   breaker.New(breaker.Settings{Name: "test"}),
		Collector: metrics.NewCollector(),
	})
	return svc, store
}

func validRequest() SubmitRequest {
	return SubmitRequest{
		JobType:          models.JobTypeFullGeneration,
		SubjectReference: models.SubjectReference{SubjectID: "acme", TemplateID: "plan"},
		Priority:         5,
	}
}

func TestSubmit(t *testing.T) {
	svc, _ := newTestService(t, nil)

	job, err := svc.Submit(context.Background(), "alice", validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "alice", job.CreatedBy)
	assert.Equal(t, queue.DefaultMaxAttempts, job.MaxAttempts)

	got, err := svc.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Progress.SectionsTotal)
	assert.Equal(t, 5, got.Priority)
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		mutate  func(*SubmitRequest)
		wantErr error
	}{
		{"missing user", "", func(*SubmitRequest) {}, models.ErrInvalidRequest},
		{"unknown job type", "alice", func(r *SubmitRequest) { r.JobType = "summary" }, models.ErrInvalidRequest},
		{"missing template", "alice", func(r *SubmitRequest) { r.SubjectReference.TemplateID = "" }, models.ErrInvalidRequest},
		{"unknown subject", "alice", func(r *SubmitRequest) { r.SubjectReference.SubjectID = "ghost" }, records.ErrNotFound},
		{"unknown template", "alice", func(r *SubmitRequest) { r.SubjectReference.TemplateID = "ghost" }, records.ErrNotFound},
		{"unknown section", "alice", func(r *SubmitRequest) { r.Payload.Sections = []string{"budget"} }, models.ErrInvalidRequest},
		{"section job without target", "alice", func(r *SubmitRequest) { r.JobType = models.JobTypeSectionGeneration }, models.ErrInvalidRequest},
		{"negative attempts", "alice", func(r *SubmitRequest) { r.MaxAttempts = -1 }, models.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t, nil)
			req := validRequest()
			tt.mutate(&req)

			_, err := svc.Submit(context.Background(), tt.user, req)
			assert.ErrorIs(t, err, tt.wantErr)

			jobs, err := store.List(context.Background(), queue.ListFilter{})
			require.NoError(t, err)
			assert.Empty(t, jobs, "rejected submissions must not be enqueued")
		})
	}
}

func TestSubmit_SectionGeneration(t *testing.T) {
	svc, _ := newTestService(t, nil)
	req := validRequest()
	req.JobType = models.JobTypeSectionGeneration
	req.Payload.TargetSection = "risks"

	job, err := svc.Submit(context.Background(), "alice", req)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Progress.SectionsTotal)
}

func TestSubmit_RateLimit(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		svc, _ := newTestService(t, &stubLimiter{allowed: false})
		_, err := svc.Submit(context.Background(), "alice", validRequest())
		assert.ErrorIs(t, err, ErrRateLimited)
	})

	t.Run("limiter error fails open", func(t *testing.T) {
		lim := &stubLimiter{err: errors.New("connection refused")}
		svc, _ := newTestService(t, lim)
		_, err := svc.Submit(context.Background(), "alice", validRequest())
		assert.NoError(t, err)
		assert.Equal(t, 1, lim.calls)
	})
}

func TestCancel(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	job, err := svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	got, err = svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrTerminal)
	require.NotNil(t, got)
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	_, err = svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestWaitForTerminal(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	job, err := svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)

	t.Run("times out while pending", func(t *testing.T) {
		start := time.Now()
		got, err := svc.WaitForTerminal(ctx, job.ID, 50*time.Millisecond, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, got.Status)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("returns once terminal", func(t *testing.T) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = svc.Cancel(context.Background(), job.ID)
		}()
		got, err := svc.WaitForTerminal(ctx, job.ID, 5*time.Second, 5*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, got.Status)
	})
}

func TestWatch(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	job, err := svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)

	var seen []models.JobStatus
	err = svc.Watch(ctx, job.ID, 5*time.Millisecond, func(j *models.GenerationJob) error {
		seen = append(seen, j.Status)
		if j.Status == models.JobStatusPending {
			_, err := svc.Cancel(ctx, j.ID)
			return err
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []models.JobStatus{models.JobStatusPending, models.JobStatusCancelled}, seen)
}

func TestStatsAndArchive(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	job, err := svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "bob", validRequest())
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, job.ID)
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queue.Depth[models.JobStatusPending])
	assert.Equal(t, int64(1), stats.Queue.Depth[models.JobStatusCancelled])
	require.NotNil(t, stats.Breaker)
	assert.Equal(t, breaker.StateClosed, stats.Breaker.State)
	assert.NotNil(t, stats.Runtime)

	n, err := svc.Archive(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.Archive(ctx, -time.Hour)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}
