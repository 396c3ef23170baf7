package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/evidraft/internal/models"
)

func TestClaim_PriorityThenAge(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	low := createJob(t, s, 0)
	clock.Advance(time.Second)
	highOld := createJob(t, s, 10)
	clock.Advance(time.Second)
	highNew := createJob(t, s, 10)

	want := []string{highOld.ID, highNew.ID, low.ID}
	for i, id := range want {
		j, err := s.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err, "claim %d", i)
		assert.Equal(t, id, j.ID, "claim %d", i)
		assert.Equal(t, models.JobStatusClaimed, j.Status)
		require.NotNil(t, j.ClaimOwner)
		assert.Equal(t, "w1", *j.ClaimOwner)
		require.NotNil(t, j.ClaimExpiresAt)
		assert.True(t, clock.Now().Add(time.Minute).Equal(*j.ClaimExpiresAt))
	}

	_, err := s.Claim(ctx, "w1", time.Minute)
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestClaim_RespectsNotBefore(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 0)

	claimed, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	_, err = s.Retry(ctx, claimed.ID, "w1", errors.New("rate limited"), models.ErrorClassTransientExternal, clock.Now().Add(30*time.Second))
	require.NoError(t, err)

	_, err = s.Claim(ctx, "w1", time.Minute)
	assert.ErrorIs(t, err, ErrNoJob, "job deferred until not_before")

	clock.Advance(31 * time.Second)
	again, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Nil(t, again.NotBefore)
}

func TestClaim_ConcurrentWorkersClaimEachJobOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	// Two independent connections to the same file stand in for two
	// worker processes.
	stores := make([]*Store, 2)
	for i := range stores {
		s, err := Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		stores[i] = s
	}

	const jobs = 20
	for i := 0; i < jobs; i++ {
		require.NoError(t, stores[0].Create(ctx, newTestJob(i%3)))
	}

	var (
		mu     sync.Mutex
		claims = make(map[string][]string)
		wg     sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		owner := fmt.Sprintf("worker-%d", w)
		store := stores[w%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := store.Claim(ctx, owner, time.Minute)
				if errors.Is(err, ErrNoJob) {
					return
				}
				if errors.Is(err, ErrClaimLost) {
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				claims[j.ID] = append(claims[j.ID], owner)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claims, jobs)
	for id, owners := range claims {
		assert.Len(t, owners, 1, "job %s claimed by %v", id, owners)
	}
}

func TestClaimByID_LosesAgainstEarlierClaim(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 0)

	_, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	// A second worker that selected the same candidate before the first
	// claim committed must lose the conditional update.
	err = claimByID(ctx, s.db, job.ID, "w2", clock.Now(), clock.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrClaimLost)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", *got.ClaimOwner)
}

func TestClaim_TerminalJobUnchangedOnRepoll(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 0)

	claimed, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, claimed.ID, "w1", &models.JobResult{}))

	before, err := s.Get(ctx, job.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Claim(ctx, "w2", time.Minute)
		assert.ErrorIs(t, err, ErrNoJob)
	}

	after, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReclaimExpired_CountsAbandonedAttemptOnce(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 0)

	_, err := s.Claim(ctx, "crashed", time.Minute)
	require.NoError(t, err)

	res, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Total(), "claim not expired yet")

	clock.Advance(2 * time.Minute)

	res, err = s.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Requeued)

	res, err = s.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Total())

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.ClaimOwner)

	again, err := s.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.AttemptCount)
}

func TestClaim_ReclaimsExpiredClaimInline(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 0)

	_, err := s.Claim(ctx, "crashed", time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	got, err := s.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "w2", *got.ClaimOwner)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestReclaimExpired_ExhaustedAttemptsFail(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	j := newTestJob(0)
	j.MaxAttempts = 1
	require.NoError(t, s.Create(ctx, j))

	_, err := s.Claim(ctx, "crashed", time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	res, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Failed)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.ErrorClassTerminalExhausted, got.ErrorClass)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastError)
}

func TestReclaimExpired_HonoursCancelRequest(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 0)

	_, err := s.Claim(ctx, "crashed", time.Minute)
	require.NoError(t, err)
	_, err = s.Cancel(ctx, job.ID)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	res, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Cancelled)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}

func TestRetry_BoundedByMaxAttempts(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 0)

	claims := 0
	for {
		j, err := s.Claim(ctx, "w1", time.Minute)
		if errors.Is(err, ErrNoJob) {
			break
		}
		require.NoError(t, err)
		claims++
		require.LessOrEqual(t, claims, job.MaxAttempts, "claimed more than max_attempts times")

		_, err = s.Retry(ctx, j.ID, "w1", errors.New("upstream timeout"), models.ErrorClassTransientExternal, clock.Now())
		require.NoError(t, err)
	}

	assert.Equal(t, job.MaxAttempts, claims)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, job.MaxAttempts, got.AttemptCount)
	assert.Equal(t, models.ErrorClassTerminalExhausted, got.ErrorClass)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "upstream timeout", *got.LastError)
	assert.NotNil(t, got.CompletedAt)
}

func TestClaimHolderFailure_HonoursCancelRequest(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		write       func(s *Store, id string) error
	}{
		{
			name:        "retry with attempts left",
			maxAttempts: 3,
			write: func(s *Store, id string) error {
				_, err := s.Retry(context.Background(), id, "w1", errors.New("upstream timeout"), models.ErrorClassTransientExternal, s.now().Add(time.Minute))
				return err
			},
		},
		{
			name:        "retry on last attempt",
			maxAttempts: 1,
			write: func(s *Store, id string) error {
				_, err := s.Retry(context.Background(), id, "w1", errors.New("upstream timeout"), models.ErrorClassTransientExternal, s.now().Add(time.Minute))
				return err
			},
		},
		{
			name:        "terminal failure",
			maxAttempts: 3,
			write: func(s *Store, id string) error {
				return s.Fail(context.Background(), id, "w1", errors.New("bad template"), models.ErrorClassTerminalInput)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := createTestStore(t)
			ctx := context.Background()
			job := newTestJob(0)
			job.MaxAttempts = tt.maxAttempts
			require.NoError(t, s.Create(ctx, job))

			j, err := s.Claim(ctx, "w1", time.Minute)
			require.NoError(t, err)
			_, err = s.Cancel(ctx, j.ID)
			require.NoError(t, err)

			require.NoError(t, tt.write(s, j.ID))

			got, err := s.Get(ctx, j.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusCancelled, got.Status)
			assert.Equal(t, 1, got.AttemptCount)
			assert.Nil(t, got.NotBefore)
			assert.Nil(t, got.ClaimOwner)
			assert.NotNil(t, got.CompletedAt)

			_, err = s.Claim(ctx, "w2", time.Minute)
			assert.ErrorIs(t, err, ErrNoJob)
		})
	}
}

func TestRetry_ReturnsPendingWithBackoff(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	createJob(t, s, 0)

	j, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	next := clock.Now().Add(10 * time.Second)
	got, err := s.Retry(ctx, j.ID, "w1", errors.New("boom"), models.ErrorClassTransientExternal, next)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, models.ErrorClassTransientExternal, got.ErrorClass)
	require.NotNil(t, got.NotBefore)
	assert.True(t, next.Equal(*got.NotBefore))
	assert.Nil(t, got.ClaimOwner)
}

func TestClaimHolderWrites_FencedOnOwner(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	createJob(t, s, 0)

	j, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
	}{
		{"complete", func() error { return s.Complete(ctx, j.ID, "w2", &models.JobResult{}) }},
		{"fail", func() error { return s.Fail(ctx, j.ID, "w2", errors.New("x"), models.ErrorClassTerminalInput) }},
		{"progress", func() error { return s.UpdateProgress(ctx, j.ID, "w2", 1, 2) }},
		{"cancelled", func() error { return s.MarkCancelled(ctx, j.ID, "w2", nil) }},
		{"retry", func() error {
			_, err := s.Retry(ctx, j.ID, "w2", errors.New("x"), models.ErrorClassTransientExternal, time.Now())
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), ErrClaimLost)
		})
	}

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusClaimed, got.Status)
}

func TestComplete_TerminalIsImmutable(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	createJob(t, s, 0)

	j, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(ctx, j.ID, "w1", 1, 2))

	result := &models.JobResult{Sections: []models.SectionResult{{SectionID: "a", Fields: map[string]string{"x": "y"}}}}
	require.NoError(t, s.Complete(ctx, j.ID, "w1", result))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Nil(t, got.ClaimOwner)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 2, got.Progress.SectionsDone)
	require.NotNil(t, got.Result)
	assert.Equal(t, "y", got.Result.Sections[0].Fields["x"])

	assert.ErrorIs(t, s.Complete(ctx, j.ID, "w1", &models.JobResult{}), ErrClaimLost)
	assert.ErrorIs(t, s.Fail(ctx, j.ID, "w1", errors.New("late"), models.ErrorClassTerminalInput), ErrClaimLost)
}

func TestCancel(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	t.Run("pending goes straight to cancelled", func(t *testing.T) {
		job := createJob(t, s, 0)
		got, err := s.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, got.Status)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("claimed sets the request flag", func(t *testing.T) {
		job := createJob(t, s, 100)
		claimed, err := s.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, job.ID, claimed.ID)

		requested, err := s.IsCancelRequested(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, requested)

		got, err := s.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusClaimed, got.Status)
		assert.True(t, got.CancelRequested)

		requested, err = s.IsCancelRequested(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, requested)

		partial := &models.JobResult{Partial: true, Sections: []models.SectionResult{{SectionID: "a"}}}
		require.NoError(t, s.MarkCancelled(ctx, job.ID, "w1", partial))

		final, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, final.Status)
		require.NotNil(t, final.Result)
		assert.True(t, final.Result.Partial)
	})

	t.Run("terminal is rejected", func(t *testing.T) {
		job := createJob(t, s, 0)
		_, err := s.Cancel(ctx, job.ID)
		require.NoError(t, err)

		_, err = s.Cancel(ctx, job.ID)
		assert.ErrorIs(t, err, ErrTerminal)
	})

	t.Run("missing job", func(t *testing.T) {
		_, err := s.Cancel(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestArchive(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	done := createJob(t, s, 10)
	pending := createJob(t, s, 0)

	j, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, done.ID, j.ID)
	require.NoError(t, s.Complete(ctx, j.ID, "w1", &models.JobResult{}))

	n, err := s.Archive(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "too recent")

	clock.Advance(2 * time.Hour)
	n, err = s.Archive(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusArchived, got.Status)
	assert.NotNil(t, got.ArchivedAt)

	still, err := s.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, still.Status)
}

func TestStats(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	createJob(t, s, 10)
	createJob(t, s, 5)
	createJob(t, s, 0)
	clock.Advance(time.Minute)

	ok, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, ok.ID, "w1", &models.JobResult{}))

	bad, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, bad.ID, "w1", errors.New("no such subject"), models.ErrorClassTerminalInput))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Depth[models.JobStatusPending])
	assert.Equal(t, int64(1), st.Depth[models.JobStatusCompleted])
	assert.Equal(t, int64(1), st.Depth[models.JobStatusFailed])
	assert.Equal(t, int64(0), st.Depth[models.JobStatusClaimed])
	assert.Equal(t, time.Minute, st.OldestPendingAge)
	assert.Equal(t, int64(1), st.FailuresByClass[models.ErrorClassTerminalInput])
	assert.InDelta(t, 0.5, st.FailureRate, 1e-9)
}
