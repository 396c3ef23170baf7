package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/raphaelgruber/evidraft/internal/models"
)

// SweepResult counts what a reclaim pass did with expired claims.
type SweepResult struct {
	Requeued  int64 `json:"requeued"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Total returns the number of jobs touched.
func (r SweepResult) Total() int64 {
	return r.Requeued + r.Failed + r.Cancelled
}

// ReclaimExpired releases every claim whose expiry has passed. The abandoned
// attempt is counted once: the job goes back to pending, or to failed when
// attempts are exhausted, or to cancelled when cancellation was requested.
func (s *Store) ReclaimExpired(ctx context.Context) (SweepResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SweepResult{}, fmt.Errorf("begin sweep: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := reclaimExpired(ctx, tx, s.now())
	if err != nil {
		return SweepResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SweepResult{}, fmt.Errorf("commit sweep: %w", err)
	}
	return res, nil
}

func reclaimExpired(ctx context.Context, db execer, now time.Time) (SweepResult, error) {
	var out SweepResult
	ms := toMillis(now)

	steps := []struct {
		name  string
		query string
		args  []any
		count *int64
	}{
		{
			name: "cancel",
			query: `
UPDATE generation_jobs
SET status = 'cancelled', attempt_count = attempt_count + 1,
	claim_owner = NULL, claim_expires_at = NULL, completed_at = ?, updated_at = ?
WHERE status = 'claimed' AND claim_expires_at <= ? AND cancel_requested = 1`,
			args:  []any{ms, ms, ms},
			count: &out.Cancelled,
		},
		{
			name: "fail",
			query: `
UPDATE generation_jobs
SET status = 'failed', attempt_count = attempt_count + 1,
	last_error = 'claim expired', error_class = ?,
	claim_owner = NULL, claim_expires_at = NULL, completed_at = ?, updated_at = ?
WHERE status = 'claimed' AND claim_expires_at <= ? AND attempt_count + 1 >= max_attempts`,
			args:  []any{models.ErrorClassTerminalExhausted, ms, ms, ms},
			count: &out.Failed,
		},
		{
			name: "requeue",
			query: `
UPDATE generation_jobs
SET status = 'pending', attempt_count = attempt_count + 1, last_error = 'claim expired',
	claim_owner = NULL, claim_expires_at = NULL, not_before = NULL, updated_at = ?
WHERE status = 'claimed' AND claim_expires_at <= ?`,
			args:  []any{ms, ms},
			count: &out.Requeued,
		},
	}

	for _, step := range steps {
		res, err := db.ExecContext(ctx, step.query, step.args...)
		if err != nil {
			return SweepResult{}, fmt.Errorf("reclaim expired (%s): %w", step.name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return SweepResult{}, fmt.Errorf("rows affected: %w", err)
		}
		*step.count = n
	}
	return out, nil
}

// Archive moves terminal jobs finished before now-olderThan to archived.
func (s *Store) Archive(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	cutoff := toMillis(now.Add(-olderThan))

	res, err := s.db.ExecContext(ctx, `
UPDATE generation_jobs
SET status = 'archived', archived_at = ?, updated_at = ?
WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at IS NOT NULL AND completed_at <= ?`,
		toMillis(now), toMillis(now), cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Stats is a snapshot of queue health.
type Stats struct {
	Depth            map[models.JobStatus]int64  `json:"depth"`
	OldestPendingAge time.Duration               `json:"oldest_pending_age"`
	FailuresByClass  map[models.ErrorClass]int64 `json:"failures_by_class"`
	// FailureRate is failed / (completed + failed) over non-archived jobs.
	FailureRate float64 `json:"failure_rate"`
}

// Stats reports depth per status, the age of the oldest pending job and a
// failure-rate summary.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		Depth:           make(map[models.JobStatus]int64, len(models.AllJobStatuses)),
		FailuresByClass: make(map[models.ErrorClass]int64),
	}
	for _, status := range models.AllJobStatuses {
		st.Depth[status] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM generation_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var (
			status models.JobStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		st.Depth[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM generation_jobs WHERE status = 'pending'`).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("oldest pending: %w", err)
	}
	if oldest.Valid {
		st.OldestPendingAge = s.now().Sub(fromMillis(oldest.Int64))
	}

	rows, err = s.db.QueryContext(ctx, `
SELECT COALESCE(error_class, ''), COUNT(*) FROM generation_jobs
WHERE status = 'failed' GROUP BY error_class`)
	if err != nil {
		return nil, fmt.Errorf("count failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			class models.ErrorClass
			n     int64
		)
		if err := rows.Scan(&class, &n); err != nil {
			return nil, fmt.Errorf("scan failure count: %w", err)
		}
		st.FailuresByClass[class] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	done := st.Depth[models.JobStatusCompleted] + st.Depth[models.JobStatusFailed]
	if done > 0 {
		st.FailureRate = float64(st.Depth[models.JobStatusFailed]) / float64(done)
	}
	return st, nil
}
