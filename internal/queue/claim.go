package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/evidraft/internal/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Claim selects the highest-priority eligible job and claims it for owner
// until now+claimTimeout. Claims that expired without a terminal write are
// returned to the queue first, counting the abandoned attempt.
//
// Returns ErrNoJob when nothing is eligible and ErrClaimLost when another
// worker won the conditional update.
func (s *Store) Claim(ctx context.Context, owner string, claimTimeout time.Duration) (*models.GenerationJob, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := reclaimExpired(ctx, tx, now); err != nil {
		return nil, err
	}

	var id string
	err = tx.QueryRowContext(ctx, `
SELECT id FROM generation_jobs
WHERE status = 'pending' AND (not_before IS NULL OR not_before <= ?)
ORDER BY priority DESC, created_at ASC, id ASC
LIMIT 1`, toMillis(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit reclaim: %w", err)
		}
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("select candidate: %w", err)
	}

	if err := claimByID(ctx, tx, id, owner, now, now.Add(claimTimeout)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	return s.Get(ctx, id)
}

// claimByID performs the conditional claim. It succeeds only while the job
// is still pending and eligible.
func claimByID(ctx context.Context, db execer, id, owner string, now, expires time.Time) error {
	res, err := db.ExecContext(ctx, `
UPDATE generation_jobs
SET status = 'claimed', claim_owner = ?, claimed_at = ?, claim_expires_at = ?,
	not_before = NULL, updated_at = ?
WHERE id = ? AND status = 'pending' AND (not_before IS NULL OR not_before <= ?)`,
		owner, toMillis(now), toMillis(expires), toMillis(now), id, toMillis(now))
	if err != nil {
		return fmt.Errorf("claim job %s: %w", id, err)
	}
	return requireOneRow(res, id)
}

func requireOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", ErrClaimLost, id)
	}
	return nil
}

// Complete stores the result, marks the job completed and releases the claim.
func (s *Store) Complete(ctx context.Context, id, owner string, result *models.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	now := toMillis(s.now())

	res, err := s.db.ExecContext(ctx, `
UPDATE generation_jobs
SET status = 'completed', result = ?, claim_owner = NULL, claim_expires_at = NULL,
	progress_done = progress_total, error_class = NULL, completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'claimed' AND claim_owner = ?`,
		string(data), now, now, id, owner)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return requireOneRow(res, id)
}

// Retry records a failed attempt. Below max_attempts the job returns to
// pending and becomes eligible at notBefore; otherwise it fails with
// terminal_exhausted. A job whose cancellation was requested ends cancelled
// instead. The updated job is returned.
func (s *Store) Retry(ctx context.Context, id, owner string, cause error, class models.ErrorClass, notBefore time.Time) (*models.GenerationJob, error) {
	now := toMillis(s.now())

	res, err := s.db.ExecContext(ctx, `
UPDATE generation_jobs
SET attempt_count = attempt_count + 1,
	status = CASE
		WHEN cancel_requested = 1 THEN 'cancelled'
		WHEN attempt_count + 1 >= max_attempts THEN 'failed'
		ELSE 'pending' END,
	error_class = CASE WHEN cancel_requested = 0 AND attempt_count + 1 >= max_attempts THEN ? ELSE ? END,
	not_before = CASE WHEN cancel_requested = 0 AND attempt_count + 1 < max_attempts THEN ? ELSE NULL END,
	completed_at = CASE WHEN cancel_requested = 1 OR attempt_count + 1 >= max_attempts THEN ? ELSE NULL END,
	last_error = ?, claim_owner = NULL, claim_expires_at = NULL, updated_at = ?
WHERE id = ? AND status = 'claimed' AND claim_owner = ?`,
		models.ErrorClassTerminalExhausted, class, toMillis(notBefore), now,
		cause.Error(), now, id, owner)
	if err != nil {
		return nil, fmt.Errorf("retry job %s: %w", id, err)
	}
	if err := requireOneRow(res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Fail records a terminal failure for the current attempt. A job whose
// cancellation was requested ends cancelled instead.
func (s *Store) Fail(ctx context.Context, id, owner string, cause error, class models.ErrorClass) error {
	now := toMillis(s.now())

	res, err := s.db.ExecContext(ctx, `
UPDATE generation_jobs
SET status = CASE WHEN cancel_requested = 1 THEN 'cancelled' ELSE 'failed' END,
	attempt_count = attempt_count + 1, last_error = ?, error_class = ?,
	claim_owner = NULL, claim_expires_at = NULL, completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'claimed' AND claim_owner = ?`,
		cause.Error(), class, now, now, id, owner)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return requireOneRow(res, id)
}

// MarkCancelled ends a claimed job whose cancellation was requested,
// keeping the partial result produced so far.
func (s *Store) MarkCancelled(ctx context.Context, id, owner string, partial *models.JobResult) error {
	var result sql.NullString
	if partial != nil {
		data, err := json.Marshal(partial)
		if err != nil {
			return fmt.Errorf("encode partial result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}
	now := toMillis(s.now())

	res, err := s.db.ExecContext(ctx, `
UPDATE generation_jobs
SET status = 'cancelled', result = ?, claim_owner = NULL, claim_expires_at = NULL,
	completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'claimed' AND claim_owner = ?`,
		result, now, now, id, owner)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return requireOneRow(res, id)
}

// UpdateProgress records sections done out of total for a claimed job.
func (s *Store) UpdateProgress(ctx context.Context, id, owner string, done, total int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE generation_jobs
SET progress_done = ?, progress_total = ?, updated_at = ?
WHERE id = ? AND status = 'claimed' AND claim_owner = ?`,
		done, total, toMillis(s.now()), id, owner)
	if err != nil {
		return fmt.Errorf("update progress of job %s: %w", id, err)
	}
	return requireOneRow(res, id)
}

// Cancel requests cancellation. A pending job is cancelled directly; a
// claimed job gets cancel_requested set and is stopped by its worker at the
// next section boundary. Terminal jobs return ErrTerminal.
func (s *Store) Cancel(ctx context.Context, id string) (*models.GenerationJob, error) {
	// The status can move between the read and the conditional write, so
	// re-read on a miss. Each transition is one-way, which bounds the loop.
	for range 3 {
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status.Terminal() {
			return j, fmt.Errorf("%w: %s is %s", ErrTerminal, id, j.Status)
		}

		now := toMillis(s.now())
		var res sql.Result
		switch j.Status {
		case models.JobStatusPending:
			res, err = s.db.ExecContext(ctx, `
UPDATE generation_jobs SET status = 'cancelled', completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'pending'`, now, now, id)
		case models.JobStatusClaimed:
			res, err = s.db.ExecContext(ctx, `
UPDATE generation_jobs SET cancel_requested = 1, updated_at = ?
WHERE id = ? AND status = 'claimed'`, now, id)
		}
		if err != nil {
			return nil, fmt.Errorf("cancel job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.Get(ctx, id)
		}
	}
	return nil, fmt.Errorf("cancel job %s: status kept changing", id)
}

// IsCancelRequested reports whether cancellation was requested for a job.
func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var (
		flag   int
		status models.JobStatus
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested, status FROM generation_jobs WHERE id = ?`, id).Scan(&flag, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0 || status == models.JobStatusCancelled, nil
}
