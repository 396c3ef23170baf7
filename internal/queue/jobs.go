package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/raphaelgruber/evidraft/internal/models"
)

const jobColumns = `id, job_type, subject_id, template_id, payload, priority, status,
	claim_owner, claim_expires_at, not_before, cancel_requested,
	attempt_count, max_attempts, last_error, error_class,
	progress_done, progress_total, result,
	created_at, updated_at, created_by, completed_at, archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.GenerationJob, error) {
	var (
		j               models.GenerationJob
		payload         string
		claimOwner      sql.NullString
		lastError       sql.NullString
		errorClass      sql.NullString
		result          sql.NullString
		claimExpires    sql.NullInt64
		notBefore       sql.NullInt64
		completedAt     sql.NullInt64
		archivedAt      sql.NullInt64
		createdAt       int64
		updatedAt       int64
		cancelRequested int
	)
	err := row.Scan(
		&j.ID, &j.JobType, &j.SubjectReference.SubjectID, &j.SubjectReference.TemplateID,
		&payload, &j.Priority, &j.Status,
		&claimOwner, &claimExpires, &notBefore, &cancelRequested,
		&j.AttemptCount, &j.MaxAttempts, &lastError, &errorClass,
		&j.Progress.SectionsDone, &j.Progress.SectionsTotal, &result,
		&createdAt, &updatedAt, &j.CreatedBy, &completedAt, &archivedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	if result.Valid && result.String != "" {
		var r models.JobResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result of job %s: %w", j.ID, err)
		}
		j.Result = &r
	}

	j.ClaimOwner = fromNullString(claimOwner)
	j.ClaimExpiresAt = fromNullMillis(claimExpires)
	j.NotBefore = fromNullMillis(notBefore)
	j.CancelRequested = cancelRequested != 0
	j.LastError = fromNullString(lastError)
	j.ErrorClass = models.ErrorClass(errorClass.String)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	j.CompletedAt = fromNullMillis(completedAt)
	j.ArchivedAt = fromNullMillis(archivedAt)
	return &j, nil
}

// Create inserts a new pending job. ID, timestamps and max_attempts are
// filled in when unset.
func (s *Store) Create(ctx context.Context, j *models.GenerationJob) error {
	if !j.JobType.Valid() {
		return fmt.Errorf("%w: unknown job_type %q", models.ErrInvalidRequest, j.JobType)
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}

	now := s.now()
	j.Status = models.JobStatusPending
	j.CreatedAt, j.UpdatedAt = now, now
	j.AttemptCount = 0

	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO generation_jobs (id, job_type, subject_id, template_id, payload, priority, status,
	max_attempts, progress_total, created_at, updated_at, created_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.JobType, j.SubjectReference.SubjectID, j.SubjectReference.TemplateID,
		string(payload), j.Priority, j.Status,
		j.MaxAttempts, j.Progress.SectionsTotal, toMillis(now), toMillis(now), j.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id string) (*models.GenerationJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status    models.JobStatus
	CreatedBy string
	Limit     int
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*models.GenerationJob, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}

	query := `SELECT ` + jobColumns + ` FROM generation_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
