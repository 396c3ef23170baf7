// Package records is the read boundary to subject and template records.
//
// Record management lives elsewhere; this package only stores what the
// pipeline needs to resolve a subject_reference.
package records

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/evidraft/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a subject or template does not exist.
var ErrNotFound = errors.New("record not found")

// Resolver loads the records a job refers to.
type Resolver interface {
	GetSubject(ctx context.Context, id string) (*models.Subject, error)
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
}

// Store keeps subjects and templates in SQLite.
type Store struct {
	db *sql.DB
}

var _ Resolver = (*Store)(nil)

// NewStore creates the records tables on db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("apply records schema: %w", err)
	}
	return &Store{db: db}, nil
}

// GetSubject returns a subject by id.
func (s *Store) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	var (
		subj  models.Subject
		facts string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, facts FROM subjects WHERE id = ?`, id).Scan(&subj.ID, &subj.DisplayName, &facts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: subject %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get subject: %w", err)
	}
	if err := json.Unmarshal([]byte(facts), &subj.Facts); err != nil {
		return nil, fmt.Errorf("decode facts of subject %s: %w", id, err)
	}
	return &subj, nil
}

// GetTemplate returns a template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM templates WHERE id = ?`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: template %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get template: %w", err)
	}

	var tpl models.Template
	if err := json.Unmarshal([]byte(body), &tpl); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", id, err)
	}
	return &tpl, nil
}

// PutSubject inserts or replaces a subject. An empty id is derived from the
// display name.
func (s *Store) PutSubject(ctx context.Context, subj *models.Subject) error {
	if subj.ID == "" {
		subj.ID = models.Slugify(subj.DisplayName)
	}
	if subj.ID == "" {
		return fmt.Errorf("%w: subject needs an id or display_name", models.ErrInvalidRequest)
	}

	facts := subj.Facts
	if facts == nil {
		facts = map[string]any{}
	}
	data, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO subjects (id, display_name, facts, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, facts = excluded.facts, updated_at = excluded.updated_at`,
		subj.ID, subj.DisplayName, string(data), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put subject: %w", err)
	}
	return nil
}

// PutTemplate validates and stores a template. An empty id is derived from
// the name.
func (s *Store) PutTemplate(ctx context.Context, tpl *models.Template) error {
	if tpl.ID == "" {
		tpl.ID = models.Slugify(tpl.Name)
	}
	if err := tpl.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO templates (id, name, body, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, body = excluded.body, updated_at = excluded.updated_at`,
		tpl.ID, tpl.Name, string(data), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put template: %w", err)
	}
	return nil
}
