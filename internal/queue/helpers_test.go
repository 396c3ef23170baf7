package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/evidraft/internal/models"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// createTestStore opens a fresh store whose clock is controlled by the test.
func createTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	return s, clock
}

func newTestJob(priority int) *models.GenerationJob {
	return &models.GenerationJob{
		JobType:          models.JobTypeFullGeneration,
		SubjectReference: models.SubjectReference{SubjectID: "subj-1", TemplateID: "tpl-1"},
		Priority:         priority,
		MaxAttempts:      3,
		CreatedBy:        "alice",
	}
}

func createJob(t *testing.T, s *Store, priority int) *models.GenerationJob {
	t.Helper()
	j := newTestJob(priority)
	require.NoError(t, s.Create(context.Background(), j))
	return j
}
