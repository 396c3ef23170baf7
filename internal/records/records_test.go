package records

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/queue"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	s, err := NewStore(q.DB())
	require.NoError(t, err)
	return s
}

func TestSubjectRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	subj := &models.Subject{DisplayName: "Jane Doe", Facts: map[string]any{"role": "engineer"}}
	require.NoError(t, s.PutSubject(ctx, subj))
	assert.Equal(t, "jane-doe", subj.ID)

	got, err := s.GetSubject(ctx, "jane-doe")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", got.DisplayName)
	assert.Equal(t, "engineer", got.Facts["role"])

	_, err = s.GetSubject(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutTemplate_Validates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.PutTemplate(ctx, &models.Template{ID: "empty"})
	assert.ErrorIs(t, err, models.ErrInvalidTemplate)

	_, err = s.GetTemplate(ctx, "empty")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadFile(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seed := `
templates:
  - name: Annual Review
    sections:
      - id: summary
        title: Summary
        fields:
          - name: overview
            required: true
      - id: goals
        title: Goals
        depends_on: [summary]
        fields:
          - name: next_year
            required: true
            measurable: true
subjects:
  - id: s-1
    display_name: Jane Doe
    facts:
      team: platform
`
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	res, err := s.LoadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, LoadResult{Subjects: 1, Templates: 1}, res)

	tpl, err := s.GetTemplate(ctx, "annual-review")
	require.NoError(t, err)
	require.Len(t, tpl.Sections, 2)
	assert.Equal(t, []string{"summary"}, tpl.Sections[1].DependsOn)
	assert.True(t, tpl.Sections[1].Fields[0].Measurable)

	subj, err := s.GetSubject(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "platform", subj.Facts["team"])
}
