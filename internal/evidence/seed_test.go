package evidence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadChunkFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chunks:
  - id: c1
    source_reference: annual-report.pdf#p3
    subject_id: acme
    text: Revenue grew by alpha percent.
    classification:
      document_type: report
      effective_date: 2025-06-30T00:00:00Z
    quality:
      extraction_confidence: 0.9
      information_density: 0.6
      completeness: 0.6
  - id: c2
    text: Beta findings.
    embedding: [0, 1, 0]
    quality:
      overall: 0.4
`), 0o644))

	chunks, err := LoadChunkFile(path)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "annual-report.pdf#p3", chunks[0].SourceReference)
	assert.InDelta(t, 0.7, chunks[0].Quality.Overall, 1e-9)
	require.NotNil(t, chunks[0].Classification.EffectiveDate)
	assert.Equal(t, 2025, chunks[0].Classification.EffectiveDate.Year())
	assert.InDelta(t, 0.4, chunks[1].Quality.Overall, 1e-9)

	emb := &fakeEmbedder{}
	require.NoError(t, EmbedMissing(context.Background(), emb, chunks))
	assert.Equal(t, []float32{1, 0, 0}, chunks[0].Embedding)
	assert.Equal(t, []float32{0, 1, 0}, chunks[1].Embedding)
	assert.Equal(t, 1, emb.calls)
}

func TestLoadChunkFile_MissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunks:\n  - text: no id\n"), 0o644))

	_, err := LoadChunkFile(path)
	assert.ErrorContains(t, err, "has no id")
}
