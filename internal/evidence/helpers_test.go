package evidence

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/evidraft/internal/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeEmbedder maps query text to a vector by keyword. Texts containing
// "alpha" point along x, "beta" along y, anything else along z.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = keywordVector(t)
	}
	return out, nil
}

func keywordVector(text string) []float32 {
	switch {
	case strings.Contains(text, "alpha"):
		return []float32{1, 0, 0}
	case strings.Contains(text, "beta"):
		return []float32{0, 1, 0}
	}
	return []float32{0, 0, 1}
}

func chunk(id string, vec []float32, overall float64) models.EvidenceChunk {
	return models.EvidenceChunk{
		ID:              id,
		SourceReference: "doc-" + id,
		SubjectID:       "acme",
		Text:            "text of " + id,
		Embedding:       vec,
		Classification:  models.ChunkClassification{DocumentType: "report"},
		Quality:         models.ChunkQuality{Overall: overall},
	}
}

func section(id, title string) models.TemplateSection {
	return models.TemplateSection{
		ID:     id,
		Title:  title,
		Fields: []models.FieldSchema{{Name: "summary", Required: true}},
	}
}

func newTestCollector(idx Index, emb Embedder, strategies *StrategySet) *Collector {
	c := NewCollector(idx, emb, strategies, CollectorConfig{Weights: DefaultWeights(), Parallelism: 2}, nil, nil)
	c.now = func() time.Time { return testNow }
	return c
}

func ids(set models.EvidenceSet) []string {
	out := make([]string, len(set))
	for i, item := range set {
		out[i] = item.Chunk.ID
	}
	return out
}
