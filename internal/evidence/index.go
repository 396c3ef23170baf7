// Package evidence retrieves, ranks and attributes evidence chunks for
// template sections.
package evidence

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/raphaelgruber/evidraft/internal/db"
	"github.com/raphaelgruber/evidraft/internal/models"
)

// Query is one similarity search against the index.
type Query struct {
	Embedding        []float32
	SubjectID        string
	DocumentTypes    []string
	QualityThreshold float64
	MaxResults       int
}

// Candidate is a chunk returned by the index with its cosine similarity.
type Candidate struct {
	Chunk      models.EvidenceChunk
	Similarity float64
}

// Index is the read-only evidence store. Implementations apply every Query
// filter before returning.
type Index interface {
	Search(ctx context.Context, q Query) ([]Candidate, error)
}

// MemoryIndex scans chunks with exact cosine similarity.
type MemoryIndex struct {
	mu     sync.RWMutex
	chunks []models.EvidenceChunk
}

// NewMemoryIndex creates an index holding chunks.
func NewMemoryIndex(chunks ...models.EvidenceChunk) *MemoryIndex {
	idx := &MemoryIndex{}
	idx.Add(chunks...)
	return idx
}

// Add stores chunks, replacing any with the same id.
func (m *MemoryIndex) Add(chunks ...models.EvidenceChunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		c.Quality.DeriveOverall()
		i := slices.IndexFunc(m.chunks, func(existing models.EvidenceChunk) bool { return existing.ID == c.ID })
		if i >= 0 {
			m.chunks[i] = c
			continue
		}
		m.chunks = append(m.chunks, c)
	}
}

// Len returns the number of stored chunks.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// Search implements Index.
func (m *MemoryIndex) Search(ctx context.Context, q Query) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Candidate{}
	for _, c := range m.chunks {
		if q.SubjectID != "" && c.SubjectID != q.SubjectID {
			continue
		}
		if len(q.DocumentTypes) > 0 && !slices.Contains(q.DocumentTypes, c.Classification.DocumentType) {
			continue
		}
		if q.QualityThreshold > 0 && c.Quality.Overall < q.QualityThreshold {
			continue
		}
		out = append(out, Candidate{Chunk: c, Similarity: cosine(q.Embedding, c.Embedding)})
	}

	slices.SortStableFunc(out, func(a, b Candidate) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if q.MaxResults > 0 && len(out) > q.MaxResults {
		out = out[:q.MaxResults]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SurrealIndex searches the SurrealDB HNSW index.
type SurrealIndex struct {
	client    *db.Client
	overFetch int
}

// NewSurrealIndex wraps a connected client. overFetch widens the KNN
// candidate pool so post-KNN filters still leave MaxResults rows.
func NewSurrealIndex(client *db.Client, overFetch int) *SurrealIndex {
	return &SurrealIndex{client: client, overFetch: overFetch}
}

// Search implements Index.
func (s *SurrealIndex) Search(ctx context.Context, q Query) ([]Candidate, error) {
	rows, err := s.client.QuerySimilarChunks(ctx, db.ChunkSearch{
		Embedding:     q.Embedding,
		Limit:         q.MaxResults,
		SubjectID:     q.SubjectID,
		DocumentTypes: q.DocumentTypes,
		MinQuality:    q.QualityThreshold,
		OverFetch:     s.overFetch,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, Candidate{Chunk: r.Chunk, Similarity: r.Similarity})
	}
	return out, nil
}
