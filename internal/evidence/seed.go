package evidence

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/evidraft/internal/models"
)

// ChunkFile is the YAML layout of a development evidence seed.
type ChunkFile struct {
	Chunks []models.EvidenceChunk `yaml:"chunks"`
}

// LoadChunkFile reads evidence chunks from a YAML seed file.
func LoadChunkFile(path string) ([]models.EvidenceChunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var f ChunkFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range f.Chunks {
		c := &f.Chunks[i]
		if c.ID == "" {
			return nil, fmt.Errorf("parse %s: chunk %d has no id", path, i)
		}
		c.Quality.DeriveOverall()
	}
	return f.Chunks, nil
}

// EmbedMissing fills in embeddings for chunks that have none, in one batch.
func EmbedMissing(ctx context.Context, embedder Embedder, chunks []models.EvidenceChunk) error {
	var idx []int
	var texts []string
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			idx = append(idx, i)
			texts = append(texts, c.Text)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("%w: got %d vectors for %d chunks", ErrEmbedding, len(vectors), len(texts))
	}
	for j, i := range idx {
		chunks[i].Embedding = vectors[j]
	}
	return nil
}
