package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/evidraft/internal/models"
)

// chunkRow is the stored shape of an evidence chunk.
type chunkRow struct {
	ID                   surrealmodels.RecordID `json:"id"`
	SourceReference      string                 `json:"source_reference"`
	SubjectID            *string                `json:"subject_id,omitempty"`
	Text                 string                 `json:"text"`
	Embedding            []float32              `json:"embedding,omitempty"`
	DocumentType         string                 `json:"document_type"`
	Category             *string                `json:"category,omitempty"`
	EffectiveDate        *time.Time             `json:"effective_date,omitempty"`
	ExtractionConfidence float64                `json:"extraction_confidence"`
	InformationDensity   float64                `json:"information_density"`
	Completeness         float64                `json:"completeness"`
	Overall              float64                `json:"overall"`
	SectionRelevance     map[string]float64     `json:"section_relevance,omitempty"`
	Similarity           float64                `json:"similarity,omitempty"`
}

func (r chunkRow) toModel() (models.EvidenceChunk, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.EvidenceChunk{}, err
	}
	c := models.EvidenceChunk{
		ID:              id,
		SourceReference: r.SourceReference,
		Text:            r.Text,
		Embedding:       r.Embedding,
		Classification: models.ChunkClassification{
			DocumentType:  r.DocumentType,
			EffectiveDate: r.EffectiveDate,
		},
		Quality: models.ChunkQuality{
			ExtractionConfidence: r.ExtractionConfidence,
			InformationDensity:   r.InformationDensity,
			Completeness:         r.Completeness,
			Overall:              r.Overall,
		},
		SectionRelevance: r.SectionRelevance,
	}
	if r.SubjectID != nil {
		c.SubjectID = *r.SubjectID
	}
	if r.Category != nil {
		c.Classification.Category = *r.Category
	}
	return c, nil
}

// ChunkSearch filters a similarity query.
type ChunkSearch struct {
	Embedding     []float32
	Limit         int
	SubjectID     string
	DocumentTypes []string
	MinQuality    float64

	// OverFetch multiplies Limit for the HNSW candidate pool so filters
	// applied after the KNN step still leave enough rows.
	OverFetch int
}

// ScoredChunk is a chunk with its cosine similarity to the query.
type ScoredChunk struct {
	Chunk      models.EvidenceChunk
	Similarity float64
}

// QuerySimilarChunks returns chunks nearest to the query embedding that pass
// every filter, best first.
func (c *Client) QuerySimilarChunks(ctx context.Context, q ChunkSearch) ([]ScoredChunk, error) {
	if q.Limit <= 0 {
		return []ScoredChunk{}, nil
	}
	overFetch := q.OverFetch
	if overFetch < 1 {
		overFetch = 4
	}

	var filters []string
	vars := map[string]any{
		"emb":   q.Embedding,
		"limit": q.Limit,
	}
	if q.SubjectID != "" {
		filters = append(filters, "subject_id = $subject")
		vars["subject"] = q.SubjectID
	}
	if len(q.DocumentTypes) > 0 {
		filters = append(filters, "document_type IN $types")
		vars["types"] = q.DocumentTypes
	}
	if q.MinQuality > 0 {
		filters = append(filters, "overall >= $min_quality")
		vars["min_quality"] = q.MinQuality
	}
	filterClause := ""
	if len(filters) > 0 {
		filterClause = "AND " + strings.Join(filters, " AND ")
	}

	// HNSW with ef=40, as in the rest of the index queries.
	sql := fmt.Sprintf(`
		SELECT id, source_reference, subject_id, text, document_type, category,
			effective_date, extraction_confidence, information_density,
			completeness, overall, section_relevance,
			vector::similarity::cosine(embedding, $emb) AS similarity
		FROM evidence_chunk
		WHERE embedding <|%d,40|> $emb %s
		ORDER BY similarity DESC
		LIMIT $limit
	`, q.Limit*overFetch, filterClause)

	results, err := surrealdb.Query[[]chunkRow](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("similar chunks: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []ScoredChunk{}, nil
	}

	rows := (*results)[0].Result
	out := make([]ScoredChunk, 0, len(rows))
	for _, r := range rows {
		chunk, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("similar chunks: %w", err)
		}
		out = append(out, ScoredChunk{Chunk: chunk, Similarity: r.Similarity})
	}
	return out, nil
}

// QueryUpsertChunk writes a chunk by id. Used by dev seeding and tests;
// the pipeline itself never writes the index.
func (c *Client) QueryUpsertChunk(ctx context.Context, chunk models.EvidenceChunk) error {
	chunk.Quality.DeriveOverall()

	vars := map[string]any{
		"id":                    chunk.ID,
		"source_reference":      chunk.SourceReference,
		"subject_id":            optional(chunk.SubjectID),
		"text":                  chunk.Text,
		"embedding":             chunk.Embedding,
		"document_type":         chunk.Classification.DocumentType,
		"category":              optional(chunk.Classification.Category),
		"extraction_confidence": chunk.Quality.ExtractionConfidence,
		"information_density":   chunk.Quality.InformationDensity,
		"completeness":          chunk.Quality.Completeness,
		"overall":               chunk.Quality.Overall,
		"section_relevance":     chunk.SectionRelevance,
	}

	dateExpr := "NONE"
	if chunk.Classification.EffectiveDate != nil {
		dateExpr = "<datetime>$effective_date"
		vars["effective_date"] = chunk.Classification.EffectiveDate.UTC().Format(time.RFC3339)
	}
	relevanceExpr := "NONE"
	if len(chunk.SectionRelevance) > 0 {
		relevanceExpr = "$section_relevance"
	}

	sql := fmt.Sprintf(`
		UPSERT type::record("evidence_chunk", $id) SET
			source_reference = $source_reference,
			subject_id = $subject_id,
			text = $text,
			embedding = $embedding,
			document_type = $document_type,
			category = $category,
			effective_date = %s,
			extraction_confidence = $extraction_confidence,
			information_density = $information_density,
			completeness = $completeness,
			overall = $overall,
			section_relevance = %s
	`, dateExpr, relevanceExpr)

	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("upsert chunk %s: %w", chunk.ID, wrapQueryError(err))
	}
	return nil
}

// QueryCountChunks returns the number of indexed chunks.
func (c *Client) QueryCountChunks(ctx context.Context) (int, error) {
	results, err := surrealdb.Query[[]struct {
		Count int `json:"count"`
	}](ctx, c.db, `SELECT count() AS count FROM evidence_chunk GROUP ALL`, nil)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].Count, nil
}

// optional maps an empty string to NONE for option<string> fields.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
