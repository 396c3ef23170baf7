package models

import (
	"time"
)

// ChunkClassification is the document-level classification of a chunk.
type ChunkClassification struct {
	DocumentType  string     `json:"document_type" yaml:"document_type"`
	Category      string     `json:"category,omitempty" yaml:"category"`
	EffectiveDate *time.Time `json:"effective_date,omitempty" yaml:"effective_date"`
}

// ChunkQuality holds the extraction quality metrics, each in [0,1].
type ChunkQuality struct {
	ExtractionConfidence float64 `json:"extraction_confidence" yaml:"extraction_confidence"`
	InformationDensity   float64 `json:"information_density" yaml:"information_density"`
	Completeness         float64 `json:"completeness" yaml:"completeness"`
	Overall              float64 `json:"overall" yaml:"overall"`
}

// DeriveOverall fills Overall with the mean of the three metrics when unset.
func (q *ChunkQuality) DeriveOverall() {
	if q.Overall > 0 {
		return
	}
	q.Overall = (q.ExtractionConfidence + q.InformationDensity + q.Completeness) / 3
}

// EvidenceChunk is an indexed, classified unit of source text.
// Chunks are produced by the ingestion side and never modified here.
type EvidenceChunk struct {
	ID               string              `json:"id" yaml:"id"`
	SourceReference  string              `json:"source_reference" yaml:"source_reference"`
	SubjectID        string              `json:"subject_id,omitempty" yaml:"subject_id"`
	Text             string              `json:"text" yaml:"text"`
	Embedding        []float32           `json:"embedding,omitempty" yaml:"embedding"`
	Classification   ChunkClassification `json:"classification" yaml:"classification"`
	Quality          ChunkQuality        `json:"quality" yaml:"quality"`
	SectionRelevance map[string]float64  `json:"section_relevance,omitempty" yaml:"section_relevance"`
}

// Relevance returns the chunk's relevance weight for a section (0 when absent).
func (c *EvidenceChunk) Relevance(sectionID string) float64 {
	if c.SectionRelevance == nil {
		return 0
	}
	return c.SectionRelevance[sectionID]
}

// EvidenceItem is a ranked chunk assigned to one section.
type EvidenceItem struct {
	Chunk      EvidenceChunk `json:"chunk"`
	Similarity float64       `json:"similarity"`
	RankScore  float64       `json:"rank_score"`
	SectionID  string        `json:"section_id"`
}

// EvidenceSet is the ordered evidence for one section, best first.
type EvidenceSet []EvidenceItem

// Ref converts an item to its attribution form.
func (i EvidenceItem) Ref() EvidenceRef {
	return EvidenceRef{
		ChunkID:         i.Chunk.ID,
		SourceReference: i.Chunk.SourceReference,
		SectionID:       i.SectionID,
		RankScore:       i.RankScore,
	}
}
