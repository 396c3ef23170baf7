package models

// SectionStrategy configures evidence retrieval for one template section.
type SectionStrategy struct {
	SectionID         string   `json:"section_id" yaml:"section_id"`
	SeedTerms         []string `json:"seed_terms,omitempty" yaml:"seed_terms"`
	DocumentTypes     []string `json:"document_types,omitempty" yaml:"document_types"`
	QualityThreshold  float64  `json:"quality_threshold" yaml:"quality_threshold"`
	MaxChunks         int      `json:"max_chunks" yaml:"max_chunks"`
	RecencyPreference float64  `json:"recency_preference" yaml:"recency_preference"`
}

// SearchContext is what the collector knows about the subject at retrieval time.
type SearchContext struct {
	SubjectID   string
	SubjectName string
	Facts       map[string]any
}
