package db

import "fmt"

// DefaultDimension matches the default all-minilm:l6-v2 embedding model.
const DefaultDimension = 384

// schemaTemplate defines the evidence index. The HNSW dimension is filled in
// at init time so it follows the configured embedding model.
const schemaTemplate = `
    -- ==========================================================================
    -- EVIDENCE CHUNK TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS evidence_chunk SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS source_reference ON evidence_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS subject_id ON evidence_chunk TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS text ON evidence_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON evidence_chunk TYPE array<float>;

    -- Classification
    DEFINE FIELD IF NOT EXISTS document_type ON evidence_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS category ON evidence_chunk TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS effective_date ON evidence_chunk TYPE option<datetime>;

    -- Extraction quality, each in [0,1]
    DEFINE FIELD IF NOT EXISTS extraction_confidence ON evidence_chunk TYPE float DEFAULT 0.0;
    DEFINE FIELD IF NOT EXISTS information_density ON evidence_chunk TYPE float DEFAULT 0.0;
    DEFINE FIELD IF NOT EXISTS completeness ON evidence_chunk TYPE float DEFAULT 0.0;
    DEFINE FIELD IF NOT EXISTS overall ON evidence_chunk TYPE float DEFAULT 0.0;

    DEFINE FIELD IF NOT EXISTS section_relevance ON evidence_chunk TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created ON evidence_chunk TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS evidence_subject ON evidence_chunk FIELDS subject_id;
    DEFINE INDEX IF NOT EXISTS evidence_document_type ON evidence_chunk FIELDS document_type;
    DEFINE INDEX IF NOT EXISTS evidence_embedding ON evidence_chunk FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;
`

// SchemaSQL returns the schema for the given embedding dimension.
func SchemaSQL(dimension int) string {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return fmt.Sprintf(schemaTemplate, dimension)
}
