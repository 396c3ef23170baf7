// Package models defines data structures shared across the evidraft pipeline.
package models

import (
	"time"
)

// JobType selects the processing strategy for a job.
type JobType string

const (
	JobTypeFullGeneration    JobType = "full_generation"
	JobTypeSectionGeneration JobType = "section_generation"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypeFullGeneration || t == JobTypeSectionGeneration
}

// JobStatus represents the persisted state of a generation job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusArchived  JobStatus = "archived"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusClaimed,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
	JobStatusArchived,
}

// Terminal reports whether no further processing happens for the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusArchived:
		return true
	}
	return false
}

// SubjectReference names the records a job operates on.
type SubjectReference struct {
	SubjectID  string `json:"subject_id" yaml:"subject_id"`
	TemplateID string `json:"template_id" yaml:"template_id"`
}

// JobPayload carries the generation request parameters.
type JobPayload struct {
	// Sections restricts full generation to a subset of template sections.
	// Empty means every declared section.
	Sections []string `json:"sections,omitempty"`

	// TargetSection is the single section produced by section_generation jobs.
	TargetSection string `json:"target_section,omitempty"`

	// UseExternalGrounding lets the model draw on general domain knowledge
	// where the evidence is silent.
	UseExternalGrounding bool `json:"use_external_grounding,omitempty"`
}

// JobProgress is the coarse progress indicator exposed to pollers.
type JobProgress struct {
	SectionsDone  int `json:"sections_done"`
	SectionsTotal int `json:"sections_total"`
}

// GenerationJob is a durable job record in the queue store.
type GenerationJob struct {
	ID               string           `json:"id"`
	JobType          JobType          `json:"job_type"`
	SubjectReference SubjectReference `json:"subject_reference"`
	Payload          JobPayload       `json:"payload"`
	Priority         int              `json:"priority"`
	Status           JobStatus        `json:"status"`

	// Claim bookkeeping
	ClaimOwner      *string    `json:"claim_owner,omitempty"`
	ClaimExpiresAt  *time.Time `json:"claim_expires_at,omitempty"`
	NotBefore       *time.Time `json:"not_before,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`

	// Retry bookkeeping
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    *string    `json:"last_error,omitempty"`
	ErrorClass   ErrorClass `json:"error_class,omitempty"`

	Progress JobProgress `json:"progress"`
	Result   *JobResult  `json:"result,omitempty"`

	// Audit
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CreatedBy   string     `json:"created_by"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

// ClaimActive reports whether the job is held by a non-expired claim at now.
func (j *GenerationJob) ClaimActive(now time.Time) bool {
	return j.Status == JobStatusClaimed && j.ClaimExpiresAt != nil && now.Before(*j.ClaimExpiresAt)
}

// JobResult is the generated document plus generation metadata.
type JobResult struct {
	Sections    []SectionResult    `json:"sections"`
	NeedsReview bool               `json:"needs_review"`
	Partial     bool               `json:"partial,omitempty"`
	Metadata    GenerationMetadata `json:"metadata"`
}

// Section returns the section result with the given id, or nil.
func (r *JobResult) Section(id string) *SectionResult {
	if r == nil {
		return nil
	}
	for i := range r.Sections {
		if r.Sections[i].SectionID == id {
			return &r.Sections[i]
		}
	}
	return nil
}

// SectionResult is one generated section with attribution and scores.
type SectionResult struct {
	SectionID       string            `json:"section_id"`
	Title           string            `json:"title"`
	Fields          map[string]string `json:"fields"`
	ConfidenceScore float64           `json:"confidence_score"`
	EvidenceCount   int               `json:"evidence_count"`
	EvidenceRefs    []EvidenceRef     `json:"evidence_refs"`
	Quality         QualityReport     `json:"quality"`
	NeedsReview     bool              `json:"needs_review"`
}

// EvidenceRef attributes generated content to an evidence chunk.
type EvidenceRef struct {
	ChunkID         string  `json:"chunk_id"`
	SourceReference string  `json:"source_reference"`
	SectionID       string  `json:"section_id"`
	RankScore       float64 `json:"rank_score"`
	Used            bool    `json:"used"`
}

// QualityReport holds the validator scores for one section.
type QualityReport struct {
	CopyRisk      float64  `json:"copy_risk"`
	Completeness  float64  `json:"completeness"`
	Measurability float64  `json:"measurability"`
	Flags         []string `json:"flags,omitempty"`
}

// GenerationMetadata summarizes how the result was produced.
type GenerationMetadata struct {
	Model           string          `json:"model,omitempty"`
	InputTokens     int64           `json:"input_tokens"`
	OutputTokens    int64           `json:"output_tokens"`
	EvidenceSummary EvidenceSummary `json:"evidence_summary"`
	Attempt         int             `json:"attempt"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// EvidenceSummary counts evidence per section.
type EvidenceSummary struct {
	TotalChunks        int            `json:"total_chunks"`
	ChunksPerSection   map[string]int `json:"chunks_per_section"`
	SectionsNoEvidence []string       `json:"sections_without_evidence,omitempty"`
}
