package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/raphaelgruber/evidraft/internal/generator"
	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/quality"
	"github.com/raphaelgruber/evidraft/internal/records"
	"github.com/raphaelgruber/evidraft/internal/tracing"
)

// CancelCheck is threaded through processing. The pipeline consults it
// between sections and reports progress through it.
type CancelCheck struct {
	requested func(ctx context.Context) (bool, error)
	progress  func(ctx context.Context, done, total int) error
}

// NewCancelCheck builds a check from callbacks. Either may be nil.
func NewCancelCheck(requested func(ctx context.Context) (bool, error), progress func(ctx context.Context, done, total int) error) CancelCheck {
	return CancelCheck{requested: requested, progress: progress}
}

// Requested reports whether the job should stop before the next section.
func (c CancelCheck) Requested(ctx context.Context) (bool, error) {
	if c.requested == nil {
		return false, nil
	}
	return c.requested(ctx)
}

// Progress records sections done out of total.
func (c CancelCheck) Progress(ctx context.Context, done, total int) error {
	if c.progress == nil {
		return nil
	}
	return c.progress(ctx, done, total)
}

// Processor produces the result for one job type. A run stopped by
// cancellation or by a failing section returns the partial result together
// with the error.
type Processor interface {
	Process(ctx context.Context, job *models.GenerationJob, check CancelCheck) (*models.JobResult, error)
}

// EvidenceCollector gathers evidence for a set of sections.
type EvidenceCollector interface {
	Collect(ctx context.Context, sc models.SearchContext, sections []models.TemplateSection) (map[string]models.EvidenceSet, error)
}

// SectionGenerator generates one section.
type SectionGenerator interface {
	GenerateSection(ctx context.Context, in generator.SectionInput) (*generator.SectionOutput, error)
}

// Pipeline runs evidence collection, generation and validation for the
// sections of one job, in template order.
type Pipeline struct {
	records   records.Resolver
	evidence  EvidenceCollector
	generator SectionGenerator
	validator *quality.Validator
	model     string
	logger    *slog.Logger
}

// NewPipeline wires the processing stages. model names the generation model
// in result metadata when the service does not report one.
func NewPipeline(resolver records.Resolver, ev EvidenceCollector, gen SectionGenerator, v *quality.Validator, model string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{records: resolver, evidence: ev, generator: gen, validator: v, model: model, logger: logger}
}

// Processors returns the job-type dispatch table.
func (p *Pipeline) Processors() map[models.JobType]Processor {
	return map[models.JobType]Processor{
		models.JobTypeFullGeneration:    fullGeneration{p},
		models.JobTypeSectionGeneration: sectionGeneration{p},
	}
}

type fullGeneration struct{ p *Pipeline }

func (f fullGeneration) Process(ctx context.Context, job *models.GenerationJob, check CancelCheck) (*models.JobResult, error) {
	subject, tmpl, err := f.p.resolve(ctx, job)
	if err != nil {
		return nil, err
	}
	sections, err := tmpl.SelectSections(job.Payload.Sections)
	if err != nil {
		return nil, err
	}
	return f.p.run(ctx, job, check, subject, sections)
}

type sectionGeneration struct{ p *Pipeline }

func (s sectionGeneration) Process(ctx context.Context, job *models.GenerationJob, check CancelCheck) (*models.JobResult, error) {
	if job.Payload.TargetSection == "" {
		return nil, fmt.Errorf("%w: section_generation needs target_section", models.ErrInvalidRequest)
	}
	subject, tmpl, err := s.p.resolve(ctx, job)
	if err != nil {
		return nil, err
	}
	sections, err := tmpl.SelectSections([]string{job.Payload.TargetSection})
	if err != nil {
		return nil, err
	}
	return s.p.run(ctx, job, check, subject, sections)
}

func (p *Pipeline) resolve(ctx context.Context, job *models.GenerationJob) (*models.Subject, *models.Template, error) {
	ref := job.SubjectReference
	subject, err := p.records.GetSubject(ctx, ref.SubjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve subject: %w", err)
	}
	tmpl, err := p.records.GetTemplate(ctx, ref.TemplateID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve template: %w", err)
	}
	if err := tmpl.Validate(); err != nil {
		return nil, nil, err
	}
	return subject, tmpl, nil
}

func (p *Pipeline) run(ctx context.Context, job *models.GenerationJob, check CancelCheck, subject *models.Subject, sections []models.TemplateSection) (*models.JobResult, error) {
	started := time.Now().UTC()
	result := &models.JobResult{
		Sections: []models.SectionResult{},
		Metadata: models.GenerationMetadata{
			Model:     p.model,
			Attempt:   job.AttemptCount + 1,
			StartedAt: started,
			EvidenceSummary: models.EvidenceSummary{
				ChunksPerSection: make(map[string]int, len(sections)),
			},
		},
	}
	total := len(sections)

	if err := check.Progress(ctx, 0, total); err != nil {
		return nil, err
	}

	sets, err := p.evidence.Collect(ctx, models.SearchContext{
		SubjectID:   subject.ID,
		SubjectName: subject.DisplayName,
		Facts:       subject.Facts,
	}, sections)
	if err != nil {
		return nil, fmt.Errorf("collect evidence: %w", err)
	}

	summary := &result.Metadata.EvidenceSummary
	for _, s := range sections {
		n := len(sets[s.ID])
		summary.ChunksPerSection[s.ID] = n
		summary.TotalChunks += n
		if n == 0 {
			summary.SectionsNoEvidence = append(summary.SectionsNoEvidence, s.ID)
		}
	}

	prior := make(map[string]float64, len(sections))
	for i, s := range sections {
		stop, err := check.Requested(ctx)
		if err != nil {
			return nil, fmt.Errorf("check cancellation: %w", err)
		}
		if stop {
			p.logger.Info("stopping at section boundary", "job_id", job.ID, "done", i, "total", total)
			result.Partial = true
			p.finish(result)
			return result, ErrCancelled
		}

		sr, err := p.section(ctx, job, subject, s, sets[s.ID], prior)
		if err != nil {
			result.Partial = true
			p.finish(result)
			return result, err
		}
		result.Sections = append(result.Sections, sr.Result)
		result.Metadata.InputTokens += sr.Usage.InputTokens
		result.Metadata.OutputTokens += sr.Usage.OutputTokens
		if sr.Usage.Model != "" {
			result.Metadata.Model = sr.Usage.Model
		}
		prior[s.ID] = sr.Result.ConfidenceScore

		if err := check.Progress(ctx, i+1, total); err != nil {
			return nil, err
		}
	}

	p.finish(result)
	return result, nil
}

func (p *Pipeline) section(ctx context.Context, job *models.GenerationJob, subject *models.Subject, s models.TemplateSection, set models.EvidenceSet, prior map[string]float64) (*generator.SectionOutput, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.section",
		attribute.String("job_id", job.ID),
		attribute.String("section_id", s.ID),
	)
	if set == nil {
		set = models.EvidenceSet{}
	}

	out, err := p.generator.GenerateSection(ctx, generator.SectionInput{
		Subject:              *subject,
		Section:              s,
		Evidence:             set,
		Prior:                prior,
		UseExternalGrounding: job.Payload.UseExternalGrounding,
	})
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	report, review := p.validator.Validate(s, out.Result.Fields, set)
	out.Result.Quality = report
	out.Result.NeedsReview = review
	if review {
		p.logger.Warn("section flagged for review", "job_id", job.ID, "section", s.ID, "copy_risk", report.CopyRisk)
	}
	tracing.EndSpan(span, nil)
	return out, nil
}

func (p *Pipeline) finish(result *models.JobResult) {
	for _, s := range result.Sections {
		if s.NeedsReview {
			result.NeedsReview = true
		}
	}
	result.Metadata.FinishedAt = time.Now().UTC()
}
