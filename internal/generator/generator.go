// Package generator produces section content from subject facts and ranked
// evidence through the external generation service.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/raphaelgruber/evidraft/internal/breaker"
	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/tracing"
)

// ErrMalformedOutput means the service replied twice with output that could
// not be parsed into a section.
var ErrMalformedOutput = errors.New("malformed generation output")

// Client is the external generation service.
type Client interface {
	Generate(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error)
}

// Config bounds context size and call duration.
type Config struct {
	Timeout                 time.Duration
	MaxEvidenceChars        int
	MaxContextChars         int
	PhraseCopyLimit         int
	NoEvidenceConfidenceCap float64
}

// Generator issues one external call per section.
type Generator struct {
	client  Client
	breaker *breaker.Breaker
	cfg     Config
	logger  *slog.Logger
}

// New creates a generator. Every call goes through b.
func New(client Client, b *breaker.Breaker, cfg Config, logger *slog.Logger) *Generator {
	if cfg.PhraseCopyLimit <= 0 {
		cfg.PhraseCopyLimit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{client: client, breaker: b, cfg: cfg, logger: logger}
}

// SectionInput is everything needed to generate one section.
type SectionInput struct {
	Subject  models.Subject
	Section  models.TemplateSection
	Evidence models.EvidenceSet

	// Prior holds confidence scores of sections generated earlier in the job.
	// Only sections named in Section.DependsOn are passed on.
	Prior map[string]float64

	UseExternalGrounding bool
}

// SectionOutput is a generated section before quality scoring.
type SectionOutput struct {
	Result models.SectionResult
	Usage  models.UsageMetadata
	Calls  int
}

// GenerateSection generates one section. A reply that cannot be parsed is
// retried once with a stricter format instruction.
func (g *Generator) GenerateSection(ctx context.Context, in SectionInput) (*SectionOutput, error) {
	ctx, span := tracing.StartSpan(ctx, "generator.section",
		attribute.String("section_id", in.Section.ID),
		attribute.Int("evidence", len(in.Evidence)),
	)
	out, err := g.generate(ctx, in)
	tracing.EndSpan(span, err)
	return out, err
}

func (g *Generator) generate(ctx context.Context, in SectionInput) (*SectionOutput, error) {
	structured, included, err := buildContext(in, g.cfg.MaxEvidenceChars, g.cfg.MaxContextChars)
	if err != nil {
		return nil, err
	}
	schema, err := outputSchema(in.Section)
	if err != nil {
		return nil, err
	}

	req := models.GenerationRequest{
		SystemInstructions: systemInstructions(g.cfg.PhraseCopyLimit, in.UseExternalGrounding),
		StructuredContext:  structured,
		OutputSchema:       schema,
	}

	out := &SectionOutput{}
	var parsed *reply
	for attempt := 0; attempt < 2; attempt++ {
		if attempt == 1 {
			req.SystemInstructions += strictFormatInstruction
		}

		resp, err := g.call(ctx, req)
		out.Calls++
		if err != nil {
			return nil, fmt.Errorf("generate section %s: %w", in.Section.ID, err)
		}
		out.Usage.Model = resp.Usage.Model
		out.Usage.InputTokens += resp.Usage.InputTokens
		out.Usage.OutputTokens += resp.Usage.OutputTokens

		parsed, err = parseReply(resp.StructuredOutput)
		if err == nil {
			break
		}
		g.logger.Warn("unparseable generation output", "section", in.Section.ID, "attempt", attempt+1, "error", err)
		if attempt == 1 {
			return nil, fmt.Errorf("generate section %s: %w: %w", in.Section.ID, ErrMalformedOutput, err)
		}
	}

	out.Result = g.assemble(in, included, parsed)
	return out, nil
}

func (g *Generator) call(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error) {
	return breaker.Call(ctx, g.breaker, func(ctx context.Context) (*models.GenerationResponse, error) {
		if g.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
		}
		return g.client.Generate(ctx, req)
	})
}

func (g *Generator) assemble(in SectionInput, included []string, r *reply) models.SectionResult {
	fields := make(map[string]string, len(in.Section.Fields))
	for _, f := range in.Section.Fields {
		if v, ok := r.Fields[f.Name]; ok {
			fields[f.Name] = v
		}
	}

	confidence := min(max(r.Confidence, 0), 1)
	if len(in.Evidence) == 0 {
		confidence = min(confidence, g.cfg.NoEvidenceConfidenceCap)
	}

	// Only chunks the model actually saw can be cited.
	seen := make(map[string]bool, len(included))
	for _, id := range included {
		seen[id] = true
	}
	used := make(map[string]bool, len(r.EvidenceUsed))
	for _, id := range r.EvidenceUsed {
		if seen[id] {
			used[id] = true
		}
	}

	refs := make([]models.EvidenceRef, 0, len(in.Evidence))
	for _, item := range in.Evidence {
		ref := item.Ref()
		ref.Used = used[ref.ChunkID]
		refs = append(refs, ref)
	}

	return models.SectionResult{
		SectionID:       in.Section.ID,
		Title:           in.Section.Title,
		Fields:          fields,
		ConfidenceScore: confidence,
		EvidenceCount:   len(in.Evidence),
		EvidenceRefs:    refs,
	}
}
