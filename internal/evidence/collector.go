package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/evidraft/internal/metrics"
	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/tracing"
)

// ErrEmbedding wraps failures to embed section queries.
var ErrEmbedding = errors.New("embed evidence queries")

// poolFactor widens each section's candidate pool so cross-section dedup
// can still fill MaxChunks.
const poolFactor = 3

// Embedder turns query texts into vectors in one call.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CollectorConfig tunes retrieval.
type CollectorConfig struct {
	Weights     Weights
	Parallelism int
}

// Collector gathers ranked, deduplicated evidence for template sections.
type Collector struct {
	index      Index
	embedder   Embedder
	strategies *StrategySet
	cfg        CollectorConfig
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
}

// NewCollector wires a collector. A nil strategies set uses the built-in
// default for every section.
func NewCollector(index Index, embedder Embedder, strategies *StrategySet, cfg CollectorConfig, collector *metrics.Collector, logger *slog.Logger) *Collector {
	if strategies == nil {
		strategies = DefaultStrategies(0)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		index:      index,
		embedder:   embedder,
		strategies: strategies,
		cfg:        cfg,
		metrics:    collector,
		logger:     logger,
		now:        time.Now,
	}
}

type assignment struct {
	order int
	item  models.EvidenceItem
}

// assign gives every chunk to at most one section. Candidates are taken in
// rank order across all sections, ties going to the earlier section, and a
// section stops accepting once it holds MaxChunks. A chunk whose best
// section is already full falls through to its next-best section.
func assign(ranked [][]models.EvidenceItem, strategies []models.SectionStrategy) []models.EvidenceSet {
	var all []assignment
	for i, items := range ranked {
		for _, item := range items {
			all = append(all, assignment{order: i, item: item})
		}
	}
	slices.SortStableFunc(all, func(a, b assignment) int {
		switch {
		case a.item.RankScore > b.item.RankScore:
			return -1
		case a.item.RankScore < b.item.RankScore:
			return 1
		case a.order != b.order:
			return a.order - b.order
		}
		return strings.Compare(a.item.Chunk.ID, b.item.Chunk.ID)
	})

	sets := make([]models.EvidenceSet, len(ranked))
	for i := range sets {
		sets[i] = models.EvidenceSet{}
	}
	taken := make(map[string]bool)
	for _, a := range all {
		if taken[a.item.Chunk.ID] {
			continue
		}
		if limit := strategies[a.order].MaxChunks; limit > 0 && len(sets[a.order]) >= limit {
			continue
		}
		taken[a.item.Chunk.ID] = true
		sets[a.order] = append(sets[a.order], a.item)
	}
	return sets
}

// Collect returns one evidence set per section, keyed by section id. Every
// requested section has an entry; sections without matches get an empty set.
// A chunk is assigned to at most one section.
func (c *Collector) Collect(ctx context.Context, sc models.SearchContext, sections []models.TemplateSection) (map[string]models.EvidenceSet, error) {
	ctx, span := tracing.StartSpan(ctx, "evidence.collect",
		attribute.String("subject_id", sc.SubjectID),
		attribute.Int("sections", len(sections)),
	)
	start := time.Now()
	sets, err := c.collect(ctx, sc, sections)
	if c.metrics != nil {
		c.metrics.RecordTiming(metrics.OpEvidenceSearch, time.Since(start))
	}
	tracing.EndSpan(span, err)
	return sets, err
}

func (c *Collector) collect(ctx context.Context, sc models.SearchContext, sections []models.TemplateSection) (map[string]models.EvidenceSet, error) {
	out := make(map[string]models.EvidenceSet, len(sections))
	if len(sections) == 0 {
		return out, nil
	}

	strategies := make([]models.SectionStrategy, len(sections))
	queries := make([]string, len(sections))
	for i, s := range sections {
		strategies[i] = c.strategies.For(s.ID)
		queries[i] = QueryText(sc, s, strategies[i])
	}

	vectors, err := c.embedder.EmbedBatch(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vectors) != len(sections) {
		return nil, fmt.Errorf("%w: got %d vectors for %d sections", ErrEmbedding, len(vectors), len(sections))
	}

	now := c.now()
	ranked := make([][]models.EvidenceItem, len(sections))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i, s := range sections {
		g.Go(func() error {
			items, err := c.retrieve(gctx, sc, s, strategies[i], vectors[i], now)
			if err != nil {
				return fmt.Errorf("retrieve %s: %w", s.ID, err)
			}
			ranked[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sets := assign(ranked, strategies)
	for i, s := range sections {
		out[s.ID] = sets[i]
		c.logger.Debug("evidence collected", "section", s.ID, "candidates", len(ranked[i]), "kept", len(sets[i]))
	}
	return out, nil
}

func (c *Collector) retrieve(ctx context.Context, sc models.SearchContext, section models.TemplateSection, strategy models.SectionStrategy, vector []float32, now time.Time) ([]models.EvidenceItem, error) {
	candidates, err := c.index.Search(ctx, Query{
		Embedding:        vector,
		SubjectID:        sc.SubjectID,
		DocumentTypes:    strategy.DocumentTypes,
		QualityThreshold: strategy.QualityThreshold,
		MaxResults:       strategy.MaxChunks * poolFactor,
	})
	if err != nil {
		return nil, err
	}

	items := make([]models.EvidenceItem, 0, len(candidates))
	for _, cand := range candidates {
		// Backends may apply the threshold approximately.
		cand.Chunk.Quality.DeriveOverall()
		if strategy.QualityThreshold > 0 && cand.Chunk.Quality.Overall < strategy.QualityThreshold {
			continue
		}
		items = append(items, models.EvidenceItem{
			Chunk:      cand.Chunk,
			Similarity: cand.Similarity,
			RankScore:  c.cfg.Weights.Score(cand, section.ID, strategy, now),
			SectionID:  section.ID,
		})
	}

	slices.SortStableFunc(items, func(a, b models.EvidenceItem) int {
		switch {
		case a.RankScore > b.RankScore:
			return -1
		case a.RankScore < b.RankScore:
			return 1
		}
		return strings.Compare(a.Chunk.ID, b.Chunk.ID)
	})
	return items, nil
}

// QueryText builds the retrieval query for a section from its title,
// instructions, field descriptions and the strategy's seed terms.
func QueryText(sc models.SearchContext, section models.TemplateSection, strategy models.SectionStrategy) string {
	parts := []string{}
	if sc.SubjectName != "" {
		parts = append(parts, sc.SubjectName)
	}
	parts = append(parts, section.Title)
	if section.Instructions != "" {
		parts = append(parts, section.Instructions)
	}
	for _, f := range section.Fields {
		if f.Description != "" {
			parts = append(parts, f.Description)
		}
	}
	parts = append(parts, strategy.SeedTerms...)
	return strings.Join(parts, "\n")
}
