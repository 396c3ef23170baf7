package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/evidraft/internal/breaker"
	"github.com/raphaelgruber/evidraft/internal/evidence"
	"github.com/raphaelgruber/evidraft/internal/generator"
	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/quality"
	"github.com/raphaelgruber/evidraft/internal/queue"
	"github.com/raphaelgruber/evidraft/internal/records"
)

const validReply = `{"fields": {"summary": "Drafted section with two milestones by June 2026."}, "confidence": 0.8, "evidence_used": ["c-alpha", "c-beta"]}`

// keywordEmbedder points texts mentioning alpha along x, beta along y and
// anything else along z.
type keywordEmbedder struct{}

func (keywordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		switch {
		case strings.Contains(t, "alpha"):
			out[i] = []float32{1, 0, 0}
		case strings.Contains(t, "beta"):
			out[i] = []float32{0, 1, 0}
		default:
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

// scriptedClient answers generation calls through respond and counts them.
type scriptedClient struct {
	mu      sync.Mutex
	calls   int
	respond func(call int) (string, error)
}

func (c *scriptedClient) Generate(_ context.Context, _ models.GenerationRequest) (*models.GenerationResponse, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()

	out, err := c.respond(n)
	if err != nil {
		return nil, err
	}
	return &models.GenerationResponse{
		StructuredOutput: out,
		Usage:            models.UsageMetadata{Model: "test-model", InputTokens: 50, OutputTokens: 10},
	}, nil
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type testEnv struct {
	store   *queue.Store
	records *records.Store
	client  *scriptedClient
	breaker *breaker.Breaker
	worker  *Worker
}

// newTestEnv wires a worker over real stores, an in-memory evidence index
// and a scripted generation client. The "plan" template has sections
// alpha, beta and gamma; only alpha and beta have matching evidence.
func newTestEnv(t *testing.T, threshold uint32) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := queue.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec, err := records.NewStore(store.DB())
	require.NoError(t, err)
	require.NoError(t, rec.PutSubject(ctx, &models.Subject{ID: "acme", DisplayName: "Acme", Facts: map[string]any{"employees": 120}}))
	require.NoError(t, rec.PutTemplate(ctx, &models.Template{
		ID:   "plan",
		Name: "Plan",
		Sections: []models.TemplateSection{
			{ID: "alpha", Title: "alpha goals", Fields: []models.FieldSchema{{Name: "summary", Required: true}}},
			{ID: "beta", Title: "beta risks", Fields: []models.FieldSchema{{Name: "summary", Required: true}}, DependsOn: []string{"alpha"}},
			{ID: "gamma", Title: "gamma outlook", Fields: []models.FieldSchema{{Name: "summary", Required: true}}},
		},
	}))

	idx := evidence.NewMemoryIndex(
		models.EvidenceChunk{ID: "c-alpha", SourceReference: "doc-1", SubjectID: "acme", Text: "Alpha programme launched in 2024.",
			Embedding: []float32{1, 0, 0}, Classification: models.ChunkClassification{DocumentType: "report"}, Quality: models.ChunkQuality{Overall: 0.9}},
		models.EvidenceChunk{ID: "c-beta", SourceReference: "doc-2", SubjectID: "acme", Text: "Beta supplier risk is elevated.",
			Embedding: []float32{0, 1, 0}, Classification: models.ChunkClassification{DocumentType: "report"}, Quality: models.ChunkQuality{Overall: 0.8}},
	)
	strategies := &evidence.StrategySet{
		Default:  models.SectionStrategy{MaxChunks: 4},
		Sections: []models.SectionStrategy{{SectionID: "gamma", DocumentTypes: []string{"forecast"}}},
	}
	collector := evidence.NewCollector(idx, keywordEmbedder{}, strategies, evidence.CollectorConfig{Weights: evidence.DefaultWeights()}, nil, nil)

	client := &scriptedClient{respond: func(int) (string, error) { return validReply, nil }}
	b := breaker.New(breaker.Settings{Name: "test", Threshold: threshold, Cooldown: time.Minute})
	gen := generator.New(client, b, generator.Config{
		Timeout:                 5 * time.Second,
		MaxEvidenceChars:        500,
		MaxContextChars:         10000,
		PhraseCopyLimit:         3,
		NoEvidenceConfidenceCap: 0.3,
	}, nil)

	pipeline := NewPipeline(rec, collector, gen, quality.New(4, 0.15), "test-model", nil)
	w := New(store, pipeline.Processors(), b, Config{
		Owner:             "worker-1",
		PollInterval:      10 * time.Millisecond,
		ClaimTimeout:      time.Minute,
		BackoffInitial:    time.Second,
		BackoffMax:        10 * time.Second,
		BackoffMultiplier: 2,
	}, nil, nil)

	return &testEnv{store: store, records: rec, client: client, breaker: b, worker: w}
}

func (e *testEnv) submit(t *testing.T, job *models.GenerationJob) *models.GenerationJob {
	t.Helper()
	if job.JobType == "" {
		job.JobType = models.JobTypeFullGeneration
	}
	if job.SubjectReference.SubjectID == "" {
		job.SubjectReference = models.SubjectReference{SubjectID: "acme", TemplateID: "plan"}
	}
	job.CreatedBy = "alice"
	require.NoError(t, e.store.Create(context.Background(), job))
	return job
}

func (e *testEnv) get(t *testing.T, id string) *models.GenerationJob {
	t.Helper()
	j, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

var errUnavailable = errors.New("503 service unavailable")

func failing(int) (string, error) { return "", fmt.Errorf("generate: %w", errUnavailable) }
