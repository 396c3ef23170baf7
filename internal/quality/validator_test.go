package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/raphaelgruber/evidraft/internal/models"
)

func evidence(texts ...string) models.EvidenceSet {
	set := models.EvidenceSet{}
	for i, t := range texts {
		set = append(set, models.EvidenceItem{Chunk: models.EvidenceChunk{ID: string(rune('a' + i)), Text: t}})
	}
	return set
}

func TestCopyRisk(t *testing.T) {
	v := New(4, 0.15)
	source := "The company reduced its carbon emissions by twelve percent in 2024."

	tests := []struct {
		name     string
		fields   map[string]string
		evidence models.EvidenceSet
		want     float64
	}{
		{
			name:     "no evidence",
			fields:   map[string]string{"summary": "the company reduced its carbon emissions"},
			evidence: models.EvidenceSet{},
			want:     0,
		},
		{
			name:     "verbatim copy ignores case and punctuation",
			fields:   map[string]string{"summary": "THE COMPANY, reduced its carbon emissions!"},
			evidence: evidence(source),
			want:     1,
		},
		{
			name:     "paraphrase",
			fields:   map[string]string{"summary": "Emissions fell sharply after the plant was modernised last year."},
			evidence: evidence(source),
			want:     0,
		},
		{
			name: "partial copy",
			// n-grams: "reduced its carbon emissions" copied; the other two are not
			fields:   map[string]string{"summary": "reduced its carbon emissions sharply overall"},
			evidence: evidence(source),
			want:     1.0 / 3.0,
		},
		{
			name:     "text shorter than n",
			fields:   map[string]string{"summary": "the company"},
			evidence: evidence(source),
			want:     0,
		},
		{
			name:     "n-grams do not span fields",
			fields:   map[string]string{"a": "the company reduced", "b": "its carbon emissions"},
			evidence: evidence(source),
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, v.CopyRisk(tt.fields, tt.evidence), 1e-9)
		})
	}
}

func TestCompleteness(t *testing.T) {
	section := models.TemplateSection{
		ID: "goals",
		Fields: []models.FieldSchema{
			{Name: "objective", Required: true},
			{Name: "owner", Required: true},
			{Name: "notes"},
		},
	}

	tests := []struct {
		name    string
		section models.TemplateSection
		fields  map[string]string
		want    float64
	}{
		{"all present", section, map[string]string{"objective": "x", "owner": "y"}, 1},
		{"one blank", section, map[string]string{"objective": "x", "owner": "   "}, 0.5},
		{"none", section, map[string]string{"notes": "n"}, 0},
		{"no required fields", models.TemplateSection{Fields: []models.FieldSchema{{Name: "notes"}}}, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Completeness(tt.section, tt.fields), 1e-9)
		})
	}
}

func TestMeasurability(t *testing.T) {
	section := models.TemplateSection{
		Fields: []models.FieldSchema{{Name: "target", Measurable: true}},
	}

	tests := []struct {
		text string
		want float64
	}{
		{"Reduce churn to 5%", 1},
		{"Ship the migration by the end of Q3", 1},
		{"Complete onboarding before March", 1},
		{"At least two reviewers approve each change", 1},
		{"Improve the marketing story", 0},
		{"Be better", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.InDelta(t, tt.want, Measurability(section, map[string]string{"target": tt.text}), 1e-9)
		})
	}

	assert.InDelta(t, 1.0, Measurability(models.TemplateSection{Fields: []models.FieldSchema{{Name: "x"}}}, nil), 1e-9)
}

func TestValidate_CopyRiskCeilingFlagsReview(t *testing.T) {
	v := New(4, 0.15)
	section := models.TemplateSection{
		ID:     "summary",
		Fields: []models.FieldSchema{{Name: "text", Required: true}},
	}
	ev := evidence("Revenue grew steadily across every region during the fiscal year.")

	report, review := v.Validate(section, map[string]string{"text": "Revenue grew steadily across every region during the fiscal year."}, ev)
	assert.True(t, review)
	assert.Contains(t, report.Flags, FlagCopyRisk)
	assert.InDelta(t, 1.0, report.Completeness, 1e-9)

	report, review = v.Validate(section, map[string]string{"text": "Sales expanded in all markets over the period."}, ev)
	assert.False(t, review)
	assert.Empty(t, report.Flags)
}

func TestValidate_IncompleteDoesNotForceReview(t *testing.T) {
	v := New(6, 0.15)
	section := models.TemplateSection{
		Fields: []models.FieldSchema{{Name: "text", Required: true}, {Name: "kpi", Measurable: true}},
	}

	report, review := v.Validate(section, map[string]string{"kpi": "improve things"}, models.EvidenceSet{})
	assert.False(t, review)
	assert.ElementsMatch(t, []string{FlagIncomplete, FlagNotMeasurable}, report.Flags)
}

func TestNew_ClampsNGramSize(t *testing.T) {
	assert.Equal(t, MinNGramSize, New(2, 0.1).ngram)
	assert.Equal(t, defaultNGramSize, New(0, 0.1).ngram)
	assert.Equal(t, 8, New(8, 0.1).ngram)
}

func TestNew_CopyRiskCeiling(t *testing.T) {
	assert.Equal(t, defaultCopyCeiling, New(6, -1).ceiling)
	assert.Zero(t, New(6, 0).ceiling)

	v := New(4, 0)
	section := models.TemplateSection{Fields: []models.FieldSchema{{Name: "text"}}}
	ev := evidence("Revenue grew steadily across every region during the fiscal year.")

	report, review := v.Validate(section, map[string]string{"text": "Overall, revenue grew steadily across every market this year, helped by new stores and pricing."}, ev)
	assert.Positive(t, report.CopyRisk)
	assert.True(t, review, "zero ceiling flags any copied n-gram")

	_, review = v.Validate(section, map[string]string{"text": "Sales expanded in all markets over the period."}, ev)
	assert.False(t, review)
}
