// Package quality scores generated sections for completeness,
// measurability and verbatim reuse of evidence text.
package quality

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/raphaelgruber/evidraft/internal/models"
)

// Flags recorded on a section's QualityReport.
const (
	FlagCopyRisk      = "copy_risk_exceeded"
	FlagIncomplete    = "missing_required_fields"
	FlagNotMeasurable = "unmeasurable_fields"
)

// MinNGramSize is the smallest n-gram used for copy detection.
const MinNGramSize = 4

const (
	defaultNGramSize   = 6
	defaultCopyCeiling = 0.15
)

// measurable matches quantified, dated or criterion-bearing language.
var measurable = regexp.MustCompile(`(?i)(\d` +
	`|\b(january|february|march|april|june|july|august|september|october|november|december|jan|feb|apr|jun|jul|aug|sep|sept|oct|nov|dec)\b` +
	`|\bq[1-4]\b` +
	`|\b(percent|per cent|per|each|every|daily|weekly|monthly|quarterly|annually|yearly)\b` +
	`|\b(at least|at most|no more than|no less than|no later than|within|by the end of|before|until|deadline)\b` +
	`|\b(target|threshold|minimum|maximum|baseline|kpi|metric|measured by|criteria|criterion)\b` +
	`|\b(one|two|three|four|five|six|seven|eight|nine|ten|twelve|twenty|hundred|thousand|million|half|double|triple)\b)`)

// Validator scores sections. The zero value is not usable; call New.
type Validator struct {
	ngram   int
	ceiling float64
}

// New creates a validator. ngramSize below MinNGramSize is raised to it. A
// negative ceiling selects the default; zero flags any copied n-gram.
func New(ngramSize int, copyRiskCeiling float64) *Validator {
	if ngramSize <= 0 {
		ngramSize = defaultNGramSize
	}
	if ngramSize < MinNGramSize {
		ngramSize = MinNGramSize
	}
	if copyRiskCeiling < 0 {
		copyRiskCeiling = defaultCopyCeiling
	}
	return &Validator{ngram: ngramSize, ceiling: copyRiskCeiling}
}

// Validate scores the generated fields of one section against its schema and
// the evidence it was given. needsReview is true when copy risk exceeds the
// ceiling; other flags are informational.
func (v *Validator) Validate(section models.TemplateSection, fields map[string]string, evidence models.EvidenceSet) (report models.QualityReport, needsReview bool) {
	report.CopyRisk = v.CopyRisk(fields, evidence)
	report.Completeness = Completeness(section, fields)
	report.Measurability = Measurability(section, fields)

	if report.CopyRisk > v.ceiling {
		report.Flags = append(report.Flags, FlagCopyRisk)
		needsReview = true
	}
	if report.Completeness < 1 {
		report.Flags = append(report.Flags, FlagIncomplete)
	}
	if report.Measurability < 1 {
		report.Flags = append(report.Flags, FlagNotMeasurable)
	}
	return report, needsReview
}

// CopyRisk returns the fraction of generated word n-grams that appear
// verbatim in any evidence text. N-grams do not span field boundaries.
func (v *Validator) CopyRisk(fields map[string]string, evidence models.EvidenceSet) float64 {
	if len(evidence) == 0 {
		return 0
	}

	source := make(map[string]struct{})
	for _, item := range evidence {
		for _, g := range ngrams(tokens(item.Chunk.Text), v.ngram) {
			source[g] = struct{}{}
		}
	}
	if len(source) == 0 {
		return 0
	}

	var total, copied int
	for _, text := range fields {
		for _, g := range ngrams(tokens(text), v.ngram) {
			total++
			if _, ok := source[g]; ok {
				copied++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(copied) / float64(total)
}

// Completeness is the fraction of required fields present and non-blank.
// Sections without required fields score 1.
func Completeness(section models.TemplateSection, fields map[string]string) float64 {
	var required, present int
	for _, f := range section.Fields {
		if !f.Required {
			continue
		}
		required++
		if strings.TrimSpace(fields[f.Name]) != "" {
			present++
		}
	}
	if required == 0 {
		return 1
	}
	return float64(present) / float64(required)
}

// Measurability is the fraction of fields marked measurable whose text
// carries quantified, dated or criterion-bearing language. Sections without
// measurable fields score 1.
func Measurability(section models.TemplateSection, fields map[string]string) float64 {
	var marked, ok int
	for _, f := range section.Fields {
		if !f.Measurable {
			continue
		}
		marked++
		if measurable.MatchString(fields[f.Name]) {
			ok++
		}
	}
	if marked == 0 {
		return 1
	}
	return float64(ok) / float64(marked)
}

// tokens lowercases text and splits it into words, dropping punctuation.
func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func ngrams(words []string, n int) []string {
	if len(words) < n {
		return nil
	}
	out := make([]string, 0, len(words)-n+1)
	for i := 0; i+n <= len(words); i++ {
		out = append(out, strings.Join(words[i:i+n], " "))
	}
	return out
}
