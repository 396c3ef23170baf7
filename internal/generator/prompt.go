package generator

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/raphaelgruber/evidraft/internal/models"
)

const referenceNotice = "Reference material for grounding only. It is not text to copy: paraphrase, synthesize and attribute by chunk id."

const noEvidenceNotice = "No evidence was found for this section. Write cautiously from the subject facts and report low confidence."

func systemInstructions(phraseCopyLimit int, external bool) string {
	grounding := "Use ONLY the subject facts and reference material in the context. Do not add outside knowledge."
	if external {
		grounding = "Prefer the subject facts and reference material. Where they are silent you may draw on general domain knowledge, and lower your confidence accordingly."
	}

	return fmt.Sprintf(`You are a drafting assistant. Fill in one section of a structured document.
- %s
- Never reuse more than %d consecutive words from the reference material verbatim.
- Fill every field of the section. Measurable fields need quantities, dates or explicit criteria.
- "confidence" is your confidence in the section between 0 and 1.
- "evidence_used" lists the ids of the reference chunks you relied on.
- Respond with a single JSON object and nothing else.`, grounding, phraseCopyLimit)
}

const strictFormatInstruction = `
Your previous reply could not be parsed. Reply with exactly one JSON object of the form
{"fields": {"<field name>": "<text>"}, "confidence": <number between 0 and 1>, "evidence_used": ["<chunk id>"]}
with no prose, no markdown and no code fences.`

type promptSubject struct {
	ID    string         `json:"id"`
	Name  string         `json:"name,omitempty"`
	Facts map[string]any `json:"facts,omitempty"`
}

type promptField struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Measurable  bool   `json:"measurable"`
}

type promptSection struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Instructions string        `json:"instructions,omitempty"`
	Fields       []promptField `json:"fields"`
}

type promptChunk struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

type promptReference struct {
	Notice string        `json:"notice"`
	Items  []promptChunk `json:"items"`
}

type promptDependency struct {
	SectionID  string  `json:"section_id"`
	Confidence float64 `json:"confidence"`
}

type promptContext struct {
	Subject           promptSubject      `json:"subject"`
	Section           promptSection      `json:"section"`
	ReferenceMaterial *promptReference   `json:"reference_material,omitempty"`
	NoEvidence        string             `json:"no_evidence,omitempty"`
	Dependencies      []promptDependency `json:"dependencies,omitempty"`
	ExternalGrounding bool               `json:"external_grounding"`
}

// buildContext renders the structured context for one section. Each chunk
// text is cut to maxEvidence characters and trailing chunks are dropped
// until the whole context fits maxContext. Returns the ids of the chunks
// that made it into the context.
func buildContext(in SectionInput, maxEvidence, maxContext int) (json.RawMessage, []string, error) {
	pc := promptContext{
		Subject: promptSubject{ID: in.Subject.ID, Name: in.Subject.DisplayName, Facts: in.Subject.Facts},
		Section: promptSection{
			ID:           in.Section.ID,
			Title:        in.Section.Title,
			Instructions: in.Section.Instructions,
		},
		ExternalGrounding: in.UseExternalGrounding,
	}
	for _, f := range in.Section.Fields {
		pc.Section.Fields = append(pc.Section.Fields, promptField(f))
	}
	for _, dep := range in.Section.DependsOn {
		if conf, ok := in.Prior[dep]; ok {
			pc.Dependencies = append(pc.Dependencies, promptDependency{SectionID: dep, Confidence: conf})
		}
	}

	items := make([]promptChunk, 0, len(in.Evidence))
	for _, e := range in.Evidence {
		items = append(items, promptChunk{
			ID:     e.Chunk.ID,
			Source: e.Chunk.SourceReference,
			Text:   truncate(e.Chunk.Text, maxEvidence),
		})
	}

	for {
		if len(items) > 0 {
			pc.ReferenceMaterial = &promptReference{Notice: referenceNotice, Items: items}
			pc.NoEvidence = ""
		} else {
			pc.ReferenceMaterial = nil
			pc.NoEvidence = noEvidenceNotice
		}

		data, err := json.Marshal(pc)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal context: %w", err)
		}
		if maxContext <= 0 || utf8.RuneCount(data) <= maxContext || len(items) == 0 {
			ids := make([]string, len(items))
			for i, it := range items {
				ids[i] = it.ID
			}
			return data, ids, nil
		}
		items = items[:len(items)-1]
	}
}

// outputSchema describes the expected reply for a section.
func outputSchema(section models.TemplateSection) (json.RawMessage, error) {
	props := make(map[string]any, len(section.Fields))
	required := []string{}
	for _, f := range section.Fields {
		props[f.Name] = map[string]any{"type": "string", "description": f.Description}
		if f.Required {
			required = append(required, f.Name)
		}
	}

	schema := map[string]any{
		"type":     "object",
		"required": []string{"fields", "confidence", "evidence_used"},
		"properties": map[string]any{
			"fields": map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
			"confidence":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"evidence_used": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
