package models

import (
	"fmt"
)

// FieldSchema describes one output field of a template section.
type FieldSchema struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
	Measurable  bool   `json:"measurable,omitempty" yaml:"measurable"`
}

// TemplateSection is one generated unit of a template.
type TemplateSection struct {
	ID           string        `json:"id" yaml:"id"`
	Title        string        `json:"title" yaml:"title"`
	Instructions string        `json:"instructions,omitempty" yaml:"instructions"`
	Fields       []FieldSchema `json:"fields" yaml:"fields"`

	// DependsOn lists earlier sections whose confidence is passed as context.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`
}

// Template is an ordered set of sections that drives generation.
// Its content structure is opaque configuration.
type Template struct {
	ID       string            `json:"id" yaml:"id"`
	Name     string            `json:"name" yaml:"name"`
	Sections []TemplateSection `json:"sections" yaml:"sections"`
}

// Section returns the section with the given id.
func (t *Template) Section(id string) (TemplateSection, bool) {
	for _, s := range t.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return TemplateSection{}, false
}

// SectionIDs returns section ids in declared order.
func (t *Template) SectionIDs() []string {
	ids := make([]string, 0, len(t.Sections))
	for _, s := range t.Sections {
		ids = append(ids, s.ID)
	}
	return ids
}

// Validate checks that the template can drive generation.
// Dependencies must refer to sections declared earlier.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTemplate)
	}
	if len(t.Sections) == 0 {
		return fmt.Errorf("%w: template %s has no sections", ErrInvalidTemplate, t.ID)
	}

	seen := make(map[string]bool, len(t.Sections))
	for _, s := range t.Sections {
		if s.ID == "" {
			return fmt.Errorf("%w: template %s has a section without id", ErrInvalidTemplate, t.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate section %q", ErrInvalidTemplate, s.ID)
		}
		if len(s.Fields) == 0 {
			return fmt.Errorf("%w: section %q has no fields", ErrInvalidTemplate, s.ID)
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: section %q depends on %q which is not declared before it", ErrInvalidTemplate, s.ID, dep)
			}
		}
		seen[s.ID] = true
	}
	return nil
}

// SelectSections resolves the sections a job generates, in template order.
// An empty selection means every section.
func (t *Template) SelectSections(ids []string) ([]TemplateSection, error) {
	if len(ids) == 0 {
		return t.Sections, nil
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := t.Section(id); !ok {
			return nil, fmt.Errorf("%w: unknown section %q in template %s", ErrInvalidRequest, id, t.ID)
		}
		want[id] = true
	}

	out := make([]TemplateSection, 0, len(want))
	for _, s := range t.Sections {
		if want[s.ID] {
			out = append(out, s)
		}
	}
	return out, nil
}

// Subject is the entity a document is generated about.
type Subject struct {
	ID          string         `json:"id" yaml:"id"`
	DisplayName string         `json:"display_name" yaml:"display_name"`
	Facts       map[string]any `json:"facts,omitempty" yaml:"facts"`
}
