package evidence

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/evidraft/internal/models"
)

// StrategySet maps section ids to retrieval strategies. Sections without an
// entry use Default.
type StrategySet struct {
	Default  models.SectionStrategy   `yaml:"default"`
	Sections []models.SectionStrategy `yaml:"sections"`
}

// DefaultStrategies returns a set with only the built-in default.
func DefaultStrategies(maxChunks int) *StrategySet {
	if maxChunks <= 0 {
		maxChunks = 8
	}
	return &StrategySet{Default: models.SectionStrategy{MaxChunks: maxChunks}}
}

// LoadStrategies reads a YAML strategy file. An empty path returns the
// built-in default.
func LoadStrategies(path string, defaultMaxChunks int) (*StrategySet, error) {
	set := DefaultStrategies(defaultMaxChunks)
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies: %w", err)
	}
	if err := yaml.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("parse strategies %s: %w", path, err)
	}
	if set.Default.MaxChunks <= 0 {
		set.Default.MaxChunks = DefaultStrategies(defaultMaxChunks).Default.MaxChunks
	}

	seen := make(map[string]bool, len(set.Sections))
	for _, s := range set.Sections {
		if s.SectionID == "" {
			return nil, fmt.Errorf("parse strategies %s: entry without section_id", path)
		}
		if seen[s.SectionID] {
			return nil, fmt.Errorf("parse strategies %s: duplicate section %q", path, s.SectionID)
		}
		seen[s.SectionID] = true
	}
	return set, nil
}

// For returns the strategy for a section.
func (s *StrategySet) For(sectionID string) models.SectionStrategy {
	for _, st := range s.Sections {
		if st.SectionID == sectionID {
			if st.MaxChunks <= 0 {
				st.MaxChunks = s.Default.MaxChunks
			}
			return st
		}
	}
	st := s.Default
	st.SectionID = sectionID
	return st
}
