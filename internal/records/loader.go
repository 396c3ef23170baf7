package records

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/evidraft/internal/models"
)

// SeedFile is the YAML layout accepted by LoadFile.
type SeedFile struct {
	Subjects  []models.Subject  `yaml:"subjects"`
	Templates []models.Template `yaml:"templates"`
}

// LoadResult counts what LoadFile stored.
type LoadResult struct {
	Subjects  int
	Templates int
}

// LoadFile reads subjects and templates from a YAML file and upserts them.
// Templates are validated; the first invalid one aborts the load.
func (s *Store) LoadFile(ctx context.Context, path string) (LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("read %s: %w", path, err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return LoadResult{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var res LoadResult
	for i := range seed.Templates {
		if err := s.PutTemplate(ctx, &seed.Templates[i]); err != nil {
			return res, fmt.Errorf("template %d: %w", i, err)
		}
		res.Templates++
	}
	for i := range seed.Subjects {
		if err := s.PutSubject(ctx, &seed.Subjects[i]); err != nil {
			return res, fmt.Errorf("subject %d: %w", i, err)
		}
		res.Subjects++
	}
	return res, nil
}
