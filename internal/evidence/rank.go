package evidence

import (
	"math"
	"time"

	"github.com/raphaelgruber/evidraft/internal/models"
)

// Weights configure the ranking score:
//
//	score = Similarity*sim + Quality*overall + Relevance*section_relevance
//	      + Recency*recency*recency_preference
//
// where recency halves every HalfLife since the chunk's effective date.
type Weights struct {
	Similarity float64
	Quality    float64
	Relevance  float64
	Recency    float64
	HalfLife   time.Duration
}

// DefaultWeights favour similarity and use a one-year recency half-life.
func DefaultWeights() Weights {
	return Weights{Similarity: 0.5, Quality: 0.2, Relevance: 0.2, Recency: 0.1, HalfLife: 365 * 24 * time.Hour}
}

// Score ranks a candidate for one section.
func (w Weights) Score(c Candidate, sectionID string, strategy models.SectionStrategy, now time.Time) float64 {
	score := w.Similarity*c.Similarity +
		w.Quality*c.Chunk.Quality.Overall +
		w.Relevance*c.Chunk.Relevance(sectionID)
	if w.Recency > 0 && strategy.RecencyPreference > 0 {
		score += w.Recency * recency(c.Chunk.Classification.EffectiveDate, now, w.HalfLife) * strategy.RecencyPreference
	}
	return score
}

// recency is 1 for current evidence and decays towards 0 with age.
// Chunks without an effective date score 0.
func recency(effective *time.Time, now time.Time, halfLife time.Duration) float64 {
	if effective == nil || halfLife <= 0 {
		return 0
	}
	age := now.Sub(*effective)
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}
