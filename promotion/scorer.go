package promotion

import (
	"math"
	"strings"
	"time"

	"github.com/hupe1980/memtier/model"
)

// Weights balance the three signals of the composite score.
type Weights struct {
	Recency    float64
	Frequency  float64
	Importance float64
}

// Scorer computes a composite relevance score in (0, 1).
//
// The raw score is a weighted sum of
//
//	recency    exp(-age_days / τ)
//	frequency  log(1+n) / log(1+cap)
//	importance the record's hint, or DefaultImportance
//
// squashed by a logistic curve centred on Midpoint.
type Scorer struct {
	Weights Weights
	// RecencyTau is the decay constant τ of the recency signal.
	RecencyTau time.Duration
	// FrequencyCap is the access count at which frequency saturates.
	FrequencyCap uint64
	// DefaultImportance is used when a record has no hint.
	DefaultImportance float64
	Steepness         float64
	Midpoint          float64
}

// DefaultScorer returns the stock scorer.
func DefaultScorer() Scorer {
	return Scorer{
		Weights:           Weights{Recency: 0.2, Frequency: 0.5, Importance: 0.3},
		RecencyTau:        7 * 24 * time.Hour,
		FrequencyCap:      100,
		DefaultImportance: 0.5,
		Steepness:         6,
		Midpoint:          0.5,
	}
}

// Score returns the composite score of rec at now. It is non-decreasing in
// the access count and in the importance hint.
func (s Scorer) Score(rec *model.Record, now time.Time) float64 {
	ageDays := max(now.Sub(rec.LastAccessedAt).Hours()/24, 0)
	tauDays := s.RecencyTau.Hours() / 24
	recency := 0.0
	if tauDays > 0 {
		recency = math.Exp(-ageDays / tauDays)
	}

	frequency := 0.0
	if s.FrequencyCap > 0 {
		n := min(rec.AccessCount, s.FrequencyCap)
		frequency = math.Log1p(float64(n)) / math.Log1p(float64(s.FrequencyCap))
	}

	importance := s.DefaultImportance
	if rec.HasScoreHint() {
		importance = min(rec.ScoreHint, 1)
	}

	w := s.Weights
	total := w.Recency + w.Frequency + w.Importance
	if total <= 0 {
		return 0
	}
	raw := (w.Recency*recency + w.Frequency*frequency + w.Importance*importance) / total
	return 1 / (1 + math.Exp(-s.Steepness*(raw-s.Midpoint)))
}

var keywordWeights = []struct {
	word   string
	weight float64
}{
	{"critical", 0.9},
	{"error", 0.9},
	{"important", 0.8},
	{"warning", 0.7},
	{"info", 0.5},
}

// KeywordImportance derives an importance hint from well-known keywords in
// text. It returns the highest matching weight, or false when none match.
func KeywordImportance(text string) (float64, bool) {
	lower := strings.ToLower(text)
	best, found := 0.0, false
	for _, kw := range keywordWeights {
		if kw.weight > best && strings.Contains(lower, kw.word) {
			best, found = kw.weight, true
		}
	}
	return best, found
}
