// Package scoring holds the pure functions that rank observations: importance
// decay, query relevance, and the combined score used both for query ranking
// and for choosing eviction victims.
package scoring

import (
	"math"
	"time"

	"github.com/lazypower/tiermem/internal/memory"
)

// Weights tune CombinedScore.
type Weights struct {
	Importance float64 `yaml:"importance"`
	Relevance  float64 `yaml:"relevance"`
	Recency    float64 `yaml:"recency"`
}

// Policy is a value type; the zero value disables decay and recency.
type Policy struct {
	HotHalfLife   time.Duration
	WarmHalfLife  time.Duration
	RecencyWindow time.Duration
	Weights       Weights
}

// DefaultPolicy: minutes for hot, days for warm.
func DefaultPolicy() Policy {
	return Policy{
		HotHalfLife:   30 * time.Minute,
		WarmHalfLife:  7 * 24 * time.Hour,
		RecencyWindow: time.Hour,
		Weights: Weights{
			Importance: 0.5,
			Relevance:  0.35,
			Recency:    0.15,
		},
	}
}

// Decay returns importance * exp(-age/halfLife). The result lies in
// [0, importance], equals importance at age 0 and never increases with age.
// A non-positive halfLife disables decay.
func Decay(importance float64, age, halfLife time.Duration) float64 {
	importance = memory.ClampImportance(importance)
	if age <= 0 || halfLife <= 0 {
		return importance
	}
	return importance * math.Exp(-float64(age)/float64(halfLife))
}

// HalfLife returns the configured half-life for tier. Cold entries are
// never scored in the interactive path and use the warm half-life.
func (p Policy) HalfLife(tier memory.Tier) time.Duration {
	if tier == memory.TierHot {
		return p.HotHalfLife
	}
	return p.WarmHalfLife
}

// Decay applies the half-life of tier.
func (p Policy) Decay(importance float64, age time.Duration, tier memory.Tier) float64 {
	return Decay(importance, age, p.HalfLife(tier))
}

// RecencyBonus is 1 for a fresh observation and falls towards 0 with age.
func (p Policy) RecencyBonus(age time.Duration) float64 {
	if p.RecencyWindow <= 0 {
		return 0
	}
	if age <= 0 {
		return 1
	}
	return math.Exp(-float64(age) / float64(p.RecencyWindow))
}

// CombinedScore is the weighted sum of its inputs.
func (p Policy) CombinedScore(decayed, relevance, recency float64) float64 {
	w := p.Weights
	return w.Importance*decayed + w.Relevance*relevance + w.Recency*recency
}

// Score computes the combined score of o at now and records the derived
// decayed importance on it.
func (p Policy) Score(o *memory.Observation, relevance float64, now time.Time) float64 {
	age := o.Age(now)
	o.DecayedImportance = p.Decay(o.Importance, age, o.Tier)
	o.LastScoredAt = now
	return p.CombinedScore(o.DecayedImportance, relevance, p.RecencyBonus(age))
}

// Query is the prepared form of a prompt.
type Query struct {
	Terms  []string
	Vector []float32
}

// NewQuery tokenizes text; vec may be nil when no embedder answered.
func NewQuery(text string, vec []float32) Query {
	return Query{Terms: Tokenize(text), Vector: vec}
}

// Relevance scores o against q in [0,1]. Cosine similarity is used when both
// sides carry comparable vectors, keyword overlap otherwise. Missing inputs
// score 0.
func (p Policy) Relevance(q Query, o *memory.Observation) float64 {
	if o == nil {
		return 0
	}
	if len(q.Vector) > 0 && len(o.Embedding) == len(q.Vector) {
		sim := Cosine(q.Vector, o.Embedding)
		if sim < 0 {
			return 0
		}
		if sim > 1 {
			return 1
		}
		return sim
	}
	return KeywordOverlap(q.Terms, o.Text())
}

// KeywordOverlap is the fraction of distinct query terms present in text.
func KeywordOverlap(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, t := range Tokenize(text) {
		have[t] = true
	}
	seen := make(map[string]bool, len(terms))
	hits := 0
	for _, t := range terms {
		if seen[t] {
			continue
		}
		seen[t] = true
		if have[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(seen))
}

// Cosine computes the cosine similarity of two vectors; mismatched or empty
// vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
