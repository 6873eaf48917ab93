package warm

import (
	"sort"

	"github.com/lazypower/tiermem/internal/memory"
)

// DefaultRRFK dampens the gap between neighbouring ranks.
const DefaultRRFK = 60

// Fused is one candidate after Reciprocal Rank Fusion.
type Fused struct {
	ID    memory.ID
	Score float64
	// Ranks holds the 1-based rank in each input list, 0 when absent.
	Ranks []int
}

// Fuse merges ranked id lists: every candidate scores sum(w/(k+rank)) over
// the lists it appears in. A missing weight counts as 1 and a non-positive
// k falls back to DefaultRRFK. Within a list only the first occurrence of an
// id counts. Ties break on id so the result is deterministic.
func Fuse(lists [][]memory.ID, weights []float64, k float64) []Fused {
	if k <= 0 {
		k = DefaultRRFK
	}
	byID := make(map[memory.ID]*Fused)
	var order []*Fused
	for li, list := range lists {
		w := 1.0
		if li < len(weights) {
			w = weights[li]
		}
		for pos, id := range list {
			f, ok := byID[id]
			if !ok {
				f = &Fused{ID: id, Ranks: make([]int, len(lists))}
				byID[id] = f
				order = append(order, f)
			}
			if f.Ranks[li] != 0 {
				continue
			}
			rank := pos + 1
			f.Ranks[li] = rank
			f.Score += w / (k + float64(rank))
		}
	}

	out := make([]Fused, len(order))
	for i, f := range order {
		out[i] = *f
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// maxFused is the score of a candidate ranked first in every active list.
func maxFused(weights []float64, active []bool, k float64) float64 {
	if k <= 0 {
		k = DefaultRRFK
	}
	total := 0.0
	for i, on := range active {
		if !on {
			continue
		}
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		total += w / (k + 1)
	}
	return total
}
