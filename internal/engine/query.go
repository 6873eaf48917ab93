package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/lazypower/tiermem/internal/memory"
	"github.com/lazypower/tiermem/internal/scoring"
	"github.com/lazypower/tiermem/internal/warm"
)

// Hit is one ranked observation from either tier.
type Hit struct {
	Observation memory.Observation `json:"observation"`
	Relevance   float64            `json:"relevance"`
	Score       float64            `json:"score"`
}

// Query assembles context for prompt from the hot and warm tiers, highest
// combined score first, without exceeding budget bytes. It also returns the
// ids of the observations that made it into the text.
//
// A slow or failing embedder degrades the query to keyword relevance, and an
// expired ctx returns whatever was gathered in time. Neither is an error.
func (m *Manager) Query(ctx context.Context, prompt string, budget int) (string, []memory.ID, error) {
	hits := m.gather(ctx, prompt, warm.Filter{}, m.opts.WarmLimit, true)
	text, ids := assemble(hits, budget)
	return text, ids, nil
}

// Search ranks observations matching text. Unlike Query, hot entries with
// no relevance to text are left out.
func (m *Manager) Search(ctx context.Context, text string, f warm.Filter, limit int) []Hit {
	if limit <= 0 {
		limit = 10
	}
	hits := m.gather(ctx, text, f, limit, false)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// gather scores hot entries and waits for the warm search only as long as
// ctx allows. Past the deadline the hot hits are returned alone.
func (m *Manager) gather(ctx context.Context, prompt string, f warm.Filter, warmLimit int, allHot bool) []Hit {
	vec := m.embedQuery(ctx, prompt)
	q := scoring.NewQuery(prompt, vec)
	now := m.clock()

	warmc := make(chan []Hit, 1)
	go func() {
		results, err := m.warm.Search(ctx, prompt, vec, f, warmLimit)
		if err != nil {
			m.logger.Warn("warm search failed, using hot results only", "error", err)
			warmc <- nil
			return
		}
		hits := make([]Hit, 0, len(results))
		for _, r := range results {
			hits = append(hits, Hit{Observation: r.Observation, Relevance: r.Relevance, Score: r.Score})
		}
		warmc <- hits
	}()

	var hotHits []Hit
	for _, o := range m.hot.Scan(m.opts.HotScanLimit) {
		if !f.Match(&o) {
			continue
		}
		rel := m.policy.Relevance(q, &o)
		if rel == 0 && !allHot {
			continue
		}
		hotHits = append(hotHits, Hit{Observation: o, Relevance: rel, Score: m.policy.Score(&o, rel, now)})
	}

	var warmHits []Hit
	select {
	case warmHits = <-warmc:
	case <-ctx.Done():
		m.logger.Warn("query deadline passed before warm search finished, using hot results only", "error", ctx.Err())
	}
	return merge(hotHits, warmHits)
}

// embedQuery returns nil when there is no embedder or it does not answer
// within the query timeout.
func (m *Manager) embedQuery(ctx context.Context, prompt string) []float32 {
	if m.embedder == nil || strings.TrimSpace(prompt) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout)
	defer cancel()
	vec, err := m.embedder.Embed(ctx, prompt)
	if err != nil {
		m.logger.Debug("query embedding failed, keyword-only", "error", err)
		return nil
	}
	return vec
}

// merge combines both tiers. An observation caught mid-consolidation may
// appear in both; the better score wins. Ties go to the newer id.
func merge(lists ...[]Hit) []Hit {
	best := make(map[memory.ID]int)
	var out []Hit
	for _, list := range lists {
		for _, h := range list {
			if i, ok := best[h.Observation.ID]; ok {
				if h.Score > out[i].Score {
					out[i] = h
				}
				continue
			}
			best[h.Observation.ID] = len(out)
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Observation.ID > out[j].Observation.ID
	})
	return out
}

// assemble appends one line per hit while the text stays within budget.
// A line that does not fit is skipped so a shorter one further down can
// still use the remaining room.
func assemble(hits []Hit, budget int) (string, []memory.ID) {
	if budget <= 0 {
		return "", nil
	}
	var b strings.Builder
	var ids []memory.ID
	for _, h := range hits {
		line := formatLine(&h.Observation)
		if b.Len()+len(line) > budget {
			continue
		}
		b.WriteString(line)
		ids = append(ids, h.Observation.ID)
	}
	return b.String(), ids
}

var lineFlattener = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func formatLine(o *memory.Observation) string {
	content := lineFlattener.Replace(o.Content)
	if o.Source == "" {
		return "- " + content + "\n"
	}
	return "- [" + o.Source + "] " + content + "\n"
}
