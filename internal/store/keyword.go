package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/lazypower/tiermem/internal/memory"
	"github.com/lazypower/tiermem/internal/scoring"
)

// KeywordHit is one full-text match. Higher Score is better.
type KeywordHit struct {
	ID    memory.ID
	Score float64
}

// sanitizeFTS turns free text into an FTS5 query: each token is quoted so
// punctuation and operators in the prompt can't break the MATCH syntax, and
// tokens are OR-joined so any term can match.
func sanitizeFTS(query string) string {
	terms := scoring.Tokenize(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// KeywordSearch ranks observations by BM25 against query. An empty or
// all-punctuation query matches nothing.
func (db *DB) KeywordSearch(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	match := sanitizeFTS(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	// bm25() is negative with more negative = better, so negate it.
	rows, err := db.QueryContext(ctx, `
		SELECT o.id, -observations_fts.rank AS score
		FROM observations_fts
		JOIN observations o ON o.seq = observations_fts.rowid
		WHERE observations_fts MATCH ?
		ORDER BY observations_fts.rank
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		var id string
		if err := rows.Scan(&id, &h.Score); err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		h.ID = memory.ID(id)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
