package warm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/lazypower/tiermem/internal/embed"
	"github.com/lazypower/tiermem/internal/memory"
)

const collectionName = "warm"

// ErrDimensionMismatch is returned when a vector's length differs from the
// vectors already in the index.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// VectorHit is one nearest-neighbour match.
type VectorHit struct {
	ID         memory.ID
	Similarity float64
}

// Index is the in-memory vector index over warm embeddings. chromem-go
// performs an exhaustive cosine scan, so top-k results are exact.
type Index struct {
	mu   sync.RWMutex
	db   *chromem.DB
	col  *chromem.Collection
	dims int
}

// NewIndex creates an empty index.
func NewIndex() (*Index, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create vector collection: %w", err)
	}
	return &Index{db: db, col: col}, nil
}

// Add inserts or replaces the vector for id. Zero vectors carry no direction
// and are skipped.
func (x *Index) Add(ctx context.Context, id memory.ID, vec []float32, content string) error {
	if len(vec) == 0 || embed.IsZero(vec) {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.dims != 0 && len(vec) != x.dims {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vec), x.dims)
	}
	if content == "" {
		content = string(id)
	}
	doc := chromem.Document{
		ID:        string(id),
		Embedding: append([]float32(nil), vec...),
		Content:   content,
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index %s: %w", id, err)
	}
	x.dims = len(vec)
	return nil
}

// Query returns up to n ids ranked by cosine similarity to vec. A vector of
// the wrong dimension matches nothing.
func (x *Index) Query(ctx context.Context, vec []float32, n int) ([]VectorHit, error) {
	if len(vec) == 0 || embed.IsZero(vec) || n <= 0 {
		return nil, nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(vec) != x.dims {
		return nil, nil
	}
	// chromem rejects nResults larger than the collection.
	if count := x.col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	results, err := x.col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	hits := make([]VectorHit, len(results))
	for i, r := range results {
		hits[i] = VectorHit{ID: memory.ID(r.ID), Similarity: float64(r.Similarity)}
	}
	return hits, nil
}

// Delete removes ids from the index.
func (x *Index) Delete(ctx context.Context, ids ...memory.ID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = string(id)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.col.Delete(ctx, nil, nil, strs...); err != nil {
		return fmt.Errorf("delete from vector index: %w", err)
	}
	return nil
}

// Len returns the number of indexed vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.col.Count()
}

// Dims returns the dimension of indexed vectors, 0 while empty.
func (x *Index) Dims() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dims
}
