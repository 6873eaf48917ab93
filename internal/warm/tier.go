// Package warm is the persistent, searchable tier. Observations consolidated
// from the hot tier are stored in SQLite with a full-text index and an
// embedding, and searched by fusing keyword and vector rankings.
package warm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/tiermem/internal/embed"
	"github.com/lazypower/tiermem/internal/memory"
	"github.com/lazypower/tiermem/internal/scoring"
	"github.com/lazypower/tiermem/internal/store"
)

// Config tunes the warm tier.
type Config struct {
	// Capacity is the number of live observations kept; 0 means unbounded.
	Capacity      int
	RRFK          float64
	KeywordWeight float64
	VectorWeight  float64
	// EmbedTimeout bounds a single embedding call during consolidation.
	EmbedTimeout time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Capacity:      5000,
		RRFK:          DefaultRRFK,
		KeywordWeight: 1,
		VectorWeight:  1,
		EmbedTimeout:  10 * time.Second,
	}
}

// Filter narrows a search. Zero fields match everything.
type Filter struct {
	Sources  []string
	Since    time.Time
	Until    time.Time
	Metadata map[string]string
}

// Match reports whether o passes the filter.
func (f Filter) Match(o *memory.Observation) bool {
	if len(f.Sources) > 0 {
		ok := false
		for _, s := range f.Sources {
			if s == o.Source {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.Since.IsZero() && o.CapturedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && o.CapturedAt.After(f.Until) {
		return false
	}
	for k, v := range f.Metadata {
		if o.Metadata.Get(k) != v {
			return false
		}
	}
	return true
}

// Result is one ranked search hit.
type Result struct {
	Observation memory.Observation
	// Fused is the raw reciprocal-rank score.
	Fused float64
	// Relevance is Fused scaled into [0,1].
	Relevance float64
	Score     float64
}

// Eviction records one evicted observation and its score at eviction time.
type Eviction struct {
	ID    memory.ID
	Score float64
}

// Tier is the warm tier.
type Tier struct {
	db       *store.DB
	embedder embed.Embedder
	policy   scoring.Policy
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time

	// mu orders mutations of the record store and vector index against
	// searches, so a search sees both facets before or after a change.
	mu    sync.RWMutex
	index *Index
}

// New opens the warm tier over db and loads the vector index. embedder may
// be nil, in which case the tier is keyword-only.
func New(ctx context.Context, db *store.DB, embedder embed.Embedder, policy scoring.Policy, cfg Config, logger *slog.Logger) (*Tier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	w := &Tier{
		db:       db,
		embedder: embedder,
		policy:   policy,
		cfg:      cfg,
		logger:   logger.With("tier", "warm"),
		clock:    time.Now,
	}
	if err := w.Rebuild(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// SetClock replaces the time source used for scoring.
func (w *Tier) SetClock(now func() time.Time) { w.clock = now }

func (w *Tier) model() string {
	if w.embedder == nil {
		return ""
	}
	return w.embedder.Model()
}

// Rebuild reloads the vector index from stored embeddings produced by the
// current embedder model.
func (w *Tier) Rebuild(ctx context.Context) error {
	idx, err := NewIndex()
	if err != nil {
		return err
	}
	vectors, err := w.db.AllVectors()
	if err != nil {
		return fmt.Errorf("load vectors: %w", err)
	}
	model := w.model()
	loaded, skipped := 0, 0
	for _, v := range vectors {
		if model != "" && v.Model != model {
			skipped++
			continue
		}
		if err := idx.Add(ctx, v.ID, v.Embedding, ""); err != nil {
			skipped++
			continue
		}
		loaded++
	}

	w.mu.Lock()
	w.index = idx
	w.mu.Unlock()
	if skipped > 0 {
		w.logger.Info("vector index rebuilt", "loaded", loaded, "skipped", skipped)
	}
	return nil
}

func (w *Tier) embed(ctx context.Context, text string) ([]float32, error) {
	if w.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.EmbedTimeout)
		defer cancel()
	}
	return w.embedder.Embed(ctx, text)
}

// Consolidate stores o in the warm tier, embedding it first when possible.
// A failed embedding does not fail consolidation: the record is stored
// without a vector and picked up later by RetryEmbeddings. Consolidating an
// id twice updates the existing record.
func (w *Tier) Consolidate(ctx context.Context, o memory.Observation) error {
	o = o.Clone()
	if err := o.Advance(memory.TierWarm); err != nil {
		return err
	}
	o.Unpersisted = false

	if len(o.Embedding) == 0 && w.embedder != nil {
		vec, err := w.embed(ctx, o.Text())
		if err != nil {
			w.logger.Warn("embedding failed, storing keyword-only", "id", o.ID, "error", err)
		} else {
			o.Embedding = vec
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.db.SaveObservation(&o, w.model()); err != nil {
		return fmt.Errorf("consolidate %s: %w", o.ID, err)
	}
	if len(o.Embedding) > 0 {
		if err := w.index.Add(ctx, o.ID, o.Embedding, o.Content); err != nil {
			w.logger.Warn("vector index add failed", "id", o.ID, "error", err)
		}
	}
	return nil
}

// Search runs a keyword lookup and, when queryVec is usable, a vector
// lookup, fuses both rankings and orders the fused candidates by combined
// score. Filters apply to both rankings before fusion.
func (w *Tier) Search(ctx context.Context, queryText string, queryVec []float32, f Filter, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	candidates := limit * 4
	if candidates < 20 {
		candidates = 20
	}

	w.mu.RLock()
	// The two rankings touch different stores and run side by side.
	var kw []store.KeywordHit
	var vecHits []VectorHit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		kw, err = w.db.KeywordSearch(gctx, queryText, candidates)
		return err
	})
	g.Go(func() error {
		var err error
		vecHits, err = w.index.Query(gctx, queryVec, candidates)
		return err
	})
	if err := g.Wait(); err != nil {
		w.mu.RUnlock()
		return nil, err
	}
	useVector := len(queryVec) > 0 && !embed.IsZero(queryVec) && len(queryVec) == w.index.Dims()

	ids := make([]memory.ID, 0, len(kw)+len(vecHits))
	for _, h := range kw {
		ids = append(ids, h.ID)
	}
	for _, h := range vecHits {
		ids = append(ids, h.ID)
	}
	records, err := w.db.GetObservations(ctx, ids)
	w.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	keep := func(id memory.ID) bool {
		o, ok := records[id]
		return ok && f.Match(&o)
	}
	var kwIDs, vecIDs []memory.ID
	for _, h := range kw {
		if keep(h.ID) {
			kwIDs = append(kwIDs, h.ID)
		}
	}
	for _, h := range vecHits {
		if keep(h.ID) {
			vecIDs = append(vecIDs, h.ID)
		}
	}

	weights := []float64{w.cfg.KeywordWeight, w.cfg.VectorWeight}
	fused := Fuse([][]memory.ID{kwIDs, vecIDs}, weights, w.cfg.RRFK)
	norm := maxFused(weights, []bool{len(queryText) > 0, useVector}, w.cfg.RRFK)

	now := w.clock()
	results := make([]Result, 0, len(fused))
	for _, c := range fused {
		o := records[c.ID]
		rel := 0.0
		if norm > 0 {
			rel = c.Score / norm
		}
		if rel > 1 {
			rel = 1
		}
		r := Result{Observation: o, Fused: c.Score, Relevance: rel}
		r.Score = w.policy.Score(&r.Observation, rel, now)
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Observation.ID > results[j].Observation.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Evict removes the n observations with the lowest combined score at now.
// Relevance is taken as 0 since no query is involved. Ties evict the older
// observation first.
func (w *Tier) Evict(ctx context.Context, n int, now time.Time) ([]Eviction, error) {
	if n <= 0 {
		return nil, nil
	}
	all, err := w.db.ListObservations(ctx, store.ListOptions{})
	if err != nil {
		return nil, err
	}
	scored := make([]Eviction, len(all))
	for i := range all {
		scored[i] = Eviction{ID: all[i].ID, Score: w.policy.Score(&all[i], 0, now)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score < scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if n > len(scored) {
		n = len(scored)
	}
	victims := scored[:n]
	ids := make([]memory.ID, n)
	for i, v := range victims {
		ids[i] = v.ID
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.db.DeleteObservations(ctx, ids); err != nil {
		return nil, err
	}
	// The records are gone; the index must follow even if ctx expires now.
	if err := w.index.Delete(context.WithoutCancel(ctx), ids...); err != nil {
		w.logger.Warn("vector index delete failed", "count", len(ids), "error", err)
	}
	return victims, nil
}

// Overflow returns how many observations exceed the configured capacity.
func (w *Tier) Overflow() (int, error) {
	if w.cfg.Capacity <= 0 {
		return 0, nil
	}
	count, err := w.db.CountObservations()
	if err != nil {
		return 0, err
	}
	if count <= w.cfg.Capacity {
		return 0, nil
	}
	return count - w.cfg.Capacity, nil
}

// RetryEmbeddings embeds up to limit records stored without a vector from
// the current model. It stops early once the embedder reports itself
// unavailable.
func (w *Tier) RetryEmbeddings(ctx context.Context, limit int) (int, error) {
	if w.embedder == nil {
		return 0, nil
	}
	pending, err := w.db.MissingEmbeddings(w.model(), limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, o := range pending {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		vec, err := w.embed(ctx, o.Text())
		if err != nil {
			if errors.Is(err, embed.ErrUnavailable) {
				return done, err
			}
			w.logger.Debug("embedding retry failed", "id", o.ID, "error", err)
			continue
		}

		w.mu.Lock()
		err = w.db.SaveVector(o.ID, vec, w.model())
		if err == nil {
			if ierr := w.index.Add(ctx, o.ID, vec, o.Content); ierr != nil {
				w.logger.Warn("vector index add failed", "id", o.ID, "error", ierr)
			}
		}
		w.mu.Unlock()
		if err != nil {
			// evicted since it was listed
			w.logger.Debug("embedding retry save failed", "id", o.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

// Recent lists stored observations newest first.
func (w *Tier) Recent(opts store.ListOptions) ([]memory.Observation, error) {
	return w.db.ListObservations(context.Background(), opts)
}

// Get returns one stored observation, or nil.
func (w *Tier) Get(id memory.ID) (*memory.Observation, error) {
	return w.db.GetObservation(id)
}

// Stats summarizes the tier.
type Stats struct {
	Observations int    `json:"observations"`
	Vectors      int    `json:"vectors"`
	Indexed      int    `json:"indexed"`
	Dimensions   int    `json:"dimensions"`
	Model        string `json:"model"`
	SizeBytes    int64  `json:"size_bytes"`
}

// Stats reports counts for the record store and the vector index.
func (w *Tier) Stats() (Stats, error) {
	obs, err := w.db.CountObservations()
	if err != nil {
		return Stats{}, err
	}
	vecs, err := w.db.CountVectors()
	if err != nil {
		return Stats{}, err
	}
	w.mu.RLock()
	idx := w.index
	w.mu.RUnlock()
	return Stats{
		Observations: obs,
		Vectors:      vecs,
		Indexed:      idx.Len(),
		Dimensions:   idx.Dims(),
		Model:        w.model(),
		SizeBytes:    w.db.FileSize(),
	}, nil
}

// Ping checks the record store connection.
func (w *Tier) Ping() error {
	return w.db.Ping()
}
