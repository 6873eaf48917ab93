package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/lazypower/tiermem/internal/cold"
	"github.com/lazypower/tiermem/internal/config"
	"github.com/lazypower/tiermem/internal/embed"
	"github.com/lazypower/tiermem/internal/hot"
	"github.com/lazypower/tiermem/internal/store"
	"github.com/lazypower/tiermem/internal/warm"
)

// tfidfCorpusLimit caps how many warm records seed the TF-IDF vocabulary.
const tfidfCorpusLimit = 5000

// OptionsFromConfig maps the configuration onto manager options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HotRetention:     cfg.Hot.Retention,
		HotLowWater:      cfg.Hot.LowWater,
		ColdRetention:    cfg.Cold.Retention,
		Interval:         cfg.Maintenance.Interval,
		StepTimeout:      cfg.Maintenance.StepTimeout,
		QueryTimeout:     cfg.Query.EmbedTimeout,
		HotScanLimit:     cfg.Query.HotScan,
		WarmLimit:        cfg.Query.WarmLimit,
		RetryBatch:       cfg.Maintenance.EmbedBatch,
		ConsolidateBatch: cfg.Maintenance.ConsolidateBatch,
	}
}

// Open builds every tier under cfg.Storage.Home and returns a manager that
// owns them. The caller starts maintenance with Start.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Storage.Home, 0755); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}

	db, err := store.Open(cfg.WarmDBPath())
	if err != nil {
		return nil, fmt.Errorf("open warm store: %w", err)
	}

	emb, closeEmb, err := openEmbedder(ctx, cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	cleanup := func() {
		closeEmb()
		db.Close()
	}

	policy := cfg.Policy()
	w, err := warm.New(ctx, db, emb, policy, warm.Config{
		Capacity:      cfg.Warm.Capacity,
		RRFK:          cfg.Warm.RRFK,
		KeywordWeight: cfg.Warm.KeywordWeight,
		VectorWeight:  cfg.Warm.VectorWeight,
		EmbedTimeout:  cfg.Embedder.Timeout,
	}, logger)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("open warm tier: %w", err)
	}

	h, err := hot.Open(cfg.HotLogPath(), cfg.Hot.Capacity, cfg.Storage.SyncWrites, logger)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("open hot tier: %w", err)
	}

	c, err := cold.Open(cfg.ColdDir(), logger)
	if err != nil {
		h.Close()
		cleanup()
		return nil, fmt.Errorf("open cold tier: %w", err)
	}

	m := New(h, w, c, emb, policy, OptionsFromConfig(cfg), logger)
	m.onClose = append(m.onClose,
		func() error { closeEmb(); return nil },
		db.Close,
	)
	return m, nil
}

// openEmbedder picks the embedding provider. "auto" prefers Ollama and
// falls back to TF-IDF over the warm corpus when Ollama does not answer.
// The returned embedder is cached; the func releases the cache.
func openEmbedder(ctx context.Context, cfg *config.Config, db *store.DB, logger *slog.Logger) (embed.Embedder, func(), error) {
	ec := cfg.Embedder
	var inner embed.Embedder

	switch ec.Provider {
	case "none":
		logger.Info("embedder disabled, keyword-only search")
		return nil, func() {}, nil
	case "ollama":
		inner = embed.NewOllama(ec.OllamaURL, ec.Model, ec.Dimensions)
	case "tfidf":
		t, err := newTFIDF(ctx, db, ec.TFIDFTerms)
		if err != nil {
			return nil, nil, err
		}
		inner = t
	default:
		if embed.OllamaAvailable(ctx, ec.OllamaURL, ec.Model) {
			inner = embed.NewOllama(ec.OllamaURL, ec.Model, ec.Dimensions)
		} else {
			logger.Warn("ollama not reachable, falling back to tfidf", "url", ec.OllamaURL, "model", ec.Model)
			t, err := newTFIDF(ctx, db, ec.TFIDFTerms)
			if err != nil {
				return nil, nil, err
			}
			inner = t
		}
	}
	logger.Info("embedder ready", "model", inner.Model(), "dimensions", inner.Dimensions())

	cached, err := embed.NewCached(inner, ec.CacheBytes)
	if err != nil {
		return nil, nil, err
	}
	return cached, cached.Close, nil
}

func newTFIDF(ctx context.Context, db *store.DB, maxTerms int) (*embed.TFIDF, error) {
	docs, err := db.ListObservations(ctx, store.ListOptions{Limit: tfidfCorpusLimit})
	if err != nil {
		return nil, fmt.Errorf("load tfidf corpus: %w", err)
	}
	texts := make([]string, len(docs))
	for i := range docs {
		texts[i] = docs[i].Text()
	}
	return embed.NewTFIDF(texts, maxTerms), nil
}
