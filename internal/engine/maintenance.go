package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/tiermem/internal/embed"
	"github.com/lazypower/tiermem/internal/memory"
)

// Stats reports what one maintenance pass did.
type Stats struct {
	Flushed      int           `json:"flushed"`
	Consolidated int           `json:"consolidated"`
	Embedded     int           `json:"embedded"`
	Evicted      int           `json:"evicted"`
	Trimmed      int           `json:"trimmed"`
	Skipped      []string      `json:"skipped,omitempty"`
	Duration     time.Duration `json:"duration"`
}

func (s Stats) didWork() bool {
	return s.Flushed+s.Consolidated+s.Embedded+s.Evicted+s.Trimmed > 0
}

// Step names, in execution order.
const (
	StepFlush       = "flush"
	StepConsolidate = "consolidate"
	StepEmbed       = "embed"
	StepEvict       = "evict"
	StepTrim        = "trim"
)

// RunMaintenance performs one pass: retry unpersisted hot entries,
// consolidate eligible hot entries into warm, retry missing embeddings,
// evict warm overflow, and trim the cold archive. Each step runs under its
// own timeout; a step that fails or times out is recorded in Skipped and the
// pass moves on. Safe to call concurrently with Capture and Query; passes
// themselves run one at a time.
func (m *Manager) RunMaintenance(ctx context.Context) Stats {
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	start := time.Now()
	var st Stats
	st.Flushed = m.step(ctx, &st, StepFlush, m.flush)
	st.Consolidated = m.step(ctx, &st, StepConsolidate, m.consolidate)
	st.Embedded = m.step(ctx, &st, StepEmbed, m.retryEmbeddings)
	st.Evicted = m.step(ctx, &st, StepEvict, m.evict)
	st.Trimmed = m.step(ctx, &st, StepTrim, m.trim)
	st.Duration = time.Since(start)

	if st.didWork() || len(st.Skipped) > 0 {
		m.logger.Info("maintenance",
			"flushed", st.Flushed,
			"consolidated", st.Consolidated,
			"embedded", st.Embedded,
			"evicted", st.Evicted,
			"trimmed", st.Trimmed,
			"skipped", st.Skipped,
			"duration", st.Duration,
		)
	}
	return st
}

func (m *Manager) step(ctx context.Context, st *Stats, name string, fn func(context.Context) (int, error)) int {
	if err := ctx.Err(); err != nil {
		st.Skipped = append(st.Skipped, name)
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.StepTimeout)
	defer cancel()

	n, err := fn(ctx)
	if err != nil {
		st.Skipped = append(st.Skipped, name)
		m.logger.Warn("maintenance step skipped", "step", name, "done", n, "error", err)
	}
	return n
}

// flush retries journal writes for unpersisted hot entries, compacts the
// journal and waits for the cold archiver to catch up.
func (m *Manager) flush(ctx context.Context) (int, error) {
	n, err := m.hot.Flush(ctx)
	if err != nil {
		return n, err
	}
	if err := ctx.Err(); err != nil {
		return n, err
	}
	if _, err := m.hot.Compact(); err != nil {
		return n, err
	}
	if err := m.cold.Flush(ctx); err != nil {
		return n, fmt.Errorf("cold flush: %w", err)
	}
	return n, nil
}

// consolidate moves eligible hot entries into warm. Entries stored before
// an abort are still removed from hot, so a retry does not redo them.
func (m *Manager) consolidate(ctx context.Context) (int, error) {
	eligible := m.hot.Eligible(m.clock(), m.opts.HotRetention, m.opts.HotLowWater)
	if len(eligible) > m.opts.ConsolidateBatch {
		eligible = eligible[:m.opts.ConsolidateBatch]
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	var done []memory.ID
	var firstErr error
	for _, o := range eligible {
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}
		if err := m.warm.Consolidate(ctx, o); err != nil {
			if errors.Is(err, memory.ErrTierTransition) {
				m.logger.Error("observation in hot tier has a later tier", "id", o.ID, "tier", o.Tier)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done = append(done, o.ID)
	}

	removed, err := m.hot.Remove(done)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr == nil {
		_, firstErr = m.hot.Compact()
	}
	return removed, firstErr
}

// retryEmbeddings fills in vectors the warm tier could not compute at
// consolidation time. An unreachable embedder is expected and not an error.
func (m *Manager) retryEmbeddings(ctx context.Context) (int, error) {
	n, err := m.warm.RetryEmbeddings(ctx, m.opts.RetryBatch)
	if errors.Is(err, embed.ErrUnavailable) {
		m.logger.Debug("embedder unavailable, embeddings deferred", "done", n)
		return n, nil
	}
	return n, err
}

// evict drops the lowest-scoring warm observations beyond capacity. The hot
// ring never exceeds its capacity; its overflow is drained by consolidate.
func (m *Manager) evict(ctx context.Context) (int, error) {
	over, err := m.warm.Overflow()
	if err != nil || over == 0 {
		return 0, err
	}
	evicted, err := m.warm.Evict(ctx, over, m.clock())
	return len(evicted), err
}

func (m *Manager) trim(ctx context.Context) (int, error) {
	return m.cold.Trim(ctx, m.opts.ColdRetention, m.clock())
}

// contextUntil returns a context cancelled when stop closes.
func contextUntil(stop <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
