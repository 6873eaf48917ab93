// Package hot implements the in-memory recency tier: a fixed-capacity ring
// buffer backed by an append-only journal for crash recovery.
package hot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lazypower/tiermem/internal/memory"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 256

// CaptureResult reports side effects of a Capture.
type CaptureResult struct {
	// Overflowed is set when the oldest ring entry moved to the
	// consolidation queue to make room.
	Overflowed bool
	// Unpersisted is set when the journal write failed.
	Unpersisted bool
}

// Tier is the hot tier.
type Tier struct {
	// journalMu keeps journal compaction from interleaving with the
	// journal-then-ring sequence of Capture and Flush.
	journalMu sync.RWMutex
	journal   Journal

	mu       sync.RWMutex
	ring     []*memory.Observation
	head     int
	size     int
	overflow []*memory.Observation

	logger *slog.Logger
}

// New creates an empty tier. journal may be nil for a purely in-memory tier.
func New(capacity int, journal Journal, logger *slog.Logger) *Tier {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tier{
		journal: journal,
		ring:    make([]*memory.Observation, capacity),
		logger:  logger.With("tier", "hot"),
	}
}

// Open opens the journal at path and rebuilds the ring from it. Entries
// beyond capacity come back as pending consolidation.
func Open(path string, capacity int, syncWrites bool, logger *slog.Logger) (*Tier, error) {
	log, err := OpenLog(path, syncWrites)
	if err != nil {
		return nil, err
	}
	live, err := log.Replay()
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("replay hot log: %w", err)
	}
	t := New(capacity, log, logger)
	t.restore(live)
	if len(live) > 0 {
		t.logger.Info("replayed hot log", "entries", len(live), "pending", len(t.overflow))
	}
	return t, nil
}

func (t *Tier) restore(live []memory.Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range live {
		o := live[i]
		o.Tier = memory.TierHot
		o.Unpersisted = false
		t.push(&o)
	}
}

// push inserts o as the newest entry. Caller holds mu.
func (t *Tier) push(o *memory.Observation) bool {
	capacity := len(t.ring)
	if t.size == capacity {
		t.overflow = append(t.overflow, t.ring[t.head])
		t.ring[t.head] = o
		t.head = (t.head + 1) % capacity
		return true
	}
	t.ring[(t.head+t.size)%capacity] = o
	t.size++
	return false
}

// Capture appends o. It never blocks on anything slower than the journal
// append; a full ring hands its oldest entry to the consolidation queue
// instead of dropping it.
func (t *Tier) Capture(o memory.Observation) CaptureResult {
	o.Tier = memory.TierHot
	o.Unpersisted = false

	t.journalMu.RLock()
	defer t.journalMu.RUnlock()

	var res CaptureResult
	if t.journal != nil {
		if err := t.journal.Put(o); err != nil {
			t.logger.Warn("journal write failed, entry kept in memory", "id", o.ID, "error", err)
			o.Unpersisted = true
			res.Unpersisted = true
		}
	}

	t.mu.Lock()
	res.Overflowed = t.push(&o)
	t.mu.Unlock()
	return res
}

// Scan returns up to limit entries, newest first. Entries waiting for
// consolidation follow the ring contents.
func (t *Tier) Scan(limit int) []memory.Observation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := t.size + len(t.overflow)
	if limit <= 0 || limit > total {
		limit = total
	}
	out := make([]memory.Observation, 0, limit)
	capacity := len(t.ring)
	for i := t.size - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.ring[(t.head+i)%capacity].Clone())
	}
	for i := len(t.overflow) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.overflow[i].Clone())
	}
	return out
}

// snapshot returns every live entry oldest first. Caller holds mu.
func (t *Tier) snapshot() []*memory.Observation {
	all := make([]*memory.Observation, 0, len(t.overflow)+t.size)
	all = append(all, t.overflow...)
	capacity := len(t.ring)
	for i := 0; i < t.size; i++ {
		all = append(all, t.ring[(t.head+i)%capacity])
	}
	return all
}

// Pending returns the entries queued for consolidation, oldest first.
func (t *Tier) Pending() []memory.Observation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]memory.Observation, len(t.overflow))
	for i, o := range t.overflow {
		out[i] = o.Clone()
	}
	return out
}

// Eligible returns the entries due for consolidation, oldest first: the
// whole overflow queue, ring entries older than maxAge, and, when the ring
// is full, the oldest entries above the lowWater mark.
func (t *Tier) Eligible(now time.Time, maxAge time.Duration, lowWater int) []memory.Observation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]memory.Observation, 0, len(t.overflow))
	for _, o := range t.overflow {
		out = append(out, o.Clone())
	}

	excess := 0
	if t.size == len(t.ring) && lowWater >= 0 && lowWater < t.size {
		excess = t.size - lowWater
	}
	capacity := len(t.ring)
	for i := 0; i < t.size; i++ {
		o := t.ring[(t.head+i)%capacity]
		if i < excess || (maxAge > 0 && o.Age(now) > maxAge) {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Remove drops ids from the tier and records the removal in the journal.
// It returns the number of entries removed.
func (t *Tier) Remove(ids []memory.ID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[memory.ID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	t.journalMu.RLock()
	t.mu.Lock()
	var kept []*memory.Observation
	var removed []memory.ID
	for _, o := range t.snapshot() {
		if drop[o.ID] {
			removed = append(removed, o.ID)
			continue
		}
		kept = append(kept, o)
	}
	t.rebuild(kept)
	t.mu.Unlock()

	var err error
	if t.journal != nil && len(removed) > 0 {
		if err = t.journal.Delete(removed); err != nil {
			err = fmt.Errorf("journal delete: %w", err)
		}
	}
	t.journalMu.RUnlock()
	return len(removed), err
}

// rebuild resets the ring from kept (oldest first). Caller holds mu.
func (t *Tier) rebuild(kept []*memory.Observation) {
	capacity := len(t.ring)
	t.ring = make([]*memory.Observation, capacity)
	t.head, t.size = 0, 0
	t.overflow = nil

	if len(kept) > capacity {
		t.overflow = append(t.overflow, kept[:len(kept)-capacity]...)
		kept = kept[len(kept)-capacity:]
	}
	for i, o := range kept {
		t.ring[i] = o
	}
	t.size = len(kept)
}

// Flush retries journal writes for unpersisted entries and syncs the
// journal. The flag is cleared on every entry that was written. Retrying
// stops when ctx is done; the rest wait for the next flush.
func (t *Tier) Flush(ctx context.Context) (int, error) {
	if t.journal == nil {
		return 0, nil
	}
	t.journalMu.RLock()
	defer t.journalMu.RUnlock()

	t.mu.RLock()
	var retry []memory.Observation
	for _, o := range t.snapshot() {
		if o.Unpersisted {
			retry = append(retry, o.Clone())
		}
	}
	t.mu.RUnlock()

	var firstErr error
	written := make(map[memory.ID]bool, len(retry))
	for _, o := range retry {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		o.Unpersisted = false
		if err := t.journal.Put(o); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("retry journal write %s: %w", o.ID, err)
			}
			continue
		}
		written[o.ID] = true
	}

	if len(written) > 0 {
		t.mu.Lock()
		for _, o := range t.snapshot() {
			if written[o.ID] {
				o.Unpersisted = false
			}
		}
		t.mu.Unlock()
	}

	if err := t.journal.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync journal: %w", err)
	}
	return len(written), firstErr
}

// Compact rewrites the journal when superseded records dominate it. A
// successful rewrite also persists any unpersisted entries.
func (t *Tier) Compact() (bool, error) {
	if t.journal == nil || !t.journal.NeedsCompaction() {
		return false, nil
	}

	// Snapshot and mark together: every record past the mark then belongs
	// to a change the snapshot does not include. Captures wait only for
	// this, not for the rewrite.
	t.journalMu.Lock()
	t.mu.RLock()
	snap := t.snapshot()
	live := make([]memory.Observation, 0, len(snap))
	written := make(map[memory.ID]bool, len(snap))
	for _, o := range snap {
		c := o.Clone()
		c.Unpersisted = false
		live = append(live, c)
		written[c.ID] = true
	}
	t.mu.RUnlock()
	mark := t.journal.Mark()
	t.journalMu.Unlock()

	if err := t.journal.Rewrite(live, mark); err != nil {
		return false, fmt.Errorf("compact journal: %w", err)
	}

	t.mu.Lock()
	for _, o := range t.snapshot() {
		if written[o.ID] {
			o.Unpersisted = false
		}
	}
	t.mu.Unlock()
	return true, nil
}

// Len returns the number of live entries, including pending ones.
func (t *Tier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size + len(t.overflow)
}

// PendingLen returns the size of the consolidation queue.
func (t *Tier) PendingLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.overflow)
}

// Capacity returns the ring size.
func (t *Tier) Capacity() int { return len(t.ring) }

// Unpersisted returns the ids whose journal write has not succeeded yet.
func (t *Tier) Unpersisted() []memory.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []memory.ID
	for _, o := range t.snapshot() {
		if o.Unpersisted {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// Close syncs and closes the journal.
func (t *Tier) Close() error {
	if t.journal == nil {
		return nil
	}
	t.journalMu.Lock()
	defer t.journalMu.Unlock()
	return t.journal.Close()
}
