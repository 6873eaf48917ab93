// Package engine ties the three tiers together. The Manager routes captures
// into the hot tier and the cold archive, answers queries across hot and
// warm, and runs the maintenance pass that moves observations between them.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lazypower/tiermem/internal/cold"
	"github.com/lazypower/tiermem/internal/embed"
	"github.com/lazypower/tiermem/internal/hot"
	"github.com/lazypower/tiermem/internal/memory"
	"github.com/lazypower/tiermem/internal/scoring"
	"github.com/lazypower/tiermem/internal/store"
	"github.com/lazypower/tiermem/internal/warm"
)

// Options tune the manager. Zero values fall back to DefaultOptions.
type Options struct {
	// HotRetention is the age at which hot entries become eligible for
	// consolidation.
	HotRetention time.Duration
	// HotLowWater is the ring size a full ring is drained down to.
	HotLowWater int
	// ColdRetention is how long archive segments are kept; 0 keeps them all.
	ColdRetention time.Duration

	Interval     time.Duration // maintenance period
	StepTimeout  time.Duration // per maintenance step
	QueryTimeout time.Duration // query embedding

	HotScanLimit     int
	WarmLimit        int
	RetryBatch       int
	ConsolidateBatch int
}

// DefaultOptions returns the defaults used by Open.
func DefaultOptions() Options {
	return Options{
		HotRetention:     30 * time.Minute,
		HotLowWater:      hot.DefaultCapacity * 3 / 4,
		ColdRetention:    90 * 24 * time.Hour,
		Interval:         time.Minute,
		StepTimeout:      20 * time.Second,
		QueryTimeout:     750 * time.Millisecond,
		HotScanLimit:     hot.DefaultCapacity,
		WarmLimit:        20,
		RetryBatch:       100,
		ConsolidateBatch: 500,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HotRetention <= 0 {
		o.HotRetention = d.HotRetention
	}
	if o.HotLowWater < 0 {
		o.HotLowWater = 0
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = d.StepTimeout
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = d.QueryTimeout
	}
	if o.HotScanLimit <= 0 {
		o.HotScanLimit = d.HotScanLimit
	}
	if o.WarmLimit <= 0 {
		o.WarmLimit = d.WarmLimit
	}
	if o.RetryBatch <= 0 {
		o.RetryBatch = d.RetryBatch
	}
	if o.ConsolidateBatch <= 0 {
		o.ConsolidateBatch = d.ConsolidateBatch
	}
	return o
}

// Manager is the single entry point for capture, query and maintenance.
// One Manager is built per process and shared by reference.
type Manager struct {
	hot      *hot.Tier
	warm     *warm.Tier
	cold     *cold.Archive
	embedder embed.Embedder
	policy   scoring.Policy
	opts     Options
	logger   *slog.Logger
	clock    func() time.Time

	onClose []func() error

	maintMu sync.Mutex // serializes RunMaintenance
	wake    chan struct{}

	runMu  sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
	closed bool
}

// New builds a manager over already opened tiers. embedder may be nil.
func New(h *hot.Tier, w *warm.Tier, c *cold.Archive, embedder embed.Embedder, policy scoring.Policy, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	// Entries replayed from the hot journal may not have reached the archive
	// before the last shutdown. Archiving them again keeps cold a superset of
	// everything captured; a duplicate line is harmless.
	replayed := h.Scan(0)
	for i := len(replayed) - 1; i >= 0; i-- {
		c.Enqueue(replayed[i])
	}
	return &Manager{
		hot:      h,
		warm:     w,
		cold:     c,
		embedder: embedder,
		policy:   policy,
		opts:     opts.withDefaults(),
		logger:   logger,
		clock:    time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// SetClock replaces the time source for the manager and its warm tier.
func (m *Manager) SetClock(now func() time.Time) {
	m.clock = now
	m.warm.SetClock(now)
}

// Capture records an observation in the hot tier and hands it to the cold
// archive. It returns an error only for unusable input; storage failures
// leave the entry in memory for maintenance to retry.
func (m *Manager) Capture(content string, importance float64, source string, md memory.Metadata) (memory.ID, error) {
	o, err := memory.New(content, importance, source, md, m.clock())
	if err != nil {
		return "", err
	}
	res := m.hot.Capture(*o)
	m.cold.Enqueue(*o)
	if res.Overflowed || res.Unpersisted {
		m.signal()
	}
	return o.ID, nil
}

// signal nudges the maintenance routine without blocking.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Recent returns the newest observations across hot and warm.
func (m *Manager) Recent(limit int) ([]memory.Observation, error) {
	if limit <= 0 {
		limit = 20
	}
	out := m.hot.Scan(limit)
	stored, err := m.warm.Recent(store.ListOptions{Limit: limit})
	if err != nil {
		return out, err
	}
	seen := make(map[memory.ID]bool, len(out))
	for _, o := range out {
		seen[o.ID] = true
	}
	for _, o := range stored {
		if !seen[o.ID] {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get looks an observation up in hot, then warm.
func (m *Manager) Get(id memory.ID) (*memory.Observation, error) {
	for _, o := range m.hot.Scan(0) {
		if o.ID == id {
			return &o, nil
		}
	}
	return m.warm.Get(id)
}

// Ping checks that the warm store is reachable.
func (m *Manager) Ping() error {
	return m.warm.Ping()
}

// Status summarizes every tier.
type Status struct {
	Hot      HotStatus  `json:"hot"`
	Warm     warm.Stats `json:"warm"`
	Cold     ColdStatus `json:"cold"`
	Embedder string     `json:"embedder"`
}

type HotStatus struct {
	Live        int `json:"live"`
	Pending     int `json:"pending"`
	Capacity    int `json:"capacity"`
	Unpersisted int `json:"unpersisted"`
}

type ColdStatus struct {
	Segments  int    `json:"segments"`
	SizeBytes int64  `json:"size_bytes"`
	Backlog   int    `json:"backlog"`
	Oldest    string `json:"oldest,omitempty"`
	Newest    string `json:"newest,omitempty"`
}

// Status reports counts for each tier.
func (m *Manager) Status() (Status, error) {
	var st Status
	st.Hot = HotStatus{
		Live:        m.hot.Len(),
		Pending:     m.hot.PendingLen(),
		Capacity:    m.hot.Capacity(),
		Unpersisted: len(m.hot.Unpersisted()),
	}
	if m.embedder != nil {
		st.Embedder = m.embedder.Model()
	}

	ws, err := m.warm.Stats()
	if err != nil {
		return st, err
	}
	st.Warm = ws

	segs, err := m.cold.Segments()
	if err != nil {
		return st, err
	}
	st.Cold.Segments = len(segs)
	st.Cold.Backlog = m.cold.Backlog()
	for _, s := range segs {
		st.Cold.SizeBytes += s.Size
	}
	if len(segs) > 0 {
		st.Cold.Oldest = segs[0].Day.Format(time.DateOnly)
		st.Cold.Newest = segs[len(segs)-1].Day.Format(time.DateOnly)
	}
	return st, nil
}

// Start runs maintenance on the configured interval, and early whenever a
// capture overflows the hot ring or fails to reach the journal.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopCh != nil || m.closed {
		return
	}
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stopCh, m.done)
}

func (m *Manager) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-m.wake:
		case <-stop:
			return
		}
		ctx, cancel := contextUntil(stop)
		m.RunMaintenance(ctx)
		cancel()
	}
}

// Stop ends the maintenance routine and waits for a running pass to finish.
func (m *Manager) Stop() {
	m.runMu.Lock()
	stop, done := m.stopCh, m.done
	m.stopCh, m.done = nil, nil
	m.runMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Close stops maintenance, drains the cold archiver and closes every tier.
func (m *Manager) Close() error {
	m.Stop()
	m.runMu.Lock()
	if m.closed {
		m.runMu.Unlock()
		return nil
	}
	m.closed = true
	m.runMu.Unlock()

	var errs []error
	if _, err := m.hot.Flush(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if err := m.cold.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.hot.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, fn := range m.onClose {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
