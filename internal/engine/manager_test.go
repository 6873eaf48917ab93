package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lazypower/tiermem/internal/cold"
	"github.com/lazypower/tiermem/internal/embed"
	"github.com/lazypower/tiermem/internal/hot"
	"github.com/lazypower/tiermem/internal/logging"
	"github.com/lazypower/tiermem/internal/memory"
	"github.com/lazypower/tiermem/internal/scoring"
	"github.com/lazypower/tiermem/internal/store"
	"github.com/lazypower/tiermem/internal/warm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// vocabEmbedder counts occurrences of a fixed vocabulary. While slow is set
// it blocks until the caller gives up.
type vocabEmbedder struct {
	vocab []string
	slow  atomic.Bool
}

func newVocabEmbedder() *vocabEmbedder {
	return &vocabEmbedder{vocab: []string{"file", "server", "database", "cache", "test"}}
}

func (e *vocabEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.slow.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	vec := make([]float32, len(e.vocab))
	for _, tok := range scoring.Tokenize(text) {
		for i, v := range e.vocab {
			if tok == v {
				vec[i]++
			}
		}
	}
	return vec, nil
}

func (e *vocabEmbedder) Model() string   { return "vocab" }
func (e *vocabEmbedder) Dimensions() int { return len(e.vocab) }

// failingJournal rejects writes while failing is set.
type failingJournal struct {
	failing atomic.Bool
}

func (j *failingJournal) Put(memory.Observation) error {
	if j.failing.Load() {
		return fmt.Errorf("disk full")
	}
	return nil
}
func (j *failingJournal) Delete([]memory.ID) error                   { return nil }
func (j *failingJournal) Mark() int64                               { return 0 }
func (j *failingJournal) Rewrite([]memory.Observation, int64) error { return nil }
func (j *failingJournal) NeedsCompaction() bool                     { return false }
func (j *failingJournal) Sync() error                               { return nil }
func (j *failingJournal) Close() error                              { return nil }

type fixture struct {
	m     *Manager
	hot   *hot.Tier
	warm  *warm.Tier
	cold  *cold.Archive
	db    *store.DB
	clock *testClock
	dir   string
}

type fixtureOpts struct {
	capacity int
	warm     warm.Config
	embedder embed.Embedder
	opts     Options
	hot      *hot.Tier
	cold     *cold.Archive
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := logging.Discard()
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}

	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if fo.warm.RRFK == 0 {
		fo.warm = warm.DefaultConfig()
	}
	w, err := warm.New(context.Background(), db, fo.embedder, scoring.DefaultPolicy(), fo.warm, logger)
	require.NoError(t, err)

	h := fo.hot
	if h == nil {
		capacity := fo.capacity
		if capacity == 0 {
			capacity = 16
		}
		h, err = hot.Open(filepath.Join(dir, "hot.log"), capacity, false, logger)
		require.NoError(t, err)
	}

	c := fo.cold
	if c == nil {
		c, err = cold.Open(filepath.Join(dir, "cold"), logger)
		require.NoError(t, err)
	}

	m := New(h, w, c, fo.embedder, scoring.DefaultPolicy(), fo.opts, logger)
	m.SetClock(clock.Now)
	t.Cleanup(func() { m.Close() })

	return &fixture{m: m, hot: h, warm: w, cold: c, db: db, clock: clock, dir: dir}
}

func (f *fixture) capture(t *testing.T, content string, importance float64, source string) memory.ID {
	t.Helper()
	id, err := f.m.Capture(content, importance, source, nil)
	require.NoError(t, err)
	return id
}

func (f *fixture) archived(t *testing.T) map[memory.ID]bool {
	t.Helper()
	require.NoError(t, f.cold.Flush(context.Background()))
	seen := make(map[memory.ID]bool)
	require.NoError(t, f.cold.Walk(func(o memory.Observation) error {
		assert.Equal(t, memory.TierCold, o.Tier)
		seen[o.ID] = true
		return nil
	}))
	return seen
}

func indexOf(ids []memory.ID, id memory.ID) int {
	for i, x := range ids {
		if x == id {
			return i
		}
	}
	return -1
}

func TestQueryRanksByImportance(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	write := f.capture(t, "wrote file internal/server/routes.go", 0.9, "Write")
	read := f.capture(t, "read file internal/server/routes.go", 0.2, "Read")
	f.capture(t, "go test ./... passed", 0.9, "Bash")

	text, ids, err := f.m.Query(context.Background(), "file", 200)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(text), 200)

	wi, ri := indexOf(ids, write), indexOf(ids, read)
	require.NotEqual(t, -1, wi, "Write observation missing from %q", text)
	require.NotEqual(t, -1, ri, "Read observation missing from %q", text)
	assert.Less(t, wi, ri)
	assert.Less(t, strings.Index(text, "[Write]"), strings.Index(text, "[Read]"))
}

func TestQueryBudget(t *testing.T) {
	f := newFixture(t, fixtureOpts{capacity: 64})
	for i := 0; i < 40; i++ {
		f.capture(t, fmt.Sprintf("observation %d %s", i, strings.Repeat("x", i*3)), float64(i%10)/10, "Bash")
	}

	for _, budget := range []int{-5, 0, 1, 17, 40, 100, 333, 1000, 100000} {
		text, ids, err := f.m.Query(context.Background(), "observation", budget)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(text), max(budget, 0), "budget %d", budget)
		assert.Equal(t, strings.Count(text, "\n"), len(ids), "one line per contributing id")
	}

	text, ids, _ := f.m.Query(context.Background(), "observation", 100000)
	assert.Len(t, ids, 40)
	assert.NotEmpty(t, text)
}

func TestQueryFlattensNewlines(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.capture(t, "line one\nline two", 0.5, "Bash")

	text, ids, err := f.m.Query(context.Background(), "line", 1000)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "- [Bash] line one line two\n", text)
}

func TestOverflowLosesNothing(t *testing.T) {
	f := newFixture(t, fixtureOpts{capacity: 4, opts: Options{HotLowWater: 4}})

	var all []memory.ID
	for i := 0; i < 5; i++ {
		all = append(all, f.capture(t, fmt.Sprintf("entry %d", i), 0.5, "Bash"))
	}
	assert.Equal(t, 5, f.hot.Len())
	assert.Equal(t, 1, f.hot.PendingLen())
	assert.Len(t, f.m.wake, 1, "overflow wakes maintenance")

	_, ids, _ := f.m.Query(context.Background(), "entry", 10000)
	assert.ElementsMatch(t, all, ids, "pending entries stay queryable")

	st := f.m.RunMaintenance(context.Background())
	assert.Empty(t, st.Skipped)
	assert.Equal(t, 1, st.Consolidated)
	assert.Equal(t, 4, f.hot.Len())

	oldest, err := f.warm.Get(all[0])
	require.NoError(t, err)
	require.NotNil(t, oldest, "oldest entry moved to warm")
	assert.Equal(t, memory.TierWarm, oldest.Tier)

	archived := f.archived(t)
	for _, id := range all {
		assert.True(t, archived[id], "%s missing from cold archive", id)
	}
}

func TestMaintenancePass(t *testing.T) {
	wc := warm.DefaultConfig()
	wc.Capacity = 2
	f := newFixture(t, fixtureOpts{
		warm:     wc,
		embedder: newVocabEmbedder(),
		opts:     Options{HotRetention: 30 * time.Minute, ColdRetention: 24 * time.Hour},
	})

	keep1 := f.capture(t, "edited server config", 0.9, "Edit")
	keep2 := f.capture(t, "ran database migration", 0.5, "Bash")
	drop := f.capture(t, "listed a directory", 0.1, "Glob")

	// nothing is old enough yet
	st := f.m.RunMaintenance(context.Background())
	assert.Zero(t, st.Consolidated)
	assert.Equal(t, 3, f.hot.Len())

	f.clock.Advance(72 * time.Hour)
	st = f.m.RunMaintenance(context.Background())
	assert.Empty(t, st.Skipped)
	assert.Equal(t, 3, st.Consolidated)
	assert.Equal(t, 1, st.Evicted)
	assert.Equal(t, 1, st.Trimmed)
	assert.Zero(t, f.hot.Len())

	ws, err := f.warm.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, ws.Observations)
	assert.Equal(t, 2, ws.Indexed)

	for _, id := range []memory.ID{keep1, keep2} {
		o, err := f.warm.Get(id)
		require.NoError(t, err)
		assert.NotNil(t, o)
	}
	gone, err := f.warm.Get(drop)
	require.NoError(t, err)
	assert.Nil(t, gone, "lowest score is evicted")

	segs, err := f.cold.Segments()
	require.NoError(t, err)
	assert.Empty(t, segs)

	// a second pass has nothing left to do
	st = f.m.RunMaintenance(context.Background())
	assert.Zero(t, st.Consolidated+st.Evicted+st.Trimmed)
}

func TestMaintenanceRetriesUnpersisted(t *testing.T) {
	j := &failingJournal{}
	h := hot.New(8, j, logging.Discard())
	f := newFixture(t, fixtureOpts{hot: h})

	j.failing.Store(true)
	id := f.capture(t, "written while the disk was full", 0.5, "Bash")
	assert.Equal(t, []memory.ID{id}, h.Unpersisted())
	assert.Len(t, f.m.wake, 1)

	st := f.m.RunMaintenance(context.Background())
	assert.Contains(t, st.Skipped, StepFlush)
	assert.Len(t, h.Unpersisted(), 1)

	j.failing.Store(false)
	st = f.m.RunMaintenance(context.Background())
	assert.NotContains(t, st.Skipped, StepFlush)
	assert.Equal(t, 1, st.Flushed)
	assert.Empty(t, h.Unpersisted())
}

func TestMaintenanceCancelledSkipsSteps(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.capture(t, "anything", 0.5, "Bash")
	f.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := f.m.RunMaintenance(ctx)
	assert.Equal(t, []string{StepFlush, StepConsolidate, StepEmbed, StepEvict, StepTrim}, st.Skipped)
	assert.Equal(t, 1, f.hot.Len(), "nothing moved")

	st = f.m.RunMaintenance(context.Background())
	assert.Empty(t, st.Skipped)
	assert.Equal(t, 1, st.Consolidated)
}

func TestQueryEmbeddingTimeoutFallsBackToKeywords(t *testing.T) {
	emb := newVocabEmbedder()
	f := newFixture(t, fixtureOpts{
		embedder: emb,
		opts:     Options{QueryTimeout: 30 * time.Millisecond},
	})

	warmID := f.capture(t, "database migration applied", 0.7, "Bash")
	f.clock.Advance(time.Hour)
	f.m.RunMaintenance(context.Background())
	hotID := f.capture(t, "database schema edited", 0.7, "Edit")

	emb.slow.Store(true)
	start := time.Now()
	text, ids, err := f.m.Query(context.Background(), "database", 1000)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Contains(t, ids, warmID, "warm tier still answers by keyword")
	assert.Contains(t, ids, hotID)
	assert.Contains(t, text, "database migration applied")
}

func TestQueryExpiredDeadlineReturnsPartial(t *testing.T) {
	f := newFixture(t, fixtureOpts{embedder: newVocabEmbedder()})
	id := f.capture(t, "server restarted", 0.5, "Bash")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ids, err := f.m.Query(ctx, "server", 1000)
	require.NoError(t, err)
	assert.Contains(t, ids, id)
}

func TestQueryDeadlineWhileWarmStoreBusy(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	id := f.capture(t, "deploy finished", 0.5, "Bash")

	// An open transaction holds the store's only connection.
	tx, err := f.db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, ids, err := f.m.Query(ctx, "deploy", 1000)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "query outlived its deadline")
	assert.Equal(t, []memory.ID{id}, ids)
}

func TestQueryAcrossTiers(t *testing.T) {
	f := newFixture(t, fixtureOpts{embedder: newVocabEmbedder()})
	old := f.capture(t, "cache invalidation fixed", 0.8, "Edit")
	f.clock.Advance(time.Hour)
	st := f.m.RunMaintenance(context.Background())
	require.Equal(t, 1, st.Consolidated)

	fresh := f.capture(t, "cache warmed on startup", 0.8, "Bash")
	f.capture(t, "unrelated note", 0.8, "Bash")

	hits := f.m.Search(context.Background(), "cache", warm.Filter{}, 10)
	var got []memory.ID
	for _, h := range hits {
		got = append(got, h.Observation.ID)
	}
	assert.ElementsMatch(t, []memory.ID{old, fresh}, got, "search drops irrelevant hot entries")

	bash := f.m.Search(context.Background(), "cache", warm.Filter{Sources: []string{"Bash"}}, 10)
	require.Len(t, bash, 1)
	assert.Equal(t, fresh, bash[0].Observation.ID)
}

func TestRecentAndGet(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	first := f.capture(t, "first", 0.5, "Bash")
	f.clock.Advance(time.Hour)
	f.m.RunMaintenance(context.Background())
	second := f.capture(t, "second", 0.5, "Bash")

	recent, err := f.m.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, second, recent[0].ID)
	assert.Equal(t, first, recent[1].ID)

	o, err := f.m.Get(first)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, memory.TierWarm, o.Tier)

	o, err = f.m.Get(second)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, memory.TierHot, o.Tier)
}

func TestCaptureRejectsEmptyContent(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.m.Capture("   ", 0.5, "Bash", nil)
	assert.ErrorIs(t, err, memory.ErrEmptyContent)
	assert.Zero(t, f.hot.Len())
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hot.log")
	logger := logging.Discard()

	h, err := hot.Open(path, 8, true, logger)
	require.NoError(t, err)
	f := newFixture(t, fixtureOpts{hot: h})
	a := f.capture(t, "before the crash", 0.5, "Bash")
	b := f.capture(t, "also before the crash", 0.5, "Bash")

	// reopen without closing, as after a kill
	reopened, err := hot.Open(path, 8, false, logger)
	require.NoError(t, err)
	g := newFixture(t, fixtureOpts{hot: reopened})

	_, ids, err := g.m.Query(context.Background(), "crash", 1000)
	require.NoError(t, err)
	assert.ElementsMatch(t, []memory.ID{a, b}, ids)
}

func TestRestartArchivesReplayedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hot.log")
	logger := logging.Discard()

	// A closed archive drops what it is given, like a queue lost in a crash.
	lost, err := cold.Open(filepath.Join(dir, "lost"), logger)
	require.NoError(t, err)
	require.NoError(t, lost.Close())

	h, err := hot.Open(path, 8, true, logger)
	require.NoError(t, err)
	f := newFixture(t, fixtureOpts{hot: h, cold: lost})
	id := f.capture(t, "captured while the archive was down", 0.5, "Bash")
	require.False(t, f.archived(t)[id])

	reopened, err := hot.Open(path, 8, false, logger)
	require.NoError(t, err)
	g := newFixture(t, fixtureOpts{hot: reopened})
	g.m.RunMaintenance(context.Background())

	live, err := g.m.Get(id)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.True(t, g.archived(t)[id], "replayed hot entry missing from the archive")
}

func TestConcurrentCaptureDuringMaintenance(t *testing.T) {
	f := newFixture(t, fixtureOpts{capacity: 8, embedder: newVocabEmbedder(), opts: Options{HotLowWater: 4}})

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []memory.ID
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := f.m.Capture(fmt.Sprintf("writer %d file %d", w, i), 0.5, "Bash", nil)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				all = append(all, id)
				mu.Unlock()
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			f.m.RunMaintenance(context.Background())
			f.m.Query(context.Background(), "file", 500)
		}
	}()
	wg.Wait()
	<-done

	f.clock.Advance(time.Hour)
	st := f.m.RunMaintenance(context.Background())
	assert.Empty(t, st.Skipped)
	assert.Zero(t, f.hot.Len())

	count, err := f.db.CountObservations()
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, count)

	archived := f.archived(t)
	for _, id := range all {
		assert.True(t, archived[id], "%s not archived", id)
	}
}

func TestStartWakesOnOverflow(t *testing.T) {
	f := newFixture(t, fixtureOpts{capacity: 2, opts: Options{Interval: time.Hour, HotLowWater: 2}})
	f.m.Start()
	defer f.m.Stop()

	first := f.capture(t, "one", 0.5, "Bash")
	f.capture(t, "two", 0.5, "Bash")
	f.capture(t, "three", 0.5, "Bash")

	require.Eventually(t, func() bool {
		o, err := f.warm.Get(first)
		return err == nil && o != nil && f.hot.Len() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, fixtureOpts{capacity: 4, embedder: newVocabEmbedder()})
	f.capture(t, "file saved", 0.5, "Write")
	require.NoError(t, f.cold.Flush(context.Background()))

	st, err := f.m.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Hot.Live)
	assert.Equal(t, 4, st.Hot.Capacity)
	assert.Equal(t, "vocab", st.Embedder)
	assert.Equal(t, 1, st.Cold.Segments)
	assert.Positive(t, st.Cold.SizeBytes)
	assert.Equal(t, "2026-03-10", st.Cold.Newest)
}

func TestAssembleSkipsLinesThatDoNotFit(t *testing.T) {
	hits := []Hit{
		{Observation: memory.Observation{ID: "b", Source: "Bash", Content: strings.Repeat("long ", 20)}, Score: 0.9},
		{Observation: memory.Observation{ID: "a", Source: "Read", Content: "short"}, Score: 0.5},
	}
	text, ids := assemble(hits, 30)
	assert.Equal(t, "- [Read] short\n", text)
	assert.Equal(t, []memory.ID{"a"}, ids)
}

func TestMergeKeepsBestScore(t *testing.T) {
	hotHits := []Hit{{Observation: memory.Observation{ID: "x"}, Score: 0.3}, {Observation: memory.Observation{ID: "y"}, Score: 0.5}}
	warmHits := []Hit{{Observation: memory.Observation{ID: "x"}, Score: 0.7}}

	out := merge(hotHits, warmHits)
	require.Len(t, out, 2)
	assert.Equal(t, memory.ID("x"), out[0].Observation.ID)
	assert.InDelta(t, 0.7, out[0].Score, 1e-9)

	tie := merge([]Hit{{Observation: memory.Observation{ID: "a"}, Score: 1}, {Observation: memory.Observation{ID: "b"}, Score: 1}})
	assert.Equal(t, memory.ID("b"), tie[0].Observation.ID, "newer id wins ties")
}
