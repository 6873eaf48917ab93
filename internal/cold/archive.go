// Package cold is the archival tier: every captured observation is appended
// to a per-day JSON-lines segment. Segments are only ever read for audits and
// replay, and are trimmed whole once they fall outside the retention window.
package cold

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lazypower/tiermem/internal/memory"
)

const (
	segmentExt    = ".jsonl"
	segmentLayout = "2006-01-02"
)

// Segment describes one day file.
type Segment struct {
	Day  time.Time
	Path string
	Size int64
}

// item is a queued observation or, when obs is nil, a flush barrier.
type item struct {
	obs  *memory.Observation
	done chan struct{}
}

// Archive is the cold tier.
type Archive struct {
	dir    string
	logger *slog.Logger

	// fileMu guards the open segment handle.
	fileMu  sync.Mutex
	current string
	f       *os.File

	queueMu sync.Mutex
	queue   []item
	retry   []item
	wake    chan struct{}
	stopCh  chan struct{}
	stopped chan struct{}
	closed  bool
}

// Open prepares dir and starts the background archiver.
func Open(dir string, logger *slog.Logger) (*Archive, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cold dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archive{
		dir:     dir,
		logger:  logger.With("tier", "cold"),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Dir returns the archive root.
func (a *Archive) Dir() string { return a.dir }

func segmentName(t time.Time) string {
	return t.UTC().Format(segmentLayout) + segmentExt
}

// Append writes o to the segment of its capture day.
func (a *Archive) Append(o memory.Observation) error {
	c := o.Clone()
	c.Tier = memory.TierCold
	c.Unpersisted = false
	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("encode archived observation: %w", err)
	}
	data = append(data, '\n')

	a.fileMu.Lock()
	defer a.fileMu.Unlock()

	name := segmentName(o.CapturedAt)
	if a.f == nil || a.current != name {
		if a.f != nil {
			a.f.Close()
			a.f = nil
		}
		f, err := os.OpenFile(filepath.Join(a.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open segment %s: %w", name, err)
		}
		a.f, a.current = f, name
	}
	if _, err := a.f.Write(data); err != nil {
		return fmt.Errorf("append to segment %s: %w", name, err)
	}
	return nil
}

// Enqueue hands o to the background archiver. It never blocks on disk.
func (a *Archive) Enqueue(o memory.Observation) {
	c := o.Clone()
	a.push(item{obs: &c})
}

func (a *Archive) push(it item) bool {
	a.queueMu.Lock()
	if a.closed {
		a.queueMu.Unlock()
		return false
	}
	a.queue = append(a.queue, it)
	a.queueMu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush waits until every observation enqueued before the call has been
// attempted, and syncs the current segment.
func (a *Archive) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !a.push(item{done: done}) {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.fileMu.Lock()
	defer a.fileMu.Unlock()
	if a.f != nil {
		if err := a.f.Sync(); err != nil {
			return fmt.Errorf("sync segment: %w", err)
		}
	}
	return nil
}

// Backlog returns the number of observations waiting to be archived,
// including ones whose last attempt failed.
func (a *Archive) Backlog() int {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	n := len(a.retry)
	for _, it := range a.queue {
		if it.obs != nil {
			n++
		}
	}
	return n
}

func (a *Archive) run() {
	defer close(a.stopped)
	for {
		select {
		case <-a.wake:
			a.drain()
		case <-a.stopCh:
			a.drain()
			return
		}
	}
}

// drain archives everything queued so far. Failed appends are kept and
// retried on the next wake-up.
func (a *Archive) drain() {
	a.queueMu.Lock()
	batch := append(a.retry, a.queue...)
	a.retry, a.queue = nil, nil
	a.queueMu.Unlock()

	var failed []item
	for _, it := range batch {
		if it.obs == nil {
			close(it.done)
			continue
		}
		if err := a.Append(*it.obs); err != nil {
			a.logger.Warn("archive append failed", "id", it.obs.ID, "error", err)
			failed = append(failed, it)
		}
	}
	if len(failed) > 0 {
		a.queueMu.Lock()
		a.retry = append(failed, a.retry...)
		a.queueMu.Unlock()
	}
}

// Close drains the queue, stops the archiver and closes the open segment.
func (a *Archive) Close() error {
	a.queueMu.Lock()
	if a.closed {
		a.queueMu.Unlock()
		return nil
	}
	a.closed = true
	a.queueMu.Unlock()

	close(a.stopCh)
	<-a.stopped

	if n := a.Backlog(); n > 0 {
		a.logger.Error("archive closed with unarchived observations", "count", n)
	}

	a.fileMu.Lock()
	defer a.fileMu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// Segments lists the day segments, oldest first.
func (a *Archive) Segments() ([]Segment, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("read cold dir: %w", err)
	}
	var segs []Segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		day, err := time.Parse(segmentLayout, strings.TrimSuffix(name, segmentExt))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		segs = append(segs, Segment{Day: day, Path: filepath.Join(a.dir, name), Size: info.Size()})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Day.Before(segs[j].Day) })
	return segs, nil
}

// Trim deletes every segment whose day ended before now-window and returns
// how many were removed. A non-positive window keeps everything. Trimming
// stops between segments once ctx is done.
func (a *Archive) Trim(ctx context.Context, window time.Duration, now time.Time) (int, error) {
	if window <= 0 {
		return 0, nil
	}
	segs, err := a.Segments()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-window)

	a.fileMu.Lock()
	defer a.fileMu.Unlock()

	trimmed := 0
	for _, s := range segs {
		if !s.Day.Add(24 * time.Hour).Before(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return trimmed, err
		}
		if a.f != nil && a.current == filepath.Base(s.Path) {
			a.f.Close()
			a.f = nil
		}
		if err := os.Remove(s.Path); err != nil {
			return trimmed, fmt.Errorf("remove segment %s: %w", s.Path, err)
		}
		trimmed++
	}
	return trimmed, nil
}

// Walk calls fn for every archived observation, oldest segment first.
// Undecodable lines are skipped. Walking stops at the first error from fn.
func (a *Archive) Walk(fn func(memory.Observation) error) error {
	segs, err := a.Segments()
	if err != nil {
		return err
	}
	for _, s := range segs {
		if err := walkSegment(s.Path, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkSegment(path string, fn func(memory.Observation) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		var o memory.Observation
		if err := json.Unmarshal(scanner.Bytes(), &o); err != nil {
			continue
		}
		if err := fn(o); err != nil {
			return err
		}
	}
	return scanner.Err()
}
