package hot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lazypower/tiermem/internal/memory"
)

// Journal is the durability log behind the ring buffer.
type Journal interface {
	Put(o memory.Observation) error
	Delete(ids []memory.ID) error
	// Mark returns the current end of the journal.
	Mark() int64
	// Rewrite replaces the journal contents with live, oldest first,
	// followed by every record appended after mark.
	Rewrite(live []memory.Observation, mark int64) error
	// NeedsCompaction reports whether a Rewrite would reclaim space.
	NeedsCompaction() bool
	Sync() error
	Close() error
}

const (
	opPut = "put"
	opDel = "del"
)

// record is one line in the journal file.
type record struct {
	Op  string              `json:"op"`
	Obs *memory.Observation `json:"obs,omitempty"`
	IDs []memory.ID         `json:"ids,omitempty"`
}

// Log is an append-only JSON-lines journal.
type Log struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	out    io.Writer // f; replaced in tests
	sync   bool
	closed bool

	// size is the offset just past the last complete record.
	size int64
	// torn is set when a partial record could not be cut off. The next
	// record then starts on a fresh line.
	torn bool

	rewriteMu sync.Mutex

	// live and dead count put records still present vs. superseded by a del.
	live int
	dead int
}

// OpenLog opens (or creates) the journal at path. When syncWrites is set
// every record is fsynced before Put returns.
func OpenLog(path string, syncWrites bool) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create hot log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open hot log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat hot log: %w", err)
	}
	size := info.Size()
	// Terminate a torn last line so the next record starts cleanly.
	if size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err == nil && last[0] != '\n' {
			if _, err := f.Write([]byte{'\n'}); err != nil {
				f.Close()
				return nil, fmt.Errorf("repair hot log: %w", err)
			}
			size++
		}
	}
	return &Log{path: path, f: f, out: f, sync: syncWrites, size: size}, nil
}

// Path returns the journal file path.
func (l *Log) Path() string { return l.path }

// Replay reads the journal and returns the live observations oldest first.
// A torn final line (crash mid-write) is ignored.
func (l *Log) Replay() ([]memory.Observation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek hot log: %w", err)
	}

	var order []memory.ID
	entries := make(map[memory.ID]memory.Observation)
	puts := 0

	scanner := bufio.NewScanner(l.f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		switch rec.Op {
		case opPut:
			if rec.Obs == nil {
				continue
			}
			puts++
			if _, ok := entries[rec.Obs.ID]; !ok {
				order = append(order, rec.Obs.ID)
			}
			entries[rec.Obs.ID] = *rec.Obs
		case opDel:
			for _, id := range rec.IDs {
				delete(entries, id)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan hot log: %w", err)
	}

	live := make([]memory.Observation, 0, len(entries))
	for _, id := range order {
		if o, ok := entries[id]; ok {
			live = append(live, o)
		}
	}
	// Retried puts land out of capture order; IDs are time-ordered.
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	l.live = len(live)
	l.dead = puts - len(live)
	return live, nil
}

func (l *Log) write(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode hot record: %w", err)
	}
	data = append(data, '\n')
	if l.torn {
		data = append([]byte{'\n'}, data...)
	}
	n, err := l.out.Write(data)
	if err != nil {
		l.discard(n)
		return fmt.Errorf("write hot log: %w", err)
	}
	l.size += int64(n)
	l.torn = false
	if l.sync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync hot log: %w", err)
		}
	}
	return nil
}

// Put appends a capture record.
func (l *Log) Put(o memory.Observation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.write(record{Op: opPut, Obs: &o}); err != nil {
		return err
	}
	l.live++
	return nil
}

// Delete appends a removal record for ids.
func (l *Log) Delete(ids []memory.ID) error {
	if len(ids) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.write(record{Op: opDel, IDs: ids}); err != nil {
		return err
	}
	l.live -= len(ids)
	if l.live < 0 {
		l.live = 0
	}
	l.dead += len(ids)
	return nil
}

// NeedsCompaction reports whether superseded records outnumber live ones.
func (l *Log) NeedsCompaction() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dead > 0 && l.dead >= l.live
}

// discard cuts off the n bytes of a failed write so a later record does not
// share its line. Caller holds mu.
func (l *Log) discard(n int) {
	if n <= 0 {
		return
	}
	if err := l.f.Truncate(l.size); err == nil {
		return
	}
	if info, err := l.f.Stat(); err == nil {
		l.size = info.Size()
	} else {
		l.size += int64(n)
	}
	l.torn = true
}

// Mark returns the offset just past the last complete record.
func (l *Log) Mark() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Rewrite replaces the journal via a temp file and rename. live is written
// and synced without blocking appends; only copying the records appended
// after mark and the swap itself hold the lock.
func (l *Log) Rewrite(live []memory.Observation, mark int64) error {
	l.rewriteMu.Lock()
	defer l.rewriteMu.Unlock()

	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create compacted hot log: %w", err)
	}
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for i := range live {
		if err := enc.Encode(record{Op: opPut, Obs: &live[i]}); err != nil {
			return fail(fmt.Errorf("encode compacted record: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("flush compacted hot log: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync compacted hot log: %w", err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fail(fmt.Errorf("compact hot log: %w", os.ErrClosed))
	}
	if mark < 0 || mark > l.size {
		return fail(fmt.Errorf("compact hot log: mark %d outside journal of %d bytes", mark, l.size))
	}
	if tail := l.size - mark; tail > 0 {
		if _, err := io.Copy(tmp, io.NewSectionReader(l.f, mark, tail)); err != nil {
			return fail(fmt.Errorf("copy hot log tail: %w", err))
		}
		if err := tmp.Sync(); err != nil {
			return fail(fmt.Errorf("sync compacted hot log: %w", err))
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close compacted hot log: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace hot log: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("reopen hot log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat hot log: %w", err)
	}
	l.f.Close()
	l.f, l.out = f, f
	l.size = info.Size()
	l.torn = false
	l.dead = 0
	return nil
}

// Sync flushes the file to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Sync()
}

// Close syncs and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
