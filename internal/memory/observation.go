package memory

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContentLen bounds the display form of an observation. Longer text is
// kept verbatim in FullContent.
const MaxContentLen = 2000

var (
	ErrTierTransition = errors.New("tier transition out of order")
	ErrEmptyContent   = errors.New("observation content is empty")
)

// ID identifies an observation. IDs are UUIDv7 strings, so lexicographic
// order matches capture order.
type ID string

// NewID returns a fresh time-ordered ID.
func NewID() ID {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		u = uuid.New()
	}
	return ID(u.String())
}

// Tier is the storage tier an observation currently lives in.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

func (t Tier) rank() int {
	switch t {
	case TierHot:
		return 0
	case TierWarm:
		return 1
	case TierCold:
		return 2
	default:
		return -1
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool { return t.rank() >= 0 }

// Observation is the atomic unit of memory.
type Observation struct {
	ID          ID        `json:"id"`
	Content     string    `json:"content"`
	FullContent string    `json:"full_content,omitempty"`
	Importance  float64   `json:"importance"`
	Source      string    `json:"source"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
	Tier        Tier      `json:"tier"`
	Embedding   []float32 `json:"embedding,omitempty"`

	// Unpersisted is set while the hot durability log has not accepted the entry.
	Unpersisted bool `json:"-"`

	// Derived by scoring; recomputable from Importance, CapturedAt and the clock.
	DecayedImportance float64   `json:"-"`
	LastScoredAt      time.Time `json:"-"`
}

// New builds a hot observation captured at now.
func New(content string, importance float64, source string, md Metadata, now time.Time) (*Observation, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	o := &Observation{
		ID:         NewID(),
		Importance: ClampImportance(importance),
		Source:     source,
		Metadata:   md,
		CapturedAt: now,
		Tier:       TierHot,
	}
	o.Content = content
	if len(content) > MaxContentLen {
		o.Content = truncate(content, MaxContentLen)
		o.FullContent = content
	}
	return o, nil
}

// ClampImportance forces importance into [0,1]. NaN maps to 0.
func ClampImportance(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Advance moves the observation to tier to. Moving to the current tier is a
// no-op; moving backwards is an invariant violation.
func (o *Observation) Advance(to Tier) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrTierTransition, to)
	}
	if to.rank() < o.Tier.rank() {
		return fmt.Errorf("%w: %s -> %s for %s", ErrTierTransition, o.Tier, to, o.ID)
	}
	o.Tier = to
	return nil
}

// Age returns how long ago the observation was captured, never negative.
func (o *Observation) Age(now time.Time) time.Duration {
	d := now.Sub(o.CapturedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Text is the searchable surface: content, verbatim content, source and
// metadata values.
func (o *Observation) Text() string {
	var b strings.Builder
	b.WriteString(o.Content)
	if o.FullContent != "" {
		b.WriteByte(' ')
		b.WriteString(o.FullContent)
	}
	if o.Source != "" {
		b.WriteByte(' ')
		b.WriteString(o.Source)
	}
	keys := make([]string, 0, len(o.Metadata))
	for k := range o.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(o.Metadata[k].String())
	}
	return b.String()
}

// Clone returns a copy that shares no mutable slices with o.
func (o *Observation) Clone() Observation {
	c := *o
	if o.Embedding != nil {
		c.Embedding = append([]float32(nil), o.Embedding...)
	}
	if o.Metadata != nil {
		c.Metadata = make(Metadata, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Truncate is the exported form used by renderers that need a byte budget.
func Truncate(s string, n int) string { return truncate(s, n) }
