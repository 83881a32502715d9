// Package transcript reconciles streaming recognition results into an
// ordered list of display segments.
package transcript

import (
	"strings"
	"sync"

	"live-transcribe-service/internal/service/stt"
)

// Segment is one utterance window as currently understood.
type Segment struct {
	Transcript string `json:"transcript"`
	IsPartial  bool   `json:"isPartial"`
}

// Text joins every alternative transcription of res with no separator.
func Text(res stt.Result) string {
	if len(res.Alternatives) == 1 {
		return res.Alternatives[0].Transcript
	}
	var b strings.Builder
	for _, alt := range res.Alternatives {
		b.WriteString(alt.Transcript)
	}
	return b.String()
}

// Reconcile returns the segment list that follows prev once res is applied.
//
// If prev is empty or its last segment is final, a new segment is appended.
// Otherwise the trailing partial segment is replaced. prev is never
// modified.
func Reconcile(prev []Segment, res stt.Result) []Segment {
	seg := Segment{Transcript: Text(res), IsPartial: res.IsPartial}

	if n := len(prev); n > 0 && prev[n-1].IsPartial {
		next := make([]Segment, n)
		copy(next, prev)
		next[n-1] = seg
		return next
	}

	next := make([]Segment, len(prev), len(prev)+1)
	copy(next, prev)
	return append(next, seg)
}

// ChangeKind says how a result altered the segment list.
type ChangeKind int

const (
	// Appended means a new segment was added at the end.
	Appended ChangeKind = iota
	// Replaced means the trailing partial segment was overwritten.
	Replaced
)

func (k ChangeKind) String() string {
	if k == Replaced {
		return "replaced"
	}
	return "appended"
}

// Change describes the effect of one applied result.
type Change struct {
	Kind    ChangeKind
	Index   int
	Segment Segment
}

// Transcript owns a segment list that is only updated through Reconcile.
// Apply is called from the single event-processing path; Snapshot may be
// called from any goroutine.
type Transcript struct {
	mu       sync.RWMutex
	segments []Segment
}

// New returns an empty Transcript.
func New() *Transcript {
	return &Transcript{}
}

// Apply reconciles res into the transcript and reports what changed.
func (t *Transcript) Apply(res stt.Result) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevLen := len(t.segments)
	t.segments = Reconcile(t.segments, res)

	idx := len(t.segments) - 1
	kind := Appended
	if len(t.segments) == prevLen {
		kind = Replaced
	}
	return Change{Kind: kind, Index: idx, Segment: t.segments[idx]}
}

// Snapshot returns a copy of the current segment list.
func (t *Transcript) Snapshot() []Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Len returns the number of segments.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.segments)
}
