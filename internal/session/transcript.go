package session

import (
	"strings"
	"sync"
)

// Transcript assembles recognized segments in the order their jobs
// complete. Under variable recognition latency that can differ from
// speech order; see DESIGN.md for why completion order is kept.
type Transcript struct {
	mu       sync.Mutex
	segments []string
}

// Append adds one recognized segment. Empty segments are ignored.
func (t *Transcript) Append(segment string) {
	if segment == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segments = append(t.segments, segment)
}

// String returns the transcript so far, segments joined by single spaces.
func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.segments, " ")
}

// Len returns the number of segments appended so far.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.segments)
}

// Clear drops everything transcribed so far.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segments = nil
}
