package driver

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run records one build invocation's cache statistics, adapted from the
// teacher's session.Manager (which persists conversation turns to
// SQLite) into an in-memory run ledger: a build's hit/miss counters are
// useful for the lifetime of the process that produced them, not state
// worth a sixth persisted table.
type Run struct {
	ID            string
	StartedAt     time.Time
	EndedAt       time.Time
	Hits          int
	Misses        int
	BytesDigested int64
}

// Duration reports how long the run took. A run still in progress
// reports the elapsed time so far.
func (r Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// History tracks every build run driven by this process.
type History struct {
	mu      sync.Mutex
	runs    []*Run
	current *Run
}

// NewHistory returns an empty run history.
func NewHistory() *History {
	return &History{}
}

// StartRun opens a new run and makes it current.
func (h *History) StartRun() *Run {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := &Run{ID: uuid.New().String(), StartedAt: time.Now()}
	h.runs = append(h.runs, r)
	h.current = r
	return r
}

// RecordHit increments the current run's hit counter. It is a no-op if
// no run is in progress.
func (h *History) RecordHit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.Hits++
	}
}

// RecordMiss increments the current run's miss counter.
func (h *History) RecordMiss() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.Misses++
	}
}

// AddBytesDigested accrues n bytes of file content hashed onto the
// current run, for the end-of-build summary line. It is a no-op if no
// run is in progress.
func (h *History) AddBytesDigested(n int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.BytesDigested += n
	}
}

// EndRun closes the current run.
func (h *History) EndRun() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.EndedAt = time.Now()
		h.current = nil
	}
}

// ListRuns returns every run recorded so far, oldest first.
func (h *History) ListRuns() []*Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Run(nil), h.runs...)
}

// Stats aggregates hit/miss totals across every recorded run.
func (h *History) Stats() (hits, misses int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.runs {
		hits += r.Hits
		misses += r.Misses
	}
	return hits, misses
}
