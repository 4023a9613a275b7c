package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names the hook manager emits around a build's lifecycle.
const (
	EventCallHit      = "call_hit"
	EventCallMiss     = "call_miss"
	EventFunctionDirty = "function_dirty"
)

// Handler reacts to one emitted Event. A handler's error is recorded in
// the trace but never aborts the build.
type Handler func(ev Event) error

// Event is the payload handed to every registered Handler.
type Event struct {
	Name      string
	Payload   map[string]any
	Timestamp time.Time
}

// TraceEntry is one row of the in-memory build trace, adapted from the
// teacher's DebugEvent/debug log (core.ModuleManager) but kept entirely
// in memory: the build trace is diagnostic output for this run only, not
// state the Backend's five logical tables should grow a sixth table to
// persist.
type TraceEntry struct {
	ID       string
	Event    string
	Handler  string
	Err      error
	Duration time.Duration
}

// Hooks is a minimal event-hook manager: register named handlers for
// build-lifecycle events (cache hits/misses, function-digest
// invalidation), and emit them as the build progresses. Handlers run
// synchronously, in registration order, on the emitting goroutine.
type Hooks struct {
	mu       sync.Mutex
	handlers map[string][]namedHandler
	trace    []TraceEntry
}

type namedHandler struct {
	name string
	fn   Handler
}

// NewHooks returns an empty hook manager.
func NewHooks() *Hooks {
	return &Hooks{handlers: make(map[string][]namedHandler)}
}

// Register attaches fn, identified by name for the trace, to event.
func (h *Hooks) Register(event, name string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = append(h.handlers[event], namedHandler{name: name, fn: fn})
}

// Emit runs every handler registered for event, in registration order,
// recording each outcome in the trace.
func (h *Hooks) Emit(event string, payload map[string]any) {
	h.mu.Lock()
	handlers := append([]namedHandler(nil), h.handlers[event]...)
	h.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	ev := Event{Name: event, Payload: payload, Timestamp: time.Now()}
	for _, nh := range handlers {
		start := time.Now()
		err := nh.fn(ev)
		entry := TraceEntry{
			ID:       uuid.New().String(),
			Event:    event,
			Handler:  nh.name,
			Err:      err,
			Duration: time.Since(start),
		}

		h.mu.Lock()
		h.trace = append(h.trace, entry)
		h.mu.Unlock()
	}
}

// Trace returns every recorded entry since the hook manager was
// created, for tests and --verbose diagnostics.
func (h *Hooks) Trace() []TraceEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TraceEntry(nil), h.trace...)
}

func (e TraceEntry) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s failed: %v (%s)", e.Event, e.Handler, e.Err, e.Duration)
	}
	return fmt.Sprintf("%s: %s ok (%s)", e.Event, e.Handler, e.Duration)
}
