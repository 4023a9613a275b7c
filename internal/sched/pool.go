// Package sched implements the fixed-size worker-pool scheduler
// (component E): N goroutine workers draining one shared queue of
// thunks, generalized from the teacher's goroutine-plus-channel idiom
// (core.Engine.watchConfig/notifyWatchers spawning `go fn(event)`) into
// a real pool with fan-out-safe re-entrant Map calls.
package sched

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrDependencyCycle is returned by MapWithDependencies when the
// caller-supplied dependency function describes a cycle.
var ErrDependencyCycle = errors.New("sched: dependency cycle detected")

// interruptibleSlack bounds how many Interruptible scopes may be open
// concurrently across the pool, independent of the fixed worker count.
const interruptibleSlack = 8

type task struct {
	fn func()
}

// permitKey marks a context as belonging to a call stack that already
// holds one of the pool's N capacity permits. A goroutine running
// inside an acquired permit that re-enters the pool (a thunk calling
// Map again) must not acquire a second one for the same physical
// stack: that would shrink the pool's real concurrency by one for as
// long as the nested call runs, and on a single-worker pool there is
// no second permit to acquire, which is what used to deadlock.
type permitKey struct{}

func withPermit(ctx context.Context) context.Context {
	return context.WithValue(ctx, permitKey{}, true)
}

func hasPermit(ctx context.Context) bool {
	v, _ := ctx.Value(permitKey{}).(bool)
	return v
}

// Pool is a fixed-size set of N goroutine workers pulling thunks off a
// shared queue. Re-entrant Map/MapWithDependencies calls made from
// inside a running thunk do not block their calling goroutine idly:
// they help drain the same queue while waiting on their own children,
// so a pool where every worker is nested inside a Map call never
// deadlocks waiting on work nobody is free to run. The goroutine
// helping drain never acquires a second capacity permit for itself: it
// already holds one from the outer call it is blocked inside of (see
// permitKey), so on a single-worker pool the nested call runs
// synchronously on that same goroutine instead of trying to acquire a
// permit nothing will ever release.
type Pool struct {
	n     int
	queue chan task
	sem   *semaphore.Weighted // size n; gates concurrent thunk execution
	slack *semaphore.Weighted // size interruptibleSlack; gates Interruptible scopes

	wg sync.WaitGroup
}

// New starts a Pool with exactly n persistent worker goroutines, per
// spec.md §5's "fixed count N chosen at start".
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		n:     n,
		queue: make(chan task, n*8),
		sem:   semaphore.NewWeighted(int64(n)),
		slack: semaphore.NewWeighted(int64(interruptibleSlack)),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

// Close stops accepting new work and waits for the persistent workers
// to drain the queue and exit.
func (p *Pool) Close() {
	close(p.queue)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.runInline(t.fn)
	}
}

// runInline always acquires a fresh permit: it backs the persistent
// worker loop, where the calling goroutine never already holds one.
func (p *Pool) runInline(fn func()) {
	p.sem.Acquire(context.Background(), 1)
	defer p.sem.Release(1)
	fn()
}

// submit hands fn to a persistent worker if one is free; if the queue
// is full (a burst larger than the buffer, or every worker already
// nested in its own Map call), it runs fn on the calling goroutine
// instead of blocking forever on a send nobody will receive. callerCtx
// identifies whether the calling goroutine already holds a permit (see
// permitKey): if so, fn runs directly rather than acquiring a second
// permit from the same capacity-N semaphore the caller is blocked
// under.
func (p *Pool) submit(callerCtx context.Context, fn func()) {
	select {
	case p.queue <- task{fn: fn}:
	default:
		if hasPermit(callerCtx) {
			fn()
			return
		}
		p.runInline(fn)
	}
}

// stealOne runs at most one queued thunk on the calling goroutine,
// reporting whether it found one. This is the fan-out-safety mechanism:
// a goroutine waiting on its own submitted children calls this instead
// of idly blocking, so pending work still makes progress even if every
// persistent worker is itself nested and unavailable. As with submit,
// callerCtx already holding a permit means the stolen thunk runs
// directly on this goroutine instead of acquiring a second permit it
// cannot obtain without deadlocking.
func (p *Pool) stealOne(callerCtx context.Context) bool {
	select {
	case t := <-p.queue:
		if hasPermit(callerCtx) {
			t.fn()
		} else {
			p.runInline(t.fn)
		}
		return true
	default:
		return false
	}
}

// Interruptible marks that the calling thunk is about to block on
// external I/O (e.g. inside an Executor call) rather than do CPU work.
// It takes one slot of the separate slack semaphore (interruptibleSlack
// slots pool-wide), blocking until a slot is free or ctx is done; if
// ctx ends first, it returns a no-op release. It does not give back the
// caller's worker permit, so no extra thunk runs beyond the fixed N
// while the scope is held. release may be called more than once; only
// the first call frees the slot.
func (p *Pool) Interruptible(ctx context.Context) (release func()) {
	if err := p.slack.Acquire(ctx, 1); err != nil {
		return func() {}
	}
	var once sync.Once
	return func() {
		once.Do(func() { p.slack.Release(1) })
	}
}
