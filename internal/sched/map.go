package sched

import (
	"context"
	"sync"
)

// Map applies f to each item and returns results in input order
// (Testable Property 7: ordering), whether called from the main
// goroutine or from inside a thunk already running on the pool. The
// first error cancels every not-yet-started sibling; siblings already
// running are allowed to finish, and their results are discarded.
func Map[T, R any](ctx context.Context, p *Pool, f func(context.Context, T) (R, error), items []T) ([]R, error) {
	n := len(items)
	if n == 0 {
		return nil, nil
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]R, n)
	var firstErr error
	var errOnce bool
	var mu sync.Mutex

	done := make(chan struct{}, n)

	for i, item := range items {
		i, item := i, item
		p.submit(ctx, func() {
			if cctx.Err() != nil {
				done <- struct{}{}
				return
			}
			// By the time this body runs, the pool has committed one of
			// its N permits to it (freshly acquired, or inherited from a
			// caller already running under one). Mark it so a nested
			// Map call made from f sees that it must not acquire a
			// second one for the same call stack.
			r, err := f(withPermit(cctx), item)
			if err != nil {
				mu.Lock()
				if !errOnce {
					errOnce = true
					firstErr = err
				}
				mu.Unlock()
				cancel()
				done <- struct{}{}
				return
			}
			results[i] = r
			done <- struct{}{}
		})
	}

	// Helper-drain: wait for all n thunks to report completion. While
	// waiting, help the pool make progress by stealing queued work onto
	// this goroutine instead of idly blocking, so a call to Map made
	// from inside a worker thunk can never deadlock the pool.
	completed := 0
	for completed < n {
		select {
		case <-done:
			completed++
			continue
		default:
		}
		if !p.stealOne(ctx) {
			if hasPermit(ctx) {
				// Hand the permit back while idle: a child may already be
				// dequeued by a worker that is waiting for a permit.
				p.sem.Release(1)
				<-done
				p.sem.Acquire(context.Background(), 1)
			} else {
				<-done
			}
			completed++
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// MapWithDependencies schedules items in topological order by Kahn's
// algorithm: f(x) only runs once f(y) has completed for every y in
// deps of x reported by depsOf, with each independent "layer" of the
// topological order run concurrently via Map. A residual non-empty
// in-degree set (i.e. a cycle) is reported as ErrDependencyCycle.
func MapWithDependencies[T comparable, R any](ctx context.Context, p *Pool, depsOf func(T) []T, f func(context.Context, T) (R, error), items []T) ([]R, error) {
	n := len(items)
	if n == 0 {
		return nil, nil
	}

	index := make(map[T]int, n)
	for i, it := range items {
		index[it] = i
	}

	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, it := range items {
		for _, dep := range depsOf(it) {
			di, ok := index[dep]
			if !ok {
				continue // a dependency outside this item set is already satisfied
			}
			indegree[i]++
			dependents[di] = append(dependents[di], i)
		}
	}

	results := make([]R, n)
	remaining := n

	var ready []int
	for i, deg := range indegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}

	for remaining > 0 {
		if len(ready) == 0 {
			return nil, ErrDependencyCycle
		}

		layer := ready
		ready = nil

		layerResults, err := Map(ctx, p, func(ctx context.Context, idx int) (R, error) {
			return f(ctx, items[idx])
		}, layer)
		if err != nil {
			return nil, err
		}

		for li, idx := range layer {
			results[idx] = layerResults[li]
			remaining--
			for _, dep := range dependents[idx] {
				indegree[dep]--
				if indegree[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
	}

	return results, nil
}
