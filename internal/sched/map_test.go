package sched_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/sched"
)

func TestMapPreservesOrder(t *testing.T) {
	p := sched.New(4)
	defer p.Close()

	items := []int{5, 1, 4, 2, 3}
	results, err := sched.Map(context.Background(), p, func(ctx context.Context, x int) (int, error) {
		return x * x, nil
	}, items)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	want := []int{25, 1, 16, 4, 9}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("result[%d] = %d, want %d", i, results[i], want[i])
		}
	}
}

func TestMapFirstErrorPropagates(t *testing.T) {
	p := sched.New(4)
	defer p.Close()

	boom := errors.New("boom")
	_, err := sched.Map(context.Background(), p, func(ctx context.Context, x int) (int, error) {
		if x == 3 {
			return 0, boom
		}
		return x, nil
	}, []int{1, 2, 3, 4, 5})

	if !errors.Is(err, boom) {
		t.Errorf("expected the sentinel error to propagate, got %v", err)
	}
}

// TestMapIsFanOutSafe recursively invokes Map from within a thunk
// running on a single-worker pool: with only one real worker, a naive
// implementation where the outer call blocks waiting for its nested
// Map's results would deadlock forever, since no other goroutine could
// ever drain the nested work. This must complete instead.
func TestMapIsFanOutSafe(t *testing.T) {
	p := sched.New(1)
	defer p.Close()

	outer := []int{1, 2, 3}
	results, err := sched.Map(context.Background(), p, func(ctx context.Context, x int) (int, error) {
		inner, err := sched.Map(ctx, p, func(ctx context.Context, y int) (int, error) {
			return y * 10, nil
		}, []int{x, x + 1})
		if err != nil {
			return 0, err
		}
		return inner[0] + inner[1], nil
	}, outer)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	want := []int{10 + 20, 20 + 30, 30 + 40}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("result[%d] = %d, want %d", i, results[i], want[i])
		}
	}
}

// TestMapRunsConcurrently checks that items don't execute strictly
// sequentially on the submitting goroutine: every item blocks on a
// shared gate, and the gate is only opened from a second goroutine
// after Map has been called, so Map can only return if the pool
// actually dispatched the blocked items to other goroutines.
func TestMapRunsConcurrently(t *testing.T) {
	p := sched.New(4)
	defer p.Close()

	start := make(chan struct{})
	var started int32
	allStarted := make(chan struct{})

	items := make([]int, 4)
	done := make(chan error, 1)
	go func() {
		_, err := sched.Map(context.Background(), p, func(ctx context.Context, x int) (int, error) {
			if atomic.AddInt32(&started, 1) == int32(len(items)) {
				close(allStarted)
			}
			<-start
			return x, nil
		}, items)
		done <- err
	}()

	select {
	case <-allStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("not every item started concurrently before the gate opened")
	}
	close(start)

	if err := <-done; err != nil {
		t.Fatalf("Map: %v", err)
	}
}

func TestMapEmptyItemsReturnsNil(t *testing.T) {
	p := sched.New(2)
	defer p.Close()

	results, err := sched.Map(context.Background(), p, func(ctx context.Context, x int) (int, error) {
		t.Fatal("f must not be called for an empty item list")
		return 0, nil
	}, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results, got %v", results)
	}
}

func TestMapWithDependenciesRespectsOrder(t *testing.T) {
	p := sched.New(4)
	defer p.Close()

	// a <- b <- c: c must run after b, b after a.
	items := []string{"a", "b", "c"}
	deps := map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}}

	var mu sync.Mutex
	var order []string

	_, err := sched.MapWithDependencies(context.Background(), p,
		func(x string) []string { return deps[x] },
		func(ctx context.Context, x string) (struct{}, error) {
			mu.Lock()
			order = append(order, x)
			mu.Unlock()
			return struct{}{}, nil
		}, items)
	if err != nil {
		t.Fatalf("MapWithDependencies: %v", err)
	}

	pos := map[string]int{}
	for i, x := range order {
		pos[x] = i
	}
	if !(pos["a"] < pos["b"] && pos["b"] < pos["c"]) {
		t.Errorf("expected a before b before c, got order %v", order)
	}
}

func TestMapWithDependenciesDetectsCycle(t *testing.T) {
	p := sched.New(4)
	defer p.Close()

	items := []string{"a", "b"}
	deps := map[string][]string{"a": {"b"}, "b": {"a"}}

	_, err := sched.MapWithDependencies(context.Background(), p,
		func(x string) []string { return deps[x] },
		func(ctx context.Context, x string) (struct{}, error) { return struct{}{}, nil },
		items)

	if !errors.Is(err, sched.ErrDependencyCycle) {
		t.Errorf("expected ErrDependencyCycle, got %v", err)
	}
}
