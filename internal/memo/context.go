package memo

import (
	"context"
	"sync"
)

// bucket accumulates the external dependencies a method-memoized
// function declares mid-execution via AddExternalDependencies. It is
// stashed in the context passed to the call, never a package global, so
// two re-entrant memoized calls running on different goroutines (or
// nested on the same one) never contaminate each other's bookkeeping.
type bucket struct {
	mu   sync.Mutex
	srcs []string
	dsts []string
}

type bucketKey struct{}

func withBucket(ctx context.Context) (context.Context, *bucket) {
	b := &bucket{}
	return context.WithValue(ctx, bucketKey{}, b), b
}

// AddExternalDependencies is the method-memoize hook (spec.md §4.D point
// 2): a function running under WithExternals calls this to declare
// source/destination paths discovered during execution rather than
// known from its signature. Calling it outside a WithExternals call is
// a silent no-op, matching how a bare pure-memoize call has nowhere to
// record the effect.
func AddExternalDependencies(ctx context.Context, srcs, dsts []string) {
	b, ok := ctx.Value(bucketKey{}).(*bucket)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.srcs = append(b.srcs, srcs...)
	b.dsts = append(b.dsts, dsts...)
}

func (b *bucket) snapshot() (srcs, dsts []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.srcs...), append([]string(nil), b.dsts...)
}
