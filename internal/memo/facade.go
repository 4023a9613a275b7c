package memo

import (
	"context"
	"errors"
	"sync"

	"github.com/forgebuild/forge/internal/db"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/forgeerr"
)

// Kind distinguishes the two decorations spec.md §4.D exposes.
type Kind int

const (
	KindPure Kind = iota
	KindExternal
)

// Func is the body of a memoized function. It returns its result
// already serialized (e.g. via Encode), matching CallRecord.Result's
// opaque []byte shape, so the façade never needs reflection to persist
// an arbitrary return type.
type Func func(ctx context.Context, bound Bound) ([]byte, error)

// MemoFunc is a function descriptor: name, a caller-supplied digest of
// its body (Go functions aren't introspectable the way the original's
// bytecode hashing is, so the call site supplies this fingerprint
// directly), its declared Signature, and which decoration it uses.
type MemoFunc struct {
	Name   string
	Digest string
	Sig    Signature
	Kind   Kind
	body   Func
}

// Pure declares a pure-memoize function: deterministic in its declared
// arguments and the contents of its source/destination parameters, with
// no external dependencies discovered during execution.
func Pure(name, digest string, sig Signature, fn Func) MemoFunc {
	return MemoFunc{Name: name, Digest: digest, Sig: sig, Kind: KindPure, body: fn}
}

// WithExternals declares a method-memoize function: as Pure, plus the
// body may call AddExternalDependencies during execution to register
// paths discovered at runtime rather than known from its signature.
func WithExternals(name, digest string, sig Signature, fn Func) MemoFunc {
	return MemoFunc{Name: name, Digest: digest, Sig: sig, Kind: KindExternal, body: fn}
}

// Facade wraps a Backend, file-digest table, and dirtiness detector
// into the single entry point spec.md §4.D describes: call a memoized
// function, get back either a cached result or a freshly computed and
// recorded one.
type Facade struct {
	mu      sync.Mutex // serializes each Check and each record; the body runs unlocked so memoized calls can nest and run concurrently
	backend db.Backend
	files   *digest.Table
	det     *db.Detector
}

// NewFacade builds a Facade over an already-connected backend and a
// file-digest table (component A).
func NewFacade(backend db.Backend, files *digest.Table) *Facade {
	return &Facade{backend: backend, files: files, det: db.NewDetector(backend, files)}
}

// Files returns the underlying file-digest table, for callers (the
// driver's Context.ObserveFile, in particular) that need to digest a
// path outside of a memoized call's declared src/dst parameters.
func (f *Facade) Files() *digest.Table {
	return f.files
}

// Call binds args against mf's signature, consults the dirtiness
// detector, and either returns the recorded result (a hit) or invokes
// mf's body and records the outcome (a miss). On failure, nothing is
// persisted for this call, matching spec.md §4.D step 5.
func (f *Facade) Call(ctx context.Context, mf MemoFunc, args ...Arg) ([]byte, error) {
	return f.CallObserved(ctx, mf, nil, args...)
}

// CallObserved behaves exactly like Call, but additionally invokes
// observe(true) on a cache hit and observe(false) on a miss, letting a
// caller (the driver's build-event hooks, in particular) react to
// cache outcomes without duplicating the detector logic. observe may be
// nil.
func (f *Facade) CallObserved(ctx context.Context, mf MemoFunc, observe func(hit bool), args ...Arg) ([]byte, error) {
	bound, err := Bind(mf.Sig, args...)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	dec, err := f.det.Check(db.Invocation{
		FuncName:     mf.Name,
		FuncDigest:   mf.Digest,
		Bound:        bound.Serialized,
		DeclaredSrcs: bound.Srcs,
	})
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if dec.Hit() {
		if observe != nil {
			observe(true)
		}
		return dec.PreviousResult, nil
	}
	if observe != nil {
		observe(false)
	}

	callCtx := ctx
	var extBucket *bucket
	if mf.Kind == KindExternal {
		callCtx, extBucket = withBucket(ctx)
	}

	result, err := mf.body(callCtx, bound)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	err = f.record(mf, bound, dec.CallID, result, extBucket)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return result, nil
}

// record persists function, call, call-file, and external-deps state
// atomically from the perspective of any later Call in this process
// (spec.md §4.D step 5).
func (f *Facade) record(mf MemoFunc, bound Bound, priorCallID int64, result []byte, extBucket *bucket) error {
	if err := f.backend.SaveFunction(mf.Name, mf.Digest); err != nil {
		return err
	}

	callID, err := f.backend.SaveCall(mf.Name, priorCallID, bound.Serialized, result)
	if err != nil {
		return err
	}

	for _, path := range bound.Srcs {
		if err := f.observeAndSaveCallFile(callID, mf.Name, path); err != nil {
			return err
		}
	}
	for _, path := range bound.Dsts {
		if err := f.observeAndSaveCallFile(callID, mf.Name, path); err != nil {
			return err
		}
	}

	if extBucket == nil {
		return nil
	}
	srcs, dsts := extBucket.snapshot()
	digests := make(map[string][]byte, len(srcs)+len(dsts))
	for _, path := range append(append([]string(nil), srcs...), dsts...) {
		_, _, dig, err := f.files.Observe(path)
		if err != nil {
			return err
		}
		digests[path] = dig
	}
	return f.backend.SaveExternalFiles(mf.Name, callID, srcs, dsts, digests)
}

func (f *Facade) observeAndSaveCallFile(callID int64, name, path string) error {
	_, _, dig, err := f.files.Observe(path)
	if err != nil {
		var missing *forgeerr.MissingDependency
		if errors.As(err, &missing) {
			// A destination that hasn't been produced yet (e.g. the very
			// first run) is not itself a failure: spec.md only requires
			// destinations be observed when present.
			return nil
		}
		return err
	}
	return f.backend.SaveCallFile(callID, name, path, dig)
}
