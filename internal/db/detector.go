package db

import (
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/forgeerr"
)

// Invocation is the pending call the Detector is asked to judge.
type Invocation struct {
	FuncName     string
	FuncDigest   string
	Bound        string // canonical argument serialization
	DeclaredSrcs []string
}

// Decision is the Detector's verdict, covering every input the
// memoization façade needs to either reuse a cached result or run and
// record a fresh one.
type Decision struct {
	FunctionDirty    bool
	CallID           int64 // NoCallID if absent
	PreviousResult   []byte
	DirtyFileDigests map[string][]byte // declared-src path -> freshly observed digest, for sources found dirty
	ExternalDirty    bool
	ExternalSrcs     []string
	ExternalDsts     []string
	ExternalDigests  map[string][]byte
}

// Hit reports whether the invocation may reuse PreviousResult: the
// function is unchanged, a call record exists, and every declared and
// external source matches its recorded digest.
func (d Decision) Hit() bool {
	return !d.FunctionDirty && d.CallID != NoCallID && len(d.DirtyFileDigests) == 0 && len(d.ExternalDigests) == 0 && !d.ExternalDirty
}

// Detector decides per-invocation whether a cached result may be reused,
// by comparing recorded digests against current filesystem state and
// the current function body (spec.md §4.C). The caller is responsible
// for serializing concurrent calls to Check for the same call-id; the
// Detector itself assumes no concurrency.
type Detector struct {
	backend Backend
	files   *digest.Table
}

// NewDetector builds a Detector over backend, using files as the
// file-digest table (component A).
func NewDetector(backend Backend, files *digest.Table) *Detector {
	return &Detector{backend: backend, files: files}
}

// Check runs the algorithm from spec.md §4.C steps 1-4.
func (d *Detector) Check(inv Invocation) (Decision, error) {
	dec := Decision{
		CallID:           NoCallID,
		DirtyFileDigests: make(map[string][]byte),
		ExternalDigests:  make(map[string][]byte),
	}

	// Step 1: function dirtiness.
	prevDigest, found, err := d.backend.FindFunction(inv.FuncName)
	if err != nil {
		return Decision{}, forgeerr.NewDatabaseError("find function", err)
	}
	dec.FunctionDirty = !found || prevDigest != inv.FuncDigest

	// Step 2: call lookup.
	callID, result, found, err := d.backend.FindCall(inv.FuncName, inv.Bound)
	if err != nil {
		return Decision{}, forgeerr.NewDatabaseError("find call", err)
	}
	if found {
		dec.CallID = callID
		dec.PreviousResult = result
	}

	// Step 3: declared sources.
	for _, path := range inv.DeclaredSrcs {
		dirty, observedDigest, err := d.checkCallFile(dec.CallID, inv.FuncName, path)
		if err != nil {
			return Decision{}, err
		}
		if dirty {
			dec.DirtyFileDigests[path] = observedDigest
		}
	}

	// Step 4: external sources recorded from a previous run of this call.
	if dec.CallID != NoCallID {
		srcs, err := d.backend.FindExternalSrcs(dec.CallID, inv.FuncName)
		if err != nil {
			return Decision{}, forgeerr.NewDatabaseError("find external srcs", err)
		}
		dsts, err := d.backend.FindExternalDsts(dec.CallID, inv.FuncName)
		if err != nil {
			return Decision{}, forgeerr.NewDatabaseError("find external dsts", err)
		}
		dec.ExternalSrcs = srcs
		dec.ExternalDsts = dsts

		for _, path := range srcs {
			dirty, observedDigest, cerr := d.checkCallFile(dec.CallID, inv.FuncName, path)
			if cerr != nil {
				// An external source that can no longer be stat'd forces a
				// rerun to recover (spec.md §4.C step 4) rather than
				// failing the whole detection.
				dec.ExternalDirty = true
				continue
			}
			if dirty {
				dec.ExternalDigests[path] = observedDigest
			}
		}
	}

	return dec, nil
}

// checkCallFile observes path and compares it against the call's
// recorded digest. A call with no prior call-id is always dirty for any
// declared source, since there is nothing to compare against.
func (d *Detector) checkCallFile(callID int64, funcName, path string) (dirty bool, observedDigest []byte, err error) {
	_, _, observedDigest, oerr := d.files.Observe(path)
	if oerr != nil {
		return false, nil, oerr
	}

	if callID == NoCallID {
		return true, observedDigest, nil
	}

	prevDigest, found, ferr := d.backend.FindCallFile(callID, funcName, path)
	if ferr != nil {
		return false, nil, forgeerr.NewDatabaseError("find call file", ferr)
	}
	if !found || !bytesEqual(prevDigest, observedDigest) {
		return true, observedDigest, nil
	}
	return false, observedDigest, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
