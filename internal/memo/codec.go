package memo

import (
	"bytes"
	"encoding/gob"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// ContextRef is a sentinel a memoized function can embed in its result
// in place of a live handle (a *driver.Context, an open file, a logger)
// that must never be serialized into the call-record blob. Encode
// substitutes it for nothing; Decode leaves it zero-valued, so callers
// re-attach the real handle themselves after decoding rather than
// expecting it to survive the round trip. This is the Go analogue of
// the teacher/original's Pickler/Unpickler context-sentinel substitution.
type ContextRef struct{}

// GobEncode makes ContextRef encode to an empty, fixed representation
// regardless of whatever process state it might conceptually stand in
// for.
func (ContextRef) GobEncode() ([]byte, error) { return []byte{}, nil }

// GobDecode is a no-op: the zero ContextRef is the only value this type
// ever holds.
func (*ContextRef) GobDecode([]byte) error { return nil }

// Encode gob-encodes v for storage as a CallRecord result blob.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, forgeerr.NewDatabaseError("encode call result", err)
	}
	return buf.Bytes(), nil
}

// Decode restores a value previously written by Encode. Decoding an
// empty blob (an absent previous result) leaves out untouched.
func Decode(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return forgeerr.NewDatabaseError("decode call result", err)
	}
	return nil
}
