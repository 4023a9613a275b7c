// Package snapshotdb implements db.Backend as an in-memory snapshot,
// deserialized wholesale on Connect and serialized back as a single gob
// blob on Close — the "pickle the whole world" engine spec.md §4.B
// calls for, grounded on the teacher's single-file SQLite state file
// but replacing the embedded SQL engine with an encoding/gob blob for
// the cases where the caller wants no SQL dependency at all.
package snapshotdb

import (
	"encoding/gob"
	"os"
	"sync"
	"time"

	"github.com/forgebuild/forge/internal/db"
	"github.com/forgebuild/forge/internal/forgeerr"
)

type callKey struct {
	FuncName string
	Bound    string
}

type callFileKey struct {
	CallID int64
	Path   string
}

// state is exactly what gets gob-encoded to the state file. All map
// keys are plain strings/structs of comparable fields so gob needs no
// custom codec for them.
type state struct {
	Functions    map[string]string
	Calls        map[callKey]*db.CallRecord
	CallsByID    map[int64]*callKey
	CallFiles    map[callFileKey][]byte
	ExternalSrcs map[int64]map[string][]string // call-id -> func-name -> srcs
	ExternalDsts map[int64]map[string][]string
	Files        map[string]fileEntry
	NextCallID   int64
}

type fileEntry struct {
	MTime  time.Time
	Digest []byte
}

func newState() *state {
	return &state{
		Functions:    make(map[string]string),
		Calls:        make(map[callKey]*db.CallRecord),
		CallsByID:    make(map[int64]*callKey),
		CallFiles:    make(map[callFileKey][]byte),
		ExternalSrcs: make(map[int64]map[string][]string),
		ExternalDsts: make(map[int64]map[string][]string),
		Files:        make(map[string]fileEntry),
		NextCallID:   1,
	}
}

// Backend is the snapshot (in-memory, single-blob) engine.
type Backend struct {
	mu    sync.Mutex
	path  string
	state *state
}

// New returns an unconnected snapshot backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Connect(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.path = path

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		b.state = newState()
		return nil
	}
	if err != nil {
		return forgeerr.NewDatabaseError("open state file", err)
	}
	defer f.Close()

	st := newState()
	if err := gob.NewDecoder(f).Decode(st); err != nil {
		return forgeerr.NewDatabaseError("decode state file", err)
	}
	b.state = st
	return nil
}

// Close serializes the whole in-memory state to a single file. It must
// not be interrupted mid-write by the caller; the driver is responsible
// for masking the cancel signal around this call (spec.md §5).
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tmp := b.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return forgeerr.NewDatabaseError("create state file", err)
	}

	if err := gob.NewEncoder(f).Encode(b.state); err != nil {
		f.Close()
		os.Remove(tmp)
		return forgeerr.NewDatabaseError("encode state file", err)
	}
	if err := f.Close(); err != nil {
		return forgeerr.NewDatabaseError("close state file", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return forgeerr.NewDatabaseError("finalize state file", err)
	}
	return nil
}

func (b *Backend) FindFunction(name string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	digest, ok := b.state.Functions[name]
	return digest, ok, nil
}

func (b *Backend) SaveFunction(name, digest string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, existed := b.state.Functions[name]
	b.state.Functions[name] = digest

	if existed && prev == digest {
		return nil
	}

	// Cascade: drop every call, call-file, and external-deps record that
	// belongs to this function-name.
	for key, rec := range b.state.Calls {
		if key.FuncName != name {
			continue
		}
		delete(b.state.Calls, key)
		delete(b.state.CallsByID, rec.ID)
		for cfKey := range b.state.CallFiles {
			if cfKey.CallID == rec.ID {
				delete(b.state.CallFiles, cfKey)
			}
		}
		delete(b.state.ExternalSrcs, rec.ID)
		delete(b.state.ExternalDsts, rec.ID)
	}
	return nil
}

func (b *Backend) FindCall(name, bound string) (int64, []byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.state.Calls[callKey{FuncName: name, Bound: bound}]
	if !ok {
		return db.NoCallID, nil, false, nil
	}
	return rec.ID, rec.Result, true, nil
}

func (b *Backend) SaveCall(name string, priorCallID int64, bound string, result []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := priorCallID
	if id == db.NoCallID {
		id = b.state.NextCallID
		b.state.NextCallID++
	}

	key := callKey{FuncName: name, Bound: bound}
	rec := &db.CallRecord{ID: id, FuncName: name, Bound: bound, Result: result}
	b.state.Calls[key] = rec
	b.state.CallsByID[id] = &key
	return id, nil
}

func (b *Backend) FindCallFile(callID int64, name, path string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dig, ok := b.state.CallFiles[callFileKey{CallID: callID, Path: path}]
	return dig, ok, nil
}

func (b *Backend) SaveCallFile(callID int64, name, path string, digest []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.CallFiles[callFileKey{CallID: callID, Path: path}] = digest
	return nil
}

func (b *Backend) FindExternalSrcs(callID int64, name string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byFunc, ok := b.state.ExternalSrcs[callID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), byFunc[name]...), nil
}

func (b *Backend) FindExternalDsts(callID int64, name string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byFunc, ok := b.state.ExternalDsts[callID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), byFunc[name]...), nil
}

func (b *Backend) SaveExternalFiles(name string, callID int64, srcs, dsts []string, digests map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.ExternalSrcs[callID] == nil {
		b.state.ExternalSrcs[callID] = make(map[string][]string)
	}
	if b.state.ExternalDsts[callID] == nil {
		b.state.ExternalDsts[callID] = make(map[string][]string)
	}
	b.state.ExternalSrcs[callID][name] = append([]string(nil), srcs...)
	b.state.ExternalDsts[callID][name] = append([]string(nil), dsts...)

	for path, dig := range digests {
		b.state.CallFiles[callFileKey{CallID: callID, Path: path}] = dig
	}
	return nil
}

func (b *Backend) FindFile(path string) (time.Time, []byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.state.Files[path]
	if !ok {
		return time.Time{}, nil, false, nil
	}
	return entry.MTime, entry.Digest, true, nil
}

func (b *Backend) SaveFile(path string, mtime time.Time, digest []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.Files[path] = fileEntry{MTime: mtime, Digest: digest}
	return nil
}

func (b *Backend) DumpCalls() (map[string]map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]map[string][]byte)
	for key, rec := range b.state.Calls {
		if out[key.FuncName] == nil {
			out[key.FuncName] = make(map[string][]byte)
		}
		out[key.FuncName][key.Bound] = rec.Result
	}
	return out, nil
}

func (b *Backend) DeleteCall(name, bound string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := callKey{FuncName: name, Bound: bound}
	rec, ok := b.state.Calls[key]
	if !ok {
		return nil
	}

	delete(b.state.Calls, key)
	delete(b.state.CallsByID, rec.ID)
	for cfKey := range b.state.CallFiles {
		if cfKey.CallID == rec.ID {
			delete(b.state.CallFiles, cfKey)
		}
	}
	delete(b.state.ExternalSrcs, rec.ID)
	delete(b.state.ExternalDsts, rec.ID)
	return nil
}

var _ db.Backend = (*Backend)(nil)
