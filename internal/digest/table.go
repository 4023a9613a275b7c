// Package digest implements the file-digest table (component A): a
// pathname to (mtime, content-digest) cache with an mtime-first fast
// path, so repeated builds don't re-hash unchanged sources.
package digest

import (
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// trustWindow is how long after an mtime we consider it reliable enough
// to skip re-reading the file (filesystems commonly have ~1s mtime
// resolution, so anything observed more recently could still change
// without the mtime moving).
const trustWindow = 1 * time.Second

// Record is one row of the file-digest table.
type Record struct {
	MTime  time.Time
	Digest []byte
}

// Table maps pathname to its last-seen (mtime, digest). Record reads
// take a shared read lock; writes to a given path are
// serialized through a per-path mutex so two concurrent observers of
// the same path see a consistent result, per the shared-resource policy.
type Table struct {
	mu      sync.RWMutex
	records map[string]Record
	locks   sync.Map // path -> *sync.Mutex
}

// New creates an empty file-digest table.
func New() *Table {
	return &Table{records: make(map[string]Record)}
}

// Snapshot returns a copy of all records, for persistence by a Backend.
func (t *Table) Snapshot() map[string]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Record, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}

// Load replaces the table's contents, for restoring a Backend snapshot.
func (t *Table) Load(records map[string]Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[string]Record, len(records))
	for k, v := range records {
		t.records[k] = v
	}
}

func (t *Table) pathLock(path string) *sync.Mutex {
	l, _ := t.locks.LoadOrStore(path, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Evict drops path's cached record, forcing the next Observe to re-stat
// and re-hash it regardless of the trust window. A Watcher calls this
// when the filesystem reports a change out-of-band from a build.
func (t *Table) Evict(path string) {
	t.mu.Lock()
	delete(t.records, path)
	t.mu.Unlock()
	t.locks.Delete(path)
}

// Observe implements spec.md's file-digest algorithm (§4.A):
//  1. stat the file (FileMissing on I/O failure)
//  2. look up the previous record
//  3. fast path: same mtime, and that mtime is more than trustWindow in the past -> reuse digest
//  4. otherwise re-read and digest the file
//  5. unchanged content -> update mtime only, changed=false
//  6. changed content (or no previous record) -> write new record, changed=true
func (t *Table) Observe(path string) (changed bool, mtime time.Time, dig []byte, err error) {
	lock := t.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	info, statErr := os.Stat(path)
	if statErr != nil {
		return false, time.Time{}, nil, forgeerr.NewMissingDependency(path, statErr)
	}
	mtime = info.ModTime()

	t.mu.RLock()
	prev, ok := t.records[path]
	t.mu.RUnlock()

	if ok && prev.MTime.Equal(mtime) && time.Since(mtime) > trustWindow {
		return false, mtime, prev.Digest, nil
	}

	dig, err = hashFile(path)
	if err != nil {
		return false, time.Time{}, nil, forgeerr.NewMissingDependency(path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ok && bytesEqual(prev.Digest, dig) {
		t.records[path] = Record{MTime: mtime, Digest: dig}
		return false, mtime, dig, nil
	}

	t.records[path] = Record{MTime: mtime, Digest: dig}
	return true, mtime, dig, nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := blake2b.New(16, nil) // 128-bit digest, per spec.md's "128-bit-or-wider" requirement
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}
	return h.Sum(nil), nil
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
