package digest

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
)

// watchedDirCap bounds how many directories a Watcher keeps live in
// fsnotify at once, so a long-running --watch session over a large
// tree doesn't grow the underlying inotify watch list unboundedly; the
// least-recently-touched directory is dropped to make room.
const watchedDirCap = 512

// Watcher evicts Table entries proactively when the filesystem reports
// a change, so a long-running build server's next Observe call always
// re-hashes rather than trusting a stale mtime. Table and Observe don't
// depend on a Watcher existing; driver.Run's --watch mode is what
// actually constructs and drives one in production.
type Watcher struct {
	mu      sync.Mutex
	tbl     *Table
	fsw     *fsnotify.Watcher
	dirs    *lru.Cache[string, struct{}]
	done    chan struct{}
	errCh   chan error
	changed chan string
}

// NewWatcher creates a Watcher that evicts entries from tbl as changes
// are observed. Call WatchDir for each directory of interest, then Run
// to start processing events.
func NewWatcher(tbl *Table) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("digest: starting watcher: %w", err)
	}

	w := &Watcher{
		tbl:     tbl,
		fsw:     fsw,
		done:    make(chan struct{}),
		errCh:   make(chan error, 1),
		changed: make(chan string, 64),
	}
	w.dirs, err = lru.NewWithEvict(watchedDirCap, func(dir string, _ struct{}) {
		_ = fsw.Remove(dir)
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// WatchDir adds dir to the watch set, evicting the least-recently-added
// directory if the watcher is already at capacity.
func (w *Watcher) WatchDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("digest: watching %s: %w", dir, err)
	}
	w.dirs.Add(dir, struct{}{})
	return nil
}

// Run processes filesystem events until Close is called, evicting the
// changed path from the Table on every write, create, remove, or
// rename event. It blocks and is meant to run in its own goroutine.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.tbl.Evict(ev.Name)
				select {
				case w.changed <- ev.Name:
				default:
					// A build server slower than the change rate; drop
					// the notification, the next one still triggers a
					// rebuild that covers it.
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errCh <- err:
			default:
			}
		case <-w.done:
			return
		}
	}
}

// Errors returns the channel Run reports non-fatal fsnotify errors on.
func (w *Watcher) Errors() <-chan error {
	return w.errCh
}

// Changed returns the channel Run reports each evicted path on, so a
// build-server loop can trigger a rebuild instead of merely benefiting
// from the next Observe call re-hashing rather than trusting mtime.
func (w *Watcher) Changed() <-chan string {
	return w.changed
}

// Close stops Run and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
