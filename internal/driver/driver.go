// Package driver implements the command-line shell spec.md §5/§6
// describes: flag parsing, state-file engine selection, the
// SIGINT-masked save on the way out, and the error-taxonomy-to-exit-code
// mapping. It is grounded on the teacher's cmd/goclode/main.go flag
// wiring and its signal handling in the original Python
// fbuild.context.
package driver

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/forgebuild/forge/internal/db"
	"github.com/forgebuild/forge/internal/db/snapshotdb"
	"github.com/forgebuild/forge/internal/db/sqldb"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/exec"
	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/logx"
	"github.com/forgebuild/forge/internal/memo"
	"github.com/forgebuild/forge/internal/sched"
)

// Options holds the flags common to every build driven by this
// package; a Project may add its own flags in PreOptions.
type Options struct {
	Jobs         int
	BuildRoot    string
	StateFile    string
	Verbose      bool
	Configure    bool
	Watch        bool
	WatchDirs    []string
	ConfigDump   bool
	ConfigQuery  []string
	ConfigRemove []string
}

// Context is handed to Project.Build: every shared component a build
// script needs, already wired to the selected state-file engine.
type Context struct {
	context.Context
	Options  Options
	Log      *logx.Logger
	DB       *memo.Facade
	Pool     *sched.Pool
	Execute  exec.Executor
	Hooks    *Hooks
	Registry *exec.Registry
	History  *History
	Backend  db.Backend
	// Watcher is non-nil only when --watch was given; a Project may
	// consult it, but the driver already drives it against ctx.DB's
	// file-digest table on its own.
	Watcher *digest.Watcher
}

// WatchDirsProvider is implemented by a Project that knows which
// directories its sources live under, so --watch can fsnotify-watch
// them without the caller repeating the list on the command line.
type WatchDirsProvider interface {
	WatchDirs() []string
}

// Call invokes mf through ctx.DB, emitting EventCallHit or
// EventCallMiss on ctx.Hooks according to the outcome, and letting any
// registered handler (the run history in particular) observe it.
func (c *Context) Call(mf memo.MemoFunc, args ...memo.Arg) ([]byte, error) {
	return c.DB.CallObserved(c, mf, func(hit bool) {
		payload := map[string]any{"function": mf.Name}
		if hit {
			c.Hooks.Emit(EventCallHit, payload)
		} else {
			c.Hooks.Emit(EventCallMiss, payload)
		}
	}, args...)
}

// ObserveFile digests path through the shared file-digest table and
// accrues its size onto the current run's summary, the way a build
// script reports the sources it actually had to re-hash.
func (c *Context) ObserveFile(path string) (changed bool, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return false, statErr
	}
	changed, _, _, err = c.files().Observe(path)
	if err != nil {
		return false, err
	}
	c.History.AddBytesDigested(info.Size())
	return changed, nil
}

func (c *Context) files() *digest.Table {
	return c.DB.Files()
}

// Project is implemented by the program embedding this driver: a
// build script that wants memoized calls, parallel scheduling, and the
// CLI surface spec.md §6 describes for free.
type Project interface {
	// PreOptions registers any project-specific flags before parsing.
	PreOptions(fs *flag.FlagSet) error
	// PostOptions validates parsed flags and positional arguments.
	PostOptions(fs *flag.FlagSet, args []string) error
	// Build runs the project's build graph against ctx.
	Build(ctx *Context) error
}

// Run parses os.Args, wires up the selected backend, runs
// project.Build, and returns the process exit code spec.md §5's error
// taxonomy prescribes: 0 on success, 1 for any forgeerr.Error, 2 for a
// flag or configuration mistake.
func Run(project Project, args []string) int {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	opts := &Options{}

	fs.IntVar(&opts.Jobs, "j", runtime.NumCPU(), "number of parallel workers")
	fs.StringVar(&opts.BuildRoot, "buildroot", "build", "build output directory")
	fs.StringVar(&opts.StateFile, "state-file", "", "state file path (default: <buildroot>/forge.db)")
	fs.BoolVar(&opts.Verbose, "v", false, "verbose logging")
	fs.BoolVar(&opts.Verbose, "verbose", false, "verbose logging")
	fs.BoolVar(&opts.Configure, "configure", false, "discard prior state before running")
	fs.BoolVar(&opts.Watch, "watch", false, "stay running and rebuild on source changes")
	watchDirs := fs.String("watch-dir", "", "space-separated directories to watch (default: the project's WatchDirs, or \".\")")
	configDump := fs.Bool("config-dump", false, "print every recorded call and exit")
	configQuery := fs.String("config-query", "", "space-separated \"func key\" pairs to print and exit")
	configRemove := fs.String("config-remove", "", "space-separated \"func key\" pairs to delete and exit")

	if err := project.PreOptions(fs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	opts.ConfigDump = *configDump
	opts.ConfigQuery = splitFields(*configQuery)
	opts.ConfigRemove = splitFields(*configRemove)
	opts.WatchDirs = splitFields(*watchDirs)

	if err := project.PostOptions(fs, fs.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if opts.StateFile == "" {
		opts.StateFile = filepath.Join(opts.BuildRoot, "forge.db")
	}

	log := logx.New()
	log.SetVerbose(opts.Verbose)

	if err := os.MkdirAll(opts.BuildRoot, 0o755); err != nil {
		log.Error("creating build root: %v", err)
		return 1
	}

	if opts.Configure {
		if err := discardState(opts.StateFile); err != nil {
			log.Error("discarding prior state: %v", err)
			return 1
		}
		log.Info("discarded prior state at %s", opts.StateFile)
	}

	backend, err := openBackend(opts.StateFile)
	if err != nil {
		log.Error("opening state file: %v", err)
		return 1
	}

	// Mask the interrupt signal around Close so a cache save that has
	// already begun always finishes, mirroring the original's
	// signal.signal(SIGINT, SIG_IGN) around its own context teardown.
	closeBackend := func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		signal.Ignore(os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		if err := backend.Close(); err != nil {
			log.Error("saving state: %v", err)
		}
	}
	defer closeBackend()

	if opts.ConfigDump || len(opts.ConfigQuery) > 0 || len(opts.ConfigRemove) > 0 {
		return RunConfigCommand(backend, opts, log)
	}

	files := digest.New()
	facade := memo.NewFacade(backend, files)
	pool := sched.New(opts.Jobs)
	defer pool.Close()

	registry := exec.NewRegistry()
	registry.Register("subprocess", exec.NewSubprocess())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; ok {
			cancel()
		}
	}()
	defer signal.Stop(sigCh)

	bc := &Context{
		Context:  ctx,
		Options:  *opts,
		Log:      log,
		DB:       facade,
		Pool:     pool,
		Execute:  registry.Current(),
		Hooks:    NewHooks(),
		Registry: registry,
		History:  NewHistory(),
		Backend:  backend,
	}

	bc.Hooks.Register(EventCallHit, "history", func(Event) error {
		bc.History.RecordHit()
		return nil
	})
	bc.Hooks.Register(EventCallMiss, "history", func(Event) error {
		bc.History.RecordMiss()
		return nil
	})

	var watcher *digest.Watcher
	if opts.Watch {
		w, err := newProjectWatcher(project, files, opts.WatchDirs)
		if err != nil {
			log.Error("starting --watch: %v", err)
			return 1
		}
		watcher = w
		bc.Watcher = watcher
		go watcher.Run()
		defer watcher.Close()
	}

	buildOnce := func() error {
		run := bc.History.StartRun()
		defer bc.History.EndRun()
		if err := project.Build(bc); err != nil {
			return err
		}
		log.Summary(run.Hits, run.Misses, run.BytesDigested, run.Duration())
		return nil
	}

	if err := buildOnce(); err != nil {
		return exitCodeFor(err, log)
	}

	if !opts.Watch {
		return 0
	}

	log.Info("watching for changes (Ctrl-C to stop)")
	for {
		select {
		case <-ctx.Done():
			return 0
		case path, ok := <-watcher.Changed():
			if !ok {
				return 0
			}
			log.Info("change detected: %s", path)
			if err := buildOnce(); err != nil {
				log.Error("rebuild failed: %v", err)
			}
		}
	}
}

// newProjectWatcher builds a digest.Watcher over files and starts
// watching dirs, falling back to the project's own WatchDirs (if it
// implements WatchDirsProvider) and finally the working directory when
// neither supplies an explicit list.
func newProjectWatcher(project Project, files *digest.Table, dirs []string) (*digest.Watcher, error) {
	if len(dirs) == 0 {
		if wp, ok := project.(WatchDirsProvider); ok {
			dirs = wp.WatchDirs()
		}
	}
	if len(dirs) == 0 {
		dirs = []string{"."}
	}

	w, err := digest.NewWatcher(files)
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := w.WatchDir(dir); err != nil {
			w.Close()
			return nil, err
		}
	}
	return w, nil
}

// discardState removes a prior state file so the next Connect starts
// from an empty backend, per spec.md §6's "--configure: discard prior
// state before running". A state file that doesn't exist yet is not
// an error.
func discardState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func openBackend(path string) (db.Backend, error) {
	var backend db.Backend
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sqldb", ".sqlite":
		backend = sqldb.New()
	default:
		backend = snapshotdb.New()
	}
	if err := backend.Connect(path); err != nil {
		return nil, err
	}
	return backend, nil
}

func exitCodeFor(err error, log *logx.Logger) int {
	var cancelled *forgeerr.Cancelled
	if errors.As(err, &cancelled) {
		log.Warn("build cancelled")
		return 1
	}

	var fe forgeerr.Error
	if errors.As(err, &fe) {
		log.Error("%v", fe)
		return 1
	}

	log.Error("%v", err)
	return 1
}

func splitFields(s string) []string {
	return strings.Fields(s)
}
