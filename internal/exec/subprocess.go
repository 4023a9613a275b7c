package exec

import (
	"bytes"
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"syscall"
	"time"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// Subprocess is the reference Executor: os/exec-backed, cancellable via
// ctx, and timeout-killing the whole process group rather than just the
// direct child, adapted from the teacher's git.Manager.exec helper
// (bytes.Buffer capture, Dir, wrapped error messages) generalized from
// a fixed "git" invocation to an arbitrary argv.
type Subprocess struct{}

// NewSubprocess returns the reference os/exec Executor.
func NewSubprocess() *Subprocess { return &Subprocess{} }

func (s *Subprocess) Execute(ctx context.Context, argv []string, opts ExecOptions) (Result, error) {
	if len(argv) == 0 {
		return Result{}, forgeerr.NewSpawnError(argv, os.ErrInvalid)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := osexec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Stdin = opts.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if len(cmd.Env) > 0 {
		cmd.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	if opts.Capture {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	// WaitDelay ensures that once the context is done, the whole process
	// group is killed rather than leaving an orphaned grandchild running
	// past the deadline.
	cmd.WaitDelay = 5 * time.Second
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	startErr := cmd.Start()
	if startErr != nil {
		return Result{}, forgeerr.NewSpawnError(argv, startErr)
	}

	runErr := cmd.Wait()

	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if runErr == nil {
		return result, nil
	}

	if runCtx.Err() != nil {
		return result, forgeerr.NewExecutionTimedOut(argv)
	}

	var exitErr *osexec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, forgeerr.NewExecutionError(argv, result.ExitCode, result.Stdout, result.Stderr)
	}

	return result, forgeerr.NewSpawnError(argv, runErr)
}

var _ Executor = (*Subprocess)(nil)
