package exec_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/exec"
	"github.com/forgebuild/forge/internal/forgeerr"
)

func TestSubprocessCapturesStdout(t *testing.T) {
	s := exec.NewSubprocess()
	res, err := s.Execute(context.Background(), []string{"echo", "hello"}, exec.ExecOptions{Capture: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := string(bytes.TrimSpace(res.Stdout)); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestSubprocessNonZeroExit(t *testing.T) {
	s := exec.NewSubprocess()
	_, err := s.Execute(context.Background(), []string{"sh", "-c", "exit 7"}, exec.ExecOptions{Capture: true})

	var execErr *forgeerr.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *forgeerr.ExecutionError, got %T (%v)", err, err)
	}
	if execErr.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", execErr.ExitCode)
	}
}

func TestSubprocessSpawnErrorOnMissingBinary(t *testing.T) {
	s := exec.NewSubprocess()
	_, err := s.Execute(context.Background(), []string{"forge-definitely-not-a-real-binary"}, exec.ExecOptions{})

	var spawnErr *forgeerr.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *forgeerr.SpawnError, got %T (%v)", err, err)
	}
}

func TestSubprocessTimeout(t *testing.T) {
	s := exec.NewSubprocess()
	_, err := s.Execute(context.Background(), []string{"sleep", "5"}, exec.ExecOptions{Timeout: 50 * time.Millisecond})

	var timeoutErr *forgeerr.ExecutionTimedOut
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *forgeerr.ExecutionTimedOut, got %T (%v)", err, err)
	}
}

func TestSubprocessRespectsCancellation(t *testing.T) {
	s := exec.NewSubprocess()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, []string{"sleep", "5"}, exec.ExecOptions{})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error after cancellation")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Execute did not return promptly after ctx cancellation")
	}
}
