package memo_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgebuild/forge/internal/db/snapshotdb"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/memo"
)

func newFacade(t *testing.T) *memo.Facade {
	t.Helper()
	backend := snapshotdb.New()
	if err := backend.Connect(filepath.Join(t.TempDir(), "state.db")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return memo.NewFacade(backend, digest.New())
}

func compileSignature() memo.Signature {
	return memo.Signature{
		Params: []memo.Param{
			{Name: "src", Role: memo.RoleSrc},
			{Name: "dst", Role: memo.RoleDst},
		},
	}
}

// TestFacadeSecondCallIsHit is Testable Property 1: an unchanged
// re-invocation after a successful call is a 100% cache hit.
func TestFacadeSecondCallIsHit(t *testing.T) {
	f := newFacade(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.c")
	dst := filepath.Join(dir, "a.o")
	os.WriteFile(src, []byte("int main(){}"), 0o644)

	runs := 0
	compile := memo.Pure("compile", "v1", compileSignature(), func(ctx context.Context, bound memo.Bound) ([]byte, error) {
		runs++
		os.WriteFile(dst, []byte("object code"), 0o644)
		return memo.Encode("ok")
	})

	ctx := context.Background()
	if _, err := f.Call(ctx, compile, memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := f.Call(ctx, compile, memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst}); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if runs != 1 {
		t.Errorf("expected the body to run exactly once, ran %d times", runs)
	}
}

func TestFacadeReturnsPreviousResultOnHit(t *testing.T) {
	f := newFacade(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.c")
	dst := filepath.Join(dir, "a.o")
	os.WriteFile(src, []byte("int main(){}"), 0o644)

	compile := memo.Pure("compile", "v1", compileSignature(), func(ctx context.Context, bound memo.Bound) ([]byte, error) {
		os.WriteFile(dst, []byte("object code"), 0o644)
		return memo.Encode("result-A")
	})

	ctx := context.Background()
	first, err := f.Call(ctx, compile, memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := f.Call(ctx, compile, memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	var got string
	if err := memo.Decode(second, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "result-A" {
		t.Errorf("expected cached result %q, got %q", "result-A", got)
	}
	if string(first) != string(second) {
		t.Error("cached result must match the originally recorded blob byte for byte")
	}
}

func TestFacadeSourceChangeForcesRerun(t *testing.T) {
	f := newFacade(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.c")
	dst := filepath.Join(dir, "a.o")
	os.WriteFile(src, []byte("version one"), 0o644)

	runs := 0
	compile := memo.Pure("compile", "v1", compileSignature(), func(ctx context.Context, bound memo.Bound) ([]byte, error) {
		runs++
		os.WriteFile(dst, []byte("object code"), 0o644)
		return memo.Encode("ok")
	})

	ctx := context.Background()
	f.Call(ctx, compile, memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst})

	// Rewrite the source right away: its mtime is still inside the
	// trust window, so Observe re-hashes it on the next call whether or
	// not the mtime moved, and the new content (a different length too)
	// yields a different digest.
	os.WriteFile(src, []byte("version two, much longer content than before"), 0o644)

	f.Call(ctx, compile, memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst})

	if runs != 2 {
		t.Fatalf("expected a rerun after the source changed, body ran %d times", runs)
	}
}

// TestFacadeFunctionDigestChangeForcesRerun is Testable Property 5.
func TestFacadeFunctionDigestChangeForcesRerun(t *testing.T) {
	f := newFacade(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.c")
	dst := filepath.Join(dir, "a.o")
	os.WriteFile(src, []byte("int main(){}"), 0o644)

	runs := 0
	body := func(ctx context.Context, bound memo.Bound) ([]byte, error) {
		runs++
		os.WriteFile(dst, []byte("object code"), 0o644)
		return memo.Encode("ok")
	}

	ctx := context.Background()
	f.Call(ctx, memo.Pure("compile", "v1", compileSignature(), body), memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst})
	f.Call(ctx, memo.Pure("compile", "v2", compileSignature(), body), memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst})

	if runs != 2 {
		t.Errorf("expected a rerun after the function digest changed, ran %d times", runs)
	}
}

func TestFacadeFailureRecordsNothing(t *testing.T) {
	f := newFacade(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.c")
	dst := filepath.Join(dir, "a.o")
	os.WriteFile(src, []byte("int main(){}"), 0o644)

	attempt := 0
	compile := memo.Pure("compile", "v1", compileSignature(), func(ctx context.Context, bound memo.Bound) ([]byte, error) {
		attempt++
		if attempt == 1 {
			return nil, context.Canceled
		}
		os.WriteFile(dst, []byte("object code"), 0o644)
		return memo.Encode("ok")
	})

	ctx := context.Background()
	if _, err := f.Call(ctx, compile, memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst}); err == nil {
		t.Fatal("expected the first call to fail")
	}
	if _, err := f.Call(ctx, compile, memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst}); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if attempt != 2 {
		t.Errorf("a failed call must not be cached, expected 2 attempts, got %d", attempt)
	}
}

// TestFacadeExternalDependencyDiscoveredMidCall exercises WithExternals
// and AddExternalDependencies: a header discovered during compilation
// becomes part of the dirtiness check on the next call.
func TestFacadeExternalDependencyDiscoveredMidCall(t *testing.T) {
	f := newFacade(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.c")
	dst := filepath.Join(dir, "a.o")
	header := filepath.Join(dir, "a.h")
	os.WriteFile(src, []byte("int main(){}"), 0o644)
	os.WriteFile(header, []byte("#define X 1"), 0o644)

	runs := 0
	compile := memo.WithExternals("compile", "v1", compileSignature(), func(ctx context.Context, bound memo.Bound) ([]byte, error) {
		runs++
		memo.AddExternalDependencies(ctx, []string{header}, nil)
		os.WriteFile(dst, []byte("object code"), 0o644)
		return memo.Encode("ok")
	})

	ctx := context.Background()
	f.Call(ctx, compile, memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst})
	f.Call(ctx, compile, memo.Arg{Name: "src", Value: src}, memo.Arg{Name: "dst", Value: dst})

	if runs != 1 {
		t.Errorf("expected a cache hit once the discovered header is unchanged, body ran %d times", runs)
	}
}
