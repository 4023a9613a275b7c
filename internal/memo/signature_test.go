package memo

import "testing"

func compileSig() Signature {
	return Signature{
		Params: []Param{
			{Name: "src", Role: RoleSrc},
			{Name: "dst", Role: RoleDst},
			{Name: "optimize", Role: RoleArg},
		},
		Defaults: map[string]any{"optimize": false},
	}
}

// TestArgumentCanonicalization is Testable Property 4: positional,
// named, and default-filled calls that are semantically equal must
// collapse to the same Bound.Serialized value.
func TestArgumentCanonicalization(t *testing.T) {
	sig := compileSig()

	positional, err := Bind(sig, Arg{Value: "a.c"}, Arg{Value: "a.o"}, Arg{Value: true})
	if err != nil {
		t.Fatalf("positional Bind: %v", err)
	}

	named, err := Bind(sig, Arg{Name: "dst", Value: "a.o"}, Arg{Name: "optimize", Value: true}, Arg{Name: "src", Value: "a.c"})
	if err != nil {
		t.Fatalf("named Bind: %v", err)
	}

	if positional.Serialized != named.Serialized {
		t.Errorf("positional and named-but-equal calls must canonicalize identically:\n%s\n%s", positional.Serialized, named.Serialized)
	}
}

func TestBindFillsDefaults(t *testing.T) {
	sig := compileSig()

	withDefault, err := Bind(sig, Arg{Name: "src", Value: "a.c"}, Arg{Name: "dst", Value: "a.o"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	explicit, err := Bind(sig, Arg{Name: "src", Value: "a.c"}, Arg{Name: "dst", Value: "a.o"}, Arg{Name: "optimize", Value: false})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if withDefault.Serialized != explicit.Serialized {
		t.Errorf("an omitted default-valued argument must canonicalize the same as supplying the default explicitly")
	}
}

func TestBindExtractsSrcsAndDsts(t *testing.T) {
	sig := compileSig()

	bound, err := Bind(sig, Arg{Name: "src", Value: "a.c"}, Arg{Name: "dst", Value: "a.o"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if len(bound.Srcs) != 1 || bound.Srcs[0] != "a.c" {
		t.Errorf("expected Srcs=[a.c], got %v", bound.Srcs)
	}
	if len(bound.Dsts) != 1 || bound.Dsts[0] != "a.o" {
		t.Errorf("expected Dsts=[a.o], got %v", bound.Dsts)
	}
}

func TestBindDifferentValuesProduceDifferentKeys(t *testing.T) {
	sig := compileSig()

	a, _ := Bind(sig, Arg{Name: "src", Value: "a.c"}, Arg{Name: "dst", Value: "a.o"})
	b, _ := Bind(sig, Arg{Name: "src", Value: "b.c"}, Arg{Name: "dst", Value: "a.o"})

	if a.Serialized == b.Serialized {
		t.Error("differing argument values must not canonicalize to the same key")
	}
}

func TestBindMissingRequiredArgumentErrors(t *testing.T) {
	sig := compileSig()
	if _, err := Bind(sig, Arg{Name: "src", Value: "a.c"}); err == nil {
		t.Error("expected an error when a non-defaulted argument is omitted")
	}
}

func TestBindUnknownNamedArgumentErrors(t *testing.T) {
	sig := compileSig()
	if _, err := Bind(sig, Arg{Name: "bogus", Value: 1}); err == nil {
		t.Error("expected an error for an unknown named argument")
	}
}

func TestBindTooManyPositionalArgumentsErrors(t *testing.T) {
	sig := compileSig()
	if _, err := Bind(sig, Arg{Value: "a.c"}, Arg{Value: "a.o"}, Arg{Value: true}, Arg{Value: "extra"}); err == nil {
		t.Error("expected an error for too many positional arguments")
	}
}
