// Package memo implements the memoization façade (component D):
// wrapping a user function so each call is canonically keyed, looked up
// against the dirtiness detector, and on a miss executed and recorded.
package memo

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// RoleKind classifies a declared parameter the way spec.md's
// "declared role" does: a plain argument that participates in the
// cache key by value, or a path (or ordered list of paths) that
// participates by content digest.
type RoleKind int

const (
	RoleArg RoleKind = iota
	RoleSrc
	RoleDst
)

// Param is one declared parameter of a memoized function's signature.
// Go has no reflective *args/**kwargs binding to borrow from the
// original, so the call site declares its parameters explicitly here
// rather than the façade inferring them from a function value.
type Param struct {
	Name string
	Role RoleKind
}

// Signature is a memoized function's declared parameter list plus the
// defaults applied when an argument is omitted, mirroring spec.md's
// "signature-binding" step.
type Signature struct {
	Params   []Param
	Defaults map[string]any
}

// Arg is one actual argument supplied at a call site. A positional
// argument has an empty Name and is matched to Signature.Params by
// position; a named argument sets Name and is matched by name
// regardless of where it appears in the call.
type Arg struct {
	Name  string
	Value any
}

// Bound is the canonicalized result of binding a call's arguments
// against a Signature: a stable serialization suitable for hashing,
// plus the source/destination paths extracted from RoleSrc/RoleDst
// parameters in declared order.
type Bound struct {
	Serialized string
	Srcs       []string
	Dsts       []string
}

// Bind implements spec.md §4.D step 1: positional arguments are matched
// to parameter names, named arguments override by name, defaults fill
// in anything still missing, and the result is serialized as a
// sorted-key JSON object so that positional, named, and default-filled
// calls that resolve to the same values collapse to the same
// Bound.Serialized string (Testable Property 4).
func Bind(sig Signature, args ...Arg) (Bound, error) {
	values := make(map[string]any, len(sig.Params))

	positional := 0
	for _, a := range args {
		if a.Name == "" {
			if positional >= len(sig.Params) {
				return Bound{}, forgeerr.NewConfigFailed(fmt.Sprintf("too many positional arguments: %d declared", len(sig.Params)), nil)
			}
			values[sig.Params[positional].Name] = a.Value
			positional++
			continue
		}
		if !hasParam(sig.Params, a.Name) {
			return Bound{}, forgeerr.NewConfigFailed(fmt.Sprintf("unknown named argument %q", a.Name), nil)
		}
		values[a.Name] = a.Value
	}

	for _, p := range sig.Params {
		if _, ok := values[p.Name]; ok {
			continue
		}
		if d, ok := sig.Defaults[p.Name]; ok {
			values[p.Name] = d
			continue
		}
		return Bound{}, forgeerr.NewConfigFailed(fmt.Sprintf("missing argument %q with no default", p.Name), nil)
	}

	var srcs, dsts []string
	for _, p := range sig.Params {
		switch p.Role {
		case RoleSrc:
			srcs = append(srcs, paths(values[p.Name])...)
		case RoleDst:
			dsts = append(dsts, paths(values[p.Name])...)
		}
	}

	serialized, err := canonicalize(values)
	if err != nil {
		return Bound{}, forgeerr.NewConfigFailed("canonicalize bound arguments", err)
	}

	return Bound{Serialized: serialized, Srcs: srcs, Dsts: dsts}, nil
}

// paths normalizes a source/destination parameter value, which may be a
// single path string or an ordered slice of paths.
func paths(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return append([]string(nil), val...)
	default:
		return nil
	}
}

func hasParam(params []Param, name string) bool {
	for _, p := range params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// canonicalize produces a deterministic JSON object: encoding/json
// already emits map[string]any keys in sorted order, which is what
// gives two differently-ordered but equal bindings identical bytes.
func canonicalize(values map[string]any) (string, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]any, len(values))
	for _, k := range keys {
		ordered[k] = values[k]
	}

	b, err := json.Marshal(ordered)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
