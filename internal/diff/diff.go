// Package diff computes and applies structural patches over JSON-like trees
// (map[string]any objects, slices, and primitives).
//
// Objects are diffed key by key. Slices are never diffed positionally: they
// are either equal, or replaced wholesale.
package diff

import (
	"encoding/json"
	"reflect"
)

// Kind tags a Diff node.
type Kind uint8

const (
	// Unchanged means the value is the same on both sides and is omitted.
	Unchanged Kind = iota
	// Replace carries a literal value that overwrites the old one.
	Replace
	// Delete is the tombstone for a removed key.
	Delete
	// ClearChildren means an object that had keys now has none.
	ClearChildren
	// Nested holds per-key sub-diffs of an object.
	Nested
)

func (k Kind) String() string {
	switch k {
	case Unchanged:
		return "unchanged"
	case Replace:
		return "replace"
	case Delete:
		return "delete"
	case ClearChildren:
		return "clear_children"
	case Nested:
		return "nested"
	default:
		return "unknown"
	}
}

// Diff is one node of a structural patch. Value is set only for Replace,
// Children only for Nested.
type Diff struct {
	Kind     Kind
	Value    any
	Children map[string]Diff
}

// IsUnchanged reports whether applying d would be a no-op.
func (d Diff) IsUnchanged() bool { return d.Kind == Unchanged }

// Compute returns the smallest patch turning old into new.
func Compute(old, new any) Diff {
	oldObj, oldIsObj := asObject(old)
	newObj, newIsObj := asObject(new)
	if oldIsObj && newIsObj {
		return computeObject(oldObj, newObj)
	}
	if sameValue(old, new) {
		return Diff{Kind: Unchanged}
	}
	return Diff{Kind: Replace, Value: new}
}

// Equal reports whether a and b are structurally identical.
func Equal(a, b any) bool {
	return Compute(a, b).Kind == Unchanged
}

func computeObject(old, new map[string]any) Diff {
	if len(new) == 0 {
		if len(old) == 0 {
			return Diff{Kind: Unchanged}
		}
		return Diff{Kind: ClearChildren}
	}

	children := make(map[string]Diff)
	for key, oldValue := range old {
		newValue, ok := new[key]
		if !ok {
			children[key] = Diff{Kind: Delete}
			continue
		}
		if d := Compute(oldValue, newValue); d.Kind != Unchanged {
			children[key] = d
		}
	}
	for key, newValue := range new {
		if _, ok := old[key]; !ok {
			children[key] = Diff{Kind: Replace, Value: newValue}
		}
	}

	if len(children) == 0 {
		return Diff{Kind: Unchanged}
	}
	return Diff{Kind: Nested, Children: children}
}

// sameValue compares non-object values. Slices are compared position-wise;
// a single differing element makes the whole slice differ.
func sameValue(a, b any) bool {
	if as, ok := a.([]any); ok {
		bs, ok := b.([]any)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !Equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	}

	// State that went through JSON holds float64 where the writer had ints.
	if na, ok := number(a); ok {
		nb, ok := number(b)
		return ok && na == nb
	}

	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta == nil {
		return true
	}
	switch ta.Kind() {
	case reflect.Bool, reflect.String:
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// number returns v as a float64 when v is any Go numeric type or a
// json.Number.
func number(v any) (float64, bool) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func asObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
