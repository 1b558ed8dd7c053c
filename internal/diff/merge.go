package diff

// Merge applies patch on top of base and returns the result. base is never
// modified: every object on the patched path is copied, untouched subtrees
// are shared with base.
func Merge(base any, patch Diff) any {
	switch patch.Kind {
	case Unchanged:
		return base
	case Replace:
		return patch.Value
	case Delete:
		return nil
	case ClearChildren:
		return map[string]any{}
	case Nested:
		return mergeObject(base, patch.Children)
	default:
		return base
	}
}

func mergeObject(base any, children map[string]Diff) map[string]any {
	src, _ := asObject(base)
	out := make(map[string]any, len(src)+len(children))
	for key, value := range src {
		out[key] = value
	}
	for key, child := range children {
		switch child.Kind {
		case Unchanged:
		case Delete:
			delete(out, key)
		default:
			out[key] = Merge(out[key], child)
		}
	}
	return out
}

// FromUpdate turns a plain partial update into a patch: objects are merged
// key by key, every other value replaces what was there.
func FromUpdate(update any) Diff {
	obj, ok := asObject(update)
	if !ok {
		return Diff{Kind: Replace, Value: update}
	}
	children := make(map[string]Diff, len(obj))
	for key, value := range obj {
		children[key] = FromUpdate(value)
	}
	return Diff{Kind: Nested, Children: children}
}
