package diff

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Markers used on the wire. A plain JSON object decodes as Nested, so a
// partial update is itself a valid patch.
//
// Object keys starting with "__" are escaped with one more leading
// underscore inside Nested patches, so user data can never be read as a
// marker.
const (
	markerEqual     = "__equal"
	markerDelete    = "__delete"
	markerDeleteAll = "__deleteAllChildren"
	markerReplace   = "__replace"

	reservedPrefix = "__"
	escapedPrefix  = "___"
)

func escapeKey(key string) string {
	if strings.HasPrefix(key, reservedPrefix) {
		return "_" + key
	}
	return key
}

func unescapeKey(key string) string {
	if strings.HasPrefix(key, escapedPrefix) {
		return key[1:]
	}
	return key
}

func (d Diff) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case Unchanged:
		return json.Marshal(map[string]bool{markerEqual: true})
	case Delete:
		return json.Marshal(map[string]bool{markerDelete: true})
	case ClearChildren:
		return json.Marshal(map[string]bool{markerDeleteAll: true})
	case Replace:
		if encodesAsObject(d.Value) {
			return json.Marshal(map[string]any{markerReplace: d.Value})
		}
		return json.Marshal(d.Value)
	default:
		if d.Children == nil {
			return []byte("{}"), nil
		}
		children := make(map[string]Diff, len(d.Children))
		for key, child := range d.Children {
			children[escapeKey(key)] = child
		}
		return json.Marshal(children)
	}
}

func (d *Diff) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = FromWire(raw)
	return nil
}

// FromWire interprets an already decoded JSON value as a patch.
func FromWire(v any) Diff {
	obj, ok := asObject(v)
	if !ok {
		return Diff{Kind: Replace, Value: v}
	}
	if len(obj) == 1 {
		if isSet(obj, markerDelete) {
			return Diff{Kind: Delete}
		}
		if isSet(obj, markerDeleteAll) {
			return Diff{Kind: ClearChildren}
		}
		if isSet(obj, markerEqual) {
			return Diff{Kind: Unchanged}
		}
		if value, ok := obj[markerReplace]; ok {
			return Diff{Kind: Replace, Value: value}
		}
	}
	children := make(map[string]Diff, len(obj))
	for key, value := range obj {
		children[unescapeKey(key)] = FromWire(value)
	}
	return Diff{Kind: Nested, Children: children}
}

func isSet(obj map[string]any, marker string) bool {
	flag, ok := obj[marker].(bool)
	return ok && flag
}

func encodesAsObject(v any) bool {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Map || rv.Kind() == reflect.Struct
}
