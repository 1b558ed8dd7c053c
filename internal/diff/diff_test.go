package diff

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeEqualInputIsUnchanged(t *testing.T) {
	values := []any{
		nil,
		1.0,
		"chat",
		true,
		[]any{1.0, "a", map[string]any{"x": []any{}}},
		map[string]any{},
		map[string]any{
			"byTabId": map[string]any{"1": map[string]any{"isMasterTab": true}},
			"chats":   map[string]any{"ids": []any{"1", "2"}, "order": []any{map[string]any{"id": 1.0}}},
		},
	}
	for i, v := range values {
		t.Run(fmt.Sprintf("value_%d", i), func(t *testing.T) {
			assert.Equal(t, Unchanged, Compute(v, v).Kind)
			assert.True(t, Equal(v, v))
		})
	}
}

func TestComputeTombstone(t *testing.T) {
	a := map[string]any{"x": 1.0, "y": 2.0}
	b := map[string]any{"x": 1.0}

	d := Compute(a, b)
	require.Equal(t, Nested, d.Kind)
	require.Len(t, d.Children, 1)
	assert.Equal(t, Delete, d.Children["y"].Kind)
	_, hasX := d.Children["x"]
	assert.False(t, hasX)

	merged := Merge(a, d).(map[string]any)
	assert.Equal(t, map[string]any{"x": 1.0}, merged)
	_, hasY := merged["y"]
	assert.False(t, hasY)
}

func TestComputeClearChildren(t *testing.T) {
	a := map[string]any{"x": 1.0, "y": 2.0}
	b := map[string]any{}

	d := Compute(a, b)
	assert.Equal(t, ClearChildren, d.Kind)
	assert.Equal(t, map[string]any{}, Merge(a, d))
}

func TestComputeArraysReplaceWholesale(t *testing.T) {
	a := map[string]any{"list": []any{1.0, 2.0, 3.0}}
	b := map[string]any{"list": []any{1.0, 2.0, 4.0}}

	d := Compute(a, b)
	require.Equal(t, Nested, d.Kind)
	assert.Equal(t, Replace, d.Children["list"].Kind)
	assert.Equal(t, []any{1.0, 2.0, 4.0}, d.Children["list"].Value)
}

func TestComputeTypeChange(t *testing.T) {
	d := Compute(map[string]any{"a": 1.0}, "scalar")
	assert.Equal(t, Replace, d.Kind)
	assert.Equal(t, "scalar", d.Value)

	d = Compute(map[string]any{"a": "x"}, map[string]any{"a": map[string]any{"b": 1.0}})
	require.Equal(t, Nested, d.Kind)
	assert.Equal(t, Replace, d.Children["a"].Kind)
}

func TestMergeDoesNotMutateBase(t *testing.T) {
	inner := map[string]any{"k": "v"}
	base := map[string]any{"inner": inner, "keep": 1.0}
	patch := Compute(base, map[string]any{"inner": map[string]any{"k": "w"}, "keep": 1.0})

	merged := Merge(base, patch).(map[string]any)
	assert.Equal(t, "w", merged["inner"].(map[string]any)["k"])
	assert.Equal(t, "v", inner["k"])
	assert.Equal(t, "v", base["inner"].(map[string]any)["k"])
}

func TestFromUpdateDeepMerges(t *testing.T) {
	base := map[string]any{
		"settings":  map[string]any{"theme": "dark", "lang": "en"},
		"isInitial": true,
	}
	update := map[string]any{"settings": map[string]any{"lang": "de"}}

	merged := Merge(base, FromUpdate(update))
	assert.Equal(t, map[string]any{
		"settings":  map[string]any{"theme": "dark", "lang": "de"},
		"isInitial": true,
	}, merged)
}

func TestRoundTripRandomTrees(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		a := randomObject(r, 3)
		b := mutate(r, a, 3)

		d := Compute(a, b)
		assert.Equal(t, b, Merge(a, d), "iteration %d", i)
		assert.Equal(t, Unchanged, Compute(Merge(a, d), b).Kind, "iteration %d", i)
	}
}

func TestRoundTripThroughWire(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		a := randomObject(r, 3)
		b := mutate(r, a, 3)

		encoded, err := json.Marshal(Compute(a, b))
		require.NoError(t, err)

		var decoded Diff
		require.NoError(t, json.Unmarshal(encoded, &decoded))
		assert.Equal(t, b, Merge(a, decoded), "iteration %d: %s", i, encoded)
	}
}

func TestWireMarkers(t *testing.T) {
	a := map[string]any{"gone": 1.0, "emptied": map[string]any{"x": 1.0}, "obj": "was scalar"}
	b := map[string]any{"emptied": map[string]any{}, "obj": map[string]any{"now": "object"}}

	encoded, err := json.Marshal(Compute(a, b))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"gone": {"__delete": true},
		"emptied": {"__deleteAllChildren": true},
		"obj": {"__replace": {"now": "object"}}
	}`, string(encoded))
}

func TestPlainObjectDecodesAsNested(t *testing.T) {
	var d Diff
	require.NoError(t, json.Unmarshal([]byte(`{"a": {"b": 2}}`), &d))
	require.Equal(t, Nested, d.Kind)
	require.Equal(t, Nested, d.Children["a"].Kind)
	assert.Equal(t, Replace, d.Children["a"].Children["b"].Kind)
	assert.Equal(t, 2.0, d.Children["a"].Children["b"].Value)
}

func TestReservedKeysSurviveTheWire(t *testing.T) {
	a := map[string]any{"a": map[string]any{"__replace": 1.0}, "__delete": true}
	b := map[string]any{"a": map[string]any{"__replace": 2.0}, "__delete": false, "___x": "y"}

	encoded, err := json.Marshal(Compute(a, b))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": {"___replace": 2}, "___delete": false, "____x": "y"}`, string(encoded))

	var decoded Diff
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, b, Merge(a, decoded))
}

func TestNumbersCompareByValue(t *testing.T) {
	assert.True(t, Equal(1, 1.0))
	assert.True(t, Equal(int64(3), json.Number("3")))
	assert.True(t, Equal(map[string]any{"n": 2, "l": []any{uint8(4)}}, map[string]any{"n": 2.0, "l": []any{4.0}}))
	assert.False(t, Equal(1, 1.5))
	assert.False(t, Equal(1, "1"))
}

var keys = []string{"a", "b", "c", "d", "e"}

func randomValue(r *rand.Rand, depth int) any {
	n := 5
	if depth > 0 {
		n = 7
	}
	switch r.Intn(n) {
	case 0:
		return nil
	case 1:
		return float64(r.Intn(10))
	case 2:
		return fmt.Sprintf("s%d", r.Intn(5))
	case 3:
		return r.Intn(2) == 0
	case 4:
		return []any{float64(r.Intn(3)), "x"}
	case 5:
		return randomObject(r, depth-1)
	default:
		return map[string]any{}
	}
}

func randomObject(r *rand.Rand, depth int) map[string]any {
	obj := map[string]any{}
	for _, k := range keys {
		if r.Intn(2) == 0 {
			obj[k] = randomValue(r, depth)
		}
	}
	return obj
}

func mutate(r *rand.Rand, src map[string]any, depth int) map[string]any {
	out := map[string]any{}
	for k, v := range src {
		switch r.Intn(5) {
		case 0:
		case 1:
			out[k] = randomValue(r, depth)
		case 2:
			if obj, ok := v.(map[string]any); ok && depth > 0 {
				out[k] = mutate(r, obj, depth-1)
				continue
			}
			out[k] = v
		default:
			out[k] = v
		}
	}
	if r.Intn(3) == 0 {
		out[keys[r.Intn(len(keys))]] = randomValue(r, depth)
	}
	return out
}
