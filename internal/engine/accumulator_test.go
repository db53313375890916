package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorNamespacesOutputs(t *testing.T) {
	initial := map[string]any{"repo": "demo", "tags": []any{"a"}}
	acc := NewAccumulator(initial, map[string]map[string]any{"A": {"x": 1}})

	ns, err := acc.Merge("A", map[string]any{"y": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, ns)

	ns, err = acc.Merge("A", map[string]any{"x": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, ns["x"])

	_, err = acc.Merge("B", map[string]any{"z": true})
	require.NoError(t, err)

	view := acc.View()
	nodes := view["nodes"].(map[string]any)
	assert.Len(t, nodes, 2)
	assert.Equal(t, true, nodes["B"].(map[string]any)["z"])
	assert.Equal(t, "demo", view["input"].(map[string]any)["repo"])
}

func TestAccumulatorViewIsACopy(t *testing.T) {
	initial := map[string]any{"tags": []any{"a"}}
	acc := NewAccumulator(initial, nil)
	_, err := acc.Merge("A", map[string]any{"nested": map[string]any{"k": "v"}})
	require.NoError(t, err)

	initial["tags"].([]any)[0] = "mutated"
	view := acc.View()
	view["input"].(map[string]any)["tags"].([]any)[0] = "changed"
	view["nodes"].(map[string]any)["A"].(map[string]any)["nested"].(map[string]any)["k"] = "changed"

	again := acc.View()
	assert.Equal(t, "a", again["input"].(map[string]any)["tags"].([]any)[0])
	assert.Equal(t, "v", acc.Namespace("A")["nested"].(map[string]any)["k"])
}
