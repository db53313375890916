package engine

import (
	"dario.cat/mergo"
)

// Accumulator holds the execution's shared context: the immutable caller
// input and one output namespace per node. It is owned by a single run loop
// and is not safe for concurrent use.
type Accumulator struct {
	input map[string]any
	nodes map[string]map[string]any
}

func NewAccumulator(initial map[string]any, global map[string]map[string]any) *Accumulator {
	a := &Accumulator{
		input: cloneMap(initial),
		nodes: make(map[string]map[string]any, len(global)),
	}
	for id, ns := range global {
		a.nodes[id] = cloneMap(ns)
	}
	return a
}

// Merge folds outputs into nodeID's namespace, later keys winning, and
// returns a copy of the resulting namespace.
func (a *Accumulator) Merge(nodeID string, outputs map[string]any) (map[string]any, error) {
	ns := cloneMap(a.nodes[nodeID])
	if err := mergo.Merge(&ns, cloneMap(outputs), mergo.WithOverride); err != nil {
		return nil, err
	}
	a.nodes[nodeID] = ns
	return cloneMap(ns), nil
}

func (a *Accumulator) Namespace(nodeID string) map[string]any {
	return cloneMap(a.nodes[nodeID])
}

// View is the input handed to a task: the caller's initial context and
// every node namespace written so far.
func (a *Accumulator) View() map[string]any {
	nodes := make(map[string]any, len(a.nodes))
	for id, ns := range a.nodes {
		nodes[id] = cloneMap(ns)
	}
	return map[string]any{
		"input": cloneMap(a.input),
		"nodes": nodes,
	}
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
