package graph

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

type Node struct {
	ID               string         `json:"id"`
	Name             string         `json:"name,omitempty"`
	Kind             NodeKind       `json:"kind"`
	Config           map[string]any `json:"config,omitempty"`
	ContractVersion  string         `json:"contract_version,omitempty"`
	Retry            RetryPolicy    `json:"retry,omitempty"`
	Timeout          string         `json:"timeout,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Join             JoinMode       `json:"join,omitempty"`
}

type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Backoff     string `json:"backoff,omitempty"`
	MaxBackoff  string `json:"max_backoff,omitempty"`
}

// TimeoutDuration returns the per-node deadline, zero when unset.
func (n Node) TimeoutDuration() time.Duration {
	d, _ := parseOptionalDuration(n.Timeout)
	return d
}

func (p RetryPolicy) BackoffDuration() time.Duration {
	d, _ := parseOptionalDuration(p.Backoff)
	return d
}

func (p RetryPolicy) MaxBackoffDuration() time.Duration {
	d, _ := parseOptionalDuration(p.MaxBackoff)
	return d
}

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Definition is an immutable, validated workflow graph. Use Build to create
// one, or Validate after decoding a persisted copy.
type Definition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     int             `json:"version"`
	Nodes       map[string]Node `json:"nodes"`
	Edges       []Edge          `json:"edges"`
	CreatedAt   time.Time       `json:"created_at"`

	preds map[string][]string
	succs map[string][]string
	order []string
}

func Build(nodes []Node, edges []Edge) (*Definition, error) {
	def := &Definition{
		Nodes: make(map[string]Node, len(nodes)),
		Edges: append([]Edge(nil), edges...),
	}
	for _, n := range nodes {
		if _, dup := def.Nodes[n.ID]; dup {
			return nil, &DefinitionError{NodeID: n.ID, Reason: "duplicate node id"}
		}
		def.Nodes[n.ID] = n
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks nodes and edges and computes the predecessor, successor
// and topological indexes.
func (d *Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return &DefinitionError{Reason: "workflow has no nodes"}
	}
	ids := make([]string, 0, len(d.Nodes))
	for key, n := range d.Nodes {
		if n.ID == "" {
			n.ID = key
		}
		if err := validateNode(key, n); err != nil {
			return err
		}
		if n.Join == "" {
			n.Join = JoinAll
		}
		d.Nodes[key] = n
		ids = append(ids, key)
	}
	sort.Strings(ids)

	preds := make(map[string][]string, len(ids))
	succs := make(map[string][]string, len(ids))
	seen := make(map[Edge]bool, len(d.Edges))
	for _, e := range d.Edges {
		if _, ok := d.Nodes[e.From]; !ok {
			return &DanglingEdgeError{From: e.From, To: e.To, Missing: e.From}
		}
		if _, ok := d.Nodes[e.To]; !ok {
			return &DanglingEdgeError{From: e.From, To: e.To, Missing: e.To}
		}
		if e.From == e.To {
			return &CycleError{Cycle: []string{e.From, e.To}}
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		preds[e.To] = append(preds[e.To], e.From)
		succs[e.From] = append(succs[e.From], e.To)
	}
	for _, id := range ids {
		sort.Strings(preds[id])
		sort.Strings(succs[id])
	}

	if err := detectCycle(ids, succs); err != nil {
		return err
	}
	d.preds = preds
	d.succs = succs
	d.order = topoOrder(ids, preds, succs)
	return nil
}

func validateNode(key string, n Node) error {
	if n.ID != key {
		return &DefinitionError{NodeID: key, Reason: fmt.Sprintf("id %q does not match its key", n.ID)}
	}
	if !nodeIDPattern.MatchString(n.ID) {
		return &DefinitionError{NodeID: n.ID, Reason: "id may only contain letters, digits, '.', '_' and '-'"}
	}
	if !n.Kind.Valid() {
		return &DefinitionError{NodeID: n.ID, Reason: fmt.Sprintf("unknown kind %q", string(n.Kind))}
	}
	if n.Kind == KindInterface && n.ContractVersion == "" {
		return &DefinitionError{NodeID: n.ID, Reason: "interface nodes require a contract_version"}
	}
	if _, err := ParseJoin(string(n.Join)); err != nil {
		return &DefinitionError{NodeID: n.ID, Reason: err.Error()}
	}
	if n.Retry.MaxAttempts < 0 {
		return &DefinitionError{NodeID: n.ID, Reason: "retry.max_attempts must not be negative"}
	}
	for field, raw := range map[string]string{
		"timeout":           n.Timeout,
		"retry.backoff":     n.Retry.Backoff,
		"retry.max_backoff": n.Retry.MaxBackoff,
	} {
		if _, err := parseOptionalDuration(raw); err != nil {
			return &DefinitionError{NodeID: n.ID, Reason: fmt.Sprintf("%s: %v", field, err)}
		}
	}
	return nil
}

const (
	unvisited = iota
	inProgress
	done
)

// detectCycle runs a coloured depth-first search and reports the first back
// edge it meets as the cycle it closes.
func detectCycle(ids []string, succs map[string][]string) error {
	color := make(map[string]int, len(ids))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = inProgress
		stack = append(stack, id)
		for _, next := range succs[id] {
			switch color[next] {
			case inProgress:
				start := 0
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return &CycleError{Cycle: append(cycle, next)}
			case unvisited:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = done
		return nil
	}

	for _, id := range ids {
		if color[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func topoOrder(ids []string, preds, succs map[string][]string) []string {
	indegree := make(map[string]int, len(ids))
	var queue []string
	for _, id := range ids {
		indegree[id] = len(preds[id])
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		var released []string
		for _, next := range succs[id] {
			indegree[next]--
			if indegree[next] == 0 {
				released = append(released, next)
			}
		}
		sort.Strings(released)
		queue = append(queue, released...)
	}
	return order
}

func (d *Definition) Node(id string) (Node, bool) {
	n, ok := d.Nodes[id]
	return n, ok
}

func (d *Definition) Len() int { return len(d.Nodes) }

func (d *Definition) Predecessors(id string) []string {
	return append([]string(nil), d.preds[id]...)
}

func (d *Definition) Successors(id string) []string {
	return append([]string(nil), d.succs[id]...)
}

// Order is a topological ordering of the node ids. It is only a hint for
// deterministic iteration; readiness is always recomputed from state.
func (d *Definition) Order() []string {
	return append([]string(nil), d.order...)
}

type NodeSet map[string]struct{}

func NewNodeSet(ids ...string) NodeSet {
	s := make(NodeSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s NodeSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s NodeSet) Add(id string) { s[id] = struct{}{} }

func (s NodeSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Progress is a snapshot of node states used to compute readiness.
// Dead holds nodes that can never complete: skipped ones and failed ones
// with no attempts left.
type Progress struct {
	Completed NodeSet
	Started   NodeSet
	Dead      NodeSet
}

// ReadyNodes returns the nodes whose every predecessor is in completed and
// which are not in started, in topological order.
func (d *Definition) ReadyNodes(completed, started NodeSet) []string {
	return d.Ready(Progress{Completed: completed, Started: started})
}

// Ready extends ReadyNodes with any-join nodes: those become ready once no
// predecessor is still live and at least one completed.
func (d *Definition) Ready(p Progress) []string {
	var ready []string
	for _, id := range d.order {
		if p.Started.Has(id) || p.Completed.Has(id) || p.Dead.Has(id) {
			continue
		}
		if d.satisfied(id, p) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (d *Definition) satisfied(id string, p Progress) bool {
	preds := d.preds[id]
	if d.Nodes[id].Join != JoinAny {
		for _, pred := range preds {
			if !p.Completed.Has(pred) {
				return false
			}
		}
		return true
	}
	if len(preds) == 0 {
		return true
	}
	completed := 0
	for _, pred := range preds {
		switch {
		case p.Completed.Has(pred):
			completed++
		case p.Dead.Has(pred):
		default:
			return false
		}
	}
	return completed > 0
}

// Doomed reports whether id can never become ready given the dead set.
// All-join nodes are doomed by any dead predecessor, any-join nodes only
// when every predecessor is dead.
func (d *Definition) Doomed(id string, dead NodeSet) bool {
	preds := d.preds[id]
	if len(preds) == 0 {
		return false
	}
	if d.Nodes[id].Join == JoinAny {
		for _, pred := range preds {
			if !dead.Has(pred) {
				return false
			}
		}
		return true
	}
	for _, pred := range preds {
		if dead.Has(pred) {
			return true
		}
	}
	return false
}

func parseOptionalDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", raw)
	}
	return d, nil
}
