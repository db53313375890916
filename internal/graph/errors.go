package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrGraph matches every error produced while validating a definition.
var ErrGraph = errors.New("invalid workflow graph")

type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "cycle detected: " + strings.Join(e.Cycle, " -> ")
}

func (e *CycleError) Is(target error) bool { return target == ErrGraph }

type DanglingEdgeError struct {
	From    string
	To      string
	Missing string
}

func (e *DanglingEdgeError) Error() string {
	return fmt.Sprintf("edge %s -> %s references unknown node %q", e.From, e.To, e.Missing)
}

func (e *DanglingEdgeError) Is(target error) bool { return target == ErrGraph }

// DefinitionError reports a node or document level problem that is not
// about the shape of the graph itself.
type DefinitionError struct {
	NodeID string
	Reason string
}

func (e *DefinitionError) Error() string {
	if e.NodeID == "" {
		return "invalid definition: " + e.Reason
	}
	return fmt.Sprintf("invalid node %q: %s", e.NodeID, e.Reason)
}

func (e *DefinitionError) Is(target error) bool { return target == ErrGraph }

// SchemaError wraps a JSON-schema violation of a workflow document.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string { return "workflow document: " + e.Err.Error() }

func (e *SchemaError) Unwrap() error { return e.Err }
