package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ronappleton/dagengine/internal/graph"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrTerminalState = errors.New("node state is terminal")
	ErrPersistence   = errors.New("persistence failure")
)

// PersistenceError is returned when the backend cannot complete an
// operation after transient retries were exhausted, or failed in a way
// that retrying cannot fix. Callers must treat it as fatal.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Store is the durable source of truth for workflows and executions. Every
// method is transactional; state changes and the events describing them are
// committed together, and sequence numbers are assigned here.
type Store interface {
	Ping(ctx context.Context) error

	// SaveWorkflow assigns an id and the next version for def.Name.
	SaveWorkflow(ctx context.Context, def *graph.Definition) (*graph.Definition, error)
	GetWorkflow(ctx context.Context, id string) (*graph.Definition, error)
	ListWorkflows(ctx context.Context) ([]*graph.Definition, error)

	// CreateExecution writes the execution and one PENDING node state per
	// node of def atomically.
	CreateExecution(ctx context.Context, def *graph.Definition, initial map[string]any) (*Execution, error)
	SaveNodeState(ctx context.Context, executionID string, u NodeUpdate) ([]Event, error)
	UpdateExecution(ctx context.Context, executionID string, u ExecutionUpdate) ([]Event, error)
	// AppendEvent returns e as persisted, carrying its sequence number.
	AppendEvent(ctx context.Context, executionID string, e Event) (Event, error)

	LoadExecution(ctx context.Context, id string) (*Execution, []NodeState, error)
	// ListActiveExecutions returns PENDING and RUNNING executions.
	ListActiveExecutions(ctx context.Context) ([]string, error)
	ListEvents(ctx context.Context, executionID string, afterSeq int64, limit int) ([]Event, error)
	ListArtifacts(ctx context.Context, executionID string) ([]Artifact, error)

	Close() error
}

// RetryObserver is told about every transient failure that is retried.
type RetryObserver interface {
	StoreRetry(op string)
}

type Options struct {
	Retry    RetryPolicy
	Logger   *zap.Logger
	Observer RetryObserver
}

func (o Options) withDefaults() Options {
	o.Retry = DefaultRetryPolicy().merge(o.Retry)
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func newExecution(def *graph.Definition, initial map[string]any, now time.Time) (*Execution, []NodeState) {
	if initial == nil {
		initial = map[string]any{}
	}
	exec := &Execution{
		ID:              newID("exec"),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          ExecutionPending,
		InitialContext:  initial,
		GlobalContext:   map[string]map[string]any{},
		TotalNodes:      def.Len(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	states := make([]NodeState, 0, def.Len())
	for _, id := range def.Order() {
		states = append(states, NodeState{
			ExecutionID: exec.ID,
			NodeID:      id,
			Status:      NodePending,
			UpdatedAt:   now,
		})
	}
	return exec, states
}

func prepareWorkflow(def *graph.Definition, latest int, now time.Time) *graph.Definition {
	saved := *def
	saved.ID = newID("wf")
	saved.Version = latest + 1
	saved.CreatedAt = now
	return &saved
}

// stampEvents assigns ids and the next gapless sequence numbers. The caller
// must hold the execution row for update.
func stampEvents(exec *Execution, events []Event, now time.Time) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		exec.LastSequence++
		e.ID = newID("evt")
		e.ExecutionID = exec.ID
		e.Sequence = exec.LastSequence
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		out = append(out, e)
	}
	return out
}

func checkTransition(current, next NodeState) error {
	if current.Status.Settled() {
		return fmt.Errorf("%w: node %s is %s, cannot become %s", ErrTerminalState, current.NodeID, current.Status, next.Status)
	}
	return nil
}

func applyNodeUpdate(exec *Execution, u NodeUpdate, now time.Time) NodeState {
	state := u.State
	state.ExecutionID = exec.ID
	state.UpdatedAt = now
	if u.Outputs != nil {
		if exec.GlobalContext == nil {
			exec.GlobalContext = map[string]map[string]any{}
		}
		exec.GlobalContext[state.NodeID] = u.Outputs
	}
	exec.UpdatedAt = now
	return state
}

func applyExecutionUpdate(exec *Execution, u ExecutionUpdate, now time.Time) {
	if u.Status != "" {
		exec.Status = u.Status
	}
	if u.StartedAt != nil {
		exec.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		exec.CompletedAt = u.CompletedAt
	}
	if u.Error != "" {
		exec.Error = u.Error
	}
	if u.InfrastructureFailure {
		exec.InfrastructureFailure = true
	}
	if u.CancelRequested {
		exec.CancelRequested = true
	}
	exec.UpdatedAt = now
}

func stampArtifacts(exec *Execution, nodeID string, artifacts []Artifact, now time.Time) []Artifact {
	out := make([]Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		a.ExecutionID = exec.ID
		if a.NodeID == "" {
			a.NodeID = nodeID
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		out = append(out, a)
	}
	return out
}
