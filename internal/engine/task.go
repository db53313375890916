package engine

import (
	"context"

	"github.com/ronappleton/dagengine/internal/graph"
	"github.com/ronappleton/dagengine/internal/store"
)

// TaskExecutor performs the work of a single node attempt.
//
// Implementations must honour ctx: it is cancelled when the node times out
// or its execution is cancelled. After a crash the engine cannot tell
// whether an in-flight call finished, so it dispatches the node again with
// the same Attempt number. Executors must therefore be idempotent for a
// given (ExecutionID, Node.ID, Attempt), or detect and reconcile side
// effects of the interrupted call.
type TaskExecutor interface {
	Execute(ctx context.Context, task Task) (Result, error)
}

type Task struct {
	ExecutionID string
	Node        graph.Node
	// Attempt is 1-based and counts finished attempts plus one. An attempt
	// interrupted by a restart is not counted, so its re-dispatch carries
	// the same number.
	Attempt int
	Input   map[string]any
}

type Result struct {
	Outputs   map[string]any
	Artifacts []store.Artifact
}

// TaskFunc adapts a function to TaskExecutor.
type TaskFunc func(ctx context.Context, task Task) (Result, error)

func (f TaskFunc) Execute(ctx context.Context, task Task) (Result, error) {
	return f(ctx, task)
}
