package store

import "time"

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
	NodeBlocked   NodeStatus = "BLOCKED"
)

// Settled reports statuses that can never change again. FAILED is not
// included: a failed node with attempts left is retried.
func (s NodeStatus) Settled() bool {
	return s == NodeCompleted || s == NodeSkipped
}

type EventType string

const (
	EventExecutionStarted         EventType = "execution.started"
	EventExecutionCompleted       EventType = "execution.completed"
	EventExecutionFailed          EventType = "execution.failed"
	EventExecutionCancelRequested EventType = "execution.cancel_requested"
	EventExecutionCancelled       EventType = "execution.cancelled"
	EventExecutionResumed         EventType = "execution.resumed"
	EventNodeStarted              EventType = "node.started"
	EventNodeCompleted            EventType = "node.completed"
	EventNodeFailed               EventType = "node.failed"
	EventNodeRetryScheduled       EventType = "node.retry_scheduled"
	EventNodeSkipped              EventType = "node.skipped"
	EventNodeBlocked              EventType = "node.blocked"
	EventNodeApproved             EventType = "node.approved"
	EventNodeInterrupted          EventType = "node.interrupted"
	EventArtifactCreated          EventType = "artifact.created"
)

type Execution struct {
	ID                    string                    `json:"id"`
	WorkflowID            string                    `json:"workflow_id"`
	WorkflowVersion       int                       `json:"workflow_version"`
	Status                ExecutionStatus           `json:"status"`
	InitialContext        map[string]any            `json:"initial_context"`
	GlobalContext         map[string]map[string]any `json:"global_context"`
	StartedAt             *time.Time                `json:"started_at,omitempty"`
	CompletedAt           *time.Time                `json:"completed_at,omitempty"`
	CompletedNodes        int                       `json:"completed_nodes"`
	TotalNodes            int                       `json:"total_nodes"`
	Error                 string                    `json:"error,omitempty"`
	InfrastructureFailure bool                      `json:"infrastructure_failure"`
	CancelRequested       bool                      `json:"cancel_requested"`
	LastSequence          int64                     `json:"last_sequence"`
	CreatedAt             time.Time                 `json:"created_at"`
	UpdatedAt             time.Time                 `json:"updated_at"`
}

type NodeState struct {
	ExecutionID  string         `json:"execution_id"`
	NodeID       string         `json:"node_id"`
	Status       NodeStatus     `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Event is one entry of an execution's append-only log. ID, ExecutionID,
// Sequence and Timestamp are assigned by the store.
type Event struct {
	ID          string         `json:"event_id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Type        EventType      `json:"type"`
	Sequence    int64          `json:"sequence_number"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type Artifact struct {
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Name        string    `json:"name"`
	Locator     string    `json:"locator"`
	Size        int64     `json:"size"`
	ContentHash string    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NodeUpdate is one node transition. State replaces the persisted row;
// Outputs, when non-nil, replaces the node's namespace in the global
// context. Everything is written in a single transaction.
type NodeUpdate struct {
	State     NodeState
	Outputs   map[string]any
	Artifacts []Artifact
	Events    []Event
}

// ExecutionUpdate changes execution-level fields. Zero values leave the
// persisted field untouched; the boolean flags can only be raised.
type ExecutionUpdate struct {
	Status                ExecutionStatus
	StartedAt             *time.Time
	CompletedAt           *time.Time
	Error                 string
	InfrastructureFailure bool
	CancelRequested       bool
	Events                []Event
}
