package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNodeExecution      = errors.New("node execution failed")
	ErrCancelled          = errors.New("execution cancelled")
	ErrExecutionNotActive = errors.New("execution is not active")
	ErrNodeNotBlocked     = errors.New("node is not awaiting approval")
	ErrHalted             = errors.New("engine halted")
)

// NodeExecutionError wraps a task executor failure for one attempt.
type NodeExecutionError struct {
	NodeID  string
	Attempt int
	Err     error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s attempt %d: %v", e.NodeID, e.Attempt, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

func (e *NodeExecutionError) Is(target error) bool { return target == ErrNodeExecution }

// TimeoutError is reported when a node attempt outlives its deadline. It is
// retried like any other node failure.
type TimeoutError struct {
	NodeID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s timed out after %s", e.NodeID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrNodeExecution }
