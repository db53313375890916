package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ronappleton/dagengine/internal/engine"
	"github.com/ronappleton/dagengine/internal/graph"
	"github.com/ronappleton/dagengine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var quick = engine.Config{
	MaxConcurrentNodes: 4,
	DefaultMaxAttempts: 3,
	BackoffBase:        time.Millisecond,
	BackoffMax:         5 * time.Millisecond,
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewBadgerStore(store.BadgerConfig{InMemory: true}, store.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func chain(t *testing.T, s store.Store) *graph.Definition {
	t.Helper()
	def, err := graph.Build(
		[]graph.Node{
			{ID: "A", Kind: graph.KindAction},
			{ID: "B", Kind: graph.KindAction},
			{ID: "C", Kind: graph.KindAction},
		},
		[]graph.Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	)
	require.NoError(t, err)
	def.Name = t.Name()
	saved, err := s.SaveWorkflow(context.Background(), def)
	require.NoError(t, err)
	return saved
}

type calls struct {
	mu       sync.Mutex
	attempts map[string][]int
}

func (c *calls) record(task engine.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempts == nil {
		c.attempts = map[string][]int{}
	}
	c.attempts[task.Node.ID] = append(c.attempts[task.Node.ID], task.Attempt)
}

func (c *calls) of(id string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[id]
}

func succeed(c *calls) engine.TaskFunc {
	return func(ctx context.Context, task engine.Task) (engine.Result, error) {
		c.record(task)
		return engine.Result{Outputs: map[string]any{"node": task.Node.ID}}, nil
	}
}

func eventTypes(t *testing.T, s store.Store, executionID string) []store.EventType {
	t.Helper()
	events, err := s.ListEvents(context.Background(), executionID, 0, 0)
	require.NoError(t, err)
	out := make([]store.EventType, 0, len(events))
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Sequence)
		out = append(out, ev.Type)
	}
	return out
}

func TestRecoverResumesInterruptedExecution(t *testing.T) {
	s := newStore(t)
	def := chain(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	before := &calls{}
	blocked := make(chan struct{})
	first := engine.New(quick, s, engine.TaskFunc(func(ctx context.Context, task engine.Task) (engine.Result, error) {
		before.record(task)
		if task.Node.ID == "B" {
			close(blocked)
			<-ctx.Done()
			return engine.Result{}, ctx.Err()
		}
		return engine.Result{Outputs: map[string]any{"node": task.Node.ID}}, nil
	}), nil, zaptest.NewLogger(t))

	exec, err := first.Start(ctx, def.ID, map[string]any{"ticket": "T-1"})
	require.NoError(t, err)
	<-blocked
	first.Close()

	after := &calls{}
	second := engine.New(quick, s, succeed(after), nil, zaptest.NewLogger(t))
	defer second.Close()

	n, err := NewManager(s, second, zaptest.NewLogger(t), 2).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, second.Wait(ctx, exec.ID))

	loaded, states, err := s.LoadExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, loaded.Status)
	assert.Equal(t, 3, loaded.CompletedNodes)
	for _, st := range states {
		assert.Equal(t, store.NodeCompleted, st.Status, st.NodeID)
	}
	assert.Equal(t, "A", loaded.GlobalContext["A"]["node"])
	assert.Equal(t, "C", loaded.GlobalContext["C"]["node"])

	assert.Equal(t, []int{1}, before.of("A"))
	assert.Empty(t, after.of("A"), "completed nodes are not re-run")
	assert.Equal(t, []int{1}, after.of("B"), "an interrupted attempt is not counted")
	assert.Equal(t, []int{1}, after.of("C"))

	types := eventTypes(t, s, exec.ID)
	assert.Contains(t, types, store.EventNodeInterrupted)
	assert.Contains(t, types, store.EventExecutionResumed)
	assert.Equal(t, store.EventExecutionCompleted, types[len(types)-1])
}

func TestRecoverWithNothingActive(t *testing.T) {
	s := newStore(t)
	e := engine.New(quick, s, succeed(&calls{}), nil, zaptest.NewLogger(t))
	defer e.Close()

	n, err := NewManager(s, e, zaptest.NewLogger(t), 0).Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverSettlesRequestedCancellation(t *testing.T) {
	s := newStore(t)
	def := chain(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec, err := s.CreateExecution(ctx, def, nil)
	require.NoError(t, err)
	_, err = s.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:          store.ExecutionRunning,
		CancelRequested: true,
		Events:          []store.Event{{Type: store.EventExecutionCancelRequested}},
	})
	require.NoError(t, err)

	ran := &calls{}
	e := engine.New(quick, s, succeed(ran), nil, zaptest.NewLogger(t))
	defer e.Close()

	n, err := NewManager(s, e, zaptest.NewLogger(t), 1).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, e.Wait(ctx, exec.ID))

	loaded, states, err := s.LoadExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCancelled, loaded.Status)
	for _, st := range states {
		assert.Equal(t, store.NodeSkipped, st.Status, st.NodeID)
	}
	assert.Empty(t, ran.of("A"))
}

func TestRecoverReschedulesPendingRetry(t *testing.T) {
	s := newStore(t)
	def := chain(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec, err := s.CreateExecution(ctx, def, nil)
	require.NoError(t, err)
	_, err = s.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{Status: store.ExecutionRunning})
	require.NoError(t, err)
	_, err = s.SaveNodeState(ctx, exec.ID, store.NodeUpdate{
		State: store.NodeState{
			ExecutionID:  exec.ID,
			NodeID:       "A",
			Status:       store.NodeFailed,
			AttemptCount: 1,
			LastError:    "connection reset",
		},
		Events: []store.Event{{NodeID: "A", Type: store.EventNodeRetryScheduled}},
	})
	require.NoError(t, err)

	ran := &calls{}
	e := engine.New(quick, s, succeed(ran), nil, zaptest.NewLogger(t))
	defer e.Close()

	_, err = NewManager(s, e, zaptest.NewLogger(t), 1).Recover(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Wait(ctx, exec.ID))

	loaded, _, err := s.LoadExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, loaded.Status)
	assert.Equal(t, []int{2}, ran.of("A"))
}

type stubResumer struct {
	mu      sync.Mutex
	results map[string]error
	seen    []string
}

func (r *stubResumer) Resume(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, id)
	return r.results[id]
}

func TestRecoverIgnoresFinishedAndReportsFailures(t *testing.T) {
	s := newStore(t)
	def := chain(t, s)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		exec, err := s.CreateExecution(ctx, def, nil)
		require.NoError(t, err)
		ids = append(ids, exec.ID)
	}

	r := &stubResumer{results: map[string]error{ids[1]: engine.ErrExecutionNotActive}}
	n, err := NewManager(s, r, zaptest.NewLogger(t), 2).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, ids, r.seen)

	boom := errors.New("store unreachable")
	r = &stubResumer{results: map[string]error{ids[2]: boom}}
	_, err = NewManager(s, r, zaptest.NewLogger(t), 1).Recover(ctx)
	assert.ErrorIs(t, err, boom)
}
