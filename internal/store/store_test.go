package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/ronappleton/dagengine/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fanIn(t *testing.T) *graph.Definition {
	t.Helper()
	def, err := graph.Build(
		[]graph.Node{{ID: "A", Kind: graph.KindAction}, {ID: "B", Kind: graph.KindAction}, {ID: "C", Kind: graph.KindPhase}},
		[]graph.Edge{{From: "A", To: "C"}, {From: "B", To: "C"}},
	)
	require.NoError(t, err)
	def.Name = "fan-in"
	return def
}

func newBadger(t *testing.T) Store {
	t.Helper()
	s, err := NewBadgerStore(BadgerConfig{InMemory: true}, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	out := map[string]func(t *testing.T) Store{"badger": newBadger}
	if dsn := os.Getenv("DAGENGINE_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			s, err := NewPGStore(context.Background(), PGConfig{DSN: dsn}, Options{Logger: zaptest.NewLogger(t)})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, open(t)) })
	}
}

func TestWorkflowVersions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		def := fanIn(t)
		def.Name = "versions-" + newID("n")

		v1, err := s.SaveWorkflow(ctx, def)
		require.NoError(t, err)
		v2, err := s.SaveWorkflow(ctx, def)
		require.NoError(t, err)

		assert.Equal(t, 1, v1.Version)
		assert.Equal(t, 2, v2.Version)
		assert.NotEqual(t, v1.ID, v2.ID)

		loaded, err := s.GetWorkflow(ctx, v2.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, loaded.Predecessors("C"))
		assert.Equal(t, graph.KindPhase, loaded.Nodes["C"].Kind)

		_, err = s.GetWorkflow(ctx, "wf_missing")
		assert.ErrorIs(t, err, ErrNotFound)

		all, err := s.ListWorkflows(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(all), 2)
	})
}

func TestCreateAndLoadExecution(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		def, err := s.SaveWorkflow(ctx, fanIn(t))
		require.NoError(t, err)

		exec, err := s.CreateExecution(ctx, def, map[string]any{"repo": "demo"})
		require.NoError(t, err)
		assert.Equal(t, ExecutionPending, exec.Status)
		assert.Equal(t, 3, exec.TotalNodes)

		loaded, states, err := s.LoadExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, "demo", loaded.InitialContext["repo"])
		require.Len(t, states, 3)
		for _, st := range states {
			assert.Equal(t, NodePending, st.Status)
		}

		active, err := s.ListActiveExecutions(ctx)
		require.NoError(t, err)
		assert.Contains(t, active, exec.ID)

		_, _, err = s.LoadExecution(ctx, "exec_missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSaveNodeState_CommitsStateContextAndEventsTogether(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		def, err := s.SaveWorkflow(ctx, fanIn(t))
		require.NoError(t, err)
		exec, err := s.CreateExecution(ctx, def, nil)
		require.NoError(t, err)

		events, err := s.SaveNodeState(ctx, exec.ID, NodeUpdate{
			State:     NodeState{NodeID: "A", Status: NodeCompleted, AttemptCount: 1, Outputs: map[string]any{"x": 1.0}},
			Outputs:   map[string]any{"x": 1.0},
			Artifacts: []Artifact{{Name: "report.md", Locator: "s3://bucket/report.md", Size: 42}},
			Events: []Event{
				{NodeID: "A", Type: EventNodeCompleted},
				{NodeID: "A", Type: EventArtifactCreated, Payload: map[string]any{"name": "report.md"}},
			},
		})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].Sequence)
		assert.Equal(t, int64(2), events[1].Sequence)
		assert.Equal(t, exec.ID, events[0].ExecutionID)
		assert.NotEmpty(t, events[0].ID)

		loaded, states, err := s.LoadExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, loaded.CompletedNodes)
		assert.Equal(t, int64(2), loaded.LastSequence)
		assert.Equal(t, 1.0, loaded.GlobalContext["A"]["x"])
		for _, st := range states {
			if st.NodeID == "A" {
				assert.Equal(t, NodeCompleted, st.Status)
				assert.Equal(t, 1, st.AttemptCount)
			}
		}

		artifacts, err := s.ListArtifacts(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, artifacts, 1)
		assert.Equal(t, "A", artifacts[0].NodeID)

		page, err := s.ListEvents(ctx, exec.ID, 1, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, EventArtifactCreated, page[0].Type)
	})
}

func TestSaveNodeState_RejectsUpdatesToSettledNodes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		def, err := s.SaveWorkflow(ctx, fanIn(t))
		require.NoError(t, err)
		exec, err := s.CreateExecution(ctx, def, nil)
		require.NoError(t, err)

		_, err = s.SaveNodeState(ctx, exec.ID, NodeUpdate{State: NodeState{NodeID: "C", Status: NodeSkipped}})
		require.NoError(t, err)

		_, err = s.SaveNodeState(ctx, exec.ID, NodeUpdate{
			State:  NodeState{NodeID: "C", Status: NodeRunning},
			Events: []Event{{NodeID: "C", Type: EventNodeStarted}},
		})
		assert.ErrorIs(t, err, ErrTerminalState)

		loaded, _, err := s.LoadExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), loaded.LastSequence, "rejected update must not append events")

		_, err = s.SaveNodeState(ctx, exec.ID, NodeUpdate{State: NodeState{NodeID: "ghost", Status: NodeRunning}})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		def, err := s.SaveWorkflow(ctx, fanIn(t))
		require.NoError(t, err)
		exec, err := s.CreateExecution(ctx, def, nil)
		require.NoError(t, err)

		const writers, perWriter = 8, 10
		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					if _, err := s.AppendEvent(ctx, exec.ID, Event{Type: EventExecutionResumed}); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		events, err := s.ListEvents(ctx, exec.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, writers*perWriter)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})
}

func TestUpdateExecution_TerminalLeavesActiveSet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		def, err := s.SaveWorkflow(ctx, fanIn(t))
		require.NoError(t, err)
		exec, err := s.CreateExecution(ctx, def, nil)
		require.NoError(t, err)

		events, err := s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
			Status:                ExecutionFailed,
			Error:                 "boom",
			InfrastructureFailure: true,
			Events:                []Event{{Type: EventExecutionFailed}},
		})
		require.NoError(t, err)
		require.Len(t, events, 1)

		loaded, _, err := s.LoadExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, ExecutionFailed, loaded.Status)
		assert.True(t, loaded.InfrastructureFailure)
		assert.Equal(t, "boom", loaded.Error)

		active, err := s.ListActiveExecutions(ctx)
		require.NoError(t, err)
		assert.NotContains(t, active, exec.ID)
	})
}

func TestListEvents_UnknownExecution(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.ListEvents(context.Background(), "exec_missing", 0, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRetrier_ClassifiesErrors(t *testing.T) {
	calls := 0
	transient := errors.New("transient")
	r := newRetrier(Options{}.withDefaults(), func(err error) bool { return errors.Is(err, transient) })

	err := r.run(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = r.run(context.Background(), "op", func(context.Context) error {
		calls++
		return transient
	})
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "op", perr.Op)
	assert.Equal(t, DefaultRetryPolicy().MaxAttempts, calls)
	assert.ErrorIs(t, err, ErrPersistence)

	calls = 0
	err = r.run(context.Background(), "op", func(context.Context) error {
		calls++
		return ErrNotFound
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, errors.Is(err, ErrPersistence))

	err = r.run(context.Background(), "op", func(context.Context) error { return errors.New("syntax error") })
	assert.ErrorIs(t, err, ErrPersistence)
}
