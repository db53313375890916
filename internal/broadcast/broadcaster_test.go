package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ronappleton/dagengine/internal/graph"
	"github.com/ronappleton/dagengine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newExecution(t *testing.T) (store.Store, string) {
	t.Helper()
	s, err := store.NewBadgerStore(store.BadgerConfig{InMemory: true}, store.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	def, err := graph.Build([]graph.Node{{ID: "a", Kind: graph.KindAction}}, nil)
	require.NoError(t, err)
	def.Name = t.Name()
	ctx := context.Background()
	saved, err := s.SaveWorkflow(ctx, def)
	require.NoError(t, err)
	exec, err := s.CreateExecution(ctx, saved, nil)
	require.NoError(t, err)
	return s, exec.ID
}

func appendEvent(t *testing.T, s store.Store, executionID string, typ store.EventType) store.Event {
	t.Helper()
	ev, err := s.AppendEvent(context.Background(), executionID, store.Event{Type: typ})
	require.NoError(t, err)
	return ev
}

func next(t *testing.T, sub *Subscription) store.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	return store.Event{}
}

func TestSubscribeReplaysThenStreamsLive(t *testing.T) {
	s, id := newExecution(t)
	b := New(s, zaptest.NewLogger(t), nil, 16)

	var published []store.Event
	for i := 0; i < 3; i++ {
		published = append(published, appendEvent(t, s, id, store.EventNodeStarted))
	}

	sub, err := b.Subscribe(context.Background(), id, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next(t, sub).Sequence)
	assert.Equal(t, int64(3), next(t, sub).Sequence)

	// A late publish of something already replayed is suppressed.
	b.Publish(published[2])
	live := appendEvent(t, s, id, store.EventNodeCompleted)
	b.Publish(live)
	assert.Equal(t, int64(4), next(t, sub).Sequence)

	b.Publish(appendEvent(t, s, id, store.EventExecutionCompleted))
	assert.Equal(t, store.EventExecutionCompleted, next(t, sub).Type)

	_, open := <-sub.Events()
	assert.False(t, open, "stream ends after a terminal event")
	assert.NoError(t, sub.Err())
	assert.False(t, sub.Dropped())
	assert.Zero(t, b.Subscribers(id))
}

func TestSubscribeFillsGapsFromStore(t *testing.T) {
	s, id := newExecution(t)
	b := New(s, zaptest.NewLogger(t), nil, 16)

	sub, err := b.Subscribe(context.Background(), id, 0)
	require.NoError(t, err)

	appendEvent(t, s, id, store.EventNodeStarted)
	appendEvent(t, s, id, store.EventNodeCompleted)
	b.Publish(appendEvent(t, s, id, store.EventNodeStarted))

	for want := int64(1); want <= 3; want++ {
		assert.Equal(t, want, next(t, sub).Sequence)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	s, id := newExecution(t)
	b := New(s, zaptest.NewLogger(t), nil, 1)

	sub, err := b.Subscribe(context.Background(), id, 0)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		b.Publish(appendEvent(t, s, id, store.EventNodeStarted))
	}
	assert.Zero(t, b.Subscribers(id))

	for range sub.Events() {
	}
	assert.True(t, sub.Dropped())
}

func TestSubscribeUnknownExecution(t *testing.T) {
	s, _ := newExecution(t)
	b := New(s, zaptest.NewLogger(t), nil, 16)

	_, err := b.Subscribe(context.Background(), "exec_missing", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, b.Subscribers("exec_missing"))
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s, id := newExecution(t)
	b := New(s, zaptest.NewLogger(t), nil, 16)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, id, 0)
	require.NoError(t, err)
	cancel()

	for range sub.Events() {
	}
	assert.False(t, sub.Dropped())
	assert.Eventually(t, func() bool { return b.Subscribers(id) == 0 }, time.Second, 5*time.Millisecond)
}

type collectSink struct {
	mu     sync.Mutex
	events []store.Event
}

func (c *collectSink) Send(e store.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func TestPublishFeedsSinks(t *testing.T) {
	s, id := newExecution(t)
	sink := &collectSink{}
	b := New(s, zaptest.NewLogger(t), nil, 16, sink)

	b.Publish(appendEvent(t, s, id, store.EventNodeStarted))
	require.Len(t, sink.events, 1)
	assert.Equal(t, id, sink.events[0].ExecutionID)
}
