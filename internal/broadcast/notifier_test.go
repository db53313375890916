package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/ronappleton/dagengine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNotifierPostsEvents(t *testing.T) {
	var mu sync.Mutex
	var got []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got = append(got, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier([]string{srv.URL}, time.Second, zaptest.NewLogger(t))
	n.Start()
	n.Send(store.Event{
		ID:          "evt_1",
		ExecutionID: "exec_1",
		NodeID:      "build",
		Type:        store.EventNodeFailed,
		Sequence:    7,
		Timestamp:   time.Now(),
		Payload:     map[string]any{"error": "boom"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "node.failed", got[0]["event"])
	assert.Equal(t, "exec_1", got[0]["execution_id"])
	assert.Equal(t, 7.0, got[0]["sequence_number"])
}

func TestNotifierWithoutWebhooksIsInert(t *testing.T) {
	n := NewNotifier(nil, 0, nil)
	n.Send(store.Event{Type: store.EventNodeStarted})
	assert.Empty(t, n.queue)
}
