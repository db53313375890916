package taskexec

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/ronappleton/dagengine/internal/config"
	"github.com/ronappleton/dagengine/internal/engine"
	"github.com/ronappleton/dagengine/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(node graph.Node) engine.Task {
	return engine.Task{
		ExecutionID: "exec_1",
		Node:        node,
		Attempt:     2,
		Input:       map[string]any{"input": map[string]any{"repo": "demo"}},
	}
}

func TestHTTPExecutorPostsTask(t *testing.T) {
	var got request
	var header http.Header
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"outputs": {"summary": "ok", "count": 3},
			"artifacts": [
				{"name": "report", "locator": "s3://bucket/report.md", "size": 42, "content_hash": "sha256:abc"},
				{"locator": "s3://bucket/unnamed"}
			]
		}`))
	}))
	defer srv.Close()

	h := NewHTTPExecutor(srv.URL+"/", "secret", time.Second)
	res, err := h.Execute(context.Background(), task(graph.Node{
		ID:              "design",
		Name:            "Design",
		Kind:            graph.KindInterface,
		ContractVersion: "v2",
		Config:          map[string]any{"persona": "architect"},
	}))
	require.NoError(t, err)

	assert.Equal(t, "/v1/tasks", path)
	assert.Equal(t, "exec_1:design", header.Get("Idempotency-Key"))
	assert.Equal(t, "2", header.Get("X-Attempt"))
	assert.Equal(t, "Bearer secret", header.Get("Authorization"))
	assert.Equal(t, "design", got.NodeID)
	assert.Equal(t, "INTERFACE", got.Kind)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "v2", got.ContractVersion)
	assert.Equal(t, "architect", got.Config["persona"])
	assert.Equal(t, "demo", got.Context["input"].(map[string]any)["repo"])

	assert.Equal(t, "ok", res.Outputs["summary"])
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "design", res.Artifacts[0].NodeID)
	assert.Equal(t, "report", res.Artifacts[0].Name)
	assert.Equal(t, int64(42), res.Artifacts[0].Size)
	assert.Equal(t, "sha256:abc", res.Artifacts[0].ContentHash)
}

func TestHTTPExecutorEndpointOverride(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewHTTPExecutor(srv.URL, "", time.Second)
	res, err := h.Execute(context.Background(), task(graph.Node{
		ID:     "notify",
		Kind:   graph.KindNotification,
		Config: map[string]any{"endpoint": "/hooks/slack"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "/hooks/slack", path)
	assert.Nil(t, res.Outputs)
}

func TestHTTPExecutorStatusErrors(t *testing.T) {
	code := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "persona busy", code)
	}))
	defer srv.Close()
	h := NewHTTPExecutor(srv.URL, "", time.Second)

	_, err := h.Execute(context.Background(), task(graph.Node{ID: "a", Kind: graph.KindAction}))
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusServiceUnavailable, status.Code)
	assert.Contains(t, status.Body, "persona busy")
	assert.True(t, status.Temporary())

	code = http.StatusBadRequest
	_, err = h.Execute(context.Background(), task(graph.Node{ID: "a", Kind: graph.KindAction}))
	require.ErrorAs(t, err, &status)
	assert.False(t, status.Temporary())
	assert.True(t, (&StatusError{Code: http.StatusTooManyRequests}).Temporary())
}

func TestHTTPExecutorHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPExecutor(srv.URL, "", 0).Execute(ctx, task(graph.Node{ID: "a", Kind: graph.KindAction}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEcho(t *testing.T) {
	res, err := Echo{}.Execute(context.Background(), task(graph.Node{
		ID:     "a",
		Kind:   graph.KindAction,
		Config: map[string]any{"greeting": "hello"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Outputs["greeting"])
	assert.Equal(t, 2, res.Outputs["attempt"])

	_, err = Echo{}.Execute(context.Background(), task(graph.Node{
		ID:     "b",
		Kind:   graph.KindAction,
		Config: map[string]any{"fail": "lint errors"},
	}))
	assert.EqualError(t, err, "lint errors")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Echo{Delay: time.Minute}.Execute(ctx, task(graph.Node{ID: "c", Kind: graph.KindAction}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSelectsDriver(t *testing.T) {
	assert.IsType(t, Echo{}, New(config.TasksConfig{Driver: "echo"}))
	assert.IsType(t, &HTTPExecutor{}, New(config.TasksConfig{Driver: "http", URL: "http://tasks:8080", Timeout: "30s"}))
}
