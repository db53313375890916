package logging

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/ronappleton/dagengine/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSinkShipsEntriesAtInfoAndAbove(t *testing.T) {
	var (
		mu       sync.Mutex
		received []sinkPayload
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p sinkPayload
		_ = json.Unmarshal(body, &p)
		mu.Lock()
		received = append(received, p)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		assert.Equal(t, "/v1/logs", r.URL.Path)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Logging.SinkURL = srv.URL
	cfg.Logging.SinkAPIKey = "secret"
	cfg.Logging.Level = "debug"
	logger, sender, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, sender)

	logger.Debug("not shipped")
	logger.With(zap.String("execution_id", "exec_1")).Info("node completed", zap.String("node_id", "A"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	got := received[0]
	mu.Unlock()
	assert.Equal(t, "node completed", got.Message)
	assert.Equal(t, "info", got.Level)
	assert.Equal(t, "exec_1", got.Metadata["execution_id"])
	assert.Equal(t, "A", got.Metadata["node_id"])
	assert.Equal(t, "Bearer secret", auth)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sender.Stop(ctx))
}

func TestSinkDropsWhenBufferFull(t *testing.T) {
	sender := newSink("http://127.0.0.1:1", "", "test")
	logger := attachSink(zap.NewNop(), sender)

	for i := 0; i < sinkBuffer*2; i++ {
		logger.Info("burst")
	}
	assert.Len(t, sender.ch, sinkBuffer)
}

func TestNew_WithoutSink(t *testing.T) {
	logger, sender, err := New(config.Default())
	require.NoError(t, err)
	assert.Nil(t, sender)
	assert.NotNil(t, logger)

	cfg := config.Default()
	cfg.Logging.Level = "verbose"
	_, _, err = New(cfg)
	assert.Error(t, err)
}
