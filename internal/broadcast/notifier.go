package broadcast

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/ronappleton/dagengine/internal/store"
	"go.uber.org/zap"
)

// Notifier posts events to webhook endpoints from a background sender. A
// full queue drops the event rather than slowing the engine.
type Notifier struct {
	webhooks []string
	client   *http.Client
	logger   *zap.Logger
	queue    chan store.Event

	once sync.Once
	done chan struct{}
}

func NewNotifier(webhooks []string, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		webhooks: webhooks,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		queue:    make(chan store.Event, 200),
		done:     make(chan struct{}),
	}
}

func (n *Notifier) Send(e store.Event) {
	if n == nil || len(n.webhooks) == 0 {
		return
	}
	select {
	case n.queue <- e:
	default:
		n.logger.Warn("notifier queue full, dropping event",
			zap.String("execution_id", e.ExecutionID),
			zap.String("type", string(e.Type)),
		)
	}
}

func (n *Notifier) Start() {
	go n.loop()
}

// Stop flushes what is queued until ctx is done.
func (n *Notifier) Stop(ctx context.Context) error {
	n.once.Do(func() { close(n.queue) })
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) loop() {
	defer close(n.done)
	for e := range n.queue {
		payload := map[string]any{
			"event":           e.Type,
			"event_id":        e.ID,
			"execution_id":    e.ExecutionID,
			"node_id":         e.NodeID,
			"sequence_number": e.Sequence,
			"payload":         e.Payload,
			"ts":              e.Timestamp.UTC().Format(time.RFC3339),
		}
		for _, url := range n.webhooks {
			n.postJSON(url, payload)
		}
	}
}

func (n *Notifier) postJSON(url string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Debug("webhook post failed", zap.String("url", url), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Debug("webhook rejected event", zap.String("url", url), zap.Int("status", resp.StatusCode))
	}
}
