package logging

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const sinkBuffer = 200

type sinkPayload struct {
	Source   string            `json:"source"`
	Level    string            `json:"level"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sink ships log entries to an HTTP collector from a single
// goroutine. Entries are dropped when the buffer is full.
type Sink struct {
	baseURL string
	apiKey  string
	source  string
	client  *http.Client
	ch      chan sinkPayload
	done    chan struct{}
	stopped chan struct{}
}

func newSink(baseURL, apiKey, source string) *Sink {
	return &Sink{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		source:  source,
		client:  &http.Client{Timeout: 3 * time.Second},
		ch:      make(chan sinkPayload, sinkBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (s *Sink) start() {
	go func() {
		defer close(s.stopped)
		for {
			select {
			case <-s.done:
				return
			case payload := <-s.ch:
				s.send(payload)
			}
		}
	}()
}

func (s *Sink) send(payload sinkPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, s.baseURL+"/v1/logs", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

func (s *Sink) Stop(ctx context.Context) error {
	close(s.done)
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func attachSink(logger *zap.Logger, sender *Sink) *zap.Logger {
	sink := &sinkCore{
		level:  zapcore.InfoLevel,
		sender: sender,
	}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, sink)
	}))
}

type sinkCore struct {
	level  zapcore.LevelEnabler
	fields []zapcore.Field
	sender *Sink
}

func (c *sinkCore) Enabled(level zapcore.Level) bool {
	return c.level.Enabled(level)
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *sinkCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *sinkCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	metadata := make(map[string]string, len(enc.Fields)+1)
	for k, v := range enc.Fields {
		metadata[k] = fmt.Sprint(v)
	}
	if entry.LoggerName != "" {
		metadata["logger"] = entry.LoggerName
	}
	payload := sinkPayload{
		Source:   c.sender.source,
		Level:    entry.Level.String(),
		Message:  entry.Message,
		Metadata: metadata,
	}
	select {
	case c.sender.ch <- payload:
	default:
	}
	return nil
}

func (c *sinkCore) Sync() error { return nil }
