package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/ronappleton/dagengine/internal/store"
	"go.uber.org/zap"
)

const keepAlive = 15 * time.Second

var errBadSequence = errors.New("invalid sequence number")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// afterParam resolves the resume point from ?after= or, for reconnecting
// EventSource clients, the Last-Event-ID header.
func afterParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, fmt.Errorf("%w %q", errBadSequence, raw)
	}
	return after, nil
}

func (s *Server) handleEventPage(w http.ResponseWriter, r *http.Request) {
	after, err := afterParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 500
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 5000 {
			limit = n
		}
	}
	events, err := s.store.ListEvents(r.Context(), r.PathValue("id"), after, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events, "next_after": next})
}

// subscribe opens a stream for the execution in the path. Executions that
// already finished are served from the store alone, since nothing will be
// published for them again.
func (s *Server) subscribe(ctx context.Context, r *http.Request) (<-chan store.Event, func() bool, error) {
	after, err := afterParam(r)
	if err != nil {
		return nil, nil, err
	}
	id := r.PathValue("id")
	exec, _, err := s.store.LoadExecution(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if exec.Status.Terminal() {
		events, err := s.store.ListEvents(ctx, id, after, 0)
		if err != nil {
			return nil, nil, err
		}
		ch := make(chan store.Event, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch, func() bool { return false }, nil
	}
	sub, err := s.events.Subscribe(ctx, id, after)
	if err != nil {
		return nil, nil, err
	}
	return sub.Events(), sub.Dropped, nil
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, dropped, err := s.subscribe(r.Context(), r)
	if err != nil {
		s.writeStreamError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				if dropped() {
					_, _ = w.Write([]byte("event: dropped\ndata: {}\n\n"))
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event", zap.Error(err))
				return
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, dropped, err := s.subscribe(ctx, r)
	if err != nil {
		s.writeStreamError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade the websocket", zap.Error(err))
		return
	}
	defer ws.Close()

	// The stream is one-way; reading only detects the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				reason := "stream ended"
				if dropped() {
					reason = "subscriber dropped"
				}
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event", zap.Error(err))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBadSequence) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeError(w, err)
}
