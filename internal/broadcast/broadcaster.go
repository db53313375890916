package broadcast

import (
	"context"
	"sync"

	"github.com/ronappleton/dagengine/internal/metrics"
	"github.com/ronappleton/dagengine/internal/store"
	"go.uber.org/zap"
)

const replayPage = 500

// EventSource is the persisted event log subscribers replay from.
type EventSource interface {
	ListEvents(ctx context.Context, executionID string, afterSeq int64, limit int) ([]store.Event, error)
}

// Sink receives every published event. Send must not block.
type Sink interface {
	Send(e store.Event)
}

// Broadcaster fans committed events out to live subscribers. Publish never
// blocks: a subscriber whose queue is full is dropped and can reconnect
// with its last sequence number.
type Broadcaster struct {
	source  EventSource
	logger  *zap.Logger
	metrics *metrics.Metrics
	buffer  int
	sinks   []Sink

	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
}

func New(source EventSource, logger *zap.Logger, m *metrics.Metrics, buffer int, sinks ...Sink) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Broadcaster{
		source:  source,
		logger:  logger,
		metrics: m,
		buffer:  buffer,
		sinks:   sinks,
		subs:    map[string]map[uint64]*Subscription{},
	}
}

func (b *Broadcaster) Publish(e store.Event) {
	for _, sink := range b.sinks {
		sink.Send(e)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs[e.ExecutionID] {
		select {
		case sub.live <- e:
		default:
			sub.dropped = true
			close(sub.live)
			delete(b.subs[e.ExecutionID], id)
			b.metrics.SubscriberDropped()
			b.logger.Warn("dropping slow event subscriber",
				zap.String("execution_id", e.ExecutionID),
				zap.Int64("sequence_number", e.Sequence),
			)
		}
	}
	if len(b.subs[e.ExecutionID]) == 0 {
		delete(b.subs, e.ExecutionID)
	}
}

// Subscribers returns the number of live subscribers of executionID.
func (b *Broadcaster) Subscribers(executionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[executionID])
}

// Subscribe streams every event of executionID with a sequence number
// greater than afterSeq, in order and without duplicates: first from the
// store, then live. The stream ends after a terminal execution event, when
// ctx is done, or when the subscriber falls behind.
func (b *Broadcaster) Subscribe(ctx context.Context, executionID string, afterSeq int64) (*Subscription, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}
	sub := &Subscription{
		b:           b,
		executionID: executionID,
		after:       afterSeq,
		live:        make(chan store.Event, b.buffer),
		out:         make(chan store.Event),
	}

	// Register before reading history so nothing committed in between is
	// missed; duplicates are filtered by sequence number.
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	if b.subs[executionID] == nil {
		b.subs[executionID] = map[uint64]*Subscription{}
	}
	b.subs[executionID][sub.id] = sub
	b.mu.Unlock()

	first, err := b.source.ListEvents(ctx, executionID, afterSeq, replayPage)
	if err != nil {
		b.unsubscribe(sub)
		return nil, err
	}
	go sub.pump(ctx, first)
	return sub, nil
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.executionID]
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	close(sub.live)
	if len(subs) == 0 {
		delete(b.subs, sub.executionID)
	}
}

type Subscription struct {
	b           *Broadcaster
	id          uint64
	executionID string
	after       int64

	live chan store.Event
	out  chan store.Event

	// dropped is written under b.mu before live is closed.
	dropped bool
	err     error
}

// Events yields the stream. It is closed when the stream ends; check Err
// and Dropped afterwards.
func (s *Subscription) Events() <-chan store.Event { return s.out }

// Err reports a replay failure. Valid once Events is closed.
func (s *Subscription) Err() error { return s.err }

// Dropped reports whether the subscriber was cut off for falling behind.
// Valid once Events is closed.
func (s *Subscription) Dropped() bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.dropped
}

func (s *Subscription) pump(ctx context.Context, page []store.Event) {
	defer close(s.out)
	defer s.b.unsubscribe(s)

	last := s.after
	emit := func(ev store.Event) (more bool) {
		if ev.Sequence <= last {
			return true
		}
		select {
		case s.out <- ev:
			last = ev.Sequence
			return !Terminal(ev.Type)
		case <-ctx.Done():
			return false
		}
	}

	for {
		for _, ev := range page {
			if !emit(ev) {
				return
			}
		}
		if len(page) < replayPage {
			break
		}
		var err error
		if page, err = s.b.source.ListEvents(ctx, s.executionID, last, replayPage); err != nil {
			s.err = err
			return
		}
	}

	for {
		select {
		case ev, ok := <-s.live:
			if !ok {
				return
			}
			if ev.Sequence > last+1 {
				missing, err := s.b.source.ListEvents(ctx, s.executionID, last, int(ev.Sequence-last-1))
				if err != nil {
					s.err = err
					return
				}
				for _, m := range missing {
					if !emit(m) {
						return
					}
				}
			}
			if !emit(ev) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Terminal reports event types after which an execution emits nothing more.
func Terminal(t store.EventType) bool {
	switch t {
	case store.EventExecutionCompleted, store.EventExecutionFailed, store.EventExecutionCancelled:
		return true
	}
	return false
}
