package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ronappleton/dagengine/internal/metrics"
	"github.com/ronappleton/dagengine/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type Config struct {
	MaxConcurrentNodes        int
	MaxConcurrentPerExecution int
	DefaultMaxAttempts        int
	BackoffBase               time.Duration
	BackoffMax                time.Duration
	NodeTimeout               time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentNodes <= 0 {
		c.MaxConcurrentNodes = 16
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Publisher receives every event after it has been committed.
type Publisher interface {
	Publish(e store.Event)
}

type Option func(*Engine)

// WithFatalHandler installs fn to be called once when a persistence failure
// halts the engine.
func WithFatalHandler(fn func(error)) Option {
	return func(e *Engine) { e.onFatal = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine drives executions. Each attached execution is owned by exactly one
// run loop, which is the only writer of its state.
type Engine struct {
	cfg       Config
	store     store.Store
	tasks     TaskExecutor
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	slots     *semaphore.Weighted

	onFatal   func(error)
	fatalOnce sync.Once

	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	halted error
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, st store.Store, tasks TaskExecutor, publisher Publisher, logger *zap.Logger, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		store:     st,
		tasks:     tasks,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("github.com/ronappleton/dagengine/internal/engine"),
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrentNodes)),
		base:      base,
		stop:      stop,
		runs:      map[string]*run{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates an execution of workflowID and attaches a run loop to it.
func (e *Engine) Start(ctx context.Context, workflowID string, initial map[string]any) (*store.Execution, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	def, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	exec, err := e.store.CreateExecution(ctx, def, initial)
	if err != nil {
		return nil, err
	}
	if err := e.Resume(ctx, exec.ID); err != nil {
		return nil, err
	}
	e.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", def.ID),
		zap.Int("workflow_version", def.Version),
	)
	return exec, nil
}

// Resume attaches a run loop to a persisted, non-terminal execution. It is
// a no-op when the execution is already attached.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	if err := e.usable(); err != nil {
		return err
	}
	if e.attached(executionID) != nil {
		return nil
	}
	exec, states, err := e.store.LoadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionNotActive, executionID, exec.Status)
	}
	def, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrHalted
	}
	if _, ok := e.runs[executionID]; ok {
		return nil
	}
	r := newRun(e, def, exec, states)
	e.runs[executionID] = r
	e.wg.Add(1)
	e.metrics.ExecutionAttached()
	go r.loop()
	return nil
}

// Cancel stops dispatching new nodes of the execution and cancels the ones
// in flight. The execution settles to CANCELLED once none is running.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	return e.command(ctx, executionID, command{kind: cmdCancel})
}

// Approve releases a node held in BLOCKED by an approval gate.
func (e *Engine) Approve(ctx context.Context, executionID, nodeID, note string) error {
	return e.command(ctx, executionID, command{kind: cmdApprove, nodeID: nodeID, note: note})
}

// Wait blocks until the execution's run loop exits. It returns immediately
// when the execution is not attached.
func (e *Engine) Wait(ctx context.Context, executionID string) error {
	r := e.attached(executionID)
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attached reports whether a run loop currently owns executionID.
func (e *Engine) Attached(executionID string) bool {
	return e.attached(executionID) != nil
}

// Close stops every run loop without persisting anything, leaving the
// store exactly as a crash would, and waits for them to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()
	e.wg.Wait()
}

func (e *Engine) command(ctx context.Context, executionID string, c command) error {
	if err := e.Resume(ctx, executionID); err != nil {
		return err
	}
	r := e.attached(executionID)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrExecutionNotActive, executionID)
	}
	c.reply = make(chan error, 1)
	select {
	case r.cmds <- c:
	case <-r.stopped:
		return fmt.Errorf("%w: %s", ErrExecutionNotActive, executionID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-r.stopped:
		return fmt.Errorf("%w: %s", ErrExecutionNotActive, executionID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) attached(executionID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[executionID]
}

func (e *Engine) detach(r *run) {
	e.mu.Lock()
	if e.runs[r.exec.ID] == r {
		delete(e.runs, r.exec.ID)
	}
	e.mu.Unlock()
	e.metrics.ExecutionDetached()
	e.wg.Done()
}

func (e *Engine) usable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return fmt.Errorf("%w: %v", ErrHalted, e.halted)
	}
	if e.closed {
		return ErrHalted
	}
	return nil
}

// fatal records the first unrecoverable persistence failure. No new
// executions are accepted afterwards.
func (e *Engine) fatal(err error) {
	e.mu.Lock()
	if e.halted == nil {
		e.halted = err
	}
	e.mu.Unlock()
	e.fatalOnce.Do(func() {
		e.logger.Error("engine halted on persistence failure", zap.Error(err))
		if e.onFatal != nil {
			e.onFatal(err)
		}
	})
}

func (e *Engine) publish(events []store.Event) {
	e.metrics.EventsAppended(len(events))
	if e.publisher == nil {
		return
	}
	for _, ev := range events {
		e.publisher.Publish(ev)
	}
}

func (e *Engine) maxAttempts(p int) int {
	if p > 0 {
		return p
	}
	return e.cfg.DefaultMaxAttempts
}

// backoff returns the delay before retrying a node whose attempt_count is
// `finished`: base*2^finished, capped. The first retry waits 2*base.
func backoff(base, ceiling time.Duration, finished int) time.Duration {
	d := base
	for i := 0; i < finished; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func isPersistence(err error) bool {
	return errors.Is(err, store.ErrPersistence)
}
