package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/ronappleton/dagengine/internal/graph"
	"github.com/ronappleton/dagengine/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type cmdKind int

const (
	cmdCancel cmdKind = iota
	cmdApprove
)

type command struct {
	kind   cmdKind
	nodeID string
	note   string
	reply  chan error
}

type nodeResult struct {
	nodeID  string
	attempt int
	result  Result
	err     error
	took    time.Duration
	// queued is set when the attempt ended before it was marked RUNNING.
	queued bool
}

// nodeStart asks the loop to mark a node RUNNING once its worker holds a
// slot. The loop answers on proceed.
type nodeStart struct {
	task    Task
	proceed chan bool
}

// run is the single writer for one execution. Every field below is touched
// only by the loop goroutine; workers talk to it through channels.
type run struct {
	e      *Engine
	def    *graph.Definition
	exec   *store.Execution
	states map[string]*store.NodeState
	acc    *Accumulator
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	results chan nodeResult
	starts  chan nodeStart
	retries chan string
	cmds    chan command
	stopped chan struct{}
	done    chan struct{}

	inflight   map[string]context.CancelFunc
	timers     map[string]*time.Timer
	due        []string
	cancelling bool
	workers    int
	finished   bool
}

func newRun(e *Engine, def *graph.Definition, exec *store.Execution, states []store.NodeState) *run {
	ctx, cancel := context.WithCancel(e.base)
	r := &run{
		e:        e,
		def:      def,
		exec:     exec,
		states:   make(map[string]*store.NodeState, len(states)),
		acc:      NewAccumulator(exec.InitialContext, exec.GlobalContext),
		logger:   e.logger.With(zap.String("execution_id", exec.ID)),
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan nodeResult, def.Len()),
		starts:   make(chan nodeStart),
		retries:  make(chan string),
		cmds:     make(chan command),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		inflight: map[string]context.CancelFunc{},
		timers:   map[string]*time.Timer{},
	}
	for i := range states {
		st := states[i]
		r.states[st.NodeID] = &st
	}
	return r
}

func (r *run) loop() {
	defer r.exit()

	if err := r.begin(); err != nil {
		r.fail(err)
		return
	}
	for {
		if err := r.advance(); err != nil {
			r.fail(err)
			return
		}
		if r.finished {
			return
		}

		var err error
		select {
		case res := <-r.results:
			r.workers--
			err = r.onResult(res)
		case s := <-r.starts:
			err = r.onStart(s)
		case id := <-r.retries:
			delete(r.timers, id)
			if !r.cancelling {
				r.due = append(r.due, id)
			}
		case c := <-r.cmds:
			err = r.onCommand(c)
		case <-r.ctx.Done():
			return
		}
		if err != nil {
			r.fail(err)
			return
		}
	}
}

func (r *run) exit() {
	close(r.stopped)
	for _, cancel := range r.inflight {
		cancel()
	}
	for _, t := range r.timers {
		t.Stop()
	}
	r.cancel()
	// results holds one slot per node, so workers never block on send.
	for ; r.workers > 0; r.workers-- {
		select {
		case <-r.results:
		case <-time.After(time.Minute):
			r.logger.Warn("worker did not exit after cancellation")
			r.workers = 0
		}
	}
	r.e.detach(r)
	close(r.done)
}

// begin reconciles persisted state after a start or a restart. It never
// assumes an interrupted attempt succeeded.
func (r *run) begin() error {
	now := time.Now().UTC()
	switch r.exec.Status {
	case store.ExecutionPending:
		events, err := r.e.store.UpdateExecution(r.ctx, r.exec.ID, store.ExecutionUpdate{
			Status:    store.ExecutionRunning,
			StartedAt: &now,
			Events:    []store.Event{{Type: store.EventExecutionStarted, Payload: map[string]any{"total_nodes": r.def.Len()}}},
		})
		if err != nil {
			return err
		}
		r.exec.Status = store.ExecutionRunning
		r.exec.StartedAt = &now
		r.e.publish(events)
	default:
		ev, err := r.e.store.AppendEvent(r.ctx, r.exec.ID, store.Event{
			Type:    store.EventExecutionResumed,
			Payload: map[string]any{"completed_nodes": r.exec.CompletedNodes, "total_nodes": r.exec.TotalNodes},
		})
		if err != nil {
			return err
		}
		r.e.publish([]store.Event{ev})
		r.logger.Info("execution resumed", zap.Int("completed_nodes", r.exec.CompletedNodes))
	}
	r.cancelling = r.exec.CancelRequested

	for _, id := range r.def.Order() {
		st := r.states[id]
		if st == nil {
			return fmt.Errorf("execution %s has no state for node %s", r.exec.ID, id)
		}
		node := r.def.Nodes[id]
		switch st.Status {
		case store.NodeRunning:
			next := *st
			next.Status = store.NodeFailed
			next.LastError = "interrupted by restart"
			err := r.saveNode(next, nil, nil, store.Event{
				NodeID:  id,
				Type:    store.EventNodeInterrupted,
				Payload: map[string]any{"attempt": st.AttemptCount + 1},
			})
			if err != nil {
				return err
			}
			if !r.cancelling {
				r.due = append(r.due, id)
			}
		case store.NodeFailed:
			if !r.cancelling && st.AttemptCount < r.e.maxAttempts(node.Retry.MaxAttempts) {
				r.retryAfter(id, r.backoff(node, st.AttemptCount))
			}
		case store.NodeBlocked:
			if approved(st) && !r.cancelling {
				r.due = append(r.due, id)
			}
		}
	}
	return nil
}

// advance applies cascade skips, dispatches what is ready, and settles the
// execution once nothing is left to wait for.
func (r *run) advance() error {
	if r.cancelling {
		if len(r.inflight) == 0 {
			return r.settleCancelled()
		}
		return nil
	}
	if err := r.cascade(); err != nil {
		return err
	}
	for len(r.due) > 0 && r.hasCapacity() {
		id := r.due[0]
		r.due = r.due[1:]
		if err := r.dispatch(id); err != nil {
			return err
		}
	}
	for _, id := range r.def.Ready(r.progress()) {
		if !r.hasCapacity() {
			break
		}
		if err := r.dispatch(id); err != nil {
			return err
		}
	}
	if len(r.inflight) > 0 || len(r.timers) > 0 || len(r.due) > 0 || r.blocked() {
		return nil
	}
	return r.finish()
}

func (r *run) hasCapacity() bool {
	limit := r.e.cfg.MaxConcurrentPerExecution
	return limit <= 0 || len(r.inflight) < limit
}

func (r *run) progress() graph.Progress {
	p := graph.Progress{Completed: graph.NodeSet{}, Started: graph.NodeSet{}, Dead: graph.NodeSet{}}
	for id, st := range r.states {
		switch {
		case st.Status == store.NodeCompleted:
			p.Completed.Add(id)
		case r.dead(id):
			p.Dead.Add(id)
		case st.Status != store.NodePending:
			p.Started.Add(id)
		}
	}
	return p
}

// dead reports nodes that can never complete.
func (r *run) dead(id string) bool {
	st := r.states[id]
	switch st.Status {
	case store.NodeSkipped:
		return true
	case store.NodeFailed:
		return st.AttemptCount >= r.e.maxAttempts(r.def.Nodes[id].Retry.MaxAttempts)
	}
	return false
}

func (r *run) blocked() bool {
	for _, st := range r.states {
		if st.Status == store.NodeBlocked {
			return true
		}
	}
	return false
}

func (r *run) cascade() error {
	dead := r.progress().Dead
	for _, id := range r.def.Order() {
		st := r.states[id]
		if st.Status != store.NodePending || !r.def.Doomed(id, dead) {
			continue
		}
		var upstream []string
		for _, pred := range r.def.Predecessors(id) {
			if dead.Has(pred) {
				upstream = append(upstream, pred)
			}
		}
		now := time.Now().UTC()
		next := *st
		next.Status = store.NodeSkipped
		next.CompletedAt = &now
		err := r.saveNode(next, nil, nil, store.Event{
			NodeID:  id,
			Type:    store.EventNodeSkipped,
			Payload: map[string]any{"reason": "upstream failed", "upstream": upstream},
		})
		if err != nil {
			return err
		}
		dead.Add(id)
		r.logger.Info("node skipped", zap.String("node_id", id), zap.Strings("upstream", upstream))
	}
	return nil
}

func approved(st *store.NodeState) bool {
	_, ok := st.Inputs["approval"]
	return ok
}

func (r *run) dispatch(id string) error {
	node := r.def.Nodes[id]
	st := r.states[id]
	if _, busy := r.inflight[id]; busy {
		return nil
	}

	input := r.acc.View()
	if node.Kind == graph.KindInterface {
		input["contract_version"] = node.ContractVersion
	}
	if approval, ok := st.Inputs["approval"]; ok {
		input["approval"] = approval
	}

	next := *st
	next.Inputs = input
	if gated(node) && !approved(st) {
		next.Status = store.NodeBlocked
		err := r.saveNode(next, nil, nil, store.Event{
			NodeID:  id,
			Type:    store.EventNodeBlocked,
			Payload: map[string]any{"kind": node.Kind.String()},
		})
		if err == nil {
			r.logger.Info("node awaiting approval", zap.String("node_id", id))
		}
		return err
	}

	// The node stays in its current status until the worker holds a global
	// slot and onStart marks it RUNNING.
	nodeCtx, cancel := context.WithCancel(r.ctx)
	r.inflight[id] = cancel
	r.workers++
	go r.work(nodeCtx, Task{
		ExecutionID: r.exec.ID,
		Node:        node,
		Attempt:     st.AttemptCount + 1,
		Input:       input,
	})
	return nil
}

func (r *run) onStart(s nodeStart) error {
	id := s.task.Node.ID
	if r.cancelling {
		s.proceed <- false
		return nil
	}
	now := time.Now().UTC()
	next := *r.states[id]
	next.Inputs = s.task.Input
	next.Status = store.NodeRunning
	next.StartedAt = &now
	next.CompletedAt = nil
	err := r.saveNode(next, nil, nil, store.Event{
		NodeID:  id,
		Type:    store.EventNodeStarted,
		Payload: map[string]any{"attempt": s.task.Attempt, "kind": s.task.Node.Kind.String()},
	})
	if err != nil {
		s.proceed <- false
		return err
	}
	r.e.metrics.NodeDispatched(s.task.Node.Kind.String())
	s.proceed <- true
	return nil
}

func gated(node graph.Node) bool {
	return node.Kind == graph.KindCheckpoint || node.RequiresApproval
}

// work runs one attempt outside the loop and reports back through results.
func (r *run) work(ctx context.Context, task Task) {
	res := nodeResult{nodeID: task.Node.ID, attempt: task.Attempt}
	defer func() { r.results <- res }()

	if err := r.e.slots.Acquire(ctx, 1); err != nil {
		res.err, res.queued = err, true
		return
	}
	defer r.e.slots.Release(1)

	start := nodeStart{task: task, proceed: make(chan bool, 1)}
	select {
	case r.starts <- start:
	case <-ctx.Done():
		res.err, res.queued = ctx.Err(), true
		return
	}
	select {
	case ok := <-start.proceed:
		if !ok {
			res.err, res.queued = context.Canceled, true
			return
		}
	case <-ctx.Done():
		res.err, res.queued = ctx.Err(), true
		return
	}

	timeout := task.Node.TimeoutDuration()
	if timeout <= 0 {
		timeout = r.e.cfg.NodeTimeout
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	callCtx, span := r.e.tracer.Start(callCtx, "node.execute", trace.WithAttributes(
		attribute.String("execution.id", task.ExecutionID),
		attribute.String("node.id", task.Node.ID),
		attribute.String("node.kind", task.Node.Kind.String()),
		attribute.Int("node.attempt", task.Attempt),
	))
	defer span.End()

	started := time.Now()
	res.result, res.err = r.call(callCtx, task)
	res.took = time.Since(started)
	if res.err == nil {
		res.err = encodable(res.result)
	}

	if res.err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.err = &TimeoutError{NodeID: task.Node.ID, Timeout: timeout}
		} else if !errors.Is(res.err, context.Canceled) {
			res.err = &NodeExecutionError{NodeID: task.Node.ID, Attempt: task.Attempt, Err: res.err}
		}
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
}

// encodable rejects results the store could not persist, so a bad payload
// fails its node instead of the store.
func encodable(res Result) error {
	if _, err := json.Marshal(res.Outputs); err != nil {
		return fmt.Errorf("outputs are not JSON-encodable: %w", err)
	}
	if _, err := json.Marshal(res.Artifacts); err != nil {
		return fmt.Errorf("artifacts are not JSON-encodable: %w", err)
	}
	return nil
}

func (r *run) call(ctx context.Context, task Task) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task executor panic: %v", p)
		}
	}()
	return r.e.tasks.Execute(ctx, task)
}

func (r *run) onResult(res nodeResult) error {
	if cancel, ok := r.inflight[res.nodeID]; ok {
		cancel()
		delete(r.inflight, res.nodeID)
	}
	st := r.states[res.nodeID]
	if res.queued && st.Status != store.NodeRunning {
		// Never started: nothing to record and the attempt is not counted.
		if !r.cancelling {
			r.due = append(r.due, res.nodeID)
		}
		return nil
	}
	node := r.def.Nodes[res.nodeID]
	kind := node.Kind.String()
	logger := r.logger.With(zap.String("node_id", res.nodeID), zap.Int("attempt", res.attempt))
	now := time.Now().UTC()

	next := *st
	next.AttemptCount = res.attempt
	if res.err == nil {
		outputs := res.result.Outputs
		if node.Kind == graph.KindInterface {
			outputs = withValue(outputs, "contract_version", node.ContractVersion)
		}
		r.e.metrics.NodeFinished(kind, string(store.NodeCompleted), res.took)
		logger.Info("node completed", zap.Duration("took", res.took))
		return r.complete(next, outputs, res.result.Artifacts, map[string]any{
			"attempt": res.attempt,
			"took_ms": res.took.Milliseconds(),
		})
	}

	next.LastError = res.err.Error()
	if r.cancelling {
		next.Status = store.NodeFailed
		next.CompletedAt = &now
		r.e.metrics.NodeFinished(kind, "CANCELLED", res.took)
		return r.saveNode(next, nil, nil, store.Event{
			NodeID:  res.nodeID,
			Type:    store.EventNodeFailed,
			Payload: map[string]any{"attempt": res.attempt, "error": next.LastError, "cancelled": true},
		})
	}

	maxAttempts := r.e.maxAttempts(node.Retry.MaxAttempts)
	if res.attempt < maxAttempts {
		delay := r.backoff(node, res.attempt)
		next.Status = store.NodeFailed
		logger.Warn("node attempt failed, retrying", zap.Error(res.err), zap.Duration("delay", delay))
		r.e.metrics.NodeFinished(kind, "RETRY", res.took)
		err := r.saveNode(next, nil, nil, store.Event{
			NodeID: res.nodeID,
			Type:   store.EventNodeRetryScheduled,
			Payload: map[string]any{
				"attempt":      res.attempt,
				"max_attempts": maxAttempts,
				"error":        next.LastError,
				"delay_ms":     delay.Milliseconds(),
			},
		})
		if err != nil {
			return err
		}
		r.retryAfter(res.nodeID, delay)
		return nil
	}

	if node.Kind == graph.KindNotification {
		logger.Warn("notification undeliverable", zap.Error(res.err))
		r.e.metrics.NodeFinished(kind, string(store.NodeCompleted), res.took)
		return r.complete(next, map[string]any{"delivered": false, "error": next.LastError}, nil, map[string]any{
			"attempt":   res.attempt,
			"delivered": false,
		})
	}

	next.Status = store.NodeFailed
	next.CompletedAt = &now
	logger.Error("node failed", zap.Error(res.err), zap.Int("max_attempts", maxAttempts))
	r.e.metrics.NodeFinished(kind, string(store.NodeFailed), res.took)
	return r.saveNode(next, nil, nil, store.Event{
		NodeID:  res.nodeID,
		Type:    store.EventNodeFailed,
		Payload: map[string]any{"attempt": res.attempt, "error": next.LastError, "timeout": errors.As(res.err, new(*TimeoutError))},
	})
}

func (r *run) complete(next store.NodeState, outputs map[string]any, artifacts []store.Artifact, payload map[string]any) error {
	ns, err := r.acc.Merge(next.NodeID, outputs)
	if err != nil {
		return fmt.Errorf("merge outputs of %s: %w", next.NodeID, err)
	}
	now := time.Now().UTC()
	next.Status = store.NodeCompleted
	next.Outputs = ns
	next.CompletedAt = &now
	next.LastError = ""

	events := []store.Event{{NodeID: next.NodeID, Type: store.EventNodeCompleted, Payload: payload}}
	for _, a := range artifacts {
		events = append(events, store.Event{
			NodeID: next.NodeID,
			Type:   store.EventArtifactCreated,
			Payload: map[string]any{
				"name":         a.Name,
				"locator":      a.Locator,
				"size":         a.Size,
				"content_hash": a.ContentHash,
			},
		})
	}
	return r.saveNode(next, ns, artifacts, events...)
}

func withValue(m map[string]any, key string, v any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	out[key] = v
	return out
}

func (r *run) backoff(node graph.Node, finished int) time.Duration {
	base := node.Retry.BackoffDuration()
	if base <= 0 {
		base = r.e.cfg.BackoffBase
	}
	ceiling := node.Retry.MaxBackoffDuration()
	if ceiling <= 0 {
		ceiling = r.e.cfg.BackoffMax
	}
	return backoff(base, ceiling, finished)
}

func (r *run) retryAfter(id string, delay time.Duration) {
	r.timers[id] = time.AfterFunc(delay, func() {
		select {
		case r.retries <- id:
		case <-r.stopped:
		}
	})
}

func (r *run) onCommand(c command) error {
	switch c.kind {
	case cmdCancel:
		if r.cancelling {
			c.reply <- nil
			return nil
		}
		events, err := r.e.store.UpdateExecution(r.ctx, r.exec.ID, store.ExecutionUpdate{
			CancelRequested: true,
			Events:          []store.Event{{Type: store.EventExecutionCancelRequested, Payload: map[string]any{"in_flight": len(r.inflight)}}},
		})
		if err != nil {
			c.reply <- err
			return err
		}
		r.e.publish(events)
		r.cancelling = true
		r.exec.CancelRequested = true
		for _, cancel := range r.inflight {
			cancel()
		}
		for id, t := range r.timers {
			t.Stop()
			delete(r.timers, id)
		}
		r.due = nil
		r.logger.Info("execution cancel requested", zap.Int("in_flight", len(r.inflight)))
		c.reply <- nil
		return nil

	case cmdApprove:
		if r.cancelling {
			c.reply <- fmt.Errorf("%w: %s is being cancelled", ErrExecutionNotActive, r.exec.ID)
			return nil
		}
		st, ok := r.states[c.nodeID]
		if !ok {
			c.reply <- fmt.Errorf("node %s: %w", c.nodeID, store.ErrNotFound)
			return nil
		}
		if st.Status != store.NodeBlocked || approved(st) {
			c.reply <- fmt.Errorf("%w: %s is %s", ErrNodeNotBlocked, c.nodeID, st.Status)
			return nil
		}
		now := time.Now().UTC()
		next := *st
		next.Inputs = withValue(st.Inputs, "approval", map[string]any{"note": c.note, "approved_at": now.Format(time.RFC3339Nano)})
		err := r.saveNode(next, nil, nil, store.Event{
			NodeID:  c.nodeID,
			Type:    store.EventNodeApproved,
			Payload: map[string]any{"note": c.note},
		})
		c.reply <- err
		if err != nil {
			return err
		}
		r.due = append(r.due, c.nodeID)
		r.logger.Info("node approved", zap.String("node_id", c.nodeID))
		return nil
	}
	c.reply <- fmt.Errorf("unknown command %d", c.kind)
	return nil
}

func (r *run) finish() error {
	status := store.ExecutionCompleted
	var failed, skipped []string
	for _, id := range r.def.Order() {
		switch r.states[id].Status {
		case store.NodeCompleted:
		case store.NodeSkipped:
			skipped = append(skipped, id)
			status = store.ExecutionFailed
		default:
			failed = append(failed, id)
			status = store.ExecutionFailed
		}
	}

	now := time.Now().UTC()
	update := store.ExecutionUpdate{Status: status, CompletedAt: &now}
	payload := map[string]any{"completed_nodes": r.completed(), "total_nodes": r.def.Len()}
	if status == store.ExecutionCompleted {
		update.Events = []store.Event{{Type: store.EventExecutionCompleted, Payload: payload}}
	} else {
		update.Error = "failed nodes: " + strings.Join(failed, ", ")
		payload["failed"] = failed
		payload["skipped"] = skipped
		update.Events = []store.Event{{Type: store.EventExecutionFailed, Payload: payload}}
	}
	return r.settle(update)
}

func (r *run) settleCancelled() error {
	for _, id := range r.def.Order() {
		st := r.states[id]
		if st.Status != store.NodePending && st.Status != store.NodeBlocked {
			continue
		}
		now := time.Now().UTC()
		next := *st
		next.Status = store.NodeSkipped
		next.CompletedAt = &now
		err := r.saveNode(next, nil, nil, store.Event{
			NodeID:  id,
			Type:    store.EventNodeSkipped,
			Payload: map[string]any{"reason": "cancelled"},
		})
		if err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	return r.settle(store.ExecutionUpdate{
		Status:      store.ExecutionCancelled,
		CompletedAt: &now,
		Error:       ErrCancelled.Error(),
		Events: []store.Event{{
			Type:    store.EventExecutionCancelled,
			Payload: map[string]any{"completed_nodes": r.completed(), "total_nodes": r.def.Len()},
		}},
	})
}

func (r *run) settle(update store.ExecutionUpdate) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	events, err := r.e.store.UpdateExecution(r.ctx, r.exec.ID, update)
	if err != nil {
		return err
	}
	r.exec.Status = update.Status
	r.exec.CompletedAt = update.CompletedAt
	r.finished = true
	r.e.publish(events)
	r.e.metrics.ExecutionFinished(string(update.Status))
	r.logger.Info("execution finished",
		zap.String("status", string(update.Status)),
		zap.Int("completed_nodes", r.completed()),
		zap.Int("total_nodes", r.def.Len()),
	)
	return nil
}

func (r *run) completed() int {
	n := 0
	for _, st := range r.states {
		if st.Status == store.NodeCompleted {
			n++
		}
	}
	return n
}

// saveNode commits one node transition with its events, then updates the
// in-memory copy and publishes. Nothing is published for a failed commit.
func (r *run) saveNode(next store.NodeState, outputs map[string]any, artifacts []store.Artifact, events ...store.Event) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	committed, err := r.e.store.SaveNodeState(r.ctx, r.exec.ID, store.NodeUpdate{
		State:     next,
		Outputs:   outputs,
		Artifacts: artifacts,
		Events:    events,
	})
	if err != nil {
		return err
	}
	*r.states[next.NodeID] = next
	r.e.publish(committed)
	return nil
}

// fail handles an error from the store. While the engine is closing the
// error is expected and nothing is written. Otherwise the execution is
// halted and marked as an infrastructure failure.
func (r *run) fail(err error) {
	if r.ctx.Err() != nil {
		return
	}
	for _, cancel := range r.inflight {
		cancel()
	}
	r.logger.Error("execution halted", zap.Error(err), zap.Bool("persistence", isPersistence(err)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now().UTC()
	events, uerr := r.e.store.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
		Status:                store.ExecutionFailed,
		CompletedAt:           &now,
		Error:                 err.Error(),
		InfrastructureFailure: true,
		Events: []store.Event{{
			Type:    store.EventExecutionFailed,
			Payload: map[string]any{"error": err.Error(), "infrastructure": true},
		}},
	})
	if uerr != nil {
		r.logger.Error("could not record infrastructure failure", zap.Error(uerr))
	} else {
		r.e.publish(events)
		r.e.metrics.ExecutionFinished(string(store.ExecutionFailed))
	}
	r.e.fatal(err)
}
