// Package inmem provides an in-memory implementation of the workflow engine
// for testing and development.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/flowmesh/agentcore/runtime/agent/engine"
	"github.com/flowmesh/agentcore/runtime/agent/telemetry"
)

type runStatus int

const (
	runStatusRunning runStatus = iota
	runStatusCompleted
	runStatusFailed
	runStatusCanceled
)

type (
	eng struct {
		mu         sync.RWMutex
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]inmemActivity
		runs       map[string]*handle
	}

	inmemActivity struct {
		handler engine.ActivityFunc
		opts    engine.ActivityOptions
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		err    error
		result any
		status runStatus
		wfCtx  *wfCtx
	}

	childHandle struct {
		h engine.WorkflowHandle
	}

	wfCtx struct {
		ctx     context.Context
		id      string
		runID   string
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		eng     *eng

		sigMu *sync.Mutex
		sigs  map[string]*signalChan
	}

	future struct {
		mu     sync.Mutex
		ready  chan struct{}
		result any
		err    error
	}

	timerFuture struct {
		ready chan struct{}
		at    time.Time
		err   error
	}

	signalChan struct{ ch chan any }
)

// New returns a new in-memory Engine implementation suitable for local
// development, tests, and simple single-process runs. It is not deterministic
// or replay-safe and should not be used for production workloads.
func New() engine.Engine {
	return &eng{
		runs: make(map[string]*handle),
	}
}

func (e *eng) RegisterWorkflow(ctx context.Context, def engine.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workflows == nil {
		e.workflows = make(map[string]engine.WorkflowDefinition)
	}
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid workflow definition")
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *eng) RegisterActivity(ctx context.Context, def engine.ActivityDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activities == nil {
		e.activities = make(map[string]inmemActivity)
	}
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid activity definition")
	}
	e.activities[def.Name] = inmemActivity{handler: def.Handler, opts: def.Options}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}

	wctx := &wfCtx{
		ctx:     ctx,
		id:      req.ID,
		runID:   req.ID, // in-memory assigns the same ID as the run
		logger:  telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
		tracer:  telemetry.NoopTracer{},
		eng:     e,
		sigMu:   &sync.Mutex{},
		sigs:    make(map[string]*signalChan),
	}

	h := &handle{done: make(chan struct{}), wfCtx: wctx, status: runStatusRunning}

	e.mu.Lock()
	e.runs[req.ID] = h
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result = res
		h.err = err
		switch {
		case err == nil:
			h.status = runStatusCompleted
		case errors.Is(err, context.Canceled):
			h.status = runStatusCanceled
		default:
			h.status = runStatusFailed
		}
		h.mu.Unlock()
	}()

	return h, nil
}

// StartChildWorkflow starts a new in-memory workflow and returns an adapter handle.
func (w *wfCtx) StartChildWorkflow(ctx context.Context, req engine.ChildWorkflowRequest) (engine.ChildWorkflowHandle, error) {
	h, err := w.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:          req.ID,
		Workflow:    req.Workflow,
		TaskQueue:   req.TaskQueue,
		Input:       req.Input,
		RetryPolicy: req.RetryPolicy,
	})
	if err != nil {
		return nil, err
	}
	return &childHandle{h: h}, nil
}

func (c *childHandle) Get(ctx context.Context, result any) error { return c.h.Wait(ctx, result) }
func (c *childHandle) Cancel(ctx context.Context) error          { return c.h.Cancel(ctx) }
func (c *childHandle) IsReady() bool {
	hh, ok := c.h.(*handle)
	if !ok {
		return false
	}
	select {
	case <-hh.done:
		return true
	default:
		return false
	}
}

func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		assignResult(result, h.result)
		return h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	select {
	case <-h.done:
		return engine.ErrWorkflowCompleted
	default:
	}
	ch := h.wfCtx.SignalChannel(name).(*signalChan)
	select {
	case ch.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return engine.ErrWorkflowCompleted
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	// The in-memory engine has no deterministic cancellation propagation into
	// running workflow goroutines; best-effort no-op, matching the documented
	// "not production-safe" status of this engine.
	return nil
}

func (e *eng) runByID(runID string) (*handle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.runs[runID]
	return h, ok
}

// SignalByID implements engine.Signaler for the in-memory engine.
func (e *eng) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	id := workflowID
	if id == "" {
		id = runID
	}
	h, ok := e.runByID(id)
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	return h.Signal(ctx, name, payload)
}

// CancelByID implements engine.Canceler for the in-memory engine.
func (e *eng) CancelByID(ctx context.Context, runID string) error {
	h, ok := e.runByID(runID)
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	return h.Cancel(ctx)
}

func (w *wfCtx) Context() context.Context   { return engine.WithWorkflowContext(w.ctx, w) }
func (w *wfCtx) WorkflowID() string         { return w.id }
func (w *wfCtx) RunID() string              { return w.runID }
func (w *wfCtx) Logger() telemetry.Logger   { return w.logger }
func (w *wfCtx) Metrics() telemetry.Metrics { return w.metrics }
func (w *wfCtx) Tracer() telemetry.Tracer   { return w.tracer }
func (w *wfCtx) Now() time.Time             { return time.Now() }

func (w *wfCtx) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (w *wfCtx) ExecuteActivityAsync(ctx context.Context, req engine.ActivityRequest) (engine.Future, error) {
	w.eng.mu.RLock()
	def, ok := w.eng.activities[req.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("activity %q not registered", req.Name)
	}
	f := &future{ready: make(chan struct{})}
	go func() {
		defer close(f.ready)
		res, err := def.handler(ctx, req.Input)
		f.mu.Lock()
		f.result = res
		f.err = err
		f.mu.Unlock()
	}()
	return f, nil
}

func (w *wfCtx) ExecuteToolActivity(ctx context.Context, call engine.ToolActivityCall, result any) error {
	fut, err := w.ExecuteToolActivityAsync(ctx, call)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (w *wfCtx) ExecuteToolActivityAsync(ctx context.Context, call engine.ToolActivityCall) (engine.Future, error) {
	return w.ExecuteActivityAsync(ctx, engine.ActivityRequest{
		Name:        call.Name,
		Input:       call.Input,
		Queue:       call.Options.Queue,
		RetryPolicy: call.Options.RetryPolicy,
		Timeout:     call.Options.Timeout,
	})
}

func (f *future) Get(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.ready:
		f.mu.Lock()
		defer f.mu.Unlock()
		assignResult(result, f.result)
		return f.err
	}
}

func (f *future) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func (w *wfCtx) NewTimer(ctx context.Context, d time.Duration) (engine.Future, error) {
	now := w.Now()
	fut := &timerFuture{ready: make(chan struct{})}
	if d <= 0 {
		fut.at = now
		close(fut.ready)
		return fut, nil
	}
	fireAt := now.Add(d)
	go func() {
		defer close(fut.ready)
		select {
		case <-ctx.Done():
			fut.err = ctx.Err()
		case <-time.After(d):
			fut.at = fireAt
		}
	}()
	return fut, nil
}

func (f *timerFuture) Get(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.ready:
		assignResult(result, f.at)
		return f.err
	}
}

func (f *timerFuture) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *wfCtx) WithCancel() (engine.WorkflowContext, func()) {
	cctx, cancel := context.WithCancel(w.ctx)
	sub := &wfCtx{
		ctx:     cctx,
		id:      w.id,
		runID:   w.runID,
		logger:  w.logger,
		metrics: w.metrics,
		tracer:  w.tracer,
		eng:     w.eng,
		sigMu:   w.sigMu,
		sigs:    w.sigs,
	}
	return sub, cancel
}

func (s *signalChan) Receive(ctx context.Context, dest any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v := <-s.ch:
		assignResult(dest, v)
		return nil
	}
}

func (s *signalChan) ReceiveAsync(dest any) bool {
	select {
	case v := <-s.ch:
		assignResult(dest, v)
		return true
	default:
		return false
	}
}

func (w *wfCtx) SignalChannel(name string) engine.SignalChannel {
	w.sigMu.Lock()
	defer w.sigMu.Unlock()
	ch, ok := w.sigs[name]
	if !ok {
		ch = &signalChan{ch: make(chan any, 1)}
		w.sigs[name] = ch
	}
	return ch
}

func assignResult(dst any, src any) {
	if dst == nil || src == nil {
		return
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return
	}
	sv := reflect.ValueOf(src)
	if !sv.IsValid() {
		return
	}
	// Direct assignable types.
	if sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
		return
	}
	// Workflow and activity handlers commonly return a pointer to their result
	// (e.g. *RunOutput) while callers wait into a value or a same-level pointer
	// (RunOutput or *RunOutput). Dereference a non-nil pointer source when doing
	// so lines up with the destination's element type.
	if sv.Kind() == reflect.Ptr && !sv.IsNil() && sv.Elem().Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv.Elem())
		return
	}
	// Allow setting interface-typed destinations when the value implements it.
	if dv.Elem().Kind() == reflect.Interface && sv.Type().Implements(dv.Elem().Type()) {
		dv.Elem().Set(sv)
		return
	}
}
