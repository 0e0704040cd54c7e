// Package inmem provides an in-memory orchestrator.Engine: workflows run as
// a goroutine per StartWorkflow call, activities are invoked synchronously
// in-process. Not replay-safe; suited to a single-process deployment or
// tests, with runtime/orchestrator/temporal as the durable alternative.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"cadpilot.dev/cadpilot/runtime/orchestrator"
	"cadpilot.dev/cadpilot/runtime/telemetry"
)

type engine struct {
	mu         sync.RWMutex
	workflows  map[string]orchestrator.WorkflowFunc
	activities map[string]orchestrator.ActivityFunc
	logger     telemetry.Logger
	metrics    telemetry.Metrics
}

// New returns an in-memory orchestrator.Engine.
func New(logger telemetry.Logger, metrics telemetry.Metrics) orchestrator.Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &engine{
		workflows:  make(map[string]orchestrator.WorkflowFunc),
		activities: make(map[string]orchestrator.ActivityFunc),
		logger:     logger,
		metrics:    metrics,
	}
}

func (e *engine) RegisterWorkflow(ctx context.Context, name string, handler orchestrator.WorkflowFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[name]; dup {
		return fmt.Errorf("inmem: workflow %q already registered", name)
	}
	if handler == nil || name == "" {
		return errors.New("inmem: invalid workflow registration")
	}
	e.workflows[name] = handler
	return nil
}

func (e *engine) RegisterActivity(ctx context.Context, name string, handler orchestrator.ActivityFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[name]; dup {
		return fmt.Errorf("inmem: activity %q already registered", name)
	}
	if handler == nil || name == "" {
		return errors.New("inmem: invalid activity registration")
	}
	e.activities[name] = handler
	return nil
}

func (e *engine) StartWorkflow(ctx context.Context, req orchestrator.WorkflowStartRequest) (orchestrator.WorkflowHandle, error) {
	e.mu.RLock()
	handler, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem: workflow %q not registered", req.Workflow)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	wc := &workflowContext{
		ctx:    runCtx,
		id:     req.ID,
		engine: e,
		h:      h,
	}

	go func() {
		defer close(h.done)
		result, err := handler(wc, req.Input)
		h.mu.Lock()
		h.result, h.err = result, err
		h.mu.Unlock()
	}()

	return h, nil
}

func (e *engine) executeActivity(ctx context.Context, name string, input any, result any, timeout time.Duration) error {
	e.mu.RLock()
	handler, ok := e.activities[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inmem: activity %q not registered", name)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type callResult struct {
		out any
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		out, err := handler(callCtx, input)
		done <- callResult{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		return assignResult(result, r.out)
	case <-callCtx.Done():
		return callCtx.Err()
	}
}

// assignResult copies out (possibly a pointer to the same underlying type,
// per the activity functions in runtime/orchestrator which typically return
// *T from agents originally built to return *T) into the pointer result
// expects.
func assignResult(result any, out any) error {
	if result == nil || out == nil {
		return nil
	}
	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("inmem: ExecuteActivity result must be a non-nil pointer")
	}
	target := rv.Elem()

	ov := reflect.ValueOf(out)
	if ov.Kind() == reflect.Ptr {
		if ov.IsNil() {
			return nil
		}
		ov = ov.Elem()
	}
	if !ov.Type().AssignableTo(target.Type()) {
		return fmt.Errorf("inmem: activity result type %s not assignable to %s", ov.Type(), target.Type())
	}
	target.Set(ov)
	return nil
}

type handle struct {
	mu     sync.Mutex
	done   chan struct{}
	result any
	err    error
	cancel context.CancelFunc

	cancelledMu sync.Mutex
	cancelled   bool
}

func (h *handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	h.cancelledMu.Lock()
	h.cancelled = true
	h.cancelledMu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

func (h *handle) isCancelled() bool {
	h.cancelledMu.Lock()
	defer h.cancelledMu.Unlock()
	return h.cancelled
}

type workflowContext struct {
	ctx    context.Context
	id     string
	engine *engine
	h      *handle
}

func (w *workflowContext) Context() context.Context { return w.ctx }
func (w *workflowContext) WorkflowID() string        { return w.id }

func (w *workflowContext) ExecuteActivity(ctx context.Context, name string, input any, result any, timeout time.Duration) error {
	return w.engine.executeActivity(ctx, name, input, result, timeout)
}

func (w *workflowContext) Logger() telemetry.Logger   { return w.engine.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.engine.metrics }
func (w *workflowContext) Now() time.Time             { return time.Now() }
func (w *workflowContext) Cancelled() bool            { return w.h.isCancelled() }

var _ orchestrator.Engine = (*engine)(nil)
var _ orchestrator.WorkflowHandle = (*handle)(nil)
var _ orchestrator.WorkflowContext = (*workflowContext)(nil)
