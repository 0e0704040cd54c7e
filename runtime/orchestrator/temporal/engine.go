// Package temporal adapts runtime/orchestrator.Engine onto the Temporal Go
// SDK, so the design pipeline can run as a durable, replay-safe workflow
// instead of the in-process runtime/orchestrator/inmem engine. Scoped down
// from a general multi-workflow adapter to the one workflow shape this
// orchestrator ever runs: a single default task queue, no signal channels,
// no per-activity retry policy overrides (spec §5 "strictly sequential, no
// intra-run parallelism").
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"cadpilot.dev/cadpilot/runtime/orchestrator"
	"cadpilot.dev/cadpilot/runtime/runstate"
	"cadpilot.dev/cadpilot/runtime/telemetry"
)

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, ClientOptions is
	// used to create one that this engine owns and closes.
	Client client.Client
	// ClientOptions constructs the client when Client is nil.
	ClientOptions client.Options

	// TaskQueue is the single task queue this engine's worker serves.
	TaskQueue string
	// WorkerOptions is forwarded to worker.New.
	WorkerOptions worker.Options

	// DisableTracing opts out of the OTEL tracing interceptor that is wired
	// in by default when this engine dials its own client. No metrics
	// interceptor is wired in, whatever DisableMetrics says.
	DisableTracing bool
	DisableMetrics bool

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Engine implements orchestrator.Engine on top of a single Temporal worker
// bound to one task queue.
type Engine struct {
	client      client.Client
	closeClient bool
	taskQueue   string
	worker      worker.Worker
	logger      telemetry.Logger
	metrics     telemetry.Metrics

	mu      sync.Mutex
	started bool
}

// New constructs a Temporal-backed Engine and its worker, but does not start
// the worker; call Start after registering the workflow and its activities.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	c := opts.Client
	closeClient := false
	if c == nil {
		clientOpts := opts.ClientOptions
		if !opts.DisableTracing || !opts.DisableMetrics {
			var interceptors []interceptor.ClientInterceptor
			if !opts.DisableTracing {
				tracing, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
				if err != nil {
					return nil, fmt.Errorf("temporal engine: build tracing interceptor: %w", err)
				}
				interceptors = append(interceptors, tracing)
			}
			clientOpts.Interceptors = interceptors
		}
		created, err := client.Dial(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: dial client: %w", err)
		}
		c = created
		closeClient = true
	}

	w := worker.New(c, opts.TaskQueue, opts.WorkerOptions)

	return &Engine{
		client:      c,
		closeClient: closeClient,
		taskQueue:   opts.TaskQueue,
		worker:      w,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// RegisterWorkflow registers the pipeline's handler with the worker.
func (e *Engine) RegisterWorkflow(_ context.Context, name string, handler orchestrator.WorkflowFunc) error {
	if name == "" || handler == nil {
		return fmt.Errorf("temporal engine: invalid workflow registration")
	}
	e.worker.RegisterWorkflowWithOptions(func(tctx workflow.Context, input any) (any, error) {
		wfCtx := newWorkflowContext(e, tctx)
		return handler(wfCtx, input)
	}, workflow.RegisterOptions{Name: name})
	return nil
}

// RegisterActivity registers an activity handler with the worker.
func (e *Engine) RegisterActivity(_ context.Context, name string, handler orchestrator.ActivityFunc) error {
	if name == "" || handler == nil {
		return fmt.Errorf("temporal engine: invalid activity registration")
	}
	e.worker.RegisterActivityWithOptions(func(actx context.Context, input any) (any, error) {
		return handler(actx, input)
	}, activity.RegisterOptions{Name: name})
	return nil
}

// Start launches the worker. Must be called once after all
// workflows/activities are registered and before StartWorkflow.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if err := e.worker.Start(); err != nil {
		return fmt.Errorf("temporal engine: start worker: %w", err)
	}
	e.started = true
	return nil
}

// Close stops the worker and, if this engine created the client, closes it.
func (e *Engine) Close() {
	e.worker.Stop()
	if e.closeClient {
		e.client.Close()
	}
}

// StartWorkflow starts a new pipeline workflow execution.
func (e *Engine) StartWorkflow(ctx context.Context, req orchestrator.WorkflowStartRequest) (orchestrator.WorkflowHandle, error) {
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: e.taskQueue,
	}, req.Workflow, req.Input)
	if err != nil {
		return nil, err
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

// Wait blocks until the workflow completes. The pipeline workflow always
// returns a runstate.RunState, which is the only concrete type this adapter
// needs to decode into.
func (h *workflowHandle) Wait(ctx context.Context) (any, error) {
	var result runstate.RunState
	if err := h.run.Get(ctx, &result); err != nil {
		return nil, normalizeCancelError(err)
	}
	return result, nil
}

// normalizeCancelError translates Temporal's cancellation error type to
// context.Canceled, so callers can classify cancellation uniformly without
// depending on Temporal-specific error types.
func normalizeCancelError(err error) error {
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) {
		return context.Canceled
	}
	return err
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

// workflowContext adapts workflow.Context to orchestrator.WorkflowContext.
type workflowContext struct {
	engine *Engine
	ctx    workflow.Context
	id     string
}

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	return &workflowContext{engine: e, ctx: ctx, id: info.WorkflowExecution.ID}
}

func (w *workflowContext) Context() context.Context {
	return context.Background()
}

func (w *workflowContext) WorkflowID() string { return w.id }

func (w *workflowContext) ExecuteActivity(_ context.Context, name string, input any, result any, timeout time.Duration) error {
	opts := workflow.ActivityOptions{StartToCloseTimeout: timeout}
	actx := workflow.WithActivityOptions(w.ctx, opts)
	return workflow.ExecuteActivity(actx, name, input).Get(actx, result)
}

func (w *workflowContext) Logger() telemetry.Logger   { return w.engine.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.engine.metrics }
func (w *workflowContext) Now() time.Time             { return workflow.Now(w.ctx) }

func (w *workflowContext) Cancelled() bool {
	return w.ctx.Err() != nil
}

var _ orchestrator.Engine = (*Engine)(nil)
var _ orchestrator.WorkflowHandle = (*workflowHandle)(nil)
var _ orchestrator.WorkflowContext = (*workflowContext)(nil)
