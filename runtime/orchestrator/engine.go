package orchestrator

import (
	"context"
	"time"

	"cadpilot.dev/cadpilot/runtime/telemetry"
)

// Engine abstracts workflow execution so the pipeline's state machine can
// run on an in-memory backend for a single process or on a durable backend
// (Temporal) without the state machine itself changing. Unlike a general
// multi-workflow registry, this orchestrator only ever runs one workflow
// shape (the design pipeline), so Engine is trimmed to exactly what that
// needs: no signal channels, no async activity futures, no per-workflow
// retry policy overrides — the pipeline is strictly sequential (spec §5
// "no intra-run parallelism at the state-machine level").
type Engine interface {
	// RegisterWorkflow registers the pipeline's handler under name. Callers
	// register once at startup; a second registration under the same name
	// returns an error.
	RegisterWorkflow(ctx context.Context, name string, handler WorkflowFunc) error

	// RegisterActivity registers a named activity handler invoked from
	// within a running workflow via WorkflowContext.ExecuteActivity.
	RegisterActivity(ctx context.Context, name string, handler ActivityFunc) error

	// StartWorkflow starts a registered workflow and returns a handle for
	// awaiting its result or requesting cancellation.
	StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
}

// WorkflowFunc is the pipeline's entry point. It must be deterministic on
// durable backends: all side effects happen through ExecuteActivity.
type WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

// ActivityFunc performs one unit of side-effecting work (an LLM call, a
// sandbox execution) invoked from a workflow.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// WorkflowContext exposes engine operations to a running workflow.
type WorkflowContext interface {
	Context() context.Context
	WorkflowID() string

	// ExecuteActivity schedules name with input and blocks until it
	// completes, decoding the result into result (a pointer). timeout of
	// zero means no per-activity timeout beyond ctx's own deadline.
	ExecuteActivity(ctx context.Context, name string, input any, result any, timeout time.Duration) error

	Logger() telemetry.Logger
	Metrics() telemetry.Metrics

	// Now returns the current time. On a replay-safe backend this must be
	// the replay-stable clock; the in-memory engine just uses time.Now.
	Now() time.Time

	// Cancelled reports whether cancellation has been requested for this
	// workflow (spec §5 "checks a cancellation flag at each state
	// transition").
	Cancelled() bool
}

// WorkflowStartRequest describes a single pipeline run to start.
type WorkflowStartRequest struct {
	// ID uniquely identifies this run within the engine.
	ID string
	// Workflow names the registered workflow to execute.
	Workflow string
	// Input is passed to the workflow handler.
	Input any
}

// WorkflowHandle lets callers await a running workflow's result or cancel
// it.
type WorkflowHandle interface {
	Wait(ctx context.Context) (any, error)
	Cancel(ctx context.Context) error
}
