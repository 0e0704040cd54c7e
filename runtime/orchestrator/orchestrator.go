// Package orchestrator implements the Pipeline Orchestrator (C10): the
// state machine that drives a RunState through Planner, Generator, CAD
// execution, and Validator until it reaches a terminal status.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cadpilot.dev/cadpilot/runtime/audit"
	"cadpilot.dev/cadpilot/runtime/cadengine"
	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/generator"
	"cadpilot.dev/cadpilot/runtime/planner"
	"cadpilot.dev/cadpilot/runtime/runstate"
	"cadpilot.dev/cadpilot/runtime/taskgraph"
	"cadpilot.dev/cadpilot/runtime/telemetry"
	"cadpilot.dev/cadpilot/runtime/validator"
)

const workflowName = "design_pipeline"

// AgentTimeouts bounds each per-call activity (spec §4.10 "Timeouts").
type AgentTimeouts struct {
	Planner   time.Duration
	Generator time.Duration
	Validator time.Duration
}

// DefaultAgentTimeouts matches spec §4.10's defaults.
func DefaultAgentTimeouts() AgentTimeouts {
	return AgentTimeouts{Planner: 30 * time.Second, Generator: 60 * time.Second, Validator: 30 * time.Second}
}

// Options configures an Orchestrator.
type Options struct {
	Engine    Engine
	Planner   *planner.Planner
	Generator *generator.Generator
	CADEngine *cadengine.Runner
	Validator *validator.Validator
	States    runstate.Store
	Audit     audit.Store
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics

	// WorkDir is the base directory cadengine.Runner uses for per-script
	// working directories.
	WorkDir string
	// SandboxTimeout bounds each script execution (spec §4.10 "Exec
	// timeout is the sandbox's").
	SandboxTimeout time.Duration
	// AgentTimeouts overrides the defaults returned by DefaultAgentTimeouts.
	AgentTimeouts AgentTimeouts
}

// Orchestrator drives RunState through the pipeline via an Engine.
type Orchestrator struct {
	engine    Engine
	planner   *planner.Planner
	generator *generator.Generator
	cadEngine *cadengine.Runner
	validator *validator.Validator
	states    runstate.Store
	audit     audit.Store
	log       telemetry.Logger
	metrics   telemetry.Metrics

	workDir        string
	sandboxTimeout time.Duration
	agentTimeouts  AgentTimeouts

	registerOnce sync.Once
	registerErr  error

	runningMu sync.Mutex
	running   map[string]WorkflowHandle
}

// New constructs an Orchestrator.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	timeouts := opts.AgentTimeouts
	if timeouts == (AgentTimeouts{}) {
		timeouts = DefaultAgentTimeouts()
	}
	sandboxTimeout := opts.SandboxTimeout
	if sandboxTimeout <= 0 {
		sandboxTimeout = 60 * time.Second
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = "."
	}
	return &Orchestrator{
		engine:         opts.Engine,
		planner:        opts.Planner,
		generator:      opts.Generator,
		cadEngine:      opts.CADEngine,
		validator:      opts.Validator,
		states:         opts.States,
		audit:          opts.Audit,
		log:            log,
		metrics:        metrics,
		workDir:        workDir,
		sandboxTimeout: sandboxTimeout,
		agentTimeouts:  timeouts,
		running:        make(map[string]WorkflowHandle),
	}
}

// pipelineInput is the workflow handler's input: the freshly created
// PENDING RunState plus a callback invoked after every transition. The
// callback is not itself replayed by durable engines; only the RunState it
// carries (persisted via the run state store) survives process restarts,
// which is the durability guarantee spec §4.9/§4.10 actually require.
type pipelineInput struct {
	Initial runstate.RunState
	Emit    func(runstate.RunState)
}

// Run starts a new pipeline run for userPrompt and returns a channel of
// RunState snapshots terminating once the run reaches SUCCEEDED, FAILED, or
// CANCELLED (spec §4.10 contract).
func (o *Orchestrator) Run(ctx context.Context, runID, userPrompt, correlationID string, maxIterations int) (<-chan runstate.RunState, error) {
	if err := o.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	initial := runstate.New(runID, userPrompt, correlationID, maxIterations)
	if err := o.states.Save(ctx, initial); err != nil {
		return nil, fmt.Errorf("orchestrator: save initial state: %w", err)
	}
	o.audit.LogEvent(ctx, runID, "run_created", runCreatedPayload{
		UserPrompt:    userPrompt,
		CorrelationID: correlationID,
		MaxIterations: initial.MaxIterations,
	})

	out := make(chan runstate.RunState, 8)
	emit := func(state runstate.RunState) {
		if err := o.states.Save(ctx, state); err != nil {
			o.log.Error(ctx, "save run state failed", "run_id", runID, "error", err.Error())
		}
		out <- state
	}

	handle, err := o.engine.StartWorkflow(ctx, WorkflowStartRequest{
		ID:       runID,
		Workflow: workflowName,
		Input:    pipelineInput{Initial: initial, Emit: emit},
	})
	if err != nil {
		close(out)
		return nil, fmt.Errorf("orchestrator: start workflow: %w", err)
	}
	o.runningMu.Lock()
	o.running[runID] = handle
	o.runningMu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			o.runningMu.Lock()
			delete(o.running, runID)
			o.runningMu.Unlock()
		}()
		if _, err := handle.Wait(ctx); err != nil {
			o.log.Error(ctx, "workflow failed", "run_id", runID, "error", err.Error())
		}
	}()

	return out, nil
}

// Cancel requests cancellation of a running pipeline (spec §5). It returns
// an error if runID isn't currently running (already terminal or unknown).
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.runningMu.Lock()
	handle, ok := o.running[runID]
	o.runningMu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: run %q is not active", runID)
	}
	return handle.Cancel(ctx)
}

func (o *Orchestrator) ensureRegistered(ctx context.Context) error {
	o.registerOnce.Do(func() {
		if err := o.engine.RegisterActivity(ctx, "plan", o.activityPlan); err != nil {
			o.registerErr = err
			return
		}
		if err := o.engine.RegisterActivity(ctx, "replan", o.activityReplan); err != nil {
			o.registerErr = err
			return
		}
		if err := o.engine.RegisterActivity(ctx, "generate", o.activityGenerate); err != nil {
			o.registerErr = err
			return
		}
		if err := o.engine.RegisterActivity(ctx, "refine", o.activityRefine); err != nil {
			o.registerErr = err
			return
		}
		if err := o.engine.RegisterActivity(ctx, "execute", o.activityExecute); err != nil {
			o.registerErr = err
			return
		}
		if err := o.engine.RegisterActivity(ctx, "validate", o.activityValidate); err != nil {
			o.registerErr = err
			return
		}
		o.registerErr = o.engine.RegisterWorkflow(ctx, workflowName, o.runWorkflow)
	})
	return o.registerErr
}

// --- activities: the only side-effecting operations the workflow performs ---

func (o *Orchestrator) activityPlan(ctx context.Context, input any) (any, error) {
	state := input.(runstate.RunState)
	return o.planner.Plan(ctx, state)
}

func (o *Orchestrator) activityReplan(ctx context.Context, input any) (any, error) {
	state := input.(runstate.RunState)
	return o.planner.Replan(ctx, state)
}

func (o *Orchestrator) activityGenerate(ctx context.Context, input any) (any, error) {
	state := input.(runstate.RunState)
	return o.generator.Generate(ctx, state)
}

func (o *Orchestrator) activityRefine(ctx context.Context, input any) (any, error) {
	state := input.(runstate.RunState)
	return o.generator.Refine(ctx, state)
}

func (o *Orchestrator) activityExecute(ctx context.Context, input any) (any, error) {
	state := input.(runstate.RunState)
	result, err := o.cadEngine.RunScript(ctx, state.CurrentScript.SourceText, o.workDir, o.sandboxTimeout)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) activityValidate(ctx context.Context, input any) (any, error) {
	state := input.(runstate.RunState)
	return o.validator.Validate(ctx, state)
}

// runCreatedPayload is the event body recorded when Run starts a new
// pipeline execution.
type runCreatedPayload struct {
	UserPrompt    string `json:"user_prompt"`
	CorrelationID string `json:"correlation_id"`
	MaxIterations int    `json:"max_iterations"`
}

// validationCompletedPayload is the event body recorded once a validate
// activity returns, independent of the decision it carries (spec §8 relies
// on a validation_completed event with decision = PASS existing for every
// SUCCEEDED run).
type validationCompletedPayload struct {
	Decision     string  `json:"decision"`
	OverallScore float64 `json:"overall_score"`
	Iteration    int     `json:"iteration"`
	IssueCount   int     `json:"issue_count"`
}

// runSucceededPayload is the event body recorded when a run reaches
// SUCCEEDED.
type runSucceededPayload struct {
	Iteration int `json:"iteration"`
}

// runFailedPayload is the event body recorded when a run reaches FAILED.
type runFailedPayload struct {
	Category  string `json:"category"`
	Message   string `json:"message"`
	Iteration int    `json:"iteration"`
}

// runCancelledPayload is the event body recorded when a run reaches
// CANCELLED.
type runCancelledPayload struct {
	Iteration int `json:"iteration"`
}

// agentCallPayload is the event body recorded for agent_call_started and
// agent_call_completed (spec §4.10 "per-node instrumentation").
type agentCallPayload struct {
	Activity  string `json:"activity"`
	Iteration int    `json:"iteration"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// runActivity wraps WorkflowContext.ExecuteActivity with start/complete
// audit events carrying the call's latency and outcome, so every plan,
// generate, refine, execute, and validate call leaves an audit trail
// independent of whether it succeeds.
func (o *Orchestrator) runActivity(wctx WorkflowContext, runID string, iteration int, name string, input any, result any, timeout time.Duration) error {
	o.audit.LogEvent(wctx.Context(), runID, "agent_call_started", agentCallPayload{Activity: name, Iteration: iteration})
	start := wctx.Now()
	err := wctx.ExecuteActivity(wctx.Context(), name, input, result, timeout)
	payload := agentCallPayload{Activity: name, Iteration: iteration, LatencyMS: wctx.Now().Sub(start).Milliseconds()}
	if err != nil {
		payload.Error = err.Error()
	}
	o.audit.LogEvent(wctx.Context(), runID, "agent_call_completed", payload)
	return err
}

// runWorkflow is the pipeline's single workflow handler, implementing the
// state machine table of spec §4.10. It is deterministic except for the
// Emit callback, which only ever mirrors already-computed RunState values
// out to the caller and the run state store.
func (o *Orchestrator) runWorkflow(ctx WorkflowContext, rawInput any) (any, error) {
	input := rawInput.(pipelineInput)
	state := input.Initial
	emit := input.Emit

	transition := func(status runstate.Status) {
		state.Status = status
		state.UpdatedAt = ctx.Now()
		emit(state.Clone())
	}
	fail := func(category errorCategory, message string, retriableHint bool) (any, error) {
		state.Error = runError(category, message, retriableHint)
		transition(runstate.StatusFailed)
		o.audit.LogEvent(ctx.Context(), state.RunID, "run_failed", runFailedPayload{
			Category:  string(category),
			Message:   message,
			Iteration: state.Iteration,
		})
		return state, nil
	}

	transition(runstate.StatusPlanning)
	for {
		if ctx.Cancelled() {
			transition(runstate.StatusCancelled)
			o.audit.LogEvent(ctx.Context(), state.RunID, "run_cancelled", runCancelledPayload{Iteration: state.Iteration})
			return state, nil
		}

		switch state.Status {
		case runstate.StatusPlanning:
			var graph taskgraph.Graph
			activity := "plan"
			if state.Iteration > 0 {
				activity = "replan"
			}
			if err := o.runActivity(ctx, state.RunID, state.Iteration, activity, state, &graph, o.agentTimeouts.Planner); err != nil {
				return fail(categoryPlanningError, err.Error(), false)
			}
			state.TaskGraph = &graph
			transition(runstate.StatusGenerating)

		case runstate.StatusGenerating:
			var script domain.Script
			activity := "generate"
			if state.Refining {
				activity = "refine"
			}
			if err := o.runActivity(ctx, state.RunID, state.Iteration, activity, state, &script, o.agentTimeouts.Generator); err != nil {
				return fail(categoryGenerationError, err.Error(), false)
			}
			state.CurrentScript = &script
			transition(runstate.StatusExecuting)

		case runstate.StatusExecuting:
			var result domain.ExecutionResult
			if err := o.runActivity(ctx, state.RunID, state.Iteration, "execute", state, &result, o.sandboxTimeout); err != nil {
				return fail(categoryInternalError, err.Error(), true)
			}
			state.ExecutionResult = &result
			transition(runstate.StatusValidating)

		case runstate.StatusValidating:
			var validation domain.ValidationResult
			if err := o.runActivity(ctx, state.RunID, state.Iteration, "validate", state, &validation, o.agentTimeouts.Validator); err != nil {
				return fail(categoryValidationError, err.Error(), false)
			}
			state.ValidationResult = &validation
			o.audit.LogEvent(ctx.Context(), state.RunID, "validation_completed", validationCompletedPayload{
				Decision:     string(validation.Decision),
				OverallScore: validation.OverallScore,
				Iteration:    state.Iteration,
				IssueCount:   len(validation.Issues),
			})

			next, iteration := transitionAfterValidate(validation.Decision, state.Iteration, state.MaxIterations)
			state.Iteration = iteration
			if next == runstate.StatusFailed {
				if validation.Decision == domain.DecisionRefine {
					return fail(categoryIterationExhausted, "refine loop exhausted max_iterations", false)
				}
				return fail(categoryValidationError, "validator rejected design after replan budget exhausted", false)
			}
			// Refining distinguishes re-entering GENERATING after a REFINE
			// verdict (patch CurrentScript) from re-entering it after a FAIL
			// verdict sent the run back through PLANNING for a fresh graph
			// (generate from scratch).
			switch next {
			case runstate.StatusGenerating:
				state.Refining = true
			case runstate.StatusPlanning:
				state.Refining = false
			}
			transition(next)

		case runstate.StatusSucceeded:
			o.audit.LogEvent(ctx.Context(), state.RunID, "run_succeeded", runSucceededPayload{Iteration: state.Iteration})
			return state, nil

		default:
			return fail(categoryInternalError, fmt.Sprintf("unexpected status %q", state.Status), false)
		}
	}
}
