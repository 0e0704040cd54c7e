// Package runstate defines the typed RunState record that flows through the
// design pipeline, and the Store interface used to persist it between stage
// transitions.
package runstate

import (
	"context"
	"errors"
	"time"

	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/taskgraph"
)

type (
	// Status is the coarse-grained lifecycle state of a run.
	Status string

	// RunState is the state flowing through the pipeline. It is mutated
	// only at pipeline-node boundaries by the orchestrator; every other
	// component receives it by value.
	RunState struct {
		// RunID uniquely identifies the run (UUID).
		RunID string `json:"run_id" bson:"run_id"`
		// UserPrompt is the original request text.
		UserPrompt string `json:"user_prompt" bson:"user_prompt"`
		// TaskGraph is set by the Planner; nil until then.
		TaskGraph *taskgraph.Graph `json:"task_graph,omitempty" bson:"task_graph,omitempty"`
		// CurrentScript is set by the Generator on each iteration.
		CurrentScript *domain.Script `json:"current_script,omitempty" bson:"current_script,omitempty"`
		// ExecutionResult is set after the sandbox/CAD runner executes
		// CurrentScript.
		ExecutionResult *domain.ExecutionResult `json:"execution_result,omitempty" bson:"execution_result,omitempty"`
		// ValidationResult is set by the Validator.
		ValidationResult *domain.ValidationResult `json:"validation_result,omitempty" bson:"validation_result,omitempty"`
		// Iteration starts at 0 and is incremented on each refinement or
		// replan pass.
		Iteration int `json:"iteration" bson:"iteration"`
		// Refining is true only when GENERATING was re-entered via a
		// validator REFINE decision (spec §4.6 "Refinement mode"): the
		// Generator patches CurrentScript against ExecutionResult/
		// ValidationResult instead of generating fresh from TaskGraph. It is
		// set on the REFINE transition and cleared on the FAIL/replan
		// transition, so a fresh TaskGraph is never discarded in favor of
		// patching a stale script.
		Refining bool `json:"refining" bson:"refining"`
		// MaxIterations is the hard cap on Iteration (default 5).
		MaxIterations int `json:"max_iterations" bson:"max_iterations"`
		// Status is the current lifecycle state.
		Status Status `json:"status" bson:"status"`
		// Error is populated once Status reaches FAILED.
		Error *domain.RunError `json:"error,omitempty" bson:"error,omitempty"`
		// CreatedAt and UpdatedAt bound the run's lifetime; UpdatedAt is
		// always >= CreatedAt.
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
		// CorrelationID is inherited across subsystem calls for tracing.
		CorrelationID string `json:"correlation_id" bson:"correlation_id"`
	}

	// Store persists RunState snapshots keyed by RunID.
	Store interface {
		Save(ctx context.Context, state RunState) error
		Load(ctx context.Context, runID string) (RunState, error)
		Delete(ctx context.Context, runID string) error
		ListActive(ctx context.Context) ([]string, error)
	}
)

const (
	StatusPending    Status = "PENDING"
	StatusPlanning   Status = "PLANNING"
	StatusGenerating Status = "GENERATING"
	StatusExecuting  Status = "EXECUTING"
	StatusValidating Status = "VALIDATING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// ErrNotFound indicates no RunState is stored for the given run id.
var ErrNotFound = errors.New("runstate: run not found")

// DefaultMaxIterations is the hard cap applied when the orchestrator's
// config does not override it.
const DefaultMaxIterations = 5

// DefaultTTL is the retention window applied to a run after it reaches a
// terminal status.
const DefaultTTL = 24 * time.Hour

// Terminal reports whether s is one of the three monotone terminal
// statuses (SUCCEEDED, FAILED, CANCELLED). Once a RunState enters one of
// these, the orchestrator must never transition it further.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// New constructs a fresh, PENDING RunState for the given prompt.
func New(runID, userPrompt, correlationID string, maxIterations int) RunState {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	now := time.Now().UTC()
	return RunState{
		RunID:         runID,
		UserPrompt:    userPrompt,
		Iteration:     0,
		MaxIterations: maxIterations,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		CorrelationID: correlationID,
	}
}

// Clone returns a deep-enough copy of s so that callers mutating the
// returned value cannot affect the original (pointer fields are replaced
// with copies of their pointees).
func (s RunState) Clone() RunState {
	clone := s
	if s.TaskGraph != nil {
		g := *s.TaskGraph
		g.Nodes = append([]taskgraph.TaskNode(nil), s.TaskGraph.Nodes...)
		clone.TaskGraph = &g
	}
	if s.CurrentScript != nil {
		sc := *s.CurrentScript
		clone.CurrentScript = &sc
	}
	if s.ExecutionResult != nil {
		er := *s.ExecutionResult
		er.CreatedObjects = append([]domain.ObjectSummary(nil), s.ExecutionResult.CreatedObjects...)
		er.Errors = append([]domain.RuntimeError(nil), s.ExecutionResult.Errors...)
		er.ArtifactPaths = append([]string(nil), s.ExecutionResult.ArtifactPaths...)
		clone.ExecutionResult = &er
	}
	if s.ValidationResult != nil {
		vr := *s.ValidationResult
		vr.Issues = append([]domain.Issue(nil), s.ValidationResult.Issues...)
		clone.ValidationResult = &vr
	}
	if s.Error != nil {
		e := *s.Error
		clone.Error = &e
	}
	return clone
}
