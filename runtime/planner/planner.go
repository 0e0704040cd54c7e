// Package planner implements the Planner Agent (C5): it turns a user
// prompt, or a prior validation's feedback on replan, into a TaskGraph.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/model"
	"cadpilot.dev/cadpilot/runtime/prompt"
	"cadpilot.dev/cadpilot/runtime/runstate"
	"cadpilot.dev/cadpilot/runtime/taskgraph"
	"cadpilot.dev/cadpilot/runtime/telemetry"
)

// AuditSink receives the plan_generated event emitted after a successful
// plan (spec §4.5 step 6). Defined locally, mirroring runtime/model's
// AuditSink, so this package does not need to import runtime/audit.
type AuditSink interface {
	RecordPlanGenerated(ctx context.Context, runID string, nodeCount int, histogram map[taskgraph.Operation]int)
}

// ErrPlanningFailed is the error category wrapped around a final planning
// failure after the correction retry is exhausted (spec §4.5 step 3: "fail
// the run with planning_error").
var ErrPlanningFailed = errors.New("planning_error")

// Planner builds TaskGraphs from user prompts via the LLM provider.
type Planner struct {
	provider *model.Provider
	prompts  *prompt.Registry
	audit    AuditSink
	log      telemetry.Logger
}

// Options configures a Planner.
type Options struct {
	Provider *model.Provider
	Prompts  *prompt.Registry
	Audit    AuditSink
	Logger   telemetry.Logger
}

// New constructs a Planner.
func New(opts Options) *Planner {
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Planner{provider: opts.Provider, prompts: opts.Prompts, audit: opts.Audit, log: log}
}

// planResponse is the JSON shape the LLM is asked to produce; it mirrors
// taskgraph.Graph field-for-field so parsing is a direct unmarshal.
type planResponse struct {
	Nodes []taskgraph.TaskNode `json:"nodes"`
}

// Plan produces a TaskGraph for a fresh run (spec §4.5 `plan(run_state)`).
func (p *Planner) Plan(ctx context.Context, state runstate.RunState) (*taskgraph.Graph, error) {
	return p.run(ctx, state, nil)
}

// Replan produces a new TaskGraph after a FAIL verdict, including the prior
// validation's top 5 issues ordered by severity (spec §4.5 "Replanning").
func (p *Planner) Replan(ctx context.Context, state runstate.RunState) (*taskgraph.Graph, error) {
	if state.ValidationResult == nil {
		return nil, fmt.Errorf("planner: replan requires a prior validation result")
	}
	issues := topIssues(state.ValidationResult.Issues, 5)
	return p.run(ctx, state, issues)
}

func (p *Planner) run(ctx context.Context, state runstate.RunState, priorIssues []domain.Issue) (*taskgraph.Graph, error) {
	complexity := prompt.ClassifyComplexity(state.UserPrompt)

	sys, err := p.prompts.SystemPrompt(prompt.RolePlanner)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	fewShot, err := p.prompts.FewShot(prompt.RolePlanner, complexity)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	userMsg := state.UserPrompt
	if len(priorIssues) > 0 {
		userMsg += "\n\nThe previous attempt failed validation. Address these issues:\n" + formatIssues(priorIssues)
	}

	req := &model.Request{
		Messages: []model.Message{
			{Role: model.ConversationRoleSystem, Content: sys.Text + "\n\n" + fewShot.Text},
			{Role: model.ConversationRoleUser, Content: userMsg},
		},
		Schema: taskGraphSchema(),
	}

	graph, err := p.callAndParse(ctx, state, req)
	if err != nil {
		// One correction retry with the parse/validation error folded into
		// the prompt (spec §4.5 step 3).
		correctionReq := &model.Request{
			Messages: append(append([]model.Message(nil), req.Messages...), model.Message{
				Role:    model.ConversationRoleUser,
				Content: fmt.Sprintf("Your previous response was invalid: %s. Respond again with corrected JSON matching the schema.", err.Error()),
			}),
			Schema: taskGraphSchema(),
		}
		graph, err = p.callAndParse(ctx, state, correctionReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
		}
	}

	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}

	if p.audit != nil {
		p.audit.RecordPlanGenerated(ctx, state.RunID, len(graph.Nodes), graph.OperationHistogram())
	}
	return graph, nil
}

func (p *Planner) callAndParse(ctx context.Context, state runstate.RunState, req *model.Request) (*taskgraph.Graph, error) {
	resp, err := p.provider.Complete(ctx, model.RolePlanner, state.CorrelationID, req)
	if err != nil {
		return nil, err
	}
	var parsed planResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, fmt.Errorf("planner: parse response: %w", err)
	}
	return &taskgraph.Graph{Nodes: parsed.Nodes}, nil
}

func topIssues(issues []domain.Issue, n int) []domain.Issue {
	sorted := append([]domain.Issue(nil), issues...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return severityRank(sorted[i].Severity) > severityRank(sorted[j].Severity)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func severityRank(severity string) int {
	switch severity {
	case "critical":
		return 3
	case "major":
		return 2
	case "minor":
		return 1
	default:
		return 0
	}
}

func formatIssues(issues []domain.Issue) string {
	out := ""
	for _, issue := range issues {
		out += fmt.Sprintf("- [%s/%s] %s\n", issue.Severity, issue.Category, issue.Description)
	}
	return out
}

// taskGraphSchema returns the JSON schema the LLM's response is validated
// against in JSON mode (spec §4.5 step 2).
func taskGraphSchema() *model.ResponseSchema {
	return &model.ResponseSchema{
		Name:   "task_graph.json",
		Schema: taskGraphSchemaDoc,
	}
}

var taskGraphSchemaDoc = json.RawMessage(`{
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "operation"],
        "properties": {
          "id": {"type": "string"},
          "operation": {"type": "string"},
          "parameters": {
            "type": "object",
            "additionalProperties": {
              "type": "object",
              "properties": {
                "scalar": {"type": "number"},
                "string": {"type": "string"},
                "vector": {"type": "array", "items": {"type": "number"}},
                "is_text": {"type": "boolean"}
              }
            }
          },
          "dependencies": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`)
