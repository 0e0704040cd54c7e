// Package validator implements the Validator Agent (C7): it scores an
// executed design against the original intent and chooses the pipeline's
// next transition.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/model"
	"cadpilot.dev/cadpilot/runtime/prompt"
	"cadpilot.dev/cadpilot/runtime/runstate"
	"cadpilot.dev/cadpilot/runtime/taskgraph"
	"cadpilot.dev/cadpilot/runtime/telemetry"
)

// DefaultMaxVolume bounds a single object's volume in the geometric check
// (spec §4.7 step 1: "below a configurable maximum (rejects runaway
// geometry)").
const DefaultMaxVolume = 1_000_000_000.0 // cubic millimeters, i.e. 1 cubic meter

// Validator scores a RunState's ExecutionResult and produces a
// ValidationResult.
type Validator struct {
	provider  *model.Provider
	prompts   *prompt.Registry
	maxVolume float64
	log       telemetry.Logger
}

// Options configures a Validator.
type Options struct {
	Provider *model.Provider
	Prompts  *prompt.Registry
	// MaxVolume overrides DefaultMaxVolume.
	MaxVolume float64
	Logger    telemetry.Logger
}

// New constructs a Validator.
func New(opts Options) *Validator {
	maxVolume := opts.MaxVolume
	if maxVolume <= 0 {
		maxVolume = DefaultMaxVolume
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Validator{provider: opts.Provider, prompts: opts.Prompts, maxVolume: maxVolume, log: log}
}

// Validate scores state's ExecutionResult and decides PASS/REFINE/FAIL
// (spec §4.7 `validate(run_state)`).
func (v *Validator) Validate(ctx context.Context, state runstate.RunState) (*domain.ValidationResult, error) {
	if state.ExecutionResult == nil {
		return nil, fmt.Errorf("validator: run state has no execution result")
	}
	if state.TaskGraph == nil {
		return nil, fmt.Errorf("validator: run state has no task graph")
	}

	geoScore, geoIssues := v.geometricCheck(state.ExecutionResult.CreatedObjects, state.TaskGraph.ExpectedObjectCount())
	semScore, semIssues := v.semanticCheck(state.TaskGraph, state.ExecutionResult.CreatedObjects)
	llmScore, llmIssues, err := v.llmReview(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}

	overall := domain.OverallScore(geoScore, semScore, llmScore)
	decision := domain.DecisionFor(overall)

	allIssues := append(append(append([]domain.Issue(nil), geoIssues...), semIssues...), llmIssues...)
	top := topIssues(allIssues, 5)

	return &domain.ValidationResult{
		GeometricScore: geoScore,
		SemanticScore:  semScore,
		LLMReviewScore: llmScore,
		OverallScore:   overall,
		Decision:       decision,
		Issues:         top,
	}, nil
}

// geometricCheck implements spec §4.7 step 1: no LLM involved. Every
// object's volume must be positive and below maxVolume, the object count
// must fall within [1, expectedCount*2], and every bounding box must be
// finite.
func (v *Validator) geometricCheck(objects []domain.ObjectSummary, expectedCount int) (float64, []domain.Issue) {
	var issues []domain.Issue
	checks := 0
	passed := 0

	countCheck := len(objects) >= 1 && len(objects) <= expectedCount*2
	checks++
	if countCheck {
		passed++
	} else {
		issues = append(issues, domain.Issue{
			Category:    "geometry",
			Severity:    "major",
			Description: fmt.Sprintf("object count %d outside expected range [1, %d]", len(objects), expectedCount*2),
		})
	}

	for _, obj := range objects {
		checks++
		if obj.Volume > 0 && obj.Volume < v.maxVolume {
			passed++
		} else {
			issues = append(issues, domain.Issue{
				Category:    "geometry",
				Severity:    "major",
				Description: fmt.Sprintf("object %q has invalid volume %g", obj.Name, obj.Volume),
			})
		}

		checks++
		if boundingBoxFinite(obj.BoundingBox) {
			passed++
		} else {
			issues = append(issues, domain.Issue{
				Category:    "geometry",
				Severity:    "critical",
				Description: fmt.Sprintf("object %q has a non-finite bounding box", obj.Name),
			})
		}
	}

	if checks == 0 {
		return 0, issues
	}
	return float64(passed) / float64(checks), issues
}

func boundingBoxFinite(bbox [6]float64) bool {
	for _, v := range bbox {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// semanticCheck implements spec §4.7 step 2: every task graph node must
// have produced at least one object whose name carries that node's id
// prefix (the Generator's naming convention, spec §4.6 step 2).
func (v *Validator) semanticCheck(graph *taskgraph.Graph, objects []domain.ObjectSummary) (float64, []domain.Issue) {
	if len(graph.Nodes) == 0 {
		return 0, nil
	}

	var issues []domain.Issue
	satisfied := 0
	for _, node := range graph.Nodes {
		if hasObjectForNode(node.ID, objects) {
			satisfied++
		} else {
			issues = append(issues, domain.Issue{
				Category:    "semantic",
				Severity:    "major",
				Description: fmt.Sprintf("node %q produced no object with a matching name prefix", node.ID),
			})
		}
	}
	return float64(satisfied) / float64(len(graph.Nodes)), issues
}

// hasObjectForNode reports whether any object's name carries nodeID as a
// delimiter-bounded prefix. A bare HasPrefix would let node "n1" match an
// object named by node "n10" (e.g. "n10_box"), since node ids are
// LLM-generated and one can be a string prefix of another.
func hasObjectForNode(nodeID string, objects []domain.ObjectSummary) bool {
	for _, obj := range objects {
		if obj.Name == nodeID || strings.HasPrefix(obj.Name, nodeID+"_") || strings.HasPrefix(obj.Name, nodeID+"-") {
			return true
		}
	}
	return false
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

type llmReviewResponse struct {
	Score  float64        `json:"score"`
	Issues []domain.Issue `json:"issues"`
}

// llmReview implements spec §4.7 step 3: send the original prompt and a
// JSON summary of created_objects, ask for an intent-match score in [0,1]
// plus issues, JSON mode with schema enforcement.
func (v *Validator) llmReview(ctx context.Context, state runstate.RunState) (float64, []domain.Issue, error) {
	sys, err := v.prompts.SystemPrompt(prompt.RoleValidator)
	if err != nil {
		return 0, nil, err
	}

	summary, err := json.Marshal(state.ExecutionResult.CreatedObjects)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal created objects: %w", err)
	}

	req := &model.Request{
		Messages: []model.Message{
			{Role: model.ConversationRoleSystem, Content: sys.Text},
			{Role: model.ConversationRoleUser, Content: fmt.Sprintf("Original request: %s\n\nCreated objects: %s", state.UserPrompt, summary)},
		},
		Schema: reviewSchema(),
	}

	resp, err := v.provider.Complete(ctx, model.RoleValidator, state.CorrelationID, req)
	if err != nil {
		return 0, nil, err
	}
	var parsed llmReviewResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return 0, nil, fmt.Errorf("parse llm review response: %w", err)
	}
	if parsed.Score < 0 {
		parsed.Score = 0
	}
	if parsed.Score > 1 {
		parsed.Score = 1
	}
	return parsed.Score, parsed.Issues, nil
}

func reviewSchema() *model.ResponseSchema {
	return &model.ResponseSchema{Name: "validator_review.json", Schema: reviewSchemaDoc}
}

var reviewSchemaDoc = json.RawMessage(`{
  "type": "object",
  "required": ["score"],
  "properties": {
    "score": {"type": "number", "minimum": 0, "maximum": 1},
    "issues": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["category", "severity", "description"],
        "properties": {
          "category": {"type": "string"},
          "severity": {"type": "string"},
          "description": {"type": "string"},
          "suggested_fix": {"type": "string"}
        }
      }
    }
  }
}`)
