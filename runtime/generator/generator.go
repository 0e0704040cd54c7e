// Package generator implements the Generator Agent (C6): it produces an
// executable script for a full task graph, or a corrected version of a
// prior script during refinement.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/model"
	"cadpilot.dev/cadpilot/runtime/prompt"
	"cadpilot.dev/cadpilot/runtime/runstate"
	"cadpilot.dev/cadpilot/runtime/sandbox"
	"cadpilot.dev/cadpilot/runtime/taskgraph"
	"cadpilot.dev/cadpilot/runtime/telemetry"
)

// ErrGenerationFailed is the error category wrapped around a final script
// that still fails the sandbox's static check after one correction pass
// (spec §4.6 step 5: "fails the run with generation_error").
var ErrGenerationFailed = errorString("generation_error")

type errorString string

func (e errorString) Error() string { return string(e) }

// Generator produces Scripts from TaskGraphs via the LLM provider.
type Generator struct {
	provider *model.Provider
	prompts  *prompt.Registry
	sandbox  *sandbox.Sandbox
	log      telemetry.Logger
}

// Options configures a Generator.
type Options struct {
	Provider *model.Provider
	Prompts  *prompt.Registry
	// Sandbox is used only for its static Validate step (spec §4.6 step 5);
	// Execute is never called here.
	Sandbox *sandbox.Sandbox
	Logger  telemetry.Logger
}

// New constructs a Generator.
func New(opts Options) *Generator {
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Generator{provider: opts.Provider, prompts: opts.Prompts, sandbox: opts.Sandbox, log: log}
}

// objectDecl is the per-node metadata the LLM reports alongside its code
// fragment, so later nodes can reference earlier objects by name and type
// (spec §4.6 step 2: "names/types of objects produced by preceding nodes").
type objectDecl struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type nodeResponse struct {
	Code    string       `json:"code"`
	Objects []objectDecl `json:"objects"`
}

type scriptResponse struct {
	ScriptText string `json:"script_text"`
}

// Generate produces a full Script for state's task graph (spec §4.6
// `generate(run_state)`, fresh-generation path).
func (g *Generator) Generate(ctx context.Context, state runstate.RunState) (*domain.Script, error) {
	if state.TaskGraph == nil {
		return nil, fmt.Errorf("generator: run state has no task graph")
	}
	order, err := taskgraph.TopologicalSort(state.TaskGraph)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	sys, err := g.prompts.SystemPrompt(prompt.RoleGenerator)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	var fragments []string
	var known []objectDecl
	var lastNodeID string
	for _, nodeID := range order {
		node, ok := state.TaskGraph.NodeByID(nodeID)
		if !ok {
			return nil, fmt.Errorf("generator: node %q not found after sort", nodeID)
		}
		lastNodeID = nodeID
		resp, err := g.generateNode(ctx, state, sys.Text, node, known)
		if err != nil {
			return nil, fmt.Errorf("generator: node %q: %w", nodeID, err)
		}
		fragments = append(fragments, resp.Code)
		known = append(known, resp.Objects...)
	}

	scriptText := assembleScript(fragments)
	return g.validateOrCorrect(ctx, state, scriptText, lastNodeID)
}

// Refine asks for a full corrected script during a REFINE pass, given the
// prior script, its execution stderr, and the validator's issues (spec
// §4.6 "Refinement mode"). The result is a complete new script, not a
// patch.
func (g *Generator) Refine(ctx context.Context, state runstate.RunState) (*domain.Script, error) {
	if state.CurrentScript == nil {
		return nil, fmt.Errorf("generator: refine requires a prior script")
	}
	if state.ValidationResult == nil {
		return nil, fmt.Errorf("generator: refine requires a prior validation result")
	}

	sys, err := g.prompts.SystemPrompt(prompt.RoleGenerator)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	stderr := ""
	if state.ExecutionResult != nil {
		stderr = state.ExecutionResult.Stderr
	}

	userMsg := fmt.Sprintf(
		"The following script needs correction.\n\nPrior script:\n%s\n\nExecution stderr:\n%s\n\nValidator issues:\n%s\n\n"+
			"Emit a full corrected script (not a diff) that addresses these issues.",
		state.CurrentScript.SourceText, stderr, formatIssues(state.ValidationResult.Issues))

	resp, err := g.complete(ctx, state, sys.Text, userMsg, scriptSchema())
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	var parsed scriptResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, fmt.Errorf("generator: parse refinement response: %w", err)
	}

	return g.validateOrCorrect(ctx, state, parsed.ScriptText, "")
}

func (g *Generator) generateNode(ctx context.Context, state runstate.RunState, systemPrompt string, node *taskgraph.TaskNode, known []objectDecl) (*nodeResponse, error) {
	ref, err := g.prompts.APIReference(string(node.Operation))
	if err != nil {
		ref = prompt.Block{Text: fmt.Sprintf("no API reference registered for operation %q; use your best judgment within the cadkit module.", node.Operation)}
	}

	userMsg := fmt.Sprintf(
		"Operation: %s\nNode ID: %s\nParameters: %s\nAPI reference: %s\nObjects available from preceding nodes: %s\n\n"+
			"Emit the code fragment for this node. Name any objects you create with the prefix %q.",
		node.Operation, node.ID, formatParameters(node.Parameters), ref.Text, formatKnownObjects(known), node.ID)

	resp, err := g.complete(ctx, state, systemPrompt, userMsg, nodeSchema())
	if err != nil {
		return nil, err
	}
	var parsed nodeResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, fmt.Errorf("parse node response: %w", err)
	}
	return &parsed, nil
}

// validateOrCorrect runs the sandbox's static Validate step on scriptText;
// on failure it issues exactly one correction pass with the validation
// reasons folded into the prompt, then fails with ErrGenerationFailed if
// the corrected script still does not validate (spec §4.6 step 5).
func (g *Generator) validateOrCorrect(ctx context.Context, state runstate.RunState, scriptText, nodeID string) (*domain.Script, error) {
	result := g.sandbox.Validate(scriptText)
	if result.OK {
		return &domain.Script{SourceText: scriptText, GeneratedByNode: nodeID, ASTCheckPassed: true}, nil
	}

	sys, err := g.prompts.SystemPrompt(prompt.RoleGenerator)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	userMsg := fmt.Sprintf(
		"The following script failed validation for these reasons: %s\n\nScript:\n%s\n\nEmit a full corrected script.",
		strings.Join(result.Reasons, "; "), scriptText)

	resp, err := g.complete(ctx, state, sys.Text, userMsg, scriptSchema())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	var parsed scriptResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: parse correction response: %v", ErrGenerationFailed, err)
	}

	corrected := g.sandbox.Validate(parsed.ScriptText)
	if !corrected.OK {
		return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, strings.Join(corrected.Reasons, "; "))
	}
	return &domain.Script{SourceText: parsed.ScriptText, GeneratedByNode: nodeID, ASTCheckPassed: true}, nil
}

func (g *Generator) complete(ctx context.Context, state runstate.RunState, systemPrompt, userMsg string, schema *model.ResponseSchema) (*model.Response, error) {
	req := &model.Request{
		Messages: []model.Message{
			{Role: model.ConversationRoleSystem, Content: systemPrompt},
			{Role: model.ConversationRoleUser, Content: userMsg},
		},
		Schema: schema,
	}
	return g.provider.Complete(ctx, model.RoleGenerator, state.CorrelationID, req)
}

// assembleScript concatenates per-node fragments into a single script with
// a header importing the sandbox's whitelisted modules (spec §4.6 step 4).
func assembleScript(fragments []string) string {
	var b strings.Builder
	for _, name := range sandbox.AllowedImports() {
		fmt.Fprintf(&b, "import %s\n", name)
	}
	b.WriteString("\n")
	for _, f := range fragments {
		b.WriteString(strings.TrimRight(f, "\n"))
		b.WriteString("\n\n")
	}
	return b.String()
}

func formatParameters(params map[string]taskgraph.Param) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		p := params[k]
		switch {
		case p.IsText:
			parts = append(parts, fmt.Sprintf("%s=%q", k, p.String))
		case len(p.Vector) > 0:
			parts = append(parts, fmt.Sprintf("%s=%v", k, p.Vector))
		case p.String != "":
			parts = append(parts, fmt.Sprintf("%s=%s", k, p.String))
		default:
			parts = append(parts, fmt.Sprintf("%s=%g", k, p.Scalar))
		}
	}
	return strings.Join(parts, ", ")
}

func formatKnownObjects(known []objectDecl) string {
	if len(known) == 0 {
		return "(none yet)"
	}
	parts := make([]string, len(known))
	for i, k := range known {
		parts[i] = fmt.Sprintf("%s:%s", k.Name, k.Type)
	}
	return strings.Join(parts, ", ")
}

func formatIssues(issues []domain.Issue) string {
	var b strings.Builder
	for _, issue := range issues {
		fmt.Fprintf(&b, "- [%s/%s] %s\n", issue.Severity, issue.Category, issue.Description)
	}
	return b.String()
}

func nodeSchema() *model.ResponseSchema {
	return &model.ResponseSchema{Name: "generator_node.json", Schema: nodeSchemaDoc}
}

func scriptSchema() *model.ResponseSchema {
	return &model.ResponseSchema{Name: "generator_script.json", Schema: scriptSchemaDoc}
}

var nodeSchemaDoc = json.RawMessage(`{
  "type": "object",
  "required": ["code"],
  "properties": {
    "code": {"type": "string"},
    "objects": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"}
        }
      }
    }
  }
}`)

var scriptSchemaDoc = json.RawMessage(`{
  "type": "object",
  "required": ["script_text"],
  "properties": {
    "script_text": {"type": "string"}
  }
}`)
