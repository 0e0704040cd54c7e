package generator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/generator"
	"cadpilot.dev/cadpilot/runtime/model"
	"cadpilot.dev/cadpilot/runtime/prompt"
	"cadpilot.dev/cadpilot/runtime/runstate"
	"cadpilot.dev/cadpilot/runtime/sandbox"
	"cadpilot.dev/cadpilot/runtime/taskgraph"
)

type scriptedClient struct {
	responses []string
	calls     int
}

func (c *scriptedClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	i := c.calls
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	c.calls++
	return &model.Response{Content: c.responses[i], Model: "generator-model"}, nil
}

func (c *scriptedClient) Stream(context.Context, *model.Request) (model.Streamer, error) { return nil, nil }

func newProvider(client model.Client) *model.Provider {
	registry := model.NewRegistry(map[model.AgentRole]model.RolePolicy{
		model.RoleGenerator: {Primary: "generator-model", DefaultMaxTokens: 2048},
	})
	return model.NewProvider(model.ProviderOptions{
		Clients:  map[string]model.Client{"generator-model": client},
		Registry: registry,
	})
}

func newSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	s, err := sandbox.New(sandbox.Options{InterpreterPath: "/usr/bin/true"})
	require.NoError(t, err)
	return s
}

func oneNodeGraph() *taskgraph.Graph {
	return &taskgraph.Graph{Nodes: []taskgraph.TaskNode{
		{ID: "n1", Operation: "box", Parameters: map[string]taskgraph.Param{"x": {Scalar: 10}}},
	}}
}

func TestGenerateProducesValidatedScript(t *testing.T) {
	nodeResp := `{"code":"n1 = Box(10, 10, 10)","objects":[{"name":"n1_box","type":"solid"}]}`
	client := &scriptedClient{responses: []string{nodeResp}}
	g := generator.New(generator.Options{
		Provider: newProvider(client),
		Prompts:  prompt.NewDefaultRegistry(),
		Sandbox:  newSandbox(t),
	})

	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	state.TaskGraph = oneNodeGraph()

	script, err := g.Generate(context.Background(), state)
	require.NoError(t, err)
	require.True(t, script.ASTCheckPassed)
	require.Contains(t, script.SourceText, "n1 = Box(10, 10, 10)")
	require.Contains(t, script.SourceText, "import cadkit")
}

func TestGenerateFailsWithoutTaskGraph(t *testing.T) {
	g := generator.New(generator.Options{
		Provider: newProvider(&scriptedClient{}),
		Prompts:  prompt.NewDefaultRegistry(),
		Sandbox:  newSandbox(t),
	})
	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	_, err := g.Generate(context.Background(), state)
	require.Error(t, err)
}

func TestGenerateCorrectsOnValidationFailure(t *testing.T) {
	badNode := `{"code":"import os\nos.system('x')","objects":[]}`
	correction := `{"script_text":"b = Box(10, 10, 10)"}`
	client := &scriptedClient{responses: []string{badNode, correction}}
	g := generator.New(generator.Options{
		Provider: newProvider(client),
		Prompts:  prompt.NewDefaultRegistry(),
		Sandbox:  newSandbox(t),
	})

	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	state.TaskGraph = oneNodeGraph()

	script, err := g.Generate(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, "b = Box(10, 10, 10)", script.SourceText)
}

func TestGenerateFailsAfterCorrectionExhausted(t *testing.T) {
	badNode := `{"code":"import os\nos.system('x')","objects":[]}`
	stillBad := `{"script_text":"import os\nos.system('y')"}`
	client := &scriptedClient{responses: []string{badNode, stillBad}}
	g := generator.New(generator.Options{
		Provider: newProvider(client),
		Prompts:  prompt.NewDefaultRegistry(),
		Sandbox:  newSandbox(t),
	})

	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	state.TaskGraph = oneNodeGraph()

	_, err := g.Generate(context.Background(), state)
	require.ErrorIs(t, err, generator.ErrGenerationFailed)
}

func TestRefineRequiresPriorScriptAndValidation(t *testing.T) {
	g := generator.New(generator.Options{
		Provider: newProvider(&scriptedClient{}),
		Prompts:  prompt.NewDefaultRegistry(),
		Sandbox:  newSandbox(t),
	})
	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	_, err := g.Refine(context.Background(), state)
	require.Error(t, err)
}

func TestRefineProducesFullNewScript(t *testing.T) {
	correction := `{"script_text":"b = Box(20, 20, 20)"}`
	client := &scriptedClient{responses: []string{correction}}
	g := generator.New(generator.Options{
		Provider: newProvider(client),
		Prompts:  prompt.NewDefaultRegistry(),
		Sandbox:  newSandbox(t),
	})

	state := runstate.New("run-1", "a 20mm cube", "corr-1", 5)
	state.CurrentScript = &domain.Script{SourceText: "b = Box(10, 10, 10)"}
	state.ExecutionResult = &domain.ExecutionResult{Stderr: "dimension mismatch"}
	state.ValidationResult = &domain.ValidationResult{Issues: []domain.Issue{
		{Category: "geometry", Severity: "major", Description: "wrong size"},
	}}

	script, err := g.Refine(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, "b = Box(20, 20, 20)", script.SourceText)
}
