package validator_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/model"
	"cadpilot.dev/cadpilot/runtime/prompt"
	"cadpilot.dev/cadpilot/runtime/runstate"
	"cadpilot.dev/cadpilot/runtime/taskgraph"
	"cadpilot.dev/cadpilot/runtime/validator"
)

type fakeClient struct {
	content string
}

func (c *fakeClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return &model.Response{Content: c.content, Model: "validator-model"}, nil
}

func (c *fakeClient) Stream(context.Context, *model.Request) (model.Streamer, error) { return nil, nil }

func newProvider(content string) *model.Provider {
	registry := model.NewRegistry(map[model.AgentRole]model.RolePolicy{
		model.RoleValidator: {Primary: "validator-model", DefaultMaxTokens: 1024},
	})
	return model.NewProvider(model.ProviderOptions{
		Clients:  map[string]model.Client{"validator-model": &fakeClient{content: content}},
		Registry: registry,
	})
}

func baseState() runstate.RunState {
	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	state.TaskGraph = &taskgraph.Graph{Nodes: []taskgraph.TaskNode{
		{ID: "n1", Operation: "box"},
	}}
	state.ExecutionResult = &domain.ExecutionResult{
		Success: true,
		CreatedObjects: []domain.ObjectSummary{
			{Name: "n1_box", Type: "solid", BoundingBox: [6]float64{0, 0, 0, 10, 10, 10}, Volume: 1000, SurfaceCount: 6},
		},
	}
	return state
}

func TestValidatePassesCleanDesign(t *testing.T) {
	v := validator.New(validator.Options{Provider: newProvider(`{"score":0.95,"issues":[]}`), Prompts: prompt.NewDefaultRegistry()})
	result, err := v.Validate(context.Background(), baseState())
	require.NoError(t, err)
	require.Equal(t, domain.DecisionPass, result.Decision)
	require.InDelta(t, 1.0, result.GeometricScore, 1e-9)
	require.InDelta(t, 1.0, result.SemanticScore, 1e-9)
}

func TestValidateFlagsMissingNodeOutput(t *testing.T) {
	state := baseState()
	state.ExecutionResult.CreatedObjects = nil
	v := validator.New(validator.Options{Provider: newProvider(`{"score":0.5,"issues":[]}`), Prompts: prompt.NewDefaultRegistry()})
	result, err := v.Validate(context.Background(), state)
	require.NoError(t, err)
	require.Less(t, result.SemanticScore, 1.0)
	require.NotEmpty(t, result.Issues)
}

func TestValidateDoesNotCreditNodeFromSimilarlyPrefixedSibling(t *testing.T) {
	state := baseState()
	state.TaskGraph.Nodes = append(state.TaskGraph.Nodes, taskgraph.TaskNode{ID: "n10", Operation: "box"})
	state.ExecutionResult.CreatedObjects = []domain.ObjectSummary{
		{Name: "n10_box", Type: "solid", BoundingBox: [6]float64{0, 0, 0, 10, 10, 10}, Volume: 1000, SurfaceCount: 6},
	}
	v := validator.New(validator.Options{Provider: newProvider(`{"score":0.9,"issues":[]}`), Prompts: prompt.NewDefaultRegistry()})
	result, err := v.Validate(context.Background(), state)
	require.NoError(t, err)
	require.Less(t, result.SemanticScore, 1.0)
	require.NotEmpty(t, result.Issues)
}

func TestValidateRejectsRunawayVolume(t *testing.T) {
	state := baseState()
	state.ExecutionResult.CreatedObjects[0].Name = "unrelated"
	state.ExecutionResult.CreatedObjects[0].Volume = 1e15
	state.ExecutionResult.CreatedObjects[0].BoundingBox = [6]float64{0, 0, 0, 10, 10, math.Inf(1)}
	v := validator.New(validator.Options{Provider: newProvider(`{"score":0.1,"issues":[]}`), Prompts: prompt.NewDefaultRegistry()})
	result, err := v.Validate(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionFail, result.Decision)
}

func TestValidateClampsOutOfRangeLLMScore(t *testing.T) {
	v := validator.New(validator.Options{Provider: newProvider(`{"score":1.5,"issues":[]}`), Prompts: prompt.NewDefaultRegistry()})
	result, err := v.Validate(context.Background(), baseState())
	require.NoError(t, err)
	require.LessOrEqual(t, result.LLMReviewScore, 1.0)
}

func TestValidateRequiresExecutionResult(t *testing.T) {
	v := validator.New(validator.Options{Provider: newProvider(`{"score":1,"issues":[]}`), Prompts: prompt.NewDefaultRegistry()})
	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	state.TaskGraph = &taskgraph.Graph{Nodes: []taskgraph.TaskNode{{ID: "n1", Operation: "box"}}}
	_, err := v.Validate(context.Background(), state)
	require.Error(t, err)
}

func TestValidateTopFiveIssuesOrderedBySeverity(t *testing.T) {
	state := baseState()
	state.ExecutionResult.CreatedObjects[0].BoundingBox = [6]float64{0, 0, 0, 10, 10, 10}
	llmIssues := `{"score":0.5,"issues":[
		{"category":"intent","severity":"minor","description":"a"},
		{"category":"intent","severity":"critical","description":"b"},
		{"category":"intent","severity":"major","description":"c"}
	]}`
	v := validator.New(validator.Options{Provider: newProvider(llmIssues), Prompts: prompt.NewDefaultRegistry()})
	result, err := v.Validate(context.Background(), state)
	require.NoError(t, err)
	require.NotEmpty(t, result.Issues)
	require.Equal(t, "critical", result.Issues[0].Severity)
}
