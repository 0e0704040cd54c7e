package planner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/model"
	"cadpilot.dev/cadpilot/runtime/planner"
	"cadpilot.dev/cadpilot/runtime/prompt"
	"cadpilot.dev/cadpilot/runtime/runstate"
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
	return &model.Response{Content: c.responses[i], Model: "planner-model"}, nil
}

func (c *scriptedClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, nil
}

func newProvider(client model.Client) *model.Provider {
	registry := model.NewRegistry(map[model.AgentRole]model.RolePolicy{
		model.RolePlanner: {Primary: "planner-model", DefaultMaxTokens: 1024},
	})
	return model.NewProvider(model.ProviderOptions{
		Clients:  map[string]model.Client{"planner-model": client},
		Registry: registry,
	})
}

type fakeAudit struct {
	recorded bool
	nodes    int
}

func (f *fakeAudit) RecordPlanGenerated(_ context.Context, _ string, nodeCount int, _ map[taskgraph.Operation]int) {
	f.recorded = true
	f.nodes = nodeCount
}

func TestPlanProducesValidGraph(t *testing.T) {
	valid := `{"nodes":[{"id":"n1","operation":"box","parameters":{"x":{"scalar":10}},"dependencies":[]}]}`
	client := &scriptedClient{responses: []string{valid}}
	audit := &fakeAudit{}
	p := planner.New(planner.Options{Provider: newProvider(client), Prompts: prompt.NewDefaultRegistry(), Audit: audit})

	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	graph, err := p.Plan(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 1)
	require.True(t, audit.recorded)
	require.Equal(t, 1, audit.nodes)
}

func TestPlanRecoversFromOneMalformedResponse(t *testing.T) {
	valid := `{"nodes":[{"id":"n1","operation":"box","parameters":{},"dependencies":[]}]}`
	client := &scriptedClient{responses: []string{"not json", valid}}
	p := planner.New(planner.Options{Provider: newProvider(client), Prompts: prompt.NewDefaultRegistry()})

	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	graph, err := p.Plan(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 1)
	require.Equal(t, 2, client.calls)
}

func TestPlanFailsAfterCorrectionRetryExhausted(t *testing.T) {
	client := &scriptedClient{responses: []string{"not json", "still not json"}}
	p := planner.New(planner.Options{Provider: newProvider(client), Prompts: prompt.NewDefaultRegistry()})

	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	_, err := p.Plan(context.Background(), state)
	require.ErrorIs(t, err, planner.ErrPlanningFailed)
}

func TestPlanFailsOnCycle(t *testing.T) {
	cyclic := `{"nodes":[{"id":"n1","operation":"box","parameters":{},"dependencies":["n2"]},{"id":"n2","operation":"box","parameters":{},"dependencies":["n1"]}]}`
	client := &scriptedClient{responses: []string{cyclic}}
	p := planner.New(planner.Options{Provider: newProvider(client), Prompts: prompt.NewDefaultRegistry()})

	state := runstate.New("run-1", "two linked boxes", "corr-1", 5)
	_, err := p.Plan(context.Background(), state)
	require.ErrorIs(t, err, planner.ErrPlanningFailed)
}

func TestReplanRequiresPriorValidation(t *testing.T) {
	p := planner.New(planner.Options{Provider: newProvider(&scriptedClient{}), Prompts: prompt.NewDefaultRegistry()})
	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	_, err := p.Replan(context.Background(), state)
	require.Error(t, err)
}

func TestReplanIncludesTopIssues(t *testing.T) {
	valid := `{"nodes":[{"id":"n1","operation":"box","parameters":{},"dependencies":[]}]}`
	client := &scriptedClient{responses: []string{valid}}
	p := planner.New(planner.Options{Provider: newProvider(client), Prompts: prompt.NewDefaultRegistry()})

	state := runstate.New("run-1", "a 10mm cube", "corr-1", 5)
	state.ValidationResult = &domain.ValidationResult{
		Issues: []domain.Issue{
			{Category: "geometry", Severity: "minor", Description: "tiny gap"},
			{Category: "intent", Severity: "critical", Description: "missing hole"},
		},
	}
	graph, err := p.Replan(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 1)
}
