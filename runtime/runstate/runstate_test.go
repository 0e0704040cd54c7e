package runstate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/runstate"
	"cadpilot.dev/cadpilot/runtime/taskgraph"
)

func TestNewIsPendingWithZeroIteration(t *testing.T) {
	s := runstate.New("run-1", "make a box", "corr-1", 0)
	require.Equal(t, runstate.StatusPending, s.Status)
	require.Equal(t, 0, s.Iteration)
	require.Equal(t, runstate.DefaultMaxIterations, s.MaxIterations)
	require.False(t, s.CreatedAt.IsZero())
	require.Equal(t, s.CreatedAt, s.UpdatedAt)
}

func TestTerminalStatuses(t *testing.T) {
	for _, st := range []runstate.Status{runstate.StatusSucceeded, runstate.StatusFailed, runstate.StatusCancelled} {
		require.True(t, st.Terminal(), "%s should be terminal", st)
	}
	for _, st := range []runstate.Status{runstate.StatusPending, runstate.StatusPlanning, runstate.StatusGenerating, runstate.StatusExecuting, runstate.StatusValidating} {
		require.False(t, st.Terminal(), "%s should not be terminal", st)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := runstate.New("run-1", "prompt", "corr-1", 5)
	s.TaskGraph = &taskgraph.Graph{Nodes: []taskgraph.TaskNode{{ID: "n1", Operation: "sketch"}}}
	s.ExecutionResult = &domain.ExecutionResult{CreatedObjects: []domain.ObjectSummary{{Name: "box1"}}}

	clone := s.Clone()
	clone.TaskGraph.Nodes[0].ID = "mutated"
	clone.ExecutionResult.CreatedObjects[0].Name = "mutated"

	require.Equal(t, "n1", s.TaskGraph.Nodes[0].ID)
	require.Equal(t, "box1", s.ExecutionResult.CreatedObjects[0].Name)
}
