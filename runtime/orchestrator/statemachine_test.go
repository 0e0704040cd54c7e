package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/runstate"
)

func TestTransitionAfterValidatePass(t *testing.T) {
	next, iter := transitionAfterValidate(domain.DecisionPass, 2, 5)
	require.Equal(t, runstate.StatusSucceeded, next)
	require.Equal(t, 2, iter)
}

func TestTransitionAfterValidateRefineAdvancesIteration(t *testing.T) {
	next, iter := transitionAfterValidate(domain.DecisionRefine, 1, 5)
	require.Equal(t, runstate.StatusGenerating, next)
	require.Equal(t, 2, iter)
}

func TestTransitionAfterValidateRefineExhaustsBudget(t *testing.T) {
	next, iter := transitionAfterValidate(domain.DecisionRefine, 5, 5)
	require.Equal(t, runstate.StatusFailed, next)
	require.Equal(t, 5, iter)
}

func TestTransitionAfterValidateFailReplans(t *testing.T) {
	next, iter := transitionAfterValidate(domain.DecisionFail, 0, 5)
	require.Equal(t, runstate.StatusPlanning, next)
	require.Equal(t, 1, iter)
}

func TestTransitionAfterValidateFailExhaustsReplanBudget(t *testing.T) {
	next, iter := transitionAfterValidate(domain.DecisionFail, 3, 5)
	require.Equal(t, runstate.StatusFailed, next)
	require.Equal(t, 3, iter)
}

func TestRunErrorCarriesCategoryAndHint(t *testing.T) {
	err := runError(categoryLLMUnavailable, "provider timed out", true)
	require.Equal(t, "llm_unavailable", err.Category)
	require.Equal(t, "provider timed out", err.Message)
	require.True(t, err.RetriableHint)
}
