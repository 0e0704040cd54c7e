package orchestrator

import (
	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/runstate"
)

// transitionAfterValidate implements the VALIDATING row of the state
// machine table in spec §4.10. It decides the next status and whether the
// iteration counter advances, given the validator's decision and the
// current iteration/max_iterations.
func transitionAfterValidate(decision domain.Decision, iteration, maxIterations int) (next runstate.Status, nextIteration int) {
	switch decision {
	case domain.DecisionPass:
		return runstate.StatusSucceeded, iteration
	case domain.DecisionRefine:
		if iteration >= maxIterations {
			return runstate.StatusFailed, iteration
		}
		return runstate.StatusGenerating, iteration + 1
	case domain.DecisionFail:
		if iteration >= maxIterations/2 {
			return runstate.StatusFailed, iteration
		}
		return runstate.StatusPlanning, iteration + 1
	default:
		return runstate.StatusFailed, iteration
	}
}

// errorCategory classifies a failure for domain.RunError.Category, per the
// error taxonomy of spec §7.
type errorCategory string

const (
	categoryInputError          errorCategory = "input_error"
	categoryPlanningError       errorCategory = "planning_error"
	categoryGenerationError     errorCategory = "generation_error"
	categoryExecutionError      errorCategory = "execution_error"
	categoryValidationError     errorCategory = "validation_error"
	categoryLLMUnavailable      errorCategory = "llm_unavailable"
	categoryInternalError       errorCategory = "internal_error"
	categoryCancelled           errorCategory = "cancelled"
	categoryIterationExhausted  errorCategory = "iteration_exhausted"
)

func runError(category errorCategory, message string, retriableHint bool) *domain.RunError {
	return &domain.RunError{Category: string(category), Message: message, RetriableHint: retriableHint}
}
