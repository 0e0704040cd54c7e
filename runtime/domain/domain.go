// Package domain holds the value records that flow through the pipeline and
// are produced by more than one component (Script by the Generator,
// ExecutionResult by the Sandbox/CAD runner, ValidationResult by the
// Validator). Collecting them here, rather than in each producer's package,
// avoids an import cycle through runstate.RunState, which embeds all three.
package domain

type (
	// Script is a generated program plus the metadata needed to audit and
	// re-run it.
	Script struct {
		SourceText      string `json:"source_text"`
		GeneratedByNode string `json:"generated_by_node_id"`
		ASTCheckPassed  bool   `json:"ast_check_passed"`
	}

	// ObjectSummary describes one geometric object the sandbox observed
	// after a script ran.
	ObjectSummary struct {
		Name         string    `json:"name"`
		Type         string    `json:"type"`
		BoundingBox  [6]float64 `json:"bounding_box"` // xmin,ymin,zmin,xmax,ymax,zmax
		Volume       float64   `json:"volume"`
		SurfaceCount int       `json:"surface_count"`
	}

	// RuntimeError is a single structured error surfaced during sandbox or
	// CAD execution.
	RuntimeError struct {
		Category string `json:"category"`
		Message  string `json:"message"`
	}

	// ExecutionResult is the output of the Script Sandbox / CAD Headless
	// Runner.
	ExecutionResult struct {
		Success        bool            `json:"success"`
		Stdout         string          `json:"stdout"`
		Stderr         string          `json:"stderr"`
		ExitCode       int             `json:"exit_code"`
		CreatedObjects []ObjectSummary `json:"created_objects"`
		Errors         []RuntimeError  `json:"errors"`
		ArtifactPaths  []string        `json:"artifact_paths"`
		DurationMS     int64           `json:"duration_ms"`
	}

	// Decision is the Validator's verdict for one validation pass.
	Decision string

	// Issue is a single structured problem the Validator found.
	Issue struct {
		Category      string `json:"category"`
		Severity      string `json:"severity"`
		Description   string `json:"description"`
		SuggestedFix  string `json:"suggested_fix,omitempty"`
	}

	// ValidationResult is the output of the Validator agent.
	ValidationResult struct {
		GeometricScore  float64  `json:"geometric_score"`
		SemanticScore   float64  `json:"semantic_score"`
		LLMReviewScore  float64  `json:"llm_review_score"`
		OverallScore    float64  `json:"overall_score"`
		Decision        Decision `json:"decision"`
		Issues          []Issue  `json:"issues,omitempty"`
	}

	// RunError is the structured error attached to a FAILED RunState.
	RunError struct {
		Category      string `json:"category"`
		Message       string `json:"message"`
		RetriableHint bool   `json:"retriable_hint"`
	}
)

const (
	DecisionPass   Decision = "PASS"
	DecisionRefine Decision = "REFINE"
	DecisionFail   Decision = "FAIL"
)

// Weights applied to the three ValidationResult sub-scores when computing
// OverallScore (spec §3/§4.7).
const (
	WeightGeometric = 0.4
	WeightSemantic  = 0.4
	WeightLLMReview = 0.2
)

// Score thresholds for Decision (spec §3/§4.7).
const (
	PassThreshold = 0.8
	FailThreshold = 0.4
)

// OverallScore computes the weighted sum of the three sub-scores.
func OverallScore(geometric, semantic, llmReview float64) float64 {
	return geometric*WeightGeometric + semantic*WeightSemantic + llmReview*WeightLLMReview
}

// DecisionFor maps an overall score to a Decision per the PASS/FAIL
// thresholds: PASS iff score >= 0.8, FAIL iff score < 0.4, REFINE otherwise.
func DecisionFor(overall float64) Decision {
	switch {
	case overall >= PassThreshold:
		return DecisionPass
	case overall < FailThreshold:
		return DecisionFail
	default:
		return DecisionRefine
	}
}
