// Package cadengine implements the CAD Headless Runner (C3): it drives an
// external CAD engine subprocess (via runtime/sandbox) to execute a script,
// extracts structured object state from the resulting document, and
// exports geometry to downstream formats. A process-wide semaphore bounds
// how many CAD subprocesses run concurrently.
package cadengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cadpilot.dev/cadpilot/runtime/domain"
	"cadpilot.dev/cadpilot/runtime/sandbox"
	"cadpilot.dev/cadpilot/runtime/taskgraph"
	"cadpilot.dev/cadpilot/runtime/telemetry"
)

// DefaultConcurrency is the process-wide cap on simultaneous CAD
// subprocesses (spec §4.3: "configurable, default 4").
const DefaultConcurrency = 4

// ExportFormat names a supported export target (spec §4.3 `export`).
type ExportFormat string

const (
	ExportFormatNative ExportFormat = "native"
	ExportFormatSTEP   ExportFormat = "step"
	ExportFormatSTL    ExportFormat = "stl"
)

// AuditSink receives the export_completed event recorded after each
// successful export (spec §4.3 `export`). Defined here rather than
// depending on runtime/audit so that package can in turn depend on
// cadengine for geometry-shaped payloads without a cycle; cmd/cadpilot
// wires a concrete runtime/audit.Sink in behind this interface.
type AuditSink interface {
	RecordExportCompleted(ctx context.Context, runID string, format ExportFormat, artifactPath, sidecarPath string)
}

// Options configures a Runner.
type Options struct {
	// Sandbox executes scripts in subprocess isolation.
	Sandbox *sandbox.Sandbox
	// Concurrency overrides DefaultConcurrency.
	Concurrency int
	// Audit records export_completed events. Optional; a nil Audit means
	// exports still happen, just unaudited.
	Audit AuditSink
	// Logger records transient-error retries.
	Logger telemetry.Logger
}

// Runner implements the CAD Headless Runner.
type Runner struct {
	sandbox     *sandbox.Sandbox
	concurrency chan struct{}
	audit       AuditSink
	log         telemetry.Logger
}

// New constructs a Runner with a buffered-channel counting semaphore
// bounding concurrent CAD subprocesses.
func New(opts Options) (*Runner, error) {
	if opts.Sandbox == nil {
		return nil, errors.New("cadengine: sandbox is required")
	}
	n := opts.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Runner{
		sandbox:     opts.Sandbox,
		concurrency: make(chan struct{}, n),
		audit:       opts.Audit,
		log:         log,
	}, nil
}

// transientErrorCategories names recompute errors considered transient
// (spec §4.3 "topological-naming failures") that are worth a single retry
// with a fresh working directory.
var transientErrorCategories = map[string]bool{
	"topological_naming_error": true,
}

// RunScript executes scriptText under a fresh working directory rooted at
// baseDir, retrying once with a new working directory if the first attempt
// fails with a transient recompute error (spec §4.3 "retry policy").
// Concurrency is bounded by the runner's semaphore.
func (r *Runner) RunScript(ctx context.Context, scriptText, baseDir string, timeout time.Duration) (domain.ExecutionResult, error) {
	select {
	case r.concurrency <- struct{}{}:
	case <-ctx.Done():
		return domain.ExecutionResult{}, ctx.Err()
	}
	defer func() { <-r.concurrency }()

	result, workDir, err := r.runOnce(ctx, scriptText, baseDir, timeout)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if !result.Success && hasTransientError(result) {
		r.log.Warn(ctx, "retrying cad script after transient error", "work_dir", workDir)
		result, workDir, err = r.runOnce(ctx, scriptText, baseDir, timeout)
		if err != nil {
			return domain.ExecutionResult{}, err
		}
	}

	if result.Success {
		extracted, extractErr := r.extractFromWorkDir(workDir)
		if extractErr != nil {
			result.Success = false
			result.Errors = append(result.Errors, domain.RuntimeError{Category: "state_extraction_failed", Message: extractErr.Error()})
		} else {
			result.CreatedObjects = extracted
		}
	}
	return result, nil
}

func (r *Runner) runOnce(ctx context.Context, scriptText, baseDir string, timeout time.Duration) (domain.ExecutionResult, string, error) {
	workDir, err := os.MkdirTemp(baseDir, "run-*")
	if err != nil {
		return domain.ExecutionResult{}, "", fmt.Errorf("cadengine: create working dir: %w", err)
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result := r.sandbox.Execute(runCtx, scriptText, workDir)
	return result, workDir, nil
}

func hasTransientError(result domain.ExecutionResult) bool {
	for _, e := range result.Errors {
		if transientErrorCategories[e.Category] {
			return true
		}
	}
	return false
}

// documentSummary is the on-disk JSON shape the CAD engine's interpreter
// writes to state.json after a successful run, inside the same subprocess
// invocation that executed the script (spec §4.3 "extraction runs in the
// same subprocess as execution to avoid reopening the document").
type documentSummary struct {
	Objects []domain.ObjectSummary `json:"objects"`
}

// extractFromWorkDir reads the state.json sidecar the interpreter wrote
// into workDir and converts it into ObjectSummary records.
func (r *Runner) extractFromWorkDir(workDir string) ([]domain.ObjectSummary, error) {
	return r.ExtractState(filepath.Join(workDir, "state.json"))
}

// ExtractState reads the post-run CAD document's structured state sidecar
// and returns the created_objects summary (spec §4.3 `extract_state`).
func (r *Runner) ExtractState(documentStatePath string) ([]domain.ObjectSummary, error) {
	data, err := os.ReadFile(documentStatePath)
	if err != nil {
		return nil, fmt.Errorf("cadengine: read document state: %w", err)
	}
	var summary documentSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("cadengine: parse document state: %w", err)
	}
	return summary.Objects, nil
}

// exportSidecar is the JSON document written alongside every exported
// artifact (spec §6 "paired with a JSON sidecar containing run_id, prompt
// hash, timestamp, and the source task graph"), letting a downstream
// consumer trace an artifact back to the prompt and plan that produced it
// without round-tripping through the audit log.
type exportSidecar struct {
	RunID      string          `json:"run_id"`
	PromptHash string          `json:"prompt_hash"`
	Timestamp  time.Time       `json:"timestamp"`
	TaskGraph  *taskgraph.Graph `json:"task_graph"`
}

// PromptHash returns the hex-encoded SHA-256 digest of prompt, used to tie
// an export's sidecar back to the user prompt without embedding the prompt
// text itself in every artifact's metadata.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Export copies the produced document to destination in the requested
// format, delegating the actual geometry conversion to the CAD engine's own
// export subcommand run through the sandbox's interpreter (spec §4.3
// `export`). It writes a JSON sidecar next to the artifact recording runID,
// a hash of userPrompt, the export timestamp, and graph, then logs an
// export_completed audit event. It returns the path to the exported
// artifact.
func (r *Runner) Export(ctx context.Context, runID, userPrompt string, graph *taskgraph.Graph, documentPath string, format ExportFormat, destination string) (string, error) {
	switch format {
	case ExportFormatNative, ExportFormatSTEP, ExportFormatSTL:
	default:
		return "", fmt.Errorf("cadengine: unsupported export format %q", format)
	}
	ext := map[ExportFormat]string{
		ExportFormatNative: ".cad",
		ExportFormatSTEP:   ".step",
		ExportFormatSTL:    ".stl",
	}[format]
	artifactPath := destination + ext
	exportScript := fmt.Sprintf("from cadkit import export_document\nexport_document(%q, %q, %q)\n", documentPath, string(format), artifactPath)
	result := r.sandbox.Execute(ctx, exportScript, filepath.Dir(artifactPath))
	if !result.Success {
		return "", fmt.Errorf("cadengine: export failed: %s", result.Stderr)
	}

	sidecarPath := artifactPath + ".json"
	sidecar := exportSidecar{
		RunID:      runID,
		PromptHash: PromptHash(userPrompt),
		Timestamp:  time.Now().UTC(),
		TaskGraph:  graph,
	}
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cadengine: marshal export sidecar: %w", err)
	}
	if err := os.WriteFile(sidecarPath, data, 0o644); err != nil {
		return "", fmt.Errorf("cadengine: write export sidecar: %w", err)
	}

	if r.audit != nil {
		r.audit.RecordExportCompleted(ctx, runID, format, artifactPath, sidecarPath)
	}
	return artifactPath, nil
}
