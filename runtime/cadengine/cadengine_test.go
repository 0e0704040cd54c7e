package cadengine_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/cadengine"
	"cadpilot.dev/cadpilot/runtime/sandbox"
)

func newRunner(t *testing.T, concurrency int) *cadengine.Runner {
	t.Helper()
	sb, err := sandbox.New(sandbox.Options{InterpreterPath: "/usr/bin/true"})
	require.NoError(t, err)
	r, err := cadengine.New(cadengine.Options{Sandbox: sb, Concurrency: concurrency})
	require.NoError(t, err)
	return r
}

func TestNewRejectsNilSandbox(t *testing.T) {
	_, err := cadengine.New(cadengine.Options{})
	require.Error(t, err)
}

func TestRunScriptFailsValidationWithoutSubprocess(t *testing.T) {
	r := newRunner(t, 2)
	result, err := r.RunScript(t.Context(), "import os", t.TempDir(), time.Second)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	require.Equal(t, "validation_failed", result.Errors[0].Category)
}

func TestExtractStateParsesSidecar(t *testing.T) {
	r := newRunner(t, 2)
	dir := t.TempDir()
	summary := `{"objects":[{"name":"Box1","type":"solid","bounding_box":[0,0,0,10,20,30],"volume":6000,"surface_count":6}]}`
	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte(summary), 0o600))

	objects, err := r.ExtractState(statePath)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, "Box1", objects[0].Name)
	require.Equal(t, 6000.0, objects[0].Volume)
}

func TestExtractStateMissingFileErrors(t *testing.T) {
	r := newRunner(t, 2)
	_, err := r.ExtractState(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestExportRejectsUnsupportedFormat(t *testing.T) {
	r := newRunner(t, 2)
	_, err := r.Export(t.Context(), "run-1", "a box", nil, "doc.cad", cadengine.ExportFormat("obj"), filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
}

func TestPromptHashIsStableAndContentSensitive(t *testing.T) {
	require.Equal(t, cadengine.PromptHash("a box"), cadengine.PromptHash("a box"))
	require.NotEqual(t, cadengine.PromptHash("a box"), cadengine.PromptHash("a cylinder"))
}

func TestDocumentSummaryRoundTripsThroughJSON(t *testing.T) {
	r := newRunner(t, 2)
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	payload := map[string]any{
		"objects": []map[string]any{
			{"name": "Plate", "type": "solid", "bounding_box": [6]float64{0, 0, 0, 100, 50, 5}, "volume": 25000, "surface_count": 6},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statePath, raw, 0o600))

	objects, err := r.ExtractState(statePath)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, "Plate", objects[0].Name)
	require.Equal(t, 6, objects[0].SurfaceCount)
}
