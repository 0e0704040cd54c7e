package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/config"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
freecad:
  engine_path: /usr/bin/freecadcmd
sandbox:
  concurrent_limit: 8
`)

	cfg, err := config.Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/freecadcmd", cfg.FreeCAD.EnginePath)
	require.Equal(t, 8, cfg.Sandbox.ConcurrentLimit)
	require.Equal(t, 60, cfg.Sandbox.ExecutionTimeoutSeconds, "untouched default survives the merge")
	require.Equal(t, 5, cfg.Orchestrator.MaxIterations)
}

func TestLoadRejectsInlineAPIKey(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
llm:
  providers:
    anthropic:
      api_key: sk-should-not-be-here
`)

	_, err := config.Load(path, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "input_error")
}

func TestLoadOverlaysAPIKeyFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
llm:
  providers:
    anthropic: {}
`)

	t.Setenv("CADPILOT_LLM_ANTHROPIC_API_KEY", "sk-from-env")

	cfg, err := config.Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "sk-from-env", cfg.LLM.Providers["anthropic"].APIKey)
}

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("", "")
	require.NoError(t, err)
	require.Equal(t, config.Defaults(), cfg)
}

func TestDurationHelpers(t *testing.T) {
	cfg := config.Defaults()
	require.Equal(t, 60_000_000_000, int(cfg.SandboxTimeout()))
	require.Equal(t, 86400_000_000_000, int(cfg.RunTTL()))
	require.Equal(t, 600_000_000_000, int(cfg.StaleThreshold()))
}
