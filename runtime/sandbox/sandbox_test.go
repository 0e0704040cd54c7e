package sandbox_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/sandbox"
)

func newSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	s, err := sandbox.New(sandbox.Options{InterpreterPath: "/usr/bin/true"})
	require.NoError(t, err)
	return s
}

func TestValidateAcceptsAllowedScript(t *testing.T) {
	s := newSandbox(t)
	result := s.Validate(`from cadkit import Box
b = Box(10, 20, 30)
`)
	require.True(t, result.OK, "reasons: %v", result.Reasons)
}

func TestValidateRejectsBlockedIdentifier(t *testing.T) {
	s := newSandbox(t)
	result := s.Validate(`import os
os.system("rm -rf /")`)
	require.False(t, result.OK)
	require.Contains(t, result.Reasons, `blocked identifier "os"`)
}

func TestValidateRejectsDisallowedImport(t *testing.T) {
	s := newSandbox(t)
	result := s.Validate(`import requests
requests.get("http://example.com")`)
	require.False(t, result.OK)
	require.Contains(t, result.Reasons, `import "requests" is not in the allow-list`)
}

func TestValidateIgnoresBlockedWordsInsideStringLiterals(t *testing.T) {
	s := newSandbox(t)
	result := s.Validate(`from cadkit import Box
b = Box(10, 20, 30)
b.name = "do not os.system this"
`)
	require.True(t, result.OK, "reasons: %v", result.Reasons)
}

func TestValidateRejectsUnbalancedScript(t *testing.T) {
	s := newSandbox(t)
	result := s.Validate(`from cadkit import Box
b = Box(10, 20, 30`)
	require.False(t, result.OK)
	require.Len(t, result.Reasons, 1)
}

func TestExecuteSkipsSubprocessOnValidationFailure(t *testing.T) {
	s := newSandbox(t)
	result := s.Execute(t.Context(), `import os`, t.TempDir())
	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	require.Equal(t, "validation_failed", result.Errors[0].Category)
}
