package prompt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/prompt"
)

func TestDefaultRegistryServesAllRoles(t *testing.T) {
	r := prompt.NewDefaultRegistry()
	for _, role := range []prompt.Role{prompt.RolePlanner, prompt.RoleGenerator, prompt.RoleValidator} {
		b, err := r.SystemPrompt(role)
		require.NoError(t, err)
		require.NotEmpty(t, b.Text)
		require.NotEmpty(t, b.Version)
	}
}

func TestDefaultRegistryServesFewShotByComplexity(t *testing.T) {
	r := prompt.NewDefaultRegistry()
	for _, c := range []prompt.Complexity{prompt.ComplexitySimple, prompt.ComplexityIntermediate, prompt.ComplexityComplex} {
		b, err := r.FewShot(prompt.RolePlanner, c)
		require.NoError(t, err)
		require.NotEmpty(t, b.Text)
	}
}

func TestMissingLookupReturnsErrMissing(t *testing.T) {
	r := prompt.New()
	_, err := r.SystemPrompt(prompt.RolePlanner)
	require.Error(t, err)
	var missing *prompt.ErrMissing
	require.ErrorAs(t, err, &missing)
}

func TestClassifyComplexitySimple(t *testing.T) {
	require.Equal(t, prompt.ComplexitySimple, prompt.ClassifyComplexity("a 10mm cube"))
}

func TestClassifyComplexityComplex(t *testing.T) {
	require.Equal(t, prompt.ComplexityComplex, prompt.ClassifyComplexity(
		"a bracket assembly with a mounting plate, two gussets, a fillet on every edge, and a thread pattern for the mount"))
}

func TestClassifyComplexityIntermediate(t *testing.T) {
	require.Equal(t, prompt.ComplexityIntermediate, prompt.ClassifyComplexity("a plate with a hole pattern for bolts"))
}
