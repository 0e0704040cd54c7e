package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/temporal"
)

func TestNormalizeCancelErrorNil(t *testing.T) {
	require.NoError(t, normalizeCancelError(nil))
}

func TestNormalizeCancelErrorCanceled(t *testing.T) {
	canceled := temporal.NewCanceledError("run cancelled")
	require.ErrorIs(t, normalizeCancelError(canceled), context.Canceled)
}

func TestNormalizeCancelErrorPassesThroughOthers(t *testing.T) {
	other := serviceerror.NewNotFound("workflow not found")
	got := normalizeCancelError(other)
	require.ErrorIs(t, got, other)
}

func TestNormalizeCancelErrorPassesThroughPlainErrors(t *testing.T) {
	want := errors.New("transport unavailable")
	require.ErrorIs(t, normalizeCancelError(want), want)
}
