package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/runstate"
	"cadpilot.dev/cadpilot/runtime/runstate/inmem"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	s := runstate.New("run-1", "make a box", "corr-1", 5)

	require.NoError(t, store.Save(ctx, s))
	loaded, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, s.RunID, loaded.RunID)
	require.Equal(t, s.Status, loaded.Status)
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	store := inmem.New()
	_, err := store.Load(context.Background(), "missing")
	require.ErrorIs(t, err, runstate.ErrNotFound)
}

func TestListActiveExcludesTerminal(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	active := runstate.New("run-active", "p", "c", 5)
	done := runstate.New("run-done", "p", "c", 5)
	done.Status = runstate.StatusSucceeded

	require.NoError(t, store.Save(ctx, active))
	require.NoError(t, store.Save(ctx, done))

	ids, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"run-active"}, ids)
}

func TestDeleteRemovesState(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	require.NoError(t, store.Save(ctx, runstate.New("run-1", "p", "c", 5)))
	require.NoError(t, store.Delete(ctx, "run-1"))
	_, err := store.Load(ctx, "run-1")
	require.ErrorIs(t, err, runstate.ErrNotFound)
}
