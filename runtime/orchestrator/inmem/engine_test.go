package inmem_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/orchestrator"
	"cadpilot.dev/cadpilot/runtime/orchestrator/inmem"
)

type greeting struct {
	Text string
}

func TestExecuteActivityAssignsPointerResult(t *testing.T) {
	eng := inmem.New(nil, nil)
	ctx := context.Background()

	require.NoError(t, eng.RegisterActivity(ctx, "greet", func(ctx context.Context, input any) (any, error) {
		name := input.(string)
		return &greeting{Text: "hello " + name}, nil
	}))
	require.NoError(t, eng.RegisterWorkflow(ctx, "greet_workflow", func(wctx orchestrator.WorkflowContext, input any) (any, error) {
		var out greeting
		if err := wctx.ExecuteActivity(wctx.Context(), "greet", input, &out, time.Second); err != nil {
			return nil, err
		}
		return out, nil
	}))

	handle, err := eng.StartWorkflow(ctx, orchestrator.WorkflowStartRequest{ID: "run-1", Workflow: "greet_workflow", Input: "world"})
	require.NoError(t, err)

	result, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, greeting{Text: "hello world"}, result)
}

func TestExecuteActivityPropagatesError(t *testing.T) {
	eng := inmem.New(nil, nil)
	ctx := context.Background()

	boom := errors.New("boom")
	require.NoError(t, eng.RegisterActivity(ctx, "fail", func(ctx context.Context, input any) (any, error) {
		return nil, boom
	}))
	require.NoError(t, eng.RegisterWorkflow(ctx, "fail_workflow", func(wctx orchestrator.WorkflowContext, input any) (any, error) {
		var out string
		err := wctx.ExecuteActivity(wctx.Context(), "fail", nil, &out, time.Second)
		return nil, err
	}))

	handle, err := eng.StartWorkflow(ctx, orchestrator.WorkflowStartRequest{ID: "run-2", Workflow: "fail_workflow"})
	require.NoError(t, err)

	_, err = handle.Wait(ctx)
	require.ErrorIs(t, err, boom)
}

func TestCancelSetsCancelledFlag(t *testing.T) {
	eng := inmem.New(nil, nil)
	ctx := context.Background()

	seenCancelled := make(chan bool, 1)
	require.NoError(t, eng.RegisterWorkflow(ctx, "watch_cancel", func(wctx orchestrator.WorkflowContext, input any) (any, error) {
		<-wctx.Context().Done()
		seenCancelled <- wctx.Cancelled()
		return nil, wctx.Context().Err()
	}))

	handle, err := eng.StartWorkflow(ctx, orchestrator.WorkflowStartRequest{ID: "run-3", Workflow: "watch_cancel"})
	require.NoError(t, err)

	require.NoError(t, handle.Cancel(ctx))
	require.True(t, <-seenCancelled)

	_, err = handle.Wait(ctx)
	require.Error(t, err)
}

func TestDuplicateWorkflowRegistrationFails(t *testing.T) {
	eng := inmem.New(nil, nil)
	ctx := context.Background()
	noop := func(orchestrator.WorkflowContext, any) (any, error) { return nil, nil }

	require.NoError(t, eng.RegisterWorkflow(ctx, "dup", noop))
	require.Error(t, eng.RegisterWorkflow(ctx, "dup", noop))
}
