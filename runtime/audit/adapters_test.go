package audit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/audit"
	"cadpilot.dev/cadpilot/runtime/audit/inmem"
	"cadpilot.dev/cadpilot/runtime/cadengine"
	"cadpilot.dev/cadpilot/runtime/model"
	"cadpilot.dev/cadpilot/runtime/taskgraph"
)

func TestSinkRecordLLMCallLogsEvent(t *testing.T) {
	store := inmem.New(nil)
	sink := audit.Sink{Store: store}

	var types []string
	unsubscribe := store.Subscribe("run-1", func(e audit.Event) { types = append(types, e.Type) })
	defer unsubscribe()

	sink.RecordLLMCall(context.Background(), "run-1", model.RolePlanner, "claude-x", model.TokenUsage{TotalTokens: 42}, 0.01, 120, nil)
	sink.RecordLLMCall(context.Background(), "run-1", model.RolePlanner, "claude-x", model.TokenUsage{}, 0, 0, errors.New("boom"))

	sink.RecordPlanGenerated(context.Background(), "run-1", 3, map[taskgraph.Operation]int{"box": 2, "fillet": 1})
	sink.RecordExportCompleted(context.Background(), "run-1", cadengine.ExportFormatSTEP, "/out/run-1.step", "/out/run-1.step.json")
	require.Equal(t, []string{"llm_call", "llm_call", "plan_generated", "export_completed"}, types)
}
