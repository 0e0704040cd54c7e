package audit

import (
	"context"

	"cadpilot.dev/cadpilot/runtime/cadengine"
	"cadpilot.dev/cadpilot/runtime/model"
	"cadpilot.dev/cadpilot/runtime/taskgraph"
)

// Sink adapts a Store into the audit-recording interfaces the model,
// planner, and cadengine packages each declare locally (model.AuditSink,
// planner.AuditSink, cadengine.AuditSink) to avoid those packages importing
// runtime/audit. Wiring one Sink into all of them gives every LLM call,
// generated plan, and export a single underlying event log.
type Sink struct {
	Store Store
}

// llmCallPayload is the event body recorded for RecordLLMCall.
type llmCallPayload struct {
	Role      string         `json:"role"`
	Model     string         `json:"model"`
	Usage     model.TokenUsage `json:"usage"`
	CostUSD   float64        `json:"cost_usd"`
	LatencyMS int64          `json:"latency_ms"`
	Error     string         `json:"error,omitempty"`
}

// RecordLLMCall implements runtime/model.AuditSink.
func (s Sink) RecordLLMCall(ctx context.Context, correlationID string, role model.AgentRole, modelID string, usage model.TokenUsage, costUSD float64, latencyMS int64, callErr error) {
	payload := llmCallPayload{
		Role:      string(role),
		Model:     modelID,
		Usage:     usage,
		CostUSD:   costUSD,
		LatencyMS: latencyMS,
	}
	if callErr != nil {
		payload.Error = callErr.Error()
	}
	s.Store.LogEvent(ctx, correlationID, "llm_call", payload)
}

// planGeneratedPayload is the event body recorded for RecordPlanGenerated.
type planGeneratedPayload struct {
	NodeCount int                          `json:"node_count"`
	Histogram map[taskgraph.Operation]int `json:"operation_histogram"`
}

// RecordPlanGenerated implements runtime/planner.AuditSink.
func (s Sink) RecordPlanGenerated(ctx context.Context, runID string, nodeCount int, histogram map[taskgraph.Operation]int) {
	s.Store.LogEvent(ctx, runID, "plan_generated", planGeneratedPayload{
		NodeCount: nodeCount,
		Histogram: histogram,
	})
}

// exportCompletedPayload is the event body recorded for
// RecordExportCompleted.
type exportCompletedPayload struct {
	Format       string `json:"format"`
	ArtifactPath string `json:"artifact_path"`
	SidecarPath  string `json:"sidecar_path"`
}

// RecordExportCompleted implements runtime/cadengine.AuditSink.
func (s Sink) RecordExportCompleted(ctx context.Context, runID string, format cadengine.ExportFormat, artifactPath, sidecarPath string) {
	s.Store.LogEvent(ctx, runID, "export_completed", exportCompletedPayload{
		Format:       string(format),
		ArtifactPath: artifactPath,
		SidecarPath:  sidecarPath,
	})
}
