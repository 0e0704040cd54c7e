package model

import "sync"

// Price is the per-million-token cost of a model, in USD.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// PricingTable maps a model identifier to its Price. Unknown models cost
// nothing (CostUSD stays 0) rather than failing the call — cost accounting
// is observability, not a gate on whether a run can proceed.
type PricingTable map[string]Price

// DefaultPricingTable seeds representative prices for the models named in
// DefaultPolicies. Callers can override it via ProviderOptions.Pricing.
func DefaultPricingTable() PricingTable {
	return PricingTable{
		"claude-sonnet-4-5":                             {InputPerMillion: 3.00, OutputPerMillion: 15.00},
		"claude-haiku-4-5":                               {InputPerMillion: 0.80, OutputPerMillion: 4.00},
		"gpt-4.1":                                        {InputPerMillion: 2.00, OutputPerMillion: 8.00},
		"gpt-4.1-mini":                                    {InputPerMillion: 0.40, OutputPerMillion: 1.60},
		"anthropic.claude-3-5-sonnet-20241022-v2:0":       {InputPerMillion: 3.00, OutputPerMillion: 15.00},
		"anthropic.claude-3-5-haiku-20241022-v1:0":        {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	}
}

// Cost returns the USD cost of a call given its usage, using t's price for
// model. Unknown models return 0.
func (t PricingTable) Cost(modelID string, usage TokenUsage) float64 {
	p, ok := t[modelID]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1_000_000*p.InputPerMillion +
		float64(usage.CompletionTokens)/1_000_000*p.OutputPerMillion
}

// costKey identifies one (model, role) bucket in the usage counter.
type costKey struct {
	Model string
	Role  AgentRole
}

// CostTracker accumulates token and USD cost per (model, role), matching
// spec §4.1's "process-wide counter keyed by (model, role)".
type CostTracker struct {
	mu      sync.Mutex
	buckets map[costKey]*CostBucket
}

// CostBucket is the running total for one (model, role) pair.
type CostBucket struct {
	Calls      int
	Usage      TokenUsage
	CostUSD    float64
}

// NewCostTracker constructs an empty tracker.
func NewCostTracker() *CostTracker {
	return &CostTracker{buckets: make(map[costKey]*CostBucket)}
}

// Record adds one successful call's usage/cost to the (model, role) bucket.
func (t *CostTracker) Record(modelID string, role AgentRole, usage TokenUsage, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := costKey{Model: modelID, Role: role}
	b, ok := t.buckets[k]
	if !ok {
		b = &CostBucket{}
		t.buckets[k] = b
	}
	b.Calls++
	b.Usage.PromptTokens += usage.PromptTokens
	b.Usage.CompletionTokens += usage.CompletionTokens
	b.Usage.TotalTokens += usage.TotalTokens
	b.CostUSD += costUSD
}

// Snapshot returns a copy of the current per-(model,role) totals.
func (t *CostTracker) Snapshot() map[string]CostBucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]CostBucket, len(t.buckets))
	for k, b := range t.buckets {
		out[string(k.Role)+"/"+k.Model] = *b
	}
	return out
}
