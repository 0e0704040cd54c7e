package model

import (
	"context"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"cadpilot.dev/cadpilot/runtime/retry"
	"cadpilot.dev/cadpilot/runtime/telemetry"
)

// AuditSink receives the llm_call audit event recorded for each model the
// fallback chain calls: after a successful completion, and after that
// model's attempts fail (with callErr set) (spec §4.1 "records an llm_call
// audit event"). Defined here rather than depending on runtime/audit so
// that package can in turn depend on model for request/response shapes
// without a cycle; cmd/cadpilot wires a concrete runtime/audit.Sink in
// behind this interface.
type AuditSink interface {
	RecordLLMCall(ctx context.Context, correlationID string, role AgentRole, modelID string, usage TokenUsage, costUSD float64, latencyMS int64, callErr error)
}

// Provider implements the call-with-fallback algorithm over an ordered set
// of vendor Clients (spec §4.1). It is the type agents actually depend on;
// vendor adapters (anthropic, openai, bedrock) are wired in behind it.
type Provider struct {
	clients  map[string]Client // modelID -> client that serves it
	registry *Registry
	pricing  PricingTable
	costs    *CostTracker
	audit    AuditSink
	log      telemetry.Logger
	retryCfg retry.Config
}

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	// Clients maps each model identifier this process can serve to the
	// vendor Client that serves it (an anthropic.Client may be registered
	// under several Claude model ids, for instance).
	Clients  map[string]Client
	Registry *Registry
	Pricing  PricingTable
	Audit    AuditSink
	Logger   telemetry.Logger
	// RetryConfig overrides retry.DefaultConfig's base-1s/factor-2/max-3
	// schedule (spec §4.1).
	RetryConfig *retry.Config
}

// NewProvider constructs a Provider.
func NewProvider(opts ProviderOptions) *Provider {
	cfg := retry.DefaultConfig()
	if opts.RetryConfig != nil {
		cfg = *opts.RetryConfig
	}
	pricing := opts.Pricing
	if pricing == nil {
		pricing = DefaultPricingTable()
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Provider{
		clients:  opts.Clients,
		registry: opts.Registry,
		pricing:  pricing,
		costs:    NewCostTracker(),
		audit:    opts.Audit,
		log:      log,
		retryCfg: cfg,
	}
}

// Costs returns the process-wide cost tracker so operators can surface it
// on a metrics/debug endpoint.
func (p *Provider) Costs() *CostTracker { return p.costs }

// Complete runs the call-with-fallback algorithm: for each model in role's
// configured chain, attempt the call with exponential backoff on retryable
// errors only; on non-retryable errors or retry exhaustion for that model,
// advance to the next model. If every model is exhausted, returns
// ErrUnavailableAllModels wrapping the collected per-model errors.
func (p *Provider) Complete(ctx context.Context, role AgentRole, correlationID string, req *Request) (*Response, error) {
	p.registry.ApplyDefaults(role, req)
	chain := p.registry.ModelChain(role)
	if req.Model != "" {
		chain = []string{req.Model}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("model: no model configured for role %q", role)
	}

	var errs []error
	for _, modelID := range chain {
		client, ok := p.clients[modelID]
		if !ok {
			errs = append(errs, &ProviderError{Model: modelID, Kind: ErrorKindInvalidResp, Message: "no client registered for model", Retryable: false})
			continue
		}

		attemptReq := *req
		attemptReq.Model = modelID

		var resp *Response
		var lastErr error
		err := retry.Do(ctx, p.retryCfg, IsRetryable, func(ctx context.Context) error {
			start := time.Now()
			r, callErr := p.completeOnce(ctx, client, &attemptReq)
			latency := time.Since(start)
			if callErr != nil {
				lastErr = callErr
				p.log.Warn(ctx, "llm call failed", "model", modelID, "role", string(role), "error", callErr.Error())
				return callErr
			}
			r.LatencyMS = latency.Milliseconds()
			resp = r
			return nil
		})

		if err == nil {
			cost := p.pricing.Cost(modelID, resp.Usage)
			resp.CostUSD = cost
			p.costs.Record(modelID, role, resp.Usage, cost)
			if p.audit != nil {
				p.audit.RecordLLMCall(ctx, correlationID, role, modelID, resp.Usage, cost, resp.LatencyMS, nil)
			}
			return resp, nil
		}

		if p.audit != nil {
			p.audit.RecordLLMCall(ctx, correlationID, role, modelID, TokenUsage{}, 0, 0, err)
		}
		if lastErr != nil {
			errs = append(errs, lastErr)
		} else {
			errs = append(errs, err)
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUnavailableAllModels, errs)
}

// completeOnce performs a single attempt against client, applying JSON-mode
// schema validation with a single same-model retry on malformed JSON (spec
// §4.1 "schema validation failure is a retryable error, up to once within
// the same model").
func (p *Provider) completeOnce(ctx context.Context, client Client, req *Request) (*Response, error) {
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Schema == nil {
		return resp, nil
	}
	if err := validateJSON(req.Schema, resp.Content); err != nil {
		// One same-model retry for malformed JSON-mode output.
		resp2, err2 := client.Complete(ctx, req)
		if err2 != nil {
			return nil, err2
		}
		if err := validateJSON(req.Schema, resp2.Content); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
		}
		return resp2, nil
	}
	return resp, nil
}

// Stream delegates to the primary model's client with no retry and no
// fallback: streaming failures are terminal (spec §4.1).
func (p *Provider) Stream(ctx context.Context, role AgentRole, req *Request) (Streamer, error) {
	p.registry.ApplyDefaults(role, req)
	modelID := req.Model
	if modelID == "" {
		chain := p.registry.ModelChain(role)
		if len(chain) == 0 {
			return nil, fmt.Errorf("model: no model configured for role %q", role)
		}
		modelID = chain[0]
	}
	client, ok := p.clients[modelID]
	if !ok {
		return nil, fmt.Errorf("model: no client registered for model %q", modelID)
	}
	req.Model = modelID
	return client.Stream(ctx, req)
}

func validateJSON(schema *ResponseSchema, content string) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return err
	}
	var instance any
	if err := jsonUnmarshal(content, &instance); err != nil {
		return err
	}
	return compiled.Validate(instance)
}

func compileSchema(schema *ResponseSchema) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytesReader(schema.Schema))
	if err != nil {
		return nil, err
	}
	resourceName := schema.Name
	if resourceName == "" {
		resourceName = "schema.json"
	}
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}
