package model

// AgentRole identifies which agent is issuing a request, used to look up
// the static model-selection mapping (spec §4.1 "per-agent model
// selection").
type AgentRole string

const (
	RolePlanner   AgentRole = "planner"
	RoleGenerator AgentRole = "generator"
	RoleValidator AgentRole = "validator"
)

// RolePolicy is the static {primary, fallback, defaults} mapping for one
// agent role. Environment overrides are read once at startup by the config
// loader and applied to the Registry before the orchestrator starts.
type RolePolicy struct {
	Primary            string
	Fallbacks          []string
	DefaultTemperature float64
	DefaultMaxTokens   int
}

// Registry is the single source of truth mapping an agent role to the
// ordered list of models the fallback chain should try, and the request
// defaults to apply when a Request leaves Temperature/MaxTokens unset.
type Registry struct {
	policies map[AgentRole]RolePolicy
}

// NewRegistry builds a Registry from the given per-role policies.
func NewRegistry(policies map[AgentRole]RolePolicy) *Registry {
	cloned := make(map[AgentRole]RolePolicy, len(policies))
	for role, p := range policies {
		cloned[role] = p
	}
	return &Registry{policies: cloned}
}

// ModelChain returns the ordered [primary, fallback1, fallback2, ...] model
// identifiers configured for role.
func (r *Registry) ModelChain(role AgentRole) []string {
	p, ok := r.policies[role]
	if !ok {
		return nil
	}
	chain := make([]string, 0, 1+len(p.Fallbacks))
	chain = append(chain, p.Primary)
	chain = append(chain, p.Fallbacks...)
	return chain
}

// ApplyDefaults fills in Temperature/MaxTokens on req from role's policy
// when the request left them at their zero value.
func (r *Registry) ApplyDefaults(role AgentRole, req *Request) {
	p, ok := r.policies[role]
	if !ok {
		return
	}
	if req.Temperature == 0 {
		req.Temperature = p.DefaultTemperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = p.DefaultMaxTokens
	}
}

// DefaultPolicies returns a reasonable out-of-the-box mapping: Anthropic
// Claude models as primary for every role, with an OpenAI model as fallback
// and a Bedrock-hosted model as the final fallback, matching the three
// vendor adapters this module ships (anthropic, openai, bedrock).
func DefaultPolicies() map[AgentRole]RolePolicy {
	return map[AgentRole]RolePolicy{
		RolePlanner: {
			Primary:            "claude-sonnet-4-5",
			Fallbacks:          []string{"gpt-4.1", "anthropic.claude-3-5-sonnet-20241022-v2:0"},
			DefaultTemperature: 0.2,
			DefaultMaxTokens:   4096,
		},
		RoleGenerator: {
			Primary:            "claude-sonnet-4-5",
			Fallbacks:          []string{"gpt-4.1", "anthropic.claude-3-5-sonnet-20241022-v2:0"},
			DefaultTemperature: 0.1,
			DefaultMaxTokens:   8192,
		},
		RoleValidator: {
			Primary:            "claude-haiku-4-5",
			Fallbacks:          []string{"gpt-4.1-mini", "anthropic.claude-3-5-haiku-20241022-v1:0"},
			DefaultTemperature: 0.0,
			DefaultMaxTokens:   2048,
		},
	}
}
