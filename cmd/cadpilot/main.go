// Command cadpilot drives one design pipeline run end to end: it reads a
// natural-language design prompt, wires the Planner/Generator/Validator
// agents and the CAD sandbox behind the pipeline orchestrator, and prints
// each RunState snapshot as the run progresses.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"cadpilot.dev/cadpilot/runtime/audit"
	"cadpilot.dev/cadpilot/runtime/audit/inmem"
	"cadpilot.dev/cadpilot/runtime/cadengine"
	"cadpilot.dev/cadpilot/runtime/config"
	"cadpilot.dev/cadpilot/runtime/generator"
	"cadpilot.dev/cadpilot/runtime/model"
	"cadpilot.dev/cadpilot/runtime/model/anthropic"
	"cadpilot.dev/cadpilot/runtime/model/openai"
	"cadpilot.dev/cadpilot/runtime/orchestrator"
	orchinmem "cadpilot.dev/cadpilot/runtime/orchestrator/inmem"
	"cadpilot.dev/cadpilot/runtime/planner"
	"cadpilot.dev/cadpilot/runtime/prompt"
	"cadpilot.dev/cadpilot/runtime/runstate"
	runstateinmem "cadpilot.dev/cadpilot/runtime/runstate/inmem"
	"cadpilot.dev/cadpilot/runtime/sandbox"
	"cadpilot.dev/cadpilot/runtime/telemetry"
	"cadpilot.dev/cadpilot/runtime/validator"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (optional)")
		envFile    = flag.String("env-file", ".env", "path to a .env file to load before reading config")
		promptFlag = flag.String("prompt", "", "the design prompt to run")
	)
	flag.Parse()

	if strings.TrimSpace(*promptFlag) == "" {
		fmt.Fprintln(os.Stderr, "cadpilot: -prompt is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cadpilot: load config:", err)
		os.Exit(1)
	}

	o, err := build(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cadpilot: build pipeline:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	runID := uuid.NewString()
	snapshots, err := o.Run(ctx, runID, *promptFlag, runID, cfg.Orchestrator.MaxIterations)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cadpilot: start run:", err)
		os.Exit(1)
	}

	var final runstate.RunState
	for state := range snapshots {
		final = state
		fmt.Printf("[%s] status=%s iteration=%d/%d\n", state.RunID, state.Status, state.Iteration, state.MaxIterations)
	}

	if final.Status != runstate.StatusSucceeded {
		if final.Error != nil {
			fmt.Fprintf(os.Stderr, "cadpilot: run %s did not succeed: %s: %s\n", final.RunID, final.Error.Category, final.Error.Message)
		}
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(final, "", "  ")
	fmt.Println(string(out))
}

// build wires every pipeline component from cfg, grounded on the same
// explicit-construction style the teacher's cmd/demo/main.go uses: no
// dependency-injection framework, every collaborator passed by hand.
func build(cfg config.Config) (*orchestrator.Orchestrator, error) {
	logger := telemetry.NewNoopLogger()
	metrics := telemetry.NewNoopMetrics()

	auditStore := inmem.New(metrics)

	clients, err := buildClients(cfg)
	if err != nil {
		return nil, err
	}
	registry := buildRegistry(cfg)

	provider := model.NewProvider(model.ProviderOptions{
		Clients:  clients,
		Registry: registry,
		Audit:    audit.Sink{Store: auditStore},
		Logger:   logger,
	})

	prompts := prompt.NewDefaultRegistry()

	if cfg.FreeCAD.EnginePath == "" {
		return nil, fmt.Errorf("cadpilot: freecad.engine_path is required")
	}
	sb, err := sandbox.New(sandbox.Options{
		InterpreterPath: cfg.FreeCAD.EnginePath,
		Timeout:         cfg.SandboxTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("cadpilot: build sandbox: %w", err)
	}

	cadRunner, err := cadengine.New(cadengine.Options{
		Sandbox:     sb,
		Concurrency: cfg.Sandbox.ConcurrentLimit,
		Audit:       audit.Sink{Store: auditStore},
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("cadpilot: build cadengine: %w", err)
	}

	plannerAgent := planner.New(planner.Options{
		Provider: provider,
		Prompts:  prompts,
		Audit:    audit.Sink{Store: auditStore},
		Logger:   logger,
	})
	generatorAgent := generator.New(generator.Options{
		Provider: provider,
		Prompts:  prompts,
		Sandbox:  sb,
		Logger:   logger,
	})
	validatorAgent := validator.New(validator.Options{
		Provider: provider,
		Prompts:  prompts,
		Logger:   logger,
	})

	states := runstateinmem.New()
	engine := orchinmem.New(logger, metrics)

	return orchestrator.New(orchestrator.Options{
		Engine:    engine,
		Planner:   plannerAgent,
		Generator: generatorAgent,
		CADEngine: cadRunner,
		Validator: validatorAgent,
		States:    states,
		Audit:     auditStore,
		Logger:    logger,
		Metrics:   metrics,
		AgentTimeouts: orchestrator.AgentTimeouts{
			Planner:   time.Duration(cfg.Orchestrator.AgentTimeoutSeconds.Planner) * time.Second,
			Generator: time.Duration(cfg.Orchestrator.AgentTimeoutSeconds.Generator) * time.Second,
			Validator: time.Duration(cfg.Orchestrator.AgentTimeoutSeconds.Validator) * time.Second,
		},
		SandboxTimeout: cfg.SandboxTimeout(),
	}), nil
}

// buildClients constructs one model.Client per configured provider and
// registers it under every model identifier in the role registry that
// plausibly belongs to that vendor, so Provider.Complete's per-model
// lookup succeeds regardless of which role chain picked the model.
func buildClients(cfg config.Config) (map[string]model.Client, error) {
	clients := make(map[string]model.Client)

	policies := mergedPolicies(cfg)
	var allModels []string
	for _, p := range policies {
		allModels = append(allModels, p.Primary)
		allModels = append(allModels, p.Fallbacks...)
	}

	if p, ok := cfg.LLM.Providers["anthropic"]; ok && p.APIKey != "" {
		c, err := anthropic.NewFromAPIKey(p.APIKey, firstMatching(allModels, isAnthropicModel))
		if err != nil {
			return nil, fmt.Errorf("cadpilot: build anthropic client: %w", err)
		}
		registerFor(clients, c, allModels, isAnthropicModel)
	}
	if p, ok := cfg.LLM.Providers["openai"]; ok && p.APIKey != "" {
		c, err := openai.NewFromAPIKey(p.APIKey, firstMatching(allModels, isOpenAIModel))
		if err != nil {
			return nil, fmt.Errorf("cadpilot: build openai client: %w", err)
		}
		registerFor(clients, c, allModels, isOpenAIModel)
	}
	// Bedrock is reachable through runtime/model/bedrock for processes that
	// construct their own *bedrockruntime.Client from an AWS credential
	// chain; this CLI driver only wires vendor APIs that take a bearer
	// api_key, so it does not register a Bedrock client here.

	if len(clients) == 0 {
		return nil, fmt.Errorf("cadpilot: no llm.providers configured with an api_key")
	}

	if cfg.LLM.RateLimiter.Enabled {
		limiter := model.NewAdaptiveRateLimiter(cfg.LLM.RateLimiter.InitialTPM, cfg.LLM.RateLimiter.MaxTPM)
		wrap := limiter.Middleware()
		for id, c := range clients {
			clients[id] = wrap(c)
		}
	}
	return clients, nil
}

func registerFor(clients map[string]model.Client, c model.Client, modelIDs []string, match func(string) bool) {
	for _, id := range modelIDs {
		if match(id) {
			clients[id] = c
		}
	}
}

func firstMatching(modelIDs []string, match func(string) bool) string {
	for _, id := range modelIDs {
		if match(id) {
			return id
		}
	}
	return ""
}

func isAnthropicModel(id string) bool { return strings.HasPrefix(id, "claude-") }
func isOpenAIModel(id string) bool    { return strings.HasPrefix(id, "gpt-") }

func mergedPolicies(cfg config.Config) map[model.AgentRole]model.RolePolicy {
	policies := model.DefaultPolicies()
	for role, agent := range cfg.LLM.Agents {
		r := model.AgentRole(role)
		p, ok := policies[r]
		if !ok {
			p = model.RolePolicy{}
		}
		if agent.Primary != "" {
			p.Primary = agent.Primary
		}
		if agent.Fallback != "" {
			p.Fallbacks = []string{agent.Fallback}
		}
		if agent.Temperature != 0 {
			p.DefaultTemperature = agent.Temperature
		}
		if agent.MaxTokens != 0 {
			p.DefaultMaxTokens = agent.MaxTokens
		}
		policies[r] = p
	}
	return policies
}

func buildRegistry(cfg config.Config) *model.Registry {
	return model.NewRegistry(mergedPolicies(cfg))
}
