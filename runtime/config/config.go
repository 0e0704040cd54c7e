// Package config loads the orchestrator's recognized settings from a YAML
// file with an environment-variable overlay for secrets. Provider API keys
// are never read from the file: spec §6 requires them to come from the
// environment only, so a key ending in "api_key" found in the YAML file is
// rejected outright.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting spec §6 recognizes.
type Config struct {
	FreeCAD      FreeCAD                `yaml:"freecad"`
	Sandbox      Sandbox                `yaml:"sandbox"`
	Orchestrator Orchestrator           `yaml:"orchestrator"`
	Store        Store                  `yaml:"store"`
	LLM          LLM                    `yaml:"llm"`
}

type FreeCAD struct {
	EnginePath  string `yaml:"engine_path"`
	HeadlessFlag string `yaml:"headless_flag"`
}

type Sandbox struct {
	ExecutionTimeoutSeconds int `yaml:"execution_timeout_seconds"`
	ConcurrentLimit         int `yaml:"concurrent_limit"`
}

type Orchestrator struct {
	MaxIterations        int `yaml:"max_iterations"`
	AgentTimeoutSeconds  AgentTimeoutSeconds `yaml:"agent_timeout_seconds"`
}

// AgentTimeoutSeconds carries the per-role timeouts spec §6 lists as a
// single setting with role-specific defaults (30s Planner/Validator, 60s
// Generator).
type AgentTimeoutSeconds struct {
	Planner   int `yaml:"planner"`
	Generator int `yaml:"generator"`
	Validator int `yaml:"validator"`
}

type Store struct {
	RunTTLSeconds          int `yaml:"run_ttl_seconds"`
	StaleThresholdSeconds  int `yaml:"stale_threshold_seconds"`
}

// LLM holds per-role model selection and per-provider credentials.
type LLM struct {
	Agents      map[string]AgentModel `yaml:"agents"`
	Providers   map[string]Provider   `yaml:"providers"`
	RateLimiter RateLimiter           `yaml:"rate_limiter"`
}

// RateLimiter configures the optional client-side tokens-per-minute budget
// layered in front of vendor-side 429 handling (spec §5). Disabled unless
// Enabled is set, since the baseline behavior is "rely on vendor-side 429
// and the retry/fallback chain".
type RateLimiter struct {
	Enabled    bool    `yaml:"enabled"`
	InitialTPM float64 `yaml:"initial_tokens_per_minute"`
	MaxTPM     float64 `yaml:"max_tokens_per_minute"`
}

type AgentModel struct {
	Primary     string  `yaml:"primary"`
	Fallback    string  `yaml:"fallback"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Provider holds connection settings for one LLM vendor. APIKey is always
// populated from the environment (applyEnvOverlay), never from YAML.
type Provider struct {
	APIKey string `yaml:"-"`
}

// Defaults returns a Config populated with spec §6's documented defaults.
func Defaults() Config {
	return Config{
		Sandbox: Sandbox{
			ExecutionTimeoutSeconds: 60,
			ConcurrentLimit:         4,
		},
		Orchestrator: Orchestrator{
			MaxIterations: 5,
			AgentTimeoutSeconds: AgentTimeoutSeconds{
				Planner:   30,
				Generator: 60,
				Validator: 30,
			},
		},
		Store: Store{
			RunTTLSeconds:         86400,
			StaleThresholdSeconds: 600,
		},
	}
}

// Load reads path, merges it over Defaults(), loads envFile (if non-empty
// and present) into the process environment for local development, and
// overlays provider API keys from the environment. It returns an
// input_error-category error (see runtime/domain.RunError.Category) if the
// file contains an api_key field or cannot be parsed.
func Load(path, envFile string) (Config, error) {
	cfg := Defaults()

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, fmt.Errorf("config: load env file %s: %w", envFile, err)
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := checkNoInlineAPIKeys(data); err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: input_error: parse %s: %w", path, err)
		}
	}

	if err := applyEnvOverlay(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// checkNoInlineAPIKeys rejects any YAML mapping key ending in "api_key" or
// "apikey", anywhere in the document, since provider credentials must come
// only from the environment (spec §6).
func checkNoInlineAPIKeys(data []byte) error {
	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("config: input_error: parse for api_key check: %w", err)
	}
	if key := findAPIKeyField(generic); key != "" {
		return fmt.Errorf("config: input_error: %q must be set via environment variable, not the config file", key)
	}
	return nil
}

func findAPIKeyField(node any) string {
	m, ok := node.(map[string]any)
	if !ok {
		return ""
	}
	for key, value := range m {
		lower := strings.ToLower(key)
		if strings.HasSuffix(lower, "api_key") || strings.HasSuffix(lower, "apikey") {
			return key
		}
		if found := findAPIKeyField(value); found != "" {
			return found
		}
	}
	return ""
}

// applyEnvOverlay populates each configured provider's APIKey from
// CADPILOT_LLM_<PROVIDER>_API_KEY.
func applyEnvOverlay(cfg *Config) error {
	if cfg.LLM.Providers == nil {
		return nil
	}
	for name, provider := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("CADPILOT_LLM_%s_API_KEY", strings.ToUpper(name))
		if key, ok := os.LookupEnv(envKey); ok {
			provider.APIKey = key
			cfg.LLM.Providers[name] = provider
		}
	}
	return nil
}

// SandboxTimeout returns Sandbox.ExecutionTimeoutSeconds as a Duration.
func (c Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.ExecutionTimeoutSeconds) * time.Second
}

// RunTTL returns Store.RunTTLSeconds as a Duration.
func (c Config) RunTTL() time.Duration {
	return time.Duration(c.Store.RunTTLSeconds) * time.Second
}

// StaleThreshold returns Store.StaleThresholdSeconds as a Duration.
func (c Config) StaleThreshold() time.Duration {
	return time.Duration(c.Store.StaleThresholdSeconds) * time.Second
}
