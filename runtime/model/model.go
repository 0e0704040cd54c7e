// Package model defines the provider-agnostic LLM request/response types
// used by every agent (C1). Concrete vendor adapters live in sibling
// packages (anthropic, openai, bedrock); runtime/orchestrator and the
// agents talk only to the Client interface defined here.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// ConversationRole identifies the speaker for a Message.
	ConversationRole string

	// Message is a single chat turn.
	Message struct {
		Role    ConversationRole `json:"role"`
		Content string           `json:"content"`
	}

	// ResponseSchema constrains a Request to JSON-mode output validated
	// against the given JSON Schema document (spec §4.1 "JSON mode").
	ResponseSchema struct {
		Name   string          `json:"name"`
		Schema json.RawMessage `json:"schema"`
	}

	// TokenUsage reports token consumption for one call.
	TokenUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// Request captures the inputs to a model invocation.
	Request struct {
		// Messages is the ordered conversation, system message first when
		// present.
		Messages []Message
		// Model is the concrete provider model identifier to use. Empty
		// means "use the per-agent-role default" (see Registry).
		Model string
		// Temperature and MaxTokens default to the per-role mapping in
		// Registry when zero.
		Temperature float64
		MaxTokens   int
		// Schema, when non-nil, requests constrained JSON output validated
		// against Schema.Schema before the call is considered successful.
		Schema *ResponseSchema
		// Stream is carried on the request but not read by Provider or the
		// vendor adapters; the streaming path is chosen by calling
		// Provider.Stream (Client.Stream) instead of Complete.
		Stream bool
	}

	// Response is the result of a non-streaming invocation.
	Response struct {
		Content    string     `json:"content"`
		Usage      TokenUsage `json:"usage"`
		CostUSD    float64    `json:"cost_usd"`
		Model      string     `json:"model"`
		LatencyMS  int64      `json:"latency_ms"`
	}

	// Chunk is one fragment of a streamed completion.
	Chunk struct {
		Delta      string      `json:"delta"`
		Done       bool        `json:"done"`
		UsageDelta *TokenUsage `json:"usage_delta,omitempty"`
	}

	// Client is the provider-agnostic model client implemented by each
	// vendor adapter.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental completion output. Streaming never
	// retries (spec §4.1): a failure mid-stream is terminal and is
	// surfaced to Recv's error return.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}
)

const (
	ConversationRoleSystem    ConversationRole = "system"
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
)

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting. Wrapped by provider adapters so retry.Do's predicate can match
// it via errors.Is.
var ErrRateLimited = errors.New("model: rate limited")

// ErrUnavailable indicates the provider failed to be reached at all
// (network/connection error).
var ErrUnavailable = errors.New("model: provider unavailable")

// ErrInvalidResponse indicates the provider returned a response that could
// not be parsed, or that failed schema validation after the single
// JSON-mode retry.
var ErrInvalidResponse = errors.New("model: invalid response")

// ErrAuth indicates the provider rejected the request's credentials.
var ErrAuth = errors.New("model: authentication failed")

// ErrTimeout indicates the call exceeded its deadline.
var ErrTimeout = errors.New("model: timeout")

// ErrUnavailableAllModels is raised by the fallback chain (Provider.Complete)
// when every configured model, including fallbacks, failed.
var ErrUnavailableAllModels = errors.New("model: llm_unavailable")
