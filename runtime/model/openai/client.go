// Package openai provides a model.Client implementation backed by the
// OpenAI Chat Completions API via github.com/openai/openai-go. It serves as
// the first fallback in the default model Registry behind the Anthropic
// primary.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"cadpilot.dev/cadpilot/runtime/model"
)

// ChatClient captures the subset of the openai-go client used by the
// adapter, so tests can substitute a mock for the real SDK client.
type ChatClient interface {
	New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Client implements model.Client on top of OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
}

// New builds an OpenAI-backed model client from the provided chat client.
func New(chat ChatClient, defaultModel string) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP
// client, reading OPENAI_API_KEY from the environment when apiKey is empty.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	c := sdk.NewClient(opts...)
	return New(&c.Chat.Completions, defaultModel)
}

// Complete issues a non-streaming chat completion request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, &model.ProviderError{Provider: "openai", Model: params.Model, Kind: model.ErrorKindRateLimited, Retryable: true, Cause: err}
		}
		return nil, &model.ProviderError{Provider: "openai", Model: params.Model, Kind: model.ErrorKindConnection, Retryable: true, Cause: err}
	}
	return translateResponse(resp), nil
}

// Stream is not implemented by this adapter: Chat Completions streaming
// requires a separate server-sent-events decoder the planner/generator/
// validator agents, which only ever call Complete, do not need.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, errors.New("openai: streaming not supported by this adapter")
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.ConversationRoleSystem:
			messages = append(messages, sdk.SystemMessage(m.Content))
		case model.ConversationRoleUser:
			messages = append(messages, sdk.UserMessage(m.Content))
		case model.ConversationRoleAssistant:
			messages = append(messages, sdk.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	params := sdk.ChatCompletionNewParams{
		Model:       modelID,
		Messages:    messages,
		Temperature: sdk.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Schema != nil {
		schema, err := decodeSchema(req.Schema.Schema)
		if err != nil {
			return nil, fmt.Errorf("openai: decode response schema: %w", err)
		}
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.Schema.Name,
					Schema: schema,
					Strict: sdk.Bool(true),
				},
			},
		}
	}
	return &params, nil
}

func translateResponse(resp *sdk.ChatCompletion) *model.Response {
	out := &model.Response{Model: resp.Model}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	out.Usage = model.TokenUsage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	return out
}

func decodeSchema(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
