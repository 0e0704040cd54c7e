// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API via github.com/anthropics/anthropic-sdk-go.
// It is the default primary provider for every agent role.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"cadpilot.dev/cadpilot/runtime/model"
)

// MessagesClient captures the subset of the Anthropic SDK client used by
// the adapter, so tests can substitute a mock for the real SDK client.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
}

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, defaultModel string) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	return &Client{msg: msg, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// client, reading ANTHROPIC_API_KEY from the environment when apiKey is
// empty.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages, defaultModel)
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, &model.ProviderError{Provider: "anthropic", Model: string(params.Model), Kind: model.ErrorKindRateLimited, Retryable: true, Cause: err}
		}
		return nil, &model.ProviderError{Provider: "anthropic", Model: string(params.Model), Kind: model.ErrorKindConnection, Retryable: true, Cause: err}
	}
	return translateResponse(msg), nil
}

// Stream is not implemented for this adapter: it always returns an error,
// and callers use Complete instead.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, errors.New("anthropic: streaming not wired for this adapter; use Complete")
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam
	for _, m := range req.Messages {
		if m.Role == model.ConversationRoleSystem {
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
			continue
		}
		switch m.Role {
		case model.ConversationRoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.ConversationRoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}

	if req.Schema != nil {
		conversation = appendJSONModeInstruction(conversation, req.Schema)
	}

	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

// appendJSONModeInstruction appends a final user turn instructing the model
// to respond with JSON only, matching req.Schema. Anthropic's Messages API
// has no native structured-output mode comparable to OpenAI's
// response_format, so JSON-mode is approximated with a strict instruction;
// the Provider's fallback layer still validates the result against the
// schema and retries once on malformed output (spec §4.1).
func appendJSONModeInstruction(conversation []sdk.MessageParam, schema *model.ResponseSchema) []sdk.MessageParam {
	var pretty bytes.Buffer
	_ = json.Indent(&pretty, schema.Schema, "", "  ")
	instruction := fmt.Sprintf(
		"Respond with JSON only, matching this schema exactly (no prose, no markdown fences):\n%s",
		pretty.String(),
	)
	return append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(instruction)))
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func translateResponse(msg *sdk.Message) *model.Response {
	resp := &model.Response{Model: string(msg.Model)}
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			resp.Content += block.Text
		}
	}
	resp.Usage = model.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp
}
