// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API via github.com/aws/aws-sdk-go-v2/service/bedrockruntime.
// It serves as the final fallback in the default model Registry.
package bedrock

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"cadpilot.dev/cadpilot/runtime/model"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client this
// adapter needs, matching *bedrockruntime.Client so tests can substitute a
// mock.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
}

// New builds a Bedrock-backed model client from a runtime client and the
// default inference profile / model ARN to use when a request leaves Model
// unset.
func New(runtime RuntimeClient, defaultModel string) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{runtime: runtime, defaultModel: defaultModel}, nil
}

// Complete issues a non-streaming Converse request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, &model.ProviderError{Provider: "bedrock", Model: aws.ToString(input.ModelId), Kind: classify(err), Retryable: isRetryable(err), Cause: err}
	}
	return translateResponse(out)
}

// Stream is not wired for this adapter: none of the pipeline agents need a
// streaming Bedrock response, only JSON-mode Complete calls.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, errors.New("bedrock: streaming not wired for this adapter; use Complete")
}

func (c *Client) prepareRequest(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	var system []brtypes.SystemContentBlock
	var messages []brtypes.Message
	for _, m := range req.Messages {
		if m.Role == model.ConversationRoleSystem {
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case model.ConversationRoleUser:
			role = brtypes.ConversationRoleUser
		case model.ConversationRoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, errors.New("bedrock: unsupported message role")
		}
		messages = append(messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if req.Schema != nil {
		messages = appendJSONModeInstruction(messages, req.Schema)
	}

	cfg := &brtypes.InferenceConfiguration{}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := int32(req.MaxTokens)
		cfg.MaxTokens = &mt
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        messages,
		InferenceConfig: cfg,
	}
	if len(system) > 0 {
		input.System = system
	}
	return input, nil
}

// appendJSONModeInstruction appends a final user turn instructing the model
// to respond with JSON only. Bedrock's Converse API has no native
// structured-output mode; as with the Anthropic adapter, the Provider's
// fallback layer validates the result against the schema and retries once
// on malformed output (spec §4.1).
func appendJSONModeInstruction(messages []brtypes.Message, schema *model.ResponseSchema) []brtypes.Message {
	instruction := "Respond with JSON only, matching the " + schema.Name + " schema exactly (no prose, no markdown fences)."
	return append(messages, brtypes.Message{
		Role:    brtypes.ConversationRoleUser,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: instruction}},
	})
}

func translateResponse(out *bedrockruntime.ConverseOutput) (*model.Response, error) {
	resp := &model.Response{}
	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, errors.New("bedrock: response carries no message output")
	}
	for _, block := range msgOutput.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			resp.Content += text.Value
		}
	}
	if out.Usage != nil {
		resp.Usage = model.TokenUsage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

func classify(err error) model.ErrorKind {
	var throttling *brtypes.ThrottlingException
	if errors.As(err, &throttling) {
		return model.ErrorKindRateLimited
	}
	var unauthorized *brtypes.AccessDeniedException
	if errors.As(err, &unauthorized) {
		return model.ErrorKindAuth
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return model.ErrorKindConnection
	}
	return model.ErrorKindConnection
}

func isRetryable(err error) bool {
	var throttling *brtypes.ThrottlingException
	if errors.As(err, &throttling) {
		return true
	}
	var serviceUnavailable *brtypes.ServiceUnavailableException
	return errors.As(err, &serviceUnavailable)
}
