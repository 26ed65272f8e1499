// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates tutor requests into ChatCompletion
// calls using github.com/openai/openai-go and maps responses back into the
// generic structures the agents consume.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/maice-ai/maice/runtime/tutor/model"
)

const providerName = "openai"

// jsonModeInstruction is appended as a trailing system message when a request
// asks for JSON output. The Chat Completions json_object mode rejects
// requests whose prompt never mentions JSON, so the instruction doubles as
// that marker.
const jsonModeInstruction = "Respond with a single valid JSON object and nothing else. Do not wrap the object in markdown fences."

type (
	// CompletionsClient captures the subset of the OpenAI SDK client used by
	// the adapter. It is satisfied by *sdk.ChatCompletionService so callers
	// can pass either a real client or a mock in tests.
	CompletionsClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures optional OpenAI adapter behavior.
	Options struct {
		// DefaultModel is the model identifier used when model.Request.Model
		// is empty, e.g. sdk.ChatModelGPT4o. Required.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Zero leaves the cap unset and the API applies
		// its own model-specific limit.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of OpenAI Chat Completions.
	Client struct {
		chat         CompletionsClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an OpenAI-backed model client from the provided chat completions
// client and configuration options.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

// Complete issues a non-streaming chat completion request and translates the
// response into the generic agent structures.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	completion, err := c.chat.New(ctx, *params)
	if err != nil {
		return model.Response{}, wrapError("chat.completions.new", err)
	}
	return translateResponse(completion)
}

// Stream invokes the streaming completions endpoint and adapts incremental
// chunks into model.Chunks so agents can surface partial responses.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	// The final chunk then reports token usage for the whole exchange.
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, wrapError("chat.completions.new_streaming", err)
	}
	return newStreamer(ctx, stream, params.Model), nil
}

func (c *Client) prepareRequest(req model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Messages: msgs,
		Model:    modelID,
	}
	if req.JSONMode {
		params.Messages = append(params.Messages, sdk.SystemMessage(jsonModeInstruction))
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return &params, nil
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func encodeMessages(msgs []*model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one non-empty message is required")
	}
	return out, nil
}

func translateResponse(completion *sdk.ChatCompletion) (model.Response, error) {
	if completion == nil {
		return model.Response{}, errors.New("openai: completion is nil")
	}
	if len(completion.Choices) == 0 {
		return model.Response{}, errors.New("openai: completion has no choices")
	}
	choice := completion.Choices[0]
	var resp model.Response
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, model.Message{
			Role:    model.RoleAssistant,
			Content: choice.Message.Content,
		})
	}
	if u := completion.Usage; u.PromptTokens != 0 || u.CompletionTokens != 0 {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(u.PromptTokens),
			OutputTokens: int(u.CompletionTokens),
			TotalTokens:  int(u.TotalTokens),
		}
		if resp.Usage.TotalTokens == 0 {
			resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
		}
	}
	resp.StopReason = string(choice.FinishReason)
	return resp, nil
}

// openaiErrorPayload mirrors the error body shape documented by the Chat
// Completions API.
type openaiErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// wrapError normalizes SDK failures into ProviderError chains. Rate limits
// additionally wrap model.ErrRateLimited so the middleware can back off.
func wrapError(operation string, err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnknown, "", err.Error(), "", false, err)
	}
	status := apiErr.StatusCode
	code := ""
	message := ""
	if raw := apiErr.RawJSON(); raw != "" {
		var payload openaiErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			message = payload.Error.Message
			code = payload.Error.Code
			if code == "" {
				code = payload.Error.Type
			}
		}
	}
	if message == "" {
		message = "openai request failed"
	}
	requestID := ""
	if apiErr.Response != nil {
		requestID = apiErr.Response.Header.Get("x-request-id")
	}
	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == 401 || status == 403:
		kind = model.ProviderErrorKindAuth
	case status == 429:
		kind = model.ProviderErrorKindRateLimited
		// Quota exhaustion also surfaces as 429 but never clears on retry.
		retryable = code != "insufficient_quota"
	case status == 400 || status == 404 || status == 413 || status == 422:
		kind = model.ProviderErrorKindInvalidRequest
	case status >= 500:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	}
	pe := model.NewProviderError(providerName, operation, status, kind, code, message, requestID, retryable, err)
	if kind == model.ProviderErrorKindRateLimited {
		return fmt.Errorf("%w: %w", model.ErrRateLimited, pe)
	}
	return pe
}
