// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages,
// encodes inference configuration, and translates Converse responses and
// streaming events back into the generic structures the agents consume.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/maice-ai/maice/runtime/tutor/model"
)

const providerName = "bedrock"

// jsonModeInstruction is appended to the system blocks when a request asks
// for JSON output. The Converse API has no native JSON mode.
const jsonModeInstruction = "Respond with a single valid JSON object and nothing else. Do not wrap the object in markdown fences."

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. ConverseStream returns the StreamOutput
	// interface so tests can substitute fake event streams; production code
	// obtains an implementation via NewFromConfig.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
	}

	// StreamOutput is the subset of the AWS ConverseStream output type
	// required by the adapter. It is satisfied by
	// *bedrockruntime.ConverseStreamOutput.
	StreamOutput interface {
		GetStream() *bedrockruntime.ConverseStreamEventStream
	}

	// Options configures optional Bedrock adapter behavior.
	Options struct {
		// DefaultModel is the Bedrock model identifier used when
		// model.Request.Model is empty, e.g.
		// "anthropic.claude-sonnet-4-5-20250929-v1:0". Required.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Zero leaves the cap unset and Bedrock applies
		// its own model-specific limit.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float32
	}
)

// New builds a Bedrock-backed model client from the provided runtime client
// and configuration options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromConfig constructs a client from a resolved AWS configuration.
func NewFromConfig(cfg aws.Config, opts Options) (*Client, error) {
	return New(runtimeAdapter{client: bedrockruntime.NewFromConfig(cfg)}, opts)
}

// runtimeAdapter narrows *bedrockruntime.Client to RuntimeClient. The
// indirection exists because the concrete ConverseStream return type cannot
// be constructed with a fake event stream.
type runtimeAdapter struct {
	client *bedrockruntime.Client
}

func (a runtimeAdapter) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return a.client.Converse(ctx, params, optFns...)
}

func (a runtimeAdapter) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := a.client.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete issues a non-streaming Converse request and translates the
// response into the generic agent structures.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	payload, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, buildConverseInput(payload))
	if err != nil {
		return model.Response{}, wrapError("converse", err)
	}
	return translateResponse(output)
}

// Stream invokes the ConverseStream API and adapts incremental events into
// model.Chunks so agents can surface partial responses.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	payload, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, buildConverseStreamInput(payload))
	if err != nil {
		return nil, wrapError("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newStreamer(ctx, stream, payload.modelID), nil
}

// conversePayload carries one encoded request through the input builders.
type conversePayload struct {
	modelID  string
	messages []brtypes.Message
	system   []brtypes.SystemContentBlock
	config   *brtypes.InferenceConfiguration
}

func (c *Client) prepareRequest(req model.Request) (*conversePayload, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	if req.JSONMode {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: jsonModeInstruction})
	}
	return &conversePayload{
		modelID:  modelID,
		messages: msgs,
		system:   system,
		config:   c.inferenceConfig(req.MaxTokens, req.Temperature),
	}, nil
}

func buildConverseInput(payload *conversePayload) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(payload.modelID),
		Messages: payload.messages,
	}
	if len(payload.system) > 0 {
		input.System = payload.system
	}
	if payload.config != nil {
		input.InferenceConfig = payload.config
	}
	return input
}

func buildConverseStreamInput(payload *conversePayload) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(payload.modelID),
		Messages: payload.messages,
	}
	if len(payload.system) > 0 {
		input.System = payload.system
	}
	if payload.config != nil {
		input.InferenceConfig = payload.config
	}
	return input
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	t := temp
	if t <= 0 {
		t = c.temp
	}
	if t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []*model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock

	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case model.RoleUser:
			conversation = append(conversation, textMessage(brtypes.ConversationRoleUser, m.Content))
		case model.RoleAssistant:
			conversation = append(conversation, textMessage(brtypes.ConversationRoleAssistant, m.Content))
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func textMessage(role brtypes.ConversationRole, text string) brtypes.Message {
	return brtypes.Message{
		Role:    role,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
	}
}

func translateResponse(output *bedrockruntime.ConverseOutput) (model.Response, error) {
	if output == nil {
		return model.Response{}, errors.New("bedrock: response is nil")
	}
	var resp model.Response
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok && text.Value != "" {
				resp.Content = append(resp.Content, model.Message{
					Role:    model.RoleAssistant,
					Content: text.Value,
				})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
			TotalTokens:  int(ptrValue(usage.TotalTokens)),
		}
		if resp.Usage.TotalTokens == 0 {
			resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
		}
	}
	resp.StopReason = string(output.StopReason)
	return resp, nil
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals and is idempotent when
// ErrRateLimited is already present in the error chain.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}

	return false
}

// wrapError normalizes AWS SDK failures into ProviderError chains. Rate
// limits additionally wrap model.ErrRateLimited so the middleware can back
// off.
func wrapError(operation string, err error) error {
	if isRateLimited(err) {
		pe := model.NewProviderError(providerName, operation, http.StatusTooManyRequests, model.ProviderErrorKindRateLimited, "rate_limited", "", "", true, err)
		return fmt.Errorf("%w: %w", model.ErrRateLimited, pe)
	}

	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if msg == "" {
		msg = err.Error()
	}

	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == http.StatusBadRequest:
		kind = model.ProviderErrorKindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = model.ProviderErrorKindAuth
	case status == http.StatusTooManyRequests:
		kind = model.ProviderErrorKindRateLimited
		retryable = true
	case status >= http.StatusInternalServerError && status <= http.StatusNetworkAuthenticationRequired:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	}

	return model.NewProviderError(providerName, operation, status, kind, code, msg, "", retryable, err)
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		var zero T
		return zero
	}
	return *ptr
}
