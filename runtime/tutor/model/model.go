// Package model defines the provider-agnostic LLM contract the agents invoke.
// Implementations wrap provider SDKs (Anthropic, OpenAI, Bedrock) and live
// under features/model; middleware such as rate limiting composes over the
// Client interface.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract agents use to invoke LLM calls. Implementations
	// must be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request and returns the full
		// response. Implementations translate Request into provider formats
		// and normalize errors into ProviderError chains.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat completion request and returns a Streamer
		// yielding incremental chunks. The returned Streamer must be closed
		// by callers. Providers without streaming support return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return chunks until io.EOF. Single-goroutine use; Close releases the
	// underlying connection.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider-specific stream metadata. Typical keys
		// are "provider", "model" and "request_id". Contents are optional
		// and provider-defined.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string

		// Messages is the ordered chat history, system prompt included.
		Messages []*Message

		// Temperature controls sampling. Zero means provider default.
		Temperature float32

		// MaxTokens caps completion length. Zero means provider default.
		MaxTokens int

		// Stream reports whether the caller intends to use Client.Stream.
		Stream bool

		// JSONMode asks the provider to emit a single JSON object. Providers
		// without native JSON modes prompt for it instead; callers still
		// validate the output.
		JSONMode bool
	}

	// Response wraps a complete generation.
	Response struct {
		// Content holds the assistant messages, typically exactly one.
		Content []Message

		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage

		// StopReason explains termination. Values are provider-specific,
		// commonly "stop_sequence" or "max_tokens".
		StopReason string
	}

	// Message is one chat turn.
	Message struct {
		// Role is "system", "user" or "assistant".
		Role string

		// Content is the message text.
		Content string

		// Meta carries provider-specific metadata. Agents ignore it.
		Meta map[string]any
	}

	// Chunk is a streaming event. Type selects the populated field.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type string
		// Message holds the text delta when Type == ChunkTypeText.
		Message *Message
		// Thinking holds a reasoning delta when Type == ChunkTypeThinking.
		Thinking string
		// UsageDelta reports incremental usage when Type == ChunkTypeUsage.
		UsageDelta *TokenUsage
		// StopReason explains termination when Type == ChunkTypeStop.
		StopReason string
	}

	// TokenUsage records token counts when reported by the provider.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		// TotalTokens is provider-computed and may exceed the sum of the
		// other two.
		TotalTokens int
	}
)

// Chunk kinds populating Chunk.Type.
const (
	ChunkTypeText     = "text"
	ChunkTypeThinking = "thinking"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited marks throttling failures. Adapters join it with the
// underlying ProviderError so callers can match with errors.Is and the rate
// limit middleware can back off.
var ErrRateLimited = errors.New("model: rate limited")

// System builds a system message.
func System(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

// User builds a user message.
func User(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

// Assistant builds an assistant message.
func Assistant(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content}
}

// Text extracts the concatenated assistant text from a response.
func (r Response) Text() string {
	switch len(r.Content) {
	case 0:
		return ""
	case 1:
		return r.Content[0].Content
	default:
		out := ""
		for _, m := range r.Content {
			out += m.Content
		}
		return out
	}
}
