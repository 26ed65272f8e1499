package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/maice-ai/maice/runtime/tutor/model"
)

type stubCompletionsClient struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error

	stream *ssestream.Stream[sdk.ChatCompletionChunk]
}

func (s *stubCompletionsClient) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubCompletionsClient) NewStreaming(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	s.lastParams = body
	if s.stream == nil {
		dec := &noopDecoder{}
		s.stream = ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)
	}
	return s.stream
}

type noopDecoder struct{}

func (n *noopDecoder) Event() ssestream.Event { return ssestream.Event{} }
func (n *noopDecoder) Next() bool             { return false }
func (n *noopDecoder) Close() error           { return nil }
func (n *noopDecoder) Err() error             { return nil }

// marshalMessages renders the encoded message params the way they would go on
// the wire, which keeps assertions independent of the union internals.
func marshalMessages(t *testing.T, msgs []sdk.ChatCompletionMessageParamUnion) []string {
	t.Helper()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		raw, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal message %d: %v", i, err)
		}
		out[i] = string(raw)
	}
	return out
}

func TestComplete_TextOnly(t *testing.T) {
	stub := &stubCompletionsClient{}
	cl, err := New(stub, Options{
		DefaultModel: "gpt-4o-mini",
		MaxTokens:    128,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{
				FinishReason: "stop",
				Message:      sdk.ChatCompletionMessage{Content: "world"},
			},
		},
		Usage: sdk.CompletionUsage{
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
		},
	}

	resp, err := cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{model.User("hello")},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.Content) != 1 {
		t.Fatalf("expected 1 content message, got %d", len(resp.Content))
	}
	if got := resp.Content[0].Content; got != "world" {
		t.Fatalf("unexpected text %q", got)
	}
	if resp.StopReason != "stop" {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.TotalTokens != 15 || resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestComplete_EncodesMessagesInOrder(t *testing.T) {
	stub := &stubCompletionsClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{Message: sdk.ChatCompletionMessage{Content: "ok"}}},
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{
			model.System("you are a math tutor"),
			model.User("what is 2+2?"),
			model.Assistant("4"),
			model.User("and 3+3?"),
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got := stub.lastParams.Model; got != "gpt-4o-mini" {
		t.Fatalf("unexpected model %q", got)
	}
	if stub.lastParams.MaxCompletionTokens != sdk.Int(64) {
		t.Fatalf("unexpected max tokens %+v", stub.lastParams.MaxCompletionTokens)
	}

	msgs := marshalMessages(t, stub.lastParams.Messages)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 encoded messages, got %d: %v", len(msgs), msgs)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	wantText := []string{"math tutor", "2+2", "4", "3+3"}
	for i, raw := range msgs {
		if !strings.Contains(raw, `"role":"`+wantRoles[i]+`"`) {
			t.Fatalf("message %d missing role %q: %s", i, wantRoles[i], raw)
		}
		if !strings.Contains(raw, wantText[i]) {
			t.Fatalf("message %d missing content %q: %s", i, wantText[i], raw)
		}
	}
}

func TestComplete_JSONModeSetsResponseFormat(t *testing.T) {
	stub := &stubCompletionsClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{Message: sdk.ChatCompletionMessage{Content: "{}"}}},
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{model.User("classify this")},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if stub.lastParams.ResponseFormat.OfJSONObject == nil {
		t.Fatal("expected json_object response format")
	}
	msgs := marshalMessages(t, stub.lastParams.Messages)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last, "JSON") {
		t.Fatalf("expected trailing JSON instruction, got %s", last)
	}
}

func TestComplete_RequestOverridesDefaults(t *testing.T) {
	stub := &stubCompletionsClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini", MaxTokens: 64, Temperature: 0.7})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{Message: sdk.ChatCompletionMessage{Content: "ok"}}},
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Model:       "gpt-4.1-mini",
		Messages:    []*model.Message{model.User("hello")},
		MaxTokens:   256,
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := stub.lastParams.Model; got != "gpt-4.1-mini" {
		t.Fatalf("unexpected model %q", got)
	}
	if stub.lastParams.MaxCompletionTokens != sdk.Int(256) {
		t.Fatalf("unexpected max tokens %+v", stub.lastParams.MaxCompletionTokens)
	}
	if stub.lastParams.Temperature != sdk.Float(0.2) {
		t.Fatalf("unexpected temperature %+v", stub.lastParams.Temperature)
	}
}

func TestComplete_RateLimited(t *testing.T) {
	stub := &stubCompletionsClient{err: &sdk.Error{StatusCode: 429}}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{model.User("hello")},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	pe, ok := model.AsProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Kind() != model.ProviderErrorKindRateLimited {
		t.Fatalf("unexpected kind %v", pe.Kind())
	}
	if !pe.Retryable() {
		t.Fatal("expected retryable")
	}
}

func TestComplete_AuthError(t *testing.T) {
	apiErr := &sdk.Error{
		StatusCode: 401,
		Response: &http.Response{
			Header: http.Header{"X-Request-Id": []string{"req_123"}},
		},
	}
	stub := &stubCompletionsClient{err: apiErr}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{model.User("hello")},
	})
	pe, ok := model.AsProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Kind() != model.ProviderErrorKindAuth {
		t.Fatalf("unexpected kind %v", pe.Kind())
	}
	if pe.Retryable() {
		t.Fatal("auth errors are not retryable")
	}
	if pe.RequestID() != "req_123" {
		t.Fatalf("unexpected request id %q", pe.RequestID())
	}
	if pe.HTTPStatus() != 401 {
		t.Fatalf("unexpected status %d", pe.HTTPStatus())
	}
}

func TestComplete_NonAPIError(t *testing.T) {
	cause := errors.New("connection refused")
	stub := &stubCompletionsClient{err: cause}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{model.User("hello")},
	})
	pe, ok := model.AsProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Kind() != model.ProviderErrorKindUnknown {
		t.Fatalf("unexpected kind %v", pe.Kind())
	}
	if pe.Provider() != "openai" {
		t.Fatalf("unexpected provider %q", pe.Provider())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	stub := &stubCompletionsClient{resp: &sdk.ChatCompletion{}}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{model.User("hello")},
	})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestComplete_RequiresMessages(t *testing.T) {
	stub := &stubCompletionsClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := cl.Complete(context.Background(), model.Request{}); err == nil {
		t.Fatal("expected error for empty messages")
	}
	if _, err := cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: ""}},
	}); err == nil {
		t.Fatal("expected error when all messages are empty")
	}
}
