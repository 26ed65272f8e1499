package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderErrorAccessors(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	pe := NewProviderError("anthropic", "messages", 529, ProviderErrorKindUnavailable, "overloaded_error", "overloaded", "req_123", true, cause)

	assert.Equal(t, "anthropic", pe.Provider())
	assert.Equal(t, "messages", pe.Operation())
	assert.Equal(t, 529, pe.HTTPStatus())
	assert.Equal(t, ProviderErrorKindUnavailable, pe.Kind())
	assert.Equal(t, "overloaded_error", pe.Code())
	assert.Equal(t, "req_123", pe.RequestID())
	assert.True(t, pe.Retryable())
	assert.ErrorIs(t, pe, cause)
	assert.Contains(t, pe.Error(), "anthropic unavailable 529")
}

func TestAsProviderErrorThroughChain(t *testing.T) {
	pe := NewProviderError("openai", "chat.completions", 429, ProviderErrorKindRateLimited, "rate_limit_exceeded", "slow down", "", true, nil)
	joined := errors.Join(ErrRateLimited, pe)
	wrapped := fmt.Errorf("classify: %w", joined)

	got, ok := AsProviderError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ProviderErrorKindRateLimited, got.Kind())
	assert.ErrorIs(t, wrapped, ErrRateLimited)

	_, ok = AsProviderError(errors.New("plain"))
	assert.False(t, ok)
}

func TestResponseText(t *testing.T) {
	assert.Empty(t, Response{}.Text())
	assert.Equal(t, "answer", Response{Content: []Message{{Role: RoleAssistant, Content: "answer"}}}.Text())
	multi := Response{Content: []Message{{Content: "a"}, {Content: "b"}}}
	assert.Equal(t, "ab", multi.Text())
}

func TestMessageBuilders(t *testing.T) {
	assert.Equal(t, &Message{Role: RoleSystem, Content: "rules"}, System("rules"))
	assert.Equal(t, &Message{Role: RoleUser, Content: "질문"}, User("질문"))
	assert.Equal(t, &Message{Role: RoleAssistant, Content: "답"}, Assistant("답"))
}
