package answerer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice-ai/maice/runtime/tutor/bus"
	businmem "github.com/maice-ai/maice/runtime/tutor/bus/inmem"
	"github.com/maice-ai/maice/runtime/tutor/fault"
	"github.com/maice-ai/maice/runtime/tutor/model"
	"github.com/maice-ai/maice/runtime/tutor/model/modeltest"
	"github.com/maice-ai/maice/runtime/tutor/model/retry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

type harness struct {
	agent *Agent

	summaries <-chan wire.Envelope
	streamed  <-chan *wire.Delivery
}

func newHarness(t *testing.T, client model.Client, opts ...Option) *harness {
	t.Helper()
	b := businmem.New()
	t.Cleanup(func() { b.Close(context.Background()) })

	opts = append([]Option{
		WithRetry(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}),
	}, opts...)
	agent, err := New(client, b, opts...)
	require.NoError(t, err)

	ctx := context.Background()
	topic, err := b.Broadcast(wire.TypeGenerateSummary)
	require.NoError(t, err)
	summaries, stop, err := topic.Subscribe(ctx)
	require.NoError(t, err)
	t.Cleanup(stop)

	stream, err := b.Stream(bus.SessionStream("31"))
	require.NoError(t, err)
	sink, err := stream.NewSink(ctx, "router")
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close(ctx) })

	return &harness{agent: agent, summaries: summaries, streamed: sink.Subscribe()}
}

func readyEnvelope(quality string) wire.Envelope {
	return wire.New(wire.TypeReadyForAnswer, "31", "req-1").
		Set(wire.KeyUserID, "student-1").
		Set(wire.KeyQuestion, "등차수열의 일반항을 구하는 공식을 알려줘").
		Set(wire.KeyKnowledgeCode, "K3").
		Set(wire.KeyQuality, quality)
}

func recvStreamed(t *testing.T, ch <-chan *wire.Delivery) wire.Envelope {
	t.Helper()
	select {
	case d := <-ch:
		return d.Envelope
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream delivery")
		return nil
	}
}

func recvSummary(t *testing.T, ch <-chan wire.Envelope) wire.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for summary notification")
		return nil
	}
}

func TestStreamsAnswerableQuestion(t *testing.T) {
	client := modeltest.New(modeltest.Reply{
		Chunks: []string{"등차수열의 ", "", "일반항은 a_n = a_1 + (n-1)d 야."},
	})
	h := newHarness(t, client)

	require.NoError(t, h.agent.Handle(context.Background(), readyEnvelope("answerable")))

	want := []string{"등차수열의 ", "", "일반항은 a_n = a_1 + (n-1)d 야."}
	for i, delta := range want {
		chunk := recvStreamed(t, h.streamed)
		require.Equal(t, wire.TypeStreamingChunk, chunk.Type(), "chunk %d", i)
		assert.Equal(t, delta, chunk.Get(wire.KeyContent), "chunk %d", i)
		idx, err := chunk.Int(wire.KeyChunkIndex)
		require.NoError(t, err)
		assert.Equal(t, i, idx)
		assert.False(t, chunk.Bool(wire.KeyIsFinal))
	}

	complete := recvStreamed(t, h.streamed)
	require.Equal(t, wire.TypeStreamingComplete, complete.Type())
	assert.Equal(t, "등차수열의 일반항은 a_n = a_1 + (n-1)d 야.", complete.Get(wire.KeyFullResponse))
	total, err := complete.Int(wire.KeyTotalChunks)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	result := recvStreamed(t, h.streamed)
	require.Equal(t, wire.TypeAnswerResult, result.Type())
	assert.Equal(t, complete.Get(wire.KeyFullResponse), result.Get(wire.KeyContent))

	summary := recvSummary(t, h.summaries)
	assert.Equal(t, "등차수열의 일반항을 구하는 공식을 알려줘", summary.Get(wire.KeyQuestion))
	assert.Equal(t, complete.Get(wire.KeyFullResponse), summary.Get(wire.KeyContent))

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Stream)
	assert.Contains(t, reqs[0].Messages[0].Content, "numbered solution steps",
		"K3 selects the procedural structure")
}

func TestRejectionSkipsModel(t *testing.T) {
	client := modeltest.New()
	h := newHarness(t, client)

	env := readyEnvelope("unanswerable").
		Set(wire.KeyQuestion, "오늘 저녁 뭐 먹을까?").
		Set(wire.KeyUnanswerableReason, "not_math")
	require.NoError(t, h.agent.Handle(context.Background(), env))

	result := recvStreamed(t, h.streamed)
	require.Equal(t, wire.TypeAnswerResult, result.Type())
	assert.Contains(t, result.Get(wire.KeyContent), "수학 질문에만")
	assert.Equal(t, "not_math", result.Get(wire.KeyUnanswerableReason))

	recvSummary(t, h.summaries)
	assert.Empty(t, client.Requests(), "rejections never call the model")
}

func TestClarificationFailedRejectionCountsAttempts(t *testing.T) {
	client := modeltest.New()
	h := newHarness(t, client)

	env := readyEnvelope("unanswerable").
		Set(wire.KeyUnanswerableReason, "clarification_failed").
		SetInt(wire.KeyTotalQuestions, 3)
	require.NoError(t, h.agent.Handle(context.Background(), env))

	result := recvStreamed(t, h.streamed)
	assert.Contains(t, result.Get(wire.KeyContent), "3번")
	assert.Contains(t, result.Get(wire.KeyContent), "이차방정식")
}

func TestPreFirstChunkRetries(t *testing.T) {
	client := modeltest.New(
		modeltest.Reply{Err: errors.New("provider busy")},
		modeltest.Reply{Chunks: []string{"답변"}},
	)
	h := newHarness(t, client)

	require.NoError(t, h.agent.Handle(context.Background(), readyEnvelope("answerable")))

	chunk := recvStreamed(t, h.streamed)
	assert.Equal(t, wire.TypeStreamingChunk, chunk.Type())
	assert.Len(t, client.Requests(), 2)
}

func TestOpenStreamFailsAfterRetries(t *testing.T) {
	boom := errors.New("provider down")
	client := modeltest.New(
		modeltest.Reply{Err: boom}, modeltest.Reply{Err: boom}, modeltest.Reply{Err: boom},
	)
	h := newHarness(t, client)

	require.NoError(t, h.agent.Handle(context.Background(), readyEnvelope("answerable")))

	errEnv := recvStreamed(t, h.streamed)
	require.Equal(t, wire.TypeError, errEnv.Type())
	assert.Equal(t, string(fault.KindLLMTransient), errEnv.Get(wire.KeyReason))
	assert.Empty(t, errEnv.Get(wire.KeyContent))

	select {
	case <-h.summaries:
		t.Fatal("failed generation must not trigger summarization")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMidStreamFailureCarriesPartial(t *testing.T) {
	client := modeltest.New(modeltest.Reply{
		Chunks:    []string{"부분 ", "답변"},
		ErrAfter:  2,
		StreamErr: errors.New("connection reset"),
	})
	h := newHarness(t, client)

	require.NoError(t, h.agent.Handle(context.Background(), readyEnvelope("answerable")))

	first := recvStreamed(t, h.streamed)
	assert.Equal(t, "부분 ", first.Get(wire.KeyContent))
	second := recvStreamed(t, h.streamed)
	assert.Equal(t, "답변", second.Get(wire.KeyContent))

	errEnv := recvStreamed(t, h.streamed)
	require.Equal(t, wire.TypeError, errEnv.Type())
	assert.Equal(t, string(fault.KindLLMStreamBroken), errEnv.Get(wire.KeyReason))
	assert.Equal(t, "부분 답변", errEnv.Get(wire.KeyContent))

	assert.Len(t, client.Requests(), 1, "mid-stream failures never retry")
}

func TestHandleIgnoresOtherTypes(t *testing.T) {
	client := modeltest.New()
	h := newHarness(t, client)

	env := wire.New(wire.TypeClassifyQuestion, "31", "req-9")
	require.NoError(t, h.agent.Handle(context.Background(), env))
	assert.Empty(t, client.Requests())
}

func TestRejectsEmptyQuestion(t *testing.T) {
	h := newHarness(t, modeltest.New())

	env := wire.New(wire.TypeReadyForAnswer, "31", "req-1").Set(wire.KeyQuality, "answerable")
	err := h.agent.Handle(context.Background(), env)
	require.Error(t, err)
	f, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindValidation, f.Kind())
}
