package pulse

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/maice-ai/maice/features/bus/pulse/clients/pulse"
	"github.com/maice-ai/maice/features/bus/pulse/clients/pulse/mocks"
	"github.com/maice-ai/maice/runtime/tutor/bus"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

func recvDelivery(t *testing.T, ch <-chan *wire.Delivery) *wire.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "channel closed before delivery")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func recvEnvelope(t *testing.T, ch <-chan wire.Envelope) wire.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "channel closed before envelope")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestAddEncodesEnvelope(t *testing.T) {
	mc := mocks.NewClient(t)
	ms := mocks.NewStream(t)
	mc.AddStream(func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		assert.Equal(t, bus.SessionStream("17"), name)
		return ms, nil
	})
	ms.AddAdd(func(_ context.Context, event string, payload []byte) (string, error) {
		assert.Equal(t, wire.TypeClassifyQuestion, event)
		env, err := wire.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, "17", env.SessionID())
		assert.Equal(t, "req-1", env.RequestID())
		return "1-0", nil
	})

	b, err := New(Options{Client: mc})
	require.NoError(t, err)
	s, err := b.Stream(bus.SessionStream("17"))
	require.NoError(t, err)

	id, err := s.Add(context.Background(), wire.New(wire.TypeClassifyQuestion, "17", "req-1"))
	require.NoError(t, err)
	assert.Equal(t, "1-0", id)
	assert.False(t, mc.HasMore())
	assert.False(t, ms.HasMore())
}

func TestAddRejectsOversizedEnvelope(t *testing.T) {
	mc := mocks.NewClient(t)
	ms := mocks.NewStream(t)
	mc.AddStream(func(string, ...streamopts.Stream) (clientspulse.Stream, error) { return ms, nil })

	b, err := New(Options{Client: mc, MaxEnvelopeBytes: 128})
	require.NoError(t, err)
	s, err := b.Stream(bus.SessionStream("big"))
	require.NoError(t, err)

	env := wire.New(wire.TypeStreamingChunk, "big", "req")
	env.Set(wire.KeyContent, strings.Repeat("x", 256))
	_, err = s.Add(context.Background(), env)
	assert.ErrorIs(t, err, bus.ErrEnvelopeTooLarge)
	assert.False(t, ms.HasMore(), "oversized envelope must not reach the transport")
}

func TestSinkDeliversAndAcks(t *testing.T) {
	events := make(chan *streaming.Event, 1)
	mc := mocks.NewClient(t)
	ms := mocks.NewStream(t)
	msink := mocks.NewSink(t)

	mc.AddStream(func(string, ...streamopts.Stream) (clientspulse.Stream, error) { return ms, nil })
	ms.AddNewSink(func(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
		assert.Equal(t, "router", name)
		return msink, nil
	})
	msink.AddSubscribe(func() <-chan *streaming.Event { return events })

	payload, err := wire.New(wire.TypeClassificationComplete, "3", "req-9").Encode()
	require.NoError(t, err)
	evt := &streaming.Event{ID: "5-0", EventName: wire.TypeClassificationComplete, Payload: payload}

	var acked *streaming.Event
	msink.AddAck(func(_ context.Context, e *streaming.Event) error {
		acked = e
		return nil
	})
	msink.AddClose(func(context.Context) {})

	b, err := New(Options{Client: mc})
	require.NoError(t, err)
	s, err := b.Stream(bus.SessionStream("3"))
	require.NoError(t, err)
	snk, err := s.NewSink(context.Background(), "router")
	require.NoError(t, err)

	events <- evt
	d := recvDelivery(t, snk.Subscribe())
	assert.Equal(t, "5-0", d.ID)
	assert.Equal(t, wire.TypeClassificationComplete, d.Envelope.Type())
	assert.Equal(t, "3", d.Envelope.SessionID())

	require.NoError(t, snk.Ack(context.Background(), d))
	assert.Same(t, evt, acked)

	// A delivery the sink no longer tracks acks as a no-op.
	require.NoError(t, snk.Ack(context.Background(), d))

	snk.Close(context.Background())
	assert.False(t, msink.HasMore())
}

func TestSinkSkipsUndecodableEvents(t *testing.T) {
	events := make(chan *streaming.Event, 2)
	mc := mocks.NewClient(t)
	ms := mocks.NewStream(t)
	msink := mocks.NewSink(t)

	mc.AddStream(func(string, ...streamopts.Stream) (clientspulse.Stream, error) { return ms, nil })
	ms.AddNewSink(func(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) { return msink, nil })
	msink.AddSubscribe(func() <-chan *streaming.Event { return events })

	ackedIDs := make(chan string, 2)
	msink.SetAck(func(_ context.Context, e *streaming.Event) error {
		ackedIDs <- e.ID
		return nil
	})

	b, err := New(Options{Client: mc})
	require.NoError(t, err)
	s, err := b.Stream(bus.SessionStream("12"))
	require.NoError(t, err)
	snk, err := s.NewSink(context.Background(), "observer")
	require.NoError(t, err)

	events <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}
	good, err := wire.New(wire.TypeGenerateSummary, "12", "req-2").Encode()
	require.NoError(t, err)
	events <- &streaming.Event{ID: "2-0", Payload: good}

	d := recvDelivery(t, snk.Subscribe())
	assert.Equal(t, "2-0", d.ID, "poison event must be skipped")

	// The poison event is acked so it cannot be redelivered forever.
	select {
	case id := <-ackedIDs:
		assert.Equal(t, "1-0", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poison ack")
	}
}

func TestSinkCloseClosesDeliveries(t *testing.T) {
	events := make(chan *streaming.Event)
	mc := mocks.NewClient(t)
	ms := mocks.NewStream(t)
	msink := mocks.NewSink(t)

	mc.AddStream(func(string, ...streamopts.Stream) (clientspulse.Stream, error) { return ms, nil })
	ms.AddNewSink(func(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) { return msink, nil })
	msink.AddSubscribe(func() <-chan *streaming.Event { return events })
	msink.AddClose(func(context.Context) {})

	b, err := New(Options{Client: mc})
	require.NoError(t, err)
	s, err := b.Stream(bus.SessionStream("20"))
	require.NoError(t, err)
	snk, err := s.NewSink(context.Background(), "router")
	require.NoError(t, err)

	snk.Close(context.Background())
	snk.Close(context.Background()) // idempotent

	select {
	case _, ok := <-snk.Subscribe():
		assert.False(t, ok, "delivery channel should close after Close")
	case <-time.After(2 * time.Second):
		t.Fatal("delivery channel did not close")
	}
	assert.False(t, msink.HasMore())
}

func TestTopicPublishEncodesEnvelope(t *testing.T) {
	mc := mocks.NewClient(t)
	mc.AddPublish(func(_ context.Context, channel string, payload []byte) error {
		assert.Equal(t, "maice:topic:handoffs", channel)
		env, err := wire.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, wire.TypeClassificationComplete, env.Type())
		return nil
	})

	b, err := New(Options{Client: mc})
	require.NoError(t, err)
	topic, err := b.Broadcast("handoffs")
	require.NoError(t, err)

	err = topic.Publish(context.Background(), wire.New(wire.TypeClassificationComplete, "5", "req-3"))
	require.NoError(t, err)
	assert.False(t, mc.HasMore())
}

func TestTopicSubscribeDecodesEnvelopes(t *testing.T) {
	payloads := make(chan []byte, 2)
	mc := mocks.NewClient(t)
	msub := mocks.NewSubscription(t)

	mc.AddSubscribe(func(_ context.Context, channel string) (clientspulse.Subscription, error) {
		assert.Equal(t, "maice:topic:handoffs", channel)
		return msub, nil
	})
	msub.AddMessages(func() <-chan []byte { return payloads })
	msub.AddClose(func() error { return nil })

	b, err := New(Options{Client: mc})
	require.NoError(t, err)
	topic, err := b.Broadcast("handoffs")
	require.NoError(t, err)

	ch, stop, err := topic.Subscribe(context.Background())
	require.NoError(t, err)

	payloads <- []byte("garbage")
	good, err := wire.New(wire.TypeAnswerResult, "8", "req-4").Encode()
	require.NoError(t, err)
	payloads <- good

	env := recvEnvelope(t, ch)
	assert.Equal(t, wire.TypeAnswerResult, env.Type())

	stop()
	stop() // idempotent

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "envelope channel should close after stop")
	case <-time.After(2 * time.Second):
		t.Fatal("envelope channel did not close")
	}
	assert.False(t, mc.HasMore())
	assert.False(t, msub.HasMore())
}

func TestCloseRejectsNewHandles(t *testing.T) {
	mc := mocks.NewClient(t)
	mc.AddClose(func(context.Context) error { return nil })

	b, err := New(Options{Client: mc})
	require.NoError(t, err)
	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, b.Close(context.Background())) // idempotent, client closed once

	_, err = b.Stream(bus.SessionStream("1"))
	assert.ErrorIs(t, err, bus.ErrClosed)
	_, err = b.Broadcast("handoffs")
	assert.ErrorIs(t, err, bus.ErrClosed)
	assert.False(t, mc.HasMore())
}
