// Package pulse implements the tutor bus on Redis: per-session ordered
// streams ride on goa.design/pulse consumer groups, handoff broadcasts ride
// on plain Redis pub/sub. Services build a Redis client, wrap it in the Pulse
// client from clients/pulse, and hand the result to New.
package pulse

import (
	"context"
	"errors"
	"sync"

	"goa.design/pulse/streaming"

	clientspulse "github.com/maice-ai/maice/features/bus/pulse/clients/pulse"
	"github.com/maice-ai/maice/runtime/tutor/bus"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// topicPrefix namespaces pub/sub channels so bus traffic never collides with
// other Redis users sharing the connection.
const topicPrefix = "maice:topic:"

// defaultSinkBuffer is the delivery channel capacity used when Options does
// not override it.
const defaultSinkBuffer = 64

type (
	// Options configures the Redis-backed bus.
	Options struct {
		// Client is the Pulse client backing streams and topics. Required.
		Client clientspulse.Client
		// MaxEnvelopeBytes caps the encoded size of a single envelope.
		// Defaults to bus.DefaultMaxEnvelopeBytes.
		MaxEnvelopeBytes int
		// SinkBuffer sets the capacity of delivery and broadcast channels.
		// Defaults to 64.
		SinkBuffer int
		// Logger records discarded events. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Bus is the Redis-backed bus.Bus implementation.
	Bus struct {
		client   clientspulse.Client
		maxBytes int
		sinkBuf  int
		logger   telemetry.Logger

		mu     sync.Mutex
		closed bool
	}

	// stream adapts one Pulse stream to the bus.Stream contract.
	stream struct {
		bus    *Bus
		name   string
		handle clientspulse.Stream
	}

	// sink owns one consumer group position. A pump goroutine decodes raw
	// Pulse events into deliveries and keeps the originals around so Ack can
	// map a delivery ID back to the event Pulse expects.
	sink struct {
		bus        *Bus
		stream     string
		name       string
		inner      clientspulse.Sink
		events     <-chan *streaming.Event
		deliveries chan *wire.Delivery
		done       chan struct{}

		mu      sync.Mutex
		pending map[string]*streaming.Event
		closed  bool
	}

	// topic adapts one pub/sub channel to the bus.Topic contract.
	topic struct {
		bus     *Bus
		channel string
	}
)

// New constructs a Redis-backed bus from opts.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	maxBytes := opts.MaxEnvelopeBytes
	if maxBytes <= 0 {
		maxBytes = bus.DefaultMaxEnvelopeBytes
	}
	sinkBuf := opts.SinkBuffer
	if sinkBuf <= 0 {
		sinkBuf = defaultSinkBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{
		client:   opts.Client,
		maxBytes: maxBytes,
		sinkBuf:  sinkBuf,
		logger:   logger,
	}, nil
}

// Stream returns a handle to the named ordered stream.
func (b *Bus) Stream(name string) (bus.Stream, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	handle, err := b.client.Stream(name)
	if err != nil {
		return nil, err
	}
	return &stream{bus: b, name: name, handle: handle}, nil
}

// Broadcast returns a handle to the named broadcast topic.
func (b *Bus) Broadcast(channel string) (bus.Topic, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if channel == "" {
		return nil, errors.New("channel name is required")
	}
	return &topic{bus: b, channel: channel}, nil
}

// Close marks the bus closed and releases the Pulse client. Sinks and
// subscriptions created earlier keep running until closed individually.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.client.Close(ctx)
}

func (b *Bus) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	return nil
}

// Add encodes the envelope, enforces the size cap and appends it to the
// Pulse stream under its envelope type.
func (s *stream) Add(ctx context.Context, env wire.Envelope) (string, error) {
	data, err := bus.EncodeEnvelope(env, s.bus.maxBytes)
	if err != nil {
		return "", err
	}
	return s.handle.Add(ctx, env.Type(), data)
}

// NewSink creates a named consumer group on the stream and starts the pump
// goroutine translating Pulse events into deliveries.
func (s *stream) NewSink(ctx context.Context, name string) (bus.Sink, error) {
	inner, err := s.handle.NewSink(ctx, name)
	if err != nil {
		return nil, err
	}
	snk := &sink{
		bus:        s.bus,
		stream:     s.name,
		name:       name,
		inner:      inner,
		events:     inner.Subscribe(),
		deliveries: make(chan *wire.Delivery, s.bus.sinkBuf),
		done:       make(chan struct{}),
		pending:    make(map[string]*streaming.Event),
	}
	go snk.pump()
	return snk, nil
}

// Destroy deletes the stream and all pending events from Redis.
func (s *stream) Destroy(ctx context.Context) error {
	return s.handle.Destroy(ctx)
}

// Subscribe returns the delivery channel. It closes when the sink closes or
// the underlying Pulse sink shuts down.
func (s *sink) Subscribe() <-chan *wire.Delivery {
	return s.deliveries
}

// Ack acknowledges a delivery with Pulse. Delivery IDs the sink no longer
// tracks are ignored: at-least-once redelivery means a consumer may ack an
// event that was already reclaimed by another group member.
func (s *sink) Ack(ctx context.Context, d *wire.Delivery) error {
	if d == nil {
		return nil
	}
	s.mu.Lock()
	evt, ok := s.pending[d.ID]
	if ok {
		delete(s.pending, d.ID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.inner.Ack(ctx, evt)
}

// Close stops the pump and the underlying Pulse sink.
func (s *sink) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.inner.Close(ctx)
}

// pump decodes Pulse events into deliveries. Events whose payload does not
// decode are acked and skipped so a poison entry cannot wedge the group.
func (s *sink) pump() {
	defer close(s.deliveries)
	for {
		select {
		case <-s.done:
			return
		case evt, ok := <-s.events:
			if !ok {
				return
			}
			env, err := wire.Decode(evt.Payload)
			if err != nil {
				s.bus.logger.Warn(context.Background(), "discarding undecodable event",
					"stream", s.stream, "sink", s.name, "event_id", evt.ID, "err", err)
				if aerr := s.inner.Ack(context.Background(), evt); aerr != nil {
					s.bus.logger.Warn(context.Background(), "ack of discarded event failed",
						"stream", s.stream, "sink", s.name, "event_id", evt.ID, "err", aerr)
				}
				continue
			}
			s.mu.Lock()
			s.pending[evt.ID] = evt
			s.mu.Unlock()
			select {
			case s.deliveries <- &wire.Delivery{ID: evt.ID, Envelope: env}:
			case <-s.done:
				return
			}
		}
	}
}

// Publish encodes the envelope and fans it out on the pub/sub channel.
// No subscribers is not an error.
func (t *topic) Publish(ctx context.Context, env wire.Envelope) error {
	data, err := bus.EncodeEnvelope(env, t.bus.maxBytes)
	if err != nil {
		return err
	}
	return t.bus.client.Publish(ctx, topicPrefix+t.channel, data)
}

// Subscribe opens a pub/sub subscription on the channel. The returned stop
// function unsubscribes and closes the envelope channel.
func (t *topic) Subscribe(ctx context.Context) (<-chan wire.Envelope, func(), error) {
	sub, err := t.bus.client.Subscribe(ctx, topicPrefix+t.channel)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan wire.Envelope, t.bus.sinkBuf)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case payload, ok := <-sub.Messages():
				if !ok {
					return
				}
				env, err := wire.Decode(payload)
				if err != nil {
					t.bus.logger.Warn(context.Background(), "discarding undecodable broadcast",
						"channel", t.channel, "err", err)
					continue
				}
				select {
				case out <- env:
				case <-done:
					return
				}
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, stop, nil
}
