// Package pulse provides a thin maice-specific wrapper around Pulse streams
// and Redis pub/sub. It mirrors the layering used across existing Pulse
// deployments: services build a Redis client, pass it to New, and receive a
// typed interface that exposes only the operations the bus needs.
package pulse

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// clientName identifies the client in health reports.
const clientName = "bus-redis"

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection backing streams and topics. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per session stream.
		// Zero uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add and Publish operations. Zero
		// means no timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse and Redis APIs required by the
	// session bus.
	Client interface {
		health.Pinger

		// Stream returns a handle to the named Pulse stream, creating it if
		// needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Publish sends the payload to every current subscriber of the
		// channel. Fire and forget: no subscribers is not an error.
		Publish(ctx context.Context, channel string, payload []byte) error
		// Subscribe registers a pub/sub subscriber on the channel.
		Subscribe(ctx context.Context, channel string) (Subscription, error)
		// Close releases resources owned by the client. Callers typically own
		// the Redis connection and close it themselves.
		Close(ctx context.Context) error
	}

	// Stream exposes the operations needed to publish envelopes and create
	// consumer groups.
	Stream interface {
		// Add appends the payload under the given event name, returning the
		// event ID assigned by Redis.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a Pulse sink (consumer group) on this stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its messages from Redis.
		Destroy(ctx context.Context) error
	}

	// Sink mirrors the subset of goa.design/pulse streaming sinks required by
	// the bus.
	Sink interface {
		// Subscribe returns a channel that emits events as they arrive.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases resources.
		Close(context.Context)
	}

	// Subscription is one pub/sub subscriber's feed of raw payloads.
	Subscription interface {
		// Messages returns the payload channel. It closes when the
		// subscription is closed.
		Messages() <-chan []byte
		// Close unsubscribes and closes the payload channel.
		Close() error
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Stream returns a handle to the named Pulse stream, creating it if it does
// not exist.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Publish sends the payload on the Redis pub/sub channel.
func (c *client) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return errors.New("channel name is required")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := c.redis.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe opens a Redis pub/sub subscription on the channel. The returned
// subscription owns a goroutine that forwards payloads until Close.
func (c *client) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if channel == "" {
		return nil, errors.New("channel name is required")
	}
	ps := c.redis.Subscribe(ctx, channel)
	// Receive forces the SUBSCRIBE round trip so a successful return means the
	// subscription is live before the first Publish races it.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	sub := &subscription{
		ps:  ps,
		out: make(chan []byte, 64),
	}
	go sub.forward()
	return sub, nil
}

// Close is a no-op because the caller owns the Redis connection lifecycle.
func (c *client) Close(ctx context.Context) error {
	return nil
}

// Name returns the name of the client for health reporting.
func (c *client) Name() string {
	return clientName
}

// Ping checks Redis connectivity.
func (c *client) Ping(ctx context.Context) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.redis.Ping(ctx).Err()
}

// handle wraps a Pulse stream and applies optional timeouts to operations.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

// Add publishes an event to the stream with an optional timeout.
func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

// NewSink creates a consumer group on the stream.
func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return &sinkAdapter{Sink: sink}, nil
}

// Destroy deletes the stream and all its messages from Redis.
func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkAdapter adapts streaming.Sink to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

// Close delegates to the underlying Pulse sink.
func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}

// subscription forwards Redis pub/sub payloads onto a plain byte channel so
// bus code never touches redis.Message.
type subscription struct {
	ps  *redis.PubSub
	out chan []byte

	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) Messages() <-chan []byte { return s.out }

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ps.Close()
	})
	return s.closeErr
}

func (s *subscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- []byte(msg.Payload)
	}
}
