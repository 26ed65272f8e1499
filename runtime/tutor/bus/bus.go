// Package bus defines the messaging contracts the tutor runtime is built on:
// per-session ordered streams for authoritative agent traffic and broadcast
// topics for advisory handoffs. Implementations live under features/bus and
// runtime/tutor/bus/inmem; the runtime only sees these interfaces.
//
// Streams are at-least-once. Consumers must tolerate redelivery and ACK only
// after the side effects of handling have been applied. Broadcast topics are
// best-effort: every handoff they carry is recoverable from the session
// stream, so a missed publish degrades latency, not correctness.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// DefaultMaxEnvelopeBytes bounds the encoded size of a single envelope.
// Senders reject anything larger; the runtime never relies on jumbo payloads.
const DefaultMaxEnvelopeBytes = 256 * 1024

var (
	// ErrEnvelopeTooLarge reports an envelope over the configured size cap.
	ErrEnvelopeTooLarge = errors.New("bus: envelope exceeds size cap")
	// ErrClosed reports an operation on a closed bus, stream or sink.
	ErrClosed = errors.New("bus: closed")
)

type (
	// Bus is the root handle. One Bus instance is shared by the router and
	// every agent in a process.
	Bus interface {
		// Stream returns a handle to the named ordered stream, creating it if
		// needed. Stream names are stable across processes.
		Stream(name string) (Stream, error)
		// Broadcast returns a handle to the named broadcast topic.
		Broadcast(channel string) (Topic, error)
		// Close releases resources owned by the bus.
		Close(ctx context.Context) error
	}

	// Stream is an ordered, at-least-once event log scoped to one session.
	Stream interface {
		// Add appends the envelope and returns the bus-assigned event ID.
		// Envelopes over the size cap are rejected with ErrEnvelopeTooLarge.
		Add(ctx context.Context, env wire.Envelope) (string, error)
		// NewSink creates a named consumer group on the stream. Sinks created
		// after events were added only observe later events.
		NewSink(ctx context.Context, name string) (Sink, error)
		// Destroy deletes the stream and all pending events.
		Destroy(ctx context.Context) error
	}

	// Sink is one consumer group's read position on a stream.
	Sink interface {
		// Subscribe returns the delivery channel. The channel closes when the
		// sink is closed or the stream destroyed.
		Subscribe() <-chan *wire.Delivery
		// Ack acknowledges a delivery. Unacknowledged deliveries may be
		// redelivered to this or another member of the group.
		Ack(ctx context.Context, d *wire.Delivery) error
		// Close stops the sink and releases resources.
		Close(ctx context.Context)
	}

	// Topic is a fan-out broadcast channel with no delivery guarantees.
	Topic interface {
		// Publish sends the envelope to all current subscribers.
		Publish(ctx context.Context, env wire.Envelope) error
		// Subscribe registers a new subscriber. The returned stop function
		// unregisters it and closes the channel.
		Subscribe(ctx context.Context) (<-chan wire.Envelope, func(), error)
	}
)

// SessionStream names the ordered stream for a session.
func SessionStream(sessionID string) string {
	return "session/" + sessionID
}

// EncodeEnvelope serializes env and enforces the size cap. Implementations
// call this at the sender so oversized payloads never reach the transport.
// A maxBytes of zero applies DefaultMaxEnvelopeBytes.
func EncodeEnvelope(env wire.Envelope, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEnvelopeBytes
	}
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	if len(data) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes over %d cap", ErrEnvelopeTooLarge, len(data), maxBytes)
	}
	return data, nil
}
