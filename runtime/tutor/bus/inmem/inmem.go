// Package inmem provides an in-process bus implementation. It backs unit and
// scenario tests and single-process deployments where Redis is not available.
// Semantics mirror the Redis-backed bus: ordered per-session streams with
// named consumer groups, best-effort broadcast topics, and the envelope size
// cap enforced at the sender.
package inmem

import (
	"context"
	"strconv"
	"sync"

	"github.com/maice-ai/maice/runtime/tutor/bus"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// subscriberBuffer is the per-subscriber buffer for broadcast topics.
// Publishes to a full subscriber are dropped, matching the best-effort
// contract.
const subscriberBuffer = 64

// Bus is an in-process implementation of bus.Bus.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
	topics  map[string]*topic
	closed  bool
}

var _ bus.Bus = (*Bus)(nil)

// New constructs an empty in-process bus.
func New() *Bus {
	return &Bus{
		streams: make(map[string]*stream),
		topics:  make(map[string]*topic),
	}
}

// Stream returns the named stream, creating it if needed.
func (b *Bus) Stream(name string) (bus.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	s, ok := b.streams[name]
	if !ok {
		s = newStream(b, name)
		b.streams[name] = s
	}
	return s, nil
}

// Broadcast returns the named topic, creating it if needed.
func (b *Bus) Broadcast(channel string) (bus.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	t, ok := b.topics[channel]
	if !ok {
		t = newTopic()
		b.topics[channel] = t
	}
	return t, nil
}

// Close shuts down every stream and topic.
func (b *Bus) Close(context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := make([]*stream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, s := range streams {
		s.destroy()
	}
	for _, t := range topics {
		t.close()
	}
	return nil
}

// removeStream drops a destroyed stream from the registry.
func (b *Bus) removeStream(name string) {
	b.mu.Lock()
	delete(b.streams, name)
	b.mu.Unlock()
}

// stream is an ordered in-memory event log with named consumer groups.
type stream struct {
	owner *Bus
	name  string

	mu        sync.Mutex
	nextID    int64
	sinks     map[string]*sink
	destroyed bool
}

func newStream(owner *Bus, name string) *stream {
	return &stream{
		owner: owner,
		name:  name,
		sinks: make(map[string]*sink),
	}
}

// Add appends the envelope and fans a delivery out to every consumer group.
func (s *stream) Add(ctx context.Context, env wire.Envelope) (string, error) {
	data, err := bus.EncodeEnvelope(env, 0)
	if err != nil {
		return "", err
	}
	decoded, err := wire.Decode(data)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return "", bus.ErrClosed
	}
	s.nextID++
	id := strconv.FormatInt(s.nextID, 10)
	for _, sk := range s.sinks {
		sk.enqueue(&wire.Delivery{ID: id, Envelope: decoded.Clone()})
	}
	return id, nil
}

// NewSink returns the named consumer group, creating it if needed. Groups
// created after events were added only observe later events.
func (s *stream) NewSink(_ context.Context, name string) (bus.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, bus.ErrClosed
	}
	sk, ok := s.sinks[name]
	if !ok {
		sk = newSink(s, name)
		s.sinks[name] = sk
	}
	return sk, nil
}

// Destroy deletes the stream and closes every consumer group.
func (s *stream) Destroy(context.Context) error {
	s.destroy()
	s.owner.removeStream(s.name)
	return nil
}

func (s *stream) destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	sinks := make([]*sink, 0, len(s.sinks))
	for _, sk := range s.sinks {
		sinks = append(sinks, sk)
	}
	s.mu.Unlock()

	for _, sk := range sinks {
		sk.Close(context.Background())
	}
}

// removeSink drops a closed sink from the group registry.
func (s *stream) removeSink(name string) {
	s.mu.Lock()
	delete(s.sinks, name)
	s.mu.Unlock()
}

// sink is one consumer group's read position. A single pump goroutine drains
// the queue into the subscription channel so Add never blocks on consumers.
type sink struct {
	owner *stream
	name  string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*wire.Delivery
	pending map[string]struct{}
	closed  bool

	ch   chan *wire.Delivery
	done chan struct{}
}

func newSink(owner *stream, name string) *sink {
	sk := &sink{
		owner:   owner,
		name:    name,
		pending: make(map[string]struct{}),
		ch:      make(chan *wire.Delivery),
		done:    make(chan struct{}),
	}
	sk.cond = sync.NewCond(&sk.mu)
	go sk.pump()
	return sk
}

func (sk *sink) enqueue(d *wire.Delivery) {
	sk.mu.Lock()
	if sk.closed {
		sk.mu.Unlock()
		return
	}
	sk.queue = append(sk.queue, d)
	sk.pending[d.ID] = struct{}{}
	sk.cond.Signal()
	sk.mu.Unlock()
}

func (sk *sink) pump() {
	for {
		sk.mu.Lock()
		for len(sk.queue) == 0 && !sk.closed {
			sk.cond.Wait()
		}
		if sk.closed {
			sk.mu.Unlock()
			close(sk.ch)
			return
		}
		d := sk.queue[0]
		sk.queue = sk.queue[1:]
		sk.mu.Unlock()

		select {
		case sk.ch <- d:
		case <-sk.done:
			close(sk.ch)
			return
		}
	}
}

// Subscribe returns the delivery channel shared by all members of the group.
func (sk *sink) Subscribe() <-chan *wire.Delivery {
	return sk.ch
}

// Ack marks the delivery processed.
func (sk *sink) Ack(_ context.Context, d *wire.Delivery) error {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.closed {
		return bus.ErrClosed
	}
	delete(sk.pending, d.ID)
	return nil
}

// Close stops the pump and closes the subscription channel.
func (sk *sink) Close(context.Context) {
	sk.mu.Lock()
	if sk.closed {
		sk.mu.Unlock()
		return
	}
	sk.closed = true
	close(sk.done)
	sk.cond.Broadcast()
	sk.mu.Unlock()
	sk.owner.removeSink(sk.name)
}

// topic is a best-effort fan-out channel.
type topic struct {
	mu      sync.Mutex
	subs    map[int]chan wire.Envelope
	nextSub int
	closed  bool
}

func newTopic() *topic {
	return &topic{subs: make(map[int]chan wire.Envelope)}
}

// Publish copies the envelope to every subscriber. Subscribers with full
// buffers miss the publish; handoffs are recoverable from the session stream.
func (t *topic) Publish(_ context.Context, env wire.Envelope) error {
	if _, err := bus.EncodeEnvelope(env, 0); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return bus.ErrClosed
	}
	for _, ch := range t.subs {
		select {
		case ch <- env.Clone():
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber and returns its channel with a stop
// function.
func (t *topic) Subscribe(context.Context) (<-chan wire.Envelope, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, bus.ErrClosed
	}
	id := t.nextSub
	t.nextSub++
	ch := make(chan wire.Envelope, subscriberBuffer)
	t.subs[id] = ch

	var once sync.Once
	stop := func() {
		once.Do(func() {
			t.mu.Lock()
			if existing, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(existing)
			}
			t.mu.Unlock()
		})
	}
	return ch, stop, nil
}

func (t *topic) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}
