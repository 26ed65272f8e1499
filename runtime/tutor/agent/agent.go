// Package agent runs the tutoring agents against the bus. A Supervisor owns
// one consumer group per agent per session stream plus the agents' global
// broadcast subscriptions, and serializes each agent's work within a session
// by funneling it through a single worker goroutine.
package agent

import (
	"context"
	"sync"

	"github.com/maice-ai/maice/runtime/tutor/bus"
	"github.com/maice-ai/maice/runtime/tutor/fault"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// Handler is one tutoring agent.
type Handler interface {
	// Name is the agent identifier, used as the consumer group name and
	// matched against the envelope target_agent field.
	Name() string
	// Channels lists the broadcast channels the agent subscribes to.
	Channels() []string
	// Handle processes one envelope. Returning a retryable fault leaves the
	// delivery unacknowledged for redelivery; any other outcome acknowledges.
	Handle(ctx context.Context, env wire.Envelope) error
}

// Supervisor wires handlers to the bus.
type Supervisor struct {
	bus     bus.Bus
	log     telemetry.Logger
	metrics telemetry.Metrics

	handlers []Handler

	mu       sync.Mutex
	sessions map[string][]bus.Sink
	runCtx   context.Context
	cancel   context.CancelFunc
	stops    []func()
	wg       sync.WaitGroup
}

// NewSupervisor builds a Supervisor over the given handlers.
func NewSupervisor(b bus.Bus, log telemetry.Logger, metrics telemetry.Metrics, handlers ...Handler) *Supervisor {
	return &Supervisor{
		bus:      b,
		log:      log,
		metrics:  metrics,
		handlers: handlers,
		sessions: make(map[string][]bus.Sink),
	}
}

// Start opens the broadcast subscriptions. Session streams attach on demand
// through EnsureSession.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(telemetry.MergeContext(context.Background(), ctx))

	for _, h := range s.handlers {
		for _, channel := range h.Channels() {
			topic, err := s.bus.Broadcast(channel)
			if err != nil {
				return err
			}
			ch, stop, err := topic.Subscribe(ctx)
			if err != nil {
				return err
			}
			s.stops = append(s.stops, stop)
			s.wg.Add(1)
			go s.consumeBroadcast(h, channel, ch)
		}
	}
	return nil
}

// EnsureSession attaches every agent to the session stream. It is idempotent
// and synchronous: when it returns, the consumer groups exist, so envelopes
// added afterwards are observed.
func (s *Supervisor) EnsureSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return bus.ErrClosed
	}
	if _, ok := s.sessions[sessionID]; ok {
		return nil
	}
	stream, err := s.bus.Stream(bus.SessionStream(sessionID))
	if err != nil {
		return err
	}
	sinks := make([]bus.Sink, 0, len(s.handlers))
	for _, h := range s.handlers {
		sink, err := stream.NewSink(ctx, h.Name())
		if err != nil {
			for _, opened := range sinks {
				opened.Close(ctx)
			}
			return err
		}
		sinks = append(sinks, sink)
		s.wg.Add(1)
		go s.consumeStream(h, sink)
	}
	s.sessions[sessionID] = sinks
	return nil
}

// CloseSession detaches the agents from a session stream.
func (s *Supervisor) CloseSession(ctx context.Context, sessionID string) {
	s.mu.Lock()
	sinks := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	for _, sink := range sinks {
		sink.Close(ctx)
	}
}

// Stop cancels all workers and waits for them to drain.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	stops := s.stops
	s.stops = nil
	sessions := s.sessions
	s.sessions = make(map[string][]bus.Sink)
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, sinks := range sessions {
		for _, sink := range sinks {
			sink.Close(ctx)
		}
	}
	s.wg.Wait()
}

// consumeStream drains one agent's consumer group on one session stream.
func (s *Supervisor) consumeStream(h Handler, sink bus.Sink) {
	defer s.wg.Done()
	for d := range sink.Subscribe() {
		env := d.Envelope
		if env.TargetAgent() != h.Name() {
			s.ack(h, sink, d)
			continue
		}
		if err := h.Handle(s.runCtx, env); err != nil {
			s.observeFailure(h, env, err)
			if f, ok := fault.As(err); ok && f.Retryable() {
				// Leave unacknowledged so the bus redelivers.
				continue
			}
		}
		s.ack(h, sink, d)
	}
}

// consumeBroadcast drains one agent's subscription on one broadcast channel.
func (s *Supervisor) consumeBroadcast(h Handler, channel string, ch <-chan wire.Envelope) {
	defer s.wg.Done()
	for env := range ch {
		if err := h.Handle(s.runCtx, env); err != nil {
			s.log.Error(s.runCtx, "broadcast handler failed",
				"agent", h.Name(),
				"channel", channel,
				"envelope_type", env.Type(),
				"session_id", env.SessionID(),
				"err", err,
			)
			s.metrics.IncCounter(telemetry.MetricFaults, 1,
				"kind", string(fault.Classify(err)), "agent", h.Name())
		}
	}
}

func (s *Supervisor) ack(h Handler, sink bus.Sink, d *wire.Delivery) {
	if err := sink.Ack(s.runCtx, d); err != nil {
		s.log.Warn(s.runCtx, "ack failed", "agent", h.Name(), "delivery_id", d.ID, "err", err)
	}
}

func (s *Supervisor) observeFailure(h Handler, env wire.Envelope, err error) {
	kind := fault.Classify(err)
	s.log.Error(s.runCtx, "agent handler failed",
		"agent", h.Name(),
		"envelope_type", env.Type(),
		"session_id", env.SessionID(),
		"request_id", env.RequestID(),
		"fault_kind", string(kind),
		"err", err,
	)
	s.metrics.IncCounter(telemetry.MetricFaults, 1, "kind", string(kind), "agent", h.Name())
}
