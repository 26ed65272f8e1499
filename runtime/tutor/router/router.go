// Package router is the single entry point for user utterances. It owns the
// session lifecycle, infers the conversational role of each utterance from
// the session cursor, dispatches work to the agents over the session stream,
// and relays agent output back to the client as server-sent events.
//
// One utterance holds its session's gate from acceptance until its relay
// exits, so state transitions within a session are serialized. Sessions
// never share mutable state.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maice-ai/maice/runtime/tutor/bus"
	"github.com/maice-ai/maice/runtime/tutor/conversation"
	"github.com/maice-ai/maice/runtime/tutor/fault"
	"github.com/maice-ai/maice/runtime/tutor/sse"
	"github.com/maice-ai/maice/runtime/tutor/store"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// DefaultPhaseTimeout bounds the wait for the next envelope of a turn. Each
// received envelope re-arms it.
const DefaultPhaseTimeout = 120 * time.Second

// routerName tags faults and metrics originating here.
const routerName = "router"

// relayConsumer is the stream consumer name of the relay reader.
const relayConsumer = "router"

const sessionGreeting = "새로운 학습 세션을 시작했어요. 궁금한 수학 문제를 편하게 물어봐!"

// Role is the inferred conversational role of an utterance.
type Role string

// Roles.
const (
	RoleNewQuestion           Role = "new_question"
	RoleClarificationResponse Role = "clarification_response"
	RoleFollowUp              Role = "follow_up_question"
)

// InferRole derives the role from the session cursor. It is a pure function
// of the two fields.
func InferRole(stage store.Stage, last wire.MessageType) Role {
	switch {
	case stage == store.StageClarification && last == wire.MessageMaiceClarificationQuest:
		return RoleClarificationResponse
	case last == wire.MessageMaiceAnswer:
		return RoleFollowUp
	default:
		return RoleNewQuestion
	}
}

// messageType maps the role to the persisted message type.
func (r Role) messageType() wire.MessageType {
	switch r {
	case RoleClarificationResponse:
		return wire.MessageUserClarificationResponse
	case RoleFollowUp:
		return wire.MessageUserFollowUp
	default:
		return wire.MessageUserQuestion
	}
}

type (
	// Utterance is one incoming user message. A zero SessionID opens a new
	// session.
	Utterance struct {
		SessionID int64
		UserID    string
		Text      string
	}

	// Sessions manages the per-session agent consumers.
	Sessions interface {
		EnsureSession(ctx context.Context, sessionID string) error
		CloseSession(ctx context.Context, sessionID string)
	}

	// Clarifications destroys clarification state on session cancellation.
	Clarifications interface {
		Abandon(ctx context.Context, sessionID string) error
	}

	// Router accepts utterances and relays agent output to the client.
	Router struct {
		store     store.Store
		bus       bus.Bus
		sessions  Sessions
		assembler *conversation.Assembler
		clar      Clarifications
		log       telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer
		phase     time.Duration

		// gates serializes turns per session. The table lock guards only
		// insert and delete; each gate is held across a whole turn.
		mu    sync.Mutex
		gates map[int64]*gate
	}

	// Option configures the Router.
	Option func(*Router)

	gate struct {
		mu   sync.Mutex
		refs int
	}
)

// WithPhaseTimeout overrides the per-phase relay timeout.
func WithPhaseTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.phase = d
		}
	}
}

// WithClarifications wires the clarifier's cancellation hook.
func WithClarifications(c Clarifications) Option {
	return func(r *Router) { r.clar = c }
}

// WithTelemetry sets logging, metrics and tracing.
func WithTelemetry(log telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) Option {
	return func(r *Router) {
		r.log = log
		r.metrics = metrics
		r.tracer = tracer
	}
}

// New builds a Router.
func New(st store.Store, b bus.Bus, sessions Sessions, asm *conversation.Assembler, opts ...Option) *Router {
	r := &Router{
		store:     st,
		bus:       b,
		sessions:  sessions,
		assembler: asm,
		log:       telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.NewNoopTracer(),
		phase:     DefaultPhaseTimeout,
		gates:     map[int64]*gate{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleUtterance runs one full turn: session lifecycle, role inference,
// persistence, dispatch and relay. It returns when the turn reached a
// terminal event, the client went away, or the phase timeout fired. Errors
// already surfaced to the client as SSE error events are still returned for
// transport logging.
func (r *Router) HandleUtterance(ctx context.Context, utt Utterance, out sse.Sink) error {
	ctx, span := r.tracer.Start(ctx, "router.utterance")
	defer span.End()

	text := strings.TrimSpace(utt.Text)
	if utt.UserID == "" || text == "" {
		return fault.New(fault.KindValidation, routerName, "utterance", "missing user or text", false, nil)
	}

	var sess *store.Session
	if utt.SessionID == 0 {
		created, err := r.store.CreateSession(ctx, utt.UserID, text)
		if err != nil {
			return r.reject(ctx, out, 0, fault.New(fault.KindRepository, routerName, "utterance", "create session", false, err))
		}
		sess = created
		r.acquire(sess.ID)
		defer r.release(sess.ID)
		if err := r.forward(ctx, out, sse.NewSessionInfo(sess.ID, sessionGreeting)); err != nil {
			return err
		}
	} else {
		// The gate is taken before the session read so role inference sees
		// the state the previous turn left behind.
		r.acquire(utt.SessionID)
		defer r.release(utt.SessionID)
		loaded, err := r.store.Session(ctx, utt.SessionID, utt.UserID)
		if err != nil {
			return r.reject(ctx, out, utt.SessionID, fault.New(fault.KindRepository, routerName, "utterance", "load session", false, err))
		}
		sess = loaded
	}

	role := InferRole(sess.CurrentStage, sess.LastMessageType)
	reqID := uuid.NewString()
	r.metrics.IncCounter(telemetry.MetricUtterances, 1, "role", string(role))
	r.log.Info(ctx, "utterance accepted",
		"session_id", sess.ID,
		"request_id", reqID,
		"user_id", utt.UserID,
		"role", string(role),
	)

	if _, err := r.store.SaveUserMessage(ctx, store.SaveMessage{
		SessionID: sess.ID,
		UserID:    utt.UserID,
		Content:   text,
		Type:      role.messageType(),
		RequestID: reqID,
	}); err != nil {
		r.log.Warn(ctx, "user message write failed", "session_id", sess.ID, "err", err)
	}

	sid := wire.FormatSessionID(sess.ID)
	if err := r.sessions.EnsureSession(ctx, sid); err != nil {
		return r.reject(ctx, out, sess.ID, fault.New(fault.KindBusTransient, routerName, "utterance", "ensure consumers", true, err))
	}

	stream, err := r.bus.Stream(bus.SessionStream(sid))
	if err != nil {
		return r.reject(ctx, out, sess.ID, fault.New(fault.KindBusTransient, routerName, "utterance", "open stream", true, err))
	}
	// The relay sink exists before the dispatch is appended so no response
	// envelope can slip past it.
	sink, err := stream.NewSink(ctx, relayConsumer)
	if err != nil {
		return r.reject(ctx, out, sess.ID, fault.New(fault.KindBusTransient, routerName, "utterance", "open relay sink", true, err))
	}
	defer sink.Close(context.WithoutCancel(ctx))

	var env wire.Envelope
	if role == RoleClarificationResponse {
		env, err = r.clarificationDispatch(ctx, sess, reqID, text)
	} else {
		env, err = r.questionDispatch(ctx, sess, utt.UserID, reqID, text, role)
	}
	if err != nil {
		return r.reject(ctx, out, sess.ID, err)
	}
	if _, err := stream.Add(ctx, env); err != nil {
		return r.reject(ctx, out, sess.ID, fault.New(fault.KindBusTransient, routerName, "utterance", "dispatch", true, err))
	}

	return r.relay(ctx, turn{sess: sess, userID: utt.UserID, reqID: reqID, question: text, role: role}, sink, out)
}

// CancelSession ends whatever turn is in flight for the session: the agent
// consumers are closed (pending envelopes are dropped with them) and any
// clarification state is destroyed.
func (r *Router) CancelSession(ctx context.Context, sessionID int64, userID string) error {
	if _, err := r.store.Session(ctx, sessionID, userID); err != nil {
		return err
	}
	sid := wire.FormatSessionID(sessionID)
	r.sessions.CloseSession(ctx, sid)
	if r.clar != nil {
		if err := r.clar.Abandon(ctx, sid); err != nil {
			r.log.Warn(ctx, "abandon clarification state", "session_id", sessionID, "err", err)
		}
	}
	r.setStage(ctx, sessionID, store.StageReady)
	r.log.Info(ctx, "session cancelled", "session_id", sessionID)
	return nil
}

// questionDispatch builds the classify_question envelope for new and
// follow-up questions.
func (r *Router) questionDispatch(ctx context.Context, sess *store.Session, userID, reqID, text string, role Role) (wire.Envelope, error) {
	asm, err := r.assembler.Assemble(ctx, conversation.Input{
		SessionID:  sess.ID,
		UserID:     userID,
		RequestID:  reqID,
		IsFollowUp: role == RoleFollowUp,
	})
	if err != nil {
		return nil, fault.New(fault.KindRepository, routerName, "dispatch", "assemble context", false, err)
	}
	env := wire.New(wire.TypeClassifyQuestion, wire.FormatSessionID(sess.ID), reqID).
		Set(wire.KeyTargetAgent, wire.AgentClassifier).
		Set(wire.KeyUserID, userID).
		Set(wire.KeyQuestion, text).
		Set(wire.KeyContext, asm.Text).
		SetBool(wire.KeyIsNewQuestion, role == RoleNewQuestion)
	return env, nil
}

// clarificationDispatch builds the process_clarification envelope. The
// repository history is authoritative: the clarifier replaces its in-memory
// state with the pairs carried here, which also lets a restarted clarifier
// resume a loop it never saw.
func (r *Router) clarificationDispatch(ctx context.Context, sess *store.Session, reqID, text string) (wire.Envelope, error) {
	msgs, err := r.store.RecentMessages(ctx, sess.ID, 0)
	if err != nil {
		return nil, fault.New(fault.KindRepository, routerName, "dispatch", "load clarification history", false, err)
	}
	original, pairs := clarificationHistory(msgs)
	env := wire.New(wire.TypeProcessClarification, wire.FormatSessionID(sess.ID), reqID).
		Set(wire.KeyTargetAgent, wire.AgentClarifier).
		Set(wire.KeyUserID, sess.UserID).
		Set(wire.KeyMessage, text).
		Set(wire.KeyQuestion, original)
	if len(pairs) > 0 {
		if err := env.SetJSON(wire.KeyHistory, pairs); err != nil {
			return nil, fault.New(fault.KindInternal, routerName, "dispatch", "encode history", false, err)
		}
	}
	return env, nil
}

// clarificationHistory rebuilds the active clarification exchange from the
// visible messages: the question that opened the loop and every asked
// question paired with the reply that followed it. The utterance being
// dispatched is already persisted, so the current pair is included.
func clarificationHistory(msgs []*store.Message) (original string, pairs []wire.QAPair) {
	start := -1
	for i, m := range msgs {
		if m.Type == wire.MessageUserQuestion || m.Type == wire.MessageUserFollowUp {
			start = i
		}
	}
	if start < 0 {
		return "", nil
	}
	original = msgs[start].Content
	var question string
	var open bool
	for _, m := range msgs[start+1:] {
		switch m.Type {
		case wire.MessageMaiceClarificationQuest:
			question, open = m.Content, true
		case wire.MessageUserClarificationResponse:
			if open {
				pairs = append(pairs, wire.QAPair{Question: question, Answer: m.Content})
				open = false
			}
		}
	}
	return original, pairs
}

// reject surfaces a turn-opening failure to the client and returns it.
func (r *Router) reject(ctx context.Context, out sse.Sink, sessionID int64, cause error) error {
	kind := fault.Classify(cause)
	r.metrics.IncCounter(telemetry.MetricFaults, 1, "kind", string(kind), "agent", routerName)
	r.log.Error(ctx, "turn rejected", "session_id", sessionID, "fault_kind", string(kind), "err", cause)
	if err := out.Send(ctx, sse.NewError(sessionID, fault.PublicMessage(kind), "")); err != nil {
		r.log.Warn(ctx, "client unreachable for rejection", "session_id", sessionID, "err", err)
	}
	return cause
}

func (r *Router) acquire(sessionID int64) {
	r.mu.Lock()
	g, ok := r.gates[sessionID]
	if !ok {
		g = &gate{}
		r.gates[sessionID] = g
	}
	g.refs++
	r.mu.Unlock()
	g.mu.Lock()
}

func (r *Router) release(sessionID int64) {
	r.mu.Lock()
	g := r.gates[sessionID]
	g.refs--
	if g.refs == 0 {
		delete(r.gates, sessionID)
	}
	r.mu.Unlock()
	g.mu.Unlock()
}
