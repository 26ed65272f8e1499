// Package clarifier runs the clarification loop for questions the classifier
// found too vague. It asks at most Max questions, evaluates each student
// reply, and hands the refined question to answer generation or gives up
// with a deterministic rejection.
package clarifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maice-ai/maice/runtime/tutor/bus"
	"github.com/maice-ai/maice/runtime/tutor/fault"
	"github.com/maice-ai/maice/runtime/tutor/knowledge"
	"github.com/maice-ai/maice/runtime/tutor/model"
	"github.com/maice-ai/maice/runtime/tutor/model/retry"
	"github.com/maice-ai/maice/runtime/tutor/prompt"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

const (
	// DefaultTimeout bounds one evaluation model attempt.
	DefaultTimeout = 120 * time.Second
	// DefaultMaxClarifications bounds questions per clarification loop.
	DefaultMaxClarifications = 3
)

// Agent is the clarifier.
type Agent struct {
	models  model.Client
	bus     bus.Bus
	store   SessionStore
	lib     *prompt.Library
	overlay *prompt.Library
	guard   *prompt.Guard
	schema  *jsonschema.Schema
	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	model   string
	timeout time.Duration
	retry   retry.Config
	max     int
}

// Option configures the Agent.
type Option func(*Agent)

// WithPrompts overlays a loaded prompt library onto the built-in defaults.
func WithPrompts(lib *prompt.Library) Option {
	return func(a *Agent) { a.overlay = lib }
}

// WithSessionStore replaces the in-memory clarification session store.
func WithSessionStore(s SessionStore) Option {
	return func(a *Agent) { a.store = s }
}

// WithModel sets the provider model identifier.
func WithModel(name string) Option {
	return func(a *Agent) { a.model = name }
}

// WithTimeout bounds each model attempt.
func WithTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithRetry overrides the model retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(a *Agent) { a.retry = cfg }
}

// WithMaxClarifications bounds questions per loop.
func WithMaxClarifications(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.max = n
		}
	}
}

// WithTelemetry sets logging, metrics and tracing.
func WithTelemetry(log telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) Option {
	return func(a *Agent) {
		a.log = log
		a.metrics = metrics
		a.tracer = tracer
	}
}

// New builds the clarifier agent.
func New(models model.Client, b bus.Bus, opts ...Option) (*Agent, error) {
	a := &Agent{
		models:  models,
		bus:     b,
		store:   NewMemStore(),
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
		timeout: DefaultTimeout,
		retry:   retry.Default(),
		max:     DefaultMaxClarifications,
	}
	for _, opt := range opts {
		opt(a)
	}
	defaults, err := prompt.FromConfig(Defaults())
	if err != nil {
		return nil, err
	}
	if a.lib, err = defaults.Merge(a.overlay); err != nil {
		return nil, err
	}
	a.guard = prompt.NewGuard(a.lib.Separators())
	if a.schema, err = compileEvalSchema(); err != nil {
		return nil, err
	}
	return a, nil
}

// Name implements agent.Handler.
func (a *Agent) Name() string { return wire.AgentClarifier }

// Channels implements agent.Handler.
func (a *Agent) Channels() []string { return []string{wire.TypeNeedClarification} }

// Handle implements agent.Handler.
func (a *Agent) Handle(ctx context.Context, env wire.Envelope) error {
	switch env.Type() {
	case wire.TypeNeedClarification:
		return a.handleNeed(ctx, env)
	case wire.TypeProcessClarification:
		return a.handleProcess(ctx, env)
	default:
		return nil
	}
}

// Abandon drops the clarification session, if any. The router calls this on
// session cancellation.
func (a *Agent) Abandon(ctx context.Context, sessionID string) error {
	return a.store.Delete(ctx, sessionID)
}

// handleNeed opens a clarification loop and asks the first question.
func (a *Agent) handleNeed(ctx context.Context, env wire.Envelope) error {
	ctx, span := a.tracer.Start(ctx, "clarifier.open")
	defer span.End()

	var verdict struct {
		ClarificationQuestions []string `json:"clarification_questions"`
		MissingFields          []string `json:"missing_fields"`
	}
	if err := env.JSON(wire.KeyResult, &verdict); err != nil {
		// Scalar keys below still describe the question; proceed without seeds.
		a.log.Warn(ctx, "need_clarification without verdict payload",
			"session_id", env.SessionID(), "err", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		SessionID:        env.SessionID(),
		UserID:           env.Get(wire.KeyUserID),
		RequestID:        env.RequestID(),
		OriginalQuestion: env.Get(wire.KeyQuestion),
		Context:          env.Get(wire.KeyContext),
		KnowledgeCode:    env.Get(wire.KeyKnowledgeCode),
		MissingFields:    verdict.MissingFields,
		Max:              a.max,
		History:          []wire.QAPair{},
		State:            StateAsking,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if sess.MissingFields == nil {
		_ = env.JSON(wire.KeyMissingFields, &sess.MissingFields)
	}

	question := ""
	for _, q := range verdict.ClarificationQuestions {
		if q = strings.TrimSpace(q); q != "" {
			question = q
			break
		}
	}
	if question == "" {
		question = a.synthesizeSeed(ctx, sess)
	}

	sess.Count = 1
	sess.LastQuestion = question
	sess.State = StateAwaiting
	sess.UpdatedAt = time.Now().UTC()
	if err := a.store.Put(ctx, sess); err != nil {
		return fault.New(fault.KindRepository, wire.AgentClarifier, "open", "persist session", true, err)
	}
	return a.emitQuestion(ctx, sess)
}

// synthesizeSeed asks the model for an opening question when the classifier
// proposed none. Failures fall back to a generic ask: a worse question beats
// a dead loop.
func (a *Agent) synthesizeSeed(ctx context.Context, sess *Session) string {
	data := struct {
		Question, Code, Missing, Context string
	}{
		Question: sess.OriginalQuestion,
		Code:     sess.KnowledgeCode,
		Missing:  strings.Join(sess.MissingFields, ", "),
		Context:  sess.Context,
	}
	system, user, err := a.lib.Render(templateSeed, data)
	if err != nil {
		a.log.Warn(ctx, "render seed prompt", "session_id", sess.SessionID, "err", err)
		return fallbackQuestion
	}
	req := model.Request{
		Model:    a.model,
		Messages: []*model.Message{model.System(system), model.User(user)},
	}
	var question string
	err = retry.Do(ctx, a.retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		resp, err := a.models.Complete(cctx, req)
		if err != nil {
			return err
		}
		question = strings.TrimSpace(resp.Text())
		return nil
	})
	if err != nil || question == "" {
		a.log.Warn(ctx, "seed synthesis failed, using fallback",
			"session_id", sess.SessionID, "err", err)
		return fallbackQuestion
	}
	return question
}

// handleProcess evaluates one student reply against the open loop.
func (a *Agent) handleProcess(ctx context.Context, env wire.Envelope) error {
	ctx, span := a.tracer.Start(ctx, "clarifier.evaluate")
	defer span.End()

	reply := env.Get(wire.KeyMessage)
	if reply == "" {
		return fault.New(fault.KindValidation, wire.AgentClarifier, "evaluate", "empty reply", false, wire.ErrMissingField)
	}

	sess, err := a.store.Get(ctx, env.SessionID())
	switch {
	case errors.Is(err, ErrNoSession):
		if sess = a.rebuild(ctx, env); sess == nil {
			return a.fail(ctx, env, fault.New(fault.KindInternal, wire.AgentClarifier, "evaluate",
				"no session and no question to rebuild from", false, ErrNoSession))
		}
	case err != nil:
		return fault.New(fault.KindRepository, wire.AgentClarifier, "evaluate", "load session", true, err)
	}

	sess.RequestID = env.RequestID()
	var history []wire.QAPair
	if err := env.JSON(wire.KeyHistory, &history); err == nil && len(history) > 0 {
		sess.History = history
	} else if sess.LastQuestion != "" {
		sess.History = append(sess.History, wire.QAPair{Question: sess.LastQuestion, Answer: reply})
	}

	if err := a.lib.CheckInput(reply); err != nil {
		a.log.Warn(ctx, "reply rejected by safety filter",
			"session_id", sess.SessionID, "request_id", sess.RequestID, "err", err)
		return a.reject(ctx, sess, string(knowledge.ReasonSecurity))
	}

	sess.State = StateEvaluating
	sess.UpdatedAt = time.Now().UTC()
	if err := a.store.Put(ctx, sess); err != nil {
		a.log.Warn(ctx, "persist evaluating state", "session_id", sess.SessionID, "err", err)
	}

	ev, err := a.evaluate(ctx, sess, reply)
	if err != nil {
		if f, ok := fault.As(err); ok && f.Kind() == fault.KindSecurity {
			return a.reject(ctx, sess, string(knowledge.ReasonSecurity))
		}
		// Keep the session alive so the student's next reply retries the
		// evaluation instead of dead-ending the loop.
		sess.State = StateAwaiting
		if putErr := a.store.Put(ctx, sess); putErr != nil {
			a.log.Warn(ctx, "restore awaiting state", "session_id", sess.SessionID, "err", putErr)
		}
		span.RecordError(err)
		return a.fail(ctx, env, err)
	}

	a.log.Info(ctx, "clarification evaluated",
		"session_id", sess.SessionID,
		"request_id", sess.RequestID,
		"evaluation", ev.Evaluation,
		"confidence", ev.Confidence,
		"count", sess.Count,
	)

	switch {
	case ev.Evaluation == string(knowledge.EvaluationPass):
		return a.pass(ctx, sess, ev)
	case sess.Count >= sess.Max:
		return a.reject(ctx, sess, string(knowledge.ReasonClarificationFailed))
	default:
		return a.askNext(ctx, sess, ev)
	}
}

// rebuild reconstructs a lost session from the envelope. The router passes
// the original question and authoritative history, so a restarted instance
// without a replicated store can continue the loop.
func (a *Agent) rebuild(ctx context.Context, env wire.Envelope) *Session {
	original := env.Get(wire.KeyQuestion)
	if original == "" {
		return nil
	}
	var history []wire.QAPair
	_ = env.JSON(wire.KeyHistory, &history)
	count := len(history)
	if count == 0 {
		count = 1
	}
	if count > a.max {
		count = a.max
	}
	code := env.Get(wire.KeyKnowledgeCode)
	if !knowledge.Code(code).Valid() {
		code = string(knowledge.CodeConceptual)
	}
	now := time.Now().UTC()
	a.log.Warn(ctx, "rebuilt clarification session from envelope",
		"session_id", env.SessionID(), "history_len", len(history))
	return &Session{
		SessionID:        env.SessionID(),
		UserID:           env.Get(wire.KeyUserID),
		RequestID:        env.RequestID(),
		OriginalQuestion: original,
		KnowledgeCode:    code,
		MissingFields:    []string{},
		Count:            count,
		Max:              a.max,
		History:          history,
		State:            StateAwaiting,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// evaluate runs the fenced evaluation call. Attempts retry as a unit; an
// echoed separator stops immediately with a security fault.
func (a *Agent) evaluate(ctx context.Context, sess *Session, reply string) (Evaluation, error) {
	wrapped, token, err := a.guard.Fence(reply)
	if err != nil {
		return Evaluation{}, fault.New(fault.KindInternal, wire.AgentClarifier, "fence", "wrap reply", false, err)
	}

	lastQuestion := sess.LastQuestion
	earlier := sess.History
	if n := len(earlier); n > 0 {
		if q := earlier[n-1].Question; q != "" {
			lastQuestion = q
		}
		earlier = earlier[:n-1]
	}
	data := struct {
		Question, Missing, History, LastQuestion, Wrapped, Format string
		Count, Max                                                int
	}{
		Question:     sess.OriginalQuestion,
		Missing:      strings.Join(sess.MissingFields, ", "),
		History:      formatHistory(earlier),
		LastQuestion: lastQuestion,
		Wrapped:      wrapped,
		Format:       a.lib.Setting(settingEvalFormat),
		Count:        sess.Count,
		Max:          sess.Max,
	}
	system, user, err := a.lib.Render(templateEvaluate, data)
	if err != nil {
		return Evaluation{}, fault.New(fault.KindInternal, wire.AgentClarifier, "render", "evaluation prompt", false, err)
	}

	req := model.Request{
		Model:    a.model,
		Messages: []*model.Message{model.System(system), model.User(user)},
		JSONMode: true,
	}
	var ev Evaluation
	err = retry.Do(ctx, a.retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		resp, err := a.models.Complete(cctx, req)
		if err != nil {
			return err
		}
		out := resp.Text()
		if a.guard.Echoed(out, token) {
			return retry.Permanent(fault.New(fault.KindSecurity, wire.AgentClarifier, "evaluate",
				"model output echoed a separator token", false, nil))
		}
		obj, err := prompt.ExtractObject(out)
		if err != nil {
			return err
		}
		ev, err = decodeEvaluation(a.schema, obj)
		return err
	})
	if err != nil {
		if f, ok := fault.As(err); ok {
			return Evaluation{}, f
		}
		kind := fault.Classify(err)
		if kind == fault.KindInternal {
			kind = fault.KindLLMTransient
		}
		return Evaluation{}, fault.New(kind, wire.AgentClarifier, "evaluate", "evaluation call", false, err)
	}
	return ev, nil
}

// pass closes the loop successfully: status advisory, answer handoff,
// session teardown.
func (a *Agent) pass(ctx context.Context, sess *Session, ev Evaluation) error {
	final := ev.FinalQuestion
	if final == "" {
		final = sess.OriginalQuestion
	}
	code := ev.ReclassifiedKnowledgeCode
	if code == "" {
		code = sess.KnowledgeCode
	}
	if !knowledge.Code(code).Valid() {
		code = string(knowledge.CodeConceptual)
	}

	status := wire.New(wire.TypeClarificationStatus, sess.SessionID, sess.RequestID).
		Set(wire.KeyStatus, "sufficient")
	if err := a.addToStream(ctx, status); err != nil {
		return err
	}

	out := wire.New(wire.TypeGenerateAnswer, sess.SessionID, sess.RequestID).
		Set(wire.KeyUserID, sess.UserID).
		Set(wire.KeyQuestion, final).
		Set(wire.KeyFinalQuestion, final).
		Set(wire.KeyKnowledgeCode, code).
		Set(wire.KeyQuality, string(knowledge.QualityAnswerable)).
		Set(wire.KeyContext, sess.Context)
	if err := out.SetJSON(wire.KeyHistory, sess.History); err != nil {
		return fault.New(fault.KindInternal, wire.AgentClarifier, "pass", "encode history", false, err)
	}
	if err := a.publish(ctx, out); err != nil {
		return err
	}
	if err := a.store.Delete(ctx, sess.SessionID); err != nil {
		a.log.Warn(ctx, "delete clarification session", "session_id", sess.SessionID, "err", err)
	}
	return nil
}

// askNext asks one more question and stays in the loop.
func (a *Agent) askNext(ctx context.Context, sess *Session, ev Evaluation) error {
	question := ev.NextClarification
	if question == "" {
		question = fallbackQuestion
	}
	sess.Count++
	sess.LastQuestion = question
	sess.State = StateAwaiting
	sess.UpdatedAt = time.Now().UTC()
	if err := a.store.Put(ctx, sess); err != nil {
		return fault.New(fault.KindRepository, wire.AgentClarifier, "ask", "persist session", true, err)
	}
	return a.emitQuestion(ctx, sess)
}

// reject gives up on the loop and routes the question to the deterministic
// rejection path.
func (a *Agent) reject(ctx context.Context, sess *Session, reason string) error {
	out := wire.New(wire.TypeReadyForAnswer, sess.SessionID, sess.RequestID).
		Set(wire.KeyUserID, sess.UserID).
		Set(wire.KeyQuestion, sess.OriginalQuestion).
		Set(wire.KeyKnowledgeCode, sess.KnowledgeCode).
		Set(wire.KeyQuality, string(knowledge.QualityUnanswerable)).
		Set(wire.KeyUnanswerableReason, reason).
		SetInt(wire.KeyTotalQuestions, sess.Max)
	if err := out.SetJSON(wire.KeyHistory, sess.History); err != nil {
		return fault.New(fault.KindInternal, wire.AgentClarifier, "reject", "encode history", false, err)
	}
	if err := a.publish(ctx, out); err != nil {
		return err
	}
	if err := a.store.Delete(ctx, sess.SessionID); err != nil {
		a.log.Warn(ctx, "delete clarification session", "session_id", sess.SessionID, "err", err)
	}
	a.metrics.IncCounter(telemetry.MetricFaults, 1,
		"kind", string(fault.KindClarificationExhausted), "agent", wire.AgentClarifier)
	return nil
}

// emitQuestion puts the current question on the session stream.
func (a *Agent) emitQuestion(ctx context.Context, sess *Session) error {
	out := wire.New(wire.TypeClarificationQuestion, sess.SessionID, sess.RequestID).
		Set(wire.KeyMessage, sess.LastQuestion).
		SetInt(wire.KeyQuestionIndex, sess.Count).
		SetInt(wire.KeyTotalQuestions, sess.Max)
	if err := a.addToStream(ctx, out); err != nil {
		return err
	}
	a.metrics.IncCounter(telemetry.MetricClarificationRounds, 1)
	a.log.Info(ctx, "clarification question asked",
		"session_id", sess.SessionID,
		"request_id", sess.RequestID,
		"round", sess.Count,
		"max", sess.Max,
	)
	return nil
}

func (a *Agent) addToStream(ctx context.Context, env wire.Envelope) error {
	stream, err := a.bus.Stream(bus.SessionStream(env.SessionID()))
	if err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentClarifier, "emit", "open stream", true, err)
	}
	if _, err := stream.Add(ctx, env); err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentClarifier, "emit", "add", true, err)
	}
	return nil
}

func (a *Agent) publish(ctx context.Context, env wire.Envelope) error {
	topic, err := a.bus.Broadcast(env.Type())
	if err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentClarifier, "handoff", "open topic", true, err)
	}
	if err := topic.Publish(ctx, env); err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentClarifier, "handoff", "publish", true, err)
	}
	return nil
}

// fail reports a terminal clarification failure on the session stream.
func (a *Agent) fail(ctx context.Context, env wire.Envelope, cause error) error {
	kind := fault.Classify(cause)
	a.log.Error(ctx, "clarification failed",
		"session_id", env.SessionID(), "request_id", env.RequestID(),
		"fault_kind", string(kind), "err", cause)
	out := wire.New(wire.TypeError, env.SessionID(), env.RequestID()).
		Set(wire.KeyMessage, fault.PublicMessage(kind)).
		Set(wire.KeyReason, string(kind))
	return a.addToStream(ctx, out)
}

// formatHistory renders completed exchanges one Q/A pair per block.
func formatHistory(pairs []wire.QAPair) string {
	if len(pairs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("Q: ")
		b.WriteString(p.Question)
		b.WriteString("\nA: ")
		b.WriteString(p.Answer)
	}
	return b.String()
}
