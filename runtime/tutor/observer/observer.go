// Package observer turns completed exchanges into study records. Per turn it
// writes a title and summary for the student's notes; in the background it
// folds turns that outgrew the context window into a rolling conversation
// digest.
package observer

import (
	"context"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maice-ai/maice/runtime/tutor/bus"
	"github.com/maice-ai/maice/runtime/tutor/curriculum"
	"github.com/maice-ai/maice/runtime/tutor/fault"
	"github.com/maice-ai/maice/runtime/tutor/model"
	"github.com/maice-ai/maice/runtime/tutor/model/retry"
	"github.com/maice-ai/maice/runtime/tutor/prompt"
	"github.com/maice-ai/maice/runtime/tutor/store"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// DefaultTimeout bounds one model attempt. The per-turn summary closes the
// relay for its turn, so the bound stays under the relay phase budget.
const DefaultTimeout = 90 * time.Second

// Agent is the observer.
type Agent struct {
	models  model.Client
	bus     bus.Bus
	store   store.Store
	lib     *prompt.Library
	overlay *prompt.Library
	notes   *jsonschema.Schema
	digest  *jsonschema.Schema
	catalog *curriculum.Catalog
	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	model   string
	timeout time.Duration
	retry   retry.Config
}

// Option configures the Agent.
type Option func(*Agent)

// WithPrompts overlays a loaded prompt library onto the built-in defaults.
func WithPrompts(lib *prompt.Library) Option {
	return func(a *Agent) { a.overlay = lib }
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

// WithCurriculum replaces the built-in unit catalog.
func WithCurriculum(c *curriculum.Catalog) Option {
	return func(a *Agent) { a.catalog = c }
}

// WithTelemetry sets logging, metrics and tracing.
func WithTelemetry(log telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) Option {
	return func(a *Agent) {
		a.log = log
		a.metrics = metrics
		a.tracer = tracer
	}
}

// New builds the observer agent. The store carries the rolling conversation
// digest; per-turn records are persisted by the relay.
func New(models model.Client, b bus.Bus, st store.Store, opts ...Option) (*Agent, error) {
	a := &Agent{
		models:  models,
		bus:     b,
		store:   st,
		catalog: curriculum.Builtin(),
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
		timeout: DefaultTimeout,
		retry:   retry.Default(),
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
	if a.notes, err = compileSchema("notes.json", notesSchema); err != nil {
		return nil, err
	}
	if a.digest, err = compileSchema("digest.json", digestSchema); err != nil {
		return nil, err
	}
	return a, nil
}

// Name implements agent.Handler.
func (a *Agent) Name() string { return wire.AgentObserver }

// Channels implements agent.Handler. Both modes are fed over broadcasts.
func (a *Agent) Channels() []string {
	return []string{wire.TypeGenerateSummary, wire.TypeUpdateSummary}
}

// Handle implements agent.Handler.
func (a *Agent) Handle(ctx context.Context, env wire.Envelope) error {
	switch env.Type() {
	case wire.TypeGenerateSummary:
		return a.summarize(ctx, env)
	case wire.TypeUpdateSummary:
		return a.refresh(ctx, env)
	default:
		return nil
	}
}

// summarize produces the per-turn study record and reports it on the session
// stream, bracketed by lifecycle envelopes.
func (a *Agent) summarize(ctx context.Context, env wire.Envelope) error {
	ctx, span := a.tracer.Start(ctx, "observer.summarize")
	defer span.End()

	question := env.Get(wire.KeyQuestion)
	answer := env.Get(wire.KeyContent)
	if question == "" && answer == "" {
		return fault.New(fault.KindValidation, wire.AgentObserver, "summarize", "empty turn", false, wire.ErrMissingField)
	}

	started := time.Now()
	a.advise(ctx, wire.New(wire.TypeSummaryStart, env.SessionID(), env.RequestID()).
		Set(wire.KeyStatus, "started"))

	notes, err := a.run(ctx, question, answer, env.Get(wire.KeyContext))
	if err != nil {
		span.RecordError(err)
		return a.fail(ctx, env, err)
	}
	notes.KeyConcepts = a.enrichConcepts(notes.KeyConcepts)

	a.advise(ctx, wire.New(wire.TypeSummaryProgress, env.SessionID(), env.RequestID()).
		Set(wire.KeyStatus, "generated").
		SetInt(wire.KeyProgress, 50))

	out := wire.New(wire.TypeSummaryComplete, env.SessionID(), env.RequestID()).
		Set(wire.KeyTitle, notes.Title).
		Set(wire.KeySummary, notes.Summary).
		Set(wire.KeyStudentProgress, notes.StudentProgress).
		Set(wire.KeyStatus, "complete").
		Set(wire.KeyQuestion, question).
		Set(wire.KeyUserID, env.Get(wire.KeyUserID))
	if err := out.SetJSON(wire.KeyKeyConcepts, notes.KeyConcepts); err != nil {
		return a.fail(ctx, env, fault.New(fault.KindInternal, wire.AgentObserver, "summarize", "encode key concepts", false, err))
	}
	if err := a.addToStream(ctx, out); err != nil {
		return err
	}

	a.metrics.RecordTimer(telemetry.MetricSummaryDuration, time.Since(started), "mode", "turn")
	a.log.Info(ctx, "turn summarized",
		"session_id", env.SessionID(),
		"request_id", env.RequestID(),
		"title", notes.Title,
		"concepts", len(notes.KeyConcepts),
	)
	return nil
}

// refresh folds the turns that fell out of the sliding window into the
// session's rolling summary. The advisory is best effort: every failure is
// logged and dropped, and the next oversized assembly republishes it.
func (a *Agent) refresh(ctx context.Context, env wire.Envelope) error {
	ctx, span := a.tracer.Start(ctx, "observer.refresh")
	defer span.End()

	sid, err := wire.ParseSessionID(env.SessionID())
	if err != nil {
		a.log.Warn(ctx, "rolling summary advisory with bad session id", "session_id", env.SessionID(), "err", err)
		return nil
	}
	var turns []wire.Turn
	if err := env.JSON(wire.KeyMessages, &turns); err != nil || len(turns) == 0 {
		a.log.Warn(ctx, "rolling summary advisory without turns", "session_id", env.SessionID(), "err", err)
		return nil
	}

	started := time.Now()
	sess, err := a.store.Session(ctx, sid, env.Get(wire.KeyUserID))
	if err != nil {
		a.log.Warn(ctx, "rolling summary session read failed", "session_id", env.SessionID(), "err", err)
		return nil
	}
	summary, err := a.runDigest(ctx, sess.ConversationSummary, turns)
	if err != nil {
		kind := fault.Classify(err)
		a.metrics.IncCounter(telemetry.MetricFaults, 1, "kind", string(kind), "agent", wire.AgentObserver)
		a.log.Warn(ctx, "rolling summary call failed", "session_id", env.SessionID(), "err", err)
		return nil
	}
	now := time.Now().UTC()
	upd := store.SessionUpdate{ConversationSummary: &summary, LastSummaryAt: &now}
	if err := a.store.UpdateSession(ctx, sid, upd); err != nil {
		a.log.Warn(ctx, "rolling summary write failed", "session_id", env.SessionID(), "err", err)
		return nil
	}

	a.metrics.RecordTimer(telemetry.MetricSummaryDuration, time.Since(started), "mode", "rolling")
	a.log.Info(ctx, "rolling summary refreshed",
		"session_id", env.SessionID(), "folded_turns", len(turns))
	return nil
}

// run executes the per-turn model call and decodes the record. Attempts are
// retried as a unit.
func (a *Agent) run(ctx context.Context, question, answer, contextText string) (Notes, error) {
	system, user, err := a.lib.Render(templateSummarize, struct {
		Question, Answer, Context, Format, Tags string
	}{
		Question: question,
		Answer:   answer,
		Context:  contextText,
		Format:   a.lib.Setting(settingNotesFormat),
		Tags:     strings.Join(a.catalog.Tags(), ", "),
	})
	if err != nil {
		return Notes{}, fault.New(fault.KindInternal, wire.AgentObserver, "render", "summary prompt", false, err)
	}

	req := model.Request{
		Model:    a.model,
		Messages: []*model.Message{model.System(system), model.User(user)},
		JSONMode: true,
	}
	var notes Notes
	err = retry.Do(ctx, a.retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		resp, err := a.models.Complete(cctx, req)
		if err != nil {
			return err
		}
		obj, err := prompt.ExtractObject(resp.Text())
		if err != nil {
			return err
		}
		notes, err = decodeNotes(a.notes, obj, question)
		return err
	})
	if err != nil {
		kind := fault.Classify(err)
		if kind == fault.KindInternal {
			kind = fault.KindLLMTransient
		}
		return Notes{}, fault.New(kind, wire.AgentObserver, "complete", "summary call", false, err)
	}
	return notes, nil
}

// runDigest executes the rolling-summary model call.
func (a *Agent) runDigest(ctx context.Context, existing string, turns []wire.Turn) (string, error) {
	system, user, err := a.lib.Render(templateDigest, struct {
		Existing, Turns, Format string
	}{
		Existing: existing,
		Turns:    formatTurns(turns),
		Format:   a.lib.Setting(settingDigestFormat),
	})
	if err != nil {
		return "", fault.New(fault.KindInternal, wire.AgentObserver, "render", "digest prompt", false, err)
	}

	req := model.Request{
		Model:    a.model,
		Messages: []*model.Message{model.System(system), model.User(user)},
		JSONMode: true,
	}
	var summary string
	err = retry.Do(ctx, a.retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		resp, err := a.models.Complete(cctx, req)
		if err != nil {
			return err
		}
		obj, err := prompt.ExtractObject(resp.Text())
		if err != nil {
			return err
		}
		summary, err = decodeDigest(a.digest, obj)
		return err
	})
	if err != nil {
		return "", err
	}
	return summary, nil
}

// enrichConcepts swaps curriculum tags for their display names and drops
// blanks and duplicates, preserving order.
func (a *Agent) enrichConcepts(concepts []string) []string {
	out := make([]string, 0, len(concepts))
	seen := make(map[string]bool, len(concepts))
	for _, c := range concepts {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if unit, ok := a.catalog.Lookup(c); ok {
			c = unit.Name
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// advise publishes a lifecycle envelope. Lifecycle failures never abort the
// summary itself.
func (a *Agent) advise(ctx context.Context, env wire.Envelope) {
	if err := a.addToStream(ctx, env); err != nil {
		a.log.Warn(ctx, "summary lifecycle publish failed",
			"session_id", env.SessionID(), "type", env.Type(), "err", err)
	}
}

// fail reports a terminal summary failure on the session stream. The turn's
// relay treats it as its terminal event.
func (a *Agent) fail(ctx context.Context, env wire.Envelope, cause error) error {
	kind := fault.Classify(cause)
	a.metrics.IncCounter(telemetry.MetricFaults, 1, "kind", string(kind), "agent", wire.AgentObserver)
	a.log.Error(ctx, "turn summary failed",
		"session_id", env.SessionID(), "request_id", env.RequestID(),
		"fault_kind", string(kind), "err", cause)
	out := wire.New(wire.TypeError, env.SessionID(), env.RequestID()).
		Set(wire.KeyMessage, fault.PublicMessage(kind)).
		Set(wire.KeyReason, string(kind))
	return a.addToStream(ctx, out)
}

func (a *Agent) addToStream(ctx context.Context, env wire.Envelope) error {
	stream, err := a.bus.Stream(bus.SessionStream(env.SessionID()))
	if err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentObserver, "emit", "open stream", true, err)
	}
	if _, err := stream.Add(ctx, env); err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentObserver, "emit", "add", true, err)
	}
	return nil
}

// formatTurns renders older turns the way the context assembler renders the
// recent window.
func formatTurns(turns []wire.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("[")
		b.WriteString(t.Sender)
		b.WriteString("] ")
		b.WriteString(t.Content)
	}
	return b.String()
}
