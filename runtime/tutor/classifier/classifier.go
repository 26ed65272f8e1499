// Package classifier decides what kind of question the student asked and
// whether it can be answered as posed. The verdict routes the request to the
// clarification loop or straight to answer generation.
package classifier

import (
	"context"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maice-ai/maice/runtime/tutor/bus"
	"github.com/maice-ai/maice/runtime/tutor/classlog"
	"github.com/maice-ai/maice/runtime/tutor/curriculum"
	"github.com/maice-ai/maice/runtime/tutor/fault"
	"github.com/maice-ai/maice/runtime/tutor/knowledge"
	"github.com/maice-ai/maice/runtime/tutor/model"
	"github.com/maice-ai/maice/runtime/tutor/model/retry"
	"github.com/maice-ai/maice/runtime/tutor/prompt"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// DefaultTimeout bounds one model attempt. Classification prompts are long
// and some providers queue, so the bound is generous.
const DefaultTimeout = 300 * time.Second

// Agent is the classifier.
type Agent struct {
	models   model.Client
	bus      bus.Bus
	lib      *prompt.Library
	overlay  *prompt.Library
	guard    *prompt.Guard
	schema   *jsonschema.Schema
	catalog  *curriculum.Catalog
	recorder classlog.Recorder
	log      telemetry.Logger
	metrics  telemetry.Metrics
	tracer   telemetry.Tracer
	model    string
	timeout  time.Duration
	retry    retry.Config
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

// WithRecorder sets the classification audit recorder.
func WithRecorder(r classlog.Recorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// WithTelemetry sets logging, metrics and tracing.
func WithTelemetry(log telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) Option {
	return func(a *Agent) {
		a.log = log
		a.metrics = metrics
		a.tracer = tracer
	}
}

// New builds the classifier agent.
func New(models model.Client, b bus.Bus, opts ...Option) (*Agent, error) {
	a := &Agent{
		models:   models,
		bus:      b,
		catalog:  curriculum.Builtin(),
		recorder: classlog.NopRecorder{},
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
		timeout:  DefaultTimeout,
		retry:    retry.Default(),
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
	if a.schema, err = compileResultSchema(); err != nil {
		return nil, err
	}
	return a, nil
}

// Name implements agent.Handler.
func (a *Agent) Name() string { return wire.AgentClassifier }

// Channels implements agent.Handler. The classifier is fed through session
// streams only.
func (a *Agent) Channels() []string { return nil }

// Handle implements agent.Handler.
func (a *Agent) Handle(ctx context.Context, env wire.Envelope) error {
	if env.Type() != wire.TypeClassifyQuestion {
		return nil
	}
	return a.classify(ctx, env)
}

type promptData struct {
	Wrapped  string
	Context  string
	Codes    string
	Criteria string
	Units    string
	Format   string
}

func (a *Agent) classify(ctx context.Context, env wire.Envelope) error {
	ctx, span := a.tracer.Start(ctx, "classifier.classify")
	defer span.End()

	question := env.Get(wire.KeyQuestion)
	if question == "" {
		return fault.New(fault.KindValidation, wire.AgentClassifier, "classify", "empty question", false, wire.ErrMissingField)
	}

	started := time.Now()
	var res Result
	if err := a.lib.CheckInput(question); err != nil {
		a.log.Warn(ctx, "question rejected by safety filter",
			"session_id", env.SessionID(), "request_id", env.RequestID(), "err", err)
		res = securityResult("input matched a danger pattern")
	} else {
		var err error
		if res, err = a.run(ctx, question, env.Get(wire.KeyContext)); err != nil {
			span.RecordError(err)
			return a.fail(ctx, env, err)
		}
	}

	a.record(ctx, env, question, res, time.Since(started))
	a.metrics.IncCounter(telemetry.MetricClassifications, 1,
		"quality", res.Quality, "knowledge_code", res.KnowledgeCode)
	a.log.Info(ctx, "question classified",
		"session_id", env.SessionID(),
		"request_id", env.RequestID(),
		"quality", res.Quality,
		"knowledge_code", res.KnowledgeCode,
		"security_flagged", res.SecurityFlagged,
	)

	// The verdict reaches the session stream before the handoff is published
	// so the client always sees classification_complete ahead of whatever the
	// next agent produces.
	if err := a.complete(ctx, env, res); err != nil {
		return err
	}
	return a.handoff(ctx, env, question, res)
}

// run executes the fenced model call and decodes the verdict. Attempts are
// retried as a unit: a provider failure, a malformed object and a schema
// rejection all consume one attempt.
func (a *Agent) run(ctx context.Context, question, contextText string) (Result, error) {
	wrapped, token, err := a.guard.Fence(question)
	if err != nil {
		return Result{}, fault.New(fault.KindInternal, wire.AgentClassifier, "fence", "wrap question", false, err)
	}
	system, user, err := a.lib.Render(templateClassify, promptData{
		Wrapped:  wrapped,
		Context:  contextText,
		Codes:    a.lib.Setting(settingKnowledgeCodes),
		Criteria: a.lib.Setting(settingGatingCriteria),
		Units:    a.catalog.Describe(a.catalog.Tags()),
		Format:   a.lib.Setting(settingOutputFormat),
	})
	if err != nil {
		return Result{}, fault.New(fault.KindInternal, wire.AgentClassifier, "render", "classification prompt", false, err)
	}

	req := model.Request{
		Model:    a.model,
		Messages: []*model.Message{model.System(system), model.User(user)},
		JSONMode: true,
	}
	var res Result
	err = retry.Do(ctx, a.retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		resp, err := a.models.Complete(cctx, req)
		if err != nil {
			return err
		}
		out := resp.Text()
		if a.guard.Echoed(out, token) {
			res = securityResult("model output echoed a separator token")
			return nil
		}
		obj, err := prompt.ExtractObject(out)
		if err != nil {
			return err
		}
		res, err = decodeResult(a.schema, obj)
		return err
	})
	if err != nil {
		kind := fault.Classify(err)
		if kind == fault.KindInternal {
			kind = fault.KindLLMTransient
		}
		return Result{}, fault.New(kind, wire.AgentClassifier, "complete", "classification call", false, err)
	}
	return res, nil
}

// record persists the verdict for offline analysis. Failures never block the
// flow.
func (a *Agent) record(ctx context.Context, env wire.Envelope, question string, res Result, latency time.Duration) {
	sid, _ := wire.ParseSessionID(env.SessionID())
	err := a.recorder.Record(ctx, classlog.Entry{
		SessionID:       sid,
		RequestID:       env.RequestID(),
		Question:        question,
		KnowledgeCode:   res.KnowledgeCode,
		Quality:         res.Quality,
		MissingFields:   res.MissingFields,
		UnitTags:        res.UnitTags,
		Reasoning:       res.Reasoning,
		SecurityFlagged: res.SecurityFlagged,
		Latency:         latency,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		a.log.Warn(ctx, "classification audit write failed",
			"session_id", env.SessionID(), "request_id", env.RequestID(), "err", err)
	}
}

// handoff routes the verdict to the next agent over a broadcast channel.
func (a *Agent) handoff(ctx context.Context, env wire.Envelope, question string, res Result) error {
	var out wire.Envelope
	switch knowledge.Quality(res.Quality) {
	case knowledge.QualityNeedsClarify:
		out = wire.New(wire.TypeNeedClarification, env.SessionID(), env.RequestID()).
			Set(wire.KeyUserID, env.Get(wire.KeyUserID)).
			Set(wire.KeyQuestion, question).
			Set(wire.KeyContext, env.Get(wire.KeyContext)).
			Set(wire.KeyKnowledgeCode, res.KnowledgeCode).
			Set(wire.KeyQuality, res.Quality)
	default:
		out = wire.New(wire.TypeReadyForAnswer, env.SessionID(), env.RequestID()).
			Set(wire.KeyUserID, env.Get(wire.KeyUserID)).
			Set(wire.KeyQuestion, question).
			Set(wire.KeyContext, env.Get(wire.KeyContext)).
			Set(wire.KeyKnowledgeCode, res.KnowledgeCode).
			Set(wire.KeyQuality, res.Quality)
		if res.UnanswerableReason != "" {
			out.Set(wire.KeyUnanswerableReason, res.UnanswerableReason)
		}
	}
	if err := out.SetJSON(wire.KeyResult, res); err != nil {
		return fault.New(fault.KindInternal, wire.AgentClassifier, "handoff", "encode result", false, err)
	}
	topic, err := a.bus.Broadcast(out.Type())
	if err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentClassifier, "handoff", "open topic", true, err)
	}
	if err := topic.Publish(ctx, out); err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentClassifier, "handoff", "publish", true, err)
	}
	return nil
}

// complete reports the verdict on the session stream for relay to the client.
func (a *Agent) complete(ctx context.Context, env wire.Envelope, res Result) error {
	out := wire.New(wire.TypeClassificationComplete, env.SessionID(), env.RequestID()).
		Set(wire.KeyKnowledgeCode, res.KnowledgeCode).
		Set(wire.KeyQuality, res.Quality)
	if err := out.SetJSON(wire.KeyResult, res); err != nil {
		return fault.New(fault.KindInternal, wire.AgentClassifier, "complete", "encode result", false, err)
	}
	stream, err := a.bus.Stream(bus.SessionStream(env.SessionID()))
	if err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentClassifier, "complete", "open stream", true, err)
	}
	if _, err := stream.Add(ctx, out); err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentClassifier, "complete", "add", true, err)
	}
	return nil
}

// fail reports a terminal classification failure on the session stream. The
// original delivery is acknowledged; redelivery would repeat the same failure.
func (a *Agent) fail(ctx context.Context, env wire.Envelope, cause error) error {
	kind := fault.Classify(cause)
	a.log.Error(ctx, "classification failed",
		"session_id", env.SessionID(), "request_id", env.RequestID(),
		"fault_kind", string(kind), "err", cause)
	out := wire.New(wire.TypeError, env.SessionID(), env.RequestID()).
		Set(wire.KeyMessage, fault.PublicMessage(kind)).
		Set(wire.KeyReason, string(kind))
	stream, err := a.bus.Stream(bus.SessionStream(env.SessionID()))
	if err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentClassifier, "fail", "open stream", true, err)
	}
	if _, err := stream.Add(ctx, out); err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentClassifier, "fail", "add", true, err)
	}
	return nil
}
