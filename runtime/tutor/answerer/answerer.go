// Package answerer generates the tutoring answer. Answerable questions
// stream through the model with a structure template keyed by knowledge
// code; unanswerable ones get a fixed rejection with no model call.
package answerer

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/maice-ai/maice/runtime/tutor/bus"
	"github.com/maice-ai/maice/runtime/tutor/fault"
	"github.com/maice-ai/maice/runtime/tutor/knowledge"
	"github.com/maice-ai/maice/runtime/tutor/model"
	"github.com/maice-ai/maice/runtime/tutor/model/retry"
	"github.com/maice-ai/maice/runtime/tutor/prompt"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// DefaultTimeout bounds one full streaming generation, opening included.
const DefaultTimeout = 60 * time.Second

// defaultClarificationAttempts fills the rejection text when the handoff
// does not carry the attempt count.
const defaultClarificationAttempts = 3

// Agent is the answer generator.
type Agent struct {
	models     model.Client
	bus        bus.Bus
	lib        *prompt.Library
	overlay    *prompt.Library
	log        telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer
	model      string
	timeout    time.Duration
	retry      retry.Config
	chunkRetry retry.Config
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

// WithTimeout bounds one full streaming generation.
func WithTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithRetry overrides the pre-first-chunk retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(a *Agent) { a.retry = cfg }
}

// WithChunkRetry overrides the per-chunk bus send retry policy.
func WithChunkRetry(cfg retry.Config) Option {
	return func(a *Agent) { a.chunkRetry = cfg }
}

// WithTelemetry sets logging, metrics and tracing.
func WithTelemetry(log telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) Option {
	return func(a *Agent) {
		a.log = log
		a.metrics = metrics
		a.tracer = tracer
	}
}

// New builds the answer agent.
func New(models model.Client, b bus.Bus, opts ...Option) (*Agent, error) {
	a := &Agent{
		models:     models,
		bus:        b,
		log:        telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		tracer:     telemetry.NewNoopTracer(),
		timeout:    DefaultTimeout,
		retry:      retry.Default(),
		chunkRetry: retry.Chunked(),
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
	return a, nil
}

// Name implements agent.Handler.
func (a *Agent) Name() string { return wire.AgentAnswerer }

// Channels implements agent.Handler. ready_for_answer comes from the
// classifier, generate_answer from the clarifier after a successful loop.
func (a *Agent) Channels() []string {
	return []string{wire.TypeReadyForAnswer, wire.TypeGenerateAnswer}
}

// Handle implements agent.Handler.
func (a *Agent) Handle(ctx context.Context, env wire.Envelope) error {
	switch env.Type() {
	case wire.TypeReadyForAnswer, wire.TypeGenerateAnswer:
		return a.answer(ctx, env)
	default:
		return nil
	}
}

func (a *Agent) answer(ctx context.Context, env wire.Envelope) error {
	ctx, span := a.tracer.Start(ctx, "answerer.answer")
	defer span.End()

	question := env.Get(wire.KeyQuestion)
	if question == "" {
		return fault.New(fault.KindValidation, wire.AgentAnswerer, "answer", "empty question", false, wire.ErrMissingField)
	}
	if knowledge.Quality(env.Get(wire.KeyQuality)) == knowledge.QualityUnanswerable {
		return a.rejectFixed(ctx, env, question)
	}
	return a.generate(ctx, env, question)
}

// rejectFixed emits the deterministic rejection as one answer_result. The
// router synthesizes the one-chunk client stream from it.
func (a *Agent) rejectFixed(ctx context.Context, env wire.Envelope, question string) error {
	reason := env.Get(wire.KeyUnanswerableReason)
	if reason == "" {
		reason = string(knowledge.ReasonNotMath)
	}
	text := a.rejectionText(reason, env)

	out := wire.New(wire.TypeAnswerResult, env.SessionID(), env.RequestID()).
		Set(wire.KeyContent, text).
		Set(wire.KeyQuality, string(knowledge.QualityUnanswerable)).
		Set(wire.KeyKnowledgeCode, env.Get(wire.KeyKnowledgeCode)).
		Set(wire.KeyUnanswerableReason, reason)
	if err := a.addToStream(ctx, out); err != nil {
		return err
	}
	a.log.Info(ctx, "rejection answered",
		"session_id", env.SessionID(), "request_id", env.RequestID(), "reason", reason)
	return a.notifyObserver(ctx, env, question, text)
}

// rejectionText picks the fixed message for the reason. The clarification
// text carries a {count} placeholder for the attempts used.
func (a *Agent) rejectionText(reason string, env wire.Envelope) string {
	switch knowledge.Reason(reason) {
	case knowledge.ReasonClarificationFailed:
		attempts := defaultClarificationAttempts
		if n, err := env.Int(wire.KeyTotalQuestions); err == nil && n > 0 {
			attempts = n
		}
		text := a.lib.Setting(settingRejectClarificationFailed)
		return strings.ReplaceAll(text, "{count}", strconv.Itoa(attempts))
	case knowledge.ReasonSecurity:
		return a.lib.Setting(settingRejectSecurity)
	default:
		return a.lib.Setting(settingRejectNotMath)
	}
}

// generate streams the model answer to the session stream.
func (a *Agent) generate(ctx context.Context, env wire.Envelope, question string) error {
	started := time.Now()
	system, user, err := a.renderAnswer(env, question)
	if err != nil {
		return a.fail(ctx, env, "", fault.New(fault.KindInternal, wire.AgentAnswerer, "render", "answer prompt", false, err))
	}
	req := model.Request{
		Model:    a.model,
		Messages: []*model.Message{model.System(system), model.User(user)},
		Stream:   true,
	}

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// Any failure before the first chunk retries as a unit; after the first
	// chunk the stream is committed and failures are fatal.
	var (
		streamer model.Streamer
		first    model.Chunk
	)
	err = retry.Do(cctx, a.retry, func(ctx context.Context) error {
		s, err := a.models.Stream(ctx, req)
		if err != nil {
			return err
		}
		c, err := s.Recv()
		if err != nil {
			s.Close()
			if errors.Is(err, io.EOF) {
				return errors.New("stream ended before any output")
			}
			return err
		}
		streamer, first = s, c
		return nil
	})
	if err != nil {
		kind := fault.Classify(err)
		if kind == fault.KindInternal {
			kind = fault.KindLLMTransient
		}
		return a.fail(ctx, env, "", fault.New(kind, wire.AgentAnswerer, "stream", "open answer stream", false, err))
	}
	defer streamer.Close()

	busStream, err := a.bus.Stream(bus.SessionStream(env.SessionID()))
	if err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentAnswerer, "stream", "open session stream", true, err)
	}

	var full strings.Builder
	index := 0
	chunk := first
	for {
		if chunk.Type == model.ChunkTypeText && chunk.Message != nil {
			delta := chunk.Message.Content
			if err := a.sendChunk(cctx, busStream, env, index, delta); err != nil {
				return a.fail(ctx, env, full.String(),
					fault.New(fault.KindBusTransient, wire.AgentAnswerer, "send_chunk", "forward delta", false, err))
			}
			full.WriteString(delta)
			index++
		}
		if chunk, err = streamer.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return a.fail(ctx, env, full.String(),
				fault.New(fault.KindLLMStreamBroken, wire.AgentAnswerer, "stream", "mid-answer failure", false, err))
		}
	}

	text := full.String()
	complete := wire.New(wire.TypeStreamingComplete, env.SessionID(), env.RequestID()).
		Set(wire.KeyFullResponse, text).
		Set(wire.KeyQuality, env.Get(wire.KeyQuality)).
		Set(wire.KeyKnowledgeCode, env.Get(wire.KeyKnowledgeCode)).
		SetInt(wire.KeyTotalChunks, index)
	if err := a.addToStream(ctx, complete); err != nil {
		return err
	}
	result := wire.New(wire.TypeAnswerResult, env.SessionID(), env.RequestID()).
		Set(wire.KeyContent, text).
		Set(wire.KeyQuality, env.Get(wire.KeyQuality)).
		Set(wire.KeyKnowledgeCode, env.Get(wire.KeyKnowledgeCode))
	if err := a.addToStream(ctx, result); err != nil {
		return err
	}

	a.metrics.IncCounter(telemetry.MetricAnswerChunks, float64(index))
	a.metrics.RecordTimer(telemetry.MetricAnswerDuration, time.Since(started),
		"quality", env.Get(wire.KeyQuality))
	a.log.Info(ctx, "answer streamed",
		"session_id", env.SessionID(),
		"request_id", env.RequestID(),
		"chunks", index,
		"bytes", len(text),
	)
	return a.notifyObserver(ctx, env, question, text)
}

func (a *Agent) renderAnswer(env wire.Envelope, question string) (string, string, error) {
	var history []wire.QAPair
	_ = env.JSON(wire.KeyHistory, &history)
	data := struct {
		Question, Context, History, Guidance string
	}{
		Question: question,
		Context:  env.Get(wire.KeyContext),
		History:  formatHistory(history),
		Guidance: a.guidance(env.Get(wire.KeyKnowledgeCode)),
	}
	return a.lib.Render(templateAnswer, data)
}

func (a *Agent) guidance(code string) string {
	switch knowledge.Code(code) {
	case knowledge.CodeFactual:
		return a.lib.Setting(settingGuidanceK1)
	case knowledge.CodeProcedural:
		return a.lib.Setting(settingGuidanceK3)
	case knowledge.CodeMetacognitive:
		return a.lib.Setting(settingGuidanceK4)
	default:
		return a.lib.Setting(settingGuidanceK2)
	}
}

// sendChunk forwards one delta, empty deltas included so ordering survives.
// Sends retry briefly; chunk loss would corrupt the client stream.
func (a *Agent) sendChunk(ctx context.Context, s bus.Stream, env wire.Envelope, index int, delta string) error {
	out := wire.New(wire.TypeStreamingChunk, env.SessionID(), env.RequestID()).
		Set(wire.KeyContent, delta).
		SetInt(wire.KeyChunkIndex, index).
		SetBool(wire.KeyIsFinal, false)
	return retry.Do(ctx, a.chunkRetry, func(ctx context.Context) error {
		_, err := s.Add(ctx, out)
		return err
	})
}

// notifyObserver hands the completed turn to summarization.
func (a *Agent) notifyObserver(ctx context.Context, env wire.Envelope, question, answer string) error {
	out := wire.New(wire.TypeGenerateSummary, env.SessionID(), env.RequestID()).
		Set(wire.KeyUserID, env.Get(wire.KeyUserID)).
		Set(wire.KeyQuestion, question).
		Set(wire.KeyContent, answer).
		Set(wire.KeyContext, env.Get(wire.KeyContext))
	topic, err := a.bus.Broadcast(wire.TypeGenerateSummary)
	if err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentAnswerer, "notify", "open topic", true, err)
	}
	if err := topic.Publish(ctx, out); err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentAnswerer, "notify", "publish", true, err)
	}
	return nil
}

func (a *Agent) addToStream(ctx context.Context, env wire.Envelope) error {
	stream, err := a.bus.Stream(bus.SessionStream(env.SessionID()))
	if err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentAnswerer, "emit", "open stream", true, err)
	}
	if _, err := stream.Add(ctx, env); err != nil {
		return fault.New(fault.KindBusTransient, wire.AgentAnswerer, "emit", "add", true, err)
	}
	return nil
}

// fail reports a fatal generation failure, carrying whatever streamed before
// the cut so the client keeps the partial answer.
func (a *Agent) fail(ctx context.Context, env wire.Envelope, partial string, cause error) error {
	kind := fault.Classify(cause)
	a.log.Error(ctx, "answer generation failed",
		"session_id", env.SessionID(), "request_id", env.RequestID(),
		"fault_kind", string(kind), "partial_bytes", len(partial), "err", cause)
	a.metrics.IncCounter(telemetry.MetricFaults, 1, "kind", string(kind), "agent", wire.AgentAnswerer)
	out := wire.New(wire.TypeError, env.SessionID(), env.RequestID()).
		Set(wire.KeyMessage, fault.PublicMessage(kind)).
		Set(wire.KeyReason, string(kind))
	if partial != "" {
		out.Set(wire.KeyContent, partial)
	}
	return a.addToStream(ctx, out)
}

// formatHistory renders clarification exchanges one Q/A pair per block.
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
