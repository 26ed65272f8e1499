// Package telemetry defines the logging, metrics and tracing contracts used
// across the tutor runtime. Implementations delegate to Clue and OpenTelemetry;
// the interfaces stay small so tests can substitute stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the tutor runtime. Tags are listed per metric.
const (
	// MetricUtterances counts accepted user utterances. Tags: role.
	MetricUtterances = "tutor.utterances"
	// MetricClassifications counts classifier verdicts. Tags: quality, knowledge_code.
	MetricClassifications = "tutor.classifications"
	// MetricClarificationRounds counts clarification questions asked.
	MetricClarificationRounds = "tutor.clarification.rounds"
	// MetricAnswerChunks counts streamed answer chunks.
	MetricAnswerChunks = "tutor.answer.chunks"
	// MetricAnswerDuration times answer generation end to end. Tags: quality.
	MetricAnswerDuration = "tutor.answer.duration"
	// MetricSummaryDuration times observer summary generation.
	MetricSummaryDuration = "tutor.summary.duration"
	// MetricModelCalls counts provider invocations. Tags: provider, outcome.
	MetricModelCalls = "tutor.model.calls"
	// MetricModelTokens counts provider token usage. Tags: provider, direction.
	MetricModelTokens = "tutor.model.tokens"
	// MetricModelDuration times provider calls, streams until drained or
	// closed. Tags: provider, operation.
	MetricModelDuration = "tutor.model.duration"
	// MetricRelayDuration times a relay from dispatch to its terminal event.
	// Tags: role.
	MetricRelayDuration = "tutor.relay.duration"
	// MetricFaults counts classified failures. Tags: kind, agent.
	MetricFaults = "tutor.faults"
	// MetricEventsForwarded counts events forwarded to clients. Tags: event.
	MetricEventsForwarded = "tutor.events.forwarded"
)
