package middleware

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/maice-ai/maice/runtime/tutor/model"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
)

// Instrument returns a model.Client middleware that records provider call
// counts, durations and token usage. The provider tag distinguishes adapters
// when several are active. Streamed calls are measured from Stream until the
// stream is drained or closed, with usage summed across usage chunks.
func Instrument(provider string, metrics telemetry.Metrics) func(model.Client) model.Client {
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &instrumentedClient{next: next, provider: provider, metrics: metrics}
	}
}

type instrumentedClient struct {
	next     model.Client
	provider string
	metrics  telemetry.Metrics
}

// Complete delegates to the underlying client and records the outcome.
func (c *instrumentedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	started := time.Now()
	resp, err := c.next.Complete(ctx, req)
	c.metrics.RecordTimer(telemetry.MetricModelDuration, time.Since(started),
		"provider", c.provider, "operation", "complete")
	c.metrics.IncCounter(telemetry.MetricModelCalls, 1,
		"provider", c.provider, "outcome", callOutcome(err))
	if err == nil {
		c.recordUsage(resp.Usage)
	}
	return resp, err
}

// Stream delegates to the underlying client and wraps the returned streamer
// so the call is recorded once the stream ends.
func (c *instrumentedClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	started := time.Now()
	stream, err := c.next.Stream(ctx, req)
	if err != nil {
		c.metrics.RecordTimer(telemetry.MetricModelDuration, time.Since(started),
			"provider", c.provider, "operation", "stream")
		c.metrics.IncCounter(telemetry.MetricModelCalls, 1,
			"provider", c.provider, "outcome", callOutcome(err))
		return nil, err
	}
	return &instrumentedStreamer{Streamer: stream, client: c, started: started}, nil
}

func (c *instrumentedClient) recordUsage(u model.TokenUsage) {
	if u.InputTokens > 0 {
		c.metrics.IncCounter(telemetry.MetricModelTokens, float64(u.InputTokens),
			"provider", c.provider, "direction", "input")
	}
	if u.OutputTokens > 0 {
		c.metrics.IncCounter(telemetry.MetricModelTokens, float64(u.OutputTokens),
			"provider", c.provider, "direction", "output")
	}
}

// instrumentedStreamer accumulates usage deltas and reports the call exactly
// once, on EOF, on a receive failure, or on early Close.
type instrumentedStreamer struct {
	model.Streamer
	client  *instrumentedClient
	started time.Time
	usage   model.TokenUsage
	done    bool
}

func (s *instrumentedStreamer) Recv() (model.Chunk, error) {
	ch, err := s.Streamer.Recv()
	switch {
	case err == nil:
		if ch.Type == model.ChunkTypeUsage && ch.UsageDelta != nil {
			s.usage.InputTokens += ch.UsageDelta.InputTokens
			s.usage.OutputTokens += ch.UsageDelta.OutputTokens
			s.usage.TotalTokens += ch.UsageDelta.TotalTokens
		}
	case errors.Is(err, io.EOF):
		s.finish(nil)
	default:
		s.finish(err)
	}
	return ch, err
}

func (s *instrumentedStreamer) Close() error {
	err := s.Streamer.Close()
	// Abandoning a stream early still completes the provider call.
	s.finish(nil)
	return err
}

func (s *instrumentedStreamer) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	c := s.client
	c.metrics.RecordTimer(telemetry.MetricModelDuration, time.Since(s.started),
		"provider", c.provider, "operation", "stream")
	c.metrics.IncCounter(telemetry.MetricModelCalls, 1,
		"provider", c.provider, "outcome", callOutcome(err))
	c.recordUsage(s.usage)
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}
