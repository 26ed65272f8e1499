package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/maice-ai/maice/runtime/tutor/bus"
	"github.com/maice-ai/maice/runtime/tutor/fault"
	"github.com/maice-ai/maice/runtime/tutor/knowledge"
	"github.com/maice-ai/maice/runtime/tutor/sse"
	"github.com/maice-ai/maice/runtime/tutor/store"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// turn is the relay state for one utterance.
type turn struct {
	sess     *store.Session
	userID   string
	reqID    string
	question string
	role     Role

	// streamed is set once the first chunk was forwarded; answered once the
	// client received answer_complete. A trailing answer_result after a
	// streamed answer then persists only.
	streamed  bool
	answered  bool
	nextIndex int
}

// relay reads the session stream and forwards this turn's envelopes to the
// client until a terminal event, a phase timeout, or client disconnect.
// Every envelope is acknowledged: stale output from an abandoned turn is
// dropped, and failed turns end with a terminal error envelope rather than
// redelivery.
func (r *Router) relay(ctx context.Context, t turn, sink bus.Sink, out sse.Sink) error {
	deliveries := sink.Subscribe()
	timer := time.NewTimer(r.phase)
	defer timer.Stop()
	started := time.Now()
	defer func() {
		r.metrics.RecordTimer(telemetry.MetricRelayDuration, time.Since(started), "role", string(t.role))
	}()

	for {
		select {
		case <-ctx.Done():
			// Client disconnect abandons the relay; in-flight agent work
			// continues and its output is dropped by the next turn.
			r.log.Info(context.WithoutCancel(ctx), "relay abandoned",
				"session_id", t.sess.ID, "request_id", t.reqID, "err", ctx.Err())
			return ctx.Err()

		case <-timer.C:
			r.metrics.IncCounter(telemetry.MetricFaults, 1, "kind", string(fault.KindTimeout), "agent", routerName)
			r.log.Error(ctx, "relay phase timed out", "session_id", t.sess.ID, "request_id", t.reqID)
			r.setStage(ctx, t.sess.ID, store.StageReady)
			if err := r.forward(ctx, out, sse.NewError(t.sess.ID, fault.PublicMessage(fault.KindTimeout), "")); err != nil {
				return err
			}
			return fault.New(fault.KindTimeout, routerName, "relay", "phase timed out", false, context.DeadlineExceeded)

		case d, ok := <-deliveries:
			if !ok {
				return fault.New(fault.KindBusTransient, routerName, "relay", "stream closed", true, bus.ErrClosed)
			}
			if err := sink.Ack(ctx, d); err != nil {
				r.log.Warn(ctx, "ack failed", "delivery_id", d.ID, "err", err)
			}
			env := d.Envelope
			if env.Get(wire.KeyTargetAgent) != "" || env.RequestID() != t.reqID {
				continue
			}
			r.resetPhase(timer)

			done, err := r.handle(ctx, &t, env, out)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handle applies one router-bound envelope. It reports whether the turn
// reached its terminal event.
func (r *Router) handle(ctx context.Context, t *turn, env wire.Envelope, out sse.Sink) (bool, error) {
	switch env.Type() {
	case wire.TypeClassificationComplete:
		if env.Get(wire.KeyQuality) == string(knowledge.QualityNeedsClarify) {
			r.setStage(ctx, t.sess.ID, store.StageClarification)
		}
		raw := json.RawMessage(env.Get(wire.KeyResult))
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		ev := sse.NewClassificationComplete(t.sess.ID, raw, t.question, t.role == RoleNewQuestion)
		return false, r.forward(ctx, out, ev)

	case wire.TypeClarificationQuestion:
		message := env.Get(wire.KeyMessage)
		r.setCursor(ctx, t.sess.ID, store.StageClarification, wire.MessageMaiceClarificationQuest)
		r.persistMaice(ctx, t.sess.ID, message, wire.MessageMaiceClarificationQuest, t.reqID)
		index, _ := env.Int(wire.KeyQuestionIndex)
		total, _ := env.Int(wire.KeyTotalQuestions)
		if err := r.forward(ctx, out, sse.NewClarificationQuestion(t.sess.ID, message, index, total)); err != nil {
			return false, err
		}
		// The turn ends here; the loop resumes when the student replies.
		return true, nil

	case wire.TypeClarificationStatus:
		progress, _ := env.Int(wire.KeyProgress)
		ev := sse.NewClarificationStatus(t.sess.ID, env.Get(wire.KeyStatus), env.Get(wire.KeyMessage), progress)
		return false, r.forward(ctx, out, ev)

	case wire.TypeStreamingChunk:
		if !t.streamed {
			t.streamed = true
			r.setCursor(ctx, t.sess.ID, store.StageGeneratingAnswer, wire.MessageMaiceAnswer)
		}
		index, err := env.Int(wire.KeyChunkIndex)
		if err != nil {
			index = t.nextIndex
		}
		final := env.Bool(wire.KeyIsFinal)
		if err := r.forward(ctx, out, sse.NewStreamingChunk(t.sess.ID, t.reqID, env.Get(wire.KeyContent), index, final)); err != nil {
			return false, err
		}
		t.nextIndex = index + 1
		if final {
			r.setStage(ctx, t.sess.ID, store.StageReady)
		}
		return false, nil

	case wire.TypeStreamingComplete:
		full := env.Get(wire.KeyFullResponse)
		r.persistMaice(ctx, t.sess.ID, full, wire.MessageMaiceAnswer, t.reqID)
		return false, r.completeAnswer(ctx, t, full, out)

	case wire.TypeAnswerResult:
		content := env.Get(wire.KeyContent)
		r.persistMaice(ctx, t.sess.ID, content, wire.MessageMaiceAnswer, t.reqID)
		if t.answered {
			// Durable twin of an already-streamed answer.
			return false, nil
		}
		return false, r.completeAnswer(ctx, t, content, out)

	case wire.TypeSummaryStart, wire.TypeSummaryProgress:
		r.log.Debug(ctx, "summary lifecycle", "session_id", t.sess.ID, "type", env.Type())
		return false, nil

	case wire.TypeSummaryComplete:
		return true, r.completeSummary(ctx, t, env, out)

	case wire.TypeError:
		message := env.Get(wire.KeyMessage)
		if message == "" {
			message = fault.PublicMessage(fault.KindInternal)
		}
		r.persistMaice(ctx, t.sess.ID, message, wire.MessageErrorNote, t.reqID)
		r.setStage(ctx, t.sess.ID, store.StageReady)
		if err := r.forward(ctx, out, sse.NewError(t.sess.ID, message, env.Get(wire.KeyContent))); err != nil {
			return false, err
		}
		return true, nil

	default:
		r.log.Debug(ctx, "relay skipped envelope", "session_id", t.sess.ID, "type", env.Type())
		return false, nil
	}
}

// completeAnswer closes the answer phase: the terminal chunk, the
// full-response safety net, and the session cursor. A streamed answer gets
// an empty terminal chunk so chunk concatenation still equals the full text;
// a deterministic reply becomes a single-chunk stream.
func (r *Router) completeAnswer(ctx context.Context, t *turn, full string, out sse.Sink) error {
	content := ""
	if !t.streamed {
		content = full
	}
	if err := r.forward(ctx, out, sse.NewStreamingChunk(t.sess.ID, t.reqID, content, t.nextIndex, true)); err != nil {
		return err
	}
	t.nextIndex++
	if err := r.forward(ctx, out, sse.NewAnswerComplete(t.sess.ID, t.reqID, full, "completed")); err != nil {
		return err
	}
	r.setCursor(ctx, t.sess.ID, store.StageReady, wire.MessageMaiceAnswer)
	t.answered = true
	return nil
}

// completeSummary persists the study record and closes the turn.
func (r *Router) completeSummary(ctx context.Context, t *turn, env wire.Envelope, out sse.Sink) error {
	summary := env.Get(wire.KeySummary)
	original := env.Get(wire.KeyQuestion)
	if original == "" {
		original = t.question
	}
	if err := r.store.SaveSummary(ctx, store.Summary{
		SessionID:        t.sess.ID,
		UserID:           t.userID,
		OriginalQuestion: original,
		Summary:          summary,
		RequestID:        t.reqID,
	}); err != nil {
		r.log.Warn(ctx, "summary write failed", "session_id", t.sess.ID, "err", err)
	}
	if title := env.Get(wire.KeyTitle); title != "" {
		if err := r.store.UpdateSessionTitle(ctx, t.sess.ID, title); err != nil {
			r.log.Warn(ctx, "title write failed", "session_id", t.sess.ID, "err", err)
		}
	}
	status := env.Get(wire.KeyStatus)
	if status == "" {
		status = "complete"
	}
	r.setStage(ctx, t.sess.ID, store.StageReady)
	return r.forward(ctx, out, sse.NewSummaryComplete(t.sess.ID, summary, status, true))
}

// forward sends one event to the client. A send failure means the client is
// gone and aborts the relay.
func (r *Router) forward(ctx context.Context, out sse.Sink, ev sse.Event) error {
	if err := out.Send(ctx, ev); err != nil {
		return fault.New(fault.KindInternal, routerName, "forward", "send "+ev.EventType(), false, err)
	}
	r.metrics.IncCounter(telemetry.MetricEventsForwarded, 1, "event", ev.EventType())
	return nil
}

// setStage updates the session stage. Write failures are logged and
// swallowed: the bus remains the source of truth for the turn.
func (r *Router) setStage(ctx context.Context, sessionID int64, stage store.Stage) {
	s := stage
	if err := r.store.UpdateSession(ctx, sessionID, store.SessionUpdate{Stage: &s}); err != nil {
		r.log.Warn(ctx, "stage update failed", "session_id", sessionID, "stage", string(stage), "err", err)
	}
}

// setCursor updates stage and last message type together.
func (r *Router) setCursor(ctx context.Context, sessionID int64, stage store.Stage, last wire.MessageType) {
	s, l := stage, last
	if err := r.store.UpdateSession(ctx, sessionID, store.SessionUpdate{Stage: &s, LastMessageType: &l}); err != nil {
		r.log.Warn(ctx, "cursor update failed", "session_id", sessionID, "stage", string(stage), "err", err)
	}
}

// persistMaice records a tutor turn; duplicate rows inside the suppression
// window coalesce in the repository.
func (r *Router) persistMaice(ctx context.Context, sessionID int64, content string, typ wire.MessageType, reqID string) {
	if content == "" {
		return
	}
	if _, err := r.store.SaveMaiceMessage(ctx, store.SaveMessage{
		SessionID: sessionID,
		Content:   content,
		Type:      typ,
		RequestID: reqID,
	}); err != nil {
		r.log.Warn(ctx, "tutor message write failed", "session_id", sessionID, "type", string(typ), "err", err)
	}
}

// resetPhase re-arms the phase timer after a relevant envelope.
func (r *Router) resetPhase(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(r.phase)
}
