// Package conversation assembles the context block sent to the classifier
// and the downstream agents. A sliding window keeps recent turns verbatim; a
// rolling summary, maintained out of band by the observer, covers everything
// older. Long conversations outgrow model context windows, so recency is
// preserved verbatim and breadth through the summary.
package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/maice-ai/maice/runtime/tutor/bus"
	"github.com/maice-ai/maice/runtime/tutor/store"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// Window sizes in messages. Follow-ups carry more verbatim history because
// they reference earlier answers.
const (
	DefaultWindow  = 20
	FollowUpWindow = 30
)

// Markers structuring the assembled context.
const (
	followUpMarker = "=== follow-up ===\nThis question continues the conversation below."
	summaryMarker  = "=== prior summary ==="
	recentMarker   = "=== recent conversation ==="
)

type (
	// Assembler builds classification context from the store and schedules
	// background re-summarization when history outgrows the window.
	Assembler struct {
		store          store.Store
		bus            bus.Bus
		log            telemetry.Logger
		window         int
		followUpWindow int
	}

	// Option configures an Assembler.
	Option func(*Assembler)

	// Input identifies the utterance context is assembled for.
	Input struct {
		SessionID  int64
		UserID     string
		RequestID  string
		IsFollowUp bool
	}

	// Context is the assembled result.
	Context struct {
		// Text is the block handed to the agents. Empty for a fresh session.
		Text string
		// WindowSize is the number of verbatim turns included.
		WindowSize int
		// SummaryIncluded reports whether a rolling summary was prepended.
		SummaryIncluded bool
		// ResummarizeScheduled reports whether an update_summary advisory was
		// published for turns that fell out of the window.
		ResummarizeScheduled bool
	}
)

// WithWindows overrides the sliding window sizes.
func WithWindows(normal, followUp int) Option {
	return func(a *Assembler) {
		if normal > 0 {
			a.window = normal
		}
		if followUp > 0 {
			a.followUpWindow = followUp
		}
	}
}

// New builds an Assembler.
func New(st store.Store, b bus.Bus, log telemetry.Logger, opts ...Option) *Assembler {
	a := &Assembler{
		store:          st,
		bus:            b,
		log:            log,
		window:         DefaultWindow,
		followUpWindow: FollowUpWindow,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble builds the context block for one utterance. Store read failures
// surface as errors; the advisory re-summarization publish never does.
func (a *Assembler) Assemble(ctx context.Context, in Input) (Context, error) {
	sess, err := a.store.Session(ctx, in.SessionID, in.UserID)
	if err != nil {
		return Context{}, fmt.Errorf("assemble context: %w", err)
	}
	visible, err := a.store.RecentMessages(ctx, in.SessionID, 0)
	if err != nil {
		return Context{}, fmt.Errorf("assemble context: %w", err)
	}

	window := a.window
	if in.IsFollowUp {
		window = a.followUpWindow
	}
	var older, recent []*store.Message
	if len(visible) > window {
		older = visible[:len(visible)-window]
		recent = visible[len(visible)-window:]
	} else {
		recent = visible
	}

	var sections []string
	if in.IsFollowUp {
		sections = append(sections, followUpMarker)
	}
	if sess.ConversationSummary != "" {
		sections = append(sections, summaryMarker+"\n"+sess.ConversationSummary)
	}
	if len(recent) > 0 {
		var b strings.Builder
		b.WriteString(recentMarker)
		for _, m := range recent {
			b.WriteString("\n[")
			b.WriteString(string(m.Sender))
			b.WriteString("] ")
			b.WriteString(m.Content)
		}
		sections = append(sections, b.String())
	}

	out := Context{
		Text:            strings.Join(sections, "\n\n"),
		WindowSize:      len(recent),
		SummaryIncluded: sess.ConversationSummary != "",
	}
	if len(older) > 0 {
		out.ResummarizeScheduled = a.scheduleResummarize(ctx, in, older)
	}
	return out, nil
}

// scheduleResummarize publishes the update_summary advisory carrying the
// turns that fell out of the window. Failures are logged and swallowed; the
// next oversized assembly will retry.
func (a *Assembler) scheduleResummarize(ctx context.Context, in Input, older []*store.Message) bool {
	turns := make([]wire.Turn, 0, len(older))
	for _, m := range older {
		turns = append(turns, wire.Turn{Sender: string(m.Sender), Content: m.Content})
	}
	env := wire.New(wire.TypeUpdateSummary, wire.FormatSessionID(in.SessionID), in.RequestID)
	env.Set(wire.KeyUserID, in.UserID)
	if err := env.SetJSON(wire.KeyMessages, turns); err != nil {
		a.log.Warn(ctx, "encode update_summary advisory", "session_id", in.SessionID, "err", err)
		return false
	}
	topic, err := a.bus.Broadcast(wire.TypeUpdateSummary)
	if err != nil {
		a.log.Warn(ctx, "open update_summary topic", "session_id", in.SessionID, "err", err)
		return false
	}
	if err := topic.Publish(ctx, env); err != nil {
		a.log.Warn(ctx, "publish update_summary advisory", "session_id", in.SessionID, "err", err)
		return false
	}
	a.log.Debug(ctx, "scheduled re-summarization", "session_id", in.SessionID, "turns", len(turns))
	return true
}
