// Package store defines the conversation persistence contract: sessions,
// messages, and per-turn summaries. Implementations live under
// runtime/tutor/store/inmem and features/store; the runtime addresses only
// these interfaces.
//
// The bus, not the store, is the source of truth for in-flight turns. Write
// failures are logged and swallowed by callers on the hot path; read failures
// surface as errors.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// Stage is a session's position in the tutoring state machine.
type Stage string

const (
	// StageInitial marks a freshly created session.
	StageInitial Stage = "initial"
	// StageClarification marks a session waiting on a clarification reply.
	StageClarification Stage = "clarification"
	// StageGeneratingAnswer marks a session with an answer in flight.
	StageGeneratingAnswer Stage = "generating_answer"
	// StageReady marks a session ready to accept the next question.
	StageReady Stage = "ready_for_new_question"
)

// DuplicateWindow is the span within which identical tutor messages coalesce.
const DuplicateWindow = 30 * time.Second

// MaxTitleRunes bounds session titles.
const MaxTitleRunes = 50

var (
	// ErrSessionNotFound reports an unknown session ID.
	ErrSessionNotFound = errors.New("store: session not found")
	// ErrPermissionDenied reports access to a session owned by another user.
	ErrPermissionDenied = errors.New("store: permission denied")
	// ErrInvalidMessage reports a message violating the taxonomy rules.
	ErrInvalidMessage = errors.New("store: invalid message")
)

type (
	// Session is one ordered conversation unit.
	Session struct {
		ID              int64
		UserID          string
		Title           string
		CurrentStage    Stage
		LastMessageType wire.MessageType
		// ConversationSummary is the cumulative digest of turns outside the
		// sliding window. Empty when no digest exists yet.
		ConversationSummary string
		// LastSummaryAt is zero until the first digest is written.
		LastSummaryAt time.Time
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// Message is a single persisted turn.
	Message struct {
		ID        int64
		SessionID int64
		Sender    wire.Sender
		Content   string
		Type      wire.MessageType
		// ParentID links a reply to the message it answers. Zero means none.
		ParentID int64
		// RequestID correlates the message with the user utterance that
		// triggered it.
		RequestID string
		CreatedAt time.Time
	}

	// Summary is a per-turn study summary record.
	Summary struct {
		SessionID        int64
		UserID           string
		OriginalQuestion string
		Summary          string
		RequestID        string
		CreatedAt        time.Time
	}

	// SaveMessage carries the fields for a message insert.
	SaveMessage struct {
		SessionID int64
		// UserID authorizes user-message writes. Ignored for tutor messages.
		UserID    string
		Content   string
		Type      wire.MessageType
		ParentID  int64
		RequestID string
	}

	// SessionUpdate is a partial session mutation. Nil fields are untouched.
	SessionUpdate struct {
		Stage               *Stage
		LastMessageType     *wire.MessageType
		ConversationSummary *string
		LastSummaryAt       *time.Time
	}

	// Store is the conversation persistence contract.
	Store interface {
		// CreateSession opens a session for the user. The initial question
		// seeds the session title.
		CreateSession(ctx context.Context, userID, initialQuestion string) (*Session, error)
		// Session fetches a session, refusing access when userID does not own
		// it.
		Session(ctx context.Context, sessionID int64, userID string) (*Session, error)
		// SaveUserMessage persists a user turn after checking ownership.
		SaveUserMessage(ctx context.Context, m SaveMessage) (int64, error)
		// SaveMaiceMessage persists a tutor turn. Identical (session, content,
		// type) writes within DuplicateWindow coalesce to the earlier row,
		// except clarification questions which may legitimately repeat.
		SaveMaiceMessage(ctx context.Context, m SaveMessage) (int64, error)
		// ConversationHistory returns the visible turns in chronological
		// order. When userID is non-empty, ownership is enforced.
		ConversationHistory(ctx context.Context, sessionID int64, userID string) ([]*Message, error)
		// RecentMessages returns the last limit visible turns in
		// chronological order. Internal callers only; no ownership check.
		RecentMessages(ctx context.Context, sessionID int64, limit int) ([]*Message, error)
		// UpdateSession applies a partial mutation and bumps UpdatedAt.
		UpdateSession(ctx context.Context, sessionID int64, upd SessionUpdate) error
		// UpdateSessionTitle replaces the session title, clamped to
		// MaxTitleRunes.
		UpdateSessionTitle(ctx context.Context, sessionID int64, title string) error
		// SaveSummary records a per-turn summary after checking ownership.
		SaveSummary(ctx context.Context, s Summary) error
	}
)

// ValidStage reports whether s is a known stage.
func ValidStage(s Stage) bool {
	switch s {
	case StageInitial, StageClarification, StageGeneratingAnswer, StageReady:
		return true
	default:
		return false
	}
}

// ValidateMessage checks the taxonomy rules for an insert: known type,
// matching sender, non-empty content.
func ValidateMessage(m SaveMessage, sender wire.Sender) error {
	if m.Content == "" {
		return errors.Join(ErrInvalidMessage, errors.New("empty content"))
	}
	if !m.Type.Valid() {
		return errors.Join(ErrInvalidMessage, errors.New("unknown message type "+string(m.Type)))
	}
	want, ok := m.Type.Sender()
	if !ok || want != sender {
		return errors.Join(ErrInvalidMessage, errors.New("type "+string(m.Type)+" not writable by "+string(sender)))
	}
	return nil
}

// Suppressible reports whether duplicate suppression applies to a tutor
// message type. Clarification questions are exempt because adjacent
// clarifications may share wording.
func Suppressible(t wire.MessageType) bool {
	return t != wire.MessageMaiceClarificationQuest
}

// ClampTitle trims and bounds a title to MaxTitleRunes, rune-safe.
func ClampTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= MaxTitleRunes {
		return title
	}
	return string(runes[:MaxTitleRunes])
}
