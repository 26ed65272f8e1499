// Package inmem provides an in-process store implementation for tests and
// single-process deployments. Semantics match the SQL-backed store, including
// ownership checks and tutor-message duplicate suppression.
package inmem

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maice-ai/maice/runtime/tutor/store"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// Option configures the store.
type Option func(*Store)

// WithClock substitutes the time source. Tests use this to step through the
// duplicate suppression window.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is an in-process implementation of store.Store.
type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	nextSessionID int64
	nextMessageID int64
	sessions      map[int64]*store.Session
	messages      map[int64][]*store.Message
	summaries     map[int64][]*store.Summary
}

var _ store.Store = (*Store)(nil)

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		sessions:  make(map[int64]*store.Session),
		messages:  make(map[int64][]*store.Message),
		summaries: make(map[int64][]*store.Summary),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession opens a session and seeds its title from the first question.
func (s *Store) CreateSession(_ context.Context, userID, initialQuestion string) (*store.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", store.ErrPermissionDenied)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSessionID++
	now := s.now()
	sess := &store.Session{
		ID:           s.nextSessionID,
		UserID:       userID,
		Title:        store.ClampTitle(strings.TrimSpace(initialQuestion)),
		CurrentStage: store.StageInitial,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.sessions[sess.ID] = sess
	out := *sess
	return &out, nil
}

// Session fetches a session with an ownership check.
func (s *Store) Session(_ context.Context, sessionID int64, userID string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.owned(sessionID, userID)
	if err != nil {
		return nil, err
	}
	out := *sess
	return &out, nil
}

// SaveUserMessage persists a user turn after checking ownership.
func (s *Store) SaveUserMessage(_ context.Context, m store.SaveMessage) (int64, error) {
	if err := store.ValidateMessage(m, wire.SenderUser); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.owned(m.SessionID, m.UserID)
	if err != nil {
		return 0, err
	}
	return s.insert(sess, m, wire.SenderUser), nil
}

// SaveMaiceMessage persists a tutor turn, coalescing duplicates inside
// store.DuplicateWindow except for clarification questions.
func (s *Store) SaveMaiceMessage(_ context.Context, m store.SaveMessage) (int64, error) {
	if err := store.ValidateMessage(m, wire.SenderMaice); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[m.SessionID]
	if !ok {
		return 0, store.ErrSessionNotFound
	}
	if store.Suppressible(m.Type) {
		if id, ok := s.recentDuplicate(m); ok {
			return id, nil
		}
	}
	return s.insert(sess, m, wire.SenderMaice), nil
}

// ConversationHistory returns the visible turns in order.
func (s *Store) ConversationHistory(_ context.Context, sessionID int64, userID string) ([]*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID != "" {
		if _, err := s.owned(sessionID, userID); err != nil {
			return nil, err
		}
	} else if _, ok := s.sessions[sessionID]; !ok {
		return nil, store.ErrSessionNotFound
	}
	return s.visible(sessionID, 0), nil
}

// RecentMessages returns the last limit visible turns in order. A limit of
// zero or less returns all.
func (s *Store) RecentMessages(_ context.Context, sessionID int64, limit int) ([]*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, store.ErrSessionNotFound
	}
	return s.visible(sessionID, limit), nil
}

// UpdateSession applies a partial mutation.
func (s *Store) UpdateSession(_ context.Context, sessionID int64, upd store.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrSessionNotFound
	}
	if upd.Stage != nil {
		if !store.ValidStage(*upd.Stage) {
			return fmt.Errorf("store: invalid stage %q", *upd.Stage)
		}
		sess.CurrentStage = *upd.Stage
	}
	if upd.LastMessageType != nil {
		sess.LastMessageType = *upd.LastMessageType
	}
	if upd.ConversationSummary != nil {
		sess.ConversationSummary = *upd.ConversationSummary
	}
	if upd.LastSummaryAt != nil {
		sess.LastSummaryAt = *upd.LastSummaryAt
	}
	sess.UpdatedAt = s.now()
	return nil
}

// UpdateSessionTitle replaces the session title.
func (s *Store) UpdateSessionTitle(_ context.Context, sessionID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrSessionNotFound
	}
	sess.Title = store.ClampTitle(strings.TrimSpace(title))
	sess.UpdatedAt = s.now()
	return nil
}

// SaveSummary records a per-turn summary after checking ownership.
func (s *Store) SaveSummary(_ context.Context, sum store.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.owned(sum.SessionID, sum.UserID); err != nil {
		return err
	}
	sum.CreatedAt = s.now()
	s.summaries[sum.SessionID] = append(s.summaries[sum.SessionID], &sum)
	return nil
}

// Summaries returns the recorded summaries for a session. Test helper.
func (s *Store) Summaries(sessionID int64) []*store.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Summary, len(s.summaries[sessionID]))
	copy(out, s.summaries[sessionID])
	return out
}

// AllMessages returns every stored turn including hidden ones. Test helper.
func (s *Store) AllMessages(sessionID int64) []*store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	out := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// owned returns the session or the matching access error. Callers hold s.mu.
func (s *Store) owned(sessionID int64, userID string) (*store.Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	if sess.UserID != userID {
		return nil, store.ErrPermissionDenied
	}
	return sess, nil
}

// insert appends a message and updates the session cursor. Callers hold s.mu.
func (s *Store) insert(sess *store.Session, m store.SaveMessage, sender wire.Sender) int64 {
	s.nextMessageID++
	msg := &store.Message{
		ID:        s.nextMessageID,
		SessionID: m.SessionID,
		Sender:    sender,
		Content:   m.Content,
		Type:      m.Type,
		ParentID:  m.ParentID,
		RequestID: m.RequestID,
		CreatedAt: s.now(),
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], msg)
	sess.LastMessageType = m.Type
	sess.UpdatedAt = msg.CreatedAt
	return msg.ID
}

// recentDuplicate finds a tutor message with identical content and type
// inside the suppression window. Callers hold s.mu.
func (s *Store) recentDuplicate(m store.SaveMessage) (int64, bool) {
	cutoff := s.now().Add(-store.DuplicateWindow)
	msgs := s.messages[m.SessionID]
	for i := len(msgs) - 1; i >= 0; i-- {
		prev := msgs[i]
		if prev.CreatedAt.Before(cutoff) {
			return 0, false
		}
		if prev.Sender == wire.SenderMaice && prev.Type == m.Type && prev.Content == m.Content {
			return prev.ID, true
		}
	}
	return 0, false
}

// visible filters to user-facing types, keeping the last limit in order.
// Callers hold s.mu.
func (s *Store) visible(sessionID int64, limit int) []*store.Message {
	msgs := s.messages[sessionID]
	out := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Type.Visible() {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
