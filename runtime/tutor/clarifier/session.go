package clarifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// State tracks where a clarification session is in its loop.
type State string

const (
	StateIdle       State = "idle"
	StateAsking     State = "asking"
	StateAwaiting   State = "awaiting_response"
	StateEvaluating State = "evaluating"
)

// ErrNoSession reports a clarification exchange with no live session, e.g.
// after a cancel or a process restart without a replicated store.
var ErrNoSession = errors.New("clarifier: no active clarification session")

// Session is the state of one clarification loop. One loop exists per
// tutoring session at most.
type Session struct {
	SessionID        string        `json:"session_id"`
	UserID           string        `json:"user_id"`
	RequestID        string        `json:"request_id"`
	OriginalQuestion string        `json:"original_question"`
	Context          string        `json:"context,omitempty"`
	KnowledgeCode    string        `json:"knowledge_code"`
	MissingFields    []string      `json:"missing_fields"`
	Count            int           `json:"clarification_count"`
	Max              int           `json:"max_clarifications"`
	History          []wire.QAPair `json:"history"`
	LastQuestion     string        `json:"last_question,omitempty"`
	FinalQuestion    string        `json:"final_question,omitempty"`
	State            State         `json:"state"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SessionStore persists clarification sessions. The in-memory store below
// serves single-instance runs; the rmap-backed store under features/clarifier
// replicates sessions so any instance can continue the loop.
type SessionStore interface {
	// Put upserts the session keyed by Session.SessionID.
	Put(ctx context.Context, s *Session) error
	// Get returns the live session or ErrNoSession.
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Delete removes the session. Deleting an absent session is not an error.
	Delete(ctx context.Context, sessionID string) error
}

// MemStore is a process-local SessionStore.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemStore builds an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*Session)}
}

// Put implements SessionStore.
func (m *MemStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.History = append([]wire.QAPair(nil), s.History...)
	cp.MissingFields = append([]string(nil), s.MissingFields...)
	m.sessions[s.SessionID] = &cp
	return nil
}

// Get implements SessionStore.
func (m *MemStore) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNoSession
	}
	cp := *s
	cp.History = append([]wire.QAPair(nil), s.History...)
	cp.MissingFields = append([]string(nil), s.MissingFields...)
	return &cp, nil
}

// Delete implements SessionStore.
func (m *MemStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}
