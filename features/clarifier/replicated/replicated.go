// Package replicated provides a replicated-map backed implementation of the
// clarification session store.
//
// The store persists clarification sessions in a Pulse replicated map (rmap),
// which is backed by Redis. This lets any tutor instance continue a
// clarification loop regardless of which instance asked the question.
package replicated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maice-ai/maice/runtime/tutor/clarifier"
)

type (
	// Map is the replicated-map contract required by the session store. It is
	// satisfied by *rmap.Map from goa.design/pulse/rmap. Implementations must
	// be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Store persists clarification sessions in a replicated map.
	// It is safe for concurrent use when backed by a concurrent-safe map
	// (such as rmap.Map).
	Store struct {
		m Map
	}
)

const sessionKeyPrefix = "clarifier:session:"

// New creates a new replicated session store backed by the given map.
func New(m Map) *Store {
	return &Store{m: m}
}

var _ clarifier.SessionStore = (*Store)(nil)

// Put stores or updates a clarification session.
func (s *Store) Put(ctx context.Context, sess *clarifier.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess == nil || sess.SessionID == "" {
		return errors.New("session id is required")
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal clarification session %q: %w", sess.SessionID, err)
	}
	if _, err := s.m.Set(ctx, sessionKey(sess.SessionID), string(b)); err != nil {
		return fmt.Errorf("store clarification session %q: %w", sess.SessionID, err)
	}
	return nil
}

// Get retrieves the live session for a tutoring session ID.
func (s *Store) Get(ctx context.Context, sessionID string) (*clarifier.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, ok := s.m.Get(sessionKey(sessionID))
	if !ok {
		return nil, clarifier.ErrNoSession
	}
	var sess clarifier.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal clarification session %q: %w", sessionID, err)
	}
	return &sess, nil
}

// Delete removes the session. Deleting an absent session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.m.Delete(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("delete clarification session %q: %w", sessionID, err)
	}
	return nil
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}
