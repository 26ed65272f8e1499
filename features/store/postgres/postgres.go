// Package postgres implements the conversation store on PostgreSQL through
// database/sql and lib/pq. Semantics match runtime/tutor/store/inmem,
// including ownership checks and tutor-message duplicate suppression.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/maice-ai/maice/runtime/tutor/store"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

const (
	createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id BIGSERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    current_stage TEXT NOT NULL,
    last_message_type TEXT NOT NULL DEFAULT '',
    conversation_summary TEXT NOT NULL DEFAULT '',
    last_summary_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`

	createSessionsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`

	createMessagesSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id BIGSERIAL PRIMARY KEY,
    session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    sender TEXT NOT NULL,
    content TEXT NOT NULL,
    message_type TEXT NOT NULL,
    parent_id BIGINT NOT NULL DEFAULT 0,
    request_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
)`

	createMessagesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`

	createSummariesSQL = `
CREATE TABLE IF NOT EXISTS summaries (
    id BIGSERIAL PRIMARY KEY,
    session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    original_question TEXT NOT NULL,
    summary TEXT NOT NULL,
    request_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
)`

	createSummariesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id, created_at)`
)

const (
	sessionColumns = "id, user_id, title, current_stage, last_message_type, conversation_summary, last_summary_at, created_at, updated_at"
	messageColumns = "id, session_id, sender, content, message_type, parent_id, request_id, created_at"

	insertSessionSQL = `
INSERT INTO sessions (user_id, title, current_stage, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
RETURNING id`

	selectSessionSQL = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	selectOwnerSQL   = `SELECT user_id FROM sessions WHERE id = $1`
	existsSessionSQL = `SELECT 1 FROM sessions WHERE id = $1`

	insertMessageSQL = `
INSERT INTO messages (session_id, sender, content, message_type, parent_id, request_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`

	touchSessionSQL = `UPDATE sessions SET last_message_type = $1, updated_at = $2 WHERE id = $3`

	duplicateSQL = `
SELECT id FROM messages
WHERE session_id = $1 AND sender = $2 AND message_type = $3 AND content = $4 AND created_at >= $5
ORDER BY id DESC
LIMIT 1`

	selectVisibleSQL = `
SELECT ` + messageColumns + ` FROM messages
WHERE session_id = $1 AND message_type = ANY($2)
ORDER BY id`

	selectVisibleTailSQL = `
SELECT ` + messageColumns + ` FROM messages
WHERE session_id = $1 AND message_type = ANY($2)
ORDER BY id DESC
LIMIT $3`

	updateTitleSQL = `UPDATE sessions SET title = $1, updated_at = $2 WHERE id = $3`

	insertSummarySQL = `
INSERT INTO summaries (session_id, user_id, original_question, summary, request_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
)

// visibleTypes feeds the message_type = ANY filter. It mirrors
// wire.MessageType.Visible; the unit tests assert the two stay in sync.
var visibleTypes = pq.StringArray{
	string(wire.MessageUserQuestion),
	string(wire.MessageUserClarificationResponse),
	string(wire.MessageUserFollowUp),
	string(wire.MessageMaiceClarificationQuest),
	string(wire.MessageMaiceAnswer),
	string(wire.MessageMaiceFollowUp),
}

// Option configures the store.
type Option func(*Store)

// WithClock substitutes the time source. Tests use this to step through the
// duplicate suppression window.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a PostgreSQL implementation of store.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps an open database handle, verifies connectivity and creates the
// schema when missing.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("db handle is required")
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Open opens a lib/pq connection pool from a DSN and builds a store on it.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return "store-postgres"
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession opens a session and seeds its title from the first question.
func (s *Store) CreateSession(ctx context.Context, userID, initialQuestion string) (*store.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", store.ErrPermissionDenied)
	}
	now := s.now().UTC()
	title := store.ClampTitle(strings.TrimSpace(initialQuestion))

	var id int64
	err := s.db.QueryRowContext(ctx, insertSessionSQL, userID, title, string(store.StageInitial), now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &store.Session{
		ID:           id,
		UserID:       userID,
		Title:        title,
		CurrentStage: store.StageInitial,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Session fetches a session with an ownership check.
func (s *Store) Session(ctx context.Context, sessionID int64, userID string) (*store.Session, error) {
	sess, err := s.fetchSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, store.ErrPermissionDenied
	}
	return sess, nil
}

// SaveUserMessage persists a user turn after checking ownership.
func (s *Store) SaveUserMessage(ctx context.Context, m store.SaveMessage) (int64, error) {
	if err := store.ValidateMessage(m, wire.SenderUser); err != nil {
		return 0, err
	}
	if err := s.owned(ctx, m.SessionID, m.UserID); err != nil {
		return 0, err
	}
	return s.insert(ctx, m, wire.SenderUser)
}

// SaveMaiceMessage persists a tutor turn, coalescing duplicates inside
// store.DuplicateWindow except for clarification questions.
func (s *Store) SaveMaiceMessage(ctx context.Context, m store.SaveMessage) (int64, error) {
	if err := store.ValidateMessage(m, wire.SenderMaice); err != nil {
		return 0, err
	}
	if err := s.exists(ctx, m.SessionID); err != nil {
		return 0, err
	}
	if store.Suppressible(m.Type) {
		cutoff := s.now().UTC().Add(-store.DuplicateWindow)
		var prev int64
		err := s.db.QueryRowContext(ctx, duplicateSQL,
			m.SessionID, string(wire.SenderMaice), string(m.Type), m.Content, cutoff,
		).Scan(&prev)
		switch {
		case err == nil:
			return prev, nil
		case errors.Is(err, sql.ErrNoRows):
			// no duplicate inside the window
		default:
			return 0, fmt.Errorf("check duplicate: %w", err)
		}
	}
	return s.insert(ctx, m, wire.SenderMaice)
}

// ConversationHistory returns the visible turns in order.
func (s *Store) ConversationHistory(ctx context.Context, sessionID int64, userID string) ([]*store.Message, error) {
	if userID != "" {
		if err := s.owned(ctx, sessionID, userID); err != nil {
			return nil, err
		}
	} else if err := s.exists(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.visible(ctx, sessionID, 0)
}

// RecentMessages returns the last limit visible turns in order. A limit of
// zero or less returns all.
func (s *Store) RecentMessages(ctx context.Context, sessionID int64, limit int) ([]*store.Message, error) {
	if err := s.exists(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.visible(ctx, sessionID, limit)
}

// UpdateSession applies a partial mutation.
func (s *Store) UpdateSession(ctx context.Context, sessionID int64, upd store.SessionUpdate) error {
	if err := s.exists(ctx, sessionID); err != nil {
		return err
	}
	if upd.Stage != nil && !store.ValidStage(*upd.Stage) {
		return fmt.Errorf("store: invalid stage %q", *upd.Stage)
	}

	set := []string{"updated_at = $1"}
	args := []any{s.now().UTC()}
	argPos := 2
	if upd.Stage != nil {
		set = append(set, fmt.Sprintf("current_stage = $%d", argPos))
		args = append(args, string(*upd.Stage))
		argPos++
	}
	if upd.LastMessageType != nil {
		set = append(set, fmt.Sprintf("last_message_type = $%d", argPos))
		args = append(args, string(*upd.LastMessageType))
		argPos++
	}
	if upd.ConversationSummary != nil {
		set = append(set, fmt.Sprintf("conversation_summary = $%d", argPos))
		args = append(args, *upd.ConversationSummary)
		argPos++
	}
	if upd.LastSummaryAt != nil {
		set = append(set, fmt.Sprintf("last_summary_at = $%d", argPos))
		args = append(args, upd.LastSummaryAt.UTC())
		argPos++
	}
	args = append(args, sessionID)

	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = $%d", strings.Join(set, ", "), argPos)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update session %d: %w", sessionID, err)
	}
	return nil
}

// UpdateSessionTitle replaces the session title.
func (s *Store) UpdateSessionTitle(ctx context.Context, sessionID int64, title string) error {
	res, err := s.db.ExecContext(ctx, updateTitleSQL,
		store.ClampTitle(strings.TrimSpace(title)), s.now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

// SaveSummary records a per-turn summary after checking ownership.
func (s *Store) SaveSummary(ctx context.Context, sum store.Summary) error {
	if err := s.owned(ctx, sum.SessionID, sum.UserID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertSummarySQL,
		sum.SessionID, sum.UserID, sum.OriginalQuestion, sum.Summary, sum.RequestID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (s *Store) fetchSession(ctx context.Context, sessionID int64) (*store.Session, error) {
	var (
		sess        store.Session
		stage       string
		lastType    string
		lastSummary sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, selectSessionSQL, sessionID).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.Title,
		&stage,
		&lastType,
		&sess.ConversationSummary,
		&lastSummary,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch session %d: %w", sessionID, err)
	}
	sess.CurrentStage = store.Stage(stage)
	sess.LastMessageType = wire.MessageType(lastType)
	if lastSummary.Valid {
		sess.LastSummaryAt = lastSummary.Time
	}
	return &sess, nil
}

// owned returns nil when userID owns the session, or the matching access
// error.
func (s *Store) owned(ctx context.Context, sessionID int64, userID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx, selectOwnerSQL, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("fetch session %d: %w", sessionID, err)
	}
	if owner != userID {
		return store.ErrPermissionDenied
	}
	return nil
}

func (s *Store) exists(ctx context.Context, sessionID int64) error {
	var one int
	err := s.db.QueryRowContext(ctx, existsSessionSQL, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("fetch session %d: %w", sessionID, err)
	}
	return nil
}

// insert writes the message and bumps the session cursor in one transaction.
func (s *Store) insert(ctx context.Context, m store.SaveMessage, sender wire.Sender) (int64, error) {
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	var id int64
	err = tx.QueryRowContext(ctx, insertMessageSQL,
		m.SessionID, string(sender), m.Content, string(m.Type), m.ParentID, m.RequestID, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, touchSessionSQL, string(m.Type), now, m.SessionID); err != nil {
		return 0, fmt.Errorf("update session cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit message: %w", err)
	}
	return id, nil
}

// visible returns user-facing turns in chronological order, keeping the last
// limit when limit > 0.
func (s *Store) visible(ctx context.Context, sessionID int64, limit int) ([]*store.Message, error) {
	query := selectVisibleSQL
	args := []any{sessionID, visibleTypes}
	if limit > 0 {
		query = selectVisibleTailSQL
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]*store.Message, 0)
	for rows.Next() {
		var (
			msg    store.Message
			sender string
			mtype  string
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&sender,
			&msg.Content,
			&mtype,
			&msg.ParentID,
			&msg.RequestID,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Sender = wire.Sender(sender)
		msg.Type = wire.MessageType(mtype)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if limit > 0 {
		// the tail query returns newest first
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		createSessionsSQL,
		createSessionsIndexSQL,
		createMessagesSQL,
		createMessagesIndexSQL,
		createSummariesSQL,
		createSummariesIndexSQL,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}
