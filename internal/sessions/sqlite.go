package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

// SQLStore persists thread sessions in a database/sql database.
//
// The UNIQUE constraint on (binding_id, channel, channel_id, thread_id)
// is the concurrency control for racing first messages: inserts use
// ON CONFLICT DO NOTHING so the first writer wins and later writers
// converge on re-read.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLStore creates a SQL-backed store and ensures the schema exists.
func NewSQLStore(db *sql.DB, logger *slog.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{db: db, logger: logger.With("component", "sessions")}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS thread_sessions (
			binding_id TEXT NOT NULL,
			channel    TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			thread_id  TEXT NOT NULL,
			session_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (binding_id, channel, channel_id, thread_id)
		)`, `
		CREATE TABLE IF NOT EXISTS email_thread_sessions (
			id              TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			session_id      TEXT NOT NULL,
			token           TEXT NOT NULL UNIQUE,
			last_message_id TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		)`}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create sessions schema: %w", err)
		}
	}
	return nil
}

// Resolve returns the session id for a thread, or ErrNotFound.
func (s *SQLStore) Resolve(ctx context.Context, bindingID string, channel models.ChannelType, channelID, threadID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM thread_sessions
		WHERE binding_id = ? AND channel = ? AND channel_id = ? AND thread_id = ?`,
		bindingID, string(channel), channelID, threadID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve thread session: %w", err)
	}
	return sessionID, nil
}

// CreateIfAbsent inserts a mapping, no-oping on conflict.
func (s *SQLStore) CreateIfAbsent(ctx context.Context, ts *models.ThreadSession) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_sessions (binding_id, channel, channel_id, thread_id, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (binding_id, channel, channel_id, thread_id) DO NOTHING`,
		ts.BindingID, string(ts.Channel), ts.ChannelID, ts.ThreadID, ts.SessionID, time.Now())
	if err != nil {
		return fmt.Errorf("insert thread session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Debug("thread session already exists, keeping winner",
			"binding_id", ts.BindingID,
			"thread_id", ts.ThreadID)
	}
	return nil
}

// SQLEmailStore persists email thread sessions.
type SQLEmailStore struct {
	db *sql.DB
}

// NewSQLEmailStore creates the email thread session store. The schema
// is shared with SQLStore, which must be constructed first.
func NewSQLEmailStore(db *sql.DB) (*SQLEmailStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &SQLEmailStore{db: db}, nil
}

// Get retrieves an email thread session by id.
func (s *SQLEmailStore) Get(ctx context.Context, id string) (*models.EmailThreadSession, error) {
	return s.getBy(ctx, "id", id)
}

// GetByToken resolves an email thread session from its reply token.
func (s *SQLEmailStore) GetByToken(ctx context.Context, token string) (*models.EmailThreadSession, error) {
	return s.getBy(ctx, "token", token)
}

func (s *SQLEmailStore) getBy(ctx context.Context, column, value string) (*models.EmailThreadSession, error) {
	var ets models.EmailThreadSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, agent_id, session_id, token, last_message_id, created_at, updated_at
		FROM email_thread_sessions WHERE `+column+` = ?`, value).
		Scan(&ets.ID, &ets.OwnerID, &ets.AgentID, &ets.SessionID, &ets.Token,
			&ets.LastMessageID, &ets.CreatedAt, &ets.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email thread session: %w", err)
	}
	return &ets, nil
}

// Create stores a new email thread session.
func (s *SQLEmailStore) Create(ctx context.Context, ets *models.EmailThreadSession) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_thread_sessions (id, owner_id, agent_id, session_id, token, last_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ets.ID, ets.OwnerID, ets.AgentID, ets.SessionID, ets.Token, ets.LastMessageID, now, now)
	if err != nil {
		return fmt.Errorf("insert email thread session: %w", err)
	}
	ets.CreatedAt = now
	ets.UpdatedAt = now
	return nil
}

// Touch updates the last delivered message id and optionally the
// backend session id.
func (s *SQLEmailStore) Touch(ctx context.Context, id, lastMessageID, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_thread_sessions
		SET last_message_id = CASE WHEN ? != '' THEN ? ELSE last_message_id END,
		    session_id      = CASE WHEN ? != '' THEN ? ELSE session_id END,
		    updated_at      = ?
		WHERE id = ?`,
		lastMessageID, lastMessageID, sessionID, sessionID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("touch email thread session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
