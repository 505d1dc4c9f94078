package bindings

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

// SQLStore persists bindings in a database/sql database.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLStore creates a SQL-backed binding store and ensures the schema
// exists.
func NewSQLStore(db *sql.DB, logger *slog.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{db: db, logger: logger.With("component", "bindings")}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bindings (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			channel     TEXT NOT NULL,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			enabled     INTEGER NOT NULL DEFAULT 1,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL,
			UNIQUE (owner_id, channel, name COLLATE NOCASE)
		)`)
	if err != nil {
		return fmt.Errorf("create bindings schema: %w", err)
	}
	return nil
}

// Create adds a binding.
func (s *SQLStore) Create(ctx context.Context, b *models.Binding) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bindings (id, owner_id, agent_id, channel, name, description, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.OwnerID, b.AgentID, string(b.Channel), b.Name, b.Description, b.Enabled, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("insert binding: %w", err)
	}
	b.CreatedAt = now
	b.UpdatedAt = now
	return nil
}

// Get retrieves a binding by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, agent_id, channel, name, description, enabled, created_at, updated_at
		FROM bindings WHERE id = ?`, id)
	return scanBinding(row)
}

// ListByOwner returns enabled bindings for an owner on a channel,
// ordered by name.
func (s *SQLStore) ListByOwner(ctx context.Context, ownerID string, channel models.ChannelType) ([]*models.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, agent_id, channel, name, description, enabled, created_at, updated_at
		FROM bindings
		WHERE owner_id = ? AND channel = ? AND enabled = 1
		ORDER BY name`, ownerID, string(channel))
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var result []*models.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// SetEnabled soft-disables or re-enables a binding.
func (s *SQLStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bindings SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a binding and its thread sessions.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete binding: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM thread_sessions WHERE binding_id = ?`, id); err != nil {
		return fmt.Errorf("cascade thread sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bindings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete binding: %w", err)
	}
	s.logger.Info("binding deleted", "binding_id", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (*models.Binding, error) {
	var b models.Binding
	var channel string
	err := row.Scan(&b.ID, &b.OwnerID, &b.AgentID, &channel, &b.Name,
		&b.Description, &b.Enabled, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan binding: %w", err)
	}
	b.Channel = models.ChannelType(channel)
	return &b, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
