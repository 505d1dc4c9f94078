package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

// SQLStore persists runs, events, and callback registrations in a
// database/sql database.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLStore creates a SQL-backed run store and ensures the schema
// exists.
func NewSQLStore(db *sql.DB, logger *slog.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{db: db, logger: logger.With("component", "runs")}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS runs (
			id               TEXT PRIMARY KEY,
			owner_id         TEXT NOT NULL,
			agent_version_id TEXT NOT NULL,
			prompt           TEXT NOT NULL,
			status           TEXT NOT NULL,
			result           TEXT NOT NULL DEFAULT '',
			error            TEXT NOT NULL DEFAULT '',
			heartbeat_at     TIMESTAMP,
			created_at       TIMESTAMP NOT NULL,
			updated_at       TIMESTAMP NOT NULL
		)`, `
		CREATE TABLE IF NOT EXISTS run_events (
			run_id     TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`, `
		CREATE TABLE IF NOT EXISTS run_callbacks (
			id                TEXT PRIMARY KEY,
			run_id            TEXT NOT NULL,
			url               TEXT NOT NULL,
			secret_ciphertext BLOB NOT NULL,
			payload           TEXT NOT NULL,
			created_at        TIMESTAMP NOT NULL
		)`, `
		CREATE INDEX IF NOT EXISTS idx_run_callbacks_run ON run_callbacks (run_id)`}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create runs schema: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a run in pending state.
func (s *SQLStore) CreateRun(ctx context.Context, run *models.Run) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, owner_id, agent_version_id, prompt, status, result, error, heartbeat_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', '', ?, ?, ?)`,
		run.ID, run.OwnerID, run.AgentVersionID, run.Prompt, string(run.Status), now, now, now)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by id.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	var status string
	var heartbeat sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, agent_version_id, prompt, status, result, error, heartbeat_at, created_at, updated_at
		FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.OwnerID, &run.AgentVersionID, &run.Prompt, &status,
			&run.Result, &run.Error, &heartbeat, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Status = models.RunStatus(status)
	if heartbeat.Valid {
		run.HeartbeatAt = heartbeat.Time
	}
	return &run, nil
}

// UpdateRunStatus records a status transition.
func (s *SQLStore) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, result, errText string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?,
		    result = CASE WHEN ? != '' THEN ? ELSE result END,
		    error  = CASE WHEN ? != '' THEN ? ELSE error END,
		    heartbeat_at = ?, updated_at = ?
		WHERE id = ?`,
		string(status), result, result, errText, errText, now, now, id)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Heartbeat refreshes a run's heartbeat timestamp.
func (s *SQLStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET heartbeat_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("heartbeat run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepStale fails runs whose heartbeat is older than the cutoff.
func (s *SQLStore) SweepStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM runs
		WHERE status IN (?, ?) AND COALESCE(heartbeat_at, created_at) < ?`,
		string(models.RunPending), string(models.RunRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("select stale runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale run: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.UpdateRunStatus(ctx, id, models.RunFailed, "", "executor heartbeat lost"); err != nil {
			s.logger.Warn("failed to sweep stale run", "run_id", id, "error", err)
		}
	}
	return ids, nil
}

// AppendEvent adds an entry to a run's event log with the next sequence
// number.
func (s *SQLStore) AppendEvent(ctx context.Context, runID, eventType, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, type, payload, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?), ?, ?, ?)`,
		runID, runID, eventType, payload, time.Now())
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

// LatestEventByType returns the most recent event of a type for a run.
func (s *SQLStore) LatestEventByType(ctx context.Context, runID, eventType string) (*models.RunEvent, error) {
	var ev models.RunEvent
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, seq, type, payload, created_at
		FROM run_events
		WHERE run_id = ? AND type = ?
		ORDER BY seq DESC LIMIT 1`, runID, eventType).
		Scan(&ev.RunID, &ev.Seq, &ev.Type, &ev.Payload, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest run event: %w", err)
	}
	return &ev, nil
}

// CreateCallback stores a callback registration.
func (s *SQLStore) CreateCallback(ctx context.Context, reg *models.CallbackRegistration) error {
	payload, err := json.Marshal(reg.Payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_callbacks (id, run_id, url, secret_ciphertext, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		reg.ID, reg.RunID, reg.URL, reg.SecretCiphertext, string(payload), now)
	if err != nil {
		return fmt.Errorf("insert callback registration: %w", err)
	}
	reg.CreatedAt = now
	return nil
}

// CallbacksForRun returns the registrations attached to a run.
func (s *SQLStore) CallbacksForRun(ctx context.Context, runID string) ([]*models.CallbackRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, url, secret_ciphertext, payload, created_at
		FROM run_callbacks WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list callback registrations: %w", err)
	}
	defer rows.Close()

	var result []*models.CallbackRegistration
	for rows.Next() {
		var reg models.CallbackRegistration
		var payload string
		if err := rows.Scan(&reg.ID, &reg.RunID, &reg.URL, &reg.SecretCiphertext, &payload, &reg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan callback registration: %w", err)
		}
		parsed, err := models.ParseCallbackPayload([]byte(payload))
		if err != nil {
			return nil, err
		}
		reg.Payload = parsed
		result = append(result, &reg)
	}
	return result, rows.Err()
}
