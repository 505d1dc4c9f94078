// Package runs coordinates the asynchronous run lifecycle: dispatch to
// the external executor, bounded waiting for completion, and verified
// completion callbacks.
package runs

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

var (
	// ErrNotFound is returned when a run, event, or callback
	// registration does not exist.
	ErrNotFound = errors.New("runs: not found")
)

// Store persists runs, their event log, and callback registrations.
//
// Status transitions out of pending/running are written by the external
// executor through its own path; this service creates runs and reads
// them back.
type Store interface {
	// CreateRun inserts a run in pending state.
	CreateRun(ctx context.Context, run *models.Run) error

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, id string) (*models.Run, error)

	// UpdateRunStatus records a status transition with optional result
	// or error text, and refreshes the heartbeat.
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, result, errText string) error

	// Heartbeat refreshes a run's heartbeat timestamp.
	Heartbeat(ctx context.Context, id string, at time.Time) error

	// SweepStale fails runs still pending/running whose heartbeat is
	// older than the cutoff. Returns the ids of failed runs.
	SweepStale(ctx context.Context, cutoff time.Time) ([]string, error)

	// AppendEvent adds an entry to a run's event log. Sequence numbers
	// are assigned by the store, monotonically per run.
	AppendEvent(ctx context.Context, runID, eventType, payload string) error

	// LatestEventByType returns the most recent event of a type for a
	// run, by sequence number, or ErrNotFound.
	LatestEventByType(ctx context.Context, runID, eventType string) (*models.RunEvent, error)

	// CreateCallback stores a callback registration for a run.
	CreateCallback(ctx context.Context, reg *models.CallbackRegistration) error

	// CallbacksForRun returns the registrations attached to a run.
	CallbacksForRun(ctx context.Context, runID string) ([]*models.CallbackRegistration, error)
}
