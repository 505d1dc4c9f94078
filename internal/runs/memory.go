package runs

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

// MemoryStore keeps runs, events, and callbacks in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*models.Run
	events    map[string][]*models.RunEvent
	callbacks map[string][]*models.CallbackRegistration
}

// NewMemoryStore returns a new in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*models.Run),
		events:    make(map[string][]*models.RunEvent),
		callbacks: make(map[string][]*models.CallbackRegistration),
	}
}

// CreateRun inserts a run.
func (s *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	clone := *run
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.runs[run.ID] = &clone
	return nil
}

// GetRun retrieves a run by id.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *run
	return &clone, nil
}

// UpdateRunStatus records a status transition.
func (s *MemoryStore) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, result, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	run.Status = status
	if result != "" {
		run.Result = result
	}
	if errText != "" {
		run.Error = errText
	}
	run.HeartbeatAt = now
	run.UpdatedAt = now
	return nil
}

// Heartbeat refreshes a run's heartbeat timestamp.
func (s *MemoryStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.HeartbeatAt = at
	return nil
}

// SweepStale fails runs whose heartbeat is older than the cutoff.
func (s *MemoryStore) SweepStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []string
	for id, run := range s.runs {
		if run.Status.Terminal() {
			continue
		}
		hb := run.HeartbeatAt
		if hb.IsZero() {
			hb = run.CreatedAt
		}
		if hb.Before(cutoff) {
			run.Status = models.RunFailed
			run.Error = "executor heartbeat lost"
			run.UpdatedAt = time.Now()
			failed = append(failed, id)
		}
	}
	return failed, nil
}

// AppendEvent adds an entry to a run's event log.
func (s *MemoryStore) AppendEvent(ctx context.Context, runID, eventType, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := int64(len(s.events[runID]) + 1)
	s.events[runID] = append(s.events[runID], &models.RunEvent{
		RunID:     runID,
		Seq:       seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	return nil
}

// LatestEventByType returns the most recent event of a type for a run.
func (s *MemoryStore) LatestEventByType(ctx context.Context, runID, eventType string) (*models.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[runID]
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == eventType {
			clone := *events[i]
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// CreateCallback stores a callback registration.
func (s *MemoryStore) CreateCallback(ctx context.Context, reg *models.CallbackRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *reg
	clone.CreatedAt = time.Now()
	clone.SecretCiphertext = append([]byte(nil), reg.SecretCiphertext...)
	s.callbacks[reg.RunID] = append(s.callbacks[reg.RunID], &clone)
	return nil
}

// CallbacksForRun returns the registrations attached to a run.
func (s *MemoryStore) CallbacksForRun(ctx context.Context, runID string) ([]*models.CallbackRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	regs := s.callbacks[runID]
	result := make([]*models.CallbackRegistration, 0, len(regs))
	for _, reg := range regs {
		clone := *reg
		clone.SecretCiphertext = append([]byte(nil), reg.SecretCiphertext...)
		result = append(result, &clone)
	}
	return result, nil
}
