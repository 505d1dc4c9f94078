package bindings

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

// MemoryStore is an in-memory implementation of the binding store.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]*models.Binding
}

// NewMemoryStore creates a new in-memory binding store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]*models.Binding)}
}

// Create adds a binding.
func (s *MemoryStore) Create(ctx context.Context, b *models.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.bindings {
		if existing.OwnerID == b.OwnerID && existing.Channel == b.Channel &&
			strings.EqualFold(existing.Name, b.Name) {
			return ErrDuplicateName
		}
	}

	now := time.Now()
	clone := *b
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.bindings[b.ID] = &clone
	return nil
}

// Get retrieves a binding by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *b
	return &clone, nil
}

// ListByOwner returns enabled bindings for an owner on a channel,
// ordered by name.
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string, channel models.ChannelType) ([]*models.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Binding
	for _, b := range s.bindings {
		if b.OwnerID == ownerID && b.Channel == channel && b.Enabled {
			clone := *b
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// SetEnabled soft-disables or re-enables a binding.
func (s *MemoryStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[id]
	if !ok {
		return ErrNotFound
	}
	b.Enabled = enabled
	b.UpdatedAt = time.Now()
	return nil
}

// Delete removes a binding.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bindings, id)
	return nil
}
