package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

// MemoryStore is an in-memory thread session store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.ThreadSession
}

// NewMemoryStore creates a new in-memory thread session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.ThreadSession)}
}

func threadKey(bindingID string, channel models.ChannelType, channelID, threadID string) string {
	return bindingID + ":" + string(channel) + ":" + channelID + ":" + threadID
}

// Resolve returns the session id for a thread, or ErrNotFound.
func (s *MemoryStore) Resolve(ctx context.Context, bindingID string, channel models.ChannelType, channelID, threadID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.sessions[threadKey(bindingID, channel, channelID, threadID)]
	if !ok {
		return "", ErrNotFound
	}
	return ts.SessionID, nil
}

// CreateIfAbsent inserts a mapping unless one already exists. The first
// write wins; later writes are silently dropped.
func (s *MemoryStore) CreateIfAbsent(ctx context.Context, ts *models.ThreadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := threadKey(ts.BindingID, ts.Channel, ts.ChannelID, ts.ThreadID)
	if _, exists := s.sessions[key]; exists {
		return nil
	}
	clone := *ts
	clone.CreatedAt = time.Now()
	s.sessions[key] = &clone
	return nil
}

// MemoryEmailStore is an in-memory email thread session store.
type MemoryEmailStore struct {
	mu       sync.RWMutex
	byID     map[string]*models.EmailThreadSession
	byToken  map[string]string
}

// NewMemoryEmailStore creates a new in-memory email thread session store.
func NewMemoryEmailStore() *MemoryEmailStore {
	return &MemoryEmailStore{
		byID:    make(map[string]*models.EmailThreadSession),
		byToken: make(map[string]string),
	}
}

// Get retrieves an email thread session by id.
func (s *MemoryEmailStore) Get(ctx context.Context, id string) (*models.EmailThreadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ets, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *ets
	return &clone, nil
}

// GetByToken resolves an email thread session from its reply token.
func (s *MemoryEmailStore) GetByToken(ctx context.Context, token string) (*models.EmailThreadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	ets := s.byID[id]
	clone := *ets
	return &clone, nil
}

// Create stores a new email thread session.
func (s *MemoryEmailStore) Create(ctx context.Context, ets *models.EmailThreadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	clone := *ets
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.byID[ets.ID] = &clone
	s.byToken[ets.Token] = ets.ID
	return nil
}

// Touch updates the last delivered message id and optionally the
// backend session id.
func (s *MemoryEmailStore) Touch(ctx context.Context, id, lastMessageID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ets, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if lastMessageID != "" {
		ets.LastMessageID = lastMessageID
	}
	if sessionID != "" {
		ets.SessionID = sessionID
	}
	ets.UpdatedAt = time.Now()
	return nil
}
