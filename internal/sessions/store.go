// Package sessions maps channel-native conversation threads to backend
// agent sessions.
//
// A thread session is created lazily on the first message in a thread
// and reused for the thread's lifetime. Concurrent first messages race;
// the store's uniqueness constraint, not application locking, decides
// the winner. The loser's insert is silently ignored and a re-read
// returns the winning session id.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/courier/pkg/models"
)

// ErrNotFound is returned when no mapping exists.
var ErrNotFound = errors.New("sessions: not found")

// Store persists thread-to-session mappings.
type Store interface {
	// Resolve returns the session id for a (binding, channel, thread)
	// triple, or ErrNotFound.
	Resolve(ctx context.Context, bindingID string, channel models.ChannelType, channelID, threadID string) (string, error)

	// CreateIfAbsent inserts a mapping, silently no-oping if one
	// already exists for the triple. The existing mapping wins.
	CreateIfAbsent(ctx context.Context, ts *models.ThreadSession) error
}

// EmailStore persists email conversation sessions keyed by reply token.
type EmailStore interface {
	// Get retrieves an email thread session by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.EmailThreadSession, error)

	// GetByToken resolves an email thread session from its reply
	// token, or ErrNotFound.
	GetByToken(ctx context.Context, token string) (*models.EmailThreadSession, error)

	// Create stores a new email thread session.
	Create(ctx context.Context, ets *models.EmailThreadSession) error

	// Touch updates the last delivered message id (for threading
	// headers) and optionally the backend session id.
	Touch(ctx context.Context, id, lastMessageID, sessionID string) error
}
