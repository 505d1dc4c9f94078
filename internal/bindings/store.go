// Package bindings persists agent bindings: agent configurations made
// addressable on a channel identity.
package bindings

import (
	"context"
	"errors"

	"github.com/haasonsaas/courier/pkg/models"
)

var (
	// ErrNotFound is returned when no binding matches.
	ErrNotFound = errors.New("bindings: not found")

	// ErrDuplicateName is returned when a binding name collides for the
	// same owner and channel.
	ErrDuplicateName = errors.New("bindings: duplicate name")
)

// Store defines the interface for binding persistence.
type Store interface {
	// Create adds a binding. Names are unique per owner and channel.
	Create(ctx context.Context, b *models.Binding) error

	// Get retrieves a binding by id.
	Get(ctx context.Context, id string) (*models.Binding, error)

	// ListByOwner returns the enabled bindings for an owner on a
	// channel, the candidate set the router decides over.
	ListByOwner(ctx context.Context, ownerID string, channel models.ChannelType) ([]*models.Binding, error)

	// SetEnabled soft-disables or re-enables a binding.
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// Delete removes a binding. Thread sessions cascade with it.
	Delete(ctx context.Context, id string) error
}
