package models

import "time"

// Binding makes an agent configuration addressable on a channel identity.
//
// The Name is the handle users address the agent by; it is unique per
// owner and channel. Description, when present, feeds the router's
// keyword heuristic.
type Binding struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	AgentID     string      `json:"agent_id"` // backend agent-configuration id
	Channel     ChannelType `json:"channel"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Enabled     bool        `json:"enabled"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
