package models

import "time"

// ThreadSession maps a channel-native thread to a backend conversation
// session for one binding. A thread keeps one session for its lifetime;
// the mapping is never updated in place.
type ThreadSession struct {
	BindingID string      `json:"binding_id"`
	Channel   ChannelType `json:"channel"`
	ChannelID string      `json:"channel_id"`
	ThreadID  string      `json:"thread_id"`
	SessionID string      `json:"session_id"`
	CreatedAt time.Time   `json:"created_at"`
}

// EmailThreadSession tracks an email conversation with an agent. The
// Token is the HMAC-authenticated reply token embedded in the
// reply+{token}@domain address; LastMessageID feeds threading headers
// on the next outbound mail.
type EmailThreadSession struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	AgentID       string    `json:"agent_id"`
	SessionID     string    `json:"session_id"`
	Token         string    `json:"token"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
