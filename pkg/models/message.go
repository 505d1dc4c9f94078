package models

import "time"

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelSlack ChannelType = "slack"
	ChannelEmail ChannelType = "email"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is the unified message format across all channels.
type Message struct {
	ID        string         `json:"id"`
	Channel   ChannelType    `json:"channel"`
	ChannelID string         `json:"channel_id"` // platform-specific conversation ID
	ThreadID  string         `json:"thread_id,omitempty"`
	SenderID  string         `json:"sender_id,omitempty"`
	Direction Direction      `json:"direction"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
