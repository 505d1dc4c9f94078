package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CallbackKind discriminates the known callback payload shapes.
type CallbackKind string

const (
	CallbackEmailReply CallbackKind = "email_reply"
	CallbackSchedule   CallbackKind = "schedule"
)

// ErrUnknownCallbackKind is returned for payloads that do not match one
// of the known shapes.
var ErrUnknownCallbackKind = errors.New("models: unknown callback kind")

// CallbackPayload is the correlation data echoed back verbatim when a
// run's completion callback fires. It is a closed tagged union: exactly
// one of the kind-specific fields is set, matching Kind.
type CallbackPayload struct {
	Kind       CallbackKind       `json:"kind"`
	EmailReply *EmailReplyPayload `json:"email_reply,omitempty"`
	Schedule   *SchedulePayload   `json:"schedule,omitempty"`
}

// EmailReplyPayload correlates a run back to the email thread that
// should receive the response.
type EmailReplyPayload struct {
	ThreadSessionID string `json:"thread_session_id"`
	Recipient       string `json:"recipient"`
	Subject         string `json:"subject,omitempty"`
}

// SchedulePayload correlates a scheduled run back to the chat channel
// that should be notified on completion.
type SchedulePayload struct {
	ScheduleID string      `json:"schedule_id"`
	Channel    ChannelType `json:"channel"`
	ChannelID  string      `json:"channel_id"`
	ThreadID   string      `json:"thread_id,omitempty"`
}

// ParseCallbackPayload decodes and validates a payload at the boundary.
// Anything that does not match a known shape is rejected.
func ParseCallbackPayload(data []byte) (CallbackPayload, error) {
	var p CallbackPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return CallbackPayload{}, fmt.Errorf("models: decode callback payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return CallbackPayload{}, err
	}
	return p, nil
}

// Validate checks that exactly the field matching Kind is populated.
func (p CallbackPayload) Validate() error {
	switch p.Kind {
	case CallbackEmailReply:
		if p.EmailReply == nil || p.Schedule != nil {
			return ErrUnknownCallbackKind
		}
		if p.EmailReply.ThreadSessionID == "" || p.EmailReply.Recipient == "" {
			return ErrUnknownCallbackKind
		}
	case CallbackSchedule:
		if p.Schedule == nil || p.EmailReply != nil {
			return ErrUnknownCallbackKind
		}
		if p.Schedule.Channel == "" || p.Schedule.ChannelID == "" {
			return ErrUnknownCallbackKind
		}
	default:
		return ErrUnknownCallbackKind
	}
	return nil
}

// CallbackRegistration attaches a completion callback to a dispatched
// run. The per-run secret is generated at dispatch time and stored
// encrypted; it authenticates the executor's completion POST.
type CallbackRegistration struct {
	ID               string          `json:"id"`
	RunID            string          `json:"run_id"`
	URL              string          `json:"url"`
	SecretCiphertext []byte          `json:"-"`
	Payload          CallbackPayload `json:"payload"`
	CreatedAt        time.Time       `json:"created_at"`
}
