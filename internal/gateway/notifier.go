package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/courier/internal/channels/email"
	"github.com/haasonsaas/courier/internal/runs"
	"github.com/haasonsaas/courier/pkg/models"
)

// Notifier delivers run outcomes that arrive via completion callbacks
// to their channel. It implements runs.Notifier.
type Notifier struct {
	pipeline *Pipeline
}

// NewNotifier creates a Notifier over the pipeline's adapters.
func NewNotifier(p *Pipeline) *Notifier {
	return &Notifier{pipeline: p}
}

// NotifyEmailReply sends the run outcome as an email into the thread
// the callback payload points at, stamping the thread's reply token so
// the conversation can continue.
func (n *Notifier) NotifyEmailReply(ctx context.Context, payload *models.EmailReplyPayload, result runs.Result) error {
	p := n.pipeline
	thread, err := p.emails.Get(ctx, payload.ThreadSessionID)
	if err != nil {
		return fmt.Errorf("load email thread: %w", err)
	}

	adapter, ok := p.registry.Get(models.ChannelEmail)
	if !ok {
		return fmt.Errorf("no email adapter registered")
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), p.emailDomain)
	msg := &models.Message{
		Channel:   models.ChannelEmail,
		ChannelID: payload.Recipient,
		Direction: models.DirectionOutbound,
		Content:   outcomeText(result),
		Metadata: map[string]any{
			email.MetaSubject:    payload.Subject,
			email.MetaReplyToken: thread.Token,
			email.MetaMessageID:  messageID,
			email.MetaInReplyTo:  thread.LastMessageID,
		},
	}
	if err := adapter.Send(ctx, msg); err != nil {
		return err
	}
	p.countMessage(models.ChannelEmail, models.DirectionOutbound)

	// The id of the message just sent becomes the threading anchor for
	// the next reply.
	if err := p.emails.Touch(ctx, thread.ID, messageID, ""); err != nil {
		p.logger.Warn("email thread touch failed", "thread_id", thread.ID, "error", err)
	}
	return nil
}

// NotifySchedule posts the run outcome into the chat conversation the
// schedule targets.
func (n *Notifier) NotifySchedule(ctx context.Context, payload *models.SchedulePayload, result runs.Result) error {
	p := n.pipeline
	adapter, ok := p.registry.Get(payload.Channel)
	if !ok {
		return fmt.Errorf("no adapter for channel %q", payload.Channel)
	}
	msg := &models.Message{
		Channel:   payload.Channel,
		ChannelID: payload.ChannelID,
		ThreadID:  payload.ThreadID,
		Direction: models.DirectionOutbound,
		Content:   outcomeText(result),
	}
	if err := adapter.Send(ctx, msg); err != nil {
		return err
	}
	p.countMessage(payload.Channel, models.DirectionOutbound)
	return nil
}

// outcomeText renders a run result for the user.
func outcomeText(result runs.Result) string {
	if result.Outcome == runs.OutcomeFailed {
		return fmt.Sprintf("The agent run failed: %s", result.Err)
	}
	return result.Output
}
