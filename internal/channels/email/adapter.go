// Package email provides the email channel adapter for Courier.
//
// Outbound replies are delivered over SMTP with a Reply-To of the form
// "reply+{token}@domain" so that follow-up emails route back into the
// same agent session. Inbound mail does not flow through this adapter;
// the mail provider posts it to the gateway's email webhook.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/internal/replytoken"
	"github.com/haasonsaas/courier/pkg/models"
)

// Metadata keys understood by Send.
const (
	// MetaReplyToken carries the session reply token stamped into the
	// Reply-To address.
	MetaReplyToken = "reply_token"

	// MetaSubject is the outbound subject line.
	MetaSubject = "subject"

	// MetaInReplyTo is the Message-ID of the inbound email being
	// answered, used for client-side threading.
	MetaInReplyTo = "in_reply_to"

	// MetaMessageID overrides the generated Message-ID. Callers that
	// track the id for later threading headers set this.
	MetaMessageID = "message_id"
)

// Config holds the configuration for the email adapter.
type Config struct {
	// Domain is the inbound mail domain for reply addresses.
	Domain string

	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string

	Logger *slog.Logger
}

// Validate checks that the adapter can send mail.
func (c Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("email: domain is required")
	}
	if c.SMTPHost == "" {
		return fmt.Errorf("email: smtp host is required")
	}
	if c.From == "" {
		return fmt.Errorf("email: from address is required")
	}
	return nil
}

// sendFunc matches smtp.SendMail, injectable for tests.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Adapter implements the channels.Adapter interface for email.
type Adapter struct {
	config   Config
	messages chan *models.Message
	logger   *slog.Logger
	send     sendFunc

	status   channels.Status
	statusMu sync.RWMutex
}

// NewAdapter creates a new email adapter with the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Adapter{
		config:   config,
		messages: make(chan *models.Message),
		logger:   config.Logger.With("adapter", "email"),
		send:     smtp.SendMail,
	}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelEmail
}

// Start marks the adapter ready. There is no inbound connection to
// establish; inbound mail arrives via the gateway webhook.
func (a *Adapter) Start(ctx context.Context) error {
	a.setStatus(true, "")
	a.logger.Info("email adapter started", "domain", a.config.Domain, "smtp_host", a.config.SMTPHost)
	return nil
}

// Stop closes the (unused) inbound message channel.
func (a *Adapter) Stop(ctx context.Context) error {
	close(a.messages)
	a.setStatus(false, "")
	return nil
}

// Send delivers an outbound email. The message's ChannelID is the
// recipient address; metadata supplies subject, reply token, and the
// Message-ID being answered.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if msg.ChannelID == "" {
		return fmt.Errorf("email: message has no recipient")
	}

	raw := a.buildMessage(msg)
	addr := fmt.Sprintf("%s:%d", a.config.SMTPHost, a.config.SMTPPort)

	var auth smtp.Auth
	if a.config.Username != "" {
		auth = smtp.PlainAuth("", a.config.Username, a.config.Password, a.config.SMTPHost)
	}

	if err := a.send(addr, auth, a.config.From, []string{msg.ChannelID}, raw); err != nil {
		a.setStatus(false, err.Error())
		return fmt.Errorf("failed to send email: %w", err)
	}

	a.setStatus(true, "")
	a.logger.Debug("sent email", "to", msg.ChannelID)
	return nil
}

// Messages returns the inbound channel. It never carries messages; it
// exists to satisfy the adapter contract and closes on Stop.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

func (a *Adapter) setStatus(connected bool, errMsg string) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.Connected = connected
	a.status.Error = errMsg
	if connected {
		a.status.LastPing = time.Now().Unix()
	}
}

// buildMessage assembles the raw RFC 5322 message.
func (a *Adapter) buildMessage(msg *models.Message) []byte {
	subject, _ := msg.Metadata[MetaSubject].(string)
	if subject == "" {
		subject = "Re: your request"
	}

	var b strings.Builder
	messageID, _ := msg.Metadata[MetaMessageID].(string)
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), a.config.Domain)
	}

	fmt.Fprintf(&b, "From: %s\r\n", a.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.ChannelID)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))

	if token, _ := msg.Metadata[MetaReplyToken].(string); token != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", replytoken.ReplyAddress(token, a.config.Domain))
	}
	if inReplyTo, _ := msg.Metadata[MetaInReplyTo].(string); inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", inReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", inReplyTo)
	}

	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Content)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// sanitizeHeader strips CR/LF to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
