package email

import (
	"context"
	"io"
	"log/slog"
	"net/smtp"
	"strings"
	"testing"

	"github.com/haasonsaas/courier/pkg/models"
)

func testAdapter(t *testing.T) (*Adapter, *sentMail) {
	t.Helper()
	a, err := NewAdapter(Config{
		Domain:   "courier.example.com",
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
		From:     "agent@courier.example.com",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	sent := &sentMail{}
	a.send = sent.record
	return a, sent
}

type sentMail struct {
	addr string
	from string
	to   []string
	body string
}

func (s *sentMail) record(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
	s.addr = addr
	s.from = from
	s.to = to
	s.body = string(msg)
	return nil
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("stamps reply-to and threading headers", func(t *testing.T) {
		a, sent := testAdapter(t)
		err := a.Send(ctx, &models.Message{
			Channel:   models.ChannelEmail,
			ChannelID: "dev@example.org",
			Direction: models.DirectionOutbound,
			Content:   "Fixed!",
			Metadata: map[string]any{
				MetaSubject:    "Re: prod is down",
				MetaReplyToken: "sess-1.deadbeefdeadbeef",
				MetaInReplyTo:  "<abc@example.org>",
			},
		})
		if err != nil {
			t.Fatalf("Send error: %v", err)
		}

		if sent.addr != "smtp.example.com:587" {
			t.Errorf("addr = %q", sent.addr)
		}
		if len(sent.to) != 1 || sent.to[0] != "dev@example.org" {
			t.Errorf("to = %v", sent.to)
		}
		for _, want := range []string{
			"Reply-To: reply+sess-1.deadbeefdeadbeef@courier.example.com\r\n",
			"In-Reply-To: <abc@example.org>\r\n",
			"References: <abc@example.org>\r\n",
			"Subject: Re: prod is down\r\n",
			"\r\n\r\nFixed!",
		} {
			if !strings.Contains(sent.body, want) {
				t.Errorf("message missing %q\nbody:\n%s", want, sent.body)
			}
		}
	})

	t.Run("no reply token omits reply-to", func(t *testing.T) {
		a, sent := testAdapter(t)
		err := a.Send(ctx, &models.Message{
			ChannelID: "dev@example.org",
			Content:   "hello",
		})
		if err != nil {
			t.Fatalf("Send error: %v", err)
		}
		if strings.Contains(sent.body, "Reply-To:") {
			t.Error("unexpected Reply-To header")
		}
	})

	t.Run("subject header injection stripped", func(t *testing.T) {
		a, sent := testAdapter(t)
		err := a.Send(ctx, &models.Message{
			ChannelID: "dev@example.org",
			Content:   "hello",
			Metadata:  map[string]any{MetaSubject: "hi\r\nBcc: evil@example.org"},
		})
		if err != nil {
			t.Fatalf("Send error: %v", err)
		}
		if strings.Contains(sent.body, "Bcc:") {
			t.Error("header injection not sanitized")
		}
	})

	t.Run("missing recipient rejected", func(t *testing.T) {
		a, _ := testAdapter(t)
		if err := a.Send(ctx, &models.Message{Content: "hello"}); err == nil {
			t.Error("expected error for missing recipient")
		}
	})
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{SMTPHost: "h", From: "f"}).Validate(); err == nil {
		t.Error("expected error for missing domain")
	}
	if err := (Config{Domain: "d", From: "f"}).Validate(); err == nil {
		t.Error("expected error for missing smtp host")
	}
	if err := (Config{Domain: "d", SMTPHost: "h"}).Validate(); err == nil {
		t.Error("expected error for missing from")
	}
}
