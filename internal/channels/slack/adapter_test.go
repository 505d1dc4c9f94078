package slack

import (
	"testing"
	"time"

	"github.com/slack-go/slack/slackevents"

	"github.com/haasonsaas/courier/pkg/models"
)

func TestStripMentions(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"leading mention", "<@U123> use coder fix the bug", "use coder fix the bug"},
		{"no mention", "just text", "just text"},
		{"multiple mentions", "<@U123> hey <@U456> there", "hey  there"},
		{"unterminated mention", "<@U123 broken", "<@U123 broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMentions(tt.in); got != tt.want {
				t.Errorf("stripMentions(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestConvertMessage(t *testing.T) {
	t.Run("thread reply keeps thread timestamp", func(t *testing.T) {
		msg := convertMessage(&slackevents.MessageEvent{
			User:            "U1",
			Text:            "<@UBOT> continue",
			Channel:         "C1",
			TimeStamp:       "1700000100.000200",
			ThreadTimeStamp: "1700000000.000100",
		})
		if msg.Channel != models.ChannelSlack {
			t.Errorf("Channel = %q, want slack", msg.Channel)
		}
		if msg.ChannelID != "C1" {
			t.Errorf("ChannelID = %q, want C1", msg.ChannelID)
		}
		if msg.ThreadID != "1700000000.000100" {
			t.Errorf("ThreadID = %q, want thread ts", msg.ThreadID)
		}
		if msg.Content != "continue" {
			t.Errorf("Content = %q, want mention stripped", msg.Content)
		}
	})

	t.Run("top-level message threads under itself", func(t *testing.T) {
		msg := convertMessage(&slackevents.MessageEvent{
			User:      "U1",
			Text:      "hello",
			Channel:   "C1",
			TimeStamp: "1700000000.000100",
		})
		if msg.ThreadID != "1700000000.000100" {
			t.Errorf("ThreadID = %q, want own ts", msg.ThreadID)
		}
	})
}

func TestParseTimestamp(t *testing.T) {
	got, err := parseTimestamp("1700000000.000100")
	if err != nil {
		t.Fatalf("parseTimestamp error: %v", err)
	}
	want := time.Unix(1700000000, 100*int64(time.Microsecond))
	if !got.Equal(want) {
		t.Errorf("parseTimestamp = %v, want %v", got, want)
	}

	if _, err := parseTimestamp("not-a-ts"); err == nil {
		t.Error("expected error for malformed timestamp")
	}
}
