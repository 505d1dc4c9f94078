// Package slack provides the Slack channel adapter for Courier.
//
// It connects via Socket Mode to receive app mentions, direct messages,
// and thread replies, and posts responses back into the originating
// thread.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/pkg/models"
)

// Config holds the configuration for the Slack adapter.
type Config struct {
	BotToken string // xoxb- token for API calls
	AppToken string // xapp- token for Socket Mode
	Logger   *slog.Logger
}

// Adapter implements the channels.Adapter interface for Slack.
type Adapter struct {
	cfg          Config
	client       *slack.Client
	socketClient *socketmode.Client
	messages     chan *models.Message
	logger       *slog.Logger

	status   channels.Status
	statusMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	botUserID   string
	botUserIDMu sync.RWMutex
}

// NewAdapter creates a new Slack adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := slack.New(
		cfg.BotToken,
		slack.OptionAppLevelToken(cfg.AppToken),
	)
	socketClient := socketmode.New(
		client,
		socketmode.OptionDebug(false),
	)

	return &Adapter{
		cfg:          cfg,
		client:       client,
		socketClient: socketClient,
		messages:     make(chan *models.Message, 100),
		logger:       cfg.Logger.With("adapter", "slack"),
	}
}

// Start begins listening for messages from Slack via Socket Mode.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	// Bot user ID is needed for mention detection.
	authResp, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to authenticate with Slack: %w", err)
	}
	a.botUserIDMu.Lock()
	a.botUserID = authResp.UserID
	a.botUserIDMu.Unlock()

	a.logger.Info("slack adapter started", "bot_user_id", authResp.UserID)

	a.wg.Add(1)
	go a.handleEvents()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.socketClient.Run(); err != nil {
			a.updateStatus(false, fmt.Sprintf("socket mode error: %v", err))
			a.logger.Error("socket mode error", "error", err)
		}
	}()

	a.updateStatus(true, "")
	return nil
}

// Stop gracefully shuts down the adapter.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	close(a.messages)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.updateStatus(false, "")
		return nil
	case <-ctx.Done():
		a.updateStatus(false, "shutdown timeout")
		return ctx.Err()
	}
}

// Send posts a message into the conversation the message addresses.
// ThreadID, when set, keeps the reply inside the originating thread.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if msg.ChannelID == "" {
		return fmt.Errorf("slack: message has no channel id")
	}

	options := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if msg.ThreadID != "" {
		options = append(options, slack.MsgOptionTS(msg.ThreadID))
	}

	channel, timestamp, err := a.client.PostMessageContext(ctx, msg.ChannelID, options...)
	if err != nil {
		return fmt.Errorf("failed to send Slack message: %w", err)
	}
	a.logger.Debug("sent slack message", "channel", channel, "ts", timestamp)
	return nil
}

// Messages returns a channel of inbound messages.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelSlack
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

// handleEvents processes incoming Socket Mode events.
func (a *Adapter) handleEvents() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-a.socketClient.Events:
			if !ok {
				return
			}

			a.statusMu.Lock()
			a.status.LastPing = time.Now().Unix()
			a.statusMu.Unlock()

			switch event.Type {
			case socketmode.EventTypeConnecting:
				a.logger.Debug("connecting to socket mode")

			case socketmode.EventTypeConnectionError:
				a.logger.Warn("socket mode connection error", "data", event.Data)
				a.updateStatus(false, "connection error")

			case socketmode.EventTypeConnected:
				a.logger.Info("connected to socket mode")
				a.updateStatus(true, "")

			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(event)

			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				a.socketClient.Ack(*event.Request)
			}
		}
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event socketmode.Event) {
	eventsAPIEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		a.logger.Warn("unexpected events api payload", "data", event.Data)
		a.socketClient.Ack(*event.Request)
		return
	}
	a.socketClient.Ack(*event.Request)

	if eventsAPIEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.handleMessage(&slackevents.MessageEvent{
			Type:            "message",
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		})

	case *slackevents.MessageEvent:
		// Ignore bot echoes and message edits/deletes.
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		a.handleMessage(ev)
	}
}

// handleMessage filters and forwards an inbound message. Only direct
// messages, mentions, and thread replies reach the pipeline.
func (a *Adapter) handleMessage(event *slackevents.MessageEvent) {
	a.botUserIDMu.RLock()
	botUserID := a.botUserID
	a.botUserIDMu.RUnlock()

	isDM := strings.HasPrefix(event.Channel, "D")
	isMention := strings.Contains(event.Text, fmt.Sprintf("<@%s>", botUserID))
	if !isDM && !isMention && event.ThreadTimeStamp == "" {
		return
	}

	msg := convertMessage(event)
	select {
	case a.messages <- msg:
	case <-a.ctx.Done():
	default:
		a.logger.Warn("messages channel full, dropping message", "channel", event.Channel)
	}
}

// updateStatus updates the connection status.
func (a *Adapter) updateStatus(connected bool, errMsg string) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.Connected = connected
	a.status.Error = errMsg
	if connected {
		a.status.LastPing = time.Now().Unix()
	}
}

// convertMessage converts a Slack message event to the unified format.
// ThreadID is always populated: top-level messages thread under their
// own timestamp so the reply lands in a thread.
func convertMessage(event *slackevents.MessageEvent) *models.Message {
	threadTS := event.ThreadTimeStamp
	if threadTS == "" {
		threadTS = event.TimeStamp
	}

	createdAt := time.Now()
	if ts, err := parseTimestamp(event.TimeStamp); err == nil {
		createdAt = ts
	}

	return &models.Message{
		ID:        fmt.Sprintf("%s:%s", event.Channel, event.TimeStamp),
		Channel:   models.ChannelSlack,
		ChannelID: event.Channel,
		ThreadID:  threadTS,
		SenderID:  event.User,
		Direction: models.DirectionInbound,
		Content:   stripMentions(event.Text),
		Metadata: map[string]any{
			"slack_ts": event.TimeStamp,
		},
		CreatedAt: createdAt,
	}
}

// stripMentions removes <@USERID> tokens from message text.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

// parseTimestamp parses a Slack "seconds.micros" timestamp.
func parseTimestamp(ts string) (time.Time, error) {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
	}
	var nsec int64
	if len(parts) == 2 {
		micros, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
		}
		nsec = micros * int64(time.Microsecond)
	}
	return time.Unix(sec, nsec), nil
}
