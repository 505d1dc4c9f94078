// Package gateway is the intake pipeline: it authenticates inbound
// triggers, routes them to an agent binding, maintains thread-session
// continuity, and coordinates the run lifecycle back to the channel.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/courier/internal/bindings"
	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/internal/observability"
	"github.com/haasonsaas/courier/internal/replytoken"
	"github.com/haasonsaas/courier/internal/router"
	"github.com/haasonsaas/courier/internal/runs"
	"github.com/haasonsaas/courier/internal/sessions"
	"github.com/haasonsaas/courier/pkg/models"
)

// ErrUnknownRecipient is returned for inbound email whose recipient
// carries no valid reply token.
var ErrUnknownRecipient = errors.New("gateway: unknown recipient")

// Pipeline wires the intake components together. Each inbound event is
// handled independently; the only cross-request coordination point is
// the session store's uniqueness constraint.
type Pipeline struct {
	bindings    bindings.Store
	sessions    sessions.Store
	emails      sessions.EmailStore
	router      *router.Router
	coordinator *runs.Coordinator
	tokens      *replytoken.Codec
	registry    *channels.Registry
	metrics     *observability.Metrics
	logger      *slog.Logger

	// callbackURL is where the executor posts run completions for
	// asynchronous channels.
	callbackURL string
	emailDomain string
}

// PipelineConfig collects the pipeline's collaborators.
type PipelineConfig struct {
	Bindings    bindings.Store
	Sessions    sessions.Store
	Emails      sessions.EmailStore
	Router      *router.Router
	Coordinator *runs.Coordinator
	Tokens      *replytoken.Codec
	Registry    *channels.Registry
	Metrics     *observability.Metrics
	Logger      *slog.Logger
	CallbackURL string
	EmailDomain string
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		bindings:    cfg.Bindings,
		sessions:    cfg.Sessions,
		emails:      cfg.Emails,
		router:      cfg.Router,
		coordinator: cfg.Coordinator,
		tokens:      cfg.Tokens,
		registry:    cfg.Registry,
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "pipeline"),
		callbackURL: cfg.CallbackURL,
		emailDomain: cfg.EmailDomain,
	}
}

// HandleChat processes one inbound chat message end to end: route,
// resolve the thread session, dispatch, await, and deliver the outcome
// back into the thread. Routing outcomes that need user input (a
// clarification request, a help message, an unknown-agent error) are
// delivered the same way and end the request.
func (p *Pipeline) HandleChat(ctx context.Context, msg *models.Message) {
	p.countMessage(msg.Channel, models.DirectionInbound)

	candidates, err := p.bindings.ListByOwner(ctx, msg.SenderID, msg.Channel)
	if err != nil {
		p.logger.Error("list bindings failed", "owner_id", msg.SenderID, "error", err)
		p.reply(ctx, msg, "Something went wrong handling your message. Please try again.")
		return
	}

	decision, err := p.router.Route(ctx, msg.Content, candidates, "")
	var notFound *router.AgentNotFoundError
	switch {
	case errors.As(err, &notFound):
		p.countDecision("not_found")
		p.reply(ctx, msg, fmt.Sprintf("No agent named %q. Available agents: %s.",
			notFound.Name, strings.Join(notFound.ValidNames, ", ")))
		return
	case err != nil:
		p.logger.Error("routing failed", "error", err)
		p.reply(ctx, msg, "Something went wrong handling your message. Please try again.")
		return
	}

	switch decision.Type {
	case router.DecisionNotRequest:
		p.countDecision("not_request")
		p.reply(ctx, msg, p.helpText(candidates))
		return
	case router.DecisionAmbiguous:
		// A thread that already talks to exactly one agent continues
		// with it; otherwise ask the user to be specific.
		if binding, sessionID, ok := p.continueThread(ctx, msg, candidates); ok {
			p.countDecision("matched")
			p.runAndDeliver(ctx, msg, binding, sessionID, msg.Content)
			return
		}
		p.countDecision("ambiguous")
		p.reply(ctx, msg, p.clarificationText(candidates))
		return
	}

	p.countDecision("matched")
	binding := findBinding(candidates, decision.AgentName)
	if binding == nil {
		// Route decisions only name bindings from the candidate set.
		p.logger.Error("matched binding missing", "agent_name", decision.AgentName)
		p.reply(ctx, msg, "Something went wrong handling your message. Please try again.")
		return
	}

	sessionID, err := p.resolveSession(ctx, binding, msg)
	if err != nil {
		p.logger.Error("session resolution failed", "binding_id", binding.ID, "error", err)
		p.reply(ctx, msg, "Something went wrong handling your message. Please try again.")
		return
	}

	p.runAndDeliver(ctx, msg, binding, sessionID, decision.PromptText)
}

// continueThread finds the single binding that already has a session in
// this thread, if any.
func (p *Pipeline) continueThread(ctx context.Context, msg *models.Message, candidates []*models.Binding) (*models.Binding, string, bool) {
	var found *models.Binding
	var foundSession string
	for _, b := range candidates {
		sessionID, err := p.sessions.Resolve(ctx, b.ID, msg.Channel, msg.ChannelID, msg.ThreadID)
		if errors.Is(err, sessions.ErrNotFound) {
			continue
		}
		if err != nil {
			p.logger.Error("session lookup failed", "binding_id", b.ID, "error", err)
			return nil, "", false
		}
		if found != nil {
			// More than one agent active in this thread; stay ambiguous.
			return nil, "", false
		}
		found, foundSession = b, sessionID
	}
	if found == nil {
		return nil, "", false
	}
	return found, foundSession, true
}

// resolveSession returns the thread's session for a binding, creating
// one on first use. A lost insert race is resolved by re-reading the
// winner.
func (p *Pipeline) resolveSession(ctx context.Context, binding *models.Binding, msg *models.Message) (string, error) {
	sessionID, err := p.sessions.Resolve(ctx, binding.ID, msg.Channel, msg.ChannelID, msg.ThreadID)
	if err == nil {
		return sessionID, nil
	}
	if !errors.Is(err, sessions.ErrNotFound) {
		return "", err
	}

	if err := p.sessions.CreateIfAbsent(ctx, &models.ThreadSession{
		BindingID: binding.ID,
		Channel:   msg.Channel,
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		SessionID: uuid.NewString(),
	}); err != nil {
		return "", err
	}
	return p.sessions.Resolve(ctx, binding.ID, msg.Channel, msg.ChannelID, msg.ThreadID)
}

// runAndDeliver dispatches a run for a synchronous channel, waits for
// it, and posts the outcome into the thread.
func (p *Pipeline) runAndDeliver(ctx context.Context, msg *models.Message, binding *models.Binding, sessionID, prompt string) {
	runID, err := p.coordinator.Dispatch(ctx, &runs.DispatchRequest{
		OwnerID:   binding.OwnerID,
		AgentID:   binding.AgentID,
		SessionID: sessionID,
		Prompt:    prompt,
	})
	if err != nil {
		p.logger.Error("dispatch failed", "binding_id", binding.ID, "error", err)
		p.reply(ctx, msg, "Something went wrong starting the agent. Please try again.")
		return
	}
	p.countDispatched(msg.Channel)

	start := time.Now()
	result, err := p.coordinator.AwaitCompletion(ctx, runID, nil)
	if p.metrics != nil {
		p.metrics.RunWaitDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.logger.Error("await failed", "run_id", runID, "error", err)
		p.reply(ctx, msg, "Something went wrong while waiting for the agent.")
		return
	}
	p.countOutcome(result.Outcome)

	switch result.Outcome {
	case runs.OutcomeCompleted:
		p.reply(ctx, msg, result.Output)
	case runs.OutcomeFailed:
		p.reply(ctx, msg, fmt.Sprintf("The agent run failed: %s", result.Err))
	case runs.OutcomeTimedOut:
		p.reply(ctx, msg, "The agent is still working on this. I'll stop waiting here; it may finish later.")
	}
}

// EmailInbound is an inbound email delivered by the mail provider.
type EmailInbound struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

// HandleEmailReply processes an inbound reply to a plus-addressed
// reply token. The run is dispatched with an email-reply callback; no
// polling happens here — the executor's completion callback sends the
// response email.
func (p *Pipeline) HandleEmailReply(ctx context.Context, in *EmailInbound) error {
	p.countMessage(models.ChannelEmail, models.DirectionInbound)

	token, err := replytoken.ParseReplyAddress(in.To)
	if err != nil {
		return ErrUnknownRecipient
	}
	if _, err := p.tokens.Decode(token); err != nil {
		// Tampered or foreign token; same outcome as no token at all.
		return ErrUnknownRecipient
	}

	thread, err := p.emails.GetByToken(ctx, token)
	if errors.Is(err, sessions.ErrNotFound) {
		return ErrUnknownRecipient
	}
	if err != nil {
		return fmt.Errorf("load email thread: %w", err)
	}

	// Remember the inbound message id so the response threads under it.
	if err := p.emails.Touch(ctx, thread.ID, in.MessageID, ""); err != nil {
		p.logger.Warn("email thread touch failed", "thread_id", thread.ID, "error", err)
	}

	_, err = p.coordinator.Dispatch(ctx, &runs.DispatchRequest{
		OwnerID:   thread.OwnerID,
		AgentID:   thread.AgentID,
		SessionID: thread.SessionID,
		Prompt:    in.Text,
		Callbacks: []runs.CallbackSpec{{
			URL: p.callbackURL,
			Payload: models.CallbackPayload{
				Kind: models.CallbackEmailReply,
				EmailReply: &models.EmailReplyPayload{
					ThreadSessionID: thread.ID,
					Recipient:       in.From,
					Subject:         in.Subject,
				},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("dispatch email run: %w", err)
	}
	p.countDispatched(models.ChannelEmail)
	return nil
}

// StartEmailThread begins a new email conversation: it creates the
// email thread session with a fresh reply token and dispatches the
// first run. The outbound email is sent by the run's completion
// callback.
func (p *Pipeline) StartEmailThread(ctx context.Context, ownerID, agentID, recipient, subject, prompt string) (string, error) {
	sessionID := uuid.NewString()
	thread := &models.EmailThreadSession{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		AgentID:   agentID,
		SessionID: sessionID,
		Token:     p.tokens.Encode(sessionID),
	}
	if err := p.emails.Create(ctx, thread); err != nil {
		return "", fmt.Errorf("create email thread: %w", err)
	}

	runID, err := p.coordinator.Dispatch(ctx, &runs.DispatchRequest{
		OwnerID:   ownerID,
		AgentID:   agentID,
		SessionID: sessionID,
		Prompt:    prompt,
		Callbacks: []runs.CallbackSpec{{
			URL: p.callbackURL,
			Payload: models.CallbackPayload{
				Kind: models.CallbackEmailReply,
				EmailReply: &models.EmailReplyPayload{
					ThreadSessionID: thread.ID,
					Recipient:       recipient,
					Subject:         subject,
				},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("dispatch email run: %w", err)
	}
	p.countDispatched(models.ChannelEmail)
	return runID, nil
}

// reply posts text back into the thread the message came from. A
// delivery failure is logged; there is nothing further to do.
func (p *Pipeline) reply(ctx context.Context, msg *models.Message, text string) {
	adapter, ok := p.registry.Get(msg.Channel)
	if !ok {
		p.logger.Error("no adapter for channel", "channel", msg.Channel)
		return
	}
	out := &models.Message{
		Channel:   msg.Channel,
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Direction: models.DirectionOutbound,
		Content:   text,
	}
	if err := adapter.Send(ctx, out); err != nil {
		p.logger.Error("reply delivery failed", "channel", msg.Channel, "error", err)
		return
	}
	p.countMessage(msg.Channel, models.DirectionOutbound)
}

func (p *Pipeline) clarificationText(candidates []*models.Binding) string {
	if len(candidates) == 0 {
		return "You have no agents linked on this channel yet."
	}
	return fmt.Sprintf("I'm not sure which agent you mean. Try \"use <name> <request>\" with one of: %s.",
		strings.Join(names(candidates), ", "))
}

func (p *Pipeline) helpText(candidates []*models.Binding) string {
	if len(candidates) == 0 {
		return "Hi! You have no agents linked on this channel yet."
	}
	return fmt.Sprintf("Hi! Mention me with a request and I'll route it. Your agents: %s.",
		strings.Join(names(candidates), ", "))
}

func findBinding(candidates []*models.Binding, name string) *models.Binding {
	for _, b := range candidates {
		if strings.EqualFold(b.Name, name) {
			return b
		}
	}
	return nil
}

func names(candidates []*models.Binding) []string {
	out := make([]string, 0, len(candidates))
	for _, b := range candidates {
		out = append(out, b.Name)
	}
	return out
}

func (p *Pipeline) countMessage(channel models.ChannelType, direction models.Direction) {
	if p.metrics != nil {
		p.metrics.MessageCounter.WithLabelValues(string(channel), string(direction)).Inc()
	}
}

func (p *Pipeline) countDecision(decision string) {
	if p.metrics != nil {
		p.metrics.RouteDecisions.WithLabelValues(decision).Inc()
	}
}

func (p *Pipeline) countDispatched(channel models.ChannelType) {
	if p.metrics != nil {
		p.metrics.RunsDispatched.WithLabelValues(string(channel)).Inc()
	}
}

func (p *Pipeline) countOutcome(outcome runs.Outcome) {
	if p.metrics != nil {
		p.metrics.RunOutcomes.WithLabelValues(string(outcome)).Inc()
	}
}
