package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/courier/internal/webhook"
	"github.com/haasonsaas/courier/pkg/models"
)

// ErrCallbackAuth is returned when a completion callback fails
// signature verification against every registration for the run.
var ErrCallbackAuth = errors.New("runs: callback authentication failed")

// CallbackRequest is the executor's completion POST body. The payload
// is the registration's correlation blob echoed back verbatim.
type CallbackRequest struct {
	RunID   string          `json:"runId"`
	Status  string          `json:"status"`
	Result  string          `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Notifier delivers run outcomes to the channel a callback payload
// points at. Delivery failures are logged and swallowed: the run
// already completed, so the callback must never be failed or retried
// because of them.
type Notifier interface {
	NotifyEmailReply(ctx context.Context, payload *models.EmailReplyPayload, result Result) error
	NotifySchedule(ctx context.Context, payload *models.SchedulePayload, result Result) error
}

// CallbackHandler verifies and applies executor completion callbacks.
//
// Delivery is at-least-once; applying the same callback twice is safe
// (the status update is idempotent and a duplicate notification is
// acceptable).
type CallbackHandler struct {
	store    Store
	secrets  *SecretBox
	verifier *webhook.Verifier
	notifier Notifier
	logger   *slog.Logger
}

// NewCallbackHandler creates a CallbackHandler.
func NewCallbackHandler(store Store, secrets *SecretBox, verifier *webhook.Verifier, notifier Notifier, logger *slog.Logger) *CallbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{
		store:    store,
		secrets:  secrets,
		verifier: verifier,
		notifier: notifier,
		logger:   logger.With("component", "callbacks"),
	}
}

// Handle authenticates a completion callback with the run's own secret
// and applies it. Authenticity and malformed-payload failures are
// returned; notification failures are not.
func (h *CallbackHandler) Handle(ctx context.Context, runID string, body []byte, signature, timestamp string) error {
	regs, err := h.store.CallbacksForRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load callback registrations: %w", err)
	}
	if len(regs) == 0 {
		return ErrCallbackAuth
	}

	// The secret is per-run; any registration's secret verifies. Stop
	// at the first that does.
	verified := false
	for _, reg := range regs {
		secret, err := h.secrets.Open(reg.SecretCiphertext)
		if err != nil {
			h.logger.Warn("undecryptable callback secret", "run_id", runID, "registration_id", reg.ID)
			continue
		}
		if h.verifier.Verify(body, signature, timestamp, secret) == nil {
			verified = true
			break
		}
	}
	if !verified {
		return ErrCallbackAuth
	}

	var req CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("runs: malformed callback body: %w", err)
	}
	if req.RunID != runID {
		return fmt.Errorf("runs: callback run id mismatch")
	}

	var result Result
	switch req.Status {
	case string(models.RunCompleted):
		result = Result{Outcome: OutcomeCompleted, Output: req.Result}
		if err := h.store.UpdateRunStatus(ctx, runID, models.RunCompleted, req.Result, ""); err != nil {
			return fmt.Errorf("record completion: %w", err)
		}
	case string(models.RunFailed):
		result = Result{Outcome: OutcomeFailed, Err: req.Error}
		if err := h.store.UpdateRunStatus(ctx, runID, models.RunFailed, "", req.Error); err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
	default:
		return fmt.Errorf("runs: unknown callback status %q", req.Status)
	}

	payload, err := models.ParseCallbackPayload(req.Payload)
	if err != nil {
		return err
	}

	h.notify(ctx, runID, payload, result)
	return nil
}

// notify dispatches the outcome to the payload's channel. Errors are
// logged and swallowed.
func (h *CallbackHandler) notify(ctx context.Context, runID string, payload models.CallbackPayload, result Result) {
	if h.notifier == nil {
		return
	}
	var err error
	switch payload.Kind {
	case models.CallbackEmailReply:
		err = h.notifier.NotifyEmailReply(ctx, payload.EmailReply, result)
	case models.CallbackSchedule:
		err = h.notifier.NotifySchedule(ctx, payload.Schedule, result)
	}
	if err != nil {
		h.logger.Error("callback notification failed, run outcome is final",
			"run_id", runID,
			"kind", payload.Kind,
			"error", err)
	}
}
