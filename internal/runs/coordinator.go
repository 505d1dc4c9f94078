package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/courier/internal/executor"
	"github.com/haasonsaas/courier/pkg/models"
)

// Outcome tags the result of waiting on a run.
type Outcome string

const (
	// OutcomeCompleted means the executor finished the run successfully.
	OutcomeCompleted Outcome = "completed"

	// OutcomeFailed means the executor reported failure.
	OutcomeFailed Outcome = "failed"

	// OutcomeTimedOut means the wait deadline elapsed. The run may
	// still finish later; callers should say so rather than claim
	// failure.
	OutcomeTimedOut Outcome = "timed_out"
)

// Result is the normalized outcome of an awaited run.
type Result struct {
	Outcome Outcome
	Output  string
	Err     string
}

// Dispatcher hands runs off to the external executor.
type Dispatcher interface {
	DispatchRun(ctx context.Context, req *executor.DispatchRequest) (string, error)
}

// AgentResolver resolves an agent configuration to its current version.
// Agent configuration storage is an external collaborator.
type AgentResolver interface {
	ResolveVersion(ctx context.Context, agentID string) (string, error)
}

// WaitOptions bounds AwaitCompletion.
type WaitOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Defaults for WaitOptions.
const (
	DefaultWaitTimeout  = 30 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

// ContextSeparator joins conversational context and the new prompt.
const ContextSeparator = "\n\n---\n\n"

// DispatchRequest describes one run to dispatch.
type DispatchRequest struct {
	OwnerID   string
	AgentID   string
	SessionID string
	Prompt    string

	// Context, when present, precedes the prompt with a separator.
	Context string

	// Callbacks to register for downstream notification. Each gets the
	// run's secret, encrypted at rest.
	Callbacks []CallbackSpec
}

// CallbackSpec describes one completion callback to register.
type CallbackSpec struct {
	URL     string
	Payload models.CallbackPayload
}

// Coordinator creates run records, dispatches them, and waits for
// completion.
type Coordinator struct {
	store      Store
	dispatcher Dispatcher
	agents     AgentResolver
	secrets    *SecretBox
	logger     *slog.Logger
	wait       WaitOptions
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, dispatcher Dispatcher, agents AgentResolver, secrets *SecretBox, logger *slog.Logger, wait WaitOptions) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if wait.Timeout <= 0 {
		wait.Timeout = DefaultWaitTimeout
	}
	if wait.PollInterval <= 0 {
		wait.PollInterval = DefaultPollInterval
	}
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		agents:     agents,
		secrets:    secrets,
		logger:     logger.With("component", "runs"),
		wait:       wait,
	}
}

// Dispatch resolves the agent version, inserts a pending run, registers
// callbacks, and hands off to the executor. It returns the run id.
func (c *Coordinator) Dispatch(ctx context.Context, req *DispatchRequest) (string, error) {
	versionID, err := c.agents.ResolveVersion(ctx, req.AgentID)
	if err != nil {
		return "", fmt.Errorf("resolve agent version: %w", err)
	}

	prompt := req.Prompt
	if req.Context != "" {
		prompt = req.Context + ContextSeparator + req.Prompt
	}

	run := &models.Run{
		ID:             uuid.NewString(),
		OwnerID:        req.OwnerID,
		AgentVersionID: versionID,
		Prompt:         prompt,
		Status:         models.RunPending,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	secret, err := NewSecret()
	if err != nil {
		return "", err
	}

	// The executor receives the plaintext secret and payload for each
	// callback; only the ciphertext is ever stored.
	handoffs := make([]executor.CallbackHandoff, 0, len(req.Callbacks))
	for _, spec := range req.Callbacks {
		sealed, err := c.secrets.Seal([]byte(secret))
		if err != nil {
			return "", err
		}
		reg := &models.CallbackRegistration{
			ID:               uuid.NewString(),
			RunID:            run.ID,
			URL:              spec.URL,
			SecretCiphertext: sealed,
			Payload:          spec.Payload,
		}
		if err := c.store.CreateCallback(ctx, reg); err != nil {
			return "", fmt.Errorf("register callback: %w", err)
		}
		handoffs = append(handoffs, executor.CallbackHandoff{
			URL:     spec.URL,
			Secret:  secret,
			Payload: spec.Payload,
		})
	}

	credential, err := NewSecret()
	if err != nil {
		return "", err
	}
	_, err = c.dispatcher.DispatchRun(ctx, &executor.DispatchRequest{
		RunID:          run.ID,
		AgentVersionID: versionID,
		SessionID:      req.SessionID,
		Prompt:         prompt,
		Credential:     credential,
		Callbacks:      handoffs,
	})
	if err != nil {
		return "", fmt.Errorf("dispatch run: %w", err)
	}

	c.logger.Info("run dispatched",
		"run_id", run.ID,
		"agent_version_id", versionID,
		"callbacks", len(req.Callbacks))
	return run.ID, nil
}

// AwaitCompletion polls the run until it reaches a terminal status or
// the wait deadline elapses. Cancellable only by its own timeout; the
// parent context is still honored for shutdown.
func (c *Coordinator) AwaitCompletion(ctx context.Context, runID string, opts *WaitOptions) (Result, error) {
	wait := c.wait
	if opts != nil {
		if opts.Timeout > 0 {
			wait.Timeout = opts.Timeout
		}
		if opts.PollInterval > 0 {
			wait.PollInterval = opts.PollInterval
		}
	}

	deadline := time.NewTimer(wait.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(wait.PollInterval)
	defer ticker.Stop()

	for {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return Result{}, fmt.Errorf("poll run: %w", err)
		}
		if run.Status.Terminal() {
			return c.resolveResult(ctx, run)
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline.C:
			c.logger.Info("run wait timed out, run may still finish", "run_id", runID)
			return Result{Outcome: OutcomeTimedOut}, nil
		case <-ticker.C:
		}
	}
}

// resolveResult normalizes a terminal run into a Result. Completed runs
// fetch the durable output from the event log; the run row's result
// column is the fallback.
func (c *Coordinator) resolveResult(ctx context.Context, run *models.Run) (Result, error) {
	if run.Status == models.RunFailed {
		return Result{Outcome: OutcomeFailed, Err: run.Error}, nil
	}

	ev, err := c.store.LatestEventByType(ctx, run.ID, models.EventTypeResult)
	if err == nil {
		return Result{Outcome: OutcomeCompleted, Output: ev.Payload}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Result{}, fmt.Errorf("fetch result event: %w", err)
	}
	return Result{Outcome: OutcomeCompleted, Output: run.Result}, nil
}
