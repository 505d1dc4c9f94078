package runs

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/courier/internal/executor"
	"github.com/haasonsaas/courier/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSecretBox(t *testing.T) *SecretBox {
	t.Helper()
	box, err := NewSecretBox([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSecretBox error: %v", err)
	}
	return box
}

// fakeDispatcher records dispatch requests.
type fakeDispatcher struct {
	mu       sync.Mutex
	requests []*executor.DispatchRequest
	err      error
}

func (d *fakeDispatcher) DispatchRun(ctx context.Context, req *executor.DispatchRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.requests = append(d.requests, req)
	return "accepted", nil
}

func (d *fakeDispatcher) last(t *testing.T) *executor.DispatchRequest {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		t.Fatal("no dispatch requests recorded")
	}
	return d.requests[len(d.requests)-1]
}

// staticResolver maps every agent to a fixed version.
type staticResolver string

func (r staticResolver) ResolveVersion(ctx context.Context, agentID string) (string, error) {
	return string(r), nil
}

func newTestCoordinator(t *testing.T, store Store, d Dispatcher) *Coordinator {
	t.Helper()
	return NewCoordinator(store, d, staticResolver("ver-1"), testSecretBox(t), testLogger(), WaitOptions{
		Timeout:      200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("creates pending run and hands off", func(t *testing.T) {
		store := NewMemoryStore()
		d := &fakeDispatcher{}
		c := newTestCoordinator(t, store, d)

		runID, err := c.Dispatch(ctx, &DispatchRequest{
			OwnerID: "u1",
			AgentID: "agent-1",
			Prompt:  "fix the bug",
		})
		if err != nil {
			t.Fatalf("Dispatch error: %v", err)
		}

		run, err := store.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun error: %v", err)
		}
		if run.Status != models.RunPending {
			t.Errorf("Status = %q, want pending", run.Status)
		}
		if run.AgentVersionID != "ver-1" {
			t.Errorf("AgentVersionID = %q, want ver-1", run.AgentVersionID)
		}

		req := d.last(t)
		if req.RunID != runID {
			t.Errorf("dispatched RunID = %q, want %q", req.RunID, runID)
		}
		if req.Credential == "" {
			t.Error("dispatched without a per-invocation credential")
		}
	})

	t.Run("context precedes prompt with separator", func(t *testing.T) {
		store := NewMemoryStore()
		d := &fakeDispatcher{}
		c := newTestCoordinator(t, store, d)

		runID, err := c.Dispatch(ctx, &DispatchRequest{
			OwnerID: "u1",
			AgentID: "agent-1",
			Prompt:  "and now this",
			Context: "earlier conversation",
		})
		if err != nil {
			t.Fatalf("Dispatch error: %v", err)
		}
		run, _ := store.GetRun(ctx, runID)
		want := "earlier conversation" + ContextSeparator + "and now this"
		if run.Prompt != want {
			t.Errorf("Prompt = %q, want %q", run.Prompt, want)
		}
	})

	t.Run("registers encrypted callbacks", func(t *testing.T) {
		store := NewMemoryStore()
		d := &fakeDispatcher{}
		c := newTestCoordinator(t, store, d)

		runID, err := c.Dispatch(ctx, &DispatchRequest{
			OwnerID: "u1",
			AgentID: "agent-1",
			Prompt:  "scheduled work",
			Callbacks: []CallbackSpec{{
				URL: "https://courier.example.com/callbacks/runs",
				Payload: models.CallbackPayload{
					Kind:     models.CallbackSchedule,
					Schedule: &models.SchedulePayload{ScheduleID: "sch-1", Channel: models.ChannelSlack, ChannelID: "C1"},
				},
			}},
		})
		if err != nil {
			t.Fatalf("Dispatch error: %v", err)
		}

		regs, err := store.CallbacksForRun(ctx, runID)
		if err != nil {
			t.Fatalf("CallbacksForRun error: %v", err)
		}
		if len(regs) != 1 {
			t.Fatalf("len(regs) = %d, want 1", len(regs))
		}
		if len(regs[0].SecretCiphertext) == 0 {
			t.Error("callback secret not stored")
		}
		// The stored secret must not be plaintext hex.
		if secret, err := testSecretBox(t).Open(regs[0].SecretCiphertext); err != nil || len(secret) == 0 {
			t.Errorf("stored secret not decryptable: %v", err)
		}

		// The executor needs the URL, the plaintext secret, and the
		// payload to deliver a conforming completion callback.
		handoffs := d.last(t).Callbacks
		if len(handoffs) != 1 {
			t.Fatalf("len(handoffs) = %d, want 1", len(handoffs))
		}
		if handoffs[0].URL != "https://courier.example.com/callbacks/runs" {
			t.Errorf("URL = %q", handoffs[0].URL)
		}
		stored, err := testSecretBox(t).Open(regs[0].SecretCiphertext)
		if err != nil {
			t.Fatalf("Open error: %v", err)
		}
		if handoffs[0].Secret != string(stored) {
			t.Error("handed-off secret does not match the stored registration secret")
		}
		if handoffs[0].Payload.Kind != models.CallbackSchedule || handoffs[0].Payload.Schedule.ScheduleID != "sch-1" {
			t.Errorf("handed-off payload = %+v", handoffs[0].Payload)
		}
	})

	t.Run("every callback spec is handed off", func(t *testing.T) {
		store := NewMemoryStore()
		d := &fakeDispatcher{}
		c := newTestCoordinator(t, store, d)

		_, err := c.Dispatch(ctx, &DispatchRequest{
			OwnerID: "u1",
			AgentID: "agent-1",
			Prompt:  "scheduled work",
			Callbacks: []CallbackSpec{
				{
					URL: "https://a.example.com/callbacks/runs",
					Payload: models.CallbackPayload{
						Kind:     models.CallbackSchedule,
						Schedule: &models.SchedulePayload{ScheduleID: "sch-1", Channel: models.ChannelSlack, ChannelID: "C1"},
					},
				},
				{
					URL: "https://b.example.com/callbacks/runs",
					Payload: models.CallbackPayload{
						Kind:       models.CallbackEmailReply,
						EmailReply: &models.EmailReplyPayload{ThreadSessionID: "ets-1", Recipient: "dev@example.org"},
					},
				},
			},
		})
		if err != nil {
			t.Fatalf("Dispatch error: %v", err)
		}

		handoffs := d.last(t).Callbacks
		if len(handoffs) != 2 {
			t.Fatalf("len(handoffs) = %d, want 2", len(handoffs))
		}
		if handoffs[0].URL != "https://a.example.com/callbacks/runs" || handoffs[1].URL != "https://b.example.com/callbacks/runs" {
			t.Errorf("URLs = %q, %q", handoffs[0].URL, handoffs[1].URL)
		}
		if handoffs[0].Secret == "" || handoffs[0].Secret != handoffs[1].Secret {
			t.Error("handoffs must share the run's secret")
		}
		if handoffs[1].Payload.Kind != models.CallbackEmailReply {
			t.Errorf("second payload kind = %q", handoffs[1].Payload.Kind)
		}
	})
}

func TestAwaitCompletion(t *testing.T) {
	ctx := context.Background()

	t.Run("completed run returns event log output", func(t *testing.T) {
		store := NewMemoryStore()
		d := &fakeDispatcher{}
		c := newTestCoordinator(t, store, d)

		runID, err := c.Dispatch(ctx, &DispatchRequest{OwnerID: "u1", AgentID: "agent-1", Prompt: "go"})
		if err != nil {
			t.Fatalf("Dispatch error: %v", err)
		}

		// Simulate the executor finishing while we wait.
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = store.AppendEvent(ctx, runID, "log", "working...")
			_ = store.AppendEvent(ctx, runID, models.EventTypeResult, "stale output")
			_ = store.AppendEvent(ctx, runID, models.EventTypeResult, "Fixed!")
			_ = store.UpdateRunStatus(ctx, runID, models.RunCompleted, "", "")
		}()

		res, err := c.AwaitCompletion(ctx, runID, nil)
		if err != nil {
			t.Fatalf("AwaitCompletion error: %v", err)
		}
		if res.Outcome != OutcomeCompleted {
			t.Fatalf("Outcome = %q, want completed", res.Outcome)
		}
		if res.Output != "Fixed!" {
			t.Errorf("Output = %q, want most recent result event", res.Output)
		}
	})

	t.Run("failed run surfaces stored error", func(t *testing.T) {
		store := NewMemoryStore()
		c := newTestCoordinator(t, store, &fakeDispatcher{})

		runID, _ := c.Dispatch(ctx, &DispatchRequest{OwnerID: "u1", AgentID: "agent-1", Prompt: "go"})
		_ = store.UpdateRunStatus(ctx, runID, models.RunFailed, "", "sandbox crashed")

		res, err := c.AwaitCompletion(ctx, runID, nil)
		if err != nil {
			t.Fatalf("AwaitCompletion error: %v", err)
		}
		if res.Outcome != OutcomeFailed {
			t.Errorf("Outcome = %q, want failed", res.Outcome)
		}
		if !strings.Contains(res.Err, "sandbox crashed") {
			t.Errorf("Err = %q, want stored error", res.Err)
		}
	})

	t.Run("pending past deadline times out, not fails", func(t *testing.T) {
		store := NewMemoryStore()
		c := newTestCoordinator(t, store, &fakeDispatcher{})

		runID, _ := c.Dispatch(ctx, &DispatchRequest{OwnerID: "u1", AgentID: "agent-1", Prompt: "go"})

		res, err := c.AwaitCompletion(ctx, runID, &WaitOptions{Timeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})
		if err != nil {
			t.Fatalf("AwaitCompletion error: %v", err)
		}
		if res.Outcome != OutcomeTimedOut {
			t.Errorf("Outcome = %q, want timed_out", res.Outcome)
		}

		// The run itself is untouched; it may still finish later.
		run, _ := store.GetRun(ctx, runID)
		if run.Status != models.RunPending {
			t.Errorf("Status = %q, want still pending", run.Status)
		}
	})
}

func TestSweepStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.CreateRun(ctx, &models.Run{ID: "r1", Status: models.RunRunning})
	_ = store.CreateRun(ctx, &models.Run{ID: "r2", Status: models.RunRunning})
	_ = store.CreateRun(ctx, &models.Run{ID: "r3", Status: models.RunCompleted})

	// r1 has a fresh heartbeat, r2 is stale.
	_ = store.Heartbeat(ctx, "r1", time.Now())
	_ = store.Heartbeat(ctx, "r2", time.Now().Add(-time.Hour))

	failed, err := store.SweepStale(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("SweepStale error: %v", err)
	}
	if len(failed) != 1 || failed[0] != "r2" {
		t.Errorf("SweepStale = %v, want [r2]", failed)
	}

	run, _ := store.GetRun(ctx, "r2")
	if run.Status != models.RunFailed {
		t.Errorf("Status = %q, want failed", run.Status)
	}
	run, _ = store.GetRun(ctx, "r3")
	if run.Status != models.RunCompleted {
		t.Errorf("completed run swept: Status = %q", run.Status)
	}
}
