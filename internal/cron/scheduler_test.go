package cron

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/courier/internal/config"
	"github.com/haasonsaas/courier/internal/runs"
	"github.com/haasonsaas/courier/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []*runs.DispatchRequest
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req *runs.DispatchRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return "run-1", nil
}

func validEntry() config.ScheduleConfig {
	return config.ScheduleConfig{
		ID:        "daily-report",
		Cron:      "0 9 * * *",
		OwnerID:   "u1",
		AgentID:   "reporter",
		Prompt:    "summarize yesterday",
		Channel:   "slack",
		ChannelID: "C1",
	}
}

func TestNewSchedulerSkipsInvalidEntries(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.ScheduleConfig)
	}{
		{"bad cron", func(e *config.ScheduleConfig) { e.Cron = "not a cron" }},
		{"missing agent", func(e *config.ScheduleConfig) { e.AgentID = "" }},
		{"missing prompt", func(e *config.ScheduleConfig) { e.Prompt = "" }},
		{"unknown channel", func(e *config.ScheduleConfig) { e.Channel = "telegraph" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := validEntry()
			tt.mutate(&bad)
			s := NewScheduler([]config.ScheduleConfig{bad, validEntry()}, &recordingDispatcher{}, "https://c.example.com/callbacks/runs", testLogger())
			if len(s.entries) != 1 {
				t.Errorf("entries = %d, want 1 (invalid skipped)", len(s.entries))
			}
		})
	}
}

func TestFireDispatchesWithScheduleCallback(t *testing.T) {
	d := &recordingDispatcher{}
	s := NewScheduler([]config.ScheduleConfig{validEntry()}, d, "https://c.example.com/callbacks/runs", testLogger())

	runID, err := s.Fire(context.Background(), s.entries[0])
	if err != nil {
		t.Fatalf("Fire error: %v", err)
	}
	if runID != "run-1" {
		t.Errorf("runID = %q, want run-1", runID)
	}

	if len(d.requests) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(d.requests))
	}
	req := d.requests[0]
	if req.AgentID != "reporter" || req.Prompt != "summarize yesterday" {
		t.Errorf("request = %+v", req)
	}
	if len(req.Callbacks) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(req.Callbacks))
	}
	cb := req.Callbacks[0]
	if cb.Payload.Kind != models.CallbackSchedule {
		t.Errorf("Kind = %q, want schedule", cb.Payload.Kind)
	}
	if cb.Payload.Schedule.ScheduleID != "daily-report" || cb.Payload.Schedule.ChannelID != "C1" {
		t.Errorf("Schedule payload = %+v", cb.Payload.Schedule)
	}
}

func TestSweeperFailsStaleRuns(t *testing.T) {
	ctx := context.Background()
	store := runs.NewMemoryStore()

	_ = store.CreateRun(ctx, &models.Run{ID: "stale", Status: models.RunRunning})
	_ = store.Heartbeat(ctx, "stale", time.Now().Add(-time.Hour))
	_ = store.CreateRun(ctx, &models.Run{ID: "fresh", Status: models.RunRunning})
	_ = store.Heartbeat(ctx, "fresh", time.Now())

	NewSweeper(store, 10*time.Minute, time.Minute, testLogger()).Sweep(ctx)

	run, _ := store.GetRun(ctx, "stale")
	if run.Status != models.RunFailed {
		t.Errorf("stale run status = %q, want failed", run.Status)
	}
	run, _ = store.GetRun(ctx, "fresh")
	if run.Status != models.RunRunning {
		t.Errorf("fresh run status = %q, want running", run.Status)
	}
}
