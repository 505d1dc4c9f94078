// Package cron runs recurring agent runs from configuration and sweeps
// runs whose executor stopped heartbeating.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/courier/internal/config"
	"github.com/haasonsaas/courier/internal/runs"
	"github.com/haasonsaas/courier/pkg/models"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// RunDispatcher starts agent runs. Satisfied by *runs.Coordinator.
type RunDispatcher interface {
	Dispatch(ctx context.Context, req *runs.DispatchRequest) (string, error)
}

// Scheduler fires configured schedules. Each firing dispatches a run
// whose outcome is delivered through a schedule callback rather than
// awaited in-line.
type Scheduler struct {
	entries     []config.ScheduleConfig
	dispatcher  RunDispatcher
	callbackURL string
	logger      *slog.Logger
	runner      *cron.Cron
}

// NewScheduler validates the configured schedules and prepares a
// scheduler. Invalid entries are skipped with a warning, matching how
// a bad schedule should degrade: the rest keep running.
func NewScheduler(entries []config.ScheduleConfig, dispatcher RunDispatcher, callbackURL string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		dispatcher:  dispatcher,
		callbackURL: callbackURL,
		logger:      logger.With("component", "cron"),
		runner:      cron.New(cron.WithParser(cronParser)),
	}
	for _, entry := range entries {
		if err := validateEntry(entry); err != nil {
			s.logger.Warn("schedule skipped", "id", entry.ID, "error", err)
			continue
		}
		s.entries = append(s.entries, entry)
	}
	return s
}

func validateEntry(entry config.ScheduleConfig) error {
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("schedule id is required")
	}
	if strings.TrimSpace(entry.AgentID) == "" {
		return fmt.Errorf("agent_id is required")
	}
	if strings.TrimSpace(entry.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if _, err := cronParser.Parse(entry.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	switch models.ChannelType(entry.Channel) {
	case models.ChannelSlack, models.ChannelEmail:
	default:
		return fmt.Errorf("unknown delivery channel %q", entry.Channel)
	}
	return nil
}

// Start registers all entries and begins firing them. The scheduler
// stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, entry := range s.entries {
		entry := entry
		if _, err := s.runner.AddFunc(entry.Cron, func() {
			s.fire(ctx, entry)
		}); err != nil {
			return fmt.Errorf("register schedule %s: %w", entry.ID, err)
		}
	}
	s.runner.Start()
	s.logger.Info("scheduler started", "schedules", len(s.entries))

	go func() {
		<-ctx.Done()
		<-s.runner.Stop().Done()
	}()
	return nil
}

// fire dispatches one scheduled run. The outcome comes back through
// the run's schedule callback; nothing waits here.
func (s *Scheduler) fire(ctx context.Context, entry config.ScheduleConfig) {
	runID, err := s.Fire(ctx, entry)
	if err != nil {
		s.logger.Error("scheduled dispatch failed", "schedule_id", entry.ID, "error", err)
		return
	}
	s.logger.Info("scheduled run dispatched", "schedule_id", entry.ID, "run_id", runID)
}

// Fire dispatches the run for one schedule entry and returns its id.
func (s *Scheduler) Fire(ctx context.Context, entry config.ScheduleConfig) (string, error) {
	return s.dispatcher.Dispatch(ctx, &runs.DispatchRequest{
		OwnerID: entry.OwnerID,
		AgentID: entry.AgentID,
		Prompt:  entry.Prompt,
		Callbacks: []runs.CallbackSpec{{
			URL: s.callbackURL,
			Payload: models.CallbackPayload{
				Kind: models.CallbackSchedule,
				Schedule: &models.SchedulePayload{
					ScheduleID: entry.ID,
					Channel:    models.ChannelType(entry.Channel),
					ChannelID:  entry.ChannelID,
					ThreadID:   entry.ThreadID,
				},
			},
		}},
	})
}

// Sweeper periodically fails runs whose executor heartbeat went
// silent for longer than the TTL.
type Sweeper struct {
	store    runs.Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. The sweep interval defaults to one
// minute.
func NewSweeper(store runs.Store, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start sweeps until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep performs one pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	failed, err := s.store.SweepStale(ctx, time.Now().Add(-s.ttl))
	if err != nil {
		s.logger.Error("stale run sweep failed", "error", err)
		return
	}
	if len(failed) > 0 {
		s.logger.Warn("failed stale runs", "run_ids", failed)
	}
}
