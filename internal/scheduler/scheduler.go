package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/quill/internal/store"
)

// defaultLaunchConcurrency bounds how many scheduled runs one tick may
// launch at the same time.
const defaultLaunchConcurrency = 4

// WorkflowLauncher starts a run from a stored template. Satisfied by the
// serve command's runner service (avoids an import cycle).
type WorkflowLauncher interface {
	LaunchFromTemplate(ctx context.Context, templateName, version string, variables map[string]any) error
}

// Scheduler polls the store for due scheduled runs and launches them.
type Scheduler struct {
	store    store.Store
	launcher WorkflowLauncher
	parser   cron.Parser
	pool     *LaunchPool
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, launcher WorkflowLauncher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		pool:     NewLaunchPool(defaultLaunchConcurrency),
		logger:   logger,
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled scheduled runs and launches those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	scheduled, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sr := range scheduled {
		if sr.NextRunAt == nil || !sr.NextRunAt.After(now) {
			sr := sr
			launchErr := s.pool.Launch(ctx, sr.ID, func(ctx context.Context) error {
				if err := s.launch(ctx, sr, now); err != nil {
					s.logger.Error("failed to launch scheduled run",
						slog.String("schedule_id", sr.ID),
						slog.String("error", err.Error()),
					)
					return err
				}
				return nil
			})
			switch {
			case errors.Is(launchErr, ErrLaunchOverlap):
				s.logger.Warn("scheduled run skipped, previous launch still running",
					slog.String("schedule_id", sr.ID),
				)
			case launchErr != nil:
				s.logger.Error("failed to submit scheduled launch",
					slog.String("schedule_id", sr.ID),
					slog.String("error", launchErr.Error()),
				)
			}
		}
	}

	// Launches of one tick run concurrently, bounded by the pool; the tick
	// returns once they all finish so scans never overlap their own launches.
	s.pool.Wait()
}

// launch starts a scheduled run and updates its timestamps.
func (s *Scheduler) launch(ctx context.Context, sr *store.ScheduledRun, now time.Time) error {
	s.logger.Info("launching scheduled run",
		slog.String("schedule_id", sr.ID),
		slog.String("template", sr.TemplateName),
	)

	var variables map[string]any
	if len(sr.Variables) > 0 {
		if err := json.Unmarshal(sr.Variables, &variables); err != nil {
			return s.updateState(ctx, sr, now, "error")
		}
	}

	err := s.launcher.LaunchFromTemplate(ctx, sr.TemplateName, sr.TemplateVersion, variables)
	state := "success"
	if err != nil {
		state = "error"
		s.logger.Error("scheduled run failed",
			slog.String("schedule_id", sr.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateState(ctx, sr, now, state)
}

func (s *Scheduler) updateState(ctx context.Context, sr *store.ScheduledRun, now time.Time, state string) error {
	nextRun, err := s.CalculateNextRun(sr.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sr.ID, err)
	}

	return s.store.UpdateScheduledRun(ctx, sr.ID, store.ScheduledRunUpdate{
		LastRunAt:    &now,
		NextRunAt:    &nextRun,
		LastRunState: state,
	})
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.pool.Shutdown()
	s.pool = NewLaunchPool(defaultLaunchConcurrency)
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed checks for schedules that missed their next_run_at and runs
// them once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	scheduled, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sr := range scheduled {
		if sr.NextRunAt != nil && sr.NextRunAt.Before(now) {
			sr := sr
			launchErr := s.pool.Launch(ctx, sr.ID, func(ctx context.Context) error {
				if err := s.launch(ctx, sr, now); err != nil {
					s.logger.Error("failed to recover missed schedule",
						slog.String("schedule_id", sr.ID),
						slog.String("error", err.Error()),
					)
					return err
				}
				return nil
			})
			if launchErr != nil {
				continue
			}
			recovered++
		}
	}
	s.pool.Wait()

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
