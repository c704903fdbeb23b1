// Package cron finds due tasks and optionally triggers that search on a
// cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) plus descriptors such as @hourly and @every 30s.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// TriggerFunc runs one dispatch pass.
type TriggerFunc func(ctx context.Context, now time.Time) error

// Config holds the dependencies for the scan scheduler.
type Config struct {
	Schedule string // cron expression
	Trigger  TriggerFunc
	Logger   *slog.Logger
	// Interval replaces Schedule with a fixed tick when non-zero. The daemon
	// only sets Schedule (scan_schedule); tests use Interval to fire quickly.
	Interval time.Duration
}

// Scheduler calls Trigger whenever Schedule fires. It is the optional,
// in-process alternative to an external trigger such as POST /v1/scan.
type Scheduler struct {
	schedule cronlib.Schedule
	expr     string
	trigger  TriggerFunc
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and creates a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Trigger == nil {
		return nil, fmt.Errorf("cron scheduler: trigger required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		expr:     cfg.Schedule,
		trigger:  cfg.Trigger,
		logger:   logger,
		interval: cfg.Interval,
	}
	if s.interval <= 0 {
		sched, err := cronParser.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse scan schedule %q: %w", cfg.Schedule, err)
		}
		s.schedule = sched
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	if s.interval > 0 {
		s.logger.Info("scan scheduler started", "interval", s.interval)
	} else {
		s.logger.Info("scan scheduler started", "schedule", s.expr)
	}
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scan scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		wait := s.interval
		if wait <= 0 {
			wait = time.Until(s.schedule.Next(time.Now()))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			s.tick(ctx, now)
		}
	}
}

// tick runs one trigger. Failures are logged; the next tick still fires.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if err := s.trigger(ctx, now); err != nil {
		s.logger.Error("scan trigger failed", "error", err)
	}
}

// ValidateSchedule reports whether expr is a usable scan schedule.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
