package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tasks.db")
	store, err := persistence.Open(dbPath, nil, persistence.WithLocation(time.UTC))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScheduler_FiresTriggerOnInterval(t *testing.T) {
	var calls atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{
		Trigger: func(ctx context.Context, now time.Time) error {
			calls.Add(1)
			return nil
		},
		Logger:   slog.Default(),
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 3 })
}

func TestScheduler_TriggerErrorDoesNotStopLoop(t *testing.T) {
	var calls atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{
		Trigger: func(ctx context.Context, now time.Time) error {
			calls.Add(1)
			return errors.New("broker down")
		},
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 2 })
}

func TestScheduler_StopHaltsTrigger(t *testing.T) {
	var calls atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{
		Trigger: func(ctx context.Context, now time.Time) error {
			calls.Add(1)
			return nil
		},
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 1 })
	sched.Stop()

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != after {
		t.Fatalf("trigger fired after Stop: %d -> %d", after, got)
	}
}

func TestNewScheduler_Validation(t *testing.T) {
	noop := func(context.Context, time.Time) error { return nil }
	if _, err := cron.NewScheduler(cron.Config{Schedule: "* * * * *"}); err == nil {
		t.Fatal("expected error without trigger")
	}
	if _, err := cron.NewScheduler(cron.Config{Schedule: "not a cron", Trigger: noop}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if _, err := cron.NewScheduler(cron.Config{Schedule: "*/5 * * * *", Trigger: noop}); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
	if _, err := cron.NewScheduler(cron.Config{Schedule: "@every 30s", Trigger: noop}); err != nil {
		t.Fatalf("descriptor rejected: %v", err)
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, expr := range []string{"* * * * *", "0 9 * * 1-5", "@hourly"} {
		if err := cron.ValidateSchedule(expr); err != nil {
			t.Fatalf("ValidateSchedule(%q): %v", expr, err)
		}
	}
	for _, expr := range []string{"", "* * *", "61 * * * *"} {
		if err := cron.ValidateSchedule(expr); err == nil {
			t.Fatalf("ValidateSchedule(%q): expected error", expr)
		}
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2025, 2, 26, 12, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/10 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2025, 2, 26, 12, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}
