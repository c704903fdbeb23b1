package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskrelay/internal/persistence"
)

// DueSource is the query side of the task store used by the scanner.
type DueSource interface {
	DueTaskIDs(ctx context.Context, now time.Time) ([]string, error)
}

// Scanner answers "which tasks are due at now". It keeps no clock and marks
// nothing consumed, so repeated scans return the same ids until a task is
// completed, deferred or deleted.
type Scanner struct {
	store  DueSource
	logger *slog.Logger
}

func NewScanner(store DueSource, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{store: store, logger: logger}
}

// ScanDue returns ids of active, non-waiting tasks with execution time at or
// before now, both compared at minute resolution.
func (s *Scanner) ScanDue(ctx context.Context, now time.Time) ([]string, error) {
	at := persistence.TruncateMinute(now)
	ids, err := s.store.DueTaskIDs(ctx, at)
	if err != nil {
		return nil, fmt.Errorf("scan due tasks: %w", err)
	}
	s.logger.Debug("due scan", "at", persistence.FormatExecutionTime(at), "due", len(ids))
	return ids, nil
}
