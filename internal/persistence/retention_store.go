package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTasks int64     `json:"purged_tasks"`
	Cutoff      time.Time `json:"cutoff"`
}

// RunRetention deletes completed tasks whose execution time is more than
// days before now. Active and waiting tasks are never touched. days <= 0
// disables the purge. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}
	result.Cutoff = TruncateMinute(s.now().AddDate(0, 0, -days))

	err := retryOnBusy(ctx, s.busyAttempts, s.busyDelay, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM tasks WHERE is_active = 0 AND execution_time < ?;`,
			FormatExecutionTime(result.Cutoff))
		if err != nil {
			return err
		}
		result.PurgedTasks, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("purge completed tasks: %w", err)
	}
	if result.PurgedTasks > 0 {
		s.logger.Info("retention purge", "purged_tasks", result.PurgedTasks, "cutoff", FormatExecutionTime(result.Cutoff))
	}
	return result, nil
}
