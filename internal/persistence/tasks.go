package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/google/uuid"
)

// Message is one conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Task struct {
	TaskID         string    `json:"task_id"`
	Summary        string    `json:"summary"`
	Conversation   []Message `json:"conversation"`
	Details        string    `json:"details"`
	Steps          []string  `json:"steps"`
	ExecutionTime  time.Time `json:"execution_time"`
	CurrentStepNum int       `json:"current_step_num"`
	IsActive       bool      `json:"is_active"`
	IsWaiting      bool      `json:"is_waiting"`
}

// Describe renders the task as a multi-line detail block.
func (t Task) Describe() string {
	execAt := ""
	if !t.ExecutionTime.IsZero() {
		execAt = FormatExecutionTime(t.ExecutionTime)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", t.TaskID)
	fmt.Fprintf(&b, "Summary: %s\n", t.Summary)
	fmt.Fprintf(&b, "Details: %s\n", t.Details)
	fmt.Fprintf(&b, "Steps: %s\n", strings.Join(t.Steps, ", "))
	fmt.Fprintf(&b, "Execution Time: %s\n", execAt)
	fmt.Fprintf(&b, "Current Step Number: %d\n", t.CurrentStepNum)
	fmt.Fprintf(&b, "Is Active: %t\n", t.IsActive)
	fmt.Fprintf(&b, "Is Waiting: %t", t.IsWaiting)
	return b.String()
}

// NewTask is the input to CreateTask. A blank TaskID is replaced with a
// generated one; a zero ExecutionTime means now.
type NewTask struct {
	TaskID        string
	Summary       string
	Conversation  []Message
	Details       string
	Steps         []string
	ExecutionTime time.Time
}

// TaskPatch lists the fields UpdateTask overwrites. Nil fields keep their
// stored value.
type TaskPatch struct {
	Summary      *string
	Conversation []Message
	Details      *string
	Steps        []string
}

const taskColumns = `task_id, summary, conversation, details, steps, execution_time, current_step_num, is_active, is_waiting`

func (s *Store) CreateTask(ctx context.Context, in NewTask) (string, error) {
	taskID := strings.TrimSpace(in.TaskID)
	if taskID == "" {
		taskID = uuid.NewString()
	}
	execAt := in.ExecutionTime
	if execAt.IsZero() {
		execAt = s.now()
	}
	conversation, err := encodeConversation(in.Conversation)
	if err != nil {
		return "", err
	}
	steps, err := encodeSteps(in.Steps)
	if err != nil {
		return "", err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, summary, conversation, details, steps, execution_time, current_step_num, is_active, is_waiting)
		VALUES (?, ?, ?, ?, ?, ?, 0, 1, 0);
	`, taskID, in.Summary, conversation, in.Details, steps, FormatExecutionTime(execAt)); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("create task %s: %w", taskID, ErrDuplicateID)
		}
		return "", fmt.Errorf("insert task: %w", err)
	}
	s.logger.Debug("task created", "task_id", taskID, "execution_time", FormatExecutionTime(execAt))
	s.publish(bus.TopicTaskCreated, taskID)
	return taskID, nil
}

// GetTask looks a task up by any key NormalizeTaskID accepts.
func (s *Store) GetTask(ctx context.Context, key any) (*Task, error) {
	taskID, err := NormalizeTaskID(key)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?;`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// UpdateTask overwrites the supplied fields. It reports false, without an
// error, when no task has the id.
func (s *Store) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (bool, error) {
	var conversation, steps sql.NullString
	if patch.Conversation != nil {
		enc, err := encodeConversation(patch.Conversation)
		if err != nil {
			return false, err
		}
		conversation = sql.NullString{String: enc, Valid: true}
	}
	if patch.Steps != nil {
		enc, err := encodeSteps(patch.Steps)
		if err != nil {
			return false, err
		}
		steps = sql.NullString{String: enc, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET summary = COALESCE(?, summary),
			conversation = COALESCE(?, conversation),
			details = COALESCE(?, details),
			steps = COALESCE(?, steps)
		WHERE task_id = ?;
	`, nullString(patch.Summary), conversation, nullString(patch.Details), steps, taskID)
	if err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}
	if ok {
		s.publish(bus.TopicTaskUpdated, taskID)
	}
	return ok, nil
}

// DeleteTask removes the row. A missing id is not an error.
func (s *Store) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?;`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	if ok {
		s.publish(bus.TopicTaskDeleted, taskID)
	}
	return ok, nil
}

// ListActiveTasks returns every active task, waiting ones included, in
// execution order.
func (s *Store) ListActiveTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE is_active = 1
		ORDER BY execution_time ASC, rowid ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	out := []Task{}
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// CompleteTask marks an active task inactive. It reports false when the task
// does not exist or was already completed. BUSY/LOCKED errors are retried up
// to the configured bound and then surface as ErrStoreBusy.
func (s *Store) CompleteTask(ctx context.Context, taskID string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, s.busyAttempts, s.busyDelay, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE tasks SET is_active = 0 WHERE task_id = ? AND is_active = 1;`, taskID)
		if err != nil {
			return err
		}
		ok, err = affected(res)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrStoreBusy) {
			s.logger.Warn("complete task gave up on busy database", "task_id", taskID, "attempts", s.busyAttempts)
			return false, fmt.Errorf("complete task %s: %w", taskID, err)
		}
		return false, fmt.Errorf("complete task: %w", err)
	}
	if ok {
		s.publish(bus.TopicTaskCompleted, taskID)
	}
	return ok, nil
}

// DeferTask sets is_waiting so scans skip the task.
func (s *Store) DeferTask(ctx context.Context, taskID string) (bool, error) {
	return s.setWaiting(ctx, taskID, true)
}

// ResumeTask clears is_waiting.
func (s *Store) ResumeTask(ctx context.Context, taskID string) (bool, error) {
	return s.setWaiting(ctx, taskID, false)
}

func (s *Store) setWaiting(ctx context.Context, taskID string, waiting bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET is_waiting = ? WHERE task_id = ?;`, boolToInt(waiting), taskID)
	if err != nil {
		return false, fmt.Errorf("set task waiting: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("set task waiting: %w", err)
	}
	if ok {
		topic := bus.TopicTaskResumed
		if waiting {
			topic = bus.TopicTaskDeferred
		}
		s.publish(topic, taskID)
	}
	return ok, nil
}

// DueTaskIDs returns ids of active, non-waiting tasks whose execution time is
// at or before now, compared at minute resolution. Ordered by execution time
// then insertion order.
func (s *Store) DueTaskIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id
		FROM tasks
		WHERE execution_time <= ? AND is_active = 1 AND is_waiting = 0
		ORDER BY execution_time ASC, rowid ASC;
	`, FormatExecutionTime(now))
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		conversation, details, steps, execAt sql.NullString
		stepNum                              sql.NullInt64
		active, waiting                      sql.NullBool
	)
	if err := scanFn(
		&task.TaskID,
		&task.Summary,
		&conversation,
		&details,
		&steps,
		&execAt,
		&stepNum,
		&active,
		&waiting,
	); err != nil {
		return err
	}
	task.Conversation = decodeConversation(conversation)
	task.Details = details.String
	task.Steps = decodeSteps(steps)
	if t, ok := parseStoredTime(execAt.String); ok {
		task.ExecutionTime = t
	}
	task.CurrentStepNum = int(stepNum.Int64)
	task.IsActive = active.Valid && active.Bool
	task.IsWaiting = waiting.Valid && waiting.Bool
	return nil
}

func encodeConversation(msgs []Message) (string, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("encode conversation: %w", err)
	}
	return string(b), nil
}

func encodeSteps(steps []string) (string, error) {
	if steps == nil {
		steps = []string{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("encode steps: %w", err)
	}
	return string(b), nil
}

// decodeConversation treats an absent or corrupt column as empty.
func decodeConversation(raw sql.NullString) []Message {
	out := []Message{}
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return out
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(raw.String), &msgs); err != nil || msgs == nil {
		return out
	}
	return msgs
}

// decodeSteps treats an absent or corrupt column as empty. Non-string
// elements are kept in their JSON text form.
func decodeSteps(raw sql.NullString) []string {
	out := []string{}
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return out
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw.String), &items); err != nil {
		return out
	}
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		out = append(out, string(item))
	}
	return out
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
