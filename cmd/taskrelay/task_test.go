package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskrelay/internal/persistence"
)

const utcConfig = "store:\n  timezone: UTC\n"

func TestTaskCommand_CreateGetListComplete(t *testing.T) {
	setTestConfig(t, utcConfig)
	ctx := context.Background()

	out, errOut := captureOutput(t)
	code := runTaskCommand(ctx, []string{"create",
		"-id", "call-bob",
		"-summary", "call Bob",
		"-details", "about the lease",
		"-step", "find number", "-step", "dial",
		"-at", "2099-01-01 09:00",
	})
	if code != 0 {
		t.Fatalf("create exit %d: %s", code, errOut.String())
	}
	if got := strings.TrimSpace(out.String()); got != "call-bob" {
		t.Fatalf("expected created id, got %q", got)
	}

	out.Reset()
	if code := runTaskCommand(ctx, []string{"get", "call-bob"}); code != 0 {
		t.Fatalf("get exit %d: %s", code, errOut.String())
	}
	for _, want := range []string{"Task ID: call-bob", "Summary: call Bob", "Steps: find number, dial", "Execution Time: 2099-01-01 09:00", "Is Active: true"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("describe output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if code := runTaskCommand(ctx, []string{"list", "-json"}); code != 0 {
		t.Fatalf("list exit %d: %s", code, errOut.String())
	}
	var tasks []persistence.Task
	if err := json.Unmarshal(out.Bytes(), &tasks); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out.String())
	}
	if len(tasks) != 1 || tasks[0].TaskID != "call-bob" || len(tasks[0].Steps) != 2 {
		t.Fatalf("unexpected list: %+v", tasks)
	}

	out.Reset()
	if code := runTaskCommand(ctx, []string{"complete", "call-bob"}); code != 0 {
		t.Fatalf("complete exit %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "completed call-bob") {
		t.Fatalf("unexpected complete output %q", out.String())
	}

	out.Reset()
	if code := runTaskCommand(ctx, []string{"complete", "call-bob"}); code != 0 {
		t.Fatalf("second complete should be a no-op, exit %d", code)
	}
	if !strings.Contains(out.String(), "unchanged call-bob") {
		t.Fatalf("expected unchanged, got %q", out.String())
	}

	out.Reset()
	if code := runTaskCommand(ctx, []string{"list"}); code != 0 {
		t.Fatalf("list exit %d", code)
	}
	if strings.Contains(out.String(), "call-bob") {
		t.Fatalf("completed task still listed:\n%s", out.String())
	}
}

func TestTaskCommand_DeferResumeUpdateDelete(t *testing.T) {
	setTestConfig(t, utcConfig)
	ctx := context.Background()
	out, errOut := captureOutput(t)

	if code := runTaskCommand(ctx, []string{"create", "-id", "t1", "-summary", "water plants"}); code != 0 {
		t.Fatalf("create exit %d: %s", code, errOut.String())
	}

	out.Reset()
	if code := runTaskCommand(ctx, []string{"defer", "t1"}); code != 0 || !strings.Contains(out.String(), "deferred t1") {
		t.Fatalf("defer exit %d, out %q", code, out.String())
	}
	out.Reset()
	if code := runTaskCommand(ctx, []string{"list"}); code != 0 || !strings.Contains(out.String(), "waiting") {
		t.Fatalf("expected waiting state in list, exit %d:\n%s", code, out.String())
	}
	out.Reset()
	if code := runTaskCommand(ctx, []string{"resume", "t1"}); code != 0 || !strings.Contains(out.String(), "resumed t1") {
		t.Fatalf("resume exit %d, out %q", code, out.String())
	}

	out.Reset()
	if code := runTaskCommand(ctx, []string{"update", "-summary", "water all plants", "t1"}); code != 0 {
		t.Fatalf("update exit %d: %s", code, errOut.String())
	}
	out.Reset()
	if code := runTaskCommand(ctx, []string{"get", "-json", "t1"}); code != 0 {
		t.Fatalf("get exit %d", code)
	}
	var task persistence.Task
	if err := json.Unmarshal(out.Bytes(), &task); err != nil {
		t.Fatalf("decode get: %v", err)
	}
	if task.Summary != "water all plants" || task.IsWaiting {
		t.Fatalf("unexpected task after update/resume: %+v", task)
	}

	if code := runTaskCommand(ctx, []string{"update", "-details", "x", "missing"}); code != 1 {
		t.Fatalf("update of missing task: exit %d, want 1", code)
	}

	out.Reset()
	if code := runTaskCommand(ctx, []string{"delete", "t1"}); code != 0 || !strings.Contains(out.String(), "deleted t1") {
		t.Fatalf("delete exit %d, out %q", code, out.String())
	}
	if code := runTaskCommand(ctx, []string{"get", "t1"}); code != 1 {
		t.Fatalf("get of deleted task: exit %d, want 1", code)
	}
}

func TestTaskCommand_CreateErrors(t *testing.T) {
	setTestConfig(t, utcConfig)
	ctx := context.Background()
	_, errOut := captureOutput(t)

	if code := runTaskCommand(ctx, []string{"create", "-id", "dup", "-summary", "first"}); code != 0 {
		t.Fatalf("create exit %d: %s", code, errOut.String())
	}
	errOut.Reset()
	if code := runTaskCommand(ctx, []string{"create", "-id", "dup", "-summary", "second"}); code != 1 {
		t.Fatalf("duplicate create: exit %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "already exists") {
		t.Fatalf("expected duplicate message, got %q", errOut.String())
	}

	if code := runTaskCommand(ctx, []string{"create", "-summary", "bad time", "-at", "next tuesday"}); code != 2 {
		t.Fatalf("malformed time: exit %d, want 2", code)
	}
	if code := runTaskCommand(ctx, []string{"create", "-details", "no summary"}); code != 2 {
		t.Fatalf("missing summary: exit %d, want 2", code)
	}
}

func TestTaskCommand_CreateFromPayloadFile(t *testing.T) {
	home := setTestConfig(t, utcConfig)
	out, errOut := captureOutput(t)

	payload := filepath.Join(home, "task.json")
	body := `{"task_id": 77, "summary": "from file", "execution_time": "2030-06-01 08:15", "conversation": [{"role": "user", "content": "remind me"}]}`
	if err := os.WriteFile(payload, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if code := runTaskCommand(context.Background(), []string{"create", "-payload", payload, "-json"}); code != 0 {
		t.Fatalf("create exit %d: %s", code, errOut.String())
	}
	var task persistence.Task
	if err := json.Unmarshal(out.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if task.TaskID != "77" || task.Summary != "from file" || len(task.Conversation) != 1 {
		t.Fatalf("unexpected task %+v", task)
	}
	if got := persistence.FormatExecutionTime(task.ExecutionTime); got != "2030-06-01 08:15" {
		t.Fatalf("unexpected execution time %q", got)
	}
}

func TestTaskCommand_Usage(t *testing.T) {
	setTestConfig(t, utcConfig)
	captureOutput(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no action", nil, 2},
		{"help", []string{"help"}, 0},
		{"unknown action", []string{"explode"}, 2},
		{"get without id", []string{"get"}, 2},
		{"complete with two ids", []string{"complete", "a", "b"}, 2},
		{"update without fields", []string{"update", "a"}, 2},
		{"list with extra arg", []string{"list", "x"}, 2},
		{"bad flag", []string{"create", "-nope"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runTaskCommand(ctx, tt.args); got != tt.want {
				t.Fatalf("exit %d, want %d", got, tt.want)
			}
		})
	}
}
