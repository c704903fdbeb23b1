package smoke

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSmoke_StartupPhasesFollowRequiredOrder(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)

	cfg := "scan_schedule: \"*/5 * * * *\"\nstore:\n  timezone: UTC\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := exec.Command(bin, "daemon")
	cmd.Env = daemonEnv(home, "TASKRELAY_BIND_ADDR="+addr)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}

	logPath := filepath.Join(home, "logs", "system.jsonl")
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), `"phase":"gateway_listening"`) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = cmd.Process.Signal(os.Interrupt)
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()
	select {
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		t.Fatalf("daemon did not exit after signal")
	case <-waitDone:
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}

	phases := map[string]int{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		phase, _ := entry["phase"].(string)
		if phase == "" {
			continue
		}
		if _, exists := phases[phase]; !exists {
			phases[phase] = lineNo
		}
	}
	required := []string{
		"config_loaded",
		"schema_migrated",
		"scheduler_started",
		"gateway_listening",
	}
	for _, phase := range required {
		if _, ok := phases[phase]; !ok {
			t.Fatalf("missing startup phase %q in logs\noutput=%s", phase, out.String())
		}
	}
	for i := 1; i < len(required); i++ {
		prev := required[i-1]
		cur := required[i]
		if phases[prev] >= phases[cur] {
			t.Fatalf("phase ordering invalid: %s(%d) >= %s(%d)", prev, phases[prev], cur, phases[cur])
		}
	}
	if _, ok := phases["broker_ready"]; ok {
		t.Fatalf("broker_ready logged with the broker disabled")
	}
	if !strings.Contains(string(data), `"msg":"shutdown complete"`) {
		t.Fatalf("expected clean shutdown in logs\nlogs=%s", data)
	}
}

func TestSmoke_StartupFailureEmitsReasonCode(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()

	cmd := exec.Command(bin, "daemon")
	cmd.Env = daemonEnv(home,
		"TASKRELAY_BIND_ADDR="+pickFreeAddr(t),
		"TASKRELAY_DISPATCH_MODE=carrier-pigeon",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err == nil {
		t.Fatalf("expected startup failure for unknown dispatch mode")
	}

	combined := out.String()
	if !strings.Contains(combined, `"reason_code":"E_CONFIG_LOAD"`) {
		t.Fatalf("expected structured startup reason_code\ncombined=%s", combined)
	}
	if !strings.Contains(combined, `"msg":"startup failure"`) {
		t.Fatalf("expected startup failure log message\ncombined=%s", combined)
	}
	if !strings.Contains(combined, `"component":"taskrelay"`) {
		t.Fatalf("expected component field\ncombined=%s", combined)
	}
	if !strings.Contains(combined, `"level":"ERROR"`) {
		t.Fatalf("expected error level\ncombined=%s", combined)
	}
}
