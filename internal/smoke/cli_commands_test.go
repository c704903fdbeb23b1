package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestSmoke_CLIStatusOutputsHealthzJSON(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)
	env := daemonEnv(home, "TASKRELAY_BIND_ADDR="+addr)

	cmd := exec.Command(bin, "daemon")
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(4 * time.Second):
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	})

	deadline := time.Now().Add(8 * time.Second)
	var statusOut string
	for time.Now().Before(deadline) {
		s := exec.Command(bin, "status")
		s.Env = env
		var buf bytes.Buffer
		s.Stdout = &buf
		if err := s.Run(); err == nil {
			statusOut = buf.String()
			break
		}
		time.Sleep(150 * time.Millisecond)
	}
	if strings.TrimSpace(statusOut) == "" {
		t.Fatalf("status did not become ready in time\noutput=%s", out.String())
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(statusOut), &body); err != nil {
		t.Fatalf("status output not JSON: %v\nout=%s", err, statusOut)
	}
	if body["healthy"] != true || body["broker"] != "disabled" {
		t.Fatalf("unexpected status output: %#v", body)
	}
}

func TestSmoke_CLITaskLifecycle(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("store:\n  timezone: UTC\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	run := func(args ...string) (string, int) {
		t.Helper()
		c := exec.Command(bin, args...)
		c.Env = daemonEnv(home)
		var buf bytes.Buffer
		c.Stdout = &buf
		c.Stderr = &buf
		err := c.Run()
		if exitErr, ok := err.(*exec.ExitError); ok {
			return buf.String(), exitErr.ExitCode()
		}
		if err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		return buf.String(), 0
	}

	if out, code := run("task", "create", "-id", "smoke-1", "-summary", "water plants", "-at", "2030-01-01 09:00"); code != 0 {
		t.Fatalf("create exit %d: %s", code, out)
	}
	if out, code := run("scan", "-now", "2030-01-01 09:00:30"); code != 0 || !strings.Contains(out, "smoke-1") {
		t.Fatalf("scan exit %d: %s", code, out)
	}
	if out, code := run("task", "complete", "smoke-1"); code != 0 {
		t.Fatalf("complete exit %d: %s", code, out)
	}
	out, code := run("task", "get", "-json", "smoke-1")
	if code != 0 {
		t.Fatalf("get exit %d: %s", code, out)
	}
	var task map[string]any
	if err := json.Unmarshal([]byte(out), &task); err != nil {
		t.Fatalf("get output not JSON: %v\n%s", err, out)
	}
	if task["is_active"] != false {
		t.Fatalf("expected completed task, got %#v", task)
	}
	if _, code := run("task", "create", "-summary", "x", "-at", "not a time"); code != 2 {
		t.Fatalf("expected usage exit for malformed time, got %d", code)
	}
}

func TestSmoke_CLIImportWritesConfigYAML(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	work := t.TempDir()

	if err := os.WriteFile(filepath.Join(work, ".env"), []byte(strings.Join([]string{
		"RABBITMQ_HOST=mq.smoke.test",
		"RABBITMQ_PORT=5673",
		"RABBITMQ_VHOST=/smoke",
		"",
	}, "\n")), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := exec.CommandContext(ctx, bin, "import")
	c.Dir = work
	c.Env = daemonEnv(home)
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	if err := c.Run(); err != nil {
		t.Fatalf("import failed: %v\n%s", err, out.String())
	}

	raw, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	cfg := make(map[string]any)
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}
	brokerCfg, _ := cfg["broker"].(map[string]any)
	if brokerCfg == nil {
		t.Fatalf("expected broker section; got %#v", cfg)
	}
	if brokerCfg["host"] != "mq.smoke.test" || brokerCfg["port"] != 5673 || brokerCfg["vhost"] != "/smoke" {
		t.Fatalf("unexpected broker section %#v", brokerCfg)
	}
	if brokerCfg["enabled"] != true {
		t.Fatalf("expected broker enabled after import; got %#v", brokerCfg)
	}
}
