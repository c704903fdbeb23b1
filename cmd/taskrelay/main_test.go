package main

import (
	"bytes"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

// setTestConfig writes config.yaml into a temp home, points TASKRELAY_HOME at
// it and clears env overrides that would leak in from the outer environment.
func setTestConfig(t *testing.T, yaml string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TASKRELAY_HOME", home)
	for _, key := range []string{
		"TASKRELAY_BIND_ADDR", "TASKRELAY_LOG_LEVEL", "TASKRELAY_DB_PATH", "TASKRELAY_TIMEZONE",
		"TASKRELAY_SCAN_SCHEDULE", "TASKRELAY_DISPATCH_MODE", "TASKRELAY_AUTH_TOKEN",
		"RABBITMQ_HOST", "RABBITMQ_PORT", "RABBITMQ_USERNAME", "RABBITMQ_PASSWORD", "RABBITMQ_VHOST", "RABBITMQ_TLS",
	} {
		t.Setenv(key, "")
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

// captureOutput redirects command stdout and stderr into buffers for the
// duration of the test.
func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr := stdout, stderr
	stdout, stderr = &out, &errOut
	t.Cleanup(func() {
		stdout, stderr = prevOut, prevErr
	})
	return &out, &errOut
}

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "single dash help", args: []string{"-h"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, want: daemonSubcommandRun, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, want: daemonSubcommandRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	out := buf.String()

	if !strings.Contains(out, "usage: taskrelay daemon [--help]") {
		t.Fatalf("usage output missing daemon subcommand usage: %q", out)
	}
	if !strings.Contains(out, "taskrelay [-quiet]") {
		t.Fatalf("usage output missing flag usage: %q", out)
	}
}

func TestIsAddrInUse(t *testing.T) {
	inUse := &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
	if !isAddrInUse(inUse) {
		t.Fatal("expected EADDRINUSE to be detected")
	}
	if isAddrInUse(errors.New("permission denied")) {
		t.Fatal("unrelated error reported as address in use")
	}
}

func TestPortOccupantHint(t *testing.T) {
	prev := execCommandFunc
	t.Cleanup(func() { execCommandFunc = prev })

	execCommandFunc = func(string, ...string) *exec.Cmd {
		return exec.Command("echo", "4242")
	}
	if hint := portOccupantHint("127.0.0.1:18790"); !strings.Contains(hint, "PID 4242") {
		t.Fatalf("expected pid in hint, got %q", hint)
	}

	execCommandFunc = func(string, ...string) *exec.Cmd {
		return exec.Command("false")
	}
	if hint := portOccupantHint("127.0.0.1:18790"); !strings.Contains(hint, "18790 is already in use") {
		t.Fatalf("unexpected fallback hint %q", hint)
	}
	if hint := portOccupantHint("no-port"); !strings.Contains(hint, "no-port") {
		t.Fatalf("unexpected hint for bad address %q", hint)
	}
}

func TestLoadDotEnv_DoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "TASKRELAY_TEST_A=from-file\nexport TASKRELAY_TEST_B=\"quoted\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKRELAY_TEST_A", "from-env")
	t.Setenv("TASKRELAY_TEST_B", "")

	loadDotEnv(path)

	if got := os.Getenv("TASKRELAY_TEST_A"); got != "from-env" {
		t.Fatalf("existing env overwritten: %q", got)
	}
	if got := os.Getenv("TASKRELAY_TEST_B"); got != "quoted" {
		t.Fatalf("expected quoted value unwrapped, got %q", got)
	}
}

func TestGatewayURL(t *testing.T) {
	tests := []struct {
		addr, want string
	}{
		{"127.0.0.1:18790", "http://127.0.0.1:18790/healthz"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000/healthz"},
		{":9000", "http://127.0.0.1:9000/healthz"},
		{"[::1]:9000", "http://[::1]:9000/healthz"},
		{"http://relay.local:8080/", "http://relay.local:8080/healthz"},
		{"", "http://127.0.0.1:18790/healthz"},
	}
	for _, tt := range tests {
		if got := gatewayURL(tt.addr, "/healthz"); got != tt.want {
			t.Errorf("gatewayURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
