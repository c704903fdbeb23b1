package main

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
)

func TestPublishCommand_Usage(t *testing.T) {
	setTestConfig(t, "")
	captureOutput(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args []string
	}{
		{"no body", nil},
		{"body and file", []string{"-file", "x.json", "body"}},
		{"two bodies", []string{"a", "b"}},
		{"blank body", []string{"   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := runPublishCommand(ctx, tt.args); code != 2 {
				t.Fatalf("exit %d, want 2", code)
			}
		})
	}
}

func TestPublishCommand_BrokerDisabled(t *testing.T) {
	setTestConfig(t, "")
	_, errOut := captureOutput(t)

	if code := runPublishCommand(context.Background(), []string{`{"summary":"x"}`}); code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "broker is not enabled") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestPublishCommand_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	setTestConfig(t, "broker:\n  enabled: true\n  host: 127.0.0.1\n  port: "+strconv.Itoa(port)+"\n  tls: false\n  connect_timeout: 1s\n")
	_, errOut := captureOutput(t)

	if code := runPublishCommand(context.Background(), []string{`{"summary":"x"}`}); code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "broker connect failed") {
		t.Fatalf("expected connect failure, got %q", errOut.String())
	}
}

func TestPurgeCommand(t *testing.T) {
	setTestConfig(t, "")
	_, errOut := captureOutput(t)
	ctx := context.Background()

	if code := runPurgeCommand(ctx, []string{"extra"}); code != 2 {
		t.Fatalf("extra args: exit %d, want 2", code)
	}
	if code := runPurgeCommand(ctx, nil); code != 1 {
		t.Fatalf("disabled broker: exit %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "broker is not enabled") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}
