package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskrelay/internal/doctor"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	setTestConfig(t, "log_level: debug\n")
	out, _ := captureOutput(t)

	code := runDoctorCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0:\n%s", code, out.String())
	}
	for _, want := range []string{"taskrelay doctor report", "Database", "Broker"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("report missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	setTestConfig(t, "log_level: info\n")
	out, _ := captureOutput(t)

	for _, flagArg := range []string{"-json", "--json"} {
		out.Reset()
		code := runDoctorCommand(context.Background(), []string{flagArg})
		if code != 0 {
			t.Fatalf("%s: got exit code %d, want 0", flagArg, code)
		}
		var diag doctor.Diagnosis
		if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
			t.Fatalf("%s: decode: %v", flagArg, err)
		}
		if len(diag.Results) == 0 || diag.System.Version != Version {
			t.Fatalf("%s: unexpected diagnosis %+v", flagArg, diag)
		}
	}
}

func TestRunDoctorCommand_NeedsInit(t *testing.T) {
	home := setTestConfig(t, "")
	if err := os.Remove(filepath.Join(home, "config.yaml")); err != nil {
		t.Fatal(err)
	}
	out, _ := captureOutput(t)

	// A missing config.yaml is a warning, not a failure.
	code := runDoctorCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0:\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "[WARN] Config") {
		t.Fatalf("expected config warning:\n%s", out.String())
	}
}

func TestRunDoctorCommand_InvalidConfigFails(t *testing.T) {
	setTestConfig(t, "dispatch_mode: carrier-pigeon\n")
	captureOutput(t)

	if code := runDoctorCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunDoctorCommand_UnknownFlag(t *testing.T) {
	captureOutput(t)
	if code := runDoctorCommand(context.Background(), []string{"-verbose"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}
