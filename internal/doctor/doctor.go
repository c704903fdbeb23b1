package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// maxParallelChecks bounds how many checks run at once.
const maxParallelChecks = 3

// Run executes all diagnostic checks concurrently. Results keep the check
// order regardless of completion order.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkSchedule,
		checkBroker,
	}

	d.Results = make([]CheckResult, len(checks))
	var g errgroup.Group
	g.SetLimit(maxParallelChecks)
	for i, check := range checks {
		g.Go(func() error {
			d.Results[i] = check(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; running on defaults",
			Detail: fmt.Sprintf("expected at %s", config.ConfigPath(cfg.HomeDir))}
	}
	if err := config.Validate(*cfg); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.Store.DBPath, nil, persistence.WithLocation(cfg.Store.Location()))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	tasks, err := store.ListActiveTasks(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	due, err := store.DueTaskIDs(ctx, time.Now())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Due scan failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("%d active tasks, %d due now", len(tasks), len(due)),
		Detail:  cfg.Store.DBPath,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)

	if info, err := os.Stat(config.ConfigPath(cfg.HomeDir)); err == nil && info.Mode().Perm()&0o077 != 0 &&
		(cfg.AuthToken != "" || cfg.Broker.Password != "") {
		return CheckResult{
			Name:    "Permissions",
			Status:  "WARN",
			Message: "config.yaml holds secrets and is readable by other users",
			Detail:  fmt.Sprintf("mode %o; run chmod 600", info.Mode().Perm()),
		}
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedule", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.ScanSchedule == "" {
		return CheckResult{Name: "Schedule", Status: "SKIP", Message: "No scan_schedule; scans are triggered externally"}
	}
	next, err := cron.NextRunTime(cfg.ScanSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Schedule", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{
		Name:    "Schedule",
		Status:  "PASS",
		Message: fmt.Sprintf("%q next fires at %s", cfg.ScanSchedule, next.Format(time.RFC3339)),
	}
}

// checkBroker only dials TCP; credentials are exercised by `taskrelay publish`.
func checkBroker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Broker", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Broker.Enabled {
		return CheckResult{Name: "Broker", Status: "SKIP", Message: "Broker disabled"}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	addr := cfg.Broker.Addr()
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Broker",
			Status:  "FAIL",
			Message: fmt.Sprintf("TCP connect to %s failed: %v", addr, err),
			Detail:  cfg.Broker.Redacted(),
		}
	}
	_ = conn.Close()
	return CheckResult{
		Name:    "Broker",
		Status:  "PASS",
		Message: fmt.Sprintf("Reached %s (%dms)", addr, latency.Milliseconds()),
		Detail:  cfg.Broker.Redacted(),
	}
}
