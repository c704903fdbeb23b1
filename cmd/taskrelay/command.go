package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskrelay/internal/bridge"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/execctx"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/telemetry"
)

// Command output goes through these so tests can capture it.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// commandEnv is what a one-shot subcommand needs: config, a logger that keeps
// stdout free for command output, and optionally the task store.
type commandEnv struct {
	cfg    config.Config
	logger *slog.Logger
	store  *persistence.Store
	exec   *execctx.Context

	closeLog io.Closer
}

func openCommandEnv(withStore bool) (*commandEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	logger, closer, err := newCommandLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	env := &commandEnv{cfg: cfg, logger: logger, exec: execctx.New(), closeLog: closer}
	if !withStore {
		return env, nil
	}
	store, err := openStore(cfg, nil, logger)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	env.store = store
	env.exec.Set(execctx.KeyTasksDB, bridge.TaskStore(store))
	return env, nil
}

func (e *commandEnv) Close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	_ = e.closeLog.Close()
}

// newCommandLogger writes to the log file, and to stderr only when stderr is
// not a terminal.
func newCommandLogger(cfg config.Config) (*slog.Logger, io.Closer, error) {
	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	fd := os.Stderr.Fd()
	return telemetry.NewLogger(cfg.HomeDir, telemetry.Options{
		Level:  level,
		Quiet:  isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
		Stdout: os.Stderr,
	})
}

// stringList is a repeatable string flag. A single value containing commas
// is split.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}
