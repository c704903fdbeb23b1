package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/bridge"
	"github.com/basket/taskrelay/internal/broker"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/execctx"
	"github.com/basket/taskrelay/internal/gateway"
	otelPkg "github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON MODE (default):
  %[1]s                          Start the daemon (gateway, consumer, optional scan schedule)
  %[1]s daemon                   Same as above

SUBCOMMANDS:
  %[1]s task <action>            Manage tasks in the local store
                              Actions: create, get, list, update, delete, complete, defer, resume
  %[1]s scan [-now TIME]         Run one due-task scan and dispatch the results
  %[1]s publish [-queue Q] BODY  Publish a message (BODY, -file, or stdin) to a queue
  %[1]s purge [-queue Q]         Purge a broker queue (default: outbound queue)
  %[1]s status                   Show daemon health status (/healthz)
  %[1]s doctor [-json]           Run diagnostic checks
  %[1]s backup [PATH]            Write a consistent copy of the task database
  %[1]s import [options]         Import RABBITMQ_* settings from a .env file into config.yaml
                              Options: --path <file> (default: .env), --force

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKRELAY_HOME          Data directory (default: ~/.taskrelay)
  TASKRELAY_LOG_LEVEL     Overrides log_level
  TASKRELAY_DISPATCH_MODE local or broker
  RABBITMQ_HOST           Broker host (also _PORT, _USERNAME, _PASSWORD, _VHOST, _TLS)

EXAMPLES:
  Start the daemon:       %[1]s
  Create a task:          %[1]s task create -summary "call Bob" -at "2030-01-01 09:00"
  Scan once:              %[1]s scan
  Check daemon health:    %[1]s status
  Run diagnostics:        %[1]s doctor
`, os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "task":
			os.Exit(runTaskCommand(ctx, args[1:]))
		case "scan":
			os.Exit(runScanCommand(ctx, args[1:]))
		case "publish":
			os.Exit(runPublishCommand(ctx, args[1:]))
		case "purge":
			os.Exit(runPurgeCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "import":
			os.Exit(runImportCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, *quiet)
}

func runDaemon(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsInit {
		path, err := config.WriteDefault(cfg.HomeDir)
		if err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		fmt.Fprintf(os.Stderr, "wrote default config to %s\n", path)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, telemetry.Options{Level: level, Quiet: quiet})
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit log unavailable", "error", err)
	}
	defer audit.Close()
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on non-loopback bind; the task API is open to the network", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := openStore(cfg, eventBus, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.Store.DBPath)

	ec := execctx.New()
	ec.Set(execctx.KeyTasksDB, bridge.TaskStore(store))

	var brokerState atomic.Value
	brokerState.Store("disabled")
	consumeErr := make(chan error, 1)
	var (
		ch        *broker.Channel
		publisher bridge.Publisher
	)
	if cfg.Broker.Enabled {
		ch, err = broker.Connect(ctx, cfg.Broker.Config,
			broker.WithLogger(logger),
			broker.WithExecContext(ec),
		)
		if err != nil {
			fatalStartup(logger, "E_BROKER_CONNECT", err)
		}
		defer ch.Disconnect()
		brokerState.Store("connected")

		if cfg.Broker.OutboundQueue != "" {
			if err := ch.EnsureQueue(cfg.Broker.OutboundQueue); err != nil {
				fatalStartup(logger, "E_BROKER_DECLARE", err)
			}
		}
		if cfg.DispatchMode == bridge.DispatchBroker {
			pub, err := ch.OpenPublisher()
			if err != nil {
				fatalStartup(logger, "E_BROKER_CONNECT", err)
			}
			// Deferred after ch so it closes before the shared connection.
			defer pub.Disconnect()
			publisher = pub
		}
	}

	br, err := bridge.New(bridge.Config{
		Exec:          ec,
		Publisher:     publisher,
		Bus:           eventBus,
		DispatchMode:  cfg.DispatchMode,
		OutboundQueue: cfg.Broker.OutboundQueue,
		Logger:        logger,
		Tracer:        otelProvider.Tracer,
		Metrics:       metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_BRIDGE_INIT", err)
	}

	if ch != nil {
		if cfg.Broker.InboundQueue != "" {
			if err := ch.Subscribe(cfg.Broker.InboundQueue, br.HandleMessage); err != nil {
				fatalStartup(logger, "E_BROKER_SUBSCRIBE", err)
			}
			go func() {
				brokerState.Store("consuming")
				err := ch.StartConsuming(ctx)
				if err != nil {
					brokerState.Store("lost")
					consumeErr <- err
					return
				}
				brokerState.Store("stopped")
			}()
		}
		logger.Info("startup phase", "phase", "broker_ready",
			"inbound_queue", cfg.Broker.InboundQueue,
			"outbound_queue", cfg.Broker.OutboundQueue,
		)
	}

	if cfg.ScanSchedule != "" {
		sched, err := cron.NewScheduler(cron.Config{
			Schedule: cfg.ScanSchedule,
			Logger:   logger,
			Trigger: func(ctx context.Context, now time.Time) error {
				res, err := br.Dispatch(ctx, now)
				if len(res.TaskIDs) > 0 {
					logger.Info("scheduled scan dispatched", "due", len(res.TaskIDs), "sent", res.Sent, "failed", res.Failed)
				}
				return err
			},
		})
		if err != nil {
			fatalStartup(logger, "E_SCHEDULE_INIT", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
		logger.Info("startup phase", "phase", "scheduler_started", "schedule", cfg.ScanSchedule)
	}

	if cfg.Store.RetentionDays > 0 {
		go runRetention(ctx, store, cfg.Store.RetentionDays, logger)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(watcher, level, logger)
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Bridge:            br,
		Bus:               eventBus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		BrokerStatus: func() string {
			if !cfg.Broker.Enabled {
				return "disabled"
			}
			return brokerState.Load().(string)
		},
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})
	gw.StartEviction(ctx)

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			logger.Error("bind failed", "bind_addr", cfg.BindAddr, "hint", portOccupantHint(cfg.BindAddr))
		}
		fatalStartup(logger, "E_GATEWAY_LISTEN", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "gateway_listening", "bind_addr", ln.Addr().String(), "dispatch_mode", br.Mode())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	case err := <-consumeErr:
		logger.Error("broker consumer stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	// Ends open event streams; Shutdown does not cancel their contexts.
	eventBus.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

// watchConfig re-applies the log level whenever config.yaml changes. Other
// settings take effect on restart.
func watchConfig(w *config.Watcher, level *slog.LevelVar, logger *slog.Logger) {
	for ev := range w.Events() {
		if ev.Err != nil {
			logger.Warn("config reload rejected", "path", ev.Path, "error", ev.Err)
			continue
		}
		next := telemetry.ParseLevel(ev.Config.LogLevel)
		if next != level.Level() {
			level.Set(next)
			logger.Info("log level changed", "level", next.String())
		}
		logger.Info("config reloaded", "config_fingerprint", ev.Config.Fingerprint())
	}
}

// runRetention purges old completed tasks once at startup and then hourly.
func runRetention(ctx context.Context, store *persistence.Store, days int, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if _, err := store.RunRetention(ctx, days); err != nil && ctx.Err() == nil {
			logger.Error("retention job failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func openStore(cfg config.Config, eventBus *bus.Bus, logger *slog.Logger) (*persistence.Store, error) {
	return persistence.Open(cfg.Store.DBPath, eventBus,
		persistence.WithLocation(cfg.Store.Location()),
		persistence.WithBusyTimeout(time.Duration(cfg.Store.BusyTimeoutMS)*time.Millisecond),
		persistence.WithBusyRetry(cfg.Store.BusyRetryAttempts, time.Duration(cfg.Store.BusyRetryDelayMS)*time.Millisecond),
		persistence.WithLogger(logger),
	)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Fatal, "runtime.startup", reasonCode, message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"taskrelay","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv sets variables from path that are not already in the
// environment. A missing file is ignored.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, val, ok := parseDotEnvLine(scanner.Text())
		if !ok || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: taskrelay daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: taskrelay daemon [--help]")
	fmt.Fprintln(w, "       taskrelay [-quiet]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the HTTP gateway, the inbound queue consumer and the optional scan schedule.")
}
