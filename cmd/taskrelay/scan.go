package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/taskrelay/internal/bridge"
	"github.com/basket/taskrelay/internal/broker"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/persistence"
)

// runScanCommand runs one dispatch pass. By default it scans in-process using
// the configured dispatch mode; with -remote it asks the running daemon.
func runScanCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("taskrelay scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	nowFlag := fs.String("now", "", `scan instant, e.g. "2030-01-01 09:00" (default: current time)`)
	remote := fs.Bool("remote", false, "trigger the scan on the running daemon via POST /v1/scan")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: taskrelay scan [-now TIME] [-remote]")
		return 2
	}

	if *remote {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "config load: %v\n", err)
			return 1
		}
		return remoteScan(ctx, cfg, *nowFlag)
	}

	env, err := openCommandEnv(true)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer env.Close()

	now := time.Now()
	if *nowFlag != "" {
		now, err = persistence.ParseExecutionTime(*nowFlag, env.store.Location())
		if err != nil {
			fmt.Fprintf(stderr, "invalid -now: %v\n", err)
			return 2
		}
	}

	bcfg := bridge.Config{
		Exec:          env.exec,
		Bus:           bus.New(),
		DispatchMode:  env.cfg.DispatchMode,
		OutboundQueue: env.cfg.Broker.OutboundQueue,
		Logger:        env.logger,
	}
	if env.cfg.DispatchMode == config.DispatchBroker {
		ch, err := broker.Connect(ctx, env.cfg.Broker.Config,
			broker.WithLogger(env.logger),
			broker.WithExecContext(env.exec),
		)
		if err != nil {
			fmt.Fprintf(stderr, "broker: %v\n", err)
			return 1
		}
		defer ch.Disconnect()
	}
	br, err := bridge.New(bcfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	res, dispatchErr := br.Dispatch(ctx, now)
	if code := printJSON(res); code != 0 {
		return code
	}
	if dispatchErr != nil {
		fmt.Fprintf(stderr, "dispatch: %v\n", dispatchErr)
		return 1
	}
	return 0
}

func remoteScan(ctx context.Context, cfg config.Config, now string) int {
	body := "{}"
	if now != "" {
		b, _ := json.Marshal(map[string]string{"now": now})
		body = string(b)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, gatewayURL(cfg.BindAddr, "/v1/scan"), strings.NewReader(body))
	if err != nil {
		fmt.Fprintf(stderr, "request: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "scan: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	writeBody(out)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
