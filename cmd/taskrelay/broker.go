package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/basket/taskrelay/internal/broker"
)

// runPublishCommand sends one message to a queue. The default queue is the
// inbound queue, so a creation payload published here becomes a task in the
// running daemon.
func runPublishCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("taskrelay publish", flag.ContinueOnError)
	fs.SetOutput(stderr)
	queue := fs.String("queue", "", "target queue (default: broker.inbound_queue)")
	file := fs.String("file", "", "read the message body from FILE, or - for stdin")
	contentType := fs.String("content-type", "application/json", "message content type")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var body []byte
	switch {
	case *file != "" && fs.NArg() == 0:
		b, err := readInput(*file)
		if err != nil {
			fmt.Fprintf(stderr, "read body: %v\n", err)
			return 1
		}
		body = b
	case *file == "" && fs.NArg() == 1:
		body = []byte(fs.Arg(0))
	default:
		fmt.Fprintln(stderr, "usage: taskrelay publish [-queue Q] [-content-type T] (BODY | -file FILE)")
		return 2
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		fmt.Fprintln(stderr, "publish: empty message body")
		return 2
	}

	env, err := openCommandEnv(false)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer env.Close()
	if !env.cfg.Broker.Enabled {
		fmt.Fprintln(stderr, "publish: broker is not enabled in config.yaml")
		return 1
	}
	target := *queue
	if target == "" {
		target = env.cfg.Broker.InboundQueue
	}
	if target == "" {
		fmt.Fprintln(stderr, "publish: no queue given and broker.inbound_queue is empty")
		return 2
	}

	ch, err := broker.Connect(ctx, env.cfg.Broker.Config,
		broker.WithLogger(env.logger),
		broker.WithExecContext(env.exec),
	)
	if err != nil {
		fmt.Fprintf(stderr, "broker: %v\n", err)
		return 1
	}
	defer ch.Disconnect()

	if err := ch.Publish(ctx, broker.Publishing{Queue: target, Body: body, ContentType: *contentType}); err != nil {
		fmt.Fprintf(stderr, "publish: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "published %d bytes to %s\n", len(body), target)
	return 0
}

func runPurgeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("taskrelay purge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	queue := fs.String("queue", "", "queue to purge (default: broker.outbound_queue)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: taskrelay purge [-queue Q]")
		return 2
	}

	env, err := openCommandEnv(false)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer env.Close()
	if !env.cfg.Broker.Enabled {
		fmt.Fprintln(stderr, "purge: broker is not enabled in config.yaml")
		return 1
	}
	target := *queue
	if target == "" {
		target = env.cfg.Broker.OutboundQueue
	}
	if target == "" {
		fmt.Fprintln(stderr, "purge: no queue given and broker.outbound_queue is empty")
		return 2
	}

	n, err := broker.PurgeQueue(ctx, env.cfg.Broker.Config, target, broker.WithLogger(env.logger))
	if err != nil {
		fmt.Fprintf(stderr, "purge: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "purged %d messages from %s\n", n, target)
	return 0
}
