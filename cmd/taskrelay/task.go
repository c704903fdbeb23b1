package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/basket/taskrelay/internal/bridge"
	"github.com/basket/taskrelay/internal/persistence"
)

const taskUsage = `usage: taskrelay task <action> [flags]

actions:
  create   [-id ID] -summary TEXT [-details TEXT] [-step S]... [-at TIME] [-payload FILE|-] [-json]
  get      [-json] ID
  list     [-json]
  update   [-summary TEXT] [-details TEXT] [-step S]... ID
  delete   ID
  complete ID
  defer    ID
  resume   ID`

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		fmt.Fprintln(stderr, taskUsage)
		if len(args) == 0 {
			return 2
		}
		return 0
	}
	action, rest := strings.ToLower(args[0]), args[1:]
	switch action {
	case "create":
		return runTaskCreate(ctx, rest)
	case "get":
		return runTaskGet(ctx, rest)
	case "list":
		return runTaskList(ctx, rest)
	case "update":
		return runTaskUpdate(ctx, rest)
	case "delete", "complete", "defer", "resume":
		return runTaskTransition(ctx, action, rest)
	default:
		fmt.Fprintf(stderr, "unknown task action %q\n%s\n", action, taskUsage)
		return 2
	}
}

func runTaskCreate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("taskrelay task create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "task id (generated when empty)")
	summary := fs.String("summary", "", "one-line summary")
	details := fs.String("details", "", "free-form details")
	at := fs.String("at", "", `execution time, e.g. "2030-01-01 09:00" (default: now)`)
	payload := fs.String("payload", "", "read a JSON creation payload from FILE, or - for stdin")
	jsonOut := fs.Bool("json", false, "print the created task as JSON")
	var steps stringList
	fs.Var(&steps, "step", "step text (repeatable, or comma separated)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: taskrelay task create [flags]")
		return 2
	}

	var body []byte
	if *payload != "" {
		b, err := readInput(*payload)
		if err != nil {
			fmt.Fprintf(stderr, "read payload: %v\n", err)
			return 1
		}
		body = b
	} else {
		if strings.TrimSpace(*summary) == "" {
			fmt.Fprintln(stderr, "task create: -summary is required")
			return 2
		}
		p := bridge.CreationPayload{Summary: *summary, Steps: steps}
		if *id != "" {
			p.TaskID = *id
		}
		if *details != "" {
			p.Details = details
		}
		if *at != "" {
			p.ExecutionTime = at
		}
		b, err := json.Marshal(p)
		if err != nil {
			fmt.Fprintf(stderr, "encode payload: %v\n", err)
			return 1
		}
		body = b
	}

	env, err := openCommandEnv(true)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer env.Close()

	br, err := bridge.New(bridge.Config{Exec: env.exec, Logger: env.logger})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	taskID, err := br.CreateFromPayload(ctx, body)
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicateID) {
			fmt.Fprintf(stderr, "task %s already exists\n", taskID)
			return 1
		}
		fmt.Fprintf(stderr, "create task: %v\n", err)
		return exitCodeFor(err)
	}
	if !*jsonOut {
		fmt.Fprintln(stdout, taskID)
		return 0
	}
	task, err := env.store.GetTask(ctx, taskID)
	if err != nil {
		fmt.Fprintf(stderr, "get task: %v\n", err)
		return 1
	}
	return printJSON(task)
}

func runTaskGet(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("taskrelay task get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print the task as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: taskrelay task get [-json] ID")
		return 2
	}

	env, err := openCommandEnv(true)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer env.Close()

	task, err := env.store.GetTask(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitCodeFor(err)
	}
	if *jsonOut {
		return printJSON(task)
	}
	fmt.Fprintln(stdout, task.Describe())
	return 0
}

func runTaskList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("taskrelay task list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print tasks as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: taskrelay task list [-json]")
		return 2
	}

	env, err := openCommandEnv(true)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer env.Close()

	tasks, err := env.store.ListActiveTasks(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "list tasks: %v\n", err)
		return exitCodeFor(err)
	}
	if *jsonOut {
		if tasks == nil {
			tasks = []persistence.Task{}
		}
		return printJSON(tasks)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK ID\tEXECUTION TIME\tSTATE\tSUMMARY")
	for _, t := range tasks {
		state := "active"
		if t.IsWaiting {
			state = "waiting"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.TaskID, persistence.FormatExecutionTime(t.ExecutionTime), state, t.Summary)
	}
	_ = tw.Flush()
	return 0
}

func runTaskUpdate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("taskrelay task update", flag.ContinueOnError)
	fs.SetOutput(stderr)
	summary := fs.String("summary", "", "new summary")
	details := fs.String("details", "", "new details")
	var steps stringList
	fs.Var(&steps, "step", "replacement step text (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: taskrelay task update [-summary TEXT] [-details TEXT] [-step S]... ID")
		return 2
	}

	var patch persistence.TaskPatch
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "summary":
			patch.Summary = summary
		case "details":
			patch.Details = details
		case "step":
			patch.Steps = steps
		}
	})
	if patch.Summary == nil && patch.Details == nil && patch.Steps == nil {
		fmt.Fprintln(stderr, "task update: nothing to change")
		return 2
	}

	env, err := openCommandEnv(true)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer env.Close()

	ok, err := env.store.UpdateTask(ctx, fs.Arg(0), patch)
	if err != nil {
		fmt.Fprintf(stderr, "update task: %v\n", err)
		return exitCodeFor(err)
	}
	if !ok {
		fmt.Fprintf(stderr, "task %s not found\n", fs.Arg(0))
		return 1
	}
	fmt.Fprintf(stdout, "updated %s\n", fs.Arg(0))
	return 0
}

// runTaskTransition handles the single-id state changes. A no-op (missing
// id, already completed) prints "unchanged" and still exits 0.
func runTaskTransition(ctx context.Context, action string, args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(stderr, "usage: taskrelay task %s ID\n", action)
		return 2
	}
	taskID := args[0]

	env, err := openCommandEnv(true)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer env.Close()

	var changed bool
	switch action {
	case "delete":
		changed, err = env.store.DeleteTask(ctx, taskID)
	case "complete":
		changed, err = env.store.CompleteTask(ctx, taskID)
	case "defer":
		changed, err = env.store.DeferTask(ctx, taskID)
	case "resume":
		changed, err = env.store.ResumeTask(ctx, taskID)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s task: %v\n", action, err)
		return exitCodeFor(err)
	}
	if changed {
		fmt.Fprintf(stdout, "%s %s\n", pastTense(action), taskID)
	} else {
		fmt.Fprintf(stdout, "unchanged %s\n", taskID)
	}
	return 0
}

func pastTense(action string) string {
	switch action {
	case "defer":
		return "deferred"
	case "resume", "complete", "delete":
		return action + "d"
	}
	return action
}

// exitCodeFor maps store errors: bad input is a usage error (2), everything
// else is a runtime failure (1).
func exitCodeFor(err error) int {
	if errors.Is(err, persistence.ErrMalformedInput) {
		return 2
	}
	return 1
}

func printJSON(v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}

// readInput reads path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
