package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// runBackupCommand copies the task database to PATH, or to
// <home>/backups/tasks-<timestamp>.db when no path is given.
func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) > 1 || (len(args) == 1 && isHelpArg(args[0])) {
		fmt.Fprintln(stderr, "usage: taskrelay backup [PATH]")
		return 2
	}

	env, err := openCommandEnv(true)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer env.Close()

	dest := ""
	if len(args) == 1 {
		dest = args[0]
	} else {
		dir := filepath.Join(env.cfg.HomeDir, "backups")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			fmt.Fprintf(stderr, "create backup dir: %v\n", err)
			return 1
		}
		dest = filepath.Join(dir, "tasks-"+time.Now().UTC().Format("20060102T150405Z")+".db")
	}

	if err := env.store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	env.logger.Info("database backed up", "path", dest)
	fmt.Fprintln(stdout, dest)
	return 0
}
