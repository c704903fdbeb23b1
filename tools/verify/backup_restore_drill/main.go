// backup_restore_drill creates and completes a batch of tasks, takes an
// online backup, reopens the copy and checks that every row survived.
//
// Usage:
//
//	go run ./tools/verify/backup_restore_drill/
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/taskrelay/internal/persistence"
)

const taskCount = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "taskrelay-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "tasks.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath, nil, persistence.WithLocation(time.UTC))
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	at := time.Now().UTC().Add(time.Hour)
	for i := 0; i < taskCount; i++ {
		taskID, err := store.CreateTask(ctx, persistence.NewTask{
			TaskID:        fmt.Sprintf("drill-%02d", i),
			Summary:       fmt.Sprintf("backup drill %d", i),
			Steps:         []string{"check", "report"},
			ExecutionTime: at,
		})
		if err != nil {
			fmt.Printf("create_task_error=%v\n", err)
			os.Exit(1)
		}
		if i%2 == 0 {
			if _, err := store.CompleteTask(ctx, taskID); err != nil {
				fmt.Printf("complete_task_error=%v\n", err)
				os.Exit(1)
			}
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath, nil, persistence.WithLocation(time.UTC))
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	var total int
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks;`).Scan(&total); err != nil {
		fmt.Printf("count_tasks_error=%v\n", err)
		os.Exit(1)
	}
	active, err := restored.ListActiveTasks(ctx)
	if err != nil {
		fmt.Printf("list_active_error=%v\n", err)
		os.Exit(1)
	}
	sample, err := restored.GetTask(ctx, "drill-01")
	if err != nil {
		fmt.Printf("get_task_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_tasks=%d\n", total)
	fmt.Printf("restored_active_tasks=%d\n", len(active))

	if total != taskCount || len(active) != taskCount/2 || len(sample.Steps) != 2 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
