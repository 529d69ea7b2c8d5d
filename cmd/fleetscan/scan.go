package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/fleetscan/internal/daemon"
	"github.com/user/fleetscan/internal/scanner"
	"github.com/user/fleetscan/internal/storage"
)

var (
	scanHost   string
	scanTaskID string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a scan now",
	Long: `Run a scan task in the foreground and print its result.

Without --host every host in the roster is scanned. Ctrl+C cancels the
scan; the task is then recorded as failed with the counts reached so far.

Examples:
  fleetscan scan
  fleetscan scan --host srv01.corp.local
  fleetscan scan --task-id nightly`,
	RunE: runScan,
}

var taskCmd = &cobra.Command{
	Use:   "task <id>",
	Short: "Show a scan task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTask,
}

func init() {
	scanCmd.Flags().StringVar(&scanHost, "host", "", "Scan a single host")
	scanCmd.Flags().StringVar(&scanTaskID, "task-id", "", "Task id (default: a new UUID)")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := daemon.NewServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	task, err := s.Orchestrator.Create(ctx, scanTaskID, scanHost)
	var conflict *scanner.TaskConflictError
	if errors.As(err, &conflict) {
		return fmt.Errorf("task %s is already running; pick another --task-id", conflict.TaskID)
	}
	if err != nil {
		return err
	}

	if scanHost != "" {
		fmt.Printf("Scanning %s (task %s)...\n", scanHost, task.ID)
	} else {
		fmt.Printf("Scanning fleet (task %s)...\n", task.ID)
	}

	done, err := s.Orchestrator.Run(ctx, task.ID, scanHost)
	if err != nil {
		return err
	}

	fmt.Println()
	printTask(done)
	return nil
}

func runTask(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	task, err := storage.NewTaskStorage(db).Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: %s", scanner.ErrTaskNotFound, args[0])
	}

	printTask(task)
	return nil
}
