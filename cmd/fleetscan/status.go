package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/user/fleetscan/internal/daemon"
	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  "Show the fleetscan daemon status, host counts by check status and recent scan tasks.",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	running, pid := daemon.CheckRunning(cfg.DataDir)

	fmt.Println(titleStyle.Render("fleetscan Status"))

	fmt.Print(labelStyle.Render("Daemon: "))
	if running {
		fmt.Println(goodStyle.Render(fmt.Sprintf("Running (PID %d)", pid)))
	} else {
		fmt.Println(badStyle.Render("Stopped"))
	}

	if sf, err := daemon.ReadStatusFile(cfg.DataDir); err == nil && running {
		fmt.Print(labelStyle.Render("Started: "))
		fmt.Println(valueStyle.Render(sf.StartTime))

		if len(sf.Jobs) > 0 {
			fmt.Println()
			fmt.Println(titleStyle.Render("Jobs"))

			for _, job := range sf.Jobs {
				state := "idle"
				if job.Running {
					state = "running"
				}
				fmt.Printf("  %s: %s (last: %s, next: %s, errors: %d)\n",
					labelStyle.Render(job.Name),
					valueStyle.Render(state),
					formatTime(&job.LastRun),
					formatTime(&job.NextRun),
					job.ErrorCount)
				if job.LastError != "" {
					fmt.Printf("    %s\n", badStyle.Render(job.LastError))
				}
			}
		}
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := context.Background()

	if counts, err := storage.NewHostStorage(db).CountByStatus(ctx); err == nil {
		fmt.Println()
		fmt.Println(titleStyle.Render("Hosts"))

		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			label := s
			if s == "unknown" {
				label = "never scanned"
			}
			printField(label+":", fmt.Sprintf("%d", counts[s]))
		}
	}

	if catalog, err := storage.NewSoftwareStorage(db).CatalogSize(ctx); err == nil {
		printField("software titles:", fmt.Sprintf("%d", catalog))
	}

	if tasks, err := storage.NewTaskStorage(db).ListRecent(ctx, 5); err == nil && len(tasks) > 0 {
		fmt.Println()
		fmt.Println(titleStyle.Render("Recent Tasks"))
		for _, t := range tasks {
			fmt.Printf("  %s %s %s\n",
				labelStyle.Render(t.ID),
				renderTaskStatus(t.Status),
				valueStyle.Render(taskSummary(t)))
		}
	}

	return nil
}

func taskSummary(t model.ScanTask) string {
	return fmt.Sprintf("%d/%d successful, updated %s", t.SuccessfulHosts, t.ScannedHosts, formatTime(&t.UpdatedAt))
}
