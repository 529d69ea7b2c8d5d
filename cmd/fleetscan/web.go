package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/fleetscan/internal/metrics"
	"github.com/user/fleetscan/internal/storage"
	"github.com/user/fleetscan/internal/util"
	"github.com/user/fleetscan/internal/web"
)

var webPort int

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Start the status server",
	Long: `Start the HTTP status server without the scheduler.

Endpoints:
  GET /healthz          liveness
  GET /metrics          Prometheus metrics
  GET /api/status       daemon state and host counts
  GET /api/tasks/{id}   scan task status

Examples:
  fleetscan web
  fleetscan web --port 9090`,
	RunE: runWeb,
}

func init() {
	webCmd.Flags().IntVarP(&webPort, "port", "p", 0, "Status server port (default from config)")
}

func runWeb(cmd *cobra.Command, args []string) error {
	if webPort == 0 {
		webPort = cfg.WebPort
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	hosts := storage.NewHostStorage(db)
	if err := metrics.RegisterInventory(hosts); err != nil {
		util.Warn("Failed to register inventory metrics: %v", err)
	}

	tasks := web.StoredTasks{Tasks: storage.NewTaskStorage(db)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Starting status server on http://localhost:%d\n", webPort)
	fmt.Println("Press Ctrl+C to stop")

	return web.NewServer(tasks, hosts, cfg.DataDir, webPort).Start(ctx)
}
