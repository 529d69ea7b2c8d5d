package daemon

import (
	"context"
	"fmt"

	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/util"
)

// FleetScanJob is the name of the scheduled fleet scan.
const FleetScanJob = "fleet_scan"

func (d *Daemon) registerJobs() {
	d.scheduler.afterRun = func(*Job) { d.writeStatus() }

	d.scheduler.AddJob(&Job{
		Name:     FleetScanJob,
		Interval: d.config.ScanInterval,
		Timeout:  d.config.ScanTimeout,
		Run:      d.runFleetScan,
	})
}

// runFleetScan creates a fresh task and runs it across the roster. A failed
// task is reported as a job error so the scheduler retries sooner.
func (d *Daemon) runFleetScan(ctx context.Context) error {
	orch := d.services.Orchestrator

	task, err := orch.Create(ctx, "", "")
	if err != nil {
		return err
	}

	done, err := orch.Run(ctx, task.ID, "")
	if err != nil {
		return err
	}

	util.Info("Fleet scan %s %s: %d/%d hosts successful",
		done.ID, done.Status, done.SuccessfulHosts, done.ScannedHosts)

	if done.Status == model.TaskFailed {
		return fmt.Errorf("fleet scan %s failed: %s", done.ID, done.Error)
	}
	return nil
}
