// Package daemon runs fleet scans on a schedule in the background.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/user/fleetscan/internal/metrics"
	"github.com/user/fleetscan/internal/util"
)

// Daemon manages the background service.
type Daemon struct {
	config    *util.Config
	services  *Services
	scheduler *Scheduler
	pidFile   string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	startTime time.Time
	mu        sync.RWMutex
}

// New creates a new daemon instance.
func New(cfg *util.Config) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	services, err := NewServices(ctx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}

	d := &Daemon{
		config:   cfg,
		services: services,
		pidFile:  cfg.PIDFile(),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.scheduler = NewScheduler(ctx, 5*time.Second)

	return d, nil
}

// Start writes the PID file, fails tasks a previous process left running and
// starts the scheduler.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	util.Info("Daemon starting...")

	if n, err := d.services.Orchestrator.RecoverInterrupted(d.ctx); err != nil {
		util.Warn("Failed to recover interrupted tasks: %v", err)
	} else if n > 0 {
		util.Warn("Marked %d interrupted scan tasks as failed", n)
	}

	if err := metrics.RegisterInventory(d.services.Hosts); err != nil {
		util.Warn("Failed to register inventory metrics: %v", err)
	}

	d.registerJobs()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.scheduler.Run()
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handleSignals()
	}()

	d.writeStatus()
	util.Info("Daemon started with PID %d", os.Getpid())

	return nil
}

// Wait waits for the daemon to finish.
func (d *Daemon) Wait() {
	d.wg.Wait()
}

// Stop cancels running scans, waits for them to finalize and releases
// resources.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	util.Info("Daemon stopping...")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.scheduler.Wait()
		close(done)
	}()

	select {
	case <-done:
		util.Info("Daemon stopped gracefully")
	case <-time.After(30 * time.Second):
		util.Warn("Daemon stop timed out")
	}

	d.removePIDFile()
	d.writeStatus()
	return d.services.Close()
}

func (d *Daemon) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		util.Info("Received signal: %v", sig)
		if err := d.Stop(); err != nil {
			util.Warn("Error during shutdown: %v", err)
		}
	case <-d.ctx.Done():
	}
}

func (d *Daemon) writePIDFile() error {
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func (d *Daemon) removePIDFile() {
	os.Remove(d.pidFile)
}

func (d *Daemon) writeStatus() {
	if err := WriteStatusFile(d.config.DataDir, d.GetStatus()); err != nil {
		util.Debug("Failed to write status file: %v", err)
	}
}

// IsRunning returns whether the daemon is running.
func (d *Daemon) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// GetStatus returns the daemon status.
func (d *Daemon) GetStatus() *DaemonStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return &DaemonStatus{
		Running:   d.running,
		PID:       os.Getpid(),
		StartTime: d.startTime,
		Uptime:    time.Since(d.startTime),
		Jobs:      d.scheduler.GetJobStatuses(),
	}
}

// DaemonStatus holds the current daemon status.
type DaemonStatus struct {
	Running   bool
	PID       int
	StartTime time.Time
	Uptime    time.Duration
	Jobs      []JobStatus
}

// Services returns the scan pipeline the daemon runs.
func (d *Daemon) Services() *Services {
	return d.services
}

// GetContext returns the daemon context.
func (d *Daemon) GetContext() context.Context {
	return d.ctx
}
