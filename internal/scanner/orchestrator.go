package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/user/fleetscan/internal/events"
	"github.com/user/fleetscan/internal/lease"
	"github.com/user/fleetscan/internal/metrics"
	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/storage"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// TaskConflictError is returned when a task id is created while it is running.
type TaskConflictError struct {
	TaskID string
}

func (e *TaskConflictError) Error() string {
	return fmt.Sprintf("task %s is already running", e.TaskID)
}

// TaskStore persists scan task state.
type TaskStore interface {
	Create(ctx context.Context, id, hostname string, now time.Time) (*model.ScanTask, error)
	Get(ctx context.Context, id string) (*model.ScanTask, error)
	MarkRunning(ctx context.Context, id string, now time.Time) error
	UpdateProgress(ctx context.Context, id string, scanned, successful int, now time.Time) error
	Finish(ctx context.Context, id string, status model.TaskStatus, scanned, successful int, cause string, now time.Time) error
	ListByStatus(ctx context.Context, status model.TaskStatus) ([]model.ScanTask, error)
}

// Roster lists the hosts a fleet scan covers.
type Roster interface {
	ListScannable(ctx context.Context) ([]model.Host, error)
}

// HostScan scans a single host.
type HostScan interface {
	Scan(ctx context.Context, hostname string) HostOutcome
}

// Config holds orchestrator settings.
type Config struct {
	MaxWorkers  int
	ScanTimeout time.Duration
	LeaseTTL    time.Duration
	// Lease, when set, keeps a task id running on one instance at a time.
	Lease     lease.Lease
	Publisher events.Publisher
}

// Orchestrator drives scan tasks through pending, running and a terminal state.
type Orchestrator struct {
	tasks     TaskStore
	roster    Roster
	scanner   HostScan
	lease     lease.Lease
	leaseTTL  time.Duration
	publisher events.Publisher
	logger    zerolog.Logger

	maxWorkers  int
	scanTimeout time.Duration
	now         func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(tasks TaskStore, roster Roster, scanner HostScan, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 3 * time.Hour
	}
	return &Orchestrator{
		tasks:       tasks,
		roster:      roster,
		scanner:     scanner,
		lease:       cfg.Lease,
		leaseTTL:    cfg.LeaseTTL,
		publisher:   cfg.Publisher,
		logger:      logger,
		maxWorkers:  cfg.MaxWorkers,
		scanTimeout: cfg.ScanTimeout,
		now:         time.Now,
	}
}

type taskIDKey struct{}

func taskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

// Create registers a pending task. An empty id gets a fresh UUID. A finished
// task with the same id is replaced; a running one yields TaskConflictError.
func (o *Orchestrator) Create(ctx context.Context, id, hostname string) (*model.ScanTask, error) {
	if id == "" {
		id = uuid.NewString()
	}
	task, err := o.tasks.Create(ctx, id, strings.TrimSpace(hostname), o.now())
	if errors.Is(err, storage.ErrTaskRunning) {
		return nil, &TaskConflictError{TaskID: id}
	}
	if err != nil {
		return nil, &storage.PersistenceError{Op: "create task", Err: err}
	}
	return task, nil
}

// Status returns the current state of a task.
func (o *Orchestrator) Status(ctx context.Context, id string) (*model.ScanTask, error) {
	task, err := o.tasks.Get(ctx, id)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "get task", Err: err}
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

type progress struct {
	mu         sync.Mutex
	scanned    int
	successful int
}

func (p *progress) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanned, p.successful
}

// Run executes a pending task: one host when hostname is set, otherwise the
// whole roster. It returns the finalized task. Once the task is marked
// running it always reaches completed or failed before Run returns.
func (o *Orchestrator) Run(ctx context.Context, id, hostname string) (*model.ScanTask, error) {
	log := o.logger.With().Str("task_id", id).Logger()

	if o.lease != nil {
		ok, err := o.lease.Acquire(ctx, "task:"+id, o.leaseTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("task %s: %w", id, lease.ErrHeld)
		}
		defer func() {
			if err := o.lease.Release(context.WithoutCancel(ctx), "task:"+id); err != nil {
				log.Warn().Err(err).Msg("Failed to release task lease")
			}
		}()
	}

	if err := o.tasks.MarkRunning(ctx, id, o.now()); err != nil {
		return nil, &storage.PersistenceError{Op: "start task", Err: err}
	}
	log.Info().Str("host", hostname).Msg("Scan task started")

	p := &progress{}
	status, cause := o.execute(ctx, id, hostname, p)
	return o.finalize(ctx, id, status, p, cause)
}

func (o *Orchestrator) execute(ctx context.Context, id, hostname string, p *progress) (status model.TaskStatus, cause error) {
	defer func() {
		if r := recover(); r != nil {
			status, cause = model.TaskFailed, fmt.Errorf("scan task panicked: %v", r)
		}
	}()

	if o.scanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.scanTimeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, taskIDKey{}, id)

	hosts, err := o.hosts(ctx, hostname)
	if err != nil {
		return model.TaskFailed, &storage.PersistenceError{Op: "read roster", Err: err}
	}
	if len(hosts) == 0 {
		return model.TaskCompleted, nil
	}

	gate := semaphore.NewWeighted(int64(o.maxWorkers))
	g, gctx := errgroup.WithContext(ctx)

	for _, h := range hosts {
		if gctx.Err() != nil {
			break
		}
		if err := gate.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer gate.Release(1)
			out := o.scanHost(gctx, h)
			return o.record(ctx, id, p, out)
		})
	}

	err = g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.TaskFailed, fmt.Errorf("scan cancelled: %w", ctxErr)
	}
	if err != nil {
		return model.TaskFailed, err
	}
	return model.TaskCompleted, nil
}

func (o *Orchestrator) hosts(ctx context.Context, hostname string) ([]string, error) {
	if hostname = strings.TrimSpace(hostname); hostname != "" {
		return []string{hostname}, nil
	}
	roster, err := o.roster.ListScannable(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roster))
	for _, h := range roster {
		names = append(names, h.Hostname)
	}
	return names, nil
}

// scanHost runs one host scan and turns a panic into a failed outcome.
func (o *Orchestrator) scanHost(ctx context.Context, hostname string) (out HostOutcome) {
	metrics.InFlightHosts.Inc()
	defer metrics.InFlightHosts.Dec()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Str("host", hostname).Interface("panic", r).Msg("Host scan panicked")
			out = HostOutcome{Hostname: hostname, Status: model.StatusFailed, Err: fmt.Errorf("host scan panicked: %v", r)}
		}
	}()
	return o.scanner.Scan(ctx, hostname)
}

// record adds a host outcome to the task counts and persists them. A write
// failure means the store is unavailable and stops the run.
func (o *Orchestrator) record(ctx context.Context, id string, p *progress, out HostOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.scanned++
	if out.Successful() {
		p.successful++
	}
	if err := o.tasks.UpdateProgress(context.WithoutCancel(ctx), id, p.scanned, p.successful, o.now()); err != nil {
		return &storage.PersistenceError{Op: "update task progress", Err: err}
	}
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, id string, status model.TaskStatus, p *progress, cause error) (*model.ScanTask, error) {
	scanned, successful := p.counts()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	log := o.logger.With().Str("task_id", id).Logger()
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := o.tasks.Finish(writeCtx, id, status, scanned, successful, msg, o.now()); err != nil {
		log.Error().Err(err).Msg("Failed to finalize scan task")
		return nil, &storage.PersistenceError{Op: "finish task", Err: err}
	}
	metrics.Tasks.WithLabelValues(string(status)).Inc()

	if err := o.publisher.Publish(writeCtx, events.TopicTaskFinished, events.TaskFinished{
		TaskID:          id,
		Status:          string(status),
		ScannedHosts:    scanned,
		SuccessfulHosts: successful,
		Error:           msg,
	}); err != nil {
		log.Debug().Err(err).Msg("Failed to publish task event")
	}

	ev := log.Info()
	if status == model.TaskFailed {
		ev = log.Warn().Err(cause)
	}
	ev.Str("status", string(status)).Int("scanned", scanned).Int("successful", successful).Msg("Scan task finished")

	return o.Status(writeCtx, id)
}

// RecoverInterrupted fails tasks left running by a previous process. With a
// lease configured, tasks still leased by another instance are skipped.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	running, err := o.tasks.ListByStatus(ctx, model.TaskRunning)
	if err != nil {
		return 0, &storage.PersistenceError{Op: "list running tasks", Err: err}
	}

	recovered := 0
	for _, t := range running {
		if o.lease != nil {
			ok, err := o.lease.Acquire(ctx, "task:"+t.ID, o.leaseTTL)
			if err != nil {
				return recovered, err
			}
			if !ok {
				continue
			}
		}
		err := o.tasks.Finish(ctx, t.ID, model.TaskFailed, t.ScannedHosts, t.SuccessfulHosts, "interrupted", o.now())
		if o.lease != nil {
			_ = o.lease.Release(ctx, "task:"+t.ID)
		}
		if err != nil {
			return recovered, &storage.PersistenceError{Op: "recover task", Err: err}
		}
		metrics.Tasks.WithLabelValues(string(model.TaskFailed)).Inc()
		o.logger.Warn().Str("task_id", t.ID).Msg("Marked interrupted scan task as failed")
		recovered++
	}
	return recovered, nil
}
