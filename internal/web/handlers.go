package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/user/fleetscan/internal/daemon"
	"github.com/user/fleetscan/internal/metrics"
	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/scanner"
	"github.com/user/fleetscan/internal/storage"
	"github.com/user/fleetscan/internal/util"
)

// TaskSource reads scan task state.
type TaskSource interface {
	Status(ctx context.Context, id string) (*model.ScanTask, error)
}

// StoredTasks reads tasks straight from storage for servers running without
// an orchestrator.
type StoredTasks struct {
	Tasks *storage.TaskStorage
}

// Status returns the task or scanner.ErrTaskNotFound.
func (s StoredTasks) Status(ctx context.Context, id string) (*model.ScanTask, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", scanner.ErrTaskNotFound, id)
	}
	return task, nil
}

// Handlers contains HTTP handlers.
type Handlers struct {
	tasks   TaskSource
	hosts   metrics.HostCounter
	dataDir string
}

// NewHandlers creates new handlers.
func NewHandlers(tasks TaskSource, hosts metrics.HostCounter, dataDir string) *Handlers {
	return &Handlers{
		tasks:   tasks,
		hosts:   hosts,
		dataDir: dataDir,
	}
}

// TaskResponse is the task status payload.
type TaskResponse struct {
	ID              string           `json:"id"`
	Status          model.TaskStatus `json:"status"`
	ScannedHosts    int              `json:"scanned_hosts"`
	SuccessfulHosts int              `json:"successful_hosts"`
	Error           string           `json:"error,omitempty"`
}

// Healthz reports liveness.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// APIGetTask returns the status of one scan task.
func (h *Handlers) APIGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Status(r.Context(), r.PathValue("id"))
	if errors.Is(err, scanner.ErrTaskNotFound) {
		writeError(w, err, http.StatusNotFound)
		return
	}
	if err != nil {
		util.Error("Failed to read task: %v", err)
		writeError(w, err, http.StatusInternalServerError)
		return
	}

	writeJSON(w, TaskResponse{
		ID:              task.ID,
		Status:          task.Status,
		ScannedHosts:    task.ScannedHosts,
		SuccessfulHosts: task.SuccessfulHosts,
		Error:           task.Error,
	})
}

// APIGetStatus returns daemon state and host counts by check status.
func (h *Handlers) APIGetStatus(w http.ResponseWriter, r *http.Request) {
	running, pid := daemon.CheckRunning(h.dataDir)

	status := map[string]interface{}{
		"running": running,
		"pid":     pid,
	}

	if counts, err := h.hosts.CountByStatus(r.Context()); err == nil {
		total := 0
		for _, n := range counts {
			total += n
		}
		status["hosts"] = counts
		status["host_count"] = total
	}

	writeJSON(w, status)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
