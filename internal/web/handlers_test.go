package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/scanner"
	"github.com/user/fleetscan/internal/storage"
)

type fakeTasks map[string]*model.ScanTask

func (f fakeTasks) Status(_ context.Context, id string) (*model.ScanTask, error) {
	if id == "broken" {
		return nil, errors.New("database is locked")
	}
	t, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scanner.ErrTaskNotFound, id)
	}
	return t, nil
}

type fakeHosts map[string]int

func (f fakeHosts) CountByStatus(context.Context) (map[string]int, error) {
	return f, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	tasks := fakeTasks{
		"t-1": {ID: "t-1", Status: model.TaskCompleted, ScannedHosts: 10, SuccessfulHosts: 8},
		"t-2": {ID: "t-2", Status: model.TaskFailed, ScannedHosts: 3, Error: "scan cancelled: context canceled"},
	}
	srv := NewServer(tasks, fakeHosts{"success": 8, "unreachable": 2}, t.TempDir(), 0)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func TestGetTask(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		id         string
		wantStatus int
		want       TaskResponse
	}{
		{id: "t-1", wantStatus: http.StatusOK, want: TaskResponse{ID: "t-1", Status: model.TaskCompleted, ScannedHosts: 10, SuccessfulHosts: 8}},
		{id: "t-2", wantStatus: http.StatusOK, want: TaskResponse{ID: "t-2", Status: model.TaskFailed, ScannedHosts: 3, Error: "scan cancelled: context canceled"}},
		{id: "nope", wantStatus: http.StatusNotFound},
		{id: "broken", wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/api/tasks/" + tt.id)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got TaskResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealthzAndStatus(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Running   bool           `json:"running"`
		Hosts     map[string]int `json:"hosts"`
		HostCount int            `json:"host_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Running)
	assert.Equal(t, 10, body.HostCount)
	assert.Equal(t, 2, body.Hosts["unreachable"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTaskRouteRejectsPost(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/tasks/t-1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStoredTasks(t *testing.T) {
	db, err := storage.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	tasks := storage.NewTaskStorage(db)
	_, err = tasks.Create(ctx, "t-9", "", time.Now())
	require.NoError(t, err)

	src := StoredTasks{Tasks: tasks}
	got, err := src.Status(ctx, "t-9")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)

	_, err = src.Status(ctx, "missing")
	assert.ErrorIs(t, err, scanner.ErrTaskNotFound)
}
