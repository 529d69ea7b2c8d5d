package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/fleetscan/internal/collector"
	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/remote"
	"github.com/user/fleetscan/internal/scripts"
	"github.com/user/fleetscan/internal/storage"
)

type scriptText map[string]string

func (m scriptText) Get(name string) (string, error) {
	if s, ok := m[name]; ok {
		return s, nil
	}
	return "", scripts.ErrNotFound
}

var markerScripts = scriptText{
	scripts.Hardware:            "#hardware",
	scripts.Disks:               "#disks",
	scripts.SoftwareFull:        "#software_full",
	scripts.SoftwareIncremental: "#software_incremental",
	scripts.Roles:               "#roles",
}

// countingDialer hands out sessions that take delay per script and records
// how many are open at once. Hosts in down refuse connections.
type countingDialer struct {
	delay time.Duration
	down  map[string]bool

	mu      sync.Mutex
	live    int
	maxLive int
	opened  int
	closed  int
}

func (d *countingDialer) Open(_ context.Context, host string, _ model.Credential) (remote.Session, error) {
	if d.down[host] {
		return nil, &remote.TransportError{Host: host, Op: "connect", Err: errors.New("connection refused")}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live++
	d.opened++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	return &countedSession{dialer: d, host: host}, nil
}

func (d *countingDialer) stats() (maxLive, opened, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive, d.opened, d.closed
}

type countedSession struct {
	dialer *countingDialer
	host   string
	once   sync.Once
}

func (s *countedSession) Run(ctx context.Context, script string) (remote.Result, error) {
	select {
	case <-time.After(s.dialer.delay):
	case <-ctx.Done():
		return remote.Result{}, &remote.TransportError{Host: s.host, Op: "run", Err: ctx.Err()}
	}

	lines := strings.Split(script, "\n")
	switch strings.TrimPrefix(lines[len(lines)-1], "#") {
	case scripts.Hardware:
		return remote.Result{Stdout: []byte(`{"os_name":"Microsoft Windows 11 Pro","ip_addresses":[{"address":"10.0.0.5"}]}`)}, nil
	case scripts.SoftwareFull:
		return remote.Result{Stdout: []byte(`[{"name":"Git","version":"2.44.0"}]`)}, nil
	}
	return remote.Result{}, nil
}

func (s *countedSession) Close() error {
	s.once.Do(func() {
		s.dialer.mu.Lock()
		s.dialer.live--
		s.dialer.closed++
		s.dialer.mu.Unlock()
	})
	return nil
}

func newPipeline(t *testing.T, db *storage.DB, dialer remote.Dialer, workers int) *Orchestrator {
	t.Helper()
	dec, err := collector.NewDecoder("windows-1252")
	require.NoError(t, err)
	coll := collector.New(dialer, markerScripts, dec, zerolog.Nop())
	hs := newHostScanner(db, staticCreds{}, coll)
	return NewOrchestrator(storage.NewTaskStorage(db), storage.NewHostStorage(db), hs, Config{MaxWorkers: workers}, zerolog.Nop())
}

func addHosts(t *testing.T, db *storage.DB, names ...string) {
	t.Helper()
	hosts := storage.NewHostStorage(db)
	for _, name := range names {
		_, err := hosts.Add(context.Background(), name)
		require.NoError(t, err)
	}
}

func TestPipelineBoundsLiveSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	names := hostNames(10)
	addHosts(t, db, names...)

	const delay = 10 * time.Millisecond
	dialer := &countingDialer{delay: delay}
	o := newPipeline(t, db, dialer, 2)

	task, err := o.Create(ctx, "", "")
	require.NoError(t, err)

	start := time.Now()
	done, err := o.Run(ctx, task.ID, "")
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, model.TaskCompleted, done.Status)
	assert.Equal(t, 10, done.ScannedHosts)
	assert.Equal(t, 10, done.SuccessfulHosts)

	// Each workstation runs hardware, disks and software: three scripts.
	perHost := 3 * delay
	assert.GreaterOrEqual(t, elapsed, 5*perHost)

	maxLive, opened, closed := dialer.stats()
	assert.LessOrEqual(t, maxLive, 2)
	assert.Equal(t, 10, opened)
	assert.Equal(t, opened, closed, "every session is closed")
}

func TestPipelineTransportErrorIsolated(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	addHosts(t, db, "up.corp.local", "down.corp.local")

	dialer := &countingDialer{delay: time.Millisecond, down: map[string]bool{"down.corp.local": true}}
	o := newPipeline(t, db, dialer, 2)

	task, err := o.Create(ctx, "", "")
	require.NoError(t, err)
	done, err := o.Run(ctx, task.ID, "")
	require.NoError(t, err)

	assert.Equal(t, model.TaskCompleted, done.Status)
	assert.Equal(t, 2, done.ScannedHosts)
	assert.Equal(t, 1, done.SuccessfulHosts)

	hosts := storage.NewHostStorage(db)
	up, err := hosts.GetByName(ctx, "up.corp.local")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, up.CheckStatus)
	assert.Empty(t, up.LastError)

	down, err := hosts.GetByName(ctx, "down.corp.local")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnreachable, down.CheckStatus)
	assert.Contains(t, down.LastError, "connection refused")

	sw, err := storage.NewSoftwareStorage(db).ListByHost(ctx, up.ID, true)
	require.NoError(t, err)
	assert.Len(t, sw, 1)
}
