package collector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/remote"
	"github.com/user/fleetscan/internal/scripts"
)

type mapScripts map[string]string

func (m mapScripts) Get(name string) (string, error) {
	if s, ok := m[name]; ok {
		return s, nil
	}
	return "", scripts.ErrNotFound
}

var allScripts = mapScripts{
	scripts.Hardware:            "#hardware",
	scripts.Disks:               "#disks",
	scripts.SoftwareFull:        "#software_full",
	scripts.SoftwareIncremental: "#software_incremental",
	scripts.Roles:               "#roles",
}

type reply struct {
	res remote.Result
	err error
}

// fakeSession answers by the script marker on the last line of the command.
type fakeSession struct {
	replies map[string]reply
	ran     []string
	closed  bool
}

func (s *fakeSession) Run(_ context.Context, script string) (remote.Result, error) {
	lines := strings.Split(script, "\n")
	name := strings.TrimPrefix(lines[len(lines)-1], "#")
	s.ran = append(s.ran, script)
	r, ok := s.replies[name]
	if !ok {
		return remote.Result{}, nil
	}
	return r.res, r.err
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func ok(stdout string) reply { return reply{res: remote.Result{Stdout: []byte(stdout)}} }

func newCollector(t *testing.T, s *fakeSession, openErr error) *Collector {
	t.Helper()
	dec, err := NewDecoder("windows-1252")
	require.NoError(t, err)
	dialer := remote.DialerFunc(func(context.Context, string, model.Credential) (remote.Session, error) {
		if openErr != nil {
			return nil, openErr
		}
		return s, nil
	})
	return New(dialer, allScripts, dec, zerolog.Nop())
}

const workstationHW = `{"os_name":"Microsoft Windows 11 Pro","ip_addresses":[{"address":"10.0.0.5"}],"mac_addresses":[]}`
const serverHW = `{"os_name":"Microsoft Windows Server 2022 Standard","processors":{"device_id":"CPU0","name":"Xeon"}}`

func TestCollectWorkstationFull(t *testing.T) {
	s := &fakeSession{replies: map[string]reply{
		scripts.Hardware:     ok(workstationHW),
		scripts.Disks:        ok(`{"physical_disks":{"serial_number":"S1","model":"X"}}`),
		scripts.SoftwareFull: ok(`[{"name":"7-Zip","version":"23.01"}]`),
	}}
	c := newCollector(t, s, nil)

	res := c.Collect(context.Background(), "ws01", model.Credential{}, model.ScanFull, time.Time{})

	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.NoError(t, res.Err)
	assert.Len(t, res.Steps, 3, "roles are skipped on workstations")
	assert.True(t, res.Raw.HasSoftware)
	assert.False(t, res.Raw.HasRoles)
	assert.NotNil(t, res.Raw.Disks)
	assert.True(t, s.closed)
}

func TestCollectServerRunsRoles(t *testing.T) {
	s := &fakeSession{replies: map[string]reply{
		scripts.Hardware: ok(serverHW),
		scripts.Roles:    ok(`[{"name":"AD-Domain-Services"}]`),
	}}
	c := newCollector(t, s, nil)

	res := c.Collect(context.Background(), "srv01", model.Credential{}, model.ScanFull, time.Time{})

	assert.Equal(t, model.StatusSuccess, res.Status)
	require.Len(t, res.Steps, 4)
	assert.Equal(t, scripts.Roles, res.Steps[3].Script)
	assert.True(t, res.Raw.HasRoles)
	// Empty full software output is not a usable listing.
	assert.False(t, res.Raw.HasSoftware)
}

func TestCollectIncrementalPrefixesSince(t *testing.T) {
	s := &fakeSession{replies: map[string]reply{
		scripts.Hardware: ok(workstationHW),
	}}
	c := newCollector(t, s, nil)
	since := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)

	res := c.Collect(context.Background(), "ws01", model.Credential{}, model.ScanIncremental, since)

	require.Len(t, s.ran, 3)
	assert.Equal(t, "$Since = '2026-05-01T08:30:00Z'\n#software_incremental", s.ran[2])
	assert.True(t, res.Raw.HasSoftware, "empty incremental output means no changes")
	assert.Nil(t, res.Raw.Software)
	assert.Equal(t, model.StatusSuccess, res.Status)
}

func TestCollectOpenFailureIsUnreachable(t *testing.T) {
	c := newCollector(t, &fakeSession{}, errors.New("dial tcp: i/o timeout"))

	res := c.Collect(context.Background(), "ws01", model.Credential{}, model.ScanFull, time.Time{})

	assert.Equal(t, model.StatusUnreachable, res.Status)
	var te *remote.TransportError
	assert.ErrorAs(t, res.Err, &te)
	assert.Nil(t, res.Raw)
}

func TestCollectTransportErrorAbortsRemainingSteps(t *testing.T) {
	s := &fakeSession{replies: map[string]reply{
		scripts.Hardware: {err: &remote.TransportError{Host: "ws01", Op: "run", Err: errors.New("connection reset")}},
	}}
	c := newCollector(t, s, nil)

	res := c.Collect(context.Background(), "ws01", model.Credential{}, model.ScanFull, time.Time{})

	assert.Len(t, res.Steps, 1)
	assert.Equal(t, model.StatusUnreachable, res.Status)
}

func TestCollectCommandErrorContinues(t *testing.T) {
	s := &fakeSession{replies: map[string]reply{
		scripts.Hardware:     ok(workstationHW),
		scripts.Disks:        {res: remote.Result{ExitCode: 1, Stderr: []byte("Access denied\n")}},
		scripts.SoftwareFull: ok(`not json`),
	}}
	c := newCollector(t, s, nil)

	res := c.Collect(context.Background(), "ws01", model.Credential{}, model.ScanFull, time.Time{})

	require.Len(t, res.Steps, 3)
	var ce *remote.CommandError
	require.ErrorAs(t, res.Steps[1].Err, &ce)
	assert.Equal(t, "Access denied", ce.Stderr)
	var pe *ParseError
	assert.ErrorAs(t, res.Steps[2].Err, &pe)
	assert.Equal(t, model.StatusSuccess, res.Status, "IP data is a core signal")
}

func TestCollectMissingScriptFails(t *testing.T) {
	s := &fakeSession{replies: map[string]reply{}}
	dec, err := NewDecoder("")
	require.NoError(t, err)
	c := New(remote.DialerFunc(func(context.Context, string, model.Credential) (remote.Session, error) {
		return s, nil
	}), mapScripts{}, dec, zerolog.Nop())

	res := c.Collect(context.Background(), "ws01", model.Credential{}, model.ScanFull, time.Time{})

	assert.Equal(t, model.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, scripts.ErrNotFound)
	assert.Empty(t, s.ran)
}

func TestClassify(t *testing.T) {
	transport := &remote.TransportError{Host: "h", Op: "run", Err: errors.New("reset")}
	command := &remote.CommandError{Host: "h", Script: "disks", ExitCode: 1}
	withIP := &RawSnapshot{Hardware: map[string]any{"ip_addresses": []any{map[string]any{"address": "10.0.0.1"}}}}
	withDisk := &RawSnapshot{Disks: map[string]any{"physical_disks": map[string]any{"serial_number": "S"}}}
	empty := &RawSnapshot{Hardware: map[string]any{"ip_addresses": []any{}}}

	tests := []struct {
		name   string
		opened bool
		steps  []StepResult
		raw    *RawSnapshot
		want   model.CheckStatus
	}{
		{"open failed", false, []StepResult{{Err: transport}}, nil, model.StatusUnreachable},
		{"core signal", true, []StepResult{{}}, withIP, model.StatusSuccess},
		{"core signal despite errors", true, []StepResult{{}, {Err: command}, {Err: transport}}, withDisk, model.StatusSuccess},
		{"transport without data", true, []StepResult{{Err: transport}}, empty, model.StatusUnreachable},
		{"command without data", true, []StepResult{{}, {Err: command}}, empty, model.StatusFailed},
		{"nothing collected", true, []StepResult{{Empty: true}}, empty, model.StatusUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Classify(tt.opened, tt.steps, tt.raw)
			assert.Equal(t, tt.want, got)
		})
	}
}
