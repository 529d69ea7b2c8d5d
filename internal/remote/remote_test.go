package remote

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/fleetscan/internal/metrics"
	"github.com/user/fleetscan/internal/model"
)

type nopSession struct{ closed atomic.Int32 }

func (s *nopSession) Run(context.Context, string) (Result, error) { return Result{}, nil }
func (s *nopSession) Close() error {
	s.closed.Add(1)
	return nil
}

func TestTransportErrorUnwrap(t *testing.T) {
	base := errors.New("connection refused")
	err := error(&TransportError{Host: "h1", Op: "connect", Err: base})

	assert.ErrorIs(t, err, base)
	assert.Equal(t, "connect h1: connection refused", err.Error())

	var te *TransportError
	assert.True(t, errors.As(err, &te))
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{Host: "h1", Script: "disks", ExitCode: 1, Stderr: "access denied"}
	assert.Equal(t, "script disks on h1 exited with code 1: access denied", err.Error())
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "srv01.corp.local:5985", Endpoint("srv01.corp.local", 5985))
	assert.Equal(t, "[::1]:22", Endpoint("::1", 22))
}

func TestRateLimitedDisabled(t *testing.T) {
	d := DialerFunc(func(context.Context, string, model.Credential) (Session, error) { return &nopSession{}, nil })
	_, ok := NewRateLimited(d, 0, 1).(DialerFunc)
	assert.True(t, ok)
}

func TestRateLimitedCancelled(t *testing.T) {
	var opens atomic.Int32
	d := DialerFunc(func(context.Context, string, model.Credential) (Session, error) {
		opens.Add(1)
		return &nopSession{}, nil
	})
	limited := NewRateLimited(d, 0.001, 1)

	_, err := limited.Open(context.Background(), "h1", model.Credential{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.Open(ctx, "h2", model.Credential{})

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "h2", te.Host)
	assert.Equal(t, int32(1), opens.Load())
}

func TestInstrumentedTracksActiveSessions(t *testing.T) {
	inner := &nopSession{}
	d := NewInstrumented(DialerFunc(func(context.Context, string, model.Credential) (Session, error) {
		return inner, nil
	}))

	before := testutil.ToFloat64(metrics.ActiveSessions)
	s, err := d.Open(context.Background(), "h1", model.Credential{})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ActiveSessions))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, before, testutil.ToFloat64(metrics.ActiveSessions))
	assert.Equal(t, int32(2), inner.closed.Load())
}

func TestInstrumentedCountsFailures(t *testing.T) {
	d := NewInstrumented(DialerFunc(func(ctx context.Context, host string, _ model.Credential) (Session, error) {
		return nil, &TransportError{Host: host, Op: "connect", Err: errors.New("timeout")}
	}))

	before := testutil.ToFloat64(metrics.SessionOpenFailures)
	_, err := d.Open(context.Background(), "h1", model.Credential{})
	assert.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SessionOpenFailures))
}

func TestAwaitShellReturnsCreatedShell(t *testing.T) {
	s := &nopSession{}
	got, err := awaitShell(context.Background(), func() (*nopSession, error) { return s, nil })
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, int32(0), s.closed.Load())
}

func TestAwaitShellClosesLateShell(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	s := &nopSession{}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := awaitShell(ctx, func() (*nopSession, error) {
		<-release
		return s, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.Eventually(t, func() bool { return s.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAwaitShellCreateError(t *testing.T) {
	_, err := awaitShell(context.Background(), func() (*nopSession, error) {
		return nil, errors.New("401 unauthorized")
	})
	assert.EqualError(t, err, "401 unauthorized")
}
