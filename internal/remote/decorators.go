package remote

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/user/fleetscan/internal/metrics"
	"github.com/user/fleetscan/internal/model"
)

// RateLimited throttles session opens across all workers so a large roster
// does not flood domain controllers with authentications.
type RateLimited struct {
	next    Dialer
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket of r opens per second.
// A non-positive r disables limiting.
func NewRateLimited(next Dialer, r float64, burst int) Dialer {
	if r <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

// Open waits for a token and then opens the session.
func (d *RateLimited) Open(ctx context.Context, host string, cred model.Credential) (Session, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Host: host, Op: "connect", Err: err}
	}
	return d.next.Open(ctx, host, cred)
}

// Instrumented records open failures and the number of live sessions.
type Instrumented struct {
	next Dialer
}

// NewInstrumented wraps next with session metrics.
func NewInstrumented(next Dialer) *Instrumented {
	return &Instrumented{next: next}
}

// Open opens the session and counts it as active until closed.
func (d *Instrumented) Open(ctx context.Context, host string, cred model.Credential) (Session, error) {
	s, err := d.next.Open(ctx, host, cred)
	if err != nil {
		metrics.SessionOpenFailures.Inc()
		return nil, err
	}
	metrics.ActiveSessions.Inc()
	return &instrumentedSession{Session: s}, nil
}

type instrumentedSession struct {
	Session
	once sync.Once
}

func (s *instrumentedSession) Close() error {
	s.once.Do(metrics.ActiveSessions.Dec)
	return s.Session.Close()
}
