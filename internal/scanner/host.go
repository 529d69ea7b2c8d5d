// Package scanner runs host scans and drives scan tasks across the fleet.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/user/fleetscan/internal/collector"
	"github.com/user/fleetscan/internal/events"
	"github.com/user/fleetscan/internal/metrics"
	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/normalize"
	"github.com/user/fleetscan/internal/reconcile"
	"github.com/user/fleetscan/internal/storage"
)

// CredentialSource resolves the identity used to reach a host.
type CredentialSource interface {
	Resolve(ctx context.Context, hostname string) (model.Credential, error)
}

// Collector gathers raw inventory from one host.
type Collector interface {
	Collect(ctx context.Context, hostname string, cred model.Credential, mode model.ScanMode, since time.Time) collector.Result
}

// HostOutcome is the result of scanning one host.
type HostOutcome struct {
	Hostname string
	Status   model.CheckStatus
	Mode     model.ScanMode
	Changes  int
	Err      error
}

// Successful reports whether collection and reconciliation both fully succeeded.
func (o HostOutcome) Successful() bool {
	return o.Status == model.StatusSuccess
}

// HostScanner runs the collect, normalize and reconcile pipeline for one host.
type HostScanner struct {
	db          *storage.DB
	hosts       *storage.HostStorage
	credentials CredentialSource
	collector   Collector
	normalizer  *normalize.Normalizer
	engine      *reconcile.Engine
	publisher   events.Publisher
	logger      zerolog.Logger

	hostTimeout    time.Duration
	fullScanMaxAge time.Duration
	now            func() time.Time
}

// HostScannerConfig holds the tunables of a HostScanner.
type HostScannerConfig struct {
	HostTimeout    time.Duration
	FullScanMaxAge time.Duration
}

// NewHostScanner wires a host scanner. A nil publisher discards events.
func NewHostScanner(db *storage.DB, creds CredentialSource, c Collector, publisher events.Publisher,
	cfg HostScannerConfig, logger zerolog.Logger) *HostScanner {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &HostScanner{
		db:             db,
		hosts:          storage.NewHostStorage(db),
		credentials:    creds,
		collector:      c,
		normalizer:     normalize.New(logger),
		engine:         reconcile.NewEngine(logger),
		publisher:      publisher,
		logger:         logger,
		hostTimeout:    cfg.HostTimeout,
		fullScanMaxAge: cfg.FullScanMaxAge,
		now:            time.Now,
	}
}

// Scan inventories hostname and records the outcome on its host row. It never
// returns an error; failures become the outcome's status.
func (s *HostScanner) Scan(ctx context.Context, hostname string) HostOutcome {
	start := time.Now()
	out := s.scan(ctx, hostname)

	metrics.HostScans.WithLabelValues(string(out.Status)).Inc()
	metrics.HostScanDuration.Observe(time.Since(start).Seconds())

	ev := events.HostScanned{
		TaskID:   taskIDFrom(ctx),
		Hostname: hostname,
		Status:   string(out.Status),
		Mode:     string(out.Mode),
		Changes:  out.Changes,
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), events.TopicHostScanned, ev); err != nil {
		s.logger.Debug().Err(err).Str("host", hostname).Msg("Failed to publish host event")
	}
	return out
}

func (s *HostScanner) scan(ctx context.Context, hostname string) HostOutcome {
	log := s.logger.With().Str("host", hostname).Logger()
	out := HostOutcome{Hostname: hostname}

	if s.hostTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.hostTimeout)
		defer cancel()
	}

	history, err := s.hosts.History(ctx, hostname)
	if err != nil {
		return s.fail(ctx, out, model.StatusFailed, &storage.PersistenceError{Op: "read host history", Err: err})
	}
	mode, since := DecideMode(history, s.now(), s.fullScanMaxAge)
	out.Mode = mode

	cred, err := s.credentials.Resolve(ctx, hostname)
	if err != nil {
		return s.fail(ctx, out, model.StatusFailed, err)
	}

	// Changes made while the scripts run must fall after the next cutoff.
	cutoff := s.now()
	res := s.collector.Collect(ctx, hostname, cred, mode, since)
	if res.Status == model.StatusUnreachable || res.Status == model.StatusFailed {
		return s.fail(ctx, out, res.Status, res.Err)
	}

	snap := s.normalizer.Normalize(res.Raw)
	if snap.Rejected > 0 {
		log.Warn().Int("rejected", snap.Rejected).Msg("Dropped invalid items")
	}

	now := s.now()
	var report *reconcile.Report
	status := model.StatusSuccess
	err = s.db.WithTx(ctx, func(tx *storage.Tx) error {
		hostID, err := tx.EnsureHost(ctx, hostname, now)
		if err != nil {
			return err
		}
		if snap.Facts != nil {
			if err := tx.UpdateFacts(ctx, hostID, *snap.Facts); err != nil {
				return err
			}
		}

		report, err = s.engine.Apply(ctx, tx, hostID, snap, now)
		if err != nil {
			return err
		}

		outcome := storage.ScanOutcome{Status: model.StatusSuccess}
		if report.Partial() {
			status = model.StatusPartiallySuccessful
			outcome.Status = status
			outcome.Error = partialCause(report)
		}
		sw, collected := snap.Categories[model.CategorySoftware]
		_, swFailed := report.Failed[model.CategorySoftware]
		if collected && !swFailed {
			// The incremental cutoff only moves once software changes are stored.
			outcome.LastUpdated = &cutoff
			if mode == model.ScanFull && !sw.Partial {
				outcome.LastFullScan = &cutoff
			}
		}
		return tx.RecordScan(ctx, hostID, outcome)
	})
	if err != nil {
		var pe *storage.PersistenceError
		if !errors.As(err, &pe) {
			err = &storage.PersistenceError{Op: "reconcile host", Err: err}
		}
		return s.fail(ctx, out, model.StatusFailed, err)
	}

	out.Status = status
	out.Changes = report.Changes()
	if status == model.StatusPartiallySuccessful {
		out.Err = errors.New(partialCause(report))
	}
	log.Info().
		Str("status", string(status)).
		Str("mode", string(mode)).
		Int("changes", out.Changes).
		Msg("Host scanned")
	return out
}

// fail records a failed scan on the host row. The write uses a detached
// context so a cancelled run still leaves an accurate status behind.
func (s *HostScanner) fail(ctx context.Context, out HostOutcome, status model.CheckStatus, cause error) HostOutcome {
	if cause == nil {
		cause = fmt.Errorf("host scan %s", status)
	}
	out.Status = status
	out.Err = cause

	s.logger.Warn().Err(cause).Str("host", out.Hostname).Str("status", string(status)).Msg("Host scan failed")

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.hosts.RecordFailure(writeCtx, out.Hostname, status, cause.Error(), s.now()); err != nil {
		s.logger.Error().Err(err).Str("host", out.Hostname).Msg("Failed to record scan failure")
	}
	return out
}

func partialCause(r *reconcile.Report) string {
	cats := make([]string, 0, len(r.Failed))
	for _, c := range model.Categories {
		if _, ok := r.Failed[c]; ok {
			cats = append(cats, string(c))
		}
	}
	return fmt.Sprintf("reconciliation failed for %v", cats)
}
