package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/fleetscan/internal/model"
)

const hostColumns = `id, hostname, os_name, os_version, manufacturer, model, serial_number,
	ram_bytes, check_status, last_error, last_updated, last_full_scan, created_at`

// HostStorage handles host roster persistence.
type HostStorage struct {
	db *DB
}

// NewHostStorage creates a new host storage handler.
func NewHostStorage(db *DB) *HostStorage {
	return &HostStorage{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (*model.Host, error) {
	var (
		h                        model.Host
		status                   string
		lastUpdated, lastFullRun sql.NullString
		createdAt                string
	)
	if err := row.Scan(&h.ID, &h.Hostname, &h.OSName, &h.OSVersion, &h.Manufacturer, &h.Model,
		&h.SerialNumber, &h.RAMBytes, &status, &h.LastError, &lastUpdated, &lastFullRun, &createdAt); err != nil {
		return nil, err
	}
	h.CheckStatus = model.CheckStatus(status)
	h.LastUpdated = parseTimePtr(lastUpdated)
	h.LastFullScan = parseTimePtr(lastFullRun)
	h.CreatedAt = parseTime(createdAt)
	return &h, nil
}

func (r runner) hostByName(ctx context.Context, hostname string) (*model.Host, error) {
	h, err := scanHost(r.queryRow(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE hostname_key = ?`, model.HostKey(hostname)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host %s: %w", hostname, err)
	}
	return h, nil
}

func (r runner) ensureHost(ctx context.Context, hostname string, now time.Time) (int64, error) {
	_, err := r.exec(ctx,
		`INSERT INTO hosts (hostname, hostname_key, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(hostname_key) DO NOTHING`,
		hostname, model.HostKey(hostname), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to insert host %s: %w", hostname, err)
	}

	var id int64
	if err := r.queryRow(ctx, `SELECT id FROM hosts WHERE hostname_key = ?`, model.HostKey(hostname)).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get host id %s: %w", hostname, err)
	}
	return id, nil
}

// GetByName returns a host by case-insensitive hostname, or nil if absent.
func (s *HostStorage) GetByName(ctx context.Context, hostname string) (*model.Host, error) {
	return s.db.runner().hostByName(ctx, hostname)
}

// Add registers a host in the roster. Adding an existing host is a no-op.
func (s *HostStorage) Add(ctx context.Context, hostname string) (*model.Host, error) {
	if _, err := s.db.runner().ensureHost(ctx, hostname, time.Now()); err != nil {
		return nil, err
	}
	return s.GetByName(ctx, hostname)
}

// SetCheckStatus sets a host's status directly. It is used to disable or
// re-enable hosts in the roster.
func (s *HostStorage) SetCheckStatus(ctx context.Context, hostname string, status model.CheckStatus) error {
	res, err := s.db.runner().exec(ctx,
		`UPDATE hosts SET check_status = ? WHERE hostname_key = ?`, string(status), model.HostKey(hostname))
	if err != nil {
		return fmt.Errorf("failed to update host status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("host %s not found", hostname)
	}
	return nil
}

// List returns every host ordered by hostname.
func (s *HostStorage) List(ctx context.Context) ([]model.Host, error) {
	return s.list(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY hostname_key`)
}

// ListScannable returns the scan roster: hosts that are neither disabled nor
// deleted.
func (s *HostStorage) ListScannable(ctx context.Context) ([]model.Host, error) {
	return s.list(ctx, `SELECT `+hostColumns+` FROM hosts
		WHERE check_status NOT IN (?, ?) ORDER BY hostname_key`,
		string(model.StatusDisabled), string(model.StatusDeleted))
}

func (s *HostStorage) list(ctx context.Context, query string, args ...any) ([]model.Host, error) {
	rows, err := s.db.runner().query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hosts: %w", err)
	}
	defer rows.Close()

	var hosts []model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

// CountByStatus returns the number of hosts per check status. Hosts that were
// never scanned are reported as "unknown".
func (s *HostStorage) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.runner().query(ctx, `SELECT check_status, COUNT(*) FROM hosts GROUP BY check_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count hosts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan host count: %w", err)
		}
		if status == "" {
			status = "unknown"
		}
		counts[status] += n
	}
	return counts, rows.Err()
}

// HostHistory is the scan history used to pick a scan mode.
type HostHistory struct {
	Known         bool
	LastUpdated   *time.Time
	LastFullScan  *time.Time
	SoftwareCount int
}

// History returns the scan history of a host. Unknown hosts report Known=false.
func (s *HostStorage) History(ctx context.Context, hostname string) (HostHistory, error) {
	r := s.db.runner()
	h, err := r.hostByName(ctx, hostname)
	if err != nil || h == nil {
		return HostHistory{}, err
	}

	var count int
	if err := r.queryRow(ctx,
		`SELECT COUNT(*) FROM software_installations WHERE host_id = ?`, h.ID).Scan(&count); err != nil {
		return HostHistory{}, fmt.Errorf("failed to count software: %w", err)
	}

	return HostHistory{
		Known:         true,
		LastUpdated:   h.LastUpdated,
		LastFullScan:  h.LastFullScan,
		SoftwareCount: count,
	}, nil
}

// EnsureHost returns the id of hostname, creating the row on first sight.
func (tx *Tx) EnsureHost(ctx context.Context, hostname string, now time.Time) (int64, error) {
	return tx.ensureHost(ctx, hostname, now)
}

// UpdateFacts overwrites the scalar facts gathered by the hardware script.
func (tx *Tx) UpdateFacts(ctx context.Context, hostID int64, f model.HostFacts) error {
	_, err := tx.exec(ctx,
		`UPDATE hosts SET os_name = ?, os_version = ?, manufacturer = ?, model = ?,
			serial_number = ?, ram_bytes = ? WHERE id = ?`,
		f.OSName, f.OSVersion, f.Manufacturer, f.Model, f.SerialNumber, f.RAMBytes, hostID)
	if err != nil {
		return fmt.Errorf("failed to update host facts: %w", err)
	}
	return nil
}

// ScanOutcome is what a finished host scan records on the host row.
type ScanOutcome struct {
	Status       model.CheckStatus
	Error        string
	LastUpdated  *time.Time
	LastFullScan *time.Time
}

// RecordScan stores a scan outcome. Nil timestamps leave the stored values
// untouched. A disabled or deleted host keeps its status so an explicit scan
// never returns it to the roster.
func (tx *Tx) RecordScan(ctx context.Context, hostID int64, o ScanOutcome) error {
	return tx.recordScan(ctx, hostID, o)
}

func (r runner) recordScan(ctx context.Context, hostID int64, o ScanOutcome) error {
	_, err := r.exec(ctx,
		`UPDATE hosts SET check_status = CASE WHEN check_status IN ('disabled', 'deleted')
				THEN check_status ELSE ? END,
			last_error = ?,
			last_updated = COALESCE(?, last_updated),
			last_full_scan = COALESCE(?, last_full_scan)
		 WHERE id = ?`,
		string(o.Status), o.Error, formatTimePtr(o.LastUpdated), formatTimePtr(o.LastFullScan), hostID)
	if err != nil {
		return fmt.Errorf("failed to record scan outcome: %w", err)
	}
	return nil
}

// RecordFailure records a failed scan outside any reconciliation, creating
// the host if needed.
func (s *HostStorage) RecordFailure(ctx context.Context, hostname string, status model.CheckStatus, cause string, now time.Time) error {
	return s.db.WithTx(ctx, func(tx *Tx) error {
		id, err := tx.EnsureHost(ctx, hostname, now)
		if err != nil {
			return err
		}
		return tx.RecordScan(ctx, id, ScanOutcome{Status: status, Error: cause})
	})
}
