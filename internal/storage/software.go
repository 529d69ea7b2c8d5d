package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/fleetscan/internal/model"
)

const installationColumns = `i.id, i.host_id, i.catalog_id, i.identity_key, c.name, c.version, c.publisher,
	i.install_date, i.detected_on, i.removed_on, i.updated_at`

func scanInstallation(row rowScanner) (*model.Installation, error) {
	var (
		in                  model.Installation
		detectedOn, updated string
		removedOn           sql.NullString
	)
	if err := row.Scan(&in.ID, &in.HostID, &in.CatalogID, &in.Key, &in.Name, &in.Version, &in.Publisher,
		&in.InstallDate, &detectedOn, &removedOn, &updated); err != nil {
		return nil, err
	}
	in.DetectedOn = parseTime(detectedOn)
	in.RemovedOn = parseTimePtr(removedOn)
	in.UpdatedAt = parseTime(updated)
	return &in, nil
}

func (r runner) listInstallations(ctx context.Context, query string, args ...any) ([]model.Installation, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query installations: %w", err)
	}
	defer rows.Close()

	var out []model.Installation
	for rows.Next() {
		in, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installation: %w", err)
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

// ListInstallations returns every installation of a host, active or removed,
// joined with its catalog entry.
func (tx *Tx) ListInstallations(ctx context.Context, hostID int64) ([]model.Installation, error) {
	return tx.listInstallations(ctx,
		`SELECT `+installationColumns+` FROM software_installations i
		 JOIN software_catalog c ON c.id = i.catalog_id
		 WHERE i.host_id = ? ORDER BY i.id`, hostID)
}

// CatalogEntry returns the id of the catalog entry for name and version,
// creating it if needed. Lookup is case-insensitive. A publisher fills in an
// entry that has none.
func (tx *Tx) CatalogEntry(ctx context.Context, name, version, publisher string) (int64, error) {
	nameKey := strings.ToLower(strings.TrimSpace(name))
	versionKey := strings.ToLower(strings.TrimSpace(version))

	id, existing, err := tx.findCatalogEntry(ctx, nameKey, versionKey)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		if existing == "" && publisher != "" {
			if _, err := tx.exec(ctx, `UPDATE software_catalog SET publisher = ? WHERE id = ?`, publisher, id); err != nil {
				return 0, fmt.Errorf("failed to update catalog publisher: %w", err)
			}
		}
		return id, nil
	}

	id, err = tx.insertID(ctx,
		`INSERT INTO software_catalog (name, version, publisher, name_key, version_key)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(name_key, version_key) DO NOTHING`,
		strings.TrimSpace(name), strings.TrimSpace(version), publisher, nameKey, versionKey)
	if errors.Is(err, sql.ErrNoRows) {
		// Another host created the entry concurrently.
		id, _, err = tx.findCatalogEntry(ctx, nameKey, versionKey)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create catalog entry %q %q: %w", name, version, err)
	}
	return id, nil
}

func (tx *Tx) findCatalogEntry(ctx context.Context, nameKey, versionKey string) (int64, string, error) {
	var (
		id        int64
		publisher string
	)
	err := tx.queryRow(ctx,
		`SELECT id, publisher FROM software_catalog WHERE name_key = ? AND version_key = ?`,
		nameKey, versionKey).Scan(&id, &publisher)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to look up catalog entry: %w", err)
	}
	return id, publisher, nil
}

// InsertInstallation links a host to a catalog entry and sets in.ID.
func (tx *Tx) InsertInstallation(ctx context.Context, in *model.Installation) error {
	id, err := tx.insertID(ctx,
		`INSERT INTO software_installations (host_id, catalog_id, identity_key, install_date, detected_on, removed_on, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.HostID, in.CatalogID, in.Key, in.InstallDate,
		formatTime(in.DetectedOn), formatTimePtr(in.RemovedOn), formatTime(in.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert installation %q: %w", in.Key, err)
	}
	in.ID = id
	return nil
}

// UpdateInstallation writes the install date, removal flag and update time.
func (tx *Tx) UpdateInstallation(ctx context.Context, in *model.Installation) error {
	_, err := tx.exec(ctx,
		`UPDATE software_installations SET install_date = ?, removed_on = ?, updated_at = ? WHERE id = ?`,
		in.InstallDate, formatTimePtr(in.RemovedOn), formatTime(in.UpdatedAt), in.ID)
	if err != nil {
		return fmt.Errorf("failed to update installation %d: %w", in.ID, err)
	}
	return nil
}

// MarkInstallationsRemoved soft-deletes active installations.
func (tx *Tx) MarkInstallationsRemoved(ctx context.Context, ids []int64, at time.Time) error {
	return tx.markRemoved(ctx, "software_installations", ids, at)
}

// SoftwareStorage reads installed software outside scans.
type SoftwareStorage struct {
	db *DB
}

// NewSoftwareStorage creates a new software storage handler.
func NewSoftwareStorage(db *DB) *SoftwareStorage {
	return &SoftwareStorage{db: db}
}

// ListByHost returns a host's installations.
func (s *SoftwareStorage) ListByHost(ctx context.Context, hostID int64, activeOnly bool) ([]model.Installation, error) {
	query := `SELECT ` + installationColumns + ` FROM software_installations i
		JOIN software_catalog c ON c.id = i.catalog_id WHERE i.host_id = ?`
	if activeOnly {
		query += ` AND i.removed_on IS NULL`
	}
	query += ` ORDER BY c.name_key, c.version_key`
	return s.db.runner().listInstallations(ctx, query, hostID)
}

// CatalogSize returns the number of distinct catalog entries.
func (s *SoftwareStorage) CatalogSize(ctx context.Context) (int, error) {
	var n int
	if err := s.db.runner().queryRow(ctx, `SELECT COUNT(*) FROM software_catalog`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count catalog: %w", err)
	}
	return n, nil
}
