package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/user/fleetscan/internal/model"
)

const componentColumns = `id, host_id, category, identity_key, attributes, parent_id, detected_on, removed_on, updated_at`

func encodeAttributes(attrs map[string]any) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to encode attributes: %w", err)
	}
	return string(b), nil
}

func decodeAttributes(s string) (map[string]any, error) {
	attrs := make(map[string]any)
	if s == "" {
		return attrs, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(&attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return attrs, nil
}

func scanComponent(row rowScanner) (*model.Component, error) {
	var (
		c                   model.Component
		category, attrs     string
		parentID            sql.NullInt64
		detectedOn, updated string
		removedOn           sql.NullString
	)
	if err := row.Scan(&c.ID, &c.HostID, &category, &c.Key, &attrs, &parentID, &detectedOn, &removedOn, &updated); err != nil {
		return nil, err
	}
	decoded, err := decodeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	c.Category = model.Category(category)
	c.Attributes = decoded
	if parentID.Valid {
		id := parentID.Int64
		c.ParentID = &id
	}
	c.DetectedOn = parseTime(detectedOn)
	c.RemovedOn = parseTimePtr(removedOn)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func (r runner) listComponents(ctx context.Context, query string, args ...any) ([]model.Component, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query components: %w", err)
	}
	defer rows.Close()

	var out []model.Component
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan component: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListComponents returns every component row of a category for a host,
// active or removed.
func (tx *Tx) ListComponents(ctx context.Context, hostID int64, category model.Category) ([]model.Component, error) {
	return tx.listComponents(ctx,
		`SELECT `+componentColumns+` FROM components WHERE host_id = ? AND category = ? ORDER BY id`,
		hostID, string(category))
}

// InsertComponent creates a component row and sets c.ID.
func (tx *Tx) InsertComponent(ctx context.Context, c *model.Component) error {
	attrs, err := encodeAttributes(c.Attributes)
	if err != nil {
		return err
	}
	id, err := tx.insertID(ctx,
		`INSERT INTO components (host_id, category, identity_key, attributes, parent_id, detected_on, removed_on, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.HostID, string(c.Category), c.Key, attrs, nullInt64(c.ParentID),
		formatTime(c.DetectedOn), formatTimePtr(c.RemovedOn), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert %s component %q: %w", c.Category, c.Key, err)
	}
	c.ID = id
	return nil
}

// UpdateComponent writes the mutable state of a component: attributes, parent
// link, removal flag and update time. Identity and detected_on never change.
func (tx *Tx) UpdateComponent(ctx context.Context, c *model.Component) error {
	attrs, err := encodeAttributes(c.Attributes)
	if err != nil {
		return err
	}
	_, err = tx.exec(ctx,
		`UPDATE components SET attributes = ?, parent_id = ?, removed_on = ?, updated_at = ? WHERE id = ?`,
		attrs, nullInt64(c.ParentID), formatTimePtr(c.RemovedOn), formatTime(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update component %d: %w", c.ID, err)
	}
	return nil
}

// MarkComponentsRemoved soft-deletes active components.
func (tx *Tx) MarkComponentsRemoved(ctx context.Context, ids []int64, at time.Time) error {
	return tx.markRemoved(ctx, "components", ids, at)
}

func (r runner) markRemoved(ctx context.Context, table string, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, formatTime(at), formatTime(at))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := r.exec(ctx,
		`UPDATE `+table+` SET removed_on = ?, updated_at = ? WHERE removed_on IS NULL AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to mark %s removed: %w", table, err)
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// ComponentStorage reads component history outside scans.
type ComponentStorage struct {
	db *DB
}

// NewComponentStorage creates a new component storage handler.
func NewComponentStorage(db *DB) *ComponentStorage {
	return &ComponentStorage{db: db}
}

// ListByHost returns a host's components. With activeOnly, removed rows are
// omitted.
func (s *ComponentStorage) ListByHost(ctx context.Context, hostID int64, activeOnly bool) ([]model.Component, error) {
	query := `SELECT ` + componentColumns + ` FROM components WHERE host_id = ?`
	if activeOnly {
		query += ` AND removed_on IS NULL`
	}
	query += ` ORDER BY category, identity_key`
	return s.db.runner().listComponents(ctx, query, hostID)
}
