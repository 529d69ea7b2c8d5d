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

// DomainStorage handles encrypted domain credentials.
type DomainStorage struct {
	db *DB
}

// NewDomainStorage creates a new domain storage handler.
func NewDomainStorage(db *DB) *DomainStorage {
	return &DomainStorage{db: db}
}

// LookupDomain returns the credential entry for a domain, or nil if absent.
func (s *DomainStorage) LookupDomain(ctx context.Context, domain string) (*model.DomainCredential, error) {
	var (
		d       model.DomainCredential
		updated string
	)
	err := s.db.runner().queryRow(ctx,
		`SELECT domain, username, encrypted_secret, updated_at FROM domain_credentials WHERE domain = ?`,
		strings.ToLower(domain)).Scan(&d.Domain, &d.Username, &d.EncryptedSecret, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get domain %s: %w", domain, err)
	}
	d.UpdatedAt = parseTime(updated)
	return &d, nil
}

// Upsert stores or replaces the credential for a domain.
func (s *DomainStorage) Upsert(ctx context.Context, domain, username, encryptedSecret string, now time.Time) error {
	_, err := s.db.runner().exec(ctx,
		`INSERT INTO domain_credentials (domain, username, encrypted_secret, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET username = excluded.username,
			encrypted_secret = excluded.encrypted_secret, updated_at = excluded.updated_at`,
		strings.ToLower(domain), username, encryptedSecret, formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to store domain %s: %w", domain, err)
	}
	return nil
}

// List returns all domains without their secrets.
func (s *DomainStorage) List(ctx context.Context) ([]model.DomainCredential, error) {
	rows, err := s.db.runner().query(ctx, `SELECT domain, username, updated_at FROM domain_credentials ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("failed to query domains: %w", err)
	}
	defer rows.Close()

	var out []model.DomainCredential
	for rows.Next() {
		var (
			d       model.DomainCredential
			updated string
		)
		if err := rows.Scan(&d.Domain, &d.Username, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		d.UpdatedAt = parseTime(updated)
		out = append(out, d)
	}
	return out, rows.Err()
}
