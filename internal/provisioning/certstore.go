package provisioning

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CertStore records issued device certificates in SQLite and implements
// [CertificateAuthority] for deployments that track issuance locally
// instead of querying an external CA.
type CertStore struct {
	db *sql.DB
}

// NewCertStore creates a certificate store, running migrations on first use.
func NewCertStore(db *sql.DB) (*CertStore, error) {
	s := &CertStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate certificates: %w", err)
	}
	return s, nil
}

func (s *CertStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS certificates (
			device_id  TEXT PRIMARY KEY,
			active     INTEGER NOT NULL DEFAULT 1,
			issued_at  TEXT NOT NULL,
			revoked_at TEXT
		)
	`)
	return err
}

// Record registers an issued certificate for deviceID, reactivating a
// previously revoked entry.
func (s *CertStore) Record(deviceID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO certificates (device_id, active, issued_at)
		VALUES (?, 1, ?)
		ON CONFLICT(device_id) DO UPDATE SET active = 1, issued_at = excluded.issued_at, revoked_at = NULL`,
		deviceID, now,
	)
	return err
}

// Revoke marks the certificate for deviceID inactive. Revoking an
// unknown device ID is a no-op.
func (s *CertStore) Revoke(deviceID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`UPDATE certificates SET active = 0, revoked_at = ? WHERE device_id = ?`,
		now, deviceID,
	)
	return err
}

// HasActiveCertificate implements [CertificateAuthority].
func (s *CertStore) HasActiveCertificate(_ context.Context, deviceID string) (bool, error) {
	var active int
	err := s.db.QueryRow(
		`SELECT active FROM certificates WHERE device_id = ?`, deviceID,
	).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active == 1, nil
}
