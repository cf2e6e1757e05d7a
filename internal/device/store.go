package device

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Store persists device records in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a device store, running migrations on first use.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate devices: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			device_id           TEXT PRIMARY KEY,
			transport_client_id TEXT,
			status              TEXT NOT NULL DEFAULT 'inactive',
			last_seen           TEXT,
			owner               TEXT,
			metadata            TEXT,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
		CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);
	`)
	return err
}

// Get returns the device record for id, or (nil, nil) if no record exists.
func (s *Store) Get(id string) (*Device, error) {
	row := s.db.QueryRow(
		`SELECT device_id, transport_client_id, status, last_seen, owner, metadata
		 FROM devices WHERE device_id = ?`, id,
	)
	return scanDevice(row)
}

// GetByTransportClientID returns the device whose broker session
// identifier matches clientID, or (nil, nil) if none does. Used to
// resolve last-will notifications when the transport client ID differs
// from the canonical device ID.
func (s *Store) GetByTransportClientID(clientID string) (*Device, error) {
	row := s.db.QueryRow(
		`SELECT device_id, transport_client_id, status, last_seen, owner, metadata
		 FROM devices WHERE transport_client_id = ? LIMIT 1`, clientID,
	)
	return scanDevice(row)
}

// Upsert inserts or replaces the record for d.ID.
func (s *Store) Upsert(d *Device) error {
	if d.ID == "" {
		return fmt.Errorf("upsert device: empty device ID")
	}

	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("marshal device metadata: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var lastSeen string
	if !d.LastSeen.IsZero() {
		lastSeen = d.LastSeen.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.Exec(`
		INSERT INTO devices (device_id, transport_client_id, status, last_seen, owner, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			transport_client_id = excluded.transport_client_id,
			status              = excluded.status,
			last_seen           = excluded.last_seen,
			owner               = excluded.owner,
			metadata            = excluded.metadata,
			updated_at          = excluded.updated_at`,
		d.ID, d.TransportClientID, d.Status, lastSeen, d.Owner, string(meta), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.ID, err)
	}
	return nil
}

// List returns all device records ordered by ID.
func (s *Store) List() ([]*Device, error) {
	rows, err := s.db.Query(
		`SELECT device_id, transport_client_id, status, last_seen, owner, metadata
		 FROM devices ORDER BY device_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Delete removes the record for id. Deleting a non-existent ID is a no-op.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM devices WHERE device_id = ?`, id)
	return err
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var d Device
	var lastSeen, meta sql.NullString
	var transportID, owner sql.NullString

	err := row.Scan(&d.ID, &transportID, &d.Status, &lastSeen, &owner, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}

	d.TransportClientID = transportID.String
	d.Owner = owner.String

	if lastSeen.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastSeen.String)
		if err == nil {
			d.LastSeen = t
		}
	}
	if meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &d.Metadata); err != nil {
			// A corrupt metadata blob should not make the record unreadable.
			d.Metadata = nil
		}
	}
	return &d, nil
}
