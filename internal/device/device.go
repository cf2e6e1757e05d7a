// Package device provides the durable device presence record and its
// SQLite-backed store. Status and LastSeen are only ever written through
// the presence ledger's serialized transitions; callers outside that
// path must treat records as read-only.
package device

import "time"

// Status values for a device record.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Device is the durable presence record for one fleet device. The ID is
// the canonical identity derived from the topic segment the device
// publishes under; TransportClientID is the broker-level session
// identifier, used only to correlate last-will notifications, and may
// differ from ID.
type Device struct {
	ID                string            `json:"device_id"`
	TransportClientID string            `json:"transport_client_id,omitempty"`
	Status            string            `json:"status"`
	LastSeen          time.Time         `json:"last_seen"`
	Owner             string            `json:"owner,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Active reports whether the device is currently considered reachable.
func (d *Device) Active() bool {
	return d.Status == StatusActive
}
