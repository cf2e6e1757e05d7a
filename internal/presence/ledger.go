// Package presence is the per-device status ledger. It reconciles the
// competing liveness signals — explicit registration, broker-delivered
// last-will, acknowledgment timeout, stale-acknowledgment confirmation,
// and operator override — into one consistent status per device.
//
// Every status-mutating transition for a given device ID is serialized
// against every other transition for that same ID; transitions for
// different devices proceed concurrently. This is the only code path
// allowed to write Device.Status or Device.LastSeen.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hollowoak/fleetbridge/internal/device"
	"github.com/hollowoak/fleetbridge/internal/transport"
)

// Store is the device record persistence the ledger mutates through.
// Satisfied by *device.Store. Operations are assumed durable and
// strongly consistent from the ledger's single-writer-per-device
// perspective.
type Store interface {
	Get(id string) (*device.Device, error)
	GetByTransportClientID(clientID string) (*device.Device, error)
	Upsert(d *device.Device) error
}

// Gate is the registration policy check. Satisfied by *provisioning.Gate.
type Gate interface {
	AllowRegistration(ctx context.Context, deviceID string) bool
}

// Publisher sends registration acknowledgment replies back to devices.
// Satisfied by *transport.Session.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, requireAck bool) error
}

// Registration carries the fields of one registration message after
// envelope parsing.
type Registration struct {
	DeviceID string
	ClientID string
	Name     string
	Owner    string
	Metadata map[string]string
}

// registrationAck is the reply published to <root>/<deviceID>/registration_ack.
type registrationAck struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	DeviceID    string `json:"deviceId"`
	IsNewDevice bool   `json:"isNewDevice"`
	Timestamp   string `json:"timestamp"`
}

// Ledger applies liveness transitions to the device store.
type Ledger struct {
	store     Store
	gate      Gate
	replier   Publisher
	topicRoot string
	logger    *slog.Logger
	locks     *keyedLocks
	now       func() time.Time
}

// New creates a ledger. replier may be nil, in which case registration
// acknowledgment replies are skipped (useful for operator tooling).
func New(store Store, gate Gate, replier Publisher, topicRoot string, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:     store,
		gate:      gate,
		replier:   replier,
		topicRoot: topicRoot,
		logger:    logger,
		locks:     newKeyedLocks(),
		now:       time.Now,
	}
}

// HandleRegistration processes a registration message. A new device ID
// creates an active record; a known one is reactivated in place. When
// the provisioning gate denies the attempt, no record is written and
// the device receives a negative acknowledgment.
func (l *Ledger) HandleRegistration(ctx context.Context, reg Registration) error {
	if reg.DeviceID == "" {
		return fmt.Errorf("registration without device ID")
	}

	unlock := l.locks.lock(reg.DeviceID)
	defer unlock()

	if !l.gate.AllowRegistration(ctx, reg.DeviceID) {
		l.reply(ctx, registrationAck{
			Success:   false,
			Message:   "registration denied: device identity not verified",
			DeviceID:  reg.DeviceID,
			Timestamp: l.now().UTC().Format(time.RFC3339),
		})
		return nil
	}

	existing, err := l.store.Get(reg.DeviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", reg.DeviceID, err)
	}

	now := l.now().UTC()
	d := &device.Device{
		ID:                reg.DeviceID,
		TransportClientID: reg.ClientID,
		Status:            device.StatusActive,
		LastSeen:          now,
		Owner:             reg.Owner,
		Metadata:          reg.Metadata,
	}
	if d.Metadata == nil {
		d.Metadata = make(map[string]string)
	}
	if reg.Name != "" {
		d.Metadata["device_name"] = reg.Name
	}

	isNew := existing == nil
	if isNew {
		d.Metadata["registered_at"] = now.Format(time.RFC3339)
	} else {
		// Preserve first-registration time and owner across reconnects
		// that omit them.
		if at, ok := existing.Metadata["registered_at"]; ok {
			d.Metadata["registered_at"] = at
		}
		if d.Owner == "" {
			d.Owner = existing.Owner
		}
	}

	if err := l.store.Upsert(d); err != nil {
		return fmt.Errorf("store device %s: %w", reg.DeviceID, err)
	}

	message := "device reconnected"
	if isNew {
		message = "new device registered"
	}
	l.logger.Info("device registered",
		"device_id", reg.DeviceID,
		"client_id", reg.ClientID,
		"new", isNew,
	)

	l.reply(ctx, registrationAck{
		Success:     true,
		Message:     message,
		DeviceID:    reg.DeviceID,
		IsNewDevice: isNew,
		Timestamp:   now.Format(time.RFC3339),
	})
	return nil
}

// HandleLastWill processes a broker-delivered last-will notification.
// The signal is authoritative — the broker itself detected the
// disconnect — so the device goes inactive unconditionally. No reply is
// sent; the device is, by definition, no longer connected.
func (l *Ledger) HandleLastWill(ctx context.Context, deviceID, clientID string) error {
	d, err := l.resolve(deviceID, clientID)
	if err != nil {
		return err
	}
	if d == nil {
		l.logger.Debug("last-will for unknown device",
			"device_id", deviceID, "client_id", clientID)
		return nil
	}

	unlock := l.locks.lock(d.ID)
	defer unlock()

	// Re-read under the lock; resolve ran outside it.
	d, err = l.store.Get(d.ID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", deviceID, err)
	}
	if d == nil {
		return nil
	}

	d.Status = device.StatusInactive
	if err := l.store.Upsert(d); err != nil {
		return fmt.Errorf("store device %s: %w", d.ID, err)
	}

	l.logger.Info("device disconnected via last-will",
		"device_id", d.ID, "client_id", clientID)
	return nil
}

// HandleAckTimeout marks the device inactive after a delivery
// confirmation deadline passed. An unresponsive device is presumed gone.
func (l *Ledger) HandleAckTimeout(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return nil
	}

	unlock := l.locks.lock(deviceID)
	defer unlock()

	d, err := l.store.Get(deviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", deviceID, err)
	}
	if d == nil {
		l.logger.Debug("ack timeout for unknown device", "device_id", deviceID)
		return nil
	}

	d.Status = device.StatusInactive
	if err := l.store.Upsert(d); err != nil {
		return fmt.Errorf("store device %s: %w", deviceID, err)
	}

	l.logger.Info("device marked inactive after ack timeout", "device_id", deviceID)
	return nil
}

// HandleAckConfirmed refreshes the device after a delivery confirmation,
// but only if it has not been marked inactive in the meantime. A
// disconnect signal (last-will or timeout) always wins over a stale
// confirmation for an older in-flight publish.
func (l *Ledger) HandleAckConfirmed(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return nil
	}

	unlock := l.locks.lock(deviceID)
	defer unlock()

	d, err := l.store.Get(deviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", deviceID, err)
	}
	if d == nil {
		l.logger.Debug("ack confirmation for unknown device", "device_id", deviceID)
		return nil
	}

	if d.Status == device.StatusInactive {
		l.logger.Debug("stale ack confirmation ignored, device already inactive",
			"device_id", deviceID)
		return nil
	}

	d.Status = device.StatusActive
	d.LastSeen = l.now().UTC()
	if err := l.store.Upsert(d); err != nil {
		return fmt.Errorf("store device %s: %w", deviceID, err)
	}
	return nil
}

// Touch refreshes LastSeen without altering status. Used for
// informational traffic (status reports and other content messages).
// Unknown devices are ignored; a record only comes into existence
// through registration.
func (l *Ledger) Touch(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return nil
	}

	unlock := l.locks.lock(deviceID)
	defer unlock()

	d, err := l.store.Get(deviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", deviceID, err)
	}
	if d == nil {
		l.logger.Debug("message from unregistered device", "device_id", deviceID)
		return nil
	}

	d.LastSeen = l.now().UTC()
	return l.store.Upsert(d)
}

// SetStatus is the explicit operator override: it writes status
// directly, bypassing every reconciliation rule. Used for
// administrative correction.
func (l *Ledger) SetStatus(ctx context.Context, deviceID, status string) error {
	if status != device.StatusActive && status != device.StatusInactive {
		return fmt.Errorf("invalid status %q", status)
	}

	unlock := l.locks.lock(deviceID)
	defer unlock()

	d, err := l.store.Get(deviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", deviceID, err)
	}
	if d == nil {
		return fmt.Errorf("unknown device %s", deviceID)
	}

	d.Status = status
	if err := l.store.Upsert(d); err != nil {
		return fmt.Errorf("store device %s: %w", deviceID, err)
	}

	l.logger.Info("device status overridden", "device_id", deviceID, "status", status)
	return nil
}

// resolve finds the device record for a last-will signal: by the topic
// device ID first, falling back to the broker session identifier, which
// may differ from the canonical ID.
func (l *Ledger) resolve(deviceID, clientID string) (*device.Device, error) {
	if deviceID != "" {
		d, err := l.store.Get(deviceID)
		if err != nil || d != nil {
			return d, err
		}
	}
	if clientID != "" {
		return l.store.GetByTransportClientID(clientID)
	}
	return nil, nil
}

// reply publishes a registration acknowledgment. Reply delivery is
// fire-and-forget: tracking it would turn every ack into a liveness
// probe.
func (l *Ledger) reply(ctx context.Context, ack registrationAck) {
	if l.replier == nil {
		return
	}

	payload, err := json.Marshal(ack)
	if err != nil {
		l.logger.Error("marshal registration ack", "device_id", ack.DeviceID, "error", err)
		return
	}

	topic := transport.Topic(l.topicRoot, ack.DeviceID, transport.ClassRegistrationAck)
	if err := l.replier.Publish(ctx, topic, payload, false); err != nil {
		l.logger.Warn("registration ack publish failed",
			"device_id", ack.DeviceID, "error", err)
	}
}
