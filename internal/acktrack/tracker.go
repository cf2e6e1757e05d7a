// Package acktrack converts transport-level delivery confirmations into
// application-level liveness signals. Each QoS-1 publish that requests
// confirmation registers a pending entry with a deadline timer; the entry
// resolves to exactly one of confirmed or timed-out, never both.
package acktrack

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ResolveFunc is called with the device ID when a pending entry resolves.
type ResolveFunc func(deviceID string)

// pending tracks one outbound publish awaiting confirmation. The
// resolved flag guards the confirmation/timeout race: whichever path
// flips it first owns the callback, the other becomes a no-op.
type pending struct {
	deviceID   string
	enqueuedAt time.Time
	timer      *time.Timer
	resolved   atomic.Bool
}

// Tracker maps in-flight acknowledgment-bearing publishes to deadline
// timers. Safe for concurrent use.
type Tracker struct {
	timeout     time.Duration
	onConfirmed ResolveFunc
	onTimedOut  ResolveFunc
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]*pending
	stopped bool
}

// New creates a tracker. onConfirmed fires when a confirmation arrives
// before the deadline; onTimedOut fires when the deadline passes first.
// Either callback may be nil. Callbacks run on the goroutine that
// resolved the entry (the transport's publish goroutine or the timer
// goroutine) and must not block for long.
func New(timeout time.Duration, onConfirmed, onTimedOut ResolveFunc, logger *slog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tracker{
		timeout:     timeout,
		onConfirmed: onConfirmed,
		onTimedOut:  onTimedOut,
		logger:      logger,
		entries:     make(map[string]*pending),
	}
}

// Track registers a pending acknowledgment under key for deviceID and
// starts its deadline timer. Tracking after Stop is a no-op.
func (t *Tracker) Track(key, deviceID string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	p := &pending{
		deviceID:   deviceID,
		enqueuedAt: time.Now(),
	}
	p.timer = time.AfterFunc(t.timeout, func() { t.expire(key) })
	t.entries[key] = p
	t.mu.Unlock()

	t.logger.Debug("ack pending",
		"key", key,
		"device_id", deviceID,
		"timeout", t.timeout.String(),
	)
}

// Confirm resolves the pending entry for key as delivered. Unknown or
// already-resolved keys are ignored, so a confirmation arriving in the
// same tick as timer expiry cannot fire both callbacks.
func (t *Tracker) Confirm(key string) {
	t.mu.Lock()
	p, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !ok || !p.resolved.CompareAndSwap(false, true) {
		return
	}
	p.timer.Stop()

	t.logger.Debug("ack confirmed",
		"key", key,
		"device_id", p.deviceID,
		"elapsed", time.Since(p.enqueuedAt).String(),
	)
	if t.onConfirmed != nil {
		t.onConfirmed(p.deviceID)
	}
}

// expire is the timer callback for key.
func (t *Tracker) expire(key string) {
	t.mu.Lock()
	p, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !ok || !p.resolved.CompareAndSwap(false, true) {
		return
	}

	t.logger.Info("ack timed out",
		"key", key,
		"device_id", p.deviceID,
		"timeout", t.timeout.String(),
	)
	if t.onTimedOut != nil {
		t.onTimedOut(p.deviceID)
	}
}

// PendingCount returns the number of outstanding unconfirmed publishes.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop cancels all pending timers without firing their timeout
// callbacks and rejects further Track calls. Confirm calls after Stop
// are ignored (the entries are gone).
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	for key, p := range t.entries {
		p.resolved.Store(true)
		p.timer.Stop()
		delete(t.entries, key)
	}
	t.mu.Unlock()

	t.logger.Debug("ack tracker stopped")
}
