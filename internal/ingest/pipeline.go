// Package ingest gates and dispatches every inbound broker message.
// The filter chain runs in fixed order and short-circuits on first
// match: retained messages, messages inside the startup grace window,
// unparseable payloads, and messages with a stale declared timestamp
// are all discarded before any handler sees them. One bad message never
// affects the next.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hollowoak/fleetbridge/internal/presence"
	"github.com/hollowoak/fleetbridge/internal/transport"
)

// Presence is the subset of ledger transitions the pipeline dispatches
// to. Satisfied by *presence.Ledger.
type Presence interface {
	HandleRegistration(ctx context.Context, reg presence.Registration) error
	HandleLastWill(ctx context.Context, deviceID, clientID string) error
	Touch(ctx context.Context, deviceID string) error
}

// Options tunes the filter chain. Zero values select the defaults.
type Options struct {
	// GraceWindow discards all inbound messages for this long after the
	// pipeline starts (default 3s). The broker may flush buffered
	// backlog right after subscription; this suppresses the replay storm.
	GraceWindow time.Duration
	// StaleAfter discards messages whose declared timestamp lags now by
	// more than this (default 120s).
	StaleAfter time.Duration
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Processed        int64 `json:"processed"`
	DroppedRetained  int64 `json:"dropped_retained"`
	DroppedGrace     int64 `json:"dropped_grace"`
	DroppedStale     int64 `json:"dropped_stale"`
	DroppedMalformed int64 `json:"dropped_malformed"`
}

// Pipeline consumes the raw inbound message stream and dispatches
// surviving messages to presence transitions by topic class.
type Pipeline struct {
	presence  Presence
	topicRoot string
	logger    *slog.Logger
	startedAt time.Time
	grace     time.Duration
	stale     time.Duration
	closed    atomic.Bool

	processed        atomic.Int64
	droppedRetained  atomic.Int64
	droppedGrace     atomic.Int64
	droppedStale     atomic.Int64
	droppedMalformed atomic.Int64
}

// New creates a pipeline. The startup grace window begins now.
func New(p Presence, topicRoot string, logger *slog.Logger, opts Options) *Pipeline {
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 3 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 120 * time.Second
	}
	return &Pipeline{
		presence:  p,
		topicRoot: topicRoot,
		logger:    logger,
		startedAt: time.Now(),
		grace:     opts.GraceWindow,
		stale:     opts.StaleAfter,
	}
}

// Close stops the pipeline: subsequent messages are dropped. Handlers
// already dispatched run to completion on their own goroutines.
func (p *Pipeline) Close() {
	p.closed.Store(true)
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:        p.processed.Load(),
		DroppedRetained:  p.droppedRetained.Load(),
		DroppedGrace:     p.droppedGrace.Load(),
		DroppedStale:     p.droppedStale.Load(),
		DroppedMalformed: p.droppedMalformed.Load(),
	}
}

// Handle gates one inbound message through the filter chain and
// dispatches it to the matching topic-class handler. It never returns
// an error and never panics past the message boundary: message-level
// failures are logged and the message discarded.
func (p *Pipeline) Handle(ctx context.Context, msg transport.Message) {
	if p.closed.Load() {
		return
	}

	// Retained messages are stale broker-cached state from before this
	// session started; they must never be treated as live events.
	if msg.Retained {
		p.droppedRetained.Add(1)
		p.logger.Debug("retained message discarded", "topic", msg.Topic)
		return
	}

	if msg.ReceivedAt.Sub(p.startedAt) < p.grace {
		p.droppedGrace.Add(1)
		p.logger.Debug("message inside startup grace window discarded",
			"topic", msg.Topic,
			"grace", p.grace.String(),
		)
		return
	}

	deviceID, class, ok := transport.SplitTopic(p.topicRoot, msg.Topic)
	if !ok {
		p.logger.Debug("message outside fleet namespace ignored", "topic", msg.Topic)
		return
	}

	switch class {
	case transport.ClassLastWill:
		p.handleLastWill(ctx, deviceID, msg)
	case transport.ClassRegistration:
		p.handleRegistration(ctx, deviceID, msg)
	case transport.ClassStatus:
		p.handleStatusReport(ctx, deviceID, msg)
	default:
		// Content-class traffic routed to non-engine handlers still
		// proves the device is alive.
		p.logger.Debug("unhandled topic class",
			"topic", msg.Topic, "class", class)
		if env, ok := p.parseEnvelope(msg); ok && p.fresh(env, msg) {
			p.dispatch(deviceID, p.presence.Touch(ctx, deviceID))
		}
	}
}

func (p *Pipeline) handleRegistration(ctx context.Context, deviceID string, msg transport.Message) {
	env, ok := p.parseEnvelope(msg)
	if !ok || !p.fresh(env, msg) {
		return
	}

	var reg registrationPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &reg); err != nil {
			p.droppedMalformed.Add(1)
			p.logger.Warn("malformed registration payload discarded",
				"topic", msg.Topic, "error", err)
			return
		}
	}

	p.processed.Add(1)
	p.dispatch(deviceID, p.presence.HandleRegistration(ctx, presence.Registration{
		DeviceID: deviceID,
		ClientID: reg.ClientID,
		Name:     reg.Name,
		Owner:    reg.Owner,
		Metadata: reg.Metadata,
	}))
}

func (p *Pipeline) handleLastWill(ctx context.Context, deviceID string, msg transport.Message) {
	var lw lastWill
	if err := json.Unmarshal(msg.Payload, &lw); err != nil {
		p.droppedMalformed.Add(1)
		p.logger.Warn("malformed last-will payload discarded",
			"topic", msg.Topic, "error", err)
		return
	}
	if lw.Type != lastWillType || lw.ClientID == "" {
		p.droppedMalformed.Add(1)
		p.logger.Warn("invalid last-will marker discarded",
			"topic", msg.Topic, "type", lw.Type)
		return
	}

	p.processed.Add(1)
	p.dispatch(deviceID, p.presence.HandleLastWill(ctx, deviceID, lw.ClientID))
}

func (p *Pipeline) handleStatusReport(ctx context.Context, deviceID string, msg transport.Message) {
	env, ok := p.parseEnvelope(msg)
	if !ok || !p.fresh(env, msg) {
		return
	}

	p.processed.Add(1)
	p.logger.Debug("status report",
		"device_id", deviceID, "type", env.Type)
	p.dispatch(deviceID, p.presence.Touch(ctx, deviceID))
}

// parseEnvelope decodes the structured message body. Malformed payloads
// are counted, logged at warn, and discarded.
func (p *Pipeline) parseEnvelope(msg transport.Message) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		p.droppedMalformed.Add(1)
		p.logger.Warn("malformed payload discarded",
			"topic", msg.Topic,
			"payload_size", len(msg.Payload),
			"error", err,
		)
		return Envelope{}, false
	}
	return env, true
}

// fresh applies the staleness filter to the declared timestamp, if one
// was declared. Delayed delivery and clock-skewed replays must not be
// treated as current state.
func (p *Pipeline) fresh(env Envelope, msg transport.Message) bool {
	if env.Timestamp == 0 {
		return true
	}

	age := msg.ReceivedAt.Sub(time.Unix(env.Timestamp, 0))
	if age > p.stale {
		p.droppedStale.Add(1)
		p.logger.Warn("stale message discarded",
			"topic", msg.Topic,
			"age", age.Truncate(time.Second).String(),
			"threshold", p.stale.String(),
		)
		return false
	}
	return true
}

// dispatch logs transition errors. Storage failures are local to one
// message; processing of subsequent messages is unaffected.
func (p *Pipeline) dispatch(deviceID string, err error) {
	if err != nil {
		p.logger.Warn("presence transition failed",
			"device_id", deviceID, "error", err)
	}
}
