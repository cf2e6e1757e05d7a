package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/hollowoak/fleetbridge/internal/config"
)

// Message is one inbound broker message as surfaced to subscribers.
// It is transient: handlers consume it synchronously and must not
// retain the payload slice past the call.
type Message struct {
	Topic      string
	Payload    []byte
	Retained   bool
	ReceivedAt time.Time
}

// MessageHandler is called once per inbound message matching a
// subscribed filter. Implementations must be safe for concurrent use.
type MessageHandler func(msg Message)

// AckTracker correlates acknowledgment-bearing publishes with their
// delivery confirmations. Satisfied by *acktrack.Tracker.
type AckTracker interface {
	Track(key, deviceID string)
	Confirm(key string)
}

// Session manages the broker connection: connect/reconnect with
// last-will registration, subscriptions that survive reconnects, and
// publishing with optional delivery-confirmation tracking.
type Session struct {
	cfg       config.BrokerConfig
	topicRoot string
	tracker   AckTracker
	logger    *slog.Logger

	cm        *autopaho.ConnectionManager
	ctx       context.Context
	connected atomic.Bool

	mu   sync.Mutex
	subs map[string]MessageHandler // filter -> handler
}

// New creates a Session but does not connect. Call [Session.Connect]
// to establish the broker connection.
func New(cfg config.BrokerConfig, topicRoot string, tracker AckTracker, logger *slog.Logger) *Session {
	return &Session{
		cfg:       cfg,
		topicRoot: topicRoot,
		tracker:   tracker,
		logger:    logger,
		subs:      make(map[string]MessageHandler),
	}
}

// lastWill is the payload the broker publishes on this session's behalf
// when the connection drops, for any reason.
type lastWill struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// Connect establishes the broker session, registering a last-will
// message so the broker announces this client as disconnected even on
// power loss or crash. It fails fast — before any connection attempt —
// when the broker URL is malformed, its host cannot be resolved, or TLS
// trust validation fails; those are fatal startup errors. Transient
// connection drops after that are retried with autopaho's built-in
// backoff until [Session.Disconnect] is called, and all subscriptions
// are reinstated on every reconnect.
func (s *Session) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	var tlsCfg *tls.Config
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if err := preflight(brokerURL, tlsCfg); err != nil {
		return err
	}

	willPayload, err := json.Marshal(lastWill{Type: "un_registration", ClientID: s.cfg.ClientID})
	if err != nil {
		return fmt.Errorf("marshal will payload: %w", err)
	}

	keepAlive := uint16(30)
	if s.cfg.KeepAliveSec > 0 {
		keepAlive = uint16(s.cfg.KeepAliveSec)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAlive,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		TlsCfg:          tlsCfg,
		WillMessage: &paho.WillMessage{
			Topic:   Topic(s.topicRoot, s.cfg.ClientID, ClassLastWill),
			Payload: willPayload,
			QoS:     1,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.connected.Store(true)
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.URL)
			s.resubscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			s.connected.Store(false)
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				s.onPublishReceived,
			},
			OnClientError: func(err error) {
				s.connected.Store(false)
				s.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				s.connected.Store(false)
				s.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm
	s.ctx = ctx

	// Wait for the initial connection before returning so callers can
	// publish immediately. A timeout here is not fatal — autopaho keeps
	// retrying in the background.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return nil
}

// preflight distinguishes fatal startup conditions from transient ones.
// DNS resolution failure and TLS trust validation failure abort startup;
// a plain dial failure (broker down, port closed) is left to autopaho's
// retry loop.
func preflight(brokerURL *url.URL, tlsCfg *tls.Config) error {
	host := brokerURL.Hostname()
	if host == "" {
		return fmt.Errorf("broker URL %q has no host", brokerURL.String())
	}

	if _, err := net.LookupHost(host); err != nil {
		return fmt.Errorf("resolve broker host %q: %w", host, err)
	}

	if tlsCfg == nil {
		return nil
	}

	port := brokerURL.Port()
	if port == "" {
		port = "8883"
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), tlsCfg)
	if err == nil {
		conn.Close()
		return nil
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return fmt.Errorf("broker TLS trust validation: %w", err)
	}

	// Dial-level failures are transient; autopaho will retry.
	return nil
}

// Subscribe registers a handler for all messages matching filter. The
// subscription is (re-)established on every broker connect. Multiple
// filters may be registered; delivery order across different filters is
// not guaranteed.
func (s *Session) Subscribe(ctx context.Context, filter string, handler MessageHandler) error {
	s.mu.Lock()
	s.subs[filter] = handler
	s.mu.Unlock()

	if s.cm == nil || !s.connected.Load() {
		// Not connected yet; OnConnectionUp will pick the filter up.
		return nil
	}

	_, err := s.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// resubscribe reinstates every registered filter. Broker session state
// is not assumed to survive a reconnect.
func (s *Session) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	s.mu.Lock()
	filters := make([]string, 0, len(s.subs))
	for f := range s.subs {
		filters = append(filters, f)
	}
	s.mu.Unlock()

	for _, f := range filters {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: f, QoS: 1}},
		}); err != nil {
			s.logger.Warn("mqtt subscribe failed", "filter", f, "error", err)
		} else {
			s.logger.Debug("mqtt subscribed", "filter", f)
		}
	}
}

// onPublishReceived adapts one inbound packet for [Session.deliver].
func (s *Session) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	return s.deliver(Message{
		Topic:      pr.Packet.Topic,
		Payload:    pr.Packet.Payload,
		Retained:   pr.Packet.Retain,
		ReceivedAt: time.Now(),
	}), nil
}

// deliver routes msg to the first matching subscription handler.
// Handler panics are contained so one bad message cannot take down the
// broker connection. Returns whether a handler consumed the message.
func (s *Session) deliver(msg Message) bool {
	s.mu.Lock()
	var handler MessageHandler
	for f, h := range s.subs {
		if MatchTopic(f, msg.Topic) {
			handler = h
			break
		}
	}
	s.mu.Unlock()

	if handler == nil {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("mqtt handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	handler(msg)
	return true
}

// Publish sends payload to topic. When requireAck is true the message
// goes out at QoS 1 and a pending entry is registered with the ack
// tracker; the call returns once the publish is accepted locally, and
// the delivery outcome (confirmed or timed out) is reported through the
// tracker's callbacks, never through this call. When requireAck is
// false the message goes out at QoS 0, fire-and-forget.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, requireAck bool) error {
	if s.cm == nil {
		return fmt.Errorf("publish %s: session not connected", topic)
	}

	if !requireAck {
		if _, err := s.cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     0,
		}); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	}

	key := uuid.NewString()
	deviceID, _, _ := SplitTopic(s.topicRoot, topic)
	s.tracker.Track(key, deviceID)

	// The QoS-1 handshake completes in the background; a successful
	// PUBACK resolves the pending entry, anything else is left for the
	// deadline timer.
	go func() {
		if _, err := s.cm.Publish(s.ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
		}); err != nil {
			s.logger.Warn("mqtt publish not confirmed",
				"topic", topic, "key", key, "error", err)
			return
		}
		s.tracker.Confirm(key)
	}()

	return nil
}

// Connected reports whether the broker connection is currently up.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Useful for connwatch health probes.
func (s *Session) AwaitConnection(ctx context.Context) error {
	if s.cm == nil {
		return fmt.Errorf("mqtt session not started")
	}
	return s.cm.AwaitConnection(ctx)
}

// Disconnect closes the broker session gracefully. Note that a graceful
// disconnect still triggers last-will delivery on brokers configured to
// honor DisconnectWithWillMessage; the engine relies on the presence
// ledger, not its own session, for fleet status.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.connected.Store(false)
	return s.cm.Disconnect(ctx)
}
