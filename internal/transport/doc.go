// Package transport owns the single logical connection to the MQTT
// broker. It wraps Eclipse Paho v2's [autopaho] connection manager:
// automatic reconnection with backoff, re-subscription of every
// registered topic filter on each (re-)connect, and a last-will message
// so the broker announces this engine's own disconnect to the fleet.
//
// Outbound publishes that request delivery confirmation are handed to
// the acknowledgment tracker keyed by a fresh correlation ID; the
// publish call returns once the message is locally accepted and the
// remote confirmation (or its absence) surfaces later through the
// tracker's callbacks. Startup fails fast when the broker host cannot
// be resolved or its TLS certificate fails trust validation; everything
// after the first successful connection is retried indefinitely.
package transport
