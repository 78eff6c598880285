// Package transport defines the service provider interface between the
// parley client and concrete pub/sub brokers.
//
// The client depends on nothing below this boundary: any broker that can
// dial a connection, publish to a topic, subscribe to topic filters and
// report message/disconnect/offline/error events is substitutable. Bundled
// adapters live under transports/ (MQTT, AMQP topic exchanges, and an
// in-process broker for tests and single-process wiring).
//
// Adapters are deliberately dumb: one Connect call dials one connection,
// and a lost connection is reported, not redialed. Backoff and reconnection
// policy live in the client lifecycle so that every adapter behaves the
// same way.
package transport
