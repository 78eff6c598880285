package transport

import (
	"context"
	"time"
)

// Message is one unit on the wire.
type Message struct {
	Topic  string
	Body   []byte
	QoS    byte
	Retain bool
}

// Will is the testament a broker publishes on behalf of a client that
// disappears without a clean close. Brokers without native will support
// ignore it.
type Will struct {
	Topic  string
	Body   []byte
	QoS    byte
	Retain bool
}

// Options carries the raw adapter knobs forwarded from client configuration.
// Adapters read what applies to their protocol and ignore the rest.
type Options struct {
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool
	DefaultQoS     byte
	Will           *Will
}

// Listener receives events from a live connection. The client's lifecycle
// implements it; adapters must not call listener methods after Close
// returns.
type Listener interface {
	// OnMessage delivers one inbound message in transport-delivery order.
	OnMessage(topic string, body []byte)

	// OnDisconnect reports that the connection is gone. The adapter is done
	// with it; redialing is the listener's decision.
	OnDisconnect(err error)

	// OnOffline reports broker-side flow control: the connection is alive
	// but publishes will not be accepted.
	OnOffline()

	// OnOnline reports the end of an OnOffline episode.
	OnOnline()

	// OnError reports a non-fatal transport error.
	OnError(err error)
}

// Transport dials broker connections. An adapter dials exactly once per
// Connect call and never redials on its own; reconnection policy belongs to
// the caller.
type Transport interface {
	// Name identifies the adapter in logs.
	Name() string

	// Connect establishes one connection to the broker at url and starts
	// delivering events to l.
	Connect(ctx context.Context, url string, opts Options, l Listener) (Connection, error)
}

// Connection is one live link to a broker.
type Connection interface {
	// Publish sends one message.
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers topic filters for delivery to the listener.
	Subscribe(ctx context.Context, filters ...string) error

	// Unsubscribe removes topic filters.
	Unsubscribe(ctx context.Context, filters ...string) error

	// Close tears the connection down. Close is idempotent and suppresses
	// the OnDisconnect it would otherwise cause.
	Close() error
}
