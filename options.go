package parley

import (
	"log/slog"
	"time"

	"github.com/parleymq/parley-go/message"
	"github.com/parleymq/parley-go/transport"
)

// staticSubscription is a handler registered before the first connect.
type staticSubscription struct {
	pattern string
	handler message.Handler
}

// clientConfig collects everything New assembles a Client from.
type clientConfig struct {
	cfg       Config
	logger    *slog.Logger
	loggerSet bool
	transport transport.Transport
	observers []Observer
	handlers  []staticSubscription
	uuidGen   func() string
	tsGen     func() any
	format    func(message.Payload) (message.Payload, error)
}

// Option configures the client.
type Option func(*clientConfig)

// WithConfig replaces the declarative configuration wholesale. Combine
// with LoadConfig to drive a client from a YAML file.
func WithConfig(cfg Config) Option {
	return func(cc *clientConfig) {
		cc.cfg = cfg
	}
}

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) Option {
	return func(cc *clientConfig) {
		if logger != nil {
			cc.logger = logger
			cc.loggerSet = true
		}
	}
}

// WithTransport selects the transport adapter. The default is the MQTT
// adapter.
func WithTransport(t transport.Transport) Option {
	return func(cc *clientConfig) {
		if t != nil {
			cc.transport = t
		}
	}
}

// WithObserver registers a lifecycle observer. Repeatable.
func WithObserver(o Observer) Option {
	return func(cc *clientConfig) {
		if o != nil {
			cc.observers = append(cc.observers, o)
		}
	}
}

// WithHandler registers a static subscription installed before the first
// connect. Repeatable.
func WithHandler(pattern string, h message.Handler) Option {
	return func(cc *clientConfig) {
		cc.handlers = append(cc.handlers, staticSubscription{pattern: pattern, handler: h})
	}
}

// WithUUIDGenerator replaces the uuid source of the ensure-uuid transform.
func WithUUIDGenerator(gen func() string) Option {
	return func(cc *clientConfig) {
		cc.uuidGen = gen
	}
}

// WithTimestampGenerator replaces the timestamp source of the
// ensure-timestamp transform.
func WithTimestampGenerator(gen func() any) Option {
	return func(cc *clientConfig) {
		cc.tsGen = gen
	}
}

// WithResponseFormat sets the default format function applied to every
// response payload before it reaches the requester. Per-request WithFormat
// overrides it.
func WithResponseFormat(format func(message.Payload) (message.Payload, error)) Option {
	return func(cc *clientConfig) {
		cc.format = format
	}
}

// WithConnectionNeeded marks the connection as required for the process.
func WithConnectionNeeded(needed bool) Option {
	return func(cc *clientConfig) {
		cc.cfg.ConnectionNeeded = needed
	}
}

// WithMaxConnectionAttempts bounds consecutive failed connection attempts.
func WithMaxConnectionAttempts(n int) Option {
	return func(cc *clientConfig) {
		cc.cfg.MaxConnectionAttempts = n
	}
}

// WithResponseTimeout sets the default Request timeout. Zero disables it.
func WithResponseTimeout(d time.Duration) Option {
	return func(cc *clientConfig) {
		cc.cfg.TimeoutResponseAfter = Duration(d)
	}
}

// WithAnnounceTopic sets the topic the online announcement is published to
// after every successful connection. Empty disables the announcement.
func WithAnnounceTopic(topic string) Option {
	return func(cc *clientConfig) {
		cc.cfg.OnConnect.Topic = topic
	}
}

// WithClientID sets the transport client identifier.
func WithClientID(id string) Option {
	return func(cc *clientConfig) {
		cc.cfg.Transport.ClientID = id
	}
}

// publishOptions are per-publish overrides, seeded from the configured
// defaults.
type publishOptions struct {
	qos    byte
	retain bool
}

// PublishOption configures a single Publish call.
type PublishOption func(*publishOptions)

// WithQoS overrides the configured default QoS for one publish.
func WithQoS(qos byte) PublishOption {
	return func(po *publishOptions) {
		po.qos = qos
	}
}

// WithRetain marks one publish as retained.
func WithRetain(retain bool) PublishOption {
	return func(po *publishOptions) {
		po.retain = retain
	}
}

// requestOptions are per-request overrides.
type requestOptions struct {
	timeout time.Duration
	format  func(message.Payload) (message.Payload, error)
}

// RequestOption configures a single Request call.
type RequestOption func(*requestOptions)

// WithTimeout overrides the default response timeout for one request.
// Zero waits on the context alone.
func WithTimeout(d time.Duration) RequestOption {
	return func(ro *requestOptions) {
		ro.timeout = d
	}
}

// WithFormat post-processes this request's response payload before it is
// returned.
func WithFormat(format func(message.Payload) (message.Payload, error)) RequestOption {
	return func(ro *requestOptions) {
		ro.format = format
	}
}
