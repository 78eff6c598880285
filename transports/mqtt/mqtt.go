// Package mqtt adapts the Eclipse Paho client to the transport interfaces.
//
// The adapter dials once per Connect call. Paho's own reconnect machinery
// is disabled so that a lost connection surfaces exactly once through
// Listener.OnDisconnect and the owning client decides when to redial.
package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/parleymq/parley-go/transport"
)

// disconnectQuiesce is the time granted to in-flight messages on Close,
// in milliseconds.
const disconnectQuiesce = 250

// Transport dials MQTT brokers. The zero value is ready to use.
type Transport struct{}

// NewTransport returns an MQTT transport.
func NewTransport() *Transport {
	return &Transport{}
}

func (*Transport) Name() string { return "mqtt" }

// Connect dials the broker at url. The url scheme selects the wire
// protocol paho speaks: tcp://, ssl:// or ws://.
func (*Transport) Connect(ctx context.Context, url string, opts transport.Options, l transport.Listener) (transport.Connection, error) {
	c := &conn{
		listener: l,
		qos:      opts.DefaultQoS,
	}

	po := clientOptions(url, opts)

	// One funnel into the listener. Subscriptions register with a nil
	// callback, which paho routes here.
	po.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.listener.OnMessage(msg.Topic(), msg.Payload())
	})
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.lost(err)
	})

	client := pahomqtt.NewClient(po)
	if err := wait(ctx, client.Connect()); err != nil {
		// The dial may still complete in the background after a context
		// cancellation; make sure nothing stays connected.
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect %s: %w", url, err)
	}

	c.client = client
	return c, nil
}

// clientOptions maps transport options onto a paho option set.
func clientOptions(url string, opts transport.Options) *pahomqtt.ClientOptions {
	po := pahomqtt.NewClientOptions()
	po.AddBroker(url)
	po.SetClientID(clientID(opts.ClientID))

	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}

	po.SetCleanSession(opts.CleanSession)
	if opts.KeepAlive > 0 {
		po.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		po.SetConnectTimeout(opts.ConnectTimeout)
	}

	// Reconnection policy lives with the caller, not inside paho.
	po.SetAutoReconnect(false)
	po.SetConnectRetry(false)

	// Handlers publish replies from inside the message callback. Paho's
	// ordered dispatch blocks its router on a busy handler, which would
	// deadlock exactly that pattern.
	po.SetOrderMatters(false)

	if w := opts.Will; w != nil {
		po.SetBinaryWill(w.Topic, w.Body, w.QoS, w.Retain)
	}

	return po
}

// clientID returns id, or a generated one when the caller left it empty.
// Brokers reject anonymous clients on persistent sessions.
func clientID(id string) string {
	if id != "" {
		return id
	}
	return "parley-" + uuid.NewString()[:8]
}

// wait blocks until the token completes or ctx expires.
func wait(ctx context.Context, t pahomqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conn is one live paho connection.
type conn struct {
	listener transport.Listener
	qos      byte
	client   pahomqtt.Client

	mu     sync.Mutex
	closed bool
}

func (c *conn) Publish(ctx context.Context, msg transport.Message) error {
	if c.isClosed() {
		return fmt.Errorf("mqtt: connection closed")
	}
	if err := wait(ctx, c.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Body)); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	return nil
}

func (c *conn) Subscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return nil
	}
	if c.isClosed() {
		return fmt.Errorf("mqtt: connection closed")
	}

	subs := make(map[string]byte, len(filters))
	for _, f := range filters {
		subs[f] = c.qos
	}
	if err := wait(ctx, c.client.SubscribeMultiple(subs, nil)); err != nil {
		return fmt.Errorf("mqtt: subscribe: %w", err)
	}
	return nil
}

func (c *conn) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return nil
	}
	if c.isClosed() {
		return fmt.Errorf("mqtt: connection closed")
	}

	if err := wait(ctx, c.client.Unsubscribe(filters...)); err != nil {
		return fmt.Errorf("mqtt: unsubscribe: %w", err)
	}
	return nil
}

// Close disconnects from the broker. The connection lost handler is
// silenced first so a deliberate close never reads as a failure.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Disconnect(disconnectQuiesce)
	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// lost forwards an unexpected disconnect unless Close already ran.
func (c *conn) lost(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.listener.OnDisconnect(err)
}
