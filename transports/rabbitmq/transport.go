// Package rabbitmq adapts RabbitMQ to the transport interfaces using a
// topic exchange.
//
// Topic filters translate to AMQP binding keys: levels join with dots,
// "+" becomes "*" and a trailing "#" stays "#". Both grammars give "#"
// the same zero-or-more meaning, so subscription semantics carry over.
// Topic levels must not contain dots themselves.
//
// AMQP has no retained messages and no will; both are accepted and
// ignored.
package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/parleymq/parley-go/transport"
)

// defaultExchange is the topic exchange all traffic flows through.
const defaultExchange = "parley.topic"

// defaultHeartbeat keeps dead TCP connections from lingering when the
// caller sets no keepalive.
const defaultHeartbeat = 10 * time.Second

// Transport dials RabbitMQ brokers.
type Transport struct {
	exchange string
}

// Option configures the transport.
type Option func(*Transport)

// WithExchange overrides the topic exchange name.
func WithExchange(name string) Option {
	return func(t *Transport) {
		t.exchange = name
	}
}

// NewTransport returns a RabbitMQ transport.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{exchange: defaultExchange}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (*Transport) Name() string { return "rabbitmq" }

// Connect dials the broker at url (amqp:// or amqps://), declares the
// topic exchange and sets up a private server-named queue that carries
// this connection's subscriptions.
func (t *Transport) Connect(ctx context.Context, url string, opts transport.Options, l transport.Listener) (transport.Connection, error) {
	cfg := amqp.Config{
		Heartbeat:  opts.KeepAlive,
		Properties: amqp.NewConnectionProperties(),
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if opts.ConnectTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(opts.ConnectTimeout)
	}
	if opts.ClientID != "" {
		cfg.Properties.SetClientConnectionName(opts.ClientID)
	}
	if opts.Username != "" {
		cfg.SASL = []amqp.Authentication{
			&amqp.PlainAuth{Username: opts.Username, Password: opts.Password},
		}
	}

	amqpConn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: connect %s: %w", url, err)
	}

	c, err := newConn(amqpConn, t.exchange, opts, l)
	if err != nil {
		amqpConn.Close()
		return nil, err
	}
	return c, nil
}

// conn is one live AMQP connection. Publishing and consuming run on
// separate channels so a failed publish cannot tear down the consumer.
type conn struct {
	listener transport.Listener
	amqp     *amqp.Connection
	pubCh    *amqp.Channel
	subCh    *amqp.Channel
	exchange string
	queue    string
	qos      byte

	mu     sync.Mutex
	closed bool
}

func newConn(amqpConn *amqp.Connection, exchange string, opts transport.Options, l transport.Listener) (*conn, error) {
	pubCh, err := amqpConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open publish channel: %w", err)
	}
	subCh, err := amqpConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open consume channel: %w", err)
	}

	err = pubCh.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: declare exchange %s: %w", exchange, err)
	}

	// A server-named exclusive queue holds this connection's
	// subscriptions. It disappears with the connection, which is the
	// behaviour a resubscribing caller expects after a redial.
	q, err := subCh.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: declare queue: %w", err)
	}

	deliveries, err := subCh.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: consume: %w", err)
	}

	c := &conn{
		listener: l,
		amqp:     amqpConn,
		pubCh:    pubCh,
		subCh:    subCh,
		exchange: exchange,
		queue:    q.Name,
		qos:      opts.DefaultQoS,
	}

	go c.deliver(deliveries)
	go c.watchClose(amqpConn.NotifyClose(make(chan *amqp.Error, 1)))
	go c.watchBlocked(amqpConn.NotifyBlocked(make(chan amqp.Blocking, 1)))

	return c, nil
}

// deliver forwards consumed messages until the channel drains.
func (c *conn) deliver(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if c.isClosed() {
			return
		}
		c.listener.OnMessage(fromRoutingKey(d.RoutingKey), d.Body)
	}
}

// watchClose turns an abnormal connection close into OnDisconnect. A
// deliberate Close closes the notify channel without sending.
func (c *conn) watchClose(errs <-chan *amqp.Error) {
	err, ok := <-errs
	if !ok || c.isClosed() {
		return
	}
	c.listener.OnDisconnect(err)
}

// watchBlocked maps broker flow control onto OnOffline and OnOnline.
func (c *conn) watchBlocked(blocked <-chan amqp.Blocking) {
	for b := range blocked {
		if c.isClosed() {
			return
		}
		if b.Active {
			c.listener.OnOffline()
		} else {
			c.listener.OnOnline()
		}
	}
}

func (c *conn) Publish(ctx context.Context, msg transport.Message) error {
	if c.isClosed() {
		return fmt.Errorf("rabbitmq: connection closed")
	}

	deliveryMode := amqp.Transient
	if msg.QoS > 0 {
		deliveryMode = amqp.Persistent
	}
	err := c.pubCh.PublishWithContext(ctx,
		c.exchange,
		toRoutingKey(msg.Topic),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg.Body,
			DeliveryMode: deliveryMode,
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}
	return nil
}

func (c *conn) Subscribe(ctx context.Context, filters ...string) error {
	if c.isClosed() {
		return fmt.Errorf("rabbitmq: connection closed")
	}
	for _, f := range filters {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.subCh.QueueBind(c.queue, toRoutingKey(f), c.exchange, false, nil); err != nil {
			return fmt.Errorf("rabbitmq: bind %q: %w", f, err)
		}
	}
	return nil
}

func (c *conn) Unsubscribe(ctx context.Context, filters ...string) error {
	if c.isClosed() {
		return fmt.Errorf("rabbitmq: connection closed")
	}
	for _, f := range filters {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.subCh.QueueUnbind(c.queue, toRoutingKey(f), c.exchange, nil); err != nil {
			return fmt.Errorf("rabbitmq: unbind %q: %w", f, err)
		}
	}
	return nil
}

// Close tears the connection down, taking both channels and the private
// queue with it. The close watcher is silenced first.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.amqp.Close(); err != nil {
		return fmt.Errorf("rabbitmq: close: %w", err)
	}
	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// toRoutingKey translates a topic or filter into an AMQP routing key.
func toRoutingKey(topic string) string {
	key := strings.ReplaceAll(topic, "/", ".")
	return strings.ReplaceAll(key, "+", "*")
}

// fromRoutingKey translates a delivered routing key back into a topic.
// Delivered keys are concrete, so only the separator needs mapping.
func fromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}
