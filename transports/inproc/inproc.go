// Package inproc provides an in-memory broker and transport adapter for
// tests, examples and single-process wiring. Routing uses the same
// wildcard rules as the wire transports, delivery is synchronous, and the
// broker can simulate the failure modes a real broker exhibits: forced
// disconnects, flow control and refused dials.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/parleymq/parley-go/topics"
	"github.com/parleymq/parley-go/transport"
)

// Broker is an in-memory topic broker. Connections publish into it and
// receive whatever matches their subscribed filters.
type Broker struct {
	mu       sync.Mutex
	conns    map[*conn]struct{}
	retained map[string]transport.Message
	nextID   int
	offline  bool
	refusing bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		conns:    make(map[*conn]struct{}),
		retained: make(map[string]transport.Message),
	}
}

// Transport returns an adapter that dials this broker. The url is
// accepted and ignored; every Connect lands on the same broker.
func (b *Broker) Transport() transport.Transport {
	return &brokerTransport{b: b}
}

type brokerTransport struct {
	b *Broker
}

func (t *brokerTransport) Name() string { return "inproc" }

func (t *brokerTransport) Connect(ctx context.Context, url string, opts transport.Options, l transport.Listener) (transport.Connection, error) {
	return t.b.attach(ctx, opts, l)
}

func (b *Broker) attach(ctx context.Context, opts transport.Options, l transport.Listener) (*conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refusing {
		return nil, fmt.Errorf("inproc: broker refusing connections")
	}

	b.nextID++
	id := opts.ClientID
	if id == "" {
		id = fmt.Sprintf("inproc-%d", b.nextID)
	}
	c := &conn{
		broker:   b,
		listener: l,
		id:       id,
		will:     opts.Will,
		filters:  make(map[string]struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

func (b *Broker) detach(c *conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// route delivers msg to every connection with a matching filter. Delivery
// is synchronous: the publisher returns after every listener saw the
// message. Retained messages replace the previous one for their topic; an
// empty retained body clears it.
func (b *Broker) route(msg transport.Message) {
	b.mu.Lock()
	if msg.Retain {
		if len(msg.Body) == 0 {
			delete(b.retained, msg.Topic)
		} else {
			b.retained[msg.Topic] = msg
		}
	}
	targets := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		if c.matches(msg.Topic) {
			c.listener.OnMessage(msg.Topic, msg.Body)
		}
	}
}

// retainedFor returns the retained messages matching any of filters.
func (b *Broker) retainedFor(filters []string) []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var msgs []transport.Message
	for topic, msg := range b.retained {
		for _, f := range filters {
			if topics.Match(f, topic) {
				msgs = append(msgs, msg)
				break
			}
		}
	}
	return msgs
}

// Disconnect force-closes the connection with the given client id, the
// way a broker kicking a client would: the will goes out and the
// connection's listener hears OnDisconnect. Reports whether a live
// connection was found.
func (b *Broker) Disconnect(clientID string, cause error) bool {
	b.mu.Lock()
	var target *conn
	for c := range b.conns {
		if c.id == clientID {
			target = c
			break
		}
	}
	if target != nil {
		delete(b.conns, target)
	}
	b.mu.Unlock()

	if target == nil {
		return false
	}
	target.drop(cause)
	return true
}

// DisconnectAll force-closes every connection and returns how many were
// dropped.
func (b *Broker) DisconnectAll(cause error) int {
	b.mu.Lock()
	targets := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		targets = append(targets, c)
	}
	b.conns = make(map[*conn]struct{})
	b.mu.Unlock()

	for _, c := range targets {
		c.drop(cause)
	}
	return len(targets)
}

// SetOffline flips broker flow control. Every live connection hears
// OnOffline or OnOnline; connections stay up throughout.
func (b *Broker) SetOffline(offline bool) {
	b.mu.Lock()
	if b.offline == offline {
		b.mu.Unlock()
		return
	}
	b.offline = offline
	targets := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		if offline {
			c.listener.OnOffline()
		} else {
			c.listener.OnOnline()
		}
	}
}

// SetAccepting controls whether new dials succeed. Refused dials return
// an error, which exercises the caller's retry path.
func (b *Broker) SetAccepting(accepting bool) {
	b.mu.Lock()
	b.refusing = !accepting
	b.mu.Unlock()
}

// Connections returns the number of live connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// conn is one attachment to the broker.
type conn struct {
	broker   *Broker
	listener transport.Listener
	id       string
	will     *transport.Will

	mu      sync.Mutex
	filters map[string]struct{}
	closed  bool
}

func (c *conn) Publish(ctx context.Context, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("inproc: connection closed")
	}

	c.broker.route(msg)
	return nil
}

func (c *conn) Subscribe(ctx context.Context, filters ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("inproc: connection closed")
	}
	for _, f := range filters {
		if err := topics.ValidateFilter(f); err != nil {
			c.mu.Unlock()
			return err
		}
		c.filters[f] = struct{}{}
	}
	c.mu.Unlock()

	// Retained delivery happens outside the locks: a handler is free to
	// publish or subscribe again from inside OnMessage.
	for _, msg := range c.broker.retainedFor(filters) {
		c.listener.OnMessage(msg.Topic, msg.Body)
	}
	return nil
}

func (c *conn) Unsubscribe(ctx context.Context, filters ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("inproc: connection closed")
	}
	for _, f := range filters {
		delete(c.filters, f)
	}
	return nil
}

// Close detaches from the broker. A deliberate close delivers no will and
// no OnDisconnect.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.broker.detach(c)
	return nil
}

// matches reports whether any subscribed filter matches topic.
func (c *conn) matches(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	for f := range c.filters {
		if topics.Match(f, topic) {
			return true
		}
	}
	return false
}

// drop is the abnormal-close path: will delivery, then the disconnect
// notification. The broker entry is already gone.
func (c *conn) drop(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	will := c.will
	c.mu.Unlock()

	if will != nil {
		c.broker.route(transport.Message{
			Topic:  will.Topic,
			Body:   will.Body,
			QoS:    will.QoS,
			Retain: will.Retain,
		})
	}
	c.listener.OnDisconnect(cause)
}
