package parley

import (
	"context"
	"fmt"
	"time"

	"github.com/parleymq/parley-go/message"
	"github.com/parleymq/parley-go/transport"
)

// transportListener adapts transport events onto the client lifecycle. A
// separate type keeps the Listener methods off the public Client surface.
type transportListener struct {
	c *Client
}

func (l *transportListener) OnMessage(topic string, body []byte) {
	l.c.dispatch(topic, body)
}

func (l *transportListener) OnDisconnect(err error) {
	l.c.connectionLost(err)
}

func (l *transportListener) OnOffline() {
	l.c.brokerOffline()
}

func (l *transportListener) OnOnline() {
	l.c.brokerOnline()
}

func (l *transportListener) OnError(err error) {
	l.c.transportError(err)
}

// dispatch decodes one inbound message and fans it out through the
// registry. Bytes that are not a JSON object stay raw; the handler still
// runs.
func (c *Client) dispatch(topic string, body []byte) {
	payload := message.Parse(body)
	n := c.registry.Dispatch(context.Background(), topic, payload)
	c.logger.Debug("message dispatched", "topic", topic, "handlers", n)
}

// connectionLost hands a dead connection to the run loop. The adapter
// reports each connection's end at most once, so a buffered push cannot
// drop a live event.
func (c *Client) connectionLost(err error) {
	select {
	case c.lost <- err:
	default:
	}
}

func (c *Client) brokerOffline() {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Offline
	c.mu.Unlock()

	c.logger.Warn("broker stopped accepting publishes")
	c.notify(func(o Observer) { o.OnOffline() })
}

func (c *Client) brokerOnline() {
	c.mu.Lock()
	if c.state != Offline {
		c.mu.Unlock()
		return
	}
	c.state = Connected
	c.mu.Unlock()

	c.logger.Info("broker accepting publishes again")
	c.notify(func(o Observer) { o.OnOnline() })
}

// transportError surfaces a non-fatal transport error. The client stays in
// its current state; a transport error never terminates anything by
// itself.
func (c *Client) transportError(err error) {
	if err == nil {
		return
	}
	c.logger.Error("transport error", "error", err)
	c.notify(func(o Observer) { o.OnError(err) })
}

// run owns every lifecycle transition. It dials, replays state onto each
// new connection, waits out the connection's life and redials with backoff
// until the attempt budget is spent or the client closes.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn, err := c.dialOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !c.nextAttempt(ctx, err) {
				return
			}
			continue
		}

		c.connected(ctx, conn)

		select {
		case err := <-c.lost:
			c.disconnected(err)
			if !c.nextAttempt(ctx, err) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dialOnce makes a single connection attempt, bounded by the configured
// connect timeout.
func (c *Client) dialOnce(ctx context.Context) (transport.Connection, error) {
	dialCtx := ctx
	if t := time.Duration(c.cfg.Transport.ConnectTimeout); t > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	conn, err := c.transport.Connect(dialCtx, c.cfg.URL, c.transportOptions(), &transportListener{c: c})
	if err != nil {
		c.logger.Warn("connection attempt failed",
			"url", c.cfg.URL,
			"transport", c.transport.Name(),
			"error", err,
		)
		c.notify(func(o Observer) { o.OnError(fmt.Errorf("parley: connect: %w", err)) })
		return nil, err
	}
	return conn, nil
}

// connected installs a live connection and replays client state onto it:
// every registered pattern is re-subscribed and the announcement goes out
// before observers hear about the connection.
func (c *Client) connected(ctx context.Context, conn transport.Connection) {
	c.mu.Lock()
	if c.closed {
		// Close raced the dial; it never saw this connection.
		c.mu.Unlock()
		conn.Close()
		return
	}
	first := !c.everConnected
	c.conn = conn
	c.attempt = 0
	c.backoff.Reset()
	c.state = Connected
	c.everConnected = true
	c.mu.Unlock()

	c.logger.Info("connected",
		"url", c.cfg.URL,
		"transport", c.transport.Name(),
		"reconnect", !first,
	)

	c.resubscribe(ctx, conn)
	c.announce(ctx)

	if first {
		close(c.ready)
		c.notify(func(o Observer) { o.OnReady() })
	} else {
		c.notify(func(o Observer) { o.OnReconnected() })
	}
}

// disconnected records the loss of the active connection.
func (c *Client) disconnected(err error) {
	c.mu.Lock()
	c.conn = nil
	c.state = Reconnecting
	c.mu.Unlock()

	c.logger.Warn("connection lost", "error", err)
}

// nextAttempt accounts one failed attempt and sleeps the backoff delay.
// It reports whether the run loop should dial again; false means the
// client closed, the context ended or the attempt budget is spent.
func (c *Client) nextAttempt(ctx context.Context, cause error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	c.attempt++
	attempt := c.attempt
	if limit := c.cfg.MaxConnectionAttempts; limit > 0 && attempt > limit {
		c.failLocked(attempt)
		return false
	}

	if c.everConnected {
		c.state = Reconnecting
	} else {
		c.state = Connecting
	}
	delay := c.backoff.Next()
	c.mu.Unlock()

	c.logger.Info("scheduling reconnect",
		"attempt", attempt,
		"delay", delay,
		"cause", cause,
	)
	c.notify(func(o Observer) { o.OnReconnecting(attempt) })

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// failLocked is the terminal transition: the attempt budget is spent. When
// the connection is marked required the client also closes, failing every
// pending request; otherwise it stays alive with retries stopped and
// publishes returning ErrNotConnected. Called with c.mu held; unlocks it.
func (c *Client) failLocked(attempts int) {
	c.state = Failed
	c.err = ErrConnectionExhausted
	needed := c.cfg.ConnectionNeeded
	if needed {
		c.closed = true
	}
	close(c.failed)
	c.mu.Unlock()

	if needed {
		c.logger.Error("connection attempts exhausted, connection is required",
			"attempts", attempts,
		)
		c.bridge.Close()
		c.notify(func(o Observer) { o.OnFailed(ErrConnectionExhausted) })
		return
	}

	c.logger.Warn("connection attempts exhausted, giving up reconnecting",
		"attempts", attempts,
	)
}

// resubscribe pushes every registered pattern, durable and transient
// alike, onto a fresh connection.
func (c *Client) resubscribe(ctx context.Context, conn transport.Connection) {
	patterns := c.registry.Patterns()
	if len(patterns) == 0 {
		return
	}
	if err := conn.Subscribe(ctx, patterns...); err != nil {
		c.logger.Error("re-subscription failed", "patterns", len(patterns), "error", err)
		c.notify(func(o Observer) { o.OnError(fmt.Errorf("parley: resubscribe: %w", err)) })
		return
	}
	c.logger.Debug("subscriptions restored", "patterns", len(patterns))
}

// announce publishes the online announcement through the normal transform
// pipeline so it carries the same uuid and timestamp fields as any other
// publish.
func (c *Client) announce(ctx context.Context) {
	topic := c.cfg.OnConnect.Topic
	if topic == "" {
		return
	}
	payload := message.Structured(map[string]any{"status": "online"})
	if err := c.Publish(ctx, topic, payload); err != nil {
		c.logger.Warn("online announcement failed", "topic", topic, "error", err)
	}
}

// notify invokes fn for every registered observer, outside the client
// lock.
func (c *Client) notify(fn func(Observer)) {
	c.mu.Lock()
	obs := make([]Observer, len(c.observers))
	copy(obs, c.observers)
	c.mu.Unlock()

	for _, o := range obs {
		fn(o)
	}
}

// respond is the reply half of request/response: the response payload is
// built by the middleware pipeline and leaves through the normal publish
// path.
func (c *Client) respond(ctx context.Context, topic string, data message.Payload, cause error) error {
	return c.Publish(ctx, topic, c.response.Apply(data, cause))
}

// requestRegistrar gives the bridge handler-table access that also keeps
// the wire subscription for each transient response topic in step with
// the registry.
type requestRegistrar struct {
	c *Client
}

func (r *requestRegistrar) Set(pattern string, h message.Handler) error {
	if err := r.c.registry.Set(pattern, h); err != nil {
		return err
	}
	r.c.wireSubscribe(pattern)
	return nil
}

func (r *requestRegistrar) Remove(pattern string) bool {
	removed := r.c.registry.Remove(pattern)
	if removed {
		r.c.wireUnsubscribe(pattern)
	}
	return removed
}

// wireSubscribe pushes one pattern to the broker if a connection is live.
// Before the first connect this is a no-op; connected replays the whole
// registry.
func (c *Client) wireSubscribe(pattern string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	if err := conn.Subscribe(context.Background(), pattern); err != nil {
		c.logger.Error("subscribe failed", "pattern", pattern, "error", err)
		c.notify(func(o Observer) { o.OnError(fmt.Errorf("parley: subscribe %q: %w", pattern, err)) })
	}
}

func (c *Client) wireUnsubscribe(pattern string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	if err := conn.Unsubscribe(context.Background(), pattern); err != nil {
		c.logger.Warn("unsubscribe failed", "pattern", pattern, "error", err)
	}
}

// transportOptions maps the transport section of the configuration onto
// the adapter options.
func (c *Client) transportOptions() transport.Options {
	tc := c.cfg.Transport
	opts := transport.Options{
		ClientID:       tc.ClientID,
		Username:       tc.Username,
		Password:       tc.Password,
		KeepAlive:      time.Duration(tc.KeepAlive),
		ConnectTimeout: time.Duration(tc.ConnectTimeout),
		CleanSession:   tc.CleanSession,
		DefaultQoS:     tc.QoS,
	}
	if tc.Will.Topic != "" {
		opts.Will = &transport.Will{
			Topic:  tc.Will.Topic,
			Body:   []byte(tc.Will.Payload),
			QoS:    tc.Will.QoS,
			Retain: tc.Will.Retain,
		}
	}
	return opts
}
