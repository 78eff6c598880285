// Copyright 2024 Parley Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parley

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/parleymq/parley-go/bridge"
	"github.com/parleymq/parley-go/dispatch"
	"github.com/parleymq/parley-go/internal/backoff"
	"github.com/parleymq/parley-go/message"
	"github.com/parleymq/parley-go/pipeline"
	"github.com/parleymq/parley-go/topics"
	"github.com/parleymq/parley-go/transport"
	mqtttransport "github.com/parleymq/parley-go/transports/mqtt"
)

// Client is the main entry point for parley-go. It turns a bare publish/
// subscribe transport into a request/response event bus: wildcard
// subscriptions, an outbound transform pipeline, correlated requests and a
// reconnecting connection lifecycle.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	transport transport.Transport

	registry   *dispatch.Registry
	transforms *pipeline.TransformPipeline
	response   *pipeline.ResponsePipeline
	bridge     *bridge.RequestBridge
	backoff    *backoff.Scheduler
	format     func(message.Payload) (message.Payload, error)

	mu            sync.Mutex
	state         State
	conn          transport.Connection
	err           error
	attempt       int
	everConnected bool
	observers     []Observer
	started       bool
	closed        bool

	// ready closes on the first successful connection, failed on the
	// terminal Failed transition, closing when Close begins. lost carries
	// each dead connection to the run loop.
	ready   chan struct{}
	failed  chan struct{}
	closing chan struct{}
	lost    chan error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a client for the broker at url. The client does not dial
// until Connect.
func New(url string, opts ...Option) (*Client, error) {
	cc := &clientConfig{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cc)
	}
	if url != "" {
		cc.cfg.URL = url
	}
	if cc.cfg.URL == "" {
		return nil, fmt.Errorf("parley: broker url is required")
	}
	if err := cc.cfg.Validate(); err != nil {
		return nil, err
	}
	if cc.cfg.Verbose && !cc.loggerSet {
		cc.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	if cc.transport == nil {
		cc.transport = mqtttransport.NewTransport()
	}

	c := &Client{
		cfg:       cc.cfg,
		logger:    cc.logger,
		transport: cc.transport,
		format:    cc.format,
		observers: cc.observers,
		backoff: backoff.New(
			time.Duration(cc.cfg.Backoff.InitialDelay),
			time.Duration(cc.cfg.Backoff.MaxDelay),
			cc.cfg.Backoff.Factor,
			cc.cfg.Backoff.RandomizationFactor,
		),
		ready:   make(chan struct{}),
		failed:  make(chan struct{}),
		closing: make(chan struct{}),
		lost:    make(chan error, 1),
	}

	c.registry = dispatch.NewRegistry(
		dispatch.WithLogger(c.logger),
		dispatch.WithResponderSynthesis(cc.cfg.Response.TopicKey, c.respond),
	)
	c.transforms = pipeline.NewTransformPipeline(buildTransforms(cc)...)
	c.response = pipeline.NewResponsePipeline()

	var err error
	c.bridge, err = bridge.NewRequestBridge(
		&requestRegistrar{c: c},
		func(ctx context.Context, topic string, payload message.Payload) error {
			return c.Publish(ctx, topic, payload)
		},
		bridge.WithTopicKey(cc.cfg.Response.TopicKey),
		bridge.WithLogger(c.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request bridge: %w", err)
	}

	for _, s := range cc.handlers {
		if err := c.Subscribe(s.pattern, s.handler); err != nil {
			return nil, fmt.Errorf("failed to register handler for %q: %w", s.pattern, err)
		}
	}
	return c, nil
}

// buildTransforms assembles the outbound pipeline from configuration.
// Disabled stages are omitted at construction time, not skipped per
// publish.
func buildTransforms(cc *clientConfig) []pipeline.Transform {
	var stages []pipeline.Transform
	if t := cc.cfg.Transforms.EnsureUUID; t.Enabled {
		stages = append(stages, pipeline.EnsureUUID(t.Field, cc.uuidGen))
	}
	if t := cc.cfg.Transforms.EnsureTimestamp; t.Enabled {
		stages = append(stages, pipeline.EnsureTimestamp(t.Field, cc.tsGen))
	}
	return append(stages, pipeline.Serialize())
}

// Connect starts the connection lifecycle and blocks until the first
// successful connection, context cancellation, close, or attempt
// exhaustion. The lifecycle keeps running in the background afterwards;
// once the first connection succeeded, later calls return immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.started {
		c.started = true
		c.state = Connecting

		var runCtx context.Context
		runCtx, c.cancel = context.WithCancel(context.Background())
		c.wg.Add(1)
		go c.run(runCtx)
	}
	c.mu.Unlock()

	select {
	case <-c.ready:
		return nil
	case <-c.failed:
		return c.Err()
	case <-c.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the client down: the reconnect loop stops, pending requests
// fail with ErrClosed and the connection is closed. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	cancel := c.cancel
	close(c.closing)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.bridge.Close()
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Warn("connection close failed", "error", err)
		}
	}
	c.wg.Wait()
	c.logger.Info("client closed")
	return nil
}

// Subscribe registers handler for every topic matching pattern. Before
// the first connect the subscription is stored and installed on connect;
// afterwards it is also pushed to the broker immediately.
func (c *Client) Subscribe(pattern string, h message.Handler) error {
	if err := c.registry.Set(pattern, h); err != nil {
		return err
	}
	c.wireSubscribe(pattern)
	return nil
}

// Unsubscribe removes the subscription registered under pattern.
func (c *Client) Unsubscribe(pattern string) error {
	if !c.registry.Remove(pattern) {
		return fmt.Errorf("parley: no subscription for %q", pattern)
	}
	c.wireUnsubscribe(pattern)
	return nil
}

// Publish sends payload to topic through the transform pipeline.
func (c *Client) Publish(ctx context.Context, topic string, payload message.Payload, opts ...PublishOption) error {
	return c.send(ctx, topic, c.transforms.Apply(payload), opts)
}

// FastPublish sends payload to topic bypassing the transform pipeline
// entirely. The payload is serialized as-is: no uuid, no timestamp.
func (c *Client) FastPublish(ctx context.Context, topic string, payload message.Payload) error {
	return c.send(ctx, topic, payload, nil)
}

// send is the shared wire path under both publish flavors.
func (c *Client) send(ctx context.Context, topic string, payload message.Payload, opts []PublishOption) error {
	if err := topics.ValidateName(topic); err != nil {
		return fmt.Errorf("parley: publish: %w", err)
	}

	po := publishOptions{qos: c.cfg.Transport.QoS}
	for _, opt := range opts {
		opt(&po)
	}

	body, err := payload.Bytes()
	if err != nil {
		return fmt.Errorf("parley: encode payload: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != Connected {
		return ErrNotConnected
	}

	msg := transport.Message{Topic: topic, Body: body, QoS: po.qos, Retain: po.retain}
	if err := conn.Publish(ctx, msg); err != nil {
		return fmt.Errorf("parley: publish to %q: %w", topic, err)
	}
	return nil
}

// Request publishes payload to topic and waits for the correlated
// response. The response topic rides inside the outbound payload; the
// responding side answers through its Delivery's Responder. Timeout and
// format default from configuration, per-call options override them; a
// missed window surfaces as bridge.ErrTimeout.
func (c *Client) Request(ctx context.Context, topic string, payload message.Payload, opts ...RequestOption) (message.Payload, error) {
	ro := requestOptions{
		timeout: time.Duration(c.cfg.TimeoutResponseAfter),
		format:  c.format,
	}
	for _, opt := range opts {
		opt(&ro)
	}

	var format bridge.FormatFunc
	if ro.format != nil {
		format = bridge.FormatFunc(ro.format)
	}
	return c.bridge.Request(ctx, topic, payload, ro.timeout, format)
}

// AddTransform appends a transform to the outbound pipeline. Custom
// transforms run after the built-in stages, so they see the serialized
// wire form.
func (c *Client) AddTransform(t pipeline.Transform) {
	c.transforms.Add(t)
}

// AddResponseMiddleware appends a middleware to the response-building
// pipeline that Responder.Respond runs (data, error) pairs through.
func (c *Client) AddResponseMiddleware(m pipeline.Middleware) {
	c.response.Add(m)
}

// AddObserver registers a lifecycle observer.
func (c *Client) AddObserver(o Observer) {
	if o == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client currently accepts publishes.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Err returns the terminal error once the client reached Failed, nil
// otherwise.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
