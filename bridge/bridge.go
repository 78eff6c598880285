package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleymq/parley-go/message"
)

// ErrTimeout is returned by Request when no response arrives within the
// configured window.
var ErrTimeout = errors.New("bridge: request timed out")

// ErrClosed is returned for requests issued or in flight after Close.
var ErrClosed = errors.New("bridge: closed")

// DefaultTopicKey is the payload field the response topic is injected
// under when no other key is configured.
const DefaultTopicKey = "respondTo"

// Registrar is the slice of the handler table the bridge needs: installing
// and removing the transient handlers that receive responses.
type Registrar interface {
	Set(pattern string, h message.Handler) error
	Remove(pattern string) bool
}

// PublishFunc sends an outbound payload through the client's normal publish
// path, transform pipeline included.
type PublishFunc func(ctx context.Context, topic string, payload message.Payload) error

// FormatFunc post-processes a response payload before it reaches the
// caller. A format error is reported through Request's error return.
type FormatFunc func(message.Payload) (message.Payload, error)

// result is the single completion value of a pending request.
type result struct {
	payload message.Payload
	err     error
}

// pendingRequest is one in-flight request. It completes exactly once: the
// completer that removes it from the table pushes the one result.
type pendingRequest struct {
	token     string
	resTopic  string
	createdAt time.Time
	timer     *time.Timer
	done      chan result
}

// RequestBridge correlates outbound requests with their inbound responses.
// For every request it derives a private response topic, installs a
// transient one-shot handler there, and completes the caller with whichever
// of response, timeout or cancellation happens first.
type RequestBridge struct {
	registrar Registrar
	publish   PublishFunc
	topicKey  string
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// BridgeOption configures the RequestBridge.
type BridgeOption func(*RequestBridge)

// WithTopicKey sets the payload field the response topic is injected under.
func WithTopicKey(key string) BridgeOption {
	return func(b *RequestBridge) {
		if key != "" {
			b.topicKey = key
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(b *RequestBridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewRequestBridge creates a bridge that installs response handlers through
// registrar and sends requests through publish.
func NewRequestBridge(registrar Registrar, publish PublishFunc, opts ...BridgeOption) (*RequestBridge, error) {
	if registrar == nil {
		return nil, fmt.Errorf("bridge: registrar cannot be nil")
	}
	if publish == nil {
		return nil, fmt.Errorf("bridge: publish func cannot be nil")
	}

	b := &RequestBridge{
		registrar: registrar,
		publish:   publish,
		topicKey:  DefaultTopicKey,
		logger:    slog.Default(),
		pending:   make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// TopicKey returns the configured response-topic field name.
func (b *RequestBridge) TopicKey() string {
	return b.topicKey
}

// PendingCount returns the number of requests awaiting a response.
func (b *RequestBridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Request publishes payload to topic and waits for the correlated response.
// The response topic "{topic}/res/{token}" is merged into the payload under
// the configured topic key as a default, so a caller-supplied field of the
// same name wins. A timeout of zero waits until the response arrives or ctx
// is cancelled. format, when non-nil, post-processes the response.
func (b *RequestBridge) Request(ctx context.Context, topic string, payload message.Payload, timeout time.Duration, format FormatFunc) (message.Payload, error) {
	if topic == "" {
		return message.Payload{}, fmt.Errorf("bridge: topic cannot be empty")
	}
	if !payload.IsStructured() {
		// There is no field to carry the response topic in, so the request
		// could never be answered.
		return message.Payload{}, fmt.Errorf("bridge: request payload must be structured: %w", message.ErrNotStructured)
	}

	pending, err := b.track(topic)
	if err != nil {
		return message.Payload{}, err
	}

	handler := message.HandlerFunc(func(_ context.Context, d message.Delivery) error {
		b.complete(pending.token, result{payload: d.Payload})
		return nil
	})
	if err := b.registrar.Set(pending.resTopic, handler); err != nil {
		b.untrack(pending.token)
		return message.Payload{}, fmt.Errorf("bridge: install response handler: %w", err)
	}

	if timeout > 0 {
		b.arm(pending.token, timeout)
	}

	// Injected correlation fields act as defaults: the caller's own data
	// wins on key collision.
	outbound := message.Merge(message.Structured(map[string]any{b.topicKey: pending.resTopic}), payload)

	if err := b.publish(ctx, topic, outbound); err != nil {
		b.complete(pending.token, result{err: fmt.Errorf("bridge: publish request: %w", err)})
	}

	var res result
	select {
	case res = <-pending.done:
	case <-ctx.Done():
		// Completing on behalf of the cancelled context loses against a
		// response or timeout that got there first; done then carries the
		// winner's result.
		b.complete(pending.token, result{err: ctx.Err()})
		res = <-pending.done
	}

	if res.err != nil {
		return message.Payload{}, res.err
	}
	if format != nil {
		formatted, err := format(res.payload)
		if err != nil {
			return message.Payload{}, fmt.Errorf("bridge: format response: %w", err)
		}
		return formatted, nil
	}
	return res.payload, nil
}

// track allocates a token and registers the pending request.
func (b *RequestBridge) track(topic string) (*pendingRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	token := newToken()
	for {
		if _, exists := b.pending[token]; !exists {
			break
		}
		token = newToken()
	}

	pending := &pendingRequest{
		token:     token,
		resTopic:  topic + "/res/" + token,
		createdAt: time.Now(),
		done:      make(chan result, 1),
	}
	b.pending[token] = pending
	return pending, nil
}

// untrack drops a pending request that never became observable.
func (b *RequestBridge) untrack(token string) {
	b.mu.Lock()
	delete(b.pending, token)
	b.mu.Unlock()
}

// arm starts the timeout timer for a pending request. The timer field is
// only touched under the table lock; a request that completed before the
// timer could be stored just stops it again.
func (b *RequestBridge) arm(token string, timeout time.Duration) {
	t := time.AfterFunc(timeout, func() {
		if b.complete(token, result{err: ErrTimeout}) {
			b.logger.Debug("request timed out", "token", token, "timeout", timeout)
		}
	})

	b.mu.Lock()
	if pending, ok := b.pending[token]; ok {
		pending.timer = t
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	t.Stop()
}

// complete finishes a pending request exactly once. Whichever caller
// removes the entry from the table delivers its result; later completers
// find nothing and report false. Removal of the transient handler rides the
// same completion, so a late response is dispatched to no handler.
func (b *RequestBridge) complete(token string, res result) bool {
	b.mu.Lock()
	pending, ok := b.pending[token]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, token)
	timer := pending.timer
	b.mu.Unlock()

	b.registrar.Remove(pending.resTopic)
	if timer != nil {
		timer.Stop()
	}
	pending.done <- res
	return true
}

// Close fails every in-flight request with ErrClosed and rejects new ones.
func (b *RequestBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	tokens := make([]string, 0, len(b.pending))
	for token := range b.pending {
		tokens = append(tokens, token)
	}
	b.mu.Unlock()

	for _, token := range tokens {
		b.complete(token, result{err: ErrClosed})
	}
	return nil
}

// newToken builds a correlation token from a time prefix and a random
// suffix, so tokens sort roughly by creation time without a central
// sequence.
func newToken() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + uuid.NewString()[:8]
}
