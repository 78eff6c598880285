// Package dispatch routes inbound messages to the handlers whose
// subscription patterns match their topic.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parleymq/parley-go/message"
	"github.com/parleymq/parley-go/topics"
)

// entry is one registered subscription. Entries keep their slice position
// for the life of the pattern so handlers fire in registration order.
type entry struct {
	pattern string
	handler message.Handler
}

// Registry maps subscription patterns to handlers and fans inbound messages
// out to every matching one. A pattern maps to exactly one handler;
// re-registering replaces the handler in place.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	logger  *slog.Logger

	// Responder synthesis for request/response. When an inbound structured
	// payload carries topicKey, deliveries get a Responder bound to that
	// topic through reply.
	topicKey string
	reply    message.ReplyFunc
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger handler failures are reported to.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResponderSynthesis makes Dispatch attach a Responder to deliveries
// whose payload names a response topic under topicKey.
func WithResponderSynthesis(topicKey string, reply message.ReplyFunc) RegistryOption {
	return func(r *Registry) {
		r.topicKey = topicKey
		r.reply = reply
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Set registers handler under pattern, replacing any previous handler for
// the same pattern without moving it in the registration order.
func (r *Registry) Set(pattern string, handler message.Handler) error {
	if handler == nil {
		return fmt.Errorf("dispatch: handler cannot be nil")
	}
	if err := topics.ValidateFilter(pattern); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].pattern == pattern {
			r.entries[i].handler = handler
			return nil
		}
	}
	r.entries = append(r.entries, entry{pattern: pattern, handler: handler})
	return nil
}

// Get returns the handler registered under pattern.
func (r *Registry) Get(pattern string) (message.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.entries {
		if r.entries[i].pattern == pattern {
			return r.entries[i].handler, true
		}
	}
	return nil, false
}

// Remove deletes the subscription for pattern and reports whether one
// existed. Messages dispatched after Remove returns do not reach the
// removed handler.
func (r *Registry) Remove(pattern string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].pattern == pattern {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Patterns returns every registered pattern in registration order.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := make([]string, len(r.entries))
	for i := range r.entries {
		patterns[i] = r.entries[i].pattern
	}
	return patterns
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Dispatch delivers one inbound message to every handler whose pattern
// matches topic, in registration order, and returns how many handlers ran.
// Handler errors and panics are logged and swallowed here; one handler
// failing never stops the others and nothing propagates to the transport.
func (r *Registry) Dispatch(ctx context.Context, topic string, payload message.Payload) int {
	r.mu.RLock()
	matched := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		if topics.Match(e.pattern, topic) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		return 0
	}

	d := message.Delivery{
		Topic:     topic,
		Payload:   payload,
		Responder: r.synthesizeResponder(payload),
	}

	for _, e := range matched {
		r.invoke(ctx, e, d)
	}
	return len(matched)
}

// synthesizeResponder builds the reply capability for payloads that carry a
// response topic. The capability travels next to the payload, never in it.
func (r *Registry) synthesizeResponder(payload message.Payload) *message.Responder {
	if r.reply == nil || r.topicKey == "" {
		return nil
	}
	resTopic, ok := payload.GetString(r.topicKey)
	if !ok || resTopic == "" {
		return nil
	}
	return message.NewResponder(resTopic, r.reply)
}

// invoke runs one handler under a recover so a panicking handler cannot
// take down the dispatch loop.
func (r *Registry) invoke(ctx context.Context, e entry, d message.Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				"pattern", e.pattern,
				"topic", d.Topic,
				"panic", rec,
			)
		}
	}()

	if err := e.handler.Handle(ctx, d); err != nil {
		r.logger.Error("handler failed",
			"pattern", e.pattern,
			"topic", d.Topic,
			"error", err,
		)
	}
}
