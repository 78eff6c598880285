package message

import (
	"context"
	"errors"
)

// Delivery is one inbound message handed to a handler: the concrete topic it
// arrived on, its payload, and, when the sender asked for a reply, a
// Responder bound to the sender's response topic. Responder is nil for plain
// publishes; it is attached by dispatch and never travels on the wire.
type Delivery struct {
	Topic     string
	Payload   Payload
	Responder *Responder
}

// Handler consumes deliveries for the subscription patterns it was
// registered under. Returned errors are logged and swallowed at the dispatch
// boundary; they never reach other handlers or the transport.
type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// ReplyFunc publishes a reply to a response topic. The client wires this to
// its response middleware pipeline and transport publish path.
type ReplyFunc func(ctx context.Context, topic string, data Payload, cause error) error

// Responder is the reply capability attached to deliveries whose payload
// carried a response topic. It is handed to the handler alongside the
// payload instead of being spliced into it.
type Responder struct {
	topic string
	reply ReplyFunc
}

// NewResponder binds a reply function to a response topic.
func NewResponder(topic string, reply ReplyFunc) *Responder {
	return &Responder{topic: topic, reply: reply}
}

// Topic returns the response topic the reply will be published to.
func (r *Responder) Topic() string {
	if r == nil {
		return ""
	}
	return r.topic
}

// Respond builds the reply from data and cause through the client's response
// middleware and publishes it to the response topic. Either argument may be
// zero; middleware decides how results and errors shape the reply.
func (r *Responder) Respond(ctx context.Context, data Payload, cause error) error {
	if r == nil || r.reply == nil {
		return errors.New("message: delivery has no responder")
	}
	return r.reply(ctx, r.topic, data, cause)
}
