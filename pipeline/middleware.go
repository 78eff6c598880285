package pipeline

import (
	"sync"

	"github.com/parleymq/parley-go/message"
)

// Middleware builds one step of a reply. It receives the reply accumulated
// so far together with the original result data and error, and returns the
// next accumulated reply.
type Middleware func(acc, data message.Payload, cause error) message.Payload

// ResponsePipeline reduces registered middleware over an empty structured
// payload to build replies. With no middleware registered it degenerates to
// the identity on data. It is safe for concurrent use.
type ResponsePipeline struct {
	mu         sync.RWMutex
	middleware []Middleware
}

// NewResponsePipeline builds a pipeline from the given middleware, in order.
func NewResponsePipeline(mw ...Middleware) *ResponsePipeline {
	return &ResponsePipeline{middleware: mw}
}

// Add appends middleware to the end of the pipeline.
func (p *ResponsePipeline) Add(m Middleware) {
	if m == nil {
		return
	}
	p.mu.Lock()
	p.middleware = append(p.middleware, m)
	p.mu.Unlock()
}

// Len returns the number of registered middleware.
func (p *ResponsePipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.middleware)
}

// Apply builds a reply from data and cause. Every invocation starts the
// reduction from a fresh empty payload; data reaches the reply only through
// middleware. Zero registered middleware returns data unchanged.
func (p *ResponsePipeline) Apply(data message.Payload, cause error) message.Payload {
	p.mu.RLock()
	mw := p.middleware
	p.mu.RUnlock()

	if len(mw) == 0 {
		return data
	}

	acc := message.Structured(nil)
	for _, m := range mw {
		acc = m(acc, data, cause)
	}
	return acc
}
