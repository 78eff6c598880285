package parley

import (
	"context"
	"errors"
	"sync"
)

// Pool owns a set of clients keyed by broker URL, one per URL. It replaces
// ad hoc client caching: the owner decides when connections are created
// and when they all go away.
type Pool struct {
	opts []Option

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewPool creates an empty pool. opts apply to every client the pool
// creates, before any per-call options.
func NewPool(opts ...Option) *Pool {
	return &Pool{
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// GetOrCreate returns the pool's client for url, dialing on first use.
// Options are honored only when the call creates the client; later calls
// for the same url return the existing one as-is. The returned client has
// completed its first connect.
func (p *Pool) GetOrCreate(ctx context.Context, url string, opts ...Option) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := p.clients[url]; ok {
		p.mu.Unlock()
		// Waits out the first connect if another caller is mid-dial.
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}

	c, err := New(url, append(append([]Option{}, p.opts...), opts...)...)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.clients[url] = c
	p.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		p.mu.Lock()
		delete(p.clients, url)
		p.mu.Unlock()
		c.Close()
		return nil, err
	}
	return c, nil
}

// Len returns the number of pooled clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close tears down every pooled client. The pool is unusable afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
