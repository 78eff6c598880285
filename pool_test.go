package parley

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleymq/parley-go/transports/inproc"
)

func newTestPool(b *inproc.Broker) *Pool {
	return NewPool(
		WithConfig(fastConfig()),
		WithTransport(b.Transport()),
		WithLogger(testLogger()),
	)
}

func TestPoolGetOrCreate(t *testing.T) {
	t.Run("one client per url, connected on return", func(t *testing.T) {
		b := inproc.NewBroker()
		p := newTestPool(b)
		defer p.Close()

		c1, err := p.GetOrCreate(context.Background(), "inproc://a")
		require.NoError(t, err)
		assert.True(t, c1.IsConnected())

		c2, err := p.GetOrCreate(context.Background(), "inproc://a")
		require.NoError(t, err)
		assert.Same(t, c1, c2, "same url reuses the client")

		c3, err := p.GetOrCreate(context.Background(), "inproc://b")
		require.NoError(t, err)
		assert.NotSame(t, c1, c3, "different urls get their own clients")

		assert.Equal(t, 2, p.Len())
		assert.Equal(t, 2, b.Connections())
	})

	t.Run("a failed dial does not poison the pool", func(t *testing.T) {
		b := inproc.NewBroker()
		b.SetAccepting(false)
		p := newTestPool(b)
		defer p.Close()

		_, err := p.GetOrCreate(context.Background(), "inproc://a",
			WithMaxConnectionAttempts(2))
		require.ErrorIs(t, err, ErrConnectionExhausted)
		assert.Equal(t, 0, p.Len())

		b.SetAccepting(true)
		c, err := p.GetOrCreate(context.Background(), "inproc://a")
		require.NoError(t, err)
		assert.True(t, c.IsConnected())
	})
}

func TestPoolClose(t *testing.T) {
	b := inproc.NewBroker()
	p := newTestPool(b)

	c1, err := p.GetOrCreate(context.Background(), "inproc://a")
	require.NoError(t, err)
	_, err = p.GetOrCreate(context.Background(), "inproc://b")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "close is idempotent")

	assert.Equal(t, 0, b.Connections())
	assert.ErrorIs(t, c1.Connect(context.Background()), ErrClosed)

	_, err = p.GetOrCreate(context.Background(), "inproc://c")
	assert.ErrorIs(t, err, ErrClosed)
}
