package inproc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleymq/parley-go/transport"
)

// recordingListener captures every event a connection emits.
type recordingListener struct {
	mu          sync.Mutex
	topics      []string
	bodies      []string
	disconnects []error
	offline     int
	online      int
	errs        []error
}

func (l *recordingListener) OnMessage(topic string, body []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.topics = append(l.topics, topic)
	l.bodies = append(l.bodies, string(body))
}

func (l *recordingListener) OnDisconnect(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects = append(l.disconnects, err)
}

func (l *recordingListener) OnOffline() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline++
}

func (l *recordingListener) OnOnline() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.online++
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) received() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.topics...)
}

func dial(t *testing.T, b *Broker, opts transport.Options) (transport.Connection, *recordingListener) {
	t.Helper()
	l := &recordingListener{}
	conn, err := b.Transport().Connect(context.Background(), "inproc://", opts, l)
	require.NoError(t, err)
	return conn, l
}

func TestRouting(t *testing.T) {
	t.Run("delivers to matching filters only", func(t *testing.T) {
		b := NewBroker()
		sub, l := dial(t, b, transport.Options{})
		pub, _ := dial(t, b, transport.Options{})

		require.NoError(t, sub.Subscribe(context.Background(), "svc/+/ping"))

		require.NoError(t, pub.Publish(context.Background(), transport.Message{Topic: "svc/42/ping", Body: []byte("a")}))
		require.NoError(t, pub.Publish(context.Background(), transport.Message{Topic: "svc/42/43/ping", Body: []byte("b")}))

		assert.Equal(t, []string{"svc/42/ping"}, l.received())
	})

	t.Run("one delivery per connection even with overlapping filters", func(t *testing.T) {
		b := NewBroker()
		sub, l := dial(t, b, transport.Options{})
		require.NoError(t, sub.Subscribe(context.Background(), "a/#", "a/+"))

		require.NoError(t, sub.Publish(context.Background(), transport.Message{Topic: "a/b", Body: []byte("x")}))

		assert.Equal(t, []string{"a/b"}, l.received())
	})

	t.Run("publisher receives its own publish when subscribed", func(t *testing.T) {
		b := NewBroker()
		conn, l := dial(t, b, transport.Options{})
		require.NoError(t, conn.Subscribe(context.Background(), "loop"))

		require.NoError(t, conn.Publish(context.Background(), transport.Message{Topic: "loop", Body: []byte("x")}))

		assert.Equal(t, []string{"loop"}, l.received())
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		b := NewBroker()
		conn, l := dial(t, b, transport.Options{})
		require.NoError(t, conn.Subscribe(context.Background(), "t"))
		require.NoError(t, conn.Unsubscribe(context.Background(), "t"))

		require.NoError(t, conn.Publish(context.Background(), transport.Message{Topic: "t", Body: []byte("x")}))

		assert.Empty(t, l.received())
	})

	t.Run("rejects invalid filters", func(t *testing.T) {
		b := NewBroker()
		conn, _ := dial(t, b, transport.Options{})
		assert.Error(t, conn.Subscribe(context.Background(), "a/#/b"))
	})
}

func TestRetained(t *testing.T) {
	t.Run("retained message is delivered on later subscribe", func(t *testing.T) {
		b := NewBroker()
		pub, _ := dial(t, b, transport.Options{})
		require.NoError(t, pub.Publish(context.Background(), transport.Message{Topic: "cfg/x", Body: []byte("v1"), Retain: true}))

		sub, l := dial(t, b, transport.Options{})
		require.NoError(t, sub.Subscribe(context.Background(), "cfg/#"))

		assert.Equal(t, []string{"cfg/x"}, l.received())
	})

	t.Run("empty retained body clears the slot", func(t *testing.T) {
		b := NewBroker()
		pub, _ := dial(t, b, transport.Options{})
		require.NoError(t, pub.Publish(context.Background(), transport.Message{Topic: "cfg/x", Body: []byte("v1"), Retain: true}))
		require.NoError(t, pub.Publish(context.Background(), transport.Message{Topic: "cfg/x", Retain: true}))

		sub, l := dial(t, b, transport.Options{})
		require.NoError(t, sub.Subscribe(context.Background(), "cfg/#"))

		assert.Empty(t, l.received())
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("forced disconnect notifies the listener and delivers the will", func(t *testing.T) {
		b := NewBroker()
		watcher, wl := dial(t, b, transport.Options{})
		require.NoError(t, watcher.Subscribe(context.Background(), "last/+"))

		cause := errors.New("kicked")
		_, vl := dial(t, b, transport.Options{
			ClientID: "victim",
			Will:     &transport.Will{Topic: "last/victim", Body: []byte("gone")},
		})

		require.True(t, b.Disconnect("victim", cause))

		assert.Equal(t, []string{"last/victim"}, wl.received())
		vl.mu.Lock()
		defer vl.mu.Unlock()
		require.Len(t, vl.disconnects, 1)
		assert.Equal(t, cause, vl.disconnects[0])
	})

	t.Run("deliberate close delivers no will and no disconnect event", func(t *testing.T) {
		b := NewBroker()
		watcher, wl := dial(t, b, transport.Options{})
		require.NoError(t, watcher.Subscribe(context.Background(), "last/+"))

		conn, l := dial(t, b, transport.Options{
			Will: &transport.Will{Topic: "last/me", Body: []byte("gone")},
		})
		require.NoError(t, conn.Close())
		require.NoError(t, conn.Close(), "close is idempotent")

		assert.Empty(t, wl.received())
		l.mu.Lock()
		defer l.mu.Unlock()
		assert.Empty(t, l.disconnects)
	})

	t.Run("disconnect all drops every connection", func(t *testing.T) {
		b := NewBroker()
		dial(t, b, transport.Options{})
		dial(t, b, transport.Options{})

		assert.Equal(t, 2, b.DisconnectAll(errors.New("shutdown")))
		assert.Equal(t, 0, b.Connections())
	})
}

func TestBrokerControls(t *testing.T) {
	t.Run("offline and online reach every connection once", func(t *testing.T) {
		b := NewBroker()
		_, l := dial(t, b, transport.Options{})

		b.SetOffline(true)
		b.SetOffline(true)
		b.SetOffline(false)

		l.mu.Lock()
		defer l.mu.Unlock()
		assert.Equal(t, 1, l.offline)
		assert.Equal(t, 1, l.online)
	})

	t.Run("refused dials fail until accepting again", func(t *testing.T) {
		b := NewBroker()
		b.SetAccepting(false)

		_, err := b.Transport().Connect(context.Background(), "inproc://", transport.Options{}, &recordingListener{})
		require.Error(t, err)

		b.SetAccepting(true)
		_, err = b.Transport().Connect(context.Background(), "inproc://", transport.Options{}, &recordingListener{})
		assert.NoError(t, err)
	})
}
