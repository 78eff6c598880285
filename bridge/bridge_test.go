package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleymq/parley-go/dispatch"
	"github.com/parleymq/parley-go/message"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturePublish records outbound publishes and optionally hands them to
// respond, which plays the broker's role in these tests.
type capturePublish struct {
	mu       sync.Mutex
	topics   []string
	payloads []message.Payload
	respond  func(ctx context.Context, topic string, payload message.Payload)
	err      error
}

func (c *capturePublish) publish(ctx context.Context, topic string, payload message.Payload) error {
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload)
	respond := c.respond
	err := c.err
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if respond != nil {
		respond(ctx, topic, payload)
	}
	return nil
}

func (c *capturePublish) last() (string, message.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.topics) == 0 {
		return "", message.Payload{}
	}
	return c.topics[len(c.topics)-1], c.payloads[len(c.payloads)-1]
}

func newTestBridge(t *testing.T, pub *capturePublish) (*RequestBridge, *dispatch.Registry) {
	t.Helper()
	reg := dispatch.NewRegistry(dispatch.WithLogger(quietLogger()))
	b, err := NewRequestBridge(reg, pub.publish, WithLogger(quietLogger()))
	require.NoError(t, err)
	return b, reg
}

func TestNewRequestBridge(t *testing.T) {
	t.Run("requires registrar and publish", func(t *testing.T) {
		_, err := NewRequestBridge(nil, (&capturePublish{}).publish)
		assert.Error(t, err)
		_, err = NewRequestBridge(dispatch.NewRegistry(), nil)
		assert.Error(t, err)
	})

	t.Run("defaults the topic key", func(t *testing.T) {
		b, err := NewRequestBridge(dispatch.NewRegistry(), (&capturePublish{}).publish)
		require.NoError(t, err)
		assert.Equal(t, "respondTo", b.TopicKey())
	})
}

func TestRequestResolves(t *testing.T) {
	t.Run("response on the derived topic resolves the caller", func(t *testing.T) {
		pub := &capturePublish{}
		b, reg := newTestBridge(t, pub)

		// Echo broker: deliver the request payload straight back to the
		// response topic it names.
		pub.respond = func(ctx context.Context, topic string, payload message.Payload) {
			resTopic, ok := payload.GetString("respondTo")
			require.True(t, ok)
			reg.Dispatch(ctx, resTopic, payload)
		}

		res, err := b.Request(context.Background(), "echo", message.Structured(map[string]any{"x": 1}), time.Second, nil)
		require.NoError(t, err)

		v, _ := res.Get("x")
		assert.Equal(t, 1, v)
		assert.Equal(t, 0, b.PendingCount())
		assert.Equal(t, 0, reg.Len(), "transient handler should be gone")
	})

	t.Run("derived response topic has the request topic and token", func(t *testing.T) {
		pub := &capturePublish{}
		b, reg := newTestBridge(t, pub)
		pub.respond = func(ctx context.Context, topic string, payload message.Payload) {
			resTopic, _ := payload.GetString("respondTo")
			assert.True(t, strings.HasPrefix(resTopic, "svc/cmd/res/"), "got %q", resTopic)
			assert.Contains(t, strings.TrimPrefix(resTopic, "svc/cmd/res/"), "-")
			reg.Dispatch(ctx, resTopic, payload)
		}

		_, err := b.Request(context.Background(), "svc/cmd", message.Structured(nil), time.Second, nil)
		require.NoError(t, err)

		topic, _ := pub.last()
		assert.Equal(t, "svc/cmd", topic)
	})

	t.Run("caller supplied respondTo wins over the injected one", func(t *testing.T) {
		pub := &capturePublish{}
		b, _ := newTestBridge(t, pub)

		_, err := b.Request(context.Background(), "echo",
			message.Structured(map[string]any{"respondTo": "mine"}), 30*time.Millisecond, nil)
		assert.ErrorIs(t, err, ErrTimeout, "nothing answers on the derived topic")

		_, outbound := pub.last()
		v, _ := outbound.GetString("respondTo")
		assert.Equal(t, "mine", v)
	})

	t.Run("format post-processes the response", func(t *testing.T) {
		pub := &capturePublish{}
		b, reg := newTestBridge(t, pub)
		pub.respond = func(ctx context.Context, topic string, payload message.Payload) {
			resTopic, _ := payload.GetString("respondTo")
			reg.Dispatch(ctx, resTopic, payload)
		}

		format := func(p message.Payload) (message.Payload, error) {
			return p.With("formatted", true), nil
		}
		res, err := b.Request(context.Background(), "echo", message.Structured(nil), time.Second, format)
		require.NoError(t, err)
		_, ok := res.Get("formatted")
		assert.True(t, ok)
	})

	t.Run("format failure is reported to the caller", func(t *testing.T) {
		pub := &capturePublish{}
		b, reg := newTestBridge(t, pub)
		pub.respond = func(ctx context.Context, topic string, payload message.Payload) {
			resTopic, _ := payload.GetString("respondTo")
			reg.Dispatch(ctx, resTopic, payload)
		}

		format := func(p message.Payload) (message.Payload, error) {
			return message.Payload{}, errors.New("bad shape")
		}
		_, err := b.Request(context.Background(), "echo", message.Structured(nil), time.Second, format)
		assert.ErrorContains(t, err, "bad shape")
	})
}

func TestRequestTimeout(t *testing.T) {
	t.Run("times out and removes the transient handler", func(t *testing.T) {
		pub := &capturePublish{}
		b, reg := newTestBridge(t, pub)

		start := time.Now()
		_, err := b.Request(context.Background(), "silent", message.Structured(nil), 50*time.Millisecond, nil)
		elapsed := time.Since(start)

		assert.ErrorIs(t, err, ErrTimeout)
		assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
		assert.Less(t, elapsed, time.Second)
		assert.Equal(t, 0, b.PendingCount())
		assert.Equal(t, 0, reg.Len())

		// A late response reaches no handler at all.
		_, outbound := pub.last()
		resTopic, _ := outbound.GetString("respondTo")
		assert.Equal(t, 0, reg.Dispatch(context.Background(), resTopic, message.Structured(nil)))
	})

	t.Run("zero timeout waits for the context instead", func(t *testing.T) {
		pub := &capturePublish{}
		b, _ := newTestBridge(t, pub)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := b.Request(ctx, "silent", message.Structured(nil), 0, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, b.PendingCount())
	})
}

func TestRequestSingleResolution(t *testing.T) {
	t.Run("duplicate responses resolve once", func(t *testing.T) {
		pub := &capturePublish{}
		b, reg := newTestBridge(t, pub)

		var resTopic string
		pub.respond = func(ctx context.Context, topic string, payload message.Payload) {
			resTopic, _ = payload.GetString("respondTo")
			assert.Equal(t, 1, reg.Dispatch(ctx, resTopic, message.Structured(map[string]any{"n": 1})))
			// The first completion removed the handler, so the duplicate
			// lands nowhere.
			assert.Equal(t, 0, reg.Dispatch(ctx, resTopic, message.Structured(map[string]any{"n": 2})))
		}

		res, err := b.Request(context.Background(), "echo", message.Structured(nil), time.Second, nil)
		require.NoError(t, err)
		n, _ := res.Get("n")
		assert.Equal(t, 1, n)
	})

	t.Run("response racing the timer produces exactly one outcome", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			pub := &capturePublish{}
			b, reg := newTestBridge(t, pub)
			pub.respond = func(ctx context.Context, topic string, payload message.Payload) {
				resTopic, _ := payload.GetString("respondTo")
				go func() {
					time.Sleep(time.Millisecond)
					reg.Dispatch(context.Background(), resTopic, payload)
				}()
			}

			res, err := b.Request(context.Background(), "racy", message.Structured(map[string]any{"i": i}), time.Millisecond, nil)
			if err != nil {
				assert.ErrorIs(t, err, ErrTimeout)
			} else {
				v, ok := res.Get("i")
				assert.True(t, ok)
				assert.Equal(t, i, v)
			}
			assert.Equal(t, 0, b.PendingCount())
			assert.Equal(t, 0, reg.Len())
		}
	})
}

func TestRequestErrors(t *testing.T) {
	t.Run("raw payload is rejected", func(t *testing.T) {
		pub := &capturePublish{}
		b, _ := newTestBridge(t, pub)

		_, err := b.Request(context.Background(), "t", message.Raw([]byte("bytes")), time.Second, nil)
		assert.ErrorIs(t, err, message.ErrNotStructured)
	})

	t.Run("empty topic is rejected", func(t *testing.T) {
		pub := &capturePublish{}
		b, _ := newTestBridge(t, pub)

		_, err := b.Request(context.Background(), "", message.Structured(nil), time.Second, nil)
		assert.Error(t, err)
	})

	t.Run("publish failure cleans up and reports", func(t *testing.T) {
		sentinel := errors.New("transport down")
		pub := &capturePublish{err: sentinel}
		b, reg := newTestBridge(t, pub)

		_, err := b.Request(context.Background(), "t", message.Structured(nil), time.Second, nil)
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 0, b.PendingCount())
		assert.Equal(t, 0, reg.Len())
	})
}

func TestBridgeClose(t *testing.T) {
	t.Run("fails in-flight requests and rejects new ones", func(t *testing.T) {
		pub := &capturePublish{}
		b, _ := newTestBridge(t, pub)

		errCh := make(chan error, 1)
		go func() {
			_, err := b.Request(context.Background(), "t", message.Structured(nil), 0, nil)
			errCh <- err
		}()

		require.Eventually(t, func() bool { return b.PendingCount() == 1 },
			time.Second, time.Millisecond)
		require.NoError(t, b.Close())

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("request did not complete on close")
		}

		_, err := b.Request(context.Background(), "t", message.Structured(nil), time.Second, nil)
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		pub := &capturePublish{}
		b, _ := newTestBridge(t, pub)
		require.NoError(t, b.Close())
		require.NoError(t, b.Close())
	})
}
