package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleymq/parley-go/message"
)

func quietRegistry(opts ...RegistryOption) *Registry {
	opts = append([]RegistryOption{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return NewRegistry(opts...)
}

func recordingHandler(got *[]string, name string) message.Handler {
	return message.HandlerFunc(func(ctx context.Context, d message.Delivery) error {
		*got = append(*got, name)
		return nil
	})
}

func TestRegistrySet(t *testing.T) {
	t.Run("rejects nil handler", func(t *testing.T) {
		r := quietRegistry()
		assert.Error(t, r.Set("a/b", nil))
	})

	t.Run("rejects malformed pattern", func(t *testing.T) {
		r := quietRegistry()
		err := r.Set("a/#/b", message.HandlerFunc(func(ctx context.Context, d message.Delivery) error {
			return nil
		}))
		assert.Error(t, err)
	})

	t.Run("replaces handler for an existing pattern in place", func(t *testing.T) {
		var got []string
		r := quietRegistry()
		require.NoError(t, r.Set("a", recordingHandler(&got, "first a")))
		require.NoError(t, r.Set("b", recordingHandler(&got, "b")))
		require.NoError(t, r.Set("a", recordingHandler(&got, "second a")))

		assert.Equal(t, 1, r.Dispatch(context.Background(), "a", message.Payload{}))
		assert.Equal(t, []string{"second a"}, got)
		assert.Equal(t, []string{"a", "b"}, r.Patterns())
	})
}

func TestRegistryDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("invokes every matching handler in registration order", func(t *testing.T) {
		var got []string
		r := quietRegistry()
		require.NoError(t, r.Set("svc/+/ping", recordingHandler(&got, "wildcard")))
		require.NoError(t, r.Set("other/topic", recordingHandler(&got, "other")))
		require.NoError(t, r.Set("svc/#", recordingHandler(&got, "multi")))

		n := r.Dispatch(ctx, "svc/42/ping", message.Payload{})
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"wildcard", "multi"}, got)
	})

	t.Run("no matching pattern invokes nothing", func(t *testing.T) {
		var got []string
		r := quietRegistry()
		require.NoError(t, r.Set("svc/+/ping", recordingHandler(&got, "h")))

		assert.Equal(t, 0, r.Dispatch(ctx, "svc/42/43/ping", message.Payload{}))
		assert.Empty(t, got)
	})

	t.Run("handler sees the concrete topic not the pattern", func(t *testing.T) {
		var gotTopic string
		r := quietRegistry()
		require.NoError(t, r.Set("svc/+/ping", message.HandlerFunc(func(ctx context.Context, d message.Delivery) error {
			gotTopic = d.Topic
			return nil
		})))

		r.Dispatch(ctx, "svc/42/ping", message.Payload{})
		assert.Equal(t, "svc/42/ping", gotTopic)
	})

	t.Run("a failing handler does not stop the others", func(t *testing.T) {
		var got []string
		r := quietRegistry()
		require.NoError(t, r.Set("t", message.HandlerFunc(func(ctx context.Context, d message.Delivery) error {
			return errors.New("boom")
		})))
		require.NoError(t, r.Set("#", recordingHandler(&got, "survivor")))

		assert.Equal(t, 2, r.Dispatch(ctx, "t", message.Payload{}))
		assert.Equal(t, []string{"survivor"}, got)
	})

	t.Run("a panicking handler does not stop the others", func(t *testing.T) {
		var got []string
		r := quietRegistry()
		require.NoError(t, r.Set("t", message.HandlerFunc(func(ctx context.Context, d message.Delivery) error {
			panic("handler bug")
		})))
		require.NoError(t, r.Set("#", recordingHandler(&got, "survivor")))

		assert.NotPanics(t, func() { r.Dispatch(ctx, "t", message.Payload{}) })
		assert.Equal(t, []string{"survivor"}, got)
	})

	t.Run("removed handler no longer fires", func(t *testing.T) {
		var got []string
		r := quietRegistry()
		require.NoError(t, r.Set("t", recordingHandler(&got, "h")))
		assert.True(t, r.Remove("t"))
		assert.False(t, r.Remove("t"))

		assert.Equal(t, 0, r.Dispatch(ctx, "t", message.Payload{}))
		assert.Empty(t, got)
	})
}

func TestResponderSynthesis(t *testing.T) {
	ctx := context.Background()

	t.Run("attaches a responder when the payload names a response topic", func(t *testing.T) {
		var replied struct {
			topic string
			data  message.Payload
		}
		reply := func(ctx context.Context, topic string, data message.Payload, cause error) error {
			replied.topic = topic
			replied.data = data
			return nil
		}

		r := quietRegistry(WithResponderSynthesis("respondTo", reply))
		var responder *message.Responder
		require.NoError(t, r.Set("echo", message.HandlerFunc(func(ctx context.Context, d message.Delivery) error {
			responder = d.Responder
			return d.Responder.Respond(ctx, d.Payload, nil)
		})))

		payload := message.Structured(map[string]any{"x": 1, "respondTo": "echo/res/tok"})
		r.Dispatch(ctx, "echo", payload)

		require.NotNil(t, responder)
		assert.Equal(t, "echo/res/tok", responder.Topic())
		assert.Equal(t, "echo/res/tok", replied.topic)
		v, _ := replied.data.Get("x")
		assert.Equal(t, 1, v)
	})

	t.Run("no responder without the topic key", func(t *testing.T) {
		r := quietRegistry(WithResponderSynthesis("respondTo", func(ctx context.Context, topic string, data message.Payload, cause error) error {
			return nil
		}))
		var d message.Delivery
		require.NoError(t, r.Set("plain", message.HandlerFunc(func(ctx context.Context, got message.Delivery) error {
			d = got
			return nil
		})))

		r.Dispatch(ctx, "plain", message.Structured(map[string]any{"x": 1}))
		assert.Nil(t, d.Responder)
	})

	t.Run("no responder for raw payloads", func(t *testing.T) {
		r := quietRegistry(WithResponderSynthesis("respondTo", func(ctx context.Context, topic string, data message.Payload, cause error) error {
			return nil
		}))
		var d message.Delivery
		require.NoError(t, r.Set("plain", message.HandlerFunc(func(ctx context.Context, got message.Delivery) error {
			d = got
			return nil
		})))

		r.Dispatch(ctx, "plain", message.Raw([]byte(`respondTo`)))
		assert.Nil(t, d.Responder)
	})
}
