package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerSequence(t *testing.T) {
	t.Run("grows by factor and caps at max", func(t *testing.T) {
		s := New(100*time.Millisecond, 1*time.Second, 3, 0)

		want := []time.Duration{
			100 * time.Millisecond,
			300 * time.Millisecond,
			900 * time.Millisecond,
			1000 * time.Millisecond,
			1000 * time.Millisecond,
		}
		for i, w := range want {
			assert.Equal(t, w, s.Next(), "delay %d", i)
		}
	})

	t.Run("reset restarts the sequence", func(t *testing.T) {
		s := New(100*time.Millisecond, 1*time.Second, 3, 0)
		s.Next()
		s.Next()
		s.Reset()

		assert.Equal(t, 100*time.Millisecond, s.Next())
		assert.Equal(t, 300*time.Millisecond, s.Next())
	})
}

func TestSchedulerRandomization(t *testing.T) {
	t.Run("scales the capped delay by 1 plus random times factor", func(t *testing.T) {
		s := New(100*time.Millisecond, 1*time.Second, 3, 0.5)
		s.random = func() float64 { return 1.0 }

		assert.Equal(t, 150*time.Millisecond, s.Next())
		assert.Equal(t, 450*time.Millisecond, s.Next())
	})

	t.Run("zero randomization is deterministic", func(t *testing.T) {
		a := New(100*time.Millisecond, 1*time.Second, 3, 0)
		b := New(100*time.Millisecond, 1*time.Second, 3, 0)
		for i := 0; i < 5; i++ {
			assert.Equal(t, a.Next(), b.Next())
		}
	})

	t.Run("randomized delay stays within the configured band", func(t *testing.T) {
		s := New(100*time.Millisecond, 1*time.Second, 3, 0.5)
		d := s.Next()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	})
}

func TestSchedulerDefaults(t *testing.T) {
	t.Run("out of range parameters fall back to defaults", func(t *testing.T) {
		s := New(0, 0, 0, -1)
		assert.Equal(t, DefaultInitial, s.Next())
		assert.Equal(t, 2*DefaultInitial, s.Next())
	})
}
