// Package backoff computes reconnection delays for the client lifecycle.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Defaults applied by New when a parameter is unset.
const (
	DefaultInitial = 1 * time.Second
	DefaultMax     = 30 * time.Second
	DefaultFactor  = 2.0
)

// Scheduler produces the delay sequence for one connection's reconnect
// episodes: min(initial * factor^n, max), scaled by 1 + random() *
// randomization. With randomization 0 the sequence is deterministic.
//
// A scheduler belongs to exactly one client connection; independently
// configured clients never share one.
type Scheduler struct {
	initial       time.Duration
	max           time.Duration
	factor        float64
	randomization float64

	mu      sync.Mutex
	attempt int
	random  func() float64
}

// New creates a scheduler. Out-of-range parameters fall back to defaults:
// non-positive durations, factor below 1, negative randomization.
func New(initial, max time.Duration, factor, randomization float64) *Scheduler {
	if initial <= 0 {
		initial = DefaultInitial
	}
	if max <= 0 {
		max = DefaultMax
	}
	if factor < 1 {
		factor = DefaultFactor
	}
	if randomization < 0 {
		randomization = 0
	}
	return &Scheduler{
		initial:       initial,
		max:           max,
		factor:        factor,
		randomization: randomization,
		random:        rand.Float64,
	}
}

// Next returns the delay before the next connection attempt and advances
// the sequence.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := float64(s.initial) * math.Pow(s.factor, float64(s.attempt))
	if delay > float64(s.max) {
		delay = float64(s.max)
	}
	s.attempt++

	if s.randomization > 0 {
		delay *= 1 + s.random()*s.randomization
	}
	return time.Duration(delay)
}

// Reset restarts the sequence at the initial delay. The lifecycle calls it
// on every successful connect so the next disconnect episode starts fresh.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}
