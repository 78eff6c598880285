package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleymq/parley-go/message"
)

// Transform rewrites an outbound payload. Transforms must be pure: they
// return a new payload and never mutate their input.
type Transform func(message.Payload) message.Payload

// TransformPipeline applies transforms to outbound payloads as a left fold
// in registration order. It is safe for concurrent use.
type TransformPipeline struct {
	mu     sync.RWMutex
	stages []Transform
}

// NewTransformPipeline builds a pipeline from the given stages, in order.
func NewTransformPipeline(stages ...Transform) *TransformPipeline {
	return &TransformPipeline{stages: stages}
}

// Add appends a transform to the end of the pipeline.
func (p *TransformPipeline) Add(t Transform) {
	if t == nil {
		return
	}
	p.mu.Lock()
	p.stages = append(p.stages, t)
	p.mu.Unlock()
}

// Len returns the number of registered transforms.
func (p *TransformPipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// Apply runs the payload through every stage in registration order.
func (p *TransformPipeline) Apply(payload message.Payload) message.Payload {
	p.mu.RLock()
	stages := p.stages
	p.mu.RUnlock()

	for _, t := range stages {
		payload = t(payload)
	}
	return payload
}

// EnsureField returns a transform that sets field from gen when a structured
// payload does not already carry it. Existing values are never overwritten
// and raw payloads pass through untouched.
func EnsureField(field string, gen func() any) Transform {
	return func(p message.Payload) message.Payload {
		if !p.IsStructured() {
			return p
		}
		if _, ok := p.Get(field); ok {
			return p
		}
		return p.With(field, gen())
	}
}

// EnsureUUID returns the identifier stage of the default pipeline. A nil gen
// falls back to random UUIDs.
func EnsureUUID(field string, gen func() string) Transform {
	if gen == nil {
		gen = uuid.NewString
	}
	return EnsureField(field, func() any { return gen() })
}

// EnsureTimestamp returns the timestamp stage of the default pipeline. A nil
// gen falls back to the current Unix time in milliseconds.
func EnsureTimestamp(field string, gen func() any) Transform {
	if gen == nil {
		gen = func() any { return time.Now().UnixMilli() }
	}
	return EnsureField(field, gen)
}

// Serialize returns the final stage of the default pipeline, converting a
// structured payload to its wire bytes. A payload that cannot be serialized
// is passed through structured so the publish path reports the error.
func Serialize() Transform {
	return func(p message.Payload) message.Payload {
		if !p.IsStructured() {
			return p
		}
		b, err := p.Bytes()
		if err != nil {
			return p
		}
		return message.Raw(b)
	}
}
