// Package pipeline provides the payload processing chains of the parley
// event bus.
//
// Two chains with deliberately different shapes:
//   - TransformPipeline: rewrites outbound payloads as a left fold, each
//     stage receiving the previous stage's output
//   - ResponsePipeline: builds replies as a reduction over an initially
//     empty payload from the handler's result data and error
//
// The default outbound pipeline is assembled by the client at construction:
//   - EnsureUUID: stamps a message identifier when the payload lacks one
//   - EnsureTimestamp: stamps a send time when the payload lacks one
//   - Serialize: converts the structured payload to wire bytes
//
// Disabled stages are left out of the chain when it is built; there is no
// per-publish toggle.
//
// Example usage:
//
//	p := pipeline.NewTransformPipeline(
//		pipeline.EnsureUUID("uuid", nil),
//		pipeline.EnsureTimestamp("timestamp", nil),
//		pipeline.Serialize(),
//	)
//	wire := p.Apply(message.Structured(map[string]any{"x": 1}))
//
// Transforms added later run after the built-in stages, so they receive the
// wire form and suit byte-level rewrites such as compression:
//
//	p.Add(func(pl message.Payload) message.Payload {
//		b, _ := pl.Bytes()
//		return message.Raw(compress(b))
//	})
//
// Stages and middleware run in registration order on the goroutine that
// publishes or replies; they must be fast and must not block.
package pipeline
