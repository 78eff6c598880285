// Package bridge provides synchronous request-response over publish/subscribe.
//
// The bridge turns a one-way topic bus into something a caller can await:
// each request gets a private response topic derived from a correlation
// token, a transient handler on that topic, and exactly one completion from
// whichever of response arrival, timeout or context cancellation happens
// first.
//
// The bridge handles:
//   - Correlation tokens (time prefix + random suffix, no central sequence)
//   - Response topics of the form {topic}/res/{token}
//   - Injecting the response topic into the outbound payload as a default,
//     so caller-supplied fields always win
//   - Atomic cleanup: the transient handler is removed with the completion,
//     and a late response is dispatched to no handler
//
// Basic usage:
//
//	b, err := bridge.NewRequestBridge(registry, publish)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Send a request and wait up to 30s for the correlated response.
//	res, err := b.Request(ctx, "orders/validate", payload, 30*time.Second, nil)
//
// The responder side is symmetric and lives in dispatch: deliveries whose
// payload carries the response topic key get a message.Responder attached.
package bridge
