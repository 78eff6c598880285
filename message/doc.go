// Package message provides the payload model and handler contracts for the
// parley event bus.
//
// The types that flow through the system:
//   - Payload: tagged union of raw bytes and structured key/value maps
//   - Delivery: one inbound message (topic, payload, optional responder)
//   - Handler: consumer of deliveries, registered per subscription pattern
//   - Responder: reply capability for deliveries that carry a response topic
//
// Inbound bytes enter through Parse, which keeps anything that is not a JSON
// object as an opaque raw payload so that handlers always run, malformed
// input included. Outbound payloads leave through Bytes.
package message
