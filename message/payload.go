package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotStructured is returned by operations that require key/value access
// on a payload that only carries raw bytes.
var ErrNotStructured = errors.New("message: payload is not structured")

// Kind discriminates the two payload representations.
type Kind uint8

const (
	// KindRaw is an opaque byte payload.
	KindRaw Kind = iota
	// KindStructured is a string-keyed map payload.
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindStructured:
		return "structured"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Payload is the unit of data carried by publishes, deliveries, requests and
// responses. It is a tagged union: either raw bytes or a structured map of
// string keys to values. The zero value is an empty raw payload.
//
// Payload has value semantics at the API surface: With, Without and Merge
// return modified copies and never touch the receiver. The underlying map of
// a structured payload is shared between copies that did not diverge on it,
// so callers must treat the result of Fields as read-only.
type Payload struct {
	kind   Kind
	raw    []byte
	fields map[string]any
}

// Raw wraps opaque bytes in a payload.
func Raw(body []byte) Payload {
	return Payload{kind: KindRaw, raw: body}
}

// Structured wraps a key/value map in a payload. The map is used as-is;
// passing nil yields an empty structured payload.
func Structured(fields map[string]any) Payload {
	return Payload{kind: KindStructured, fields: fields}
}

// Parse interprets inbound wire bytes. A JSON object becomes a structured
// payload; anything else, JSON or not, is kept as raw bytes. Malformed input
// is not an error here, it just stays opaque.
func Parse(body []byte) Payload {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		// Not a JSON object. "null" unmarshals into a nil map and is
		// treated as raw as well.
		return Raw(body)
	}
	return Structured(fields)
}

// Kind returns the payload's representation.
func (p Payload) Kind() Kind { return p.kind }

// IsStructured reports whether the payload carries a key/value map.
func (p Payload) IsStructured() bool { return p.kind == KindStructured }

// Bytes returns the wire form: raw bytes verbatim, structured payloads as
// canonical JSON.
func (p Payload) Bytes() ([]byte, error) {
	if p.kind == KindRaw {
		return p.raw, nil
	}
	if p.fields == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(p.fields)
	if err != nil {
		return nil, fmt.Errorf("message: serialize payload: %w", err)
	}
	return b, nil
}

// Fields returns the underlying map of a structured payload, or nil for raw
// payloads. Callers must not mutate the returned map.
func (p Payload) Fields() map[string]any {
	return p.fields
}

// Get looks up a field on a structured payload.
func (p Payload) Get(key string) (any, bool) {
	if p.kind != KindStructured || p.fields == nil {
		return nil, false
	}
	v, ok := p.fields[key]
	return v, ok
}

// GetString looks up a field and reports it as a string when it is one.
func (p Payload) GetString(key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// With returns a copy of the payload with key set to value. Raw payloads are
// returned unchanged; injecting fields into opaque bytes has no meaning.
func (p Payload) With(key string, value any) Payload {
	if p.kind != KindStructured {
		return p
	}
	fields := make(map[string]any, len(p.fields)+1)
	for k, v := range p.fields {
		fields[k] = v
	}
	fields[key] = value
	return Structured(fields)
}

// Without returns a copy of the payload with key removed. Raw payloads are
// returned unchanged.
func (p Payload) Without(key string) Payload {
	if p.kind != KindStructured {
		return p
	}
	if _, ok := p.fields[key]; !ok {
		return p
	}
	fields := make(map[string]any, len(p.fields))
	for k, v := range p.fields {
		if k != key {
			fields[k] = v
		}
	}
	return Structured(fields)
}

// Merge combines two payloads with overlay winning on every key collision.
// The defaults payload only contributes keys the overlay is missing. When
// the overlay is raw it is returned as-is; raw defaults contribute nothing.
func Merge(defaults, overlay Payload) Payload {
	if overlay.kind != KindStructured {
		return overlay
	}
	if defaults.kind != KindStructured || len(defaults.fields) == 0 {
		return overlay
	}
	fields := make(map[string]any, len(defaults.fields)+len(overlay.fields))
	for k, v := range defaults.fields {
		fields[k] = v
	}
	for k, v := range overlay.fields {
		fields[k] = v
	}
	return Structured(fields)
}
