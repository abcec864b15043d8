package wire

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrEmptyPayload is returned when reading a payload that holds nothing.
var ErrEmptyPayload = errors.New("wire: empty payload")

// cborNull is the CBOR encoding of nil.
var cborNull = []byte{0xf6}

// Payload is one argument or parameter of an event.
//
// A payload built in-process holds the live value. A payload decoded from
// a stream holds the raw CBOR item and is only decoded when read with As.
type Payload struct {
	value any
	raw   []byte
	live  bool
}

// ValueOf wraps a live value.
func ValueOf(v any) Payload {
	return Payload{value: v, live: true}
}

// RawPayload wraps an encoded CBOR item.
func RawPayload(data []byte) Payload {
	return Payload{raw: bytes.Clone(data)}
}

// Snapshot encodes v and wraps the encoding, so later changes to v are not
// seen through the payload.
func Snapshot(v any) (Payload, error) {
	data, err := Marshal(v)
	if err != nil {
		return Payload{}, err
	}
	return Payload{raw: data}, nil
}

// Values wraps each value with ValueOf.
func Values(vs ...any) []Payload {
	if len(vs) == 0 {
		return nil
	}
	ps := make([]Payload, len(vs))
	for i, v := range vs {
		ps[i] = ValueOf(v)
	}
	return ps
}

// IsZero reports whether the payload holds nothing.
func (p Payload) IsZero() bool {
	return !p.live && (len(p.raw) == 0 || bytes.Equal(p.raw, cborNull))
}

// IsLive reports whether the payload holds a live value.
func (p Payload) IsLive() bool { return p.live }

// Value returns the live value, or nil for a raw payload.
func (p Payload) Value() any { return p.value }

// Raw returns the CBOR encoding of the payload.
func (p Payload) Raw() ([]byte, error) {
	return p.MarshalCBOR()
}

// MarshalCBOR implements cbor.Marshaler.
func (p Payload) MarshalCBOR() ([]byte, error) {
	if p.live {
		return Marshal(p.value)
	}
	if len(p.raw) == 0 {
		return cborNull, nil
	}
	return p.raw, nil
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (p *Payload) UnmarshalCBOR(data []byte) error {
	*p = RawPayload(data)
	return nil
}

// Equal reports whether two payloads encode to the same canonical bytes.
func (p Payload) Equal(q Payload) bool {
	a, errA := p.MarshalCBOR()
	b, errB := q.MarshalCBOR()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Check reports an error when a raw payload is not one well-formed CBOR
// item. Live and empty payloads always pass.
func (p Payload) Check() error {
	if p.live || len(p.raw) == 0 {
		return nil
	}
	var v any
	if err := Unmarshal(p.raw, &v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// String formats the payload for logs.
func (p Payload) String() string {
	if p.live {
		return fmt.Sprintf("%v", p.value)
	}
	return fmt.Sprintf("cbor(%d bytes)", len(p.raw))
}

// As returns the payload as a T.
// Live values of type T are returned as is; anything else is converted
// through its CBOR encoding.
func As[T any](p Payload) (T, error) {
	var out T
	if p.IsZero() {
		return out, ErrEmptyPayload
	}
	if p.live {
		if v, ok := p.value.(T); ok {
			return v, nil
		}
	}
	data, err := p.MarshalCBOR()
	if err != nil {
		return out, err
	}
	if err := Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decoding payload as %T: %w", out, err)
	}
	return out, nil
}
