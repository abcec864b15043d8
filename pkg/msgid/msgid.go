// Package msgid defines the message identifier space of the svclink protocol.
//
// A message identifier is a 32-bit value. The value space is partitioned
// into disjoint ranges, so the category of a message is known from its
// numeric value alone:
//
//	0                NoFunction (a request without a response)
//	1 .. 99          service control calls
//	100 .. 4195      requests
//	4196 .. 8291     responses and broadcasts
//	8292 .. 12387    attributes
//	0xFFFFFFFF       InvalidID
//
// Every range is dense: the array index of a message within its category is
// the distance from the range start.
package msgid

import (
	"errors"
	"fmt"
)

// ID identifies a message of a service interface.
type ID uint32

// Reserved identifiers.
const (
	// NoFunction marks a request that has no response.
	NoFunction ID = 0

	// InvalidID marks "no such message".
	InvalidID ID = 0xFFFFFFFF
)

// Range boundaries.
const (
	// RangeSize is the number of identifiers in each message range.
	RangeSize = 0x1000

	ServiceControlFirst ID = 1
	ServiceControlLast  ID = RequestFirst - 1

	RequestFirst ID = 100
	RequestLast  ID = RequestFirst + RangeSize - 1

	ResponseFirst ID = RequestLast + 1
	ResponseLast  ID = ResponseFirst + RangeSize - 1

	AttributeFirst ID = ResponseLast + 1
	AttributeLast  ID = AttributeFirst + RangeSize - 1
)

// Service control calls exchanged between a consumer and a provider.
const (
	// ServiceConnect asks the provider to accept a consumer.
	ServiceConnect ID = ServiceControlFirst

	// ServiceDisconnect tells the provider a consumer is leaving.
	ServiceDisconnect ID = ServiceControlFirst + 1
)

// ErrUnknownID is returned for identifiers outside every range.
var ErrUnknownID = errors.New("unknown message id")

// Kind is the category of a message identifier.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNoFunction
	KindServiceControl
	KindRequest
	KindResponse
	KindAttribute
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNoFunction:
		return "NO_FUNCTION"
	case KindServiceControl:
		return "SERVICE_CONTROL"
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindAttribute:
		return "ATTRIBUTE"
	default:
		return "INVALID"
	}
}

// Classify returns the category of id by range membership.
func Classify(id ID) Kind {
	switch {
	case id == NoFunction:
		return KindNoFunction
	case id >= ServiceControlFirst && id <= ServiceControlLast:
		return KindServiceControl
	case id >= RequestFirst && id <= RequestLast:
		return KindRequest
	case id >= ResponseFirst && id <= ResponseLast:
		return KindResponse
	case id >= AttributeFirst && id <= AttributeLast:
		return KindAttribute
	default:
		return KindInvalid
	}
}

// Kind returns the category of the identifier.
func (id ID) Kind() Kind {
	return Classify(id)
}

// IsRequest reports whether id is in the request range.
func (id ID) IsRequest() bool { return Classify(id) == KindRequest }

// IsResponse reports whether id is in the response range.
func (id ID) IsResponse() bool { return Classify(id) == KindResponse }

// IsAttribute reports whether id is in the attribute range.
func (id ID) IsAttribute() bool { return Classify(id) == KindAttribute }

// IsServiceControl reports whether id is a service control call.
func (id ID) IsServiceControl() bool { return Classify(id) == KindServiceControl }

// IsValid reports whether id belongs to any category, including NoFunction.
func (id ID) IsValid() bool { return Classify(id) != KindInvalid }

// String formats the identifier with its category.
func (id ID) String() string {
	return fmt.Sprintf("%s(%d)", Classify(id), uint32(id))
}

// First returns the first identifier of the range of kind k.
func First(k Kind) (ID, bool) {
	switch k {
	case KindServiceControl:
		return ServiceControlFirst, true
	case KindRequest:
		return RequestFirst, true
	case KindResponse:
		return ResponseFirst, true
	case KindAttribute:
		return AttributeFirst, true
	default:
		return InvalidID, false
	}
}

// Index converts id to a dense array index within its range.
func Index(id ID) (int, error) {
	first, ok := First(Classify(id))
	if !ok {
		return -1, fmt.Errorf("%w: %d", ErrUnknownID, uint32(id))
	}
	return int(id - first), nil
}

// RequestID returns the request identifier at index i.
func RequestID(i int) ID { return RequestFirst + ID(i) }

// ResponseID returns the response identifier at index i.
func ResponseID(i int) ID { return ResponseFirst + ID(i) }

// AttributeID returns the attribute identifier at index i.
func AttributeID(i int) ID { return AttributeFirst + ID(i) }
