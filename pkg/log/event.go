package log

import (
	"time"

	"github.com/svclink/svclink/pkg/outcome"
	"github.com/svclink/svclink/pkg/wire"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// NodeID identifies the process that captured the event (UUID).
	NodeID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// LocalRole indicates which component captured the event.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// Service is the interface name, if any.
	Service string `cbor:"7,keyasint,omitempty"`

	// Endpoint is the local endpoint address.
	Endpoint string `cbor:"8,keyasint,omitempty"`

	// Peer is the remote endpoint address or network address.
	Peer string `cbor:"9,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Transport layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // Wire/service layer
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Connection/call/validity state
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the event encoding layer.
	LayerWire Layer = 1
	// LayerService is the provider/consumer engine layer.
	LayerService Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerService:
		return "SERVICE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol event (request/response/notification).
	CategoryMessage Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 1
	// CategoryError indicates an error event.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role indicates which component captured the event.
type Role uint8

const (
	RoleUnknown  Role = 0
	RoleProvider Role = 1
	RoleConsumer Role = 2
	RoleRouter   Role = 3
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleProvider:
		return "PROVIDER"
	case RoleConsumer:
		return "CONSUMER"
	case RoleRouter:
		return "ROUTER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures one protocol event.
type MessageEvent struct {
	// Kind distinguishes request/notify request/response/notification.
	Kind wire.Kind `cbor:"1,keyasint"`

	// MessageID is the message identifier.
	MessageID uint32 `cbor:"2,keyasint"`

	// Name is the declared message name, if known.
	Name string `cbor:"3,keyasint,omitempty"`

	// Seq is the sequence number.
	Seq uint32 `cbor:"4,keyasint"`

	// For responses and notifications: the outcome.
	Outcome *outcome.Outcome `cbor:"5,keyasint,omitempty"`

	// For notify requests: the action.
	NotifyAction *wire.NotifyAction `cbor:"6,keyasint,omitempty"`

	// NotifyAlways is set on notify requests that ask for a resend.
	NotifyAlways bool `cbor:"7,keyasint,omitempty"`

	// Params is the number of arguments or parameters carried.
	Params int `cbor:"8,keyasint,omitempty"`

	// Source and Target are the endpoint addresses.
	Source string `cbor:"9,keyasint,omitempty"`
	Target string `cbor:"10,keyasint,omitempty"`

	// ProcessingTime is the duration from request receipt to handler return.
	// Stored as nanoseconds.
	ProcessingTime *time.Duration `cbor:"11,keyasint,omitempty"`
}

// NewMessageEvent captures ev.
func NewMessageEvent(ev wire.Event) *MessageEvent {
	m := &MessageEvent{
		Kind:      ev.Kind(),
		MessageID: uint32(ev.MessageID()),
		Seq:       uint32(ev.Sequence()),
		Source:    ev.Source().String(),
		Target:    ev.Target().String(),
	}
	switch e := ev.(type) {
	case *wire.Request:
		m.Params = len(e.Args)
	case *wire.NotifyRequest:
		action := e.Action
		m.NotifyAction = &action
		m.NotifyAlways = e.NotifyAlways
	case *wire.Response:
		oc := e.Outcome
		m.Outcome = &oc
		m.Params = len(e.Params)
	case *wire.Notification:
		oc := e.Outcome
		m.Outcome = &oc
	}
	return m
}

// StateChangeEvent captures connection, call and validity transitions.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`

	// MessageID names the affected message, if any.
	MessageID uint32 `cbor:"5,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a transport link state change.
	StateEntityConnection StateEntity = 0
	// StateEntityService indicates a consumer-to-provider connection change.
	StateEntityService StateEntity = 1
	// StateEntityRequest indicates a provider call state change.
	StateEntityRequest StateEntity = 2
	// StateEntityValidity indicates a validity change of cached data.
	StateEntityValidity StateEntity = 3
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityService:
		return "SERVICE"
	case StateEntityRequest:
		return "REQUEST"
	case StateEntityValidity:
		return "VALIDITY"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the error code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
