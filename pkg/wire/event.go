package wire

import (
	"fmt"

	"github.com/svclink/svclink/pkg/msgid"
	"github.com/svclink/svclink/pkg/outcome"
)

// Kind distinguishes the event variants.
type Kind uint8

const (
	KindRequest       Kind = 1
	KindNotifyRequest Kind = 2
	KindResponse      Kind = 3
	KindNotification  Kind = 4
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindNotifyRequest:
		return "NOTIFY_REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindNotification:
		return "NOTIFICATION"
	default:
		return "UNKNOWN"
	}
}

// Event is one of *Request, *NotifyRequest, *Response or *Notification.
type Event interface {
	Kind() Kind
	MessageID() msgid.ID
	Sequence() Seq
	Source() Address
	Target() Address

	sealed()
}

// Header holds the fields common to every event.
//
// CBOR encoding:
//
//	{
//	  1: messageId,  // uint32
//	  2: sequence,   // uint32
//	  3: source,     // Address
//	  4: target,     // Address
//	  ...            // variant fields from key 10
//	}
type Header struct {
	ID   msgid.ID `cbor:"1,keyasint"`
	Seq  Seq      `cbor:"2,keyasint"`
	From Address  `cbor:"3,keyasint"`
	To   Address  `cbor:"4,keyasint"`
}

// MessageID returns the message identifier.
func (h *Header) MessageID() msgid.ID { return h.ID }

// Sequence returns the sequence number.
func (h *Header) Sequence() Seq { return h.Seq }

// Source returns the sender address.
func (h *Header) Source() Address { return h.From }

// Target returns the receiver address.
func (h *Header) Target() Address { return h.To }

func (h *Header) sealed() {}

// Request invokes a request of a service interface.
type Request struct {
	Header
	Args []Payload `cbor:"10,keyasint"`
}

// Kind returns KindRequest.
func (*Request) Kind() Kind { return KindRequest }

// NewRequest builds a request with live arguments.
func NewRequest(id msgid.ID, seq Seq, from, to Address, args ...any) *Request {
	return &Request{
		Header: Header{ID: id, Seq: seq, From: from, To: to},
		Args:   Values(args...),
	}
}

// NotifyAction selects what a NotifyRequest does.
type NotifyAction uint8

const (
	// StartNotify subscribes to an attribute or broadcast.
	StartNotify NotifyAction = 1

	// StopNotify removes one subscription.
	StopNotify NotifyAction = 2

	// RemoveAllNotify removes every subscription of the sender.
	RemoveAllNotify NotifyAction = 3
)

// String returns the action name.
func (a NotifyAction) String() string {
	switch a {
	case StartNotify:
		return "START_NOTIFY"
	case StopNotify:
		return "STOP_NOTIFY"
	case RemoveAllNotify:
		return "REMOVE_ALL_NOTIFY"
	default:
		return "UNKNOWN"
	}
}

// NotifyRequest starts or stops notifications of an attribute or broadcast.
type NotifyRequest struct {
	Header
	Action NotifyAction `cbor:"10,keyasint"`

	// NotifyAlways asks the provider to resend the current value even if
	// the sender is already subscribed.
	NotifyAlways bool `cbor:"11,keyasint,omitempty"`
}

// Kind returns KindNotifyRequest.
func (*NotifyRequest) Kind() Kind { return KindNotifyRequest }

// NewNotifyRequest builds a notify request.
func NewNotifyRequest(id msgid.ID, action NotifyAction, from, to Address, notifyAlways bool) *NotifyRequest {
	return &NotifyRequest{
		Header:       Header{ID: id, Seq: SeqNotify, From: from, To: to},
		Action:       action,
		NotifyAlways: notifyAlways,
	}
}

// Response carries a response, broadcast or attribute update.
// Attribute updates carry the value as their only parameter.
type Response struct {
	Header
	Outcome outcome.Outcome `cbor:"10,keyasint"`
	Params  []Payload       `cbor:"11,keyasint"`
}

// Kind returns KindResponse.
func (*Response) Kind() Kind { return KindResponse }

// NewResponse builds a response with live parameters.
func NewResponse(id msgid.ID, seq Seq, from, to Address, oc outcome.Outcome, params ...any) *Response {
	return &Response{
		Header:  Header{ID: id, Seq: seq, From: from, To: to},
		Outcome: oc,
		Params:  Values(params...),
	}
}

// Param returns parameter i, or a zero payload if absent.
func (r *Response) Param(i int) Payload {
	if i < 0 || i >= len(r.Params) {
		return Payload{}
	}
	return r.Params[i]
}

// Notification reports a change of a service connection to a local endpoint.
// Source names the peer whose connection changed.
type Notification struct {
	Header
	Outcome outcome.Outcome `cbor:"10,keyasint"`
}

// Kind returns KindNotification.
func (*Notification) Kind() Kind { return KindNotification }

// NewNotification builds a connection notification.
func NewNotification(peer, to Address, oc outcome.Outcome) *Notification {
	return &Notification{
		Header:  Header{ID: msgid.NoFunction, Seq: SeqNotify, From: peer, To: to},
		Outcome: oc,
	}
}

// Connected reports whether the notification announces a usable service.
func (n *Notification) Connected() bool {
	return n.Outcome == outcome.ServiceOK
}

// Undelivered synthesizes the reply to an event that could not reach its
// target. The reply is addressed back to the originator and keeps the
// message identifier and sequence number of the lost event, so a lost
// request resolves to the request it was.
func Undelivered(ev Event) *Response {
	return &Response{
		Header: Header{
			ID:   ev.MessageID(),
			Seq:  ev.Sequence(),
			From: ev.Target(),
			To:   ev.Source(),
		},
		Outcome: outcome.Undelivered,
	}
}

// Validate checks that the message identifier falls in a range the event
// kind allows.
func Validate(ev Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	id := ev.MessageID()
	switch e := ev.(type) {
	case *Request:
		if !id.IsRequest() && !id.IsServiceControl() {
			return fmt.Errorf("%w: request with %s", ErrInvalidEvent, id)
		}
	case *NotifyRequest:
		switch e.Action {
		case RemoveAllNotify:
		case StartNotify, StopNotify:
			if !id.IsAttribute() && !id.IsResponse() {
				return fmt.Errorf("%w: %s with %s", ErrInvalidEvent, e.Action, id)
			}
		default:
			return fmt.Errorf("%w: notify action %d", ErrInvalidEvent, e.Action)
		}
	case *Response:
		if !id.IsResponse() && !id.IsAttribute() && !id.IsRequest() && !id.IsServiceControl() {
			return fmt.Errorf("%w: response with %s", ErrInvalidEvent, id)
		}
		if !e.Outcome.IsValid() {
			return fmt.Errorf("%w: outcome %d", ErrInvalidEvent, e.Outcome)
		}
	case *Notification:
		if e.Outcome.Category() != outcome.CategoryService {
			return fmt.Errorf("%w: notification with %s", ErrInvalidEvent, e.Outcome)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, ev)
	}
	return nil
}

// Describe formats an event for logs.
func Describe(ev Event) string {
	switch e := ev.(type) {
	case *Request:
		return fmt.Sprintf("%s %s seq=%d args=%d", e.Kind(), e.ID, e.Seq, len(e.Args))
	case *NotifyRequest:
		return fmt.Sprintf("%s %s %s always=%t", e.Kind(), e.ID, e.Action, e.NotifyAlways)
	case *Response:
		return fmt.Sprintf("%s %s seq=%d %s params=%d", e.Kind(), e.ID, e.Seq, e.Outcome, len(e.Params))
	case *Notification:
		return fmt.Sprintf("%s %s", e.Kind(), e.Outcome)
	default:
		return fmt.Sprintf("%T", ev)
	}
}
