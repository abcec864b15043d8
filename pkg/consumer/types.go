package consumer

import (
	"errors"
	"log/slog"

	"github.com/svclink/svclink/pkg/iface"
	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/metrics"
	"github.com/svclink/svclink/pkg/msgid"
	"github.com/svclink/svclink/pkg/outcome"
	"github.com/svclink/svclink/pkg/transport"
	"github.com/svclink/svclink/pkg/wire"
)

// Consumer errors.
var (
	ErrInvalidConfig      = errors.New("consumer: invalid configuration")
	ErrUnknownMessage     = errors.New("consumer: message not part of interface")
	ErrServiceUnavailable = errors.New("consumer: service unavailable")
	ErrNotValid           = errors.New("consumer: cached data not valid")
	ErrUnknownToken       = errors.New("consumer: unknown subscription")
)

// Config configures a Consumer.
type Config struct {
	// Descriptor is the consumed interface. Required.
	Descriptor *iface.Descriptor

	// Address is the consumer's own endpoint address. Required.
	Address wire.Address

	// Provider is the address of the provider to talk to. Required.
	Provider wire.Address

	// Sender carries outgoing events. Required.
	Sender transport.Sender

	// Logger is the optional logger for debug output.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// ProtocolLogger receives protocol capture events. Optional.
	ProtocolLogger log.Logger

	// Metrics records engine metrics. Optional.
	Metrics *metrics.Collector
}

// Update is what a callback receives: a response, an attribute update, or
// the failure of a call.
type Update struct {
	// ID is the response or attribute identifier. A lost request keeps its
	// request identifier.
	ID msgid.ID

	// Request is the request this update answers, or msgid.NoFunction.
	Request msgid.ID

	// Seq is the sequence number of the answered call, or wire.SeqNotify.
	Seq wire.Seq

	Outcome outcome.Outcome
	Params  []wire.Payload
}

// OK reports whether the update carries valid data.
func (u Update) OK() bool { return u.Outcome.IsValidData() }

// Param returns parameter i, or a zero payload.
func (u Update) Param(i int) wire.Payload {
	if i < 0 || i >= len(u.Params) {
		return wire.Payload{}
	}
	return u.Params[i]
}

// Callback receives updates for a call or subscription.
type Callback func(u Update)

// ConnectionHandler is called when the service connection changes.
// reason is SERVICE_OK on connect, the provider's answer on a refused
// connect, and SERVICE_UNAVAILABLE on disconnect.
type ConnectionHandler func(connected bool, reason outcome.Outcome)

// ConnState is the consumer's view of the service connection.
type ConnState uint8

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}
