package provider

import (
	"errors"
	"log/slog"
	"time"

	"github.com/svclink/svclink/pkg/iface"
	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/metrics"
	"github.com/svclink/svclink/pkg/msgid"
	"github.com/svclink/svclink/pkg/transport"
	"github.com/svclink/svclink/pkg/wire"
)

// Provider errors.
var (
	ErrInvalidConfig  = errors.New("provider: invalid configuration")
	ErrUnknownMessage = errors.New("provider: message not part of interface")
	ErrNoResponse     = errors.New("provider: request has no response")
	ErrParamCount     = errors.New("provider: wrong parameter count")
	ErrNotBroadcast   = errors.New("provider: not a broadcast")
	ErrShutdown       = errors.New("provider: shut down")
)

// RequestHandler runs a request. Returning an error, or panicking, fails
// the call with REQUEST_ERROR. A handler that returns nil without responding
// leaves the caller waiting until Respond or ErrorRequest.
type RequestHandler func(call *Call) error

// Config configures a Provider.
type Config struct {
	// Descriptor is the implemented interface. Required.
	Descriptor *iface.Descriptor

	// Address is the provider's own endpoint address. Required.
	Address wire.Address

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

// CallState is the state of one request call.
type CallState uint8

const (
	// CallIdle - accepted and waiting for a deferred response.
	CallIdle CallState = iota

	// CallExecuting - the handler is running.
	CallExecuting

	// CallCompleted - the response was sent.
	CallCompleted

	// CallCanceled - the call was canceled before a response.
	CallCanceled

	// CallFailed - the handler failed or the call was rejected.
	CallFailed
)

// String returns the state name.
func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "IDLE"
	case CallExecuting:
		return "EXECUTING"
	case CallCompleted:
		return "COMPLETED"
	case CallCanceled:
		return "CANCELED"
	case CallFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Call is one invocation of a request handler.
type Call struct {
	p       *Provider
	req     *wire.Request
	resp    msgid.ID
	state   CallState
	started time.Time
}

// ID returns the request identifier.
func (c *Call) ID() msgid.ID { return c.req.ID }

// ResponseID returns the response of the request, or msgid.NoFunction.
func (c *Call) ResponseID() msgid.ID { return c.resp }

// Source returns the caller address.
func (c *Call) Source() wire.Address { return c.req.From }

// Sequence returns the caller's sequence number.
func (c *Call) Sequence() wire.Seq { return c.req.Seq }

// State returns the call state.
func (c *Call) State() CallState { return c.state }

// NumArgs returns the number of arguments.
func (c *Call) NumArgs() int { return len(c.req.Args) }

// Arg returns argument i of the call as a T.
func Arg[T any](c *Call, i int) (T, error) {
	if i < 0 || i >= len(c.req.Args) {
		var zero T
		return zero, wire.ErrEmptyPayload
	}
	return wire.As[T](c.req.Args[i])
}

// Respond sends the response of the call. Every consumer awaiting the same
// request, and every subscriber of the response, receives it.
func (c *Call) Respond(params ...any) error {
	if c.resp == msgid.NoFunction {
		return ErrNoResponse
	}
	return c.p.Respond(c.resp, params...)
}
