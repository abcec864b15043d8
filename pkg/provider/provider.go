// Package provider implements the service side of an interface.
//
// A Provider owns the current attribute values and their validity, runs
// request handlers, and sends responses, broadcasts and attribute updates
// to the consumers registered in its listener registry. All methods must be
// called from the provider's dispatch context; nothing is locked.
package provider

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/svclink/svclink/pkg/iface"
	"github.com/svclink/svclink/pkg/listener"
	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/metrics"
	"github.com/svclink/svclink/pkg/msgid"
	"github.com/svclink/svclink/pkg/outcome"
	"github.com/svclink/svclink/pkg/transport"
	"github.com/svclink/svclink/pkg/validity"
	"github.com/svclink/svclink/pkg/wire"
)

// callKey identifies a pending call: one per (request, caller).
type callKey struct {
	id       msgid.ID
	node     uuid.UUID
	endpoint uuid.UUID
}

func keyOf(id msgid.ID, a wire.Address) callKey {
	return callKey{id: id, node: a.Node, endpoint: a.Endpoint}
}

// Provider is the protocol engine of one provider instance.
type Provider struct {
	desc    *iface.Descriptor
	addr    wire.Address
	sender  transport.Sender
	logger  *slog.Logger
	rec     log.Recorder
	metrics *metrics.Collector

	handlers map[msgid.ID]RequestHandler
	registry *listener.Registry
	calls    map[callKey]*Call
	current  *Call

	values   []wire.Payload
	validity *validity.Table

	// consumers that completed a ServiceConnect
	consumers map[uuid.UUID]wire.Address

	shutdown bool
}

// New creates a provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Descriptor == nil {
		return nil, fmt.Errorf("%w: missing descriptor", ErrInvalidConfig)
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("%w: missing sender", ErrInvalidConfig)
	}
	if cfg.Address.IsZero() {
		return nil, fmt.Errorf("%w: missing address", ErrInvalidConfig)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	desc := cfg.Descriptor

	return &Provider{
		desc:   desc,
		addr:   cfg.Address,
		sender: cfg.Sender,
		logger: logger.With("component", "provider", "service", desc.Name(), "role", cfg.Address.Role),
		rec: log.Recorder{
			Logger:    cfg.ProtocolLogger,
			NodeID:    cfg.Address.Node.String(),
			LocalRole: log.RoleProvider,
			Service:   desc.Name(),
			Endpoint:  cfg.Address.String(),
		},
		metrics:   cfg.Metrics,
		handlers:  make(map[msgid.ID]RequestHandler),
		registry:  listener.NewRegistry(),
		calls:     make(map[callKey]*Call),
		values:    make([]wire.Payload, desc.AttributeCount()),
		validity:  validity.NewTable(desc),
		consumers: make(map[uuid.UUID]wire.Address),
	}, nil
}

// Descriptor returns the implemented interface.
func (p *Provider) Descriptor() *iface.Descriptor { return p.desc }

// Address returns the provider's endpoint address.
func (p *Provider) Address() wire.Address { return p.addr }

// Handle registers the handler of request id.
func (p *Provider) Handle(id msgid.ID, h RequestHandler) error {
	if !p.desc.HasRequest(id) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	p.handlers[id] = h
	return nil
}

// OnEvent is the dispatcher entry point.
func (p *Provider) OnEvent(ev wire.Event) {
	p.rec.Message(log.DirectionIn, ev.Source().String(), p.describe(ev))
	p.metrics.Event(p.desc.Name(), "provider", "in", ev.Kind().String())

	switch e := ev.(type) {
	case *wire.Request:
		if e.ID.IsServiceControl() {
			p.dispatchServiceControl(e)
			return
		}
		p.DispatchRequest(e)
	case *wire.NotifyRequest:
		p.DispatchNotifyRequest(e)
	case *wire.Response:
		if e.Outcome == outcome.Undelivered {
			// A reply did not reach its consumer: the consumer is gone.
			p.consumerGone(e.From, "undelivered")
			return
		}
		p.logger.Warn("unexpected response", "msg", wire.Describe(e))
	case *wire.Notification:
		if !e.Connected() {
			p.consumerGone(e.From, e.Outcome.String())
		}
	}
}

func (p *Provider) describe(ev wire.Event) *log.MessageEvent {
	m := log.NewMessageEvent(ev)
	m.Name = p.desc.MessageName(ev.MessageID())
	return m
}

// send hands ev to the transport.
func (p *Provider) send(ev wire.Event) {
	p.rec.Message(log.DirectionOut, ev.Target().String(), p.describe(ev))
	p.metrics.Event(p.desc.Name(), "provider", "out", ev.Kind().String())
	if r, ok := ev.(*wire.Response); ok {
		p.metrics.Outcome(p.desc.Name(), "provider", r.Outcome.String())
	}
	p.sender.Send(ev)
}

func (p *Provider) reply(id msgid.ID, seq wire.Seq, to wire.Address, oc outcome.Outcome, params ...wire.Payload) {
	p.send(&wire.Response{
		Header:  wire.Header{ID: id, Seq: seq, From: p.addr, To: to},
		Outcome: oc,
		Params:  params,
	})
}

func (p *Provider) listenersChanged() {
	p.metrics.SetListeners(p.desc.Name(), p.registry.Len())
}

func (p *Provider) setCallState(c *Call, s CallState, reason string) {
	if c.state == s {
		return
	}
	p.rec.State(&log.StateChangeEvent{
		Entity:    log.StateEntityRequest,
		OldState:  c.state.String(),
		NewState:  s.String(),
		Reason:    reason,
		MessageID: uint32(c.req.ID),
	})
	c.state = s
}

// finishCall moves the pending call of (id, consumer) to its final state.
func (p *Provider) finishCall(id msgid.ID, consumer wire.Address, s CallState, reason string) {
	k := keyOf(id, consumer)
	c, ok := p.calls[k]
	if !ok {
		return
	}
	delete(p.calls, k)
	p.setCallState(c, s, reason)
}

// DispatchRequest runs the handler of req.
//
// A caller may have at most one call per request in flight: a second
// request from the same source is answered with REQUEST_BUSY before the
// handler runs, and only that caller sees the rejection.
func (p *Provider) DispatchRequest(req *wire.Request) {
	id := req.ID
	if !p.desc.HasRequest(id) {
		p.logger.Warn("request not part of interface", "msg_id", id, "source", req.From)
		return
	}

	resp, _ := p.desc.ResponseFor(id)
	failureID := resp
	if resp == msgid.NoFunction {
		failureID = id
	}

	if p.shutdown {
		if resp != msgid.NoFunction {
			p.reply(failureID, req.Seq, req.From, outcome.RequestCanceled)
		}
		return
	}

	h, ok := p.handlers[id]
	if !ok {
		p.logger.Warn("no handler for request", "msg_id", id)
		if resp != msgid.NoFunction {
			p.reply(failureID, req.Seq, req.From, outcome.RequestError)
		}
		return
	}

	if resp != msgid.NoFunction {
		if p.registry.Has(id, req.From) {
			p.logger.Debug("request busy", "msg_id", id, "source", req.From, "seq", req.Seq)
			p.metrics.Busy(p.desc.Name())
			p.reply(resp, req.Seq, req.From, outcome.RequestBusy)
			return
		}
		p.registry.Add(listener.Entry{ID: id, Seq: req.Seq, Consumer: req.From})
		p.listenersChanged()
	}

	call := &Call{p: p, req: req, resp: resp, started: time.Now()}
	if resp != msgid.NoFunction {
		p.calls[keyOf(id, req.From)] = call
	}
	p.current = call
	p.setCallState(call, CallExecuting, "")
	defer p.cancelCurrentRequest()

	if err := p.invoke(h, call); err != nil {
		p.logger.Debug("request handler failed", "msg_id", id, "error", err)
		p.rec.Error(log.LayerService, "handler "+p.desc.MessageName(id), err)
		p.failCall(call, outcome.RequestError)
	}
}

func (p *Provider) invoke(h RequestHandler, call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		p.metrics.ObserveHandler(p.desc.Name(), time.Since(call.started))
	}()
	return h(call)
}

// cancelCurrentRequest clears the executing marker. It runs after every
// handler, whatever the handler did.
func (p *Provider) cancelCurrentRequest() {
	c := p.current
	p.current = nil
	if c == nil || c.state != CallExecuting {
		return
	}
	if c.resp == msgid.NoFunction {
		p.setCallState(c, CallCompleted, "")
		return
	}
	p.setCallState(c, CallIdle, "deferred")
}

// failCall answers only the caller of c with oc.
func (p *Provider) failCall(c *Call, oc outcome.Outcome) {
	state := CallFailed
	if oc == outcome.RequestCanceled {
		state = CallCanceled
	}
	if c.resp == msgid.NoFunction {
		p.setCallState(c, state, oc.String())
		return
	}
	e, ok := p.registry.Find(c.req.ID, c.req.From)
	if !ok || e.Seq != c.req.Seq {
		// Already answered.
		return
	}
	p.registry.Remove(c.req.ID, c.req.From)
	p.listenersChanged()
	p.finishCall(c.req.ID, c.req.From, state, oc.String())
	p.reply(c.resp, e.Seq, e.Consumer, oc)
}

// Respond sends response resp. Every consumer awaiting the originating
// request receives it with its own sequence number; every other subscriber
// of resp receives it as a notification. No consumer receives it twice.
func (p *Provider) Respond(resp msgid.ID, params ...any) error {
	if !p.desc.HasResponse(resp) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, resp)
	}
	if err := p.checkParams(resp, len(params)); err != nil {
		return err
	}
	payloads := wire.Values(params...)
	req, _ := p.desc.RequestFor(resp)

	served := make(map[callKey]bool)
	if req != msgid.NoFunction {
		waiters := p.registry.Take(req)
		if len(waiters) > 0 {
			p.listenersChanged()
		}
		for _, e := range waiters {
			served[keyOf(0, e.Consumer)] = true
			p.finishCall(req, e.Consumer, CallCompleted, "")
			p.reply(resp, e.Seq, e.Consumer, outcome.RequestOK, payloads...)
		}
		if p.current != nil && p.current.req.ID == req {
			p.setCallState(p.current, CallCompleted, "")
		}
	}

	for _, e := range p.registry.Listeners(resp) {
		if served[keyOf(0, e.Consumer)] {
			continue
		}
		p.reply(resp, wire.SeqNotify, e.Consumer, outcome.RequestOK, payloads...)
	}
	return nil
}

// Broadcast sends broadcast resp to all of its subscribers.
func (p *Provider) Broadcast(resp msgid.ID, params ...any) error {
	if !p.desc.HasResponse(resp) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, resp)
	}
	if !p.desc.IsBroadcast(resp) {
		return fmt.Errorf("%w: %s", ErrNotBroadcast, p.desc.MessageName(resp))
	}
	if err := p.checkParams(resp, len(params)); err != nil {
		return err
	}
	payloads := wire.Values(params...)
	for _, e := range p.registry.Listeners(resp) {
		p.reply(resp, wire.SeqNotify, e.Consumer, outcome.RequestOK, payloads...)
	}
	return nil
}

func (p *Provider) checkParams(resp msgid.ID, n int) error {
	want, err := p.desc.ParamCount(resp)
	if err != nil {
		return err
	}
	if n != want {
		return fmt.Errorf("%w: %s takes %d, got %d", ErrParamCount, p.desc.MessageName(resp), want, n)
	}
	return nil
}

// ErrorRequest fails message id for all of its current listeners.
//
//   - attribute: validity becomes Invalid, subscribers get DATA_INVALID
//   - response or broadcast: subscribers get REQUEST_INVALID
//   - request: waiters get REQUEST_CANCELED if cancel is set, REQUEST_ERROR
//     otherwise, and are removed
//
// Attribute and broadcast subscriptions stay in place.
func (p *Provider) ErrorRequest(id msgid.ID, cancel bool) error {
	switch {
	case p.desc.HasAttribute(id):
		p.setValidity(id, validity.Invalid)
		p.fanOut(id, outcome.DataInvalid)
	case p.desc.HasResponse(id):
		for _, e := range p.registry.Listeners(id) {
			p.reply(id, wire.SeqNotify, e.Consumer, outcome.RequestInvalid)
		}
	case p.desc.HasRequest(id):
		oc, state := outcome.RequestError, CallFailed
		if cancel {
			oc, state = outcome.RequestCanceled, CallCanceled
		}
		replyID, _ := p.desc.ResponseFor(id)
		if replyID == msgid.NoFunction {
			replyID = id
		}
		waiters := p.registry.Take(id)
		if len(waiters) > 0 {
			p.listenersChanged()
		}
		for _, e := range waiters {
			p.finishCall(id, e.Consumer, state, oc.String())
			p.reply(replyID, e.Seq, e.Consumer, oc)
		}
		if p.current != nil && p.current.req.ID == id {
			p.setCallState(p.current, state, oc.String())
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return nil
}

// UnlockAllRequests cancels every request that still has a waiting caller.
func (p *Provider) UnlockAllRequests() {
	for _, id := range p.registry.IDs() {
		if id.IsRequest() {
			_ = p.ErrorRequest(id, true)
		}
	}
}

// Shutdown cancels all pending requests, tells every known consumer the
// service is gone, and clears the listener registry. Requests arriving
// afterwards are canceled immediately.
func (p *Provider) Shutdown() {
	if p.shutdown {
		return
	}
	p.UnlockAllRequests()

	notified := make(map[uuid.UUID]bool)
	notify := func(a wire.Address) {
		if notified[a.Endpoint] {
			return
		}
		notified[a.Endpoint] = true
		p.send(wire.NewNotification(p.addr, a, outcome.ServiceUnavailable))
	}
	for _, id := range p.registry.IDs() {
		for _, e := range p.registry.Listeners(id) {
			notify(e.Consumer)
		}
	}
	for _, a := range p.consumers {
		notify(a)
	}

	p.registry.Clear()
	clear(p.consumers)
	p.listenersChanged()
	p.shutdown = true
	p.logger.Debug("provider shut down", "notified", len(notified))
}

// consumerGone drops every entry of a consumer that can no longer be reached.
func (p *Provider) consumerGone(consumer wire.Address, reason string) {
	removed := p.registry.RemoveAll(consumer)
	for _, id := range removed {
		if id.IsRequest() {
			p.finishCall(id, consumer, CallCanceled, reason)
		}
	}
	delete(p.consumers, consumer.Endpoint)
	if len(removed) > 0 {
		p.listenersChanged()
		p.logger.Debug("consumer gone", "consumer", consumer, "reason", reason, "removed", len(removed))
	}
}

// Listeners returns the registry entries for id.
func (p *Provider) Listeners(id msgid.ID) []listener.Entry {
	return p.registry.Listeners(id)
}

// Consumers returns the number of consumers that completed ServiceConnect.
func (p *Provider) Consumers() int {
	return len(p.consumers)
}
