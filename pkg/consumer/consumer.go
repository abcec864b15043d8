// Package consumer implements the client side of an interface.
//
// A Consumer sends requests to one provider, caches the responses and
// attribute values it receives together with their validity, and delivers
// every update to the local callbacks registered for it. Like the
// provider, a Consumer is owned by a single dispatch context and is not
// locked.
package consumer

import (
	"fmt"
	"log/slog"

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

// Consumer is the protocol engine of one consumer instance.
type Consumer struct {
	desc     *iface.Descriptor
	addr     wire.Address
	provider wire.Address
	sender   transport.Sender
	logger   *slog.Logger
	rec      log.Recorder
	metrics  *metrics.Collector

	seq       wire.SeqCounter
	listeners *listener.Local[Callback]

	attrs    []wire.Payload
	params   [][]wire.Payload
	validity *validity.Table

	state       ConnState
	connectSeq  wire.Seq
	connHandler []ConnectionHandler
}

// New creates a consumer. It starts disconnected.
func New(cfg Config) (*Consumer, error) {
	if cfg.Descriptor == nil {
		return nil, fmt.Errorf("%w: missing descriptor", ErrInvalidConfig)
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("%w: missing sender", ErrInvalidConfig)
	}
	if cfg.Address.IsZero() || cfg.Provider.IsZero() {
		return nil, fmt.Errorf("%w: missing address", ErrInvalidConfig)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	desc := cfg.Descriptor

	c := &Consumer{
		desc:     desc,
		addr:     cfg.Address,
		provider: cfg.Provider,
		sender:   cfg.Sender,
		logger:   logger.With("component", "consumer", "service", desc.Name(), "role", cfg.Address.Role),
		rec: log.Recorder{
			Logger:    cfg.ProtocolLogger,
			NodeID:    cfg.Address.Node.String(),
			LocalRole: log.RoleConsumer,
			Service:   desc.Name(),
			Endpoint:  cfg.Address.String(),
		},
		metrics:   cfg.Metrics,
		listeners: listener.NewLocal[Callback](),
		validity:  validity.NewTable(desc),
	}
	c.resetCache()
	return c, nil
}

// Descriptor returns the consumed interface.
func (c *Consumer) Descriptor() *iface.Descriptor { return c.desc }

// Address returns the consumer's endpoint address.
func (c *Consumer) Address() wire.Address { return c.addr }

// Provider returns the address of the provider.
func (c *Consumer) Provider() wire.Address { return c.provider }

// ConnState returns the connection state.
func (c *Consumer) ConnState() ConnState { return c.state }

// Connected reports whether the service is usable.
func (c *Consumer) Connected() bool { return c.state == StateConnected }

func (c *Consumer) resetCache() {
	c.validity.Reset()
	c.attrs = make([]wire.Payload, c.desc.AttributeCount())
	c.params = make([][]wire.Payload, c.desc.ResponseCount())
	for i, id := range c.desc.ResponseIDs() {
		n, _ := c.desc.ParamCount(id)
		c.params[i] = make([]wire.Payload, n)
	}
}

func (c *Consumer) describe(ev wire.Event) *log.MessageEvent {
	m := log.NewMessageEvent(ev)
	m.Name = c.desc.MessageName(ev.MessageID())
	return m
}

func (c *Consumer) send(ev wire.Event) {
	c.rec.Message(log.DirectionOut, ev.Target().String(), c.describe(ev))
	c.metrics.Event(c.desc.Name(), "consumer", "out", ev.Kind().String())
	c.sender.Send(ev)
}

// OnConnection registers a handler for connection changes.
func (c *Consumer) OnConnection(h ConnectionHandler) {
	c.connHandler = append(c.connHandler, h)
}

// Connect asks the provider to accept this consumer. The provider's answer
// arrives as an event and completes the connection.
func (c *Consumer) Connect() {
	if c.state != StateDisconnected {
		return
	}
	c.connectSeq = c.seq.Next()
	c.setState(StateConnecting, "")
	info := wire.ConnectInfo{Service: c.desc.Name(), Version: c.desc.Version()}
	c.send(wire.NewRequest(msgid.ServiceConnect, c.connectSeq, c.addr, c.provider, info))
}

// Disconnect tells the provider this consumer is leaving and drops all
// local state.
func (c *Consumer) Disconnect() {
	if c.state == StateDisconnected {
		return
	}
	c.send(wire.NewRequest(msgid.ServiceDisconnect, c.seq.Next(), c.addr, c.provider))
	c.OnServiceConnectionChanged(false)
}

func (c *Consumer) setState(s ConnState, reason string) {
	if c.state == s {
		return
	}
	c.rec.State(&log.StateChangeEvent{
		Entity:   log.StateEntityService,
		OldState: c.state.String(),
		NewState: s.String(),
		Reason:   reason,
	})
	c.logger.Debug("service connection", "from", c.state, "to", s, "reason", reason)
	c.state = s
}

func (c *Consumer) fireConnection(connected bool, reason outcome.Outcome) {
	for _, h := range c.connHandler {
		h(connected, reason)
	}
}

// OnServiceConnectionChanged applies a change of the service connection.
//
// On disconnect every cached value becomes Unavailable and is dropped,
// pending calls fail with REQUEST_CANCELED, subscribers receive
// SERVICE_UNAVAILABLE, and the local callback list is emptied. A reconnect
// therefore starts from a clean state.
func (c *Consumer) OnServiceConnectionChanged(connected bool) {
	if connected {
		if c.state == StateConnected {
			return
		}
		c.setState(StateConnected, outcome.ServiceOK.String())
		c.fireConnection(true, outcome.ServiceOK)
		return
	}

	was := c.state
	c.resetCache()
	entries := c.listeners.Entries()
	c.listeners.Clear()
	c.setState(StateDisconnected, outcome.ServiceUnavailable.String())

	for _, e := range entries {
		if e.OneShot() {
			resp, _ := c.desc.ResponseFor(e.ID)
			e.Fn(Update{ID: resp, Request: e.ID, Seq: e.Seq, Outcome: outcome.RequestCanceled})
			continue
		}
		e.Fn(Update{ID: e.ID, Request: msgid.NoFunction, Seq: wire.SeqNotify, Outcome: outcome.ServiceUnavailable})
	}
	if was != StateDisconnected {
		c.fireConnection(false, outcome.ServiceUnavailable)
	}
}

// SendRequest sends request id with args. When the request has a response
// and caller is non-nil, caller receives exactly one update for this call:
// the response, or its failure. The returned sequence number identifies
// the call.
func (c *Consumer) SendRequest(id msgid.ID, caller Callback, args ...any) (wire.Seq, error) {
	if !c.desc.HasRequest(id) {
		return wire.SeqNotify, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if c.state != StateConnected {
		return wire.SeqNotify, ErrServiceUnavailable
	}
	seq := c.seq.Next()
	if resp, _ := c.desc.ResponseFor(id); resp != msgid.NoFunction && caller != nil {
		c.listeners.Add(id, seq, caller)
	}
	c.send(wire.NewRequest(id, seq, c.addr, c.provider, args...))
	return seq, nil
}

// Subscribe registers fn for every update of attribute or response id and
// asks the provider for notifications. For attributes the provider answers
// with the current value when the subscription is new, or when
// notifyAlways is set.
func (c *Consumer) Subscribe(id msgid.ID, notifyAlways bool, fn Callback) (listener.Token, error) {
	if !c.desc.HasAttribute(id) && !c.desc.HasResponse(id) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if c.state != StateConnected {
		return 0, ErrServiceUnavailable
	}
	first := c.listeners.Count(id) == 0
	tok := c.listeners.Add(id, wire.SeqAny, fn)
	if first || notifyAlways {
		c.send(wire.NewNotifyRequest(id, wire.StartNotify, c.addr, c.provider, notifyAlways))
	}
	return tok, nil
}

// Unsubscribe removes one subscription. The provider is told to stop once
// the last local subscription of the identifier is gone.
func (c *Consumer) Unsubscribe(tok listener.Token) error {
	var e listener.LocalEntry[Callback]
	for _, cand := range c.listeners.Entries() {
		if cand.Token == tok && !cand.OneShot() {
			e = cand
		}
	}
	if e.Token == 0 {
		return ErrUnknownToken
	}
	c.listeners.Remove(tok)
	if c.listeners.Count(e.ID) == 0 && c.state == StateConnected {
		c.send(wire.NewNotifyRequest(e.ID, wire.StopNotify, c.addr, c.provider, false))
	}
	return nil
}

// UnsubscribeAll removes every subscription. Pending calls are kept.
func (c *Consumer) UnsubscribeAll() {
	for _, e := range c.listeners.Entries() {
		if !e.OneShot() {
			c.listeners.Remove(e.Token)
		}
	}
	if c.state == StateConnected {
		c.send(wire.NewNotifyRequest(msgid.NoFunction, wire.RemoveAllNotify, c.addr, c.provider, false))
	}
}

// Pending returns the number of calls awaiting an answer.
func (c *Consumer) Pending() int {
	n := 0
	for _, e := range c.listeners.Entries() {
		if e.OneShot() {
			n++
		}
	}
	return n
}

// OnEvent is the dispatcher entry point.
func (c *Consumer) OnEvent(ev wire.Event) {
	c.rec.Message(log.DirectionIn, ev.Source().String(), c.describe(ev))
	c.metrics.Event(c.desc.Name(), "consumer", "in", ev.Kind().String())

	switch e := ev.(type) {
	case *wire.Response:
		c.metrics.Outcome(c.desc.Name(), "consumer", e.Outcome.String())
		if e.ID.IsServiceControl() {
			c.onServiceControl(e)
			return
		}
		c.OnResponse(e)
	case *wire.Notification:
		if !e.From.SameEndpoint(c.provider) {
			c.logger.Warn("notification from unknown peer", "source", e.From)
			return
		}
		c.OnServiceConnectionChanged(e.Connected())
	default:
		c.logger.Warn("unexpected event", "msg", wire.Describe(ev))
	}
}

func (c *Consumer) onServiceControl(r *wire.Response) {
	if r.ID != msgid.ServiceConnect {
		// A lost ServiceDisconnect needs no handling.
		return
	}
	if c.state != StateConnecting || r.Seq != c.connectSeq {
		c.logger.Debug("stale service connect reply", "seq", r.Seq, "outcome", r.Outcome)
		return
	}
	if r.Outcome == outcome.ServiceOK {
		c.OnServiceConnectionChanged(true)
		return
	}
	c.logger.Warn("service connect refused", "provider", c.provider, "outcome", r.Outcome)
	c.setState(StateDisconnected, r.Outcome.String())
	c.fireConnection(false, r.Outcome)
}

// OnResponse applies a response or attribute update to the cache and then
// notifies the local callbacks. Callbacks are notified whatever the
// outcome, so a waiting caller is released even when no data changed.
func (c *Consumer) OnResponse(r *wire.Response) {
	id := r.ID
	known := c.desc.Has(id)

	if c.state == StateDisconnected {
		// Late answer to a call that was already failed locally.
		c.notifyListeners(r)
		c.logger.Debug("discarding response while disconnected", "msg_id", id, "outcome", r.Outcome)
		return
	}

	if known {
		switch r.Outcome.Action() {
		case outcome.ActionDecode:
			c.store(r)
		case outcome.ActionInvalidate:
			c.setValidity(id, validity.Invalid)
		}
	}

	n := c.notifyListeners(r)

	if !known {
		c.logger.Warn("response not part of interface", "msg_id", id, "outcome", r.Outcome, "released", n)
	} else if n == 0 && r.Outcome.IsFailure() && r.Seq != wire.SeqNotify {
		c.logger.Debug("failure for unknown call", "msg_id", id, "seq", r.Seq, "outcome", r.Outcome)
	}
}

func (c *Consumer) store(r *wire.Response) {
	switch {
	case r.ID.IsAttribute():
		if len(r.Params) != 1 {
			c.logger.Warn("attribute update without value", "msg_id", r.ID, "params", len(r.Params))
			c.setValidity(r.ID, validity.UnexpectedError)
			return
		}
		if err := r.Params[0].Check(); err != nil {
			c.logger.Warn("undecodable attribute value", "msg_id", r.ID, "error", err)
			c.setValidity(r.ID, validity.UnexpectedError)
			return
		}
		c.attrs[r.ID-msgid.AttributeFirst] = r.Params[0]
		c.setValidity(r.ID, validity.OK)
	case r.ID.IsResponse():
		cache := c.params[r.ID-msgid.ResponseFirst]
		if len(r.Params) != len(cache) {
			c.logger.Warn("parameter count mismatch", "msg_id", r.ID, "want", len(cache), "got", len(r.Params))
			c.setValidity(r.ID, validity.UnexpectedError)
			return
		}
		if len(cache) == 0 {
			c.setValidity(r.ID, validity.OK)
			return
		}
		for i, p := range r.Params {
			if err := p.Check(); err != nil {
				c.logger.Warn("undecodable parameter", "msg_id", r.ID, "param", i, "error", err)
				cache[i] = wire.Payload{}
				_ = c.validity.SetParamState(r.ID, i, validity.UnexpectedError)
				continue
			}
			cache[i] = p
			_ = c.validity.SetParamState(r.ID, i, validity.OK)
		}
	}
}

func (c *Consumer) setValidity(id msgid.ID, s validity.State) {
	old, _ := c.validity.State(id)
	_ = c.validity.SetState(id, s)
	if old != s {
		c.rec.State(&log.StateChangeEvent{
			Entity:    log.StateEntityValidity,
			OldState:  old.String(),
			NewState:  s.String(),
			MessageID: uint32(id),
		})
	}
}

// notifyListeners delivers r to every callback waiting for it: the
// subscribers of its identifier and, for a response, the caller that sent
// the matching request with the same sequence number. One-shot callers are
// removed before they run.
func (c *Consumer) notifyListeners(r *wire.Response) int {
	req := msgid.NoFunction
	switch {
	case r.ID.IsRequest():
		req = r.ID
	case r.ID.IsResponse():
		req, _ = c.desc.RequestFor(r.ID)
		if req == msgid.InvalidID {
			req = msgid.NoFunction
		}
	}

	u := Update{ID: r.ID, Request: req, Seq: r.Seq, Outcome: r.Outcome, Params: r.Params}
	deliver := func(e listener.LocalEntry[Callback]) { e.Fn(u) }

	n := c.listeners.Deliver(r.ID, r.Seq, deliver)
	if req != msgid.NoFunction && req != r.ID {
		n += c.listeners.Deliver(req, r.Seq, deliver)
	}
	return n
}

// State returns the validity of attribute or response id.
func (c *Consumer) State(id msgid.ID) (validity.State, error) {
	return c.validity.State(id)
}

// ParamState returns the validity of one response parameter.
func (c *Consumer) ParamState(resp msgid.ID, i int) (validity.State, error) {
	return c.validity.ParamState(resp, i)
}

// Attribute returns the cached value of attribute id as a T.
// It fails with ErrNotValid unless the attribute is valid.
func Attribute[T any](c *Consumer, id msgid.ID) (T, error) {
	var zero T
	if !c.desc.HasAttribute(id) {
		return zero, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if s, _ := c.validity.State(id); s != validity.OK {
		return zero, fmt.Errorf("%w: %s is %s", ErrNotValid, c.desc.MessageName(id), s)
	}
	return wire.As[T](c.attrs[id-msgid.AttributeFirst])
}

// Param returns cached parameter i of response resp as a T.
// It fails with ErrNotValid unless the parameter is valid.
func Param[T any](c *Consumer, resp msgid.ID, i int) (T, error) {
	var zero T
	if !c.desc.HasResponse(resp) {
		return zero, fmt.Errorf("%w: %s", ErrUnknownMessage, resp)
	}
	s, err := c.validity.ParamState(resp, i)
	if err != nil {
		return zero, err
	}
	if s != validity.OK {
		return zero, fmt.Errorf("%w: %s[%d] is %s", ErrNotValid, c.desc.MessageName(resp), i, s)
	}
	return wire.As[T](c.params[resp-msgid.ResponseFirst][i])
}
