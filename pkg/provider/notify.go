package provider

import (
	"fmt"

	"github.com/svclink/svclink/pkg/listener"
	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/msgid"
	"github.com/svclink/svclink/pkg/outcome"
	"github.com/svclink/svclink/pkg/validity"
	"github.com/svclink/svclink/pkg/wire"
)

// DispatchNotifyRequest applies a subscription change.
//
// A StartNotify for an attribute sends the current value to the subscriber
// when the subscription is new, or when it already existed and NotifyAlways
// is set. The initial outcome is DATA_OK for a valid value and DATA_INVALID
// otherwise; a provider never reports its own data as unavailable.
//
// After Shutdown no subscription is accepted and a StartNotify is answered
// with SERVICE_UNAVAILABLE.
func (p *Provider) DispatchNotifyRequest(nr *wire.NotifyRequest) {
	if p.shutdown {
		if nr.Action == wire.StartNotify {
			p.send(wire.NewNotification(p.addr, nr.From, outcome.ServiceUnavailable))
		}
		return
	}

	switch nr.Action {
	case wire.RemoveAllNotify:
		if p.removeSubscriptions(nr.From) > 0 {
			p.listenersChanged()
		}
		return
	case wire.StopNotify, wire.StartNotify:
	default:
		p.logger.Warn("unknown notify action", "action", nr.Action, "source", nr.From)
		return
	}

	id := nr.ID
	if !p.desc.HasAttribute(id) && !p.desc.HasResponse(id) {
		p.logger.Warn("notify request for unknown message", "msg_id", id, "source", nr.From)
		return
	}

	if nr.Action == wire.StopNotify {
		if p.registry.Remove(id, nr.From) {
			p.listenersChanged()
		}
		return
	}

	added := p.registry.Add(listener.Entry{ID: id, Seq: wire.SeqAny, Consumer: nr.From})
	if added {
		p.listenersChanged()
	}
	if !id.IsAttribute() || !(added || nr.NotifyAlways) {
		return
	}

	oc := outcome.DataInvalid
	if p.validity.IsOK(id) {
		oc = outcome.DataOK
	}
	p.sendAttribute(id, nr.From, oc)
}

// removeSubscriptions drops every attribute and broadcast subscription of
// consumer. Pending calls are left alone.
func (p *Provider) removeSubscriptions(consumer wire.Address) int {
	n := 0
	for _, id := range p.registry.IDs() {
		if !id.IsRequest() && p.registry.Remove(id, consumer) {
			n++
		}
	}
	return n
}

func (p *Provider) sendAttribute(id msgid.ID, to wire.Address, oc outcome.Outcome) {
	r := &wire.Response{
		Header:  wire.Header{ID: id, Seq: wire.SeqNotify, From: p.addr, To: to},
		Outcome: oc,
	}
	if oc == outcome.DataOK {
		r.Params = []wire.Payload{p.values[id-msgid.AttributeFirst]}
	}
	p.send(r)
}

func (p *Provider) fanOut(id msgid.ID, oc outcome.Outcome) {
	for _, e := range p.registry.Listeners(id) {
		p.sendAttribute(id, e.Consumer, oc)
	}
}

// SetAttribute stores a new attribute value and sends it to all
// subscribers. Setting a valid attribute to an equal value does nothing.
func (p *Provider) SetAttribute(id msgid.ID, v any) error {
	if !p.desc.HasAttribute(id) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	i := id - msgid.AttributeFirst
	next, err := wire.Snapshot(v)
	if err != nil {
		return fmt.Errorf("encoding attribute %s: %w", id, err)
	}
	if p.validity.IsOK(id) && p.values[i].Equal(next) {
		return nil
	}

	p.values[i] = next
	p.setValidity(id, validity.OK)
	p.fanOut(id, outcome.DataOK)
	return nil
}

// InvalidateAttribute marks a valid attribute invalid and tells all
// subscribers. An attribute that is already invalid is left alone.
func (p *Provider) InvalidateAttribute(id msgid.ID) error {
	if !p.desc.HasAttribute(id) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if s, _ := p.validity.State(id); s == validity.Invalid {
		return nil
	}
	p.setValidity(id, validity.Invalid)
	p.fanOut(id, outcome.DataInvalid)
	return nil
}

func (p *Provider) setValidity(id msgid.ID, s validity.State) {
	old, _ := p.validity.State(id)
	if old == s {
		return
	}
	_ = p.validity.SetState(id, s)
	p.rec.State(&log.StateChangeEvent{
		Entity:    log.StateEntityValidity,
		OldState:  old.String(),
		NewState:  s.String(),
		MessageID: uint32(id),
	})
}

// Attribute returns the current value of attribute id and its validity.
func (p *Provider) Attribute(id msgid.ID) (wire.Payload, validity.State, error) {
	if !p.desc.HasAttribute(id) {
		return wire.Payload{}, validity.Undefined, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	s, err := p.validity.State(id)
	if err != nil {
		return wire.Payload{}, validity.Undefined, err
	}
	return p.values[id-msgid.AttributeFirst], s, nil
}

// dispatchServiceControl answers ServiceConnect and handles
// ServiceDisconnect.
func (p *Provider) dispatchServiceControl(req *wire.Request) {
	switch req.ID {
	case msgid.ServiceConnect:
		oc := outcome.ServiceOK
		info, err := wire.As[wire.ConnectInfo](argOrZero(req.Args))
		switch {
		case err != nil:
			p.logger.Debug("malformed service connect", "source", req.From, "error", err)
			oc = outcome.ServiceInvalid
		case info.Service != p.desc.Name():
			oc = outcome.ServiceRejected
		case !p.desc.Version().Compatible(info.Version):
			oc = outcome.ServiceRejected
		case p.shutdown:
			oc = outcome.ServiceUnavailable
		}
		if oc == outcome.ServiceOK {
			p.consumers[req.From.Endpoint] = req.From
		}
		p.logger.Debug("service connect", "source", req.From, "outcome", oc)
		p.reply(msgid.ServiceConnect, req.Seq, req.From, oc)
	case msgid.ServiceDisconnect:
		p.consumerGone(req.From, "disconnect")
	default:
		p.logger.Warn("unknown service control message", "msg_id", req.ID, "source", req.From)
	}
}

func argOrZero(args []wire.Payload) wire.Payload {
	if len(args) == 0 {
		return wire.Payload{}
	}
	return args[0]
}
