package node

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/svclink/svclink/pkg/consumer"
	"github.com/svclink/svclink/pkg/dispatch"
	"github.com/svclink/svclink/pkg/iface"
	"github.com/svclink/svclink/pkg/msgid"
	"github.com/svclink/svclink/pkg/provider"
	"github.com/svclink/svclink/pkg/transport"
	"github.com/svclink/svclink/pkg/wire"
)

// shutdownTimeout bounds the provider shutdown and consumer disconnect
// steps of Close.
const shutdownTimeout = 5 * time.Second

// Endpoint is a provider or consumer engine bound to its dispatch loop.
// The engine is not safe for concurrent use; reach it through Do or Run.
type Endpoint[E any] struct {
	node   *Node
	engine E
	addr   wire.Address
	loop   *dispatch.Loop
	finish func(E)
}

// Address returns the endpoint address.
func (e *Endpoint[E]) Address() wire.Address { return e.addr }

// Loop returns the dispatch loop that owns the engine.
func (e *Endpoint[E]) Loop() *dispatch.Loop { return e.loop }

// Do runs fn with the engine on the loop goroutine and waits for it.
func (e *Endpoint[E]) Do(ctx context.Context, fn func(E)) error {
	return e.loop.Call(ctx, func() { fn(e.engine) })
}

// Run queues fn to run with the engine on the loop goroutine.
func (e *Endpoint[E]) Run(fn func(E)) error {
	return e.loop.Run(func() { fn(e.engine) })
}

// Close takes the endpoint out of service: a provider shuts down, a
// consumer disconnects. The address is then detached and the loop stops
// after handling what was already queued.
func (e *Endpoint[E]) Close() error {
	if !e.node.forget(e) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	e.shutdown(ctx)
	e.stop()
	return nil
}

func (e *Endpoint[E]) shutdown(ctx context.Context) {
	if err := e.Do(ctx, e.finish); err != nil {
		e.node.logger.Warn("endpoint shutdown", "addr", e.addr, "error", err)
	}
}

func (e *Endpoint[E]) stop() {
	e.node.router.Detach(e.addr)
	e.loop.Stop()
}

// ProviderAddress returns the address a provider of service and role has on
// node. Provider addresses are stable so remote consumers can reach them
// without a lookup.
func ProviderAddress(node uuid.UUID, service, role string) wire.Address {
	return wire.Address{
		Node:     node,
		Endpoint: uuid.NewSHA1(node, []byte("provider/"+service+"/"+role)),
		Service:  service,
		Role:     role,
	}
}

// Provide creates a provider of desc under role, registers handlers and
// starts its loop.
func (n *Node) Provide(desc *iface.Descriptor, role string, handlers map[msgid.ID]provider.RequestHandler) (*Endpoint[*provider.Provider], error) {
	addr := ProviderAddress(n.id, desc.Name(), role)
	p, err := provider.New(provider.Config{
		Descriptor:     desc,
		Address:        addr,
		Sender:         n.router,
		Logger:         n.logger,
		ProtocolLogger: n.plog,
		Metrics:        n.metrics,
	})
	if err != nil {
		return nil, err
	}
	for id, h := range handlers {
		if err := p.Handle(id, h); err != nil {
			return nil, err
		}
	}

	ep := &Endpoint[*provider.Provider]{
		node:   n,
		engine: p,
		addr:   addr,
		finish: (*provider.Provider).Shutdown,
	}
	if err := bind(n, ep, "provider"); err != nil {
		return nil, err
	}
	return ep, nil
}

// Consume creates a consumer of desc under role that talks to the provider
// at target, starts its loop and sends the service connect.
func (n *Node) Consume(desc *iface.Descriptor, role string, target wire.Address) (*Endpoint[*consumer.Consumer], error) {
	addr := wire.NewAddress(n.id, desc.Name(), role)
	c, err := consumer.New(consumer.Config{
		Descriptor:     desc,
		Address:        addr,
		Provider:       target,
		Sender:         n.router,
		Logger:         n.logger,
		ProtocolLogger: n.plog,
		Metrics:        n.metrics,
	})
	if err != nil {
		return nil, err
	}

	ep := &Endpoint[*consumer.Consumer]{
		node:   n,
		engine: c,
		addr:   addr,
		finish: (*consumer.Consumer).Disconnect,
	}
	if err := bind(n, ep, "consumer"); err != nil {
		return nil, err
	}
	if err := ep.Run((*consumer.Consumer).Connect); err != nil {
		return nil, err
	}
	return ep, nil
}

// bind gives an engine its loop, attaches it to the router and starts it.
func bind[E transport.Receiver](n *Node, ep *Endpoint[E], kind string) error {
	ep.loop = dispatch.New(dispatch.Config{
		Name:     fmt.Sprintf("%s/%s/%s", ep.addr.Service, ep.addr.Role, kind),
		Receiver: ep.engine,
		Logger:   n.logger,
		Metrics:  n.metrics,
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateRunning {
		return ErrClosed
	}
	if err := n.router.Attach(ep.addr, ep.loop); err != nil {
		return err
	}
	if err := ep.loop.Start(n.ctx); err != nil {
		n.router.Detach(ep.addr)
		return err
	}
	n.endpoints = append(n.endpoints, ep)
	return nil
}

// forget removes ep from the node. It reports false if the node no longer
// owned it.
func (n *Node) forget(ep closer) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, e := range n.endpoints {
		if e == ep {
			n.endpoints = append(n.endpoints[:i], n.endpoints[i+1:]...)
			return true
		}
	}
	return false
}
