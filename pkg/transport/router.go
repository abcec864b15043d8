package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/metrics"
	"github.com/svclink/svclink/pkg/outcome"
	"github.com/svclink/svclink/pkg/wire"
)

// Router errors.
var (
	ErrEndpointExists = errors.New("endpoint already attached")
	ErrForeignNode    = errors.New("address belongs to another node")
	ErrLinkExists     = errors.New("link to node already exists")
)

// Undelivered reasons, used as metric labels.
const (
	reasonNoEndpoint = "no_endpoint"
	reasonNoRoute    = "no_route"
	reasonEncode     = "encode"
	reasonLink       = "link"
	reasonPost       = "post"
)

// RouterConfig configures a Router.
type RouterConfig struct {
	// NodeID identifies this process. Required.
	NodeID uuid.UUID

	// Logger is the optional logger for debug output.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// ProtocolLogger receives wire-layer errors. Optional.
	ProtocolLogger log.Logger

	// Metrics records undelivered events. Optional.
	Metrics *metrics.Collector
}

// peering is one local endpoint that exchanged events with one remote
// endpoint.
type peering struct {
	local  wire.Address
	remote wire.Address
}

// Router moves events between endpoints. Local targets get the event
// object posted to their dispatch context; remote targets get the encoded
// event over the link to their node. Whatever cannot be delivered comes back
// to its sender as a MESSAGE_UNDELIVERED response.
type Router struct {
	node    uuid.UUID
	logger  *slog.Logger
	rec     log.Recorder
	metrics *metrics.Collector

	mu     sync.RWMutex
	local  map[uuid.UUID]Poster
	links  map[uuid.UUID]Link
	peers  map[uuid.UUID]map[peering]struct{}
	onDown []func(node uuid.UUID)
}

// NewRouter creates a router for one node.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		node:    cfg.NodeID,
		logger:  logger.With("component", "router"),
		rec:     log.Recorder{Logger: cfg.ProtocolLogger, NodeID: cfg.NodeID.String(), LocalRole: log.RoleRouter},
		metrics: cfg.Metrics,
		local:   make(map[uuid.UUID]Poster),
		links:   make(map[uuid.UUID]Link),
		peers:   make(map[uuid.UUID]map[peering]struct{}),
	}
}

// NodeID returns the local node identifier.
func (r *Router) NodeID() uuid.UUID { return r.node }

// Attach makes a local endpoint reachable through p.
func (r *Router) Attach(addr wire.Address, p Poster) error {
	if addr.Node != r.node {
		return fmt.Errorf("%w: %s", ErrForeignNode, addr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.local[addr.Endpoint]; ok {
		return fmt.Errorf("%w: %s", ErrEndpointExists, addr)
	}
	r.local[addr.Endpoint] = p
	return nil
}

// Detach removes a local endpoint. Events sent to it afterwards come back
// undelivered.
func (r *Router) Detach(addr wire.Address) {
	r.mu.Lock()
	delete(r.local, addr.Endpoint)
	r.mu.Unlock()
}

// AddLink routes events for the link's peer node through l.
func (r *Router) AddLink(l Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[l.Peer()]; ok {
		return fmt.Errorf("%w: %s", ErrLinkExists, l.Peer())
	}
	r.links[l.Peer()] = l
	r.metrics.LinkUp()
	r.logger.Debug("link up", "peer", l.Peer())
	return nil
}

// RemoveLink drops the route to node. Every local endpoint that talked to
// an endpoint on that node receives a SERVICE_UNAVAILABLE notification from
// it, so providers forget the lost consumers and consumers drop the lost
// service.
func (r *Router) RemoveLink(node uuid.UUID) {
	r.mu.Lock()
	if _, ok := r.links[node]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.links, node)
	pairs := r.peers[node]
	delete(r.peers, node)
	callbacks := append([]func(uuid.UUID){}, r.onDown...)
	r.mu.Unlock()

	r.metrics.LinkDown()
	r.logger.Debug("link down", "peer", node, "peerings", len(pairs))

	for p := range pairs {
		r.postLocal(wire.NewNotification(p.remote, p.local, outcome.ServiceUnavailable))
	}
	for _, fn := range callbacks {
		fn(node)
	}
}

// OnRouteDown registers fn to run after a link is removed.
func (r *Router) OnRouteDown(fn func(node uuid.UUID)) {
	r.mu.Lock()
	r.onDown = append(r.onDown, fn)
	r.mu.Unlock()
}

// HasRoute reports whether addr is reachable right now.
func (r *Router) HasRoute(addr wire.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr.Node == r.node {
		_, ok := r.local[addr.Endpoint]
		return ok
	}
	_, ok := r.links[addr.Node]
	return ok
}

func (r *Router) remember(local, remote wire.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[remote.Node]; !ok {
		return
	}
	set := r.peers[remote.Node]
	if set == nil {
		set = make(map[peering]struct{})
		r.peers[remote.Node] = set
	}
	set[peering{local: local, remote: remote}] = struct{}{}
}

// Send delivers ev to its target. It never fails; see Sender.
func (r *Router) Send(ev wire.Event) {
	to := ev.Target()
	if to.Node == r.node {
		r.mu.RLock()
		p, ok := r.local[to.Endpoint]
		r.mu.RUnlock()
		if !ok {
			r.undeliverable(ev, reasonNoEndpoint)
			return
		}
		if err := p.Post(ev); err != nil {
			r.logger.Debug("post failed", "target", to, "error", err)
			r.undeliverable(ev, reasonPost)
		}
		return
	}

	r.mu.RLock()
	l, ok := r.links[to.Node]
	r.mu.RUnlock()
	if !ok {
		r.undeliverable(ev, reasonNoRoute)
		return
	}

	data, err := wire.Encode(ev)
	if err != nil {
		r.rec.Error(log.LayerWire, "encode "+wire.Describe(ev), err)
		r.undeliverable(ev, reasonEncode)
		return
	}
	if err := l.Send(data); err != nil {
		r.logger.Debug("link send failed", "peer", to.Node, "error", err)
		r.undeliverable(ev, reasonLink)
		return
	}
	r.remember(ev.Source(), to)
}

// Deliver decodes an event received from a link and posts it to its local
// target. An event for an unknown endpoint is answered with
// MESSAGE_UNDELIVERED over the link it came from.
func (r *Router) Deliver(data []byte) error {
	ev, err := wire.Decode(data)
	if err != nil {
		r.rec.Error(log.LayerWire, "decode", err)
		return err
	}
	to := ev.Target()
	if to.Node != r.node {
		r.logger.Warn("event for another node", "target", to, "msg", wire.Describe(ev))
		r.undeliverable(ev, reasonNoRoute)
		return nil
	}
	r.remember(to, ev.Source())

	r.mu.RLock()
	p, ok := r.local[to.Endpoint]
	r.mu.RUnlock()
	if !ok {
		r.undeliverable(ev, reasonNoEndpoint)
		return nil
	}
	if err := p.Post(ev); err != nil {
		r.logger.Debug("post failed", "target", to, "error", err)
		r.undeliverable(ev, reasonPost)
	}
	return nil
}

// undeliverable turns ev into a MESSAGE_UNDELIVERED reply to its sender.
// Notifications and undelivered replies are dropped instead, so a lost
// endpoint never causes a reply loop.
func (r *Router) undeliverable(ev wire.Event, reason string) {
	r.metrics.Undelivered(reason)
	switch e := ev.(type) {
	case *wire.Notification:
		r.logger.Debug("dropping notification", "target", e.To, "reason", reason)
		return
	case *wire.Response:
		if e.Outcome == outcome.Undelivered {
			r.logger.Debug("dropping undelivered reply", "target", e.To, "reason", reason)
			return
		}
	}
	r.logger.Debug("undelivered", "msg", wire.Describe(ev), "target", ev.Target(), "reason", reason)

	reply := wire.Undelivered(ev)
	if reply.To.Node == r.node {
		r.postLocal(reply)
		return
	}
	// A remote sender: answer over its link.
	r.Send(reply)
}

func (r *Router) postLocal(ev wire.Event) {
	r.mu.RLock()
	p, ok := r.local[ev.Target().Endpoint]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("no local endpoint for reply", "target", ev.Target(), "msg", wire.Describe(ev))
		return
	}
	if err := p.Post(ev); err != nil {
		r.logger.Debug("post failed", "target", ev.Target(), "error", err)
	}
}
