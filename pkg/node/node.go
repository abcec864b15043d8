// Package node assembles a svclink process: one Router, a dispatch loop per
// provider or consumer, optional TCP links and an optional message bus.
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/svclink/svclink/pkg/config"
	"github.com/svclink/svclink/pkg/iface"
	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/metrics"
	"github.com/svclink/svclink/pkg/transport"
	"github.com/svclink/svclink/pkg/transport/bus"
)

// Node errors.
var (
	ErrClosed        = errors.New("node closed")
	ErrListening     = errors.New("node already listening")
	ErrBusNotEnabled = errors.New("bus enabled without publisher and subscriber")
	ErrNoInterface   = errors.New("interface not loaded")
)

// State is the lifecycle state of a Node.
type State uint8

const (
	// StateRunning - endpoints can be added.
	StateRunning State = iota

	// StateStopping - Close in progress.
	StateStopping

	// StateStopped - everything is torn down.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Option configures a Node.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	protoLog   log.Logger
	metrics    *metrics.Collector
	tls        *tls.Config
	publisher  message.Publisher
	subscriber message.Subscriber
}

// WithLogger sets the operational logger. By default a text logger on
// stderr at the configured level is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProtocolLogger adds a protocol capture sink.
func WithProtocolLogger(l log.Logger) Option {
	return func(o *options) { o.protoLog = l }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithTLS secures TCP links.
func WithTLS(c *tls.Config) Option {
	return func(o *options) { o.tls = c }
}

// WithPubSub sets the Watermill backend used when the bus is enabled.
func WithPubSub(pub message.Publisher, sub message.Subscriber) Option {
	return func(o *options) {
		o.publisher = pub
		o.subscriber = sub
	}
}

// closer is an endpoint as the node sees it during shutdown.
type closer interface {
	shutdown(ctx context.Context)
	stop()
}

// Node is one svclink process.
type Node struct {
	cfg     config.Config
	id      uuid.UUID
	logger  *slog.Logger
	plog    log.Logger
	files   []*log.FileLogger
	metrics *metrics.Collector
	tls     *tls.Config

	router *transport.Router
	bus    *bus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	server     *transport.Server
	conns      map[*transport.Conn]struct{}
	endpoints  []closer
	interfaces map[string]*iface.Descriptor
}

// New creates a node from cfg. cfg is validated first.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		level, _ := cfg.Level()
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	id := cfg.ID()
	logger = logger.With("node", cfg.Name)

	n := &Node{
		cfg:        cfg,
		id:         id,
		logger:     logger,
		metrics:    o.metrics,
		tls:        o.tls,
		conns:      make(map[*transport.Conn]struct{}),
		interfaces: make(map[string]*iface.Descriptor),
	}

	var sinks []log.Logger
	if o.protoLog != nil {
		sinks = append(sinks, o.protoLog)
	}
	if cfg.ProtocolLog != "" {
		fl, err := log.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return nil, fmt.Errorf("protocol log: %w", err)
		}
		n.files = append(n.files, fl)
		sinks = append(sinks, fl)
	}
	switch len(sinks) {
	case 0:
	case 1:
		n.plog = sinks[0]
	default:
		n.plog = log.NewMultiLogger(sinks...)
	}

	if err := n.metrics.Register(); err != nil {
		n.closeFiles()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	n.router = transport.NewRouter(transport.RouterConfig{
		NodeID:         id,
		Logger:         logger,
		ProtocolLogger: n.plog,
		Metrics:        n.metrics,
	})
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if cfg.Bus.Enabled {
		if err := n.startBus(o.publisher, o.subscriber); err != nil {
			n.cancel()
			n.closeFiles()
			return nil, err
		}
	}
	return n, nil
}

// ID returns the node identifier.
func (n *Node) ID() uuid.UUID { return n.id }

// Config returns the effective configuration.
func (n *Node) Config() config.Config { return n.cfg }

// Router returns the node's router.
func (n *Node) Router() *transport.Router { return n.router }

// State returns the lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) startBus(pub message.Publisher, sub message.Subscriber) error {
	if pub == nil || sub == nil {
		return ErrBusNotEnabled
	}
	var b *bus.Bus
	b, err := bus.New(bus.Config{
		NodeID:      n.id,
		Publisher:   pub,
		Subscriber:  sub,
		TopicPrefix: n.cfg.Bus.TopicPrefix,
		Logger:      n.logger,
		Metrics:     n.metrics,
		Heartbeat: transport.HeartbeatConfig{
			Interval:  n.cfg.Bus.HeartbeatInterval.Std(),
			MaxMissed: n.cfg.Bus.HeartbeatMaxMissed,
		},
		OnPeerDown: n.router.RemoveLink,
		OnPeerUp: func(peer uuid.UUID) {
			l := b.Link(peer)
			if err := n.router.AddLink(l); err != nil {
				n.logger.Debug("bus peer not relinked", "peer", peer, "error", err)
				l.Close()
			}
		},
	})
	if err != nil {
		return err
	}
	if err := b.Start(n.ctx, func(_ uuid.UUID, data []byte) error {
		return n.router.Deliver(data)
	}); err != nil {
		return err
	}
	for _, peer := range n.cfg.BusPeers() {
		if err := n.router.AddLink(b.Link(peer)); err != nil {
			b.Close()
			return err
		}
	}
	n.bus = b
	return nil
}

func (n *Node) connConfig() transport.ConnConfig {
	t := n.cfg.Transport
	return transport.ConnConfig{
		NodeID:           n.id,
		TLS:              n.tls,
		MaxFrameSize:     t.MaxFrameSize,
		HandshakeTimeout: t.HandshakeTimeout.Std(),
		WriteTimeout:     t.WriteTimeout.Std(),
		Heartbeat: transport.HeartbeatConfig{
			Interval:  t.HeartbeatInterval.Std(),
			MaxMissed: t.HeartbeatMaxMissed,
		},
		Logger:         n.logger,
		ProtocolLogger: n.plog,
		Metrics:        n.metrics,
	}
}

// Listen accepts links on the configured address. An empty address means
// "127.0.0.1:0" is used, which is mostly useful in tests.
func (n *Node) Listen(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateRunning {
		return "", ErrClosed
	}
	if n.server != nil {
		return "", ErrListening
	}

	addr := n.cfg.Transport.Listen
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	srv, err := transport.NewServer(transport.ServerConfig{
		Address: addr,
		Conn:    n.connConfig(),
		OnLink:  func(c *transport.Conn) { n.addConn(c) },
		OnError: func(err error) { n.logger.Debug("link server", "error", err) },
	})
	if err != nil {
		return "", err
	}
	if err := srv.Start(ctx); err != nil {
		return "", err
	}
	n.server = srv
	n.logger.Info("listening", "addr", srv.Addr())
	return srv.Addr().String(), nil
}

// Dial opens a link to the node listening at address.
func (n *Node) Dial(ctx context.Context, address string) (uuid.UUID, error) {
	if n.State() != StateRunning {
		return uuid.Nil, ErrClosed
	}
	c, err := transport.Dial(ctx, address, n.connConfig())
	if err != nil {
		return uuid.Nil, err
	}
	if !n.addConn(c) {
		return uuid.Nil, fmt.Errorf("%w: %s", transport.ErrLinkExists, c.Peer())
	}
	return c.Peer(), nil
}

// DialPeers dials every peer in the configuration. Failures are logged.
func (n *Node) DialPeers(ctx context.Context) int {
	linked := 0
	for _, addr := range n.cfg.Transport.Peers {
		if _, err := n.Dial(ctx, addr); err != nil {
			n.logger.Warn("dial peer failed", "addr", addr, "error", err)
			continue
		}
		linked++
	}
	return linked
}

// addConn routes events to the link's peer and starts its read loop.
func (n *Node) addConn(c *transport.Conn) bool {
	if err := n.router.AddLink(c); err != nil {
		n.logger.Debug("rejecting link", "peer", c.Peer(), "error", err)
		c.Close()
		return false
	}
	n.mu.Lock()
	n.conns[c] = struct{}{}
	n.mu.Unlock()

	c.Start(
		func(data []byte) {
			if err := n.router.Deliver(data); err != nil {
				n.logger.Debug("dropping frame", "peer", c.Peer(), "error", err)
			}
		},
		func(c *transport.Conn, err error) {
			n.mu.Lock()
			delete(n.conns, c)
			n.mu.Unlock()
			n.router.RemoveLink(c.Peer())
			n.logger.Info("link down", "peer", c.Peer(), "error", err)
		},
	)
	n.logger.Info("link up", "peer", c.Peer(), "remote", c.RemoteAddr())
	return true
}

// LinkCount returns the number of open TCP links.
func (n *Node) LinkCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Close shuts providers down, disconnects consumers, then stops every loop
// and link. Close is idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.state != StateRunning {
		n.mu.Unlock()
		return nil
	}
	n.state = StateStopping
	endpoints := append([]closer(nil), n.endpoints...)
	n.endpoints = nil
	srv := n.server
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, e := range endpoints {
		e.shutdown(ctx)
	}
	for _, e := range endpoints {
		e.stop()
	}

	var errs []error
	if srv != nil {
		errs = append(errs, srv.Stop())
	}
	n.mu.Lock()
	conns := make([]*transport.Conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()
	for _, c := range conns {
		errs = append(errs, c.Close())
	}
	if n.bus != nil {
		errs = append(errs, n.bus.Close())
	}
	n.cancel()
	errs = append(errs, n.closeFiles())

	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()
	return errors.Join(errs...)
}

func (n *Node) closeFiles() error {
	var errs []error
	for _, f := range n.files {
		errs = append(errs, f.Close())
	}
	n.files = nil
	return errors.Join(errs...)
}
