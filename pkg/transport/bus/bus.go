// Package bus carries encoded events between nodes over a Watermill
// publisher/subscriber pair.
//
// Every node subscribes to its own topic. A Link to a peer node publishes
// to the peer's topic, so any Watermill backend (in-memory channels, NATS,
// Kafka, AMQP, ...) can stand in for a direct TCP link.
//
// A publish succeeds whether or not anyone listens, so links ping their
// peer and a peer that stops answering is reported through OnPeerDown.
package bus

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/metrics"
	"github.com/svclink/svclink/pkg/transport"
)

var _ transport.Link = (*Link)(nil)

// DefaultTopicPrefix is prepended to the node identifier to form a topic.
const DefaultTopicPrefix = "svclink.node."

// Metadata keys.
const (
	// MetadataFrom carries the sending node identifier.
	MetadataFrom = "svclink_from"

	// MetadataKind marks liveness messages. Events carry no kind.
	MetadataKind = "svclink_kind"
)

const (
	kindPing = "ping"
	kindPong = "pong"
)

// Bus errors.
var (
	ErrNoPubSub    = errors.New("publisher and subscriber required")
	ErrNoNode      = errors.New("node id required")
	ErrLinkClosed  = errors.New("bus link closed")
	ErrBusClosed   = errors.New("bus closed")
	ErrAlreadyOpen = errors.New("bus already started")
)

// Config configures a Bus.
type Config struct {
	// NodeID is the local node. Required.
	NodeID uuid.UUID

	// Publisher and Subscriber are the Watermill backend. Required.
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// TopicPrefix overrides DefaultTopicPrefix.
	TopicPrefix string

	// Logger is the optional logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics records frame counters. Optional.
	Metrics *metrics.Collector

	// Heartbeat configures peer liveness. A zero Interval disables it.
	Heartbeat transport.HeartbeatConfig

	// OnPeerDown runs when a linked peer stops answering pings. The link
	// is closed before it runs.
	OnPeerDown func(peer uuid.UUID)

	// OnPeerUp runs when a peer reported down is heard from again.
	OnPeerUp func(peer uuid.UUID)
}

// Bus is one node's attachment to a message bus.
type Bus struct {
	config Config
	logger *slog.Logger
	wmlog  watermill.LoggerAdapter

	mu    sync.Mutex
	links map[uuid.UUID]*Link
	lost  map[uuid.UUID]bool

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// New creates a bus attachment.
func New(cfg Config) (*Bus, error) {
	if cfg.Publisher == nil || cfg.Subscriber == nil {
		return nil, ErrNoPubSub
	}
	if cfg.NodeID == uuid.Nil {
		return nil, ErrNoNode
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus", "node", cfg.NodeID)
	return &Bus{
		config: cfg,
		logger: logger,
		wmlog:  watermill.NewSlogLogger(logger),
		links:  make(map[uuid.UUID]*Link),
		lost:   make(map[uuid.UUID]bool),
	}, nil
}

// WatermillLogger returns the logger adapter handed to Watermill backends.
func (b *Bus) WatermillLogger() watermill.LoggerAdapter { return b.wmlog }

// Topic returns the topic node listens on.
func (b *Bus) Topic(node uuid.UUID) string {
	return b.config.TopicPrefix + node.String()
}

// Start subscribes to the local topic. deliver receives each encoded event
// with the node that published it.
func (b *Bus) Start(ctx context.Context, deliver func(from uuid.UUID, data []byte) error) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	ctx, b.cancel = context.WithCancel(ctx)

	topic := b.Topic(b.config.NodeID)
	msgs, err := b.config.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		b.cancel()
		b.started.Store(false)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			b.handle(msg, deliver)
		}
	}()
	b.logger.Debug("bus started", "topic", topic)
	return nil
}

func (b *Bus) handle(msg *message.Message, deliver func(uuid.UUID, []byte) error) {
	defer msg.Ack()

	from, err := uuid.Parse(msg.Metadata.Get(MetadataFrom))
	if err != nil {
		b.logger.Warn("bus message without sender", "uuid", msg.UUID)
		return
	}
	b.heardFrom(from)

	switch msg.Metadata.Get(MetadataKind) {
	case kindPing:
		if err := b.publish(b.Topic(from), kindPong, nil); err != nil {
			b.logger.Debug("pong failed", "peer", from, "error", err)
		}
		return
	case kindPong:
		return
	}

	b.config.Metrics.Frame(log.DirectionIn.String(), len(msg.Payload))
	// Delivery errors are not retried.
	if err := deliver(from, msg.Payload); err != nil {
		b.logger.Debug("bus delivery failed", "uuid", msg.UUID, "error", err)
	}
}

// heardFrom records traffic from peer and revives a peer reported down.
func (b *Bus) heardFrom(peer uuid.UUID) {
	b.mu.Lock()
	l := b.links[peer]
	revived := l == nil && b.lost[peer]
	if revived {
		delete(b.lost, peer)
	}
	b.mu.Unlock()

	if l != nil {
		l.hb.Touch()
	}
	if revived {
		b.logger.Info("bus peer back", "peer", peer)
		if b.config.OnPeerUp != nil {
			b.config.OnPeerUp(peer)
		}
	}
}

func (b *Bus) publish(topic, kind string, data []byte) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	msg := message.NewMessage(newMessageID(), data)
	msg.Metadata.Set(MetadataFrom, b.config.NodeID.String())
	if kind != "" {
		msg.Metadata.Set(MetadataKind, kind)
	}
	if err := b.config.Publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Link returns a link that publishes to peer and starts watching the peer.
// A previous link to the same peer is closed.
func (b *Bus) Link(peer uuid.UUID) *Link {
	l := &Link{bus: b, peer: peer, topic: b.Topic(peer)}
	l.hb = transport.NewHeartbeat(b.config.Heartbeat, l.ping, l.timeout)

	b.mu.Lock()
	old := b.links[peer]
	b.links[peer] = l
	delete(b.lost, peer)
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if !b.closed.Load() {
		l.hb.Start()
	}
	return l
}

// Peers returns the nodes with an open link.
func (b *Bus) Peers() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := make([]uuid.UUID, 0, len(b.links))
	for p := range b.links {
		peers = append(peers, p)
	}
	return peers
}

func (b *Bus) forget(l *Link, lost bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.links[l.peer] == l {
		delete(b.links, l.peer)
	}
	if lost {
		b.lost[l.peer] = true
	}
}

// Close stops the subscription and closes the backend.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	links := make([]*Link, 0, len(b.links))
	for _, l := range b.links {
		links = append(links, l)
	}
	b.mu.Unlock()
	for _, l := range links {
		l.Close()
	}

	if b.cancel != nil {
		b.cancel()
	}
	errPub := b.config.Publisher.Close()
	errSub := b.config.Subscriber.Close()
	b.wg.Wait()
	return errors.Join(errPub, errSub)
}

// Link is a transport link to one peer node over the bus.
type Link struct {
	bus    *Bus
	peer   uuid.UUID
	topic  string
	hb     *transport.Heartbeat
	closed atomic.Bool
}

// Peer returns the remote node.
func (l *Link) Peer() uuid.UUID { return l.peer }

// Send publishes one encoded event to the peer's topic.
func (l *Link) Send(data []byte) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	if err := l.bus.publish(l.topic, "", data); err != nil {
		return err
	}
	l.bus.config.Metrics.Frame(log.DirectionOut.String(), len(data))
	return nil
}

func (l *Link) ping() error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	return l.bus.publish(l.topic, kindPing, nil)
}

func (l *Link) timeout() {
	if l.closed.Swap(true) {
		return
	}
	l.bus.logger.Warn("bus peer silent", "peer", l.peer, "silence", l.hb.Silence())
	l.hb.Stop()
	l.bus.forget(l, true)
	if fn := l.bus.config.OnPeerDown; fn != nil {
		fn(l.peer)
	}
}

// Close stops the link. The bus itself stays open.
func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.hb.Stop()
	l.bus.forget(l, false)
	return nil
}
