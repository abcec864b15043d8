package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/metrics"
)

// Link frame types. Every frame starts with one of these bytes.
const (
	frameHello byte = 0x01
	frameEvent byte = 0x02
	framePing  byte = 0x03
	framePong  byte = 0x04
	frameClose byte = 0x05
)

// Conn errors.
var (
	ErrConnClosed = errors.New("connection closed")
	ErrHandshake  = errors.New("link handshake failed")
)

// ConnState is the state of a Conn.
type ConnState int32

const (
	// ConnOpen - handshake done, frames flow.
	ConnOpen ConnState = iota

	// ConnClosing - Close in progress.
	ConnClosing

	// ConnClosed - the socket is closed.
	ConnClosed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case ConnOpen:
		return "OPEN"
	case ConnClosing:
		return "CLOSING"
	case ConnClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnConfig configures links over stream sockets.
type ConnConfig struct {
	// NodeID is sent to the peer in the hello frame. Required.
	NodeID uuid.UUID

	// TLS, if set, wraps the socket. Servers need certificates.
	TLS *tls.Config

	// MaxFrameSize limits frame payloads (default: 1 MB).
	MaxFrameSize uint32

	// HandshakeTimeout bounds TLS and hello exchange (default: 10s).
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single frame write (0 = none).
	WriteTimeout time.Duration

	// Heartbeat configures liveness checks.
	Heartbeat HeartbeatConfig

	// Logger is the optional logger for debug output.
	Logger *slog.Logger

	// ProtocolLogger receives frame and link state events. Optional.
	ProtocolLogger log.Logger

	// Metrics records frame counters. Optional.
	Metrics *metrics.Collector
}

// DefaultConnConfig returns the default link configuration for node.
func DefaultConnConfig(node uuid.UUID) ConnConfig {
	return ConnConfig{
		NodeID:           node,
		MaxFrameSize:     DefaultMaxFrameSize,
		HandshakeTimeout: 10 * time.Second,
		Heartbeat:        DefaultHeartbeatConfig(),
	}
}

func (c *ConnConfig) applyDefaults() {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Conn is a Link over a net.Conn.
type Conn struct {
	config ConnConfig
	conn   net.Conn
	framer *Framer
	peer   uuid.UUID
	logger *slog.Logger
	rec    log.Recorder

	heartbeat *Heartbeat
	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}

	onFrame func([]byte)
	onClose func(*Conn, error)
}

// Handshake exchanges hello frames over nc and returns the open link.
// server selects the TLS side when config.TLS is set.
func Handshake(ctx context.Context, nc net.Conn, config ConnConfig, server bool) (*Conn, error) {
	config.applyDefaults()

	ctx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	if config.TLS != nil {
		var tc *tls.Conn
		if server {
			tc = tls.Server(nc, config.TLS)
		} else {
			tc = tls.Client(nc, config.TLS)
		}
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("%w: tls: %v", ErrHandshake, err)
		}
		nc = tc
	}

	framer := NewFramerWithMaxSize(nc, config.MaxFrameSize)
	remote := nc.RemoteAddr().String()
	framer.SetLogger(config.ProtocolLogger, config.NodeID.String(), remote)
	framer.SetMetrics(config.Metrics)

	hello := append([]byte{frameHello}, config.NodeID[:]...)
	if err := framer.WriteFrame(hello); err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	reply, err := framer.ReadFrame()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if len(reply) != 1+len(uuid.UUID{}) || reply[0] != frameHello {
		nc.Close()
		return nil, fmt.Errorf("%w: unexpected hello frame", ErrHandshake)
	}
	peer, _ := uuid.FromBytes(reply[1:])
	if peer == config.NodeID {
		nc.Close()
		return nil, fmt.Errorf("%w: connected to self", ErrHandshake)
	}
	_ = nc.SetDeadline(time.Time{})

	c := &Conn{
		config: config,
		conn:   nc,
		framer: framer,
		peer:   peer,
		logger: config.Logger.With("component", "link", "peer", peer, "remote", remote),
		rec: log.Recorder{
			Logger:    config.ProtocolLogger,
			NodeID:    config.NodeID.String(),
			LocalRole: log.RoleRouter,
			Endpoint:  remote,
		},
		done: make(chan struct{}),
	}
	c.state.Store(int32(ConnOpen))
	c.rec.State(&log.StateChangeEvent{
		Entity:   log.StateEntityConnection,
		OldState: "CONNECTING",
		NewState: ConnOpen.String(),
		Reason:   peer.String(),
	})
	return c, nil
}

// Start runs the read loop. onFrame receives every event frame; onClose
// runs once when the link goes down, with the error that ended it.
func (c *Conn) Start(onFrame func([]byte), onClose func(*Conn, error)) {
	c.onFrame = onFrame
	c.onClose = onClose
	c.heartbeat = NewHeartbeat(c.config.Heartbeat,
		func() error { return c.framer.WriteFrame([]byte{framePing}) },
		func() { c.shutdown(errors.New("heartbeat timeout"), false) },
	)
	c.heartbeat.Start()
	go c.readLoop()
}

// Peer returns the node identifier of the remote side.
func (c *Conn) Peer() uuid.UUID { return c.peer }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// State returns the link state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Done is closed when the link is down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send transmits one encoded event.
func (c *Conn) Send(data []byte) error {
	if c.State() != ConnOpen {
		return ErrConnClosed
	}
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	frame := make([]byte, 1+len(data))
	frame[0] = frameEvent
	copy(frame[1:], data)
	if err := c.framer.WriteFrame(frame); err != nil {
		return fmt.Errorf("link %s: %w", c.peer, err)
	}
	return nil
}

// Close tells the peer and closes the link.
func (c *Conn) Close() error {
	c.shutdown(nil, true)
	return nil
}

func (c *Conn) shutdown(cause error, graceful bool) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(ConnClosing))
		if graceful {
			_ = c.framer.WriteFrame([]byte{frameClose})
		}
		if c.heartbeat != nil {
			c.heartbeat.Stop()
		}
		c.conn.Close()
		c.state.Store(int32(ConnClosed))
		close(c.done)

		reason := "closed"
		if cause != nil {
			reason = cause.Error()
			c.logger.Debug("link lost", "error", cause)
		}
		c.rec.State(&log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: ConnOpen.String(),
			NewState: ConnClosed.String(),
			Reason:   reason,
		})
		if c.onClose != nil {
			c.onClose(c, cause)
		}
	})
}

func (c *Conn) readLoop() {
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			if c.State() != ConnOpen {
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrConnClosed
			}
			c.shutdown(err, false)
			return
		}
		c.heartbeat.Touch()

		switch frame[0] {
		case frameEvent:
			if c.onFrame != nil {
				c.onFrame(frame[1:])
			}
		case framePing:
			_ = c.framer.WriteFrame([]byte{framePong})
		case framePong:
		case frameClose:
			c.shutdown(nil, false)
			return
		default:
			c.logger.Warn("unknown link frame", "type", frame[0])
		}
	}
}
