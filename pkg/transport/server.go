package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Server errors.
var (
	ErrServerRunning = errors.New("server already running")
	ErrNoAddress     = errors.New("listen address required")
)

// ServerConfig configures a link server.
type ServerConfig struct {
	// Address to listen on (e.g. ":7400" or "127.0.0.1:0").
	Address string

	// Conn configures accepted links.
	Conn ConnConfig

	// OnLink is called for every link that completed its handshake.
	// The callback must call Start on the link.
	OnLink func(c *Conn)

	// OnError is called when accepting or a handshake fails.
	OnError func(err error)
}

// Server accepts links from other nodes.
type Server struct {
	config   ServerConfig
	listener net.Listener

	conns   map[*Conn]struct{}
	connsMu sync.Mutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a link server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Address == "" {
		return nil, ErrNoAddress
	}
	return &Server{
		config: config,
		conns:  make(map[*Conn]struct{}),
	}, nil
}

// Start starts listening and accepting links.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrServerRunning
	}

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop stops accepting and closes every accepted link.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	s.listener.Close()

	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	s.wg.Wait()
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// LinkCount returns the number of open accepted links.
func (s *Server) LinkCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.reportError(fmt.Errorf("accept error: %w", err))
				// Avoid spinning on a persistent accept error.
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}

		s.wg.Add(1)
		go s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	defer s.wg.Done()

	c, err := Handshake(s.ctx, nc, s.config.Conn, true)
	if err != nil {
		s.reportError(err)
		return
	}

	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
	go func() {
		<-c.Done()
		s.connsMu.Lock()
		delete(s.conns, c)
		s.connsMu.Unlock()
	}()

	if s.config.OnLink != nil {
		s.config.OnLink(c)
	} else {
		c.Close()
	}
}

func (s *Server) reportError(err error) {
	if s.config.OnError != nil {
		s.config.OnError(err)
	}
}

// Dial connects to a link server at address.
func Dial(ctx context.Context, address string, config ConnConfig) (*Conn, error) {
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	nc, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return Handshake(ctx, nc, config, false)
}
