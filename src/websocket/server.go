package websocket

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxMessageBytes bounds MessageAssembler accumulation when a
	// Server is built without WithMaxMessageBytes.
	DefaultMaxMessageBytes = 1 << 20 // 1 MiB

	// DefaultCloseTimeout bounds the wait for a peer's close
	// acknowledgement when a Server is built without WithCloseTimeout.
	DefaultCloseTimeout = 10 * time.Second
)

// ServerOption configures optional Server parameters at construction.
type ServerOption func(*Server)

// WithMaxMessageBytes overrides DefaultMaxMessageBytes.
func WithMaxMessageBytes(n int) ServerOption {
	return func(s *Server) { s.maxMessageBytes = n }
}

// WithCloseTimeout overrides DefaultCloseTimeout.
func WithCloseTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.closeTimeout = d }
}

// Server listens on a host/port, accepts transports, pipelines each
// through HandshakeProtocol then ConnectionProtocol, owns the live-
// connection set, and orchestrates graceful shutdown. It holds no hidden
// global state: the accept loop's lifetime is governed by the
// context.Context passed to Run.
type Server struct {
	addr            string
	handlerFactory  HandlerFactory
	logger          zerolog.Logger
	maxMessageBytes int
	closeTimeout    time.Duration

	mu    sync.Mutex
	ln    net.Listener
	conns map[string]*Connection
}

// NewServer builds a Server bound to addr (host:port). factory constructs
// the application handler for each successfully upgraded connection.
func NewServer(addr string, factory HandlerFactory, logger zerolog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		addr:            addr,
		handlerFactory:  factory,
		logger:          logger,
		maxMessageBytes: DefaultMaxMessageBytes,
		closeTimeout:    DefaultCloseTimeout,
		conns:           make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run listens and accepts connections until ctx is cancelled or a fatal
// accept error occurs. It blocks; callers typically run it in a goroutine
// and call Close for a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", s.addr).Msg("server listening")

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		netConn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Err.Error() == "use of closed network connection" {
				return nil
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			return err
		}
		go s.handleConn(netConn)
	}
}

// handleConn performs the upgrade handshake and, on success, hands the
// connection off to ServeLoop for the lifetime of the session.
func (s *Server) handleConn(netConn net.Conn) {
	id := uuid.NewString()
	logger := s.logger.With().Str("conn_id", id).Str("remote_addr", netConn.RemoteAddr().String()).Logger()

	rw := bufio.NewReadWriter(bufio.NewReader(netConn), bufio.NewWriter(netConn))
	if err := PerformHandshake(rw); err != nil {
		logger.Warn().Err(err).Msg("handshake failed")
		_ = netConn.Close()
		return
	}
	logger.Info().Msg("handshake complete")

	conn := NewConnection(id, logger, netConn, rw, s.maxMessageBytes, s.closeTimeout, s.deregister)
	s.register(conn)

	handler := s.handlerFactory(conn)
	conn.ServeLoop(handler)
}

func (s *Server) register(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID()] = c
}

func (s *Server) deregister(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.ID())
}

// LiveCount returns the number of connections currently in OPEN or CLOSING.
func (s *Server) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// snapshot copies the live-connection set so Close can iterate it without
// holding the lock across concurrent teardowns removing entries.
func (s *Server) snapshot() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close stops accepting new transports and initiates a GOING_AWAY close on
// every live connection concurrently, then waits (bounded by closeTimeout
// plus a grace period) for the live-set to empty.
func (s *Server) Close(reason string) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	conns := s.snapshot()
	s.logger.Info().Int("live_connections", len(conns)).Str("reason", reason).Msg("server closing")

	g := new(errgroup.Group)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			return c.Close(CloseGoingAway, reason)
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn().Err(err).Msg("error sending close frame during shutdown")
	}

	deadline := time.Now().Add(s.closeTimeout + time.Second)
	for s.LiveCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	if n := s.LiveCount(); n > 0 {
		s.logger.Warn().Int("remaining", n).Msg("server closed with connections still live")
	}
	return nil
}
