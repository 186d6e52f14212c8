// Package server implements the receiver side of cast links: one TLS
// listener, many framed connections, and a registry keyed by peer address.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/castv2/internal/channel"
	"github.com/danmuck/castv2/internal/eventbus"
	"github.com/danmuck/castv2/internal/logging"
	"github.com/danmuck/castv2/internal/observability"
	"github.com/danmuck/castv2/internal/protocol"
	"github.com/danmuck/castv2/internal/protocol/frame"
	"github.com/danmuck/castv2/internal/protocol/schema"
	"github.com/danmuck/castv2/internal/protocol/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrTLSConfigRequired = errors.New("server: tls config with a certificate required")
	ErrUnknownConnection = errors.New("server: unknown connection")
	ErrServerClosed      = errors.New("server: closed")
	ErrAlreadyServing    = errors.New("server: already serving")
)

type Config struct {
	// TLS must carry a certificate; receivers usually present a self-signed one.
	TLS    *tls.Config
	Limits frame.Limits
	// HandshakeTimeout bounds each TLS handshake. Zero means no bound.
	HandshakeTimeout time.Duration
	Codec            *schema.Codec
	Logger           *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Limits: frame.DefaultLimits(),
	}
}

// Server publishes listening, connection, message, error, disconnect and
// close events. Message, error and disconnect events carry ConnectionID.
type Server struct {
	cfg Config
	log zerolog.Logger
	bus *eventbus.Bus[protocol.Event]

	mu      sync.Mutex
	conns   map[string]*session.Conn
	ln      net.Listener
	serving bool
	closed  bool
	cancel  context.CancelFunc

	finishOnce sync.Once
	done       chan struct{}
}

func New(cfg Config) (*Server, error) {
	if cfg.TLS == nil || (len(cfg.TLS.Certificates) == 0 && cfg.TLS.GetCertificate == nil) {
		return nil, ErrTLSConfigRequired
	}
	if cfg.Codec == nil {
		cfg.Codec = schema.Default()
	}
	lg := logging.Component("server")
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	return &Server{
		cfg:   cfg,
		log:   lg,
		bus:   eventbus.New[protocol.Event](),
		conns: make(map[string]*session.Conn),
		done:  make(chan struct{}),
	}, nil
}

func (s *Server) Bus() *eventbus.Bus[protocol.Event] {
	return s.bus
}

// Done is closed after the server has shut down and published close.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Listen binds host:port and serves in the background until ctx ends or
// Close is called. Port 0 picks a free port; see Addr.
func (s *Server) Listen(ctx context.Context, port int, host string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	if err := s.claim(ln); err != nil {
		_ = ln.Close()
		return err
	}
	go func() {
		if err := s.serve(ctx, ln); err != nil {
			s.log.Error().Err(err).Msg("server.Listen accept loop failed")
			s.bus.Publish(eventbus.KindError, protocol.Event{Err: err})
		}
	}()
	return nil
}

// Serve runs the accept loop on ln and blocks until ctx ends, Close is
// called, or Accept fails. ln must yield raw TCP connections; the server
// performs the TLS handshake itself.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.claim(ln); err != nil {
		_ = ln.Close()
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) claim(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.serving {
		return ErrAlreadyServing
	}
	s.serving = true
	s.ln = ln
	return nil
}

// Server accept loop; every connection handler runs in the same errgroup.
func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	closed := s.closed
	s.mu.Unlock()
	if closed {
		cancel()
	}

	addr := ln.Addr().String()
	s.log.Info().Str("addr", addr).Msg("server.Serve listening")
	s.bus.Publish(eventbus.KindListening, protocol.Event{Payload: addr})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		s.disconnectAll()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		for {
			raw, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			g.Go(func() error {
				s.handleConn(gctx, raw)
				return nil
			})
		}
	})
	err := g.Wait()
	s.finish()
	return err
}

// Server connection handler: handshake, register, dispatch, unregister.
func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	id := session.ConnectionID(raw.RemoteAddr())
	secure := tls.Server(raw, s.cfg.TLS)
	hsCtx := ctx
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	if err := secure.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Str("conn", id).Msg("server.handleConn tls handshake failed")
		s.bus.Publish(eventbus.KindError, protocol.Event{ConnectionID: id, Err: fmt.Errorf("server: tls handshake: %w", err)})
		return
	}

	lg := s.log
	conn := session.New(id, raw, secure, session.Config{
		Limits: s.cfg.Limits,
		Codec:  s.cfg.Codec,
		Role:   observability.RoleServer,
		Logger: &lg,
	})
	if !s.register(conn) {
		conn.Close()
		return
	}
	observability.RecordConnectionOpened(observability.RoleServer)
	s.log.Info().Str("conn", id).Msg("server.handleConn connected")
	s.bus.Publish(eventbus.KindConnection, protocol.Event{ConnectionID: id})

	err := conn.Serve(func(m protocol.CastMessage) {
		s.bus.Publish(eventbus.KindMessage, protocol.MessageEvent(id, m))
	})
	if err != nil {
		s.log.Warn().Err(err).Str("conn", id).Bool("protocol_fault", session.IsProtocolFault(err)).Msg("server.handleConn connection failed")
		s.bus.Publish(eventbus.KindError, protocol.Event{ConnectionID: id, Err: err})
	}

	s.unregister(conn)
	observability.RecordConnectionClosed(observability.RoleServer)
	s.log.Info().Str("conn", id).Msg("server.handleConn disconnected")
	s.bus.Publish(eventbus.KindDisconnect, protocol.Event{ConnectionID: id})
}

func (s *Server) register(conn *session.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if prev, ok := s.conns[conn.ID()]; ok {
		prev.Close()
	}
	s.conns[conn.ID()] = conn
	return true
}

func (s *Server) unregister(conn *session.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[conn.ID()] == conn {
		delete(s.conns, conn.ID())
	}
}

func (s *Server) disconnectAll() {
	s.mu.Lock()
	conns := make([]*session.Conn, 0, len(s.conns))
	for id, conn := range s.conns {
		conns = append(conns, conn)
		delete(s.conns, id)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Server) lookup(connID string) (*session.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServerClosed
	}
	conn, ok := s.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnection, connID)
	}
	return conn, nil
}

// Send builds an envelope from data (string or []byte) and writes it to
// the connection registered under connID.
func (s *Server) Send(connID, sourceID, destinationID, namespace string, data any) error {
	m, err := protocol.NewEnvelope(sourceID, destinationID, namespace, data)
	if err != nil {
		return err
	}
	conn, err := s.lookup(connID)
	if err != nil {
		return err
	}
	if err := conn.Send(m); err != nil {
		if errors.Is(err, session.ErrClosed) {
			return fmt.Errorf("%w: %q", ErrUnknownConnection, connID)
		}
		return err
	}
	return nil
}

// Connections lists registered connection ids in sorted order.
func (s *Server) Connections() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Disconnect force-closes one connection. Its handler publishes disconnect.
func (s *Server) Disconnect(connID string) error {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	if ok {
		delete(s.conns, connID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownConnection, connID)
	}
	conn.Close()
	return nil
}

// Addr is the bound listener address, or nil before Listen/Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Sender binds a channel.Sender to one connection.
func (s *Server) Sender(connID string) channel.Sender {
	return connSender{srv: s, connID: connID}
}

// CreateChannel returns a channel scoped to connID that sends back to it.
func (s *Server) CreateChannel(connID, localID, remoteID, namespace string, opts ...channel.Option) (*channel.Channel, error) {
	opts = append([]channel.Option{channel.WithConnection(connID), channel.WithSender(s.Sender(connID))}, opts...)
	return channel.New(s.bus, localID, remoteID, namespace, opts...)
}

// Close stops accepting and force-closes every connection. The close event
// is published once all handlers have returned; wait on Done to observe it.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	serving := s.serving
	ln := s.ln
	s.mu.Unlock()

	s.log.Debug().Msg("server.Close")
	if ln != nil {
		_ = ln.Close()
	}
	if cancel != nil {
		cancel()
	}
	s.disconnectAll()
	if !serving {
		s.finish()
	}
	return nil
}

func (s *Server) finish() {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.log.Info().Msg("server.finish closed")
		s.bus.Publish(eventbus.KindClose, protocol.Event{})
		close(s.done)
	})
}

type connSender struct {
	srv    *Server
	connID string
}

func (c connSender) Send(sourceID, destinationID, namespace string, data any) error {
	return c.srv.Send(c.connID, sourceID, destinationID, namespace, data)
}
