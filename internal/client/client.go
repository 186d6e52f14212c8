// Package client implements the sender side of a cast link: one outbound
// TLS connection whose decoded envelopes are published on a message bus
// that channels subscribe to.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/castv2/internal/channel"
	"github.com/danmuck/castv2/internal/eventbus"
	"github.com/danmuck/castv2/internal/logging"
	"github.com/danmuck/castv2/internal/observability"
	"github.com/danmuck/castv2/internal/protocol"
	"github.com/danmuck/castv2/internal/protocol/frame"
	"github.com/danmuck/castv2/internal/protocol/schema"
	"github.com/danmuck/castv2/internal/protocol/session"
	"github.com/danmuck/castv2/internal/tlsutil"
	"github.com/rs/zerolog"
)

// DefaultPort is the cast receiver TLS port.
const DefaultPort = 8009

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrHostRequired     = errors.New("client: host required")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	// Closing is a closed connection whose dispatch goroutine has not yet
	// published close.
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Config struct {
	Limits frame.Limits
	// TLS is cloned per connection; certificate verification is always off.
	TLS    *tls.Config
	Codec  *schema.Codec
	Logger *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Limits: frame.DefaultLimits(),
	}
}

// ConnectOptions addresses one receiver. Port 0 means DefaultPort.
type ConnectOptions struct {
	Host string
	Port int
}

// HostOptions normalizes a bare host into options on the default port.
func HostOptions(host string) ConnectOptions {
	return ConnectOptions{Host: host, Port: DefaultPort}
}

// Address returns host:port, bracketing IPv6 literals.
func (o ConnectOptions) Address() string {
	port := o.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(strings.TrimSpace(o.Host), strconv.Itoa(port))
}

// Client owns at most one connection at a time. After the connection ends
// the client returns to Disconnected and may Connect again.
type Client struct {
	cfg Config
	log zerolog.Logger
	bus *eventbus.Bus[protocol.Event]

	mu         sync.Mutex
	state      State
	conn       *session.Conn
	done       chan struct{}
	cancelDial context.CancelFunc
}

func New(cfg Config) *Client {
	if cfg.Codec == nil {
		cfg.Codec = schema.Default()
	}
	lg := logging.Component("client")
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	done := make(chan struct{})
	close(done)
	return &Client{
		cfg:  cfg,
		log:  lg,
		bus:  eventbus.New[protocol.Event](),
		done: done,
	}
}

// Bus carries connect, close, error and message events.
func (c *Client) Bus() *eventbus.Bus[protocol.Event] {
	return c.bus
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed after the current connection has ended and its close event
// has been published. It is already closed when no connection exists.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Connect dials opts and completes the TLS handshake. ctx bounds only the
// dial and handshake; the established link lives until Close or a fault.
//
// If a previous connection is still Closing, Connect first waits for its
// close event, so close always precedes the next connect on the bus. Calling
// Connect after Close from a message handler of the old connection blocks
// until ctx ends.
func (c *Client) Connect(ctx context.Context, opts ConnectOptions) error {
	if strings.TrimSpace(opts.Host) == "" {
		return ErrHostRequired
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.begin(ctx, cancel); err != nil {
		return err
	}

	addr := opts.Address()
	conn, err := c.dial(dialCtx, opts.Host, addr)

	c.mu.Lock()
	c.cancelDial = nil
	if err == nil && c.state != Connecting {
		// Close ran while the handshake was in flight.
		err = ErrNotConnected
		conn.Close()
	}
	if err != nil {
		c.state = Disconnected
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("addr", addr).Msg("client.Connect failed")
		return err
	}
	done := make(chan struct{})
	c.state = Connected
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	observability.RecordConnectionOpened(observability.RoleClient)
	c.log.Info().Str("addr", addr).Msg("client.Connect connected")
	c.bus.Publish(eventbus.KindConnect, protocol.Event{ConnectionID: conn.ID()})
	go c.serve(conn, done)
	return nil
}

// begin moves the client to Connecting once any closing connection has
// unwound.
func (c *Client) begin(ctx context.Context, cancel context.CancelFunc) error {
	for {
		c.mu.Lock()
		switch c.state {
		case Disconnected:
			c.state = Connecting
			c.cancelDial = cancel
			c.mu.Unlock()
			return nil
		case Closing:
			prev := c.done
			c.mu.Unlock()
			select {
			case <-prev:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			c.mu.Unlock()
			return ErrAlreadyConnected
		}
	}
}

func (c *Client) dial(ctx context.Context, host, addr string) (*session.Conn, error) {
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsCfg := tlsutil.ClientConfig(c.cfg.TLS)
	if tlsCfg.ServerName == "" && net.ParseIP(host) == nil {
		tlsCfg.ServerName = host
	}
	secure := tls.Client(raw, tlsCfg)
	if err := secure.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("client: tls handshake %s: %w", addr, err)
	}
	lg := c.log
	return session.New(addr, raw, secure, session.Config{
		Limits: c.cfg.Limits,
		Codec:  c.cfg.Codec,
		Role:   observability.RoleClient,
		Logger: &lg,
	}), nil
}

// serve is the dispatch goroutine for one connection.
func (c *Client) serve(conn *session.Conn, done chan struct{}) {
	err := conn.Serve(func(m protocol.CastMessage) {
		c.bus.Publish(eventbus.KindMessage, protocol.MessageEvent("", m))
	})
	if err != nil {
		c.log.Warn().Err(err).Str("addr", conn.ID()).Msg("client.serve connection failed")
		c.bus.Publish(eventbus.KindError, protocol.Event{ConnectionID: conn.ID(), Err: err})
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = Disconnected
	}
	c.mu.Unlock()

	observability.RecordConnectionClosed(observability.RoleClient)
	c.log.Info().Str("addr", conn.ID()).Msg("client.serve disconnected")
	c.bus.Publish(eventbus.KindClose, protocol.Event{ConnectionID: conn.ID()})
	close(done)
}

// Send builds an envelope from data (string or []byte) and writes it.
func (c *Client) Send(sourceID, destinationID, namespace string, data any) error {
	m, err := protocol.NewEnvelope(sourceID, destinationID, namespace, data)
	if err != nil {
		return err
	}
	return c.SendMessage(m)
}

// SendMessage writes a prepared envelope.
func (c *Client) SendMessage(m protocol.CastMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(m); err != nil {
		if errors.Is(err, session.ErrClosed) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

// CreateChannel returns a channel on this client's bus that sends through
// the client.
func (c *Client) CreateChannel(localID, remoteID, namespace string, opts ...channel.Option) (*channel.Channel, error) {
	opts = append([]channel.Option{channel.WithSender(c)}, opts...)
	return channel.New(c.bus, localID, remoteID, namespace, opts...)
}

// Close tears the connection down without a TLS close_notify and aborts an
// in-flight Connect. The client stays Closing until the dispatch goroutine
// publishes close and moves it to Disconnected; wait on Done to observe it.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancelDial
	switch {
	case conn != nil && c.state == Connected:
		c.state = Closing
	case c.state == Connecting:
		c.state = Disconnected
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.log.Debug().Str("addr", conn.ID()).Msg("client.Close")
		conn.Close()
	}
	return nil
}
