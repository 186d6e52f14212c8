package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/castv2/internal/eventbus"
	"github.com/danmuck/castv2/internal/logging"
	"github.com/danmuck/castv2/internal/observability"
	"github.com/danmuck/castv2/internal/protocol"
	"github.com/danmuck/castv2/internal/protocol/frame"
	"github.com/danmuck/castv2/internal/protocol/schema"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("session: connection closed")

// Conn is one established cast link.
//
// raw is the TCP connection under the TLS stream; closing it directly is the
// forceful teardown path and skips the TLS close_notify exchange.
type Conn struct {
	id     string
	raw    net.Conn
	stream *frame.Stream
	cfg    Config
	log    zerolog.Logger

	sub       *eventbus.Subscription
	onMessage func(protocol.CastMessage)
	closing   atomic.Bool
	fault     error
	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an established connection. secure is the TLS conn layered over
// raw (any io.ReadWriter over raw works, which tests use for plain TCP).
func New(id string, raw net.Conn, secure net.Conn, cfg Config) *Conn {
	cfg = cfg.WithDefaults()
	lg := logging.Component("session")
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	c := &Conn{
		id:     id,
		raw:    raw,
		stream: frame.NewStream(secure, cfg.Limits),
		cfg:    cfg,
		log:    lg.With().Str("conn", id).Str("role", string(cfg.Role)).Logger(),
		done:   make(chan struct{}),
	}
	c.sub = c.stream.OnPacket(c.dispatch)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Done is closed once the transport has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Serve reads and dispatches envelopes to onMessage until the link ends.
// onMessage runs on the calling goroutine, in arrival order.
//
// Serve returns nil when the peer closed cleanly or Close was called, the
// fault that forced the close for decode errors, version mismatches and
// oversize frames, and the transport error otherwise. The transport is torn
// down before Serve returns.
func (c *Conn) Serve(onMessage func(protocol.CastMessage)) error {
	c.onMessage = onMessage
	err := c.stream.Run()
	c.shutdown()

	if c.fault != nil {
		return c.fault
	}
	if errors.Is(err, frame.ErrFrameTooLarge) {
		observability.RecordProtocolError(c.cfg.Role, "frame_too_large")
		c.log.Warn().Err(err).Msg("session.Serve oversize frame")
		return err
	}
	if c.closing.Load() {
		return nil
	}
	if err != nil {
		c.log.Debug().Err(err).Msg("session.Serve transport ended")
	}
	return err
}

func (c *Conn) dispatch(packet []byte) {
	if c.closing.Load() {
		return
	}
	observability.RecordFrame(c.cfg.Role, observability.DirectionIn, len(packet))
	m, err := protocol.DecodeCastMessage(c.cfg.Codec, packet)
	if err != nil {
		reason := "decode"
		if errors.Is(err, protocol.ErrProtocolVersion) {
			reason = "version"
		}
		observability.RecordProtocolError(c.cfg.Role, reason)
		c.log.Warn().Err(err).Str("reason", reason).Int("bytes", len(packet)).Msg("session.dispatch closing connection")
		c.fault = err
		c.Close()
		return
	}
	c.log.Trace().
		Str("src", m.SourceID).
		Str("dst", m.DestinationID).
		Str("ns", m.Namespace).
		Stringer("type", m.PayloadType).
		Msg("session.dispatch message")
	if c.onMessage != nil {
		c.onMessage(m)
	}
}

// Send encodes m and writes it as one frame. Concurrent calls are serialized
// and keep call order on the wire.
func (c *Conn) Send(m protocol.CastMessage) error {
	if c.closing.Load() {
		return ErrClosed
	}
	body, err := protocol.EncodeCastMessage(c.cfg.Codec, m)
	if err != nil {
		return err
	}
	if err := c.stream.Send(body); err != nil {
		if errors.Is(err, frame.ErrClosed) || c.closing.Load() {
			return ErrClosed
		}
		return fmt.Errorf("session: send: %w", err)
	}
	observability.RecordFrame(c.cfg.Role, observability.DirectionOut, len(body))
	return nil
}

// Close tears the transport down immediately. It is safe to call more than
// once and from inside onMessage.
func (c *Conn) Close() {
	c.closing.Store(true)
	c.shutdown()
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.sub.Unsubscribe()
		c.stream.Detach()
		_ = c.raw.Close()
		close(c.done)
	})
}

// ConnectionID derives the registry key for a peer: "<address>:<port>",
// without brackets for IPv6 addresses.
func ConnectionID(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host + ":" + port
}

// IsProtocolFault reports whether err came from bytes the peer sent rather
// than from the transport.
func IsProtocolFault(err error) bool {
	return schema.IsDecodeError(err) ||
		errors.Is(err, protocol.ErrProtocolVersion) ||
		errors.Is(err, frame.ErrFrameTooLarge)
}
