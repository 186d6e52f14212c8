package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/castv2/internal/channel"
	"github.com/danmuck/castv2/internal/eventbus"
	"github.com/danmuck/castv2/internal/protocol"
	"github.com/danmuck/castv2/internal/protocol/frame"
	"github.com/danmuck/castv2/internal/protocol/session"
	"github.com/danmuck/castv2/internal/testutil/testlog"
	"github.com/danmuck/castv2/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

const testNS = "urn:x-cast:test"

func startServer(t *testing.T) *Server {
	t.Helper()
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS = tlstest.ServerConfig(t)
	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background(), 0, "127.0.0.1"))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func watch(bus *eventbus.Bus[protocol.Event], kind eventbus.Kind) chan protocol.Event {
	ch := make(chan protocol.Event, 64)
	bus.Subscribe(kind, func(ev protocol.Event) { ch <- ev })
	return ch
}

func next(t *testing.T, ch chan protocol.Event, what string) protocol.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return protocol.Event{}
	}
}

// peer is a bare TLS sender that writes hand-built frames.
type peer struct {
	conn   *tls.Conn
	stream *frame.Stream
	got    chan []byte
}

func dialPeer(t *testing.T, srv *Server) *peer {
	t.Helper()
	conn, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	p := &peer{conn: conn, stream: frame.NewStream(conn, frame.DefaultLimits()), got: make(chan []byte, 16)}
	p.stream.OnPacket(func(b []byte) { p.got <- b })
	go func() { _ = p.stream.Run() }()
	return p
}

func (p *peer) id() string {
	return session.ConnectionID(p.conn.LocalAddr())
}

func (p *peer) send(t *testing.T, body []byte) {
	t.Helper()
	require.NoError(t, p.stream.Send(body))
}

func (p *peer) sendText(t *testing.T, src, dst, payload string) {
	t.Helper()
	m, err := protocol.NewEnvelope(src, dst, testNS, payload)
	require.NoError(t, err)
	b, err := protocol.MarshalCastMessage(m)
	require.NoError(t, err)
	p.send(t, b)
}

func (p *peer) receive(t *testing.T) protocol.CastMessage {
	t.Helper()
	select {
	case b := <-p.got:
		m, err := protocol.UnmarshalCastMessage(b)
		require.NoError(t, err)
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("peer received nothing")
		return protocol.CastMessage{}
	}
}

func versionOne() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	for i, s := range []string{"sender-0", "receiver-0", testNS} {
		b = protowire.AppendTag(b, protowire.Number(i+2), protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, 0)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendString(b, "PING")
	return b
}

func echo(srv *Server) {
	srv.Bus().Subscribe(eventbus.KindMessage, func(ev protocol.Event) {
		_ = srv.Send(ev.ConnectionID, ev.DestinationID, ev.SourceID, ev.Namespace, ev.Payload)
	})
}

func TestNewRequiresCertificate(t *testing.T) {
	_, err := New(DefaultConfig())
	assert.True(t, errors.Is(err, ErrTLSConfigRequired))
	_, err = New(Config{TLS: &tls.Config{}})
	assert.True(t, errors.Is(err, ErrTLSConfigRequired))
}

func TestMessagesAreTaggedWithConnectionID(t *testing.T) {
	srv := startServer(t)
	connected := watch(srv.Bus(), eventbus.KindConnection)
	messages := watch(srv.Bus(), eventbus.KindMessage)

	p := dialPeer(t, srv)
	ev := next(t, connected, "connection")
	assert.Equal(t, p.id(), ev.ConnectionID)
	assert.Equal(t, []string{p.id()}, srv.Connections())

	p.sendText(t, "sender-0", "receiver-0", "PING")
	msg := next(t, messages, "message")
	assert.Equal(t, protocol.Event{
		ConnectionID:  p.id(),
		SourceID:      "sender-0",
		DestinationID: "receiver-0",
		Namespace:     testNS,
		Payload:       "PING",
	}, msg)
}

func TestSendRoutesToConnection(t *testing.T) {
	srv := startServer(t)
	connected := watch(srv.Bus(), eventbus.KindConnection)
	a := dialPeer(t, srv)
	b := dialPeer(t, srv)
	next(t, connected, "connection a")
	next(t, connected, "connection b")
	idB := b.id()
	require.NotEqual(t, a.id(), idB)

	require.NoError(t, srv.Send(idB, "receiver-0", "sender-0", testNS, []byte{7}))
	m := b.receive(t)
	assert.Equal(t, protocol.PayloadBinary, m.PayloadType)
	assert.Equal(t, []byte{7}, m.PayloadBinary)
	assert.Empty(t, a.got)

	err := srv.Send("10.9.9.9:1", "receiver-0", "sender-0", testNS, "x")
	assert.True(t, errors.Is(err, ErrUnknownConnection))
}

func TestFaultyConnectionIsIsolated(t *testing.T) {
	srv := startServer(t)
	echo(srv)
	connected := watch(srv.Bus(), eventbus.KindConnection)
	disconnected := watch(srv.Bus(), eventbus.KindDisconnect)
	errs := watch(srv.Bus(), eventbus.KindError)

	bad := dialPeer(t, srv)
	next(t, connected, "bad connection")
	good := dialPeer(t, srv)
	next(t, connected, "good connection")

	bad.send(t, []byte{0xff, 0xff, 0xff})

	errEv := next(t, errs, "error")
	assert.Equal(t, bad.id(), errEv.ConnectionID)
	assert.True(t, session.IsProtocolFault(errEv.Err))
	assert.Equal(t, bad.id(), next(t, disconnected, "disconnect").ConnectionID)
	assert.Equal(t, []string{good.id()}, srv.Connections())

	good.sendText(t, "sender-0", "receiver-0", "still here")
	m := good.receive(t)
	assert.Equal(t, "still here", m.PayloadUTF8)
	assert.Equal(t, "receiver-0", m.SourceID)
	assert.Equal(t, "sender-0", m.DestinationID)
}

func TestVersionMismatchNeverReachesBus(t *testing.T) {
	srv := startServer(t)
	messages := watch(srv.Bus(), eventbus.KindMessage)
	errs := watch(srv.Bus(), eventbus.KindError)
	disconnected := watch(srv.Bus(), eventbus.KindDisconnect)

	p := dialPeer(t, srv)
	p.send(t, versionOne())

	errEv := next(t, errs, "version error")
	assert.True(t, errors.Is(errEv.Err, protocol.ErrProtocolVersion))
	next(t, disconnected, "disconnect")
	assert.Empty(t, messages)
}

func TestDisconnectRemovesConnection(t *testing.T) {
	srv := startServer(t)
	connected := watch(srv.Bus(), eventbus.KindConnection)
	disconnected := watch(srv.Bus(), eventbus.KindDisconnect)

	p := dialPeer(t, srv)
	id := next(t, connected, "connection").ConnectionID
	require.NoError(t, srv.Disconnect(id))
	assert.Equal(t, id, next(t, disconnected, "disconnect").ConnectionID)
	assert.Empty(t, srv.Connections())
	assert.True(t, errors.Is(srv.Disconnect(id), ErrUnknownConnection))
	assert.True(t, errors.Is(srv.Send(id, "a", "b", "c", "d"), ErrUnknownConnection))
	assert.Equal(t, p.id(), id)
}

func TestPeerCloseUnregisters(t *testing.T) {
	srv := startServer(t)
	connected := watch(srv.Bus(), eventbus.KindConnection)
	disconnected := watch(srv.Bus(), eventbus.KindDisconnect)
	errs := watch(srv.Bus(), eventbus.KindError)

	p := dialPeer(t, srv)
	next(t, connected, "connection")
	require.NoError(t, p.conn.Close())
	assert.Equal(t, p.id(), next(t, disconnected, "disconnect").ConnectionID)
	assert.Empty(t, srv.Connections())
	assert.Empty(t, errs)
}

func TestCloseTearsDownEverything(t *testing.T) {
	srv := startServer(t)
	connected := watch(srv.Bus(), eventbus.KindConnection)
	disconnected := watch(srv.Bus(), eventbus.KindDisconnect)
	closed := watch(srv.Bus(), eventbus.KindClose)

	dialPeer(t, srv)
	dialPeer(t, srv)
	next(t, connected, "connection 1")
	next(t, connected, "connection 2")

	require.NoError(t, srv.Close())
	next(t, disconnected, "disconnect 1")
	next(t, disconnected, "disconnect 2")
	next(t, closed, "close")
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("done not closed")
	}
	assert.Empty(t, closed)

	assert.True(t, errors.Is(srv.Send("x", "a", "b", "c", "d"), ErrServerClosed))
	require.NoError(t, srv.Close())
	_, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	assert.Error(t, err)
	assert.True(t, errors.Is(srv.Listen(context.Background(), 0, "127.0.0.1"), ErrServerClosed))
}

func TestContextCancelStopsServe(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS = tlstest.ServerConfig(t)
	srv, err := New(cfg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- srv.Serve(ctx, ln) }()
	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
	<-srv.Done()
}

func TestHandshakeTimeoutReportsError(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS = tlstest.ServerConfig(t)
	cfg.HandshakeTimeout = 100 * time.Millisecond
	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background(), 0, "127.0.0.1"))
	defer srv.Close()
	errs := watch(srv.Bus(), eventbus.KindError)
	connected := watch(srv.Bus(), eventbus.KindConnection)

	raw, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	ev := next(t, errs, "handshake error")
	assert.Equal(t, session.ConnectionID(raw.LocalAddr()), ev.ConnectionID)
	assert.Empty(t, connected)
}

func TestServerChannelRepliesToItsConnection(t *testing.T) {
	srv := startServer(t)
	connected := watch(srv.Bus(), eventbus.KindConnection)
	p := dialPeer(t, srv)
	id := next(t, connected, "connection").ConnectionID

	ch, err := srv.CreateChannel(id, "receiver-0", "sender-0", testNS)
	require.NoError(t, err)
	defer ch.Close()
	ch.OnMessage(func(m channel.Message) {
		_ = ch.Send("ack:" + m.Payload.(string))
	})

	p.sendText(t, "sender-0", "receiver-0", "hello")
	m := p.receive(t)
	assert.Equal(t, "ack:hello", m.PayloadUTF8)
	assert.Equal(t, "receiver-0", m.SourceID)
}
