// Package channel implements logical channels: filtered views of a client
// or server message bus bound to one (local, remote, namespace) tuple.
package channel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/castv2/internal/eventbus"
	"github.com/danmuck/castv2/internal/protocol"
)

var (
	ErrUnsupportedEncoding = errors.New("channel: unsupported encoding")
	ErrNoSender            = errors.New("channel: no sender bound")
	ErrChannelClosed       = errors.New("channel: closed")
)

// Sender transmits one envelope. *client.Client satisfies it, as does the
// per-connection sender returned by the server.
type Sender interface {
	Send(sourceID, destinationID, namespace string, data any) error
}

// Message is one delivery to a channel.
type Message struct {
	// Payload is the decoded value; with no encoding it equals Raw.
	Payload any
	// Raw is the envelope payload, a string or a []byte.
	Raw       any
	Broadcast bool
}

type Option func(*Channel)

// WithEncoding selects a registered encoding by name.
func WithEncoding(name string) Option {
	return func(c *Channel) { c.encName = name }
}

// WithSender binds the sender used by Send.
func WithSender(s Sender) Option {
	return func(c *Channel) { c.sender = s }
}

// WithConnection restricts a server-side channel to events tagged with connID.
func WithConnection(connID string) Option {
	return func(c *Channel) { c.connID = connID }
}

// Channel delivers messages from remoteID to localID (or the wildcard
// destination) on one namespace.
type Channel struct {
	localID   string
	remoteID  string
	namespace string
	connID    string
	encName   string
	enc       Encoding
	sender    Sender

	sub      *eventbus.Subscription
	messages *eventbus.Bus[Message]
	errs     *eventbus.Bus[error]
	closes   *eventbus.Bus[struct{}]

	mu     sync.Mutex
	closed bool
}

// New subscribes a channel to bus. The encoding is resolved here so an
// unknown name fails before any traffic flows.
func New(bus *eventbus.Bus[protocol.Event], localID, remoteID, namespace string, opts ...Option) (*Channel, error) {
	if bus == nil {
		return nil, errors.New("channel: nil bus")
	}
	c := &Channel{
		localID:   localID,
		remoteID:  remoteID,
		namespace: namespace,
		messages:  eventbus.New[Message](),
		errs:      eventbus.New[error](),
		closes:    eventbus.New[struct{}](),
	}
	for _, opt := range opts {
		opt(c)
	}
	enc, err := lookupEncoding(c.encName)
	if err != nil {
		return nil, err
	}
	c.enc = enc
	c.sub = bus.Subscribe(eventbus.KindMessage, c.deliver)
	return c, nil
}

func (c *Channel) LocalID() string   { return c.localID }
func (c *Channel) RemoteID() string  { return c.remoteID }
func (c *Channel) Namespace() string { return c.namespace }
func (c *Channel) Encoding() string  { return c.encName }

// Matches reports whether an event passes this channel's filter.
func (c *Channel) Matches(ev protocol.Event) bool {
	if c.connID != "" && ev.ConnectionID != c.connID {
		return false
	}
	if ev.SourceID != c.remoteID {
		return false
	}
	if ev.DestinationID != c.localID && ev.DestinationID != protocol.Broadcast {
		return false
	}
	return ev.Namespace == c.namespace
}

func (c *Channel) deliver(ev protocol.Event) {
	if !c.Matches(ev) || c.isClosed() {
		return
	}
	decoded, err := c.enc.Decode(ev.Payload)
	if err != nil {
		c.errs.Publish(eventbus.KindError, fmt.Errorf("channel: decode %s payload on %s: %w", c.encName, c.namespace, err))
		return
	}
	c.messages.Publish(eventbus.KindMessage, Message{
		Payload:   decoded,
		Raw:       ev.Payload,
		Broadcast: ev.DestinationID == protocol.Broadcast,
	})
}

func (c *Channel) OnMessage(fn func(Message)) *eventbus.Subscription {
	return c.messages.Subscribe(eventbus.KindMessage, fn)
}

// OnError receives payloads that fail to decode under the channel encoding.
func (c *Channel) OnError(fn func(error)) *eventbus.Subscription {
	return c.errs.Subscribe(eventbus.KindError, fn)
}

func (c *Channel) OnClose(fn func()) *eventbus.Subscription {
	if fn == nil {
		return &eventbus.Subscription{}
	}
	return c.closes.Subscribe(eventbus.KindClose, func(struct{}) { fn() })
}

// Send encodes data and sends it from localID to remoteID on the channel namespace.
func (c *Channel) Send(data any) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	if c.sender == nil {
		return ErrNoSender
	}
	wire, err := c.enc.Encode(data)
	if err != nil {
		return fmt.Errorf("channel: encode %s: %w", c.encName, err)
	}
	return c.sender.Send(c.localID, c.remoteID, c.namespace, wire)
}

// Close unsubscribes from the bus and fires close handlers. Later calls do nothing.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.sub.Unsubscribe()
	c.closes.Publish(eventbus.KindClose, struct{}{})
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
