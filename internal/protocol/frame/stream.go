package frame

import (
	"errors"
	"io"
	"sync"

	"github.com/danmuck/castv2/internal/eventbus"
)

const readChunk = 16 * 1024

// Stream frames an ordered, reliable byte stream such as a TLS connection.
//
// Run is the single reader and dispatches packets on its own goroutine, in
// arrival order. Send may be called from any goroutine; each call writes
// header and body with one Write under a mutex, so frames never interleave
// and leave in call order.
type Stream struct {
	rw     io.ReadWriter
	limits Limits
	framer *Framer
	bus    *eventbus.Bus[[]byte]

	writeMu sync.Mutex
	closed  bool
}

func NewStream(rw io.ReadWriter, limits Limits) *Stream {
	s := &Stream{
		rw:     rw,
		limits: limits,
		bus:    eventbus.New[[]byte](),
	}
	s.framer = NewFramer(limits, func(packet []byte) {
		s.bus.Publish(eventbus.KindPacket, packet)
	})
	return s
}

// OnPacket subscribes fn to every complete packet.
func (s *Stream) OnPacket(fn func([]byte)) *eventbus.Subscription {
	return s.bus.Subscribe(eventbus.KindPacket, fn)
}

// Run reads until the underlying reader fails, feeding the framer. It
// returns nil on a clean EOF at a frame boundary and io.ErrUnexpectedEOF if
// the peer went away mid-frame.
func (s *Stream) Run() error {
	buf := make([]byte, readChunk)
	for {
		n, err := s.rw.Read(buf)
		if n > 0 {
			if ferr := s.framer.Feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if s.framer.State() != AwaitingHeader || s.framer.Buffered() > 0 {
					return io.ErrUnexpectedEOF
				}
				return nil
			}
			return err
		}
	}
}

// Send frames body and writes it in a single Write.
func (s *Stream) Send(body []byte) error {
	buf, err := Encode(body, s.limits)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.rw.Write(buf); err != nil {
		return err
	}
	return nil
}

// Detach rejects further sends. It does not close the underlying stream.
func (s *Stream) Detach() {
	s.writeMu.Lock()
	s.closed = true
	s.writeMu.Unlock()
}
