package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the size of the big-endian body length prefix.
const HeaderLen = 4

var (
	ErrFrameTooLarge = errors.New("frame: body exceeds limit")
	ErrClosed        = errors.New("frame: stream closed")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	// MaxBodyBytes bounds a single frame body. Zero disables the check.
	MaxBodyBytes uint32
}

// DefaultLimits caps bodies at 64 KiB, the cast platform message ceiling.
func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes: 64 * 1024,
	}
}

func (l Limits) check(n uint64) error {
	if l.MaxBodyBytes > 0 && n > uint64(l.MaxBodyBytes) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, l.MaxBodyBytes)
	}
	if n > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %d exceeds header range", ErrFrameTooLarge, n)
	}
	return nil
}

// State is the framer's position within the current frame.
type State int

const (
	AwaitingHeader State = iota
	AwaitingBody
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting_header"
	case AwaitingBody:
		return "awaiting_body"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Framer turns an ordered byte stream into length-delimited packets.
//
// Feed may be called with chunks split at arbitrary boundaries; the emitted
// packet sequence depends only on the concatenated bytes. A Framer is not
// safe for concurrent Feed calls.
type Framer struct {
	limits  Limits
	state   State
	bodyLen uint32
	buf     []byte
	emit    func([]byte)
	err     error
}

// NewFramer returns a framer in AwaitingHeader that passes each complete
// body to emit. emit owns the slice it receives.
func NewFramer(limits Limits, emit func([]byte)) *Framer {
	return &Framer{
		limits: limits,
		state:  AwaitingHeader,
		emit:   emit,
	}
}

// State reports the current state.
func (f *Framer) State() State {
	return f.state
}

// Buffered reports how many bytes are held waiting for the rest of a frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Feed appends chunk and emits every packet that is now complete. After an
// oversize header the framer is poisoned and returns the same error forever.
func (f *Framer) Feed(chunk []byte) error {
	if f.err != nil {
		return f.err
	}
	f.buf = append(f.buf, chunk...)
	for {
		switch f.state {
		case AwaitingHeader:
			if len(f.buf) < HeaderLen {
				f.compact()
				return nil
			}
			n := binary.BigEndian.Uint32(f.buf[:HeaderLen])
			if err := f.limits.check(uint64(n)); err != nil {
				f.err = err
				f.buf = nil
				return err
			}
			f.bodyLen = n
			f.buf = f.buf[HeaderLen:]
			f.state = AwaitingBody
		case AwaitingBody:
			if uint64(len(f.buf)) < uint64(f.bodyLen) {
				f.compact()
				return nil
			}
			packet := make([]byte, f.bodyLen)
			copy(packet, f.buf[:f.bodyLen])
			f.buf = f.buf[f.bodyLen:]
			f.bodyLen = 0
			f.state = AwaitingHeader
			if f.emit != nil {
				f.emit(packet)
			}
		}
	}
}

// compact drops the consumed prefix so a long-lived framer does not pin
// every byte it has ever seen.
func (f *Framer) compact() {
	if len(f.buf) == 0 {
		f.buf = nil
		return
	}
	if cap(f.buf)-len(f.buf) > 4*1024 {
		f.buf = append([]byte(nil), f.buf...)
	}
}

// Encode returns header+body as one contiguous buffer.
func Encode(body []byte, limits Limits) ([]byte, error) {
	if err := limits.check(uint64(len(body))); err != nil {
		return nil, err
	}
	out := make([]byte, HeaderLen+len(body))
	binary.BigEndian.PutUint32(out[:HeaderLen], uint32(len(body)))
	copy(out[HeaderLen:], body)
	return out, nil
}
