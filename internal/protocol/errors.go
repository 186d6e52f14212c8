package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrProtocolVersion    = errors.New("protocol: unsupported protocol version")
	ErrUnsupportedPayload = errors.New("protocol: payload must be string or []byte")
	ErrPayloadMismatch    = errors.New("protocol: payload does not match payload_type")
)

// VersionError reports a well-formed envelope carrying a protocol version
// other than CASTV2_1_0.
type VersionError struct {
	Version int32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%v: %d", ErrProtocolVersion, e.Version)
}

func (e *VersionError) Is(target error) bool {
	return target == ErrProtocolVersion
}
