package protocol

import "fmt"

// ProtocolVersion is the envelope version enum. CASTV2_1_0 is the only value
// a conforming peer may send.
type ProtocolVersion int32

const (
	CastV2_1_0 ProtocolVersion = 0
)

func (v ProtocolVersion) String() string {
	if v == CastV2_1_0 {
		return "CASTV2_1_0"
	}
	return fmt.Sprintf("ProtocolVersion(%d)", int32(v))
}

// PayloadType selects which payload field of a CastMessage is populated.
type PayloadType int32

const (
	PayloadString PayloadType = 0
	PayloadBinary PayloadType = 1
)

func (t PayloadType) String() string {
	switch t {
	case PayloadString:
		return "STRING"
	case PayloadBinary:
		return "BINARY"
	default:
		return fmt.Sprintf("PayloadType(%d)", int32(t))
	}
}

// CastMessage is the envelope carried by every frame.
type CastMessage struct {
	ProtocolVersion ProtocolVersion
	SourceID        string
	DestinationID   string
	Namespace       string
	PayloadType     PayloadType
	PayloadUTF8     string
	PayloadBinary   []byte
}

// NewEnvelope builds a CASTV2_1_0 envelope, inferring the payload type from
// data, which must be a string or a []byte.
func NewEnvelope(sourceID, destinationID, namespace string, data any) (CastMessage, error) {
	msg := CastMessage{
		ProtocolVersion: CastV2_1_0,
		SourceID:        sourceID,
		DestinationID:   destinationID,
		Namespace:       namespace,
	}
	switch v := data.(type) {
	case string:
		msg.PayloadType = PayloadString
		msg.PayloadUTF8 = v
	case []byte:
		msg.PayloadType = PayloadBinary
		msg.PayloadBinary = v
	default:
		return CastMessage{}, fmt.Errorf("%w: got %T", ErrUnsupportedPayload, data)
	}
	return msg, nil
}

// Payload returns PayloadBinary for BINARY envelopes and PayloadUTF8 otherwise.
func (m CastMessage) Payload() any {
	if m.PayloadType == PayloadBinary {
		return m.PayloadBinary
	}
	return m.PayloadUTF8
}

// IsBroadcast reports whether the envelope is addressed to the wildcard destination.
func (m CastMessage) IsBroadcast() bool {
	return m.DestinationID == Broadcast
}

// AuthChallenge opens the device-auth handshake. It has no fields.
type AuthChallenge struct{}

// AuthResponse carries the receiver's signed answer to a challenge.
type AuthResponse struct {
	Signature             []byte
	ClientAuthCertificate []byte
	ClientCA              [][]byte
}

// AuthErrorType enumerates device-auth failures.
type AuthErrorType int32

const (
	AuthErrorInternal AuthErrorType = 0
	AuthErrorNoTLS    AuthErrorType = 1
)

func (t AuthErrorType) String() string {
	switch t {
	case AuthErrorInternal:
		return "INTERNAL_ERROR"
	case AuthErrorNoTLS:
		return "NO_TLS"
	default:
		return fmt.Sprintf("AuthErrorType(%d)", int32(t))
	}
}

type AuthError struct {
	ErrorType AuthErrorType
}

// DeviceAuthMessage wraps one step of the device-auth handshake. By
// convention exactly one field is set; the schema does not enforce it.
type DeviceAuthMessage struct {
	Challenge *AuthChallenge
	Response  *AuthResponse
	Error     *AuthError
}
