package protocol

import (
	"fmt"

	"github.com/danmuck/castv2/internal/protocol/schema"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// MarshalCastMessage encodes m with the default codec.
func MarshalCastMessage(m CastMessage) ([]byte, error) {
	return EncodeCastMessage(schema.Default(), m)
}

// EncodeCastMessage encodes m with codec. Exactly one payload field is
// written, selected by PayloadType.
func EncodeCastMessage(codec *schema.Codec, m CastMessage) ([]byte, error) {
	methods, err := codec.Lookup(schema.KindCastMessage)
	if err != nil {
		return nil, err
	}
	msg, err := methods.New()
	if err != nil {
		return nil, err
	}

	setEnum(msg, fieldProtocolVersion, int32(m.ProtocolVersion))
	setString(msg, fieldSourceID, m.SourceID)
	setString(msg, fieldDestinationID, m.DestinationID)
	setString(msg, fieldNamespace, m.Namespace)
	setEnum(msg, fieldPayloadType, int32(m.PayloadType))

	switch m.PayloadType {
	case PayloadString:
		if len(m.PayloadBinary) > 0 {
			return nil, payloadError(fieldPayloadBinary, "set on STRING envelope")
		}
		setString(msg, fieldPayloadUTF8, m.PayloadUTF8)
	case PayloadBinary:
		if m.PayloadUTF8 != "" {
			return nil, payloadError(fieldPayloadUTF8, "set on BINARY envelope")
		}
		setBytes(msg, fieldPayloadBinary, m.PayloadBinary)
	default:
		return nil, &schema.SchemaError{
			Kind:   schema.KindCastMessage,
			Field:  fieldPayloadType,
			Reason: fmt.Sprintf("unknown payload type %d", int32(m.PayloadType)),
		}
	}
	return methods.Serialize(msg)
}

// MarshalDeviceAuthMessage encodes m with the default codec.
func MarshalDeviceAuthMessage(m DeviceAuthMessage) ([]byte, error) {
	methods, err := schema.Default().Lookup(schema.KindDeviceAuthMessage)
	if err != nil {
		return nil, err
	}
	msg, err := deviceAuthToDynamic(methods.New, m)
	if err != nil {
		return nil, err
	}
	return methods.Serialize(msg)
}

// MarshalAuthChallenge encodes a standalone AuthChallenge.
func MarshalAuthChallenge(AuthChallenge) ([]byte, error) {
	methods, err := schema.Default().Lookup(schema.KindAuthChallenge)
	if err != nil {
		return nil, err
	}
	msg, err := methods.New()
	if err != nil {
		return nil, err
	}
	return methods.Serialize(msg)
}

// MarshalAuthResponse encodes a standalone AuthResponse.
func MarshalAuthResponse(r AuthResponse) ([]byte, error) {
	methods, err := schema.Default().Lookup(schema.KindAuthResponse)
	if err != nil {
		return nil, err
	}
	msg, err := methods.New()
	if err != nil {
		return nil, err
	}
	fillAuthResponse(msg, r)
	return methods.Serialize(msg)
}

// MarshalAuthError encodes a standalone AuthError.
func MarshalAuthError(e AuthError) ([]byte, error) {
	methods, err := schema.Default().Lookup(schema.KindAuthError)
	if err != nil {
		return nil, err
	}
	msg, err := methods.New()
	if err != nil {
		return nil, err
	}
	setEnum(msg, fieldErrorType, int32(e.ErrorType))
	return methods.Serialize(msg)
}

func deviceAuthToDynamic(newMsg func() (*dynamicpb.Message, error), m DeviceAuthMessage) (*dynamicpb.Message, error) {
	msg, err := newMsg()
	if err != nil {
		return nil, err
	}
	md := msg.Descriptor()
	if m.Challenge != nil {
		f := fd(md, fieldChallenge)
		msg.Set(f, protoreflect.ValueOfMessage(dynamicpb.NewMessage(f.Message())))
	}
	if m.Response != nil {
		f := fd(md, fieldResponse)
		sub := dynamicpb.NewMessage(f.Message())
		fillAuthResponse(sub, *m.Response)
		msg.Set(f, protoreflect.ValueOfMessage(sub))
	}
	if m.Error != nil {
		f := fd(md, fieldError)
		sub := dynamicpb.NewMessage(f.Message())
		setEnum(sub, fieldErrorType, int32(m.Error.ErrorType))
		msg.Set(f, protoreflect.ValueOfMessage(sub))
	}
	return msg, nil
}

func fillAuthResponse(msg *dynamicpb.Message, r AuthResponse) {
	setBytes(msg, fieldSignature, r.Signature)
	setBytes(msg, fieldClientAuthCertificate, r.ClientAuthCertificate)
	if len(r.ClientCA) == 0 {
		return
	}
	list := msg.Mutable(fd(msg.Descriptor(), fieldClientCA)).List()
	for _, ca := range r.ClientCA {
		list.Append(protoreflect.ValueOfBytes(append([]byte{}, ca...)))
	}
}

func payloadError(field, reason string) error {
	return &schema.SchemaError{
		Kind:   schema.KindCastMessage,
		Field:  field,
		Reason: reason,
		Err:    ErrPayloadMismatch,
	}
}
