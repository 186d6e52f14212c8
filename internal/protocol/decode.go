package protocol

import (
	"github.com/danmuck/castv2/internal/protocol/schema"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// UnmarshalCastMessage decodes one envelope body with the default codec.
func UnmarshalCastMessage(b []byte) (CastMessage, error) {
	return DecodeCastMessage(schema.Default(), b)
}

// DecodeCastMessage decodes one envelope body. The protocol version is
// checked before required fields: a peer speaking another version gets a
// *VersionError even if the rest of its envelope differs.
func DecodeCastMessage(codec *schema.Codec, b []byte) (CastMessage, error) {
	methods, err := codec.Lookup(schema.KindCastMessage)
	if err != nil {
		return CastMessage{}, err
	}
	msg, err := methods.ParsePartial(b)
	if err != nil {
		return CastMessage{}, err
	}

	if has(msg, fieldProtocolVersion) {
		if v := getEnum(msg, fieldProtocolVersion); ProtocolVersion(v) != CastV2_1_0 {
			return CastMessage{}, &VersionError{Version: v}
		}
	} else {
		num := fd(msg.Descriptor(), fieldProtocolVersion).Number()
		if v, ok := unknownVarint(msg.GetUnknown(), num); ok {
			return CastMessage{}, &VersionError{Version: int32(v)}
		}
	}
	if err := methods.CheckRequired(msg); err != nil {
		return CastMessage{}, err
	}

	out := CastMessage{
		ProtocolVersion: ProtocolVersion(getEnum(msg, fieldProtocolVersion)),
		SourceID:        getString(msg, fieldSourceID),
		DestinationID:   getString(msg, fieldDestinationID),
		Namespace:       getString(msg, fieldNamespace),
		PayloadType:     PayloadType(getEnum(msg, fieldPayloadType)),
	}
	if out.PayloadType == PayloadBinary {
		out.PayloadBinary = getBytes(msg, fieldPayloadBinary)
		if out.PayloadBinary == nil {
			out.PayloadBinary = []byte{}
		}
	} else {
		out.PayloadUTF8 = getString(msg, fieldPayloadUTF8)
	}
	return out, nil
}

// UnmarshalDeviceAuthMessage decodes a DeviceAuthMessage with the default codec.
func UnmarshalDeviceAuthMessage(b []byte) (DeviceAuthMessage, error) {
	methods, err := schema.Default().Lookup(schema.KindDeviceAuthMessage)
	if err != nil {
		return DeviceAuthMessage{}, err
	}
	msg, err := methods.Parse(b)
	if err != nil {
		return DeviceAuthMessage{}, err
	}
	var out DeviceAuthMessage
	if has(msg, fieldChallenge) {
		out.Challenge = &AuthChallenge{}
	}
	if has(msg, fieldResponse) {
		r := authResponseFrom(msg.Get(fd(msg.Descriptor(), fieldResponse)).Message())
		out.Response = &r
	}
	if has(msg, fieldError) {
		sub := msg.Get(fd(msg.Descriptor(), fieldError)).Message()
		out.Error = &AuthError{ErrorType: AuthErrorType(getEnum(sub, fieldErrorType))}
	}
	return out, nil
}

// UnmarshalAuthResponse decodes a standalone AuthResponse.
func UnmarshalAuthResponse(b []byte) (AuthResponse, error) {
	methods, err := schema.Default().Lookup(schema.KindAuthResponse)
	if err != nil {
		return AuthResponse{}, err
	}
	msg, err := methods.Parse(b)
	if err != nil {
		return AuthResponse{}, err
	}
	return authResponseFrom(msg), nil
}

// UnmarshalAuthError decodes a standalone AuthError.
func UnmarshalAuthError(b []byte) (AuthError, error) {
	methods, err := schema.Default().Lookup(schema.KindAuthError)
	if err != nil {
		return AuthError{}, err
	}
	msg, err := methods.Parse(b)
	if err != nil {
		return AuthError{}, err
	}
	return AuthError{ErrorType: AuthErrorType(getEnum(msg, fieldErrorType))}, nil
}

// UnmarshalAuthChallenge validates a standalone AuthChallenge body.
func UnmarshalAuthChallenge(b []byte) (AuthChallenge, error) {
	methods, err := schema.Default().Lookup(schema.KindAuthChallenge)
	if err != nil {
		return AuthChallenge{}, err
	}
	if _, err := methods.Parse(b); err != nil {
		return AuthChallenge{}, err
	}
	return AuthChallenge{}, nil
}

func authResponseFrom(msg protoreflect.Message) AuthResponse {
	r := AuthResponse{
		Signature:             getBytes(msg, fieldSignature),
		ClientAuthCertificate: getBytes(msg, fieldClientAuthCertificate),
	}
	list := msg.Get(fd(msg.Descriptor(), fieldClientCA)).List()
	for i := 0; i < list.Len(); i++ {
		b := list.Get(i).Bytes()
		r.ClientCA = append(r.ClientCA, append([]byte{}, b...))
	}
	return r
}
