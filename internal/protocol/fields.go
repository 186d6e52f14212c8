package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Schema field names.
const (
	fieldProtocolVersion = "protocol_version"
	fieldSourceID        = "source_id"
	fieldDestinationID   = "destination_id"
	fieldNamespace       = "namespace"
	fieldPayloadType     = "payload_type"
	fieldPayloadUTF8     = "payload_utf8"
	fieldPayloadBinary   = "payload_binary"

	fieldSignature             = "signature"
	fieldClientAuthCertificate = "client_auth_certificate"
	fieldClientCA              = "client_ca"
	fieldErrorType             = "error_type"

	fieldChallenge = "challenge"
	fieldResponse  = "response"
	fieldError     = "error"
)

// fd resolves a static field name; a miss means the schema and this package
// disagree, which is a programming error.
func fd(md protoreflect.MessageDescriptor, name string) protoreflect.FieldDescriptor {
	f := md.Fields().ByName(protoreflect.Name(name))
	if f == nil {
		panic("protocol: schema has no field " + string(md.FullName()) + "." + name)
	}
	return f
}

func setString(msg *dynamicpb.Message, name, v string) {
	msg.Set(fd(msg.Descriptor(), name), protoreflect.ValueOfString(v))
}

func setBytes(msg *dynamicpb.Message, name string, v []byte) {
	if v == nil {
		v = []byte{}
	}
	msg.Set(fd(msg.Descriptor(), name), protoreflect.ValueOfBytes(v))
}

func setEnum(msg *dynamicpb.Message, name string, v int32) {
	msg.Set(fd(msg.Descriptor(), name), protoreflect.ValueOfEnum(protoreflect.EnumNumber(v)))
}

func getString(msg protoreflect.Message, name string) string {
	return msg.Get(fd(msg.Descriptor(), name)).String()
}

func getBytes(msg protoreflect.Message, name string) []byte {
	b := msg.Get(fd(msg.Descriptor(), name)).Bytes()
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func getEnum(msg protoreflect.Message, name string) int32 {
	return int32(msg.Get(fd(msg.Descriptor(), name)).Enum())
}

func has(msg protoreflect.Message, name string) bool {
	return msg.Has(fd(msg.Descriptor(), name))
}

// unknownVarint scans raw unknown-field bytes for the last varint value of
// field num. Closed proto2 enums park out-of-range values there.
func unknownVarint(raw protoreflect.RawFields, num protowire.Number) (int64, bool) {
	var (
		val   int64
		found bool
	)
	b := []byte(raw)
	for len(b) > 0 {
		n, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return val, found
		}
		b = b[tagLen:]
		if n == num && typ == protowire.VarintType {
			v, vLen := protowire.ConsumeVarint(b)
			if vLen < 0 {
				return val, found
			}
			val, found = int64(v), true
			b = b[vLen:]
			continue
		}
		skip := protowire.ConsumeFieldValue(n, typ, b)
		if skip < 0 {
			return val, found
		}
		b = b[skip:]
	}
	return val, found
}
