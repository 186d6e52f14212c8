// Package schema compiles the cast_channel protocol schema and exposes
// serialize/parse operations for each message kind.
//
// The schema is described as a proto2 FileDescriptorProto and compiled once at
// runtime; values are dynamicpb messages so the wire encoding stays
// bit-compatible with every other cast_channel implementation.
package schema

import (
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	FileName = "cast_channel.proto"
	Package  = "extensions.api.cast_channel"
)

// Kind names one message type in the schema.
type Kind string

const (
	KindCastMessage       Kind = "CastMessage"
	KindAuthChallenge     Kind = "AuthChallenge"
	KindAuthResponse      Kind = "AuthResponse"
	KindAuthError         Kind = "AuthError"
	KindDeviceAuthMessage Kind = "DeviceAuthMessage"
)

// Kinds lists every message kind the codec exposes.
var Kinds = []Kind{
	KindCastMessage,
	KindAuthChallenge,
	KindAuthResponse,
	KindAuthError,
	KindDeviceAuthMessage,
}

// Enum numbers fixed by the schema.
const (
	ProtocolVersionCastV2_1_0 protoreflect.EnumNumber = 0

	PayloadTypeString protoreflect.EnumNumber = 0
	PayloadTypeBinary protoreflect.EnumNumber = 1

	AuthErrorInternal protoreflect.EnumNumber = 0
	AuthErrorNoTLS    protoreflect.EnumNumber = 1
)

// Methods is the serialize/parse pair for one message kind.
type Methods struct {
	kind Kind
	desc protoreflect.MessageDescriptor
}

// Kind reports the message kind these methods operate on.
func (m *Methods) Kind() Kind {
	if m == nil {
		return ""
	}
	return m.kind
}

// Descriptor returns the compiled message descriptor.
func (m *Methods) Descriptor() protoreflect.MessageDescriptor {
	if m == nil {
		return nil
	}
	return m.desc
}

// New returns an empty message of this kind.
func (m *Methods) New() (*dynamicpb.Message, error) {
	if m == nil || m.desc == nil {
		return nil, ErrNotCompiled
	}
	return dynamicpb.NewMessage(m.desc), nil
}

// Field resolves a field of this kind by its schema name.
func (m *Methods) Field(name string) (protoreflect.FieldDescriptor, error) {
	if m == nil || m.desc == nil {
		return nil, ErrNotCompiled
	}
	fd := m.desc.Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		return nil, &SchemaError{Kind: m.kind, Field: name, Reason: "no such field"}
	}
	return fd, nil
}

// Serialize encodes msg. Missing required fields produce a *SchemaError.
func (m *Methods) Serialize(msg proto.Message) ([]byte, error) {
	if m == nil || m.desc == nil {
		return nil, ErrNotCompiled
	}
	if msg == nil {
		return nil, &SchemaError{Kind: m.kind, Reason: "nil message"}
	}
	if got := msg.ProtoReflect().Descriptor().FullName(); got != m.desc.FullName() {
		return nil, &SchemaError{Kind: m.kind, Reason: "message type " + string(got)}
	}
	b, err := proto.Marshal(msg)
	if err != nil {
		return nil, &SchemaError{Kind: m.kind, Reason: "encode", Err: err}
	}
	return b, nil
}

// Parse decodes b and enforces required fields. Malformed, truncated, or
// incomplete input produces a *DecodeError.
func (m *Methods) Parse(b []byte) (*dynamicpb.Message, error) {
	msg, err := m.ParsePartial(b)
	if err != nil {
		return nil, err
	}
	if err := proto.CheckInitialized(msg); err != nil {
		return nil, &DecodeError{Kind: m.kind, Err: err}
	}
	return msg, nil
}

// ParsePartial decodes b without enforcing required fields.
func (m *Methods) ParsePartial(b []byte) (*dynamicpb.Message, error) {
	if m == nil || m.desc == nil {
		return nil, ErrNotCompiled
	}
	msg := dynamicpb.NewMessage(m.desc)
	if err := (proto.UnmarshalOptions{AllowPartial: true}).Unmarshal(b, msg); err != nil {
		return nil, &DecodeError{Kind: m.kind, Err: err}
	}
	return msg, nil
}

// CheckRequired reports the first missing required field of msg as a *DecodeError.
func (m *Methods) CheckRequired(msg proto.Message) error {
	if m == nil || m.desc == nil {
		return ErrNotCompiled
	}
	if err := proto.CheckInitialized(msg); err != nil {
		return &DecodeError{Kind: m.kind, Err: err}
	}
	return nil
}

// Codec is the compiled schema. The zero value is not compiled and every
// lookup on it fails with ErrNotCompiled.
type Codec struct {
	methods map[Kind]*Methods
}

// Compile builds the descriptor set and resolves every message kind.
func Compile() (*Codec, error) {
	fd, err := protodesc.NewFile(fileDescriptor(), nil)
	if err != nil {
		return nil, &SchemaError{Reason: "compile " + FileName, Err: err}
	}
	c := &Codec{
		methods: make(map[Kind]*Methods, len(Kinds)),
	}
	for _, kind := range Kinds {
		md := fd.Messages().ByName(protoreflect.Name(kind))
		if md == nil {
			return nil, &SchemaError{Kind: kind, Reason: "missing from compiled schema"}
		}
		c.methods[kind] = &Methods{kind: kind, desc: md}
	}
	return c, nil
}

var (
	defaultOnce  sync.Once
	defaultCodec *Codec
)

// Default returns the process-wide codec, compiling it on first use. The
// schema is static, so a compile failure is a programming error and panics.
func Default() *Codec {
	defaultOnce.Do(func() {
		c, err := Compile()
		if err != nil {
			panic(err)
		}
		defaultCodec = c
	})
	return defaultCodec
}

// Lookup returns the methods for kind.
func (c *Codec) Lookup(kind Kind) (*Methods, error) {
	if c == nil || c.methods == nil {
		return nil, ErrNotCompiled
	}
	m, ok := c.methods[kind]
	if !ok {
		return nil, &SchemaError{Kind: kind, Reason: "unknown message kind", Err: ErrUnknownKind}
	}
	return m, nil
}

// MustLookup is Lookup for kinds known at compile time.
func (c *Codec) MustLookup(kind Kind) *Methods {
	m, err := c.Lookup(kind)
	if err != nil {
		panic(err)
	}
	return m
}

func fileDescriptor() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(FileName),
		Package: proto.String(Package),
		Syntax:  proto.String("proto2"),
		Options: &descriptorpb.FileOptions{
			OptimizeFor: descriptorpb.FileOptions_LITE_RUNTIME.Enum(),
		},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String(string(KindCastMessage)),
				EnumType: []*descriptorpb.EnumDescriptorProto{
					enumType("ProtocolVersion", "CASTV2_1_0"),
					enumType("PayloadType", "STRING", "BINARY"),
				},
				Field: []*descriptorpb.FieldDescriptorProto{
					enumField("protocol_version", 1, required, "CastMessage.ProtocolVersion"),
					scalarField("source_id", 2, required, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					scalarField("destination_id", 3, required, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					scalarField("namespace", 4, required, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					enumField("payload_type", 5, required, "CastMessage.PayloadType"),
					scalarField("payload_utf8", 6, optional, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					scalarField("payload_binary", 7, optional, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
				},
			},
			{
				Name: proto.String(string(KindAuthChallenge)),
			},
			{
				Name: proto.String(string(KindAuthResponse)),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("signature", 1, required, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
					scalarField("client_auth_certificate", 2, required, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
					scalarField("client_ca", 3, repeated, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
				},
			},
			{
				Name: proto.String(string(KindAuthError)),
				EnumType: []*descriptorpb.EnumDescriptorProto{
					enumType("ErrorType", "INTERNAL_ERROR", "NO_TLS"),
				},
				Field: []*descriptorpb.FieldDescriptorProto{
					enumField("error_type", 1, required, "AuthError.ErrorType"),
				},
			},
			{
				Name: proto.String(string(KindDeviceAuthMessage)),
				Field: []*descriptorpb.FieldDescriptorProto{
					messageField("challenge", 1, string(KindAuthChallenge)),
					messageField("response", 2, string(KindAuthResponse)),
					messageField("error", 3, string(KindAuthError)),
				},
			},
		},
	}
}

var (
	required = descriptorpb.FieldDescriptorProto_LABEL_REQUIRED
	optional = descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	repeated = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
)

func enumType(name string, values ...string) *descriptorpb.EnumDescriptorProto {
	e := &descriptorpb.EnumDescriptorProto{Name: proto.String(name)}
	for i, v := range values {
		e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(v),
			Number: proto.Int32(int32(i)),
		})
	}
	return e
}

func scalarField(
	name string,
	number int32,
	label descriptorpb.FieldDescriptorProto_Label,
	typ descriptorpb.FieldDescriptorProto_Type,
) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  label.Enum(),
		Type:   typ.Enum(),
	}
}

func enumField(
	name string,
	number int32,
	label descriptorpb.FieldDescriptorProto_Label,
	typeName string,
) *descriptorpb.FieldDescriptorProto {
	f := scalarField(name, number, label, descriptorpb.FieldDescriptorProto_TYPE_ENUM)
	f.TypeName = proto.String("." + Package + "." + typeName)
	return f
}

func messageField(name string, number int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := scalarField(name, number, optional, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
	f.TypeName = proto.String("." + Package + "." + typeName)
	return f
}
