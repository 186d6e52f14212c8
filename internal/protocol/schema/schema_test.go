package schema

import (
	"testing"

	"github.com/danmuck/castv2/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
)

func TestCompileResolvesEveryKind(t *testing.T) {
	testlog.Start(t)
	c, err := Compile()
	require.NoError(t, err)
	for _, kind := range Kinds {
		m, err := c.Lookup(kind)
		require.NoError(t, err, kind)
		assert.Equal(t, Package+"."+string(kind), string(m.Descriptor().FullName()))
	}
}

func TestCastMessageFieldNumbers(t *testing.T) {
	testlog.Start(t)
	m := Default().MustLookup(KindCastMessage)
	want := map[string]protoreflect.FieldNumber{
		"protocol_version": 1,
		"source_id":        2,
		"destination_id":   3,
		"namespace":        4,
		"payload_type":     5,
		"payload_utf8":     6,
		"payload_binary":   7,
	}
	for name, num := range want {
		fd, err := m.Field(name)
		require.NoError(t, err, name)
		assert.Equal(t, num, fd.Number(), name)
	}
	_, err := m.Field("nope")
	assert.True(t, IsSchemaError(err))
}

func TestZeroCodecFailsLoudly(t *testing.T) {
	testlog.Start(t)
	var c Codec
	_, err := c.Lookup(KindCastMessage)
	assert.ErrorIs(t, err, ErrNotCompiled)

	var nilCodec *Codec
	_, err = nilCodec.Lookup(KindCastMessage)
	assert.ErrorIs(t, err, ErrNotCompiled)

	var m *Methods
	_, err = m.Serialize(nil)
	assert.ErrorIs(t, err, ErrNotCompiled)
	_, err = m.Parse([]byte{0x08, 0x00})
	assert.ErrorIs(t, err, ErrNotCompiled)
	assert.False(t, IsDecodeError(ErrNotCompiled), "not-compiled must not classify as a decode error")
}

func TestLookupUnknownKind(t *testing.T) {
	testlog.Start(t)
	_, err := Default().Lookup(Kind("Nope"))
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.True(t, IsSchemaError(err))
	assert.Panics(t, func() { Default().MustLookup(Kind("Nope")) })
}

func TestSerializeMissingRequiredIsSchemaError(t *testing.T) {
	testlog.Start(t)
	m := Default().MustLookup(KindAuthError)
	msg, err := m.New()
	require.NoError(t, err)
	_, err = m.Serialize(msg)
	assert.True(t, IsSchemaError(err), "got %v", err)
	assert.False(t, IsDecodeError(err), "schema error misclassified as decode error")
}

func TestSerializeRejectsForeignKind(t *testing.T) {
	testlog.Start(t)
	c := Default()
	challenge, err := c.MustLookup(KindAuthChallenge).New()
	require.NoError(t, err)
	_, err = c.MustLookup(KindAuthError).Serialize(challenge)
	assert.True(t, IsSchemaError(err), "got %v", err)
}

func TestParseMalformedIsDecodeError(t *testing.T) {
	testlog.Start(t)
	m := Default().MustLookup(KindCastMessage)
	cases := map[string][]byte{
		"truncated varint": {0x08},
		"bad wire type":    {0x0f},
		"short length":     {0x12, 0x05, 'a'},
		"missing required": {0x08, 0x00},
	}
	for name, b := range cases {
		_, err := m.Parse(b)
		assert.True(t, IsDecodeError(err), "%s: got %v", name, err)
	}
}

func TestAuthErrorRoundTrip(t *testing.T) {
	testlog.Start(t)
	m := Default().MustLookup(KindAuthError)
	msg, err := m.New()
	require.NoError(t, err)
	fd, err := m.Field("error_type")
	require.NoError(t, err)
	msg.Set(fd, protoreflect.ValueOfEnum(AuthErrorNoTLS))

	b, err := m.Serialize(msg)
	require.NoError(t, err)
	out, err := m.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, AuthErrorNoTLS, out.Get(fd).Enum())
}
