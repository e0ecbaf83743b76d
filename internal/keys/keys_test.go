package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"plain",
		"has#hash",
		"multiple###hashes",
		"already|#escaped",
		"##",
	}
	for _, c := range cases {
		esc := Escape(c)
		back, err := Unescape(esc)
		require.NoError(t, err)
		assert.Equal(t, c, back, "round trip for %q", c)
	}
}

func TestEscapeRoundTripTrailingPipe(t *testing.T) {
	// A user key ending in a literal '|' used to leave a trailing escape
	// byte immediately before the field separator EncodePrefix appends,
	// which a lookbehind boundary check mistook for an escaped '#'.
	cases := []string{"a|", "||", "a||", "a|#b", "|"}
	for _, c := range cases {
		esc := Escape(c)
		back, err := Unescape(esc)
		require.NoError(t, err)
		assert.Equal(t, c, back, "round trip for %q", c)
	}
}

func TestDecodeFieldWithTrailingPipeUserKey(t *testing.T) {
	phys := EncodeField(TypeHash, "a|", []byte("field1"))
	d, err := Decode(phys)
	require.NoError(t, err)
	assert.Equal(t, KindField, d.Kind)
	assert.Equal(t, "a|", d.UserKey)
	assert.Equal(t, []byte("field1"), d.Field)
}

func TestEncodeFieldDecode(t *testing.T) {
	phys := EncodeField(TypeHash, "my#key", []byte("field1"))
	d, err := Decode(phys)
	require.NoError(t, err)
	assert.Equal(t, KindField, d.Kind)
	assert.Equal(t, TypeHash, d.Type)
	assert.Equal(t, "my#key", d.UserKey)
	assert.Equal(t, []byte("field1"), d.Field)
}

func TestEncodeDescriptorDecode(t *testing.T) {
	phys := EncodeDescriptor("somekey")
	d, err := Decode(phys)
	require.NoError(t, err)
	assert.Equal(t, KindDescriptor, d.Kind)
	assert.Equal(t, "somekey", d.UserKey)
}

func TestEncodeStringDecode(t *testing.T) {
	phys := EncodeString("abc")
	d, err := Decode(phys)
	require.NoError(t, err)
	assert.Equal(t, KindString, d.Kind)
	assert.Equal(t, "abc", d.UserKey)
}

func TestDequeFieldOrdering(t *testing.T) {
	// Big-endian encoding must preserve numeric order across the full
	// uint64 range, including values that wrap the signed boundary used
	// to seed deque indices at 2^63.
	lo := EncodeDequeField("q", 1<<63-1)
	hi := EncodeDequeField("q", 1<<63)
	assert.True(t, string(lo) < string(hi))
}

func TestEncodeExpirationOrdering(t *testing.T) {
	a := EncodeExpiration(10, "keyA")
	b := EncodeExpiration(20, "keyA")
	assert.True(t, string(a) < string(b))
}

func TestDecodeUnknownPrefix(t *testing.T) {
	_, err := Decode([]byte{'Z', 'x'})
	assert.Error(t, err)
}

func TestDecodeEmpty(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)
}

func TestPrefixIsSeekableBoundary(t *testing.T) {
	prefix := EncodePrefix(TypeSet, "myset")
	f1 := EncodeField(TypeSet, "myset", []byte("member1"))
	assert.True(t, len(f1) >= len(prefix))
	assert.Equal(t, prefix, f1[:len(prefix)])
}
