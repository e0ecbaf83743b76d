package descriptor

import (
	"testing"

	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := Descriptor{Type: keys.TypeHash, Size: 3, Start: 1, End: 2}
	b, err := Encode(d)
	require.NoError(t, err)

	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, d, back)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestNewDequeSeedsBothEnds(t *testing.T) {
	d := NewDeque()
	assert.Equal(t, keys.TypeDeque, d.Type)
	assert.Equal(t, int64(0), d.Size)
	assert.Equal(t, DequeSeed, d.Start)
	assert.Equal(t, DequeSeed, d.End)
}

func TestVersionAndWithVersion(t *testing.T) {
	d := Descriptor{Type: keys.TypeVersionedHash, Start: 5}
	assert.Equal(t, uint64(5), d.Version())

	bumped := d.WithVersion(6)
	assert.Equal(t, uint64(6), bumped.Version())
	assert.Equal(t, uint64(5), d.Version(), "original is unmodified")
}
