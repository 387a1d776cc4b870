package blepm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShortUUID(t *testing.T) {
	u, err := Parse("fff6")
	require.NoError(t, err)
	assert.True(t, u.Equal(UUID16(0xfff6)))
	assert.Equal(t, UUID{0xf6, 0xff}, u)
	assert.Equal(t, "fff6", u.String())
}

func TestParseFullUUID(t *testing.T) {
	const s = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	u, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, 16, u.Len())
	// stored little endian
	assert.Equal(t, byte(0x9e), u[0])
	assert.Equal(t, s, u.String())
}

func TestParseInvalidUUID(t *testing.T) {
	for _, s := range []string{"", "fff", "zzzz", "6e400001-b5a3-f393-e0a9-e50e24dcca9x"} {
		_, err := Parse(s)
		assert.True(t, Is(err, ErrInvalidParam), s)
	}
	assert.Panics(t, func() { MustParse("nope") })
}
