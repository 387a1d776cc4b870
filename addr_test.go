package blepm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddr(t *testing.T) {
	a := NewAddr("C4:12:34:56:78:9A")
	assert.Equal(t, "c4:12:34:56:78:9a", a.String())
	assert.Equal(t, []byte{0xc4, 0x12, 0x34, 0x56, 0x78, 0x9a}, a.Bytes())

	b := AddrFromBytes([]byte{0x4a, 0x01, 0x02, 0x03, 0x04, 0x05})
	assert.Equal(t, "4a:01:02:03:04:05", b.String())
}

func TestIsResolvablePrivate(t *testing.T) {
	assert.True(t, IsResolvablePrivate(NewAddr("4a:01:02:03:04:05")))
	assert.False(t, IsResolvablePrivate(NewAddr("c4:12:34:56:78:9a")))
	assert.False(t, IsResolvablePrivate(NewAddr("0a:01:02:03:04:05")))
	assert.False(t, IsResolvablePrivate(nil))
}
