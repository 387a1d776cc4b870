package blepm

import (
	"encoding/hex"
	"strings"
)

// Addr represents a device address, most significant byte first.
type Addr interface {
	String() string
	Bytes() []byte
}

// NewAddr creates an Addr from a string like "c4:12:34:56:78:9a".
func NewAddr(s string) Addr {
	return addr(strings.ToLower(s))
}

// AddrFromBytes creates an Addr from six bytes, most significant byte first.
func AddrFromBytes(b []byte) Addr {
	parts := make([]string, 0, len(b))
	for _, v := range b {
		parts = append(parts, hex.EncodeToString([]byte{v}))
	}
	return addr(strings.Join(parts, ":"))
}

type addr string

func (a addr) String() string {
	return string(a)
}

func (a addr) Bytes() []byte {
	hexStr := strings.Replace(a.String(), ":", "", -1)

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		GetLogger().Warnf("error decoding address %v: %v", a.String(), err)
	}

	return out
}

// IsResolvablePrivate reports whether a is a resolvable private address
// (random address with the two most significant bits set to 0b01) [Vol 6, Part B, 1.3.2.2].
func IsResolvablePrivate(a Addr) bool {
	if a == nil {
		return false
	}
	b := a.Bytes()
	if len(b) != 6 {
		return false
	}
	return b[0]&0xc0 == 0x40
}
