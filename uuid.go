package blepm

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// UUID is a 16, 32 or 128 bit service UUID stored little endian, the way it goes on air.
type UUID []byte

// UUID16 converts a uint16 (such as 0xFFF6) to a UUID.
func UUID16(i uint16) UUID {
	return UUID{byte(i), byte(i >> 8)}
}

// Parse parses a short ("fff6", "0000fff6") or full
// ("0000fff6-0000-1000-8000-00805f9b34fb") UUID string.
func Parse(s string) (UUID, error) {
	s = strings.TrimSpace(s)
	switch len(strings.Replace(s, "-", "", -1)) {
	case 4, 8:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidParam, "uuid %q: %v", s, err)
		}
		return reverse(b), nil
	case 32:
		u, err := uuid.FromString(s)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidParam, "uuid %q: %v", s, err)
		}
		return reverse(u.Bytes()), nil
	default:
		return nil, errors.Wrapf(ErrInvalidParam, "uuid %q: bad length", s)
	}
}

// MustParse is like Parse but panics on error.
func MustParse(s string) UUID {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Len returns the length of the UUID in bytes.
func (u UUID) Len() int {
	return len(u)
}

// String returns the hex representation, most significant byte first.
func (u UUID) String() string {
	if len(u) != 16 {
		return hex.EncodeToString(reverse(u))
	}
	v, err := uuid.FromBytes(reverse(u))
	if err != nil {
		return hex.EncodeToString(reverse(u))
	}
	return v.String()
}

// Equal reports whether u and v are the same UUID.
func (u UUID) Equal(v UUID) bool {
	if len(u) != len(v) {
		return false
	}
	for i := range u {
		if u[i] != v[i] {
			return false
		}
	}
	return true
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
