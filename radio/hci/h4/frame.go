package h4

import (
	"time"

	"github.com/pkg/errors"
)

const (
	eventPacket = 0x04
	aclPacket   = 0x02

	eventHeaderLength = 3
	aclHeaderLength   = 5
	frameTimeout      = 500 * time.Millisecond
)

var errShort = errors.New("not enough bytes")

// frame reassembles H4 packets from a UART byte stream. Bytes before a packet
// indicator are skipped; a partial packet older than frameTimeout is dropped.
type frame struct {
	b       []byte
	started time.Time
	emit    func([]byte)
	now     func() time.Time
}

func newFrame(emit func([]byte)) *frame {
	return &frame{
		b:    make([]byte, 0, 256),
		emit: emit,
		now:  time.Now,
	}
}

func (f *frame) Assemble(b []byte) {
	if len(b) == 0 {
		return
	}
	if len(f.b) > 0 && f.now().Sub(f.started) > frameTimeout {
		f.reset()
	}

	if len(f.b) == 0 {
		i := start(b)
		if i < 0 {
			return
		}
		b = b[i:]
		f.started = f.now()
	}
	f.b = append(f.b, b...)

	for len(f.b) > 0 {
		tl, err := f.length()
		if err != nil || len(f.b) < tl {
			return
		}
		out := make([]byte, tl)
		copy(out, f.b[:tl])
		f.emit(out)

		rem := f.b[tl:]
		f.reset()
		if i := start(rem); i >= 0 {
			f.b = append(f.b, rem[i:]...)
			f.started = f.now()
		}
	}
}

func (f *frame) reset() {
	f.b = make([]byte, 0, 256)
	f.started = time.Time{}
}

func start(b []byte) int {
	for i, v := range b {
		if v == eventPacket || v == aclPacket {
			return i
		}
	}
	return -1
}

func (f *frame) length() (int, error) {
	switch f.b[0] {
	case eventPacket:
		if len(f.b) < eventHeaderLength {
			return 0, errShort
		}
		return int(f.b[2]) + eventHeaderLength, nil
	case aclPacket:
		if len(f.b) < aclHeaderLength {
			return 0, errShort
		}
		return (int(f.b[3]) | int(f.b[4])<<8) + aclHeaderLength, nil
	default:
		return 0, errors.Errorf("invalid packet type %v", f.b[0])
	}
}
