package hci

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/rigado/blepm/radio/hci/h4"
	"github.com/rigado/blepm/radio/hci/socket"
)

// Transport selects how the controller is reached.
type Transport struct {
	Kind   string // "socket" or "h4"
	Device int    // hci<N> for socket, -1 picks the first free one
	Path   string // serial device for h4
	Baud   uint
}

// OpenTransport opens the HCI transport t describes.
func OpenTransport(t Transport) (io.ReadWriteCloser, error) {
	switch t.Kind {
	case "socket", "":
		s, err := socket.Open(t.Device)
		if err != nil {
			return nil, errors.Wrapf(err, "open hci%d", t.Device)
		}
		return s, nil
	case "h4":
		u, err := h4.Open(t.Path, t.Baud)
		if err != nil {
			return nil, err
		}
		return u, nil
	default:
		return nil, errors.Wrapf(blepm.ErrInvalidParam, "unknown hci transport %q", t.Kind)
	}
}
