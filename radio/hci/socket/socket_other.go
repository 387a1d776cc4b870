//go:build !linux

package socket

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
)

// Socket is only available on linux.
type Socket struct {
	io.ReadWriteCloser
}

func Open(id int) (*Socket, error) {
	return nil, errors.Wrap(blepm.ErrUnsupported, "hci user channel requires linux")
}
