// Package h4 carries HCI over a UART using the H4 framing.
package h4

import (
	"io"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/rigado/blepm"
)

const (
	rxQueueSize = 64
	readTimeout = time.Second
)

// H4 is an io.ReadWriteCloser over a serial port. Each Read returns one whole
// HCI packet, or (0, nil) if none arrived within the read timeout.
type H4 struct {
	sp  io.ReadWriteCloser
	wmu sync.Mutex
	log blepm.Logger

	rxQueue chan []byte

	done chan struct{}
	cmu  sync.Mutex
}

// Open opens the UART at path.
func Open(path string, baud uint) (*H4, error) {
	opts := serial.OpenOptions{
		PortName:              path,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		RTSCTSFlowControl:     true,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}
	sp, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return New(sp, blepm.GetLogger().ChildLogger(map[string]interface{}{"uart": path})), nil
}

// New frames packets read from an already open port.
func New(sp io.ReadWriteCloser, l blepm.Logger) *H4 {
	h := &H4{
		sp:      sp,
		log:     l,
		done:    make(chan struct{}),
		rxQueue: make(chan []byte, rxQueueSize),
	}
	go h.rxLoop()
	return h
}

func (h *H4) Read(p []byte) (int, error) {
	t := time.NewTimer(readTimeout)
	defer t.Stop()

	select {
	case b := <-h.rxQueue:
		if len(p) < len(b) {
			return 0, io.ErrShortBuffer
		}
		return copy(p, b), nil
	case <-h.done:
		return 0, io.EOF
	case <-t.C:
		return 0, nil
	}
}

func (h *H4) Write(p []byte) (int, error) {
	if !h.isOpen() {
		return 0, io.EOF
	}

	h.wmu.Lock()
	defer h.wmu.Unlock()
	n, err := h.sp.Write(p)
	return n, errors.Wrap(err, "can't write h4")
}

func (h *H4) Close() error {
	h.cmu.Lock()
	defer h.cmu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
		close(h.done)
		h.log.Debug("closing h4")
		return errors.Wrap(h.sp.Close(), "can't close h4")
	}
}

func (h *H4) isOpen() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *H4) rxLoop() {
	f := newFrame(func(b []byte) {
		select {
		case h.rxQueue <- b:
		case <-h.done:
		default:
			h.log.Warnf("h4 rx queue full, dropping %d bytes", len(b))
		}
	})

	tmp := make([]byte, 512)
	for h.isOpen() {
		n, err := h.sp.Read(tmp)
		if err == io.EOF {
			h.log.Debug("h4 port closed")
			h.Close()
			return
		}
		if err != nil || n == 0 {
			continue
		}
		f.Assemble(tmp[:n])
	}
}
