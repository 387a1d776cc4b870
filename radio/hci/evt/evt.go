// Package evt decodes the HCI events the GAP radio consumes [Vol 4, Part E, 7.7].
// Accessors never panic on short packets; the WErr variants report the error,
// the plain ones return a default.
package evt

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Event codes.
const (
	DisconnectionCompleteCode    = 0x05
	CommandCompleteCode          = 0x0e
	CommandStatusCode            = 0x0f
	NumberOfCompletedPacketsCode = 0x13
	LEMetaCode                   = 0x3e
	VendorCode                   = 0xff
)

// LE meta subevent codes.
const (
	LEConnectionCompleteSubCode               = 0x01
	LEConnectionUpdateCompleteSubCode         = 0x03
	LERemoteConnectionParameterRequestSubCode = 0x06
	LEEnhancedConnectionCompleteSubCode       = 0x0a
	LEAdvertisingSetTerminatedSubCode         = 0x12
)

// ErrIndex is returned by accessors reading past the end of an event.
var ErrIndex = errors.New("index error")

type CommandComplete []byte

func (e CommandComplete) NumHCICommandPacketsWErr() (uint8, error) { return getByte(e, 0, 0) }
func (e CommandComplete) CommandOpcodeWErr() (uint16, error)       { return getUint16LE(e, 1, 0xffff) }
func (e CommandComplete) ReturnParametersWErr() ([]byte, error)    { return getBytes(e, 3, -1) }

func (e CommandComplete) NumHCICommandPackets() uint8 {
	v, _ := e.NumHCICommandPacketsWErr()
	return v
}

func (e CommandComplete) CommandOpcode() uint16 {
	v, _ := e.CommandOpcodeWErr()
	return v
}

// ReturnParameters may be empty for commands with no return parameters.
func (e CommandComplete) ReturnParameters() []byte {
	v, _ := e.ReturnParametersWErr()
	return v
}

type CommandStatus []byte

func (e CommandStatus) Status() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

func (e CommandStatus) NumHCICommandPackets() uint8 {
	v, _ := getByte(e, 1, 0)
	return v
}

func (e CommandStatus) CommandOpcode() uint16 {
	v, _ := getUint16LE(e, 2, 0xffff)
	return v
}

func (e CommandStatus) Valid() bool {
	return len(e) == 4
}

type DisconnectionComplete []byte

func (e DisconnectionComplete) Status() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

func (e DisconnectionComplete) ConnectionHandleWErr() (uint16, error) {
	v, err := getUint16LE(e, 1, 0xffff)
	return v & 0x0fff, err
}

func (e DisconnectionComplete) ConnectionHandle() uint16 {
	v, _ := e.ConnectionHandleWErr()
	return v
}

func (e DisconnectionComplete) Reason() uint8 {
	v, _ := getByte(e, 3, 0)
	return v
}

// LEConnectionComplete covers both the legacy and the enhanced subevent; the
// enhanced one carries two extra addresses before the parameters.
type LEConnectionComplete []byte

func (e LEConnectionComplete) SubeventCode() uint8 {
	v, _ := getByte(e, 0, 0)
	return v
}

func (e LEConnectionComplete) paramsOffset() int {
	if e.SubeventCode() == LEEnhancedConnectionCompleteSubCode {
		return 24
	}
	return 12
}

func (e LEConnectionComplete) Status() uint8 {
	v, _ := getByte(e, 1, 0xff)
	return v
}

func (e LEConnectionComplete) ConnectionHandleWErr() (uint16, error) {
	v, err := getUint16LE(e, 2, 0xffff)
	return v & 0x0fff, err
}

func (e LEConnectionComplete) ConnectionHandle() uint16 {
	v, _ := e.ConnectionHandleWErr()
	return v
}

func (e LEConnectionComplete) Role() uint8 {
	v, _ := getByte(e, 4, 0xff)
	return v
}

func (e LEConnectionComplete) PeerAddressType() uint8 {
	v, _ := getByte(e, 5, 0xff)
	return v
}

// PeerAddressWErr returns the peer address as sent, least significant byte first.
func (e LEConnectionComplete) PeerAddressWErr() ([6]byte, error) {
	var out [6]byte
	b, err := getBytes(e, 6, 6)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

func (e LEConnectionComplete) ConnIntervalWErr() (uint16, error) {
	return getUint16LE(e, e.paramsOffset(), 0)
}

func (e LEConnectionComplete) ConnLatencyWErr() (uint16, error) {
	return getUint16LE(e, e.paramsOffset()+2, 0)
}

func (e LEConnectionComplete) SupervisionTimeoutWErr() (uint16, error) {
	return getUint16LE(e, e.paramsOffset()+4, 0)
}

type LEConnectionUpdateComplete []byte

func (e LEConnectionUpdateComplete) Status() uint8 {
	v, _ := getByte(e, 1, 0xff)
	return v
}

func (e LEConnectionUpdateComplete) ConnectionHandleWErr() (uint16, error) {
	v, err := getUint16LE(e, 2, 0xffff)
	return v & 0x0fff, err
}

func (e LEConnectionUpdateComplete) ConnIntervalWErr() (uint16, error) { return getUint16LE(e, 4, 0) }
func (e LEConnectionUpdateComplete) ConnLatencyWErr() (uint16, error)  { return getUint16LE(e, 6, 0) }
func (e LEConnectionUpdateComplete) SupervisionTimeoutWErr() (uint16, error) {
	return getUint16LE(e, 8, 0)
}

type LERemoteConnectionParameterRequest []byte

func (e LERemoteConnectionParameterRequest) ConnectionHandleWErr() (uint16, error) {
	v, err := getUint16LE(e, 1, 0xffff)
	return v & 0x0fff, err
}

func (e LERemoteConnectionParameterRequest) IntervalMinWErr() (uint16, error) {
	return getUint16LE(e, 3, 0)
}

func (e LERemoteConnectionParameterRequest) IntervalMaxWErr() (uint16, error) {
	return getUint16LE(e, 5, 0)
}

func (e LERemoteConnectionParameterRequest) LatencyWErr() (uint16, error) {
	return getUint16LE(e, 7, 0)
}

func (e LERemoteConnectionParameterRequest) TimeoutWErr() (uint16, error) {
	return getUint16LE(e, 9, 0)
}

type LEAdvertisingSetTerminated []byte

func (e LEAdvertisingSetTerminated) Status() uint8 {
	v, _ := getByte(e, 1, 0xff)
	return v
}

func (e LEAdvertisingSetTerminated) AdvertisingHandleWErr() (uint8, error) {
	return getByte(e, 2, 0xff)
}

func (e LEAdvertisingSetTerminated) ConnectionHandle() uint16 {
	v, _ := getUint16LE(e, 3, 0xffff)
	return v & 0x0fff
}

func (e LEAdvertisingSetTerminated) NumCompletedEvents() uint8 {
	v, _ := getByte(e, 5, 0)
	return v
}

// get or default
func getByte(b []byte, i int, def byte) (byte, error) {
	bb, err := getBytes(b, i, 1)
	if err != nil {
		return def, err
	}
	return bb[0], nil
}

// get or default
func getUint16LE(b []byte, i int, def uint16) (uint16, error) {
	bb, err := getBytes(b, i, 2)
	if err != nil {
		return def, err
	}
	return binary.LittleEndian.Uint16(bb), nil
}

func getBytes(bytes []byte, start int, count int) ([]byte, error) {
	if bytes == nil || start > len(bytes) || (count != -1 && start >= len(bytes)) {
		return nil, ErrIndex
	}

	if count < 0 {
		return bytes[start:], nil
	}

	end := start + count
	//end is non-inclusive
	if end > len(bytes) {
		return nil, ErrIndex
	}

	return bytes[start:end], nil
}
