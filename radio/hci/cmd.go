package hci

import (
	"encoding/binary"
	"io"
)

// Command is an HCI command packet payload.
type Command interface {
	OpCode() int
	Len() int
	Marshal([]byte) error
}

// CommandRP unmarshals the return parameters of a Command Complete event.
type CommandRP interface {
	Unmarshal(b []byte) error
}

const (
	opDisconnect                         = 0x0406
	opSetEventMask                       = 0x0c01
	opReset                              = 0x0c03
	opReadBDADDR                         = 0x1009
	opLESetEventMask                     = 0x2001
	opLEConnectionUpdate                 = 0x2013
	opLERemoteConnParamRequestReply      = 0x2020
	opLERemoteConnParamRequestNegReply   = 0x2021
	opLEReadLocalResolvableAddress       = 0x202c
	opLESetExtendedAdvertisingParameters = 0x2036
	opLESetExtendedAdvertisingData       = 0x2037
	opLESetExtendedScanResponseData      = 0x2038
	opLESetExtendedAdvertisingEnable     = 0x2039
	opLEReadNumberOfSupportedAdvSets     = 0x203b
	opLERemoveAdvertisingSet             = 0x203c
)

func check(b []byte, n int) error {
	if len(b) < n {
		return io.ErrShortBuffer
	}
	return nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// Reset [Vol 2, Part E, 7.3.2]
type Reset struct{}

func (c *Reset) OpCode() int          { return opReset }
func (c *Reset) Len() int             { return 0 }
func (c *Reset) Marshal([]byte) error { return nil }

// SetEventMask [Vol 2, Part E, 7.3.1]
type SetEventMask struct {
	EventMask uint64
}

func (c *SetEventMask) OpCode() int { return opSetEventMask }
func (c *SetEventMask) Len() int    { return 8 }
func (c *SetEventMask) Marshal(b []byte) error {
	if err := check(b, c.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, c.EventMask)
	return nil
}

// LESetEventMask [Vol 2, Part E, 7.8.1]
type LESetEventMask struct {
	LEEventMask uint64
}

func (c *LESetEventMask) OpCode() int { return opLESetEventMask }
func (c *LESetEventMask) Len() int    { return 8 }
func (c *LESetEventMask) Marshal(b []byte) error {
	if err := check(b, c.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, c.LEEventMask)
	return nil
}

// ReadBDADDR [Vol 2, Part E, 7.4.6]
type ReadBDADDR struct{}

func (c *ReadBDADDR) OpCode() int          { return opReadBDADDR }
func (c *ReadBDADDR) Len() int             { return 0 }
func (c *ReadBDADDR) Marshal([]byte) error { return nil }

// ReadBDADDRRP holds the address least significant byte first.
type ReadBDADDRRP struct {
	Status uint8
	BDADDR [6]byte
}

func (rp *ReadBDADDRRP) Unmarshal(b []byte) error {
	if err := check(b, 7); err != nil {
		return err
	}
	rp.Status = b[0]
	copy(rp.BDADDR[:], b[1:7])
	return nil
}

// Disconnect [Vol 2, Part E, 7.1.6]
type Disconnect struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (c *Disconnect) OpCode() int { return opDisconnect }
func (c *Disconnect) Len() int    { return 3 }
func (c *Disconnect) Marshal(b []byte) error {
	if err := check(b, c.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, c.ConnectionHandle)
	b[2] = c.Reason
	return nil
}

// ConnParamFields is the parameter block shared by LE Connection Update and
// the Remote Connection Parameter Request Reply.
type ConnParamFields struct {
	ConnectionHandle   uint16
	IntervalMin        uint16
	IntervalMax        uint16
	Latency            uint16
	SupervisionTimeout uint16
	MinCELength        uint16
	MaxCELength        uint16
}

func (f *ConnParamFields) marshal(b []byte) error {
	if err := check(b, 14); err != nil {
		return err
	}
	for i, v := range []uint16{
		f.ConnectionHandle, f.IntervalMin, f.IntervalMax, f.Latency,
		f.SupervisionTimeout, f.MinCELength, f.MaxCELength,
	} {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	return nil
}

// LEConnectionUpdate [Vol 2, Part E, 7.8.18]
type LEConnectionUpdate struct {
	ConnParamFields
}

func (c *LEConnectionUpdate) OpCode() int            { return opLEConnectionUpdate }
func (c *LEConnectionUpdate) Len() int               { return 14 }
func (c *LEConnectionUpdate) Marshal(b []byte) error { return c.marshal(b) }

// LERemoteConnectionParameterRequestReply [Vol 2, Part E, 7.8.31]
type LERemoteConnectionParameterRequestReply struct {
	ConnParamFields
}

func (c *LERemoteConnectionParameterRequestReply) OpCode() int {
	return opLERemoteConnParamRequestReply
}
func (c *LERemoteConnectionParameterRequestReply) Len() int               { return 14 }
func (c *LERemoteConnectionParameterRequestReply) Marshal(b []byte) error { return c.marshal(b) }

// LERemoteConnectionParameterRequestNegativeReply [Vol 2, Part E, 7.8.32]
type LERemoteConnectionParameterRequestNegativeReply struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (c *LERemoteConnectionParameterRequestNegativeReply) OpCode() int {
	return opLERemoteConnParamRequestNegReply
}
func (c *LERemoteConnectionParameterRequestNegativeReply) Len() int { return 3 }
func (c *LERemoteConnectionParameterRequestNegativeReply) Marshal(b []byte) error {
	if err := check(b, c.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, c.ConnectionHandle)
	b[2] = c.Reason
	return nil
}

// LEReadLocalResolvableAddress [Vol 2, Part E, 7.8.43]
type LEReadLocalResolvableAddress struct {
	PeerIdentityAddressType uint8
	PeerIdentityAddress     [6]byte
}

func (c *LEReadLocalResolvableAddress) OpCode() int { return opLEReadLocalResolvableAddress }
func (c *LEReadLocalResolvableAddress) Len() int    { return 7 }
func (c *LEReadLocalResolvableAddress) Marshal(b []byte) error {
	if err := check(b, c.Len()); err != nil {
		return err
	}
	b[0] = c.PeerIdentityAddressType
	copy(b[1:7], c.PeerIdentityAddress[:])
	return nil
}

// LEReadLocalResolvableAddressRP holds the address least significant byte first.
type LEReadLocalResolvableAddressRP struct {
	Status                 uint8
	LocalResolvableAddress [6]byte
}

func (rp *LEReadLocalResolvableAddressRP) Unmarshal(b []byte) error {
	if err := check(b, 7); err != nil {
		return err
	}
	rp.Status = b[0]
	copy(rp.LocalResolvableAddress[:], b[1:7])
	return nil
}

// LESetExtendedAdvertisingParameters [Vol 2, Part E, 7.8.53]
type LESetExtendedAdvertisingParameters struct {
	AdvertisingHandle          uint8
	AdvertisingEventProperties uint16
	PrimaryIntervalMin         uint32 // 24 bits
	PrimaryIntervalMax         uint32 // 24 bits
	PrimaryChannelMap          uint8
	OwnAddressType             uint8
	PeerAddressType            uint8
	PeerAddress                [6]byte
	FilterPolicy               uint8
	TxPower                    int8
	PrimaryPHY                 uint8
	SecondaryMaxSkip           uint8
	SecondaryPHY               uint8
	SID                        uint8
	ScanRequestNotification    uint8
}

func (c *LESetExtendedAdvertisingParameters) OpCode() int {
	return opLESetExtendedAdvertisingParameters
}
func (c *LESetExtendedAdvertisingParameters) Len() int { return 25 }
func (c *LESetExtendedAdvertisingParameters) Marshal(b []byte) error {
	if err := check(b, c.Len()); err != nil {
		return err
	}
	b[0] = c.AdvertisingHandle
	binary.LittleEndian.PutUint16(b[1:], c.AdvertisingEventProperties)
	putUint24(b[3:], c.PrimaryIntervalMin)
	putUint24(b[6:], c.PrimaryIntervalMax)
	b[9] = c.PrimaryChannelMap
	b[10] = c.OwnAddressType
	b[11] = c.PeerAddressType
	copy(b[12:18], c.PeerAddress[:])
	b[18] = c.FilterPolicy
	b[19] = byte(c.TxPower)
	b[20] = c.PrimaryPHY
	b[21] = c.SecondaryMaxSkip
	b[22] = c.SecondaryPHY
	b[23] = c.SID
	b[24] = c.ScanRequestNotification
	return nil
}

// Operation values for the extended data commands.
const (
	dataOpComplete       = 0x03
	fragmentNoPreference = 0x01
)

// LESetExtendedAdvertisingData [Vol 2, Part E, 7.8.54]
type LESetExtendedAdvertisingData struct {
	AdvertisingHandle  uint8
	Operation          uint8
	FragmentPreference uint8
	Data               []byte
}

func (c *LESetExtendedAdvertisingData) OpCode() int { return opLESetExtendedAdvertisingData }
func (c *LESetExtendedAdvertisingData) Len() int    { return 4 + len(c.Data) }
func (c *LESetExtendedAdvertisingData) Marshal(b []byte) error {
	return marshalExtData(b, c.AdvertisingHandle, c.Operation, c.FragmentPreference, c.Data)
}

// LESetExtendedScanResponseData [Vol 2, Part E, 7.8.55]
type LESetExtendedScanResponseData struct {
	AdvertisingHandle  uint8
	Operation          uint8
	FragmentPreference uint8
	Data               []byte
}

func (c *LESetExtendedScanResponseData) OpCode() int { return opLESetExtendedScanResponseData }
func (c *LESetExtendedScanResponseData) Len() int    { return 4 + len(c.Data) }
func (c *LESetExtendedScanResponseData) Marshal(b []byte) error {
	return marshalExtData(b, c.AdvertisingHandle, c.Operation, c.FragmentPreference, c.Data)
}

func marshalExtData(b []byte, handle, op, frag uint8, data []byte) error {
	if err := check(b, 4+len(data)); err != nil {
		return err
	}
	b[0] = handle
	b[1] = op
	b[2] = frag
	b[3] = uint8(len(data))
	copy(b[4:], data)
	return nil
}

// LESetExtendedAdvertisingEnable [Vol 2, Part E, 7.8.56], for a single set.
type LESetExtendedAdvertisingEnable struct {
	Enable                       uint8
	AdvertisingHandle            uint8
	Duration                     uint16 // 10 ms units, 0 = until disabled
	MaxExtendedAdvertisingEvents uint8
}

func (c *LESetExtendedAdvertisingEnable) OpCode() int { return opLESetExtendedAdvertisingEnable }
func (c *LESetExtendedAdvertisingEnable) Len() int    { return 6 }
func (c *LESetExtendedAdvertisingEnable) Marshal(b []byte) error {
	if err := check(b, c.Len()); err != nil {
		return err
	}
	b[0] = c.Enable
	b[1] = 1 // number of sets
	b[2] = c.AdvertisingHandle
	binary.LittleEndian.PutUint16(b[3:], c.Duration)
	b[5] = c.MaxExtendedAdvertisingEvents
	return nil
}

// LEReadNumberOfSupportedAdvertisingSets [Vol 2, Part E, 7.8.58]
type LEReadNumberOfSupportedAdvertisingSets struct{}

func (c *LEReadNumberOfSupportedAdvertisingSets) OpCode() int {
	return opLEReadNumberOfSupportedAdvSets
}
func (c *LEReadNumberOfSupportedAdvertisingSets) Len() int             { return 0 }
func (c *LEReadNumberOfSupportedAdvertisingSets) Marshal([]byte) error { return nil }

type LEReadNumberOfSupportedAdvertisingSetsRP struct {
	Status                      uint8
	NumSupportedAdvertisingSets uint8
}

func (rp *LEReadNumberOfSupportedAdvertisingSetsRP) Unmarshal(b []byte) error {
	if err := check(b, 2); err != nil {
		return err
	}
	rp.Status = b[0]
	rp.NumSupportedAdvertisingSets = b[1]
	return nil
}

// LERemoveAdvertisingSet [Vol 2, Part E, 7.8.59]
type LERemoveAdvertisingSet struct {
	AdvertisingHandle uint8
}

func (c *LERemoveAdvertisingSet) OpCode() int { return opLERemoveAdvertisingSet }
func (c *LERemoveAdvertisingSet) Len() int    { return 1 }
func (c *LERemoveAdvertisingSet) Marshal(b []byte) error {
	if err := check(b, c.Len()); err != nil {
		return err
	}
	b[0] = c.AdvertisingHandle
	return nil
}
