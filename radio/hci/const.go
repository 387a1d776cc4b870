package hci

import (
	"fmt"
	"time"
)

// HCI packet types
const (
	pktTypeCommand uint8 = 0x01
	pktTypeACLData uint8 = 0x02
	pktTypeSCOData uint8 = 0x03
	pktTypeEvent   uint8 = 0x04
	pktTypeVendor  uint8 = 0xFF
)

const (
	roleMaster = 0x00
	roleSlave  = 0x01
)

// Advertising event properties [Vol 4, Part E, 7.8.53].
const (
	advPropConnectable = 1 << 0
	advPropScannable   = 1 << 1
	advPropLegacy      = 1 << 4
)

const (
	defaultCommandTimeout  = 2 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 10 * time.Second

	// LE-only controllers may not support extended data longer than this per command.
	maxAdvDataLength = 251
	maxAdvHandle     = 0xef
)

// ErrCommand is a non-zero controller status [Vol 2, Part D, 1.3].
type ErrCommand uint8

const (
	ErrUnknownCommand       ErrCommand = 0x01
	ErrConnID               ErrCommand = 0x02
	ErrHardware             ErrCommand = 0x03
	ErrAuth                 ErrCommand = 0x05
	ErrMemory               ErrCommand = 0x07
	ErrConnTimeout          ErrCommand = 0x08
	ErrConnLimit            ErrCommand = 0x09
	ErrDisallowed           ErrCommand = 0x0c
	ErrInvalidParams        ErrCommand = 0x12
	ErrRemoteUser           ErrCommand = 0x13
	ErrLocalHost            ErrCommand = 0x16
	ErrUnsupportedRemote    ErrCommand = 0x1a
	ErrUnspecified          ErrCommand = 0x1f
	ErrUnacceptableParams   ErrCommand = 0x3b
	ErrControllerBusy       ErrCommand = 0x3a
	ErrAdvTimeout           ErrCommand = 0x3c
	ErrLimitReached         ErrCommand = 0x43
	ErrOpCancelledByHost    ErrCommand = 0x44
	ErrUnknownAdvIdentifier ErrCommand = 0x42
)

var errCommandNames = map[ErrCommand]string{
	ErrUnknownCommand:       "unknown HCI command",
	ErrConnID:               "unknown connection identifier",
	ErrHardware:             "hardware failure",
	ErrAuth:                 "authentication failure",
	ErrMemory:               "memory capacity exceeded",
	ErrConnTimeout:          "connection timeout",
	ErrConnLimit:            "connection limit exceeded",
	ErrDisallowed:           "command disallowed",
	ErrInvalidParams:        "invalid HCI command parameters",
	ErrRemoteUser:           "remote user terminated connection",
	ErrLocalHost:            "connection terminated by local host",
	ErrUnsupportedRemote:    "unsupported remote feature",
	ErrUnspecified:          "unspecified error",
	ErrUnacceptableParams:   "unacceptable connection parameters",
	ErrControllerBusy:       "controller busy",
	ErrAdvTimeout:           "advertising timeout",
	ErrLimitReached:         "limit reached",
	ErrOpCancelledByHost:    "operation cancelled by host",
	ErrUnknownAdvIdentifier: "unknown advertising identifier",
}

func (e ErrCommand) Error() string {
	if s, ok := errCommandNames[e]; ok {
		return fmt.Sprintf("hci: %s (0x%02x)", s, uint8(e))
	}
	return fmt.Sprintf("hci: status 0x%02x", uint8(e))
}
