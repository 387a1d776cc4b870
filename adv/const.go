package adv

import "github.com/pkg/errors"

// MaxEIRPacketLength is the maximum length of a legacy advertising or scan response payload.
const MaxEIRPacketLength = 31

var (
	// ErrNotFit is returned when a field does not fit into the remaining packet space.
	ErrNotFit = errors.New("field does not fit into the packet")

	// ErrInvalid is returned for a malformed field or payload.
	ErrInvalid = errors.New("invalid advertising field")
)

// Advertising flags [CSS Part A 1.3].
const (
	FlagLimitedDiscoverable = 0x01
	FlagGeneralDiscoverable = 0x02
	FlagLEOnly              = 0x04
)

// AD types [Assigned Numbers, Generic Access Profile].
const (
	flags            = 0x01
	someUUID16       = 0x02
	allUUID16        = 0x03
	someUUID32       = 0x04
	allUUID32        = 0x05
	someUUID128      = 0x06
	allUUID128       = 0x07
	shortName        = 0x08
	completeName     = 0x09
	txPower          = 0x0a
	sol16            = 0x14
	sol128           = 0x15
	serviceData16    = 0x16
	sol32            = 0x1f
	serviceData32    = 0x20
	serviceData128   = 0x21
	manufacturerData = 0xff
)
