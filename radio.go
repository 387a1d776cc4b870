package blepm

// HCI reason and status codes the manager interprets [Vol 2, Part D].
const (
	StatusSuccess            uint8 = 0x00
	StatusCommandDisallowed  uint8 = 0x0c
	StatusRemoteUserTerm     uint8 = 0x13
	StatusLocalHostTerm      uint8 = 0x16
	StatusUnacceptableParams uint8 = 0x3b
)

// AdvProperties are the PDU properties of an advertising set.
type AdvProperties struct {
	Connectable bool
	Scannable   bool
	Legacy      bool
}

// AdvParams configures an advertising set on the radio.
// Intervals are in units of 0.625 ms.
type AdvParams struct {
	Properties  AdvProperties
	IntervalMin uint16
	IntervalMax uint16
	EventMask   uint8
}

// ConnParams are link parameters. Intervals are in units of 1.25 ms,
// the supervision timeout in units of 10 ms.
type ConnParams struct {
	IntervalMin        uint16
	IntervalMax        uint16
	Latency            uint16
	SupervisionTimeout uint16
}

// Radio is the downstream radio/stack. Calls are made from the dispatcher goroutine only.
// Implementations report busy or already-in-requested-mode by returning an error whose
// cause is ErrTransportRejected.
type Radio interface {
	// SetStackHandler installs the sink for stack-originated events.
	SetStackHandler(h StackHandler)

	CreateAdvertisingSet(set int) error
	RemoveAdvertisingSet(set int) error
	SetAdvertisingParams(set int, p AdvParams) error
	SetAdvertisingData(set int, adv, scanRsp []byte) error
	EnableAdvertising(set int) error
	DisableAdvertising(set int) error

	Disconnect(c ConnHandle, reason uint8) error
	UpdateConnParams(c ConnHandle, p ConnParams) error
	RespondConnParamRequest(c ConnHandle, p ConnParams, accept bool) error

	Indicate(c ConnHandle, attr uint16, data []byte) error
	RespondRead(c ConnHandle, attr uint16, data []byte) error

	// ResolvablePrivateAddress returns the address currently used on air.
	ResolvablePrivateAddress() (Addr, error)
}
