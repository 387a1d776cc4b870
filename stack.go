package blepm

// StackEvent is a message from the radio/stack to the manager.
// Radios construct these types and pass them to the StackHandler; the set is closed.
type StackEvent interface {
	Name() string
	isStackEvent()
}

// StackHandler accepts stack events. It is safe to call from any goroutine.
type StackHandler func(StackEvent) error

// StackReady reports that the stack finished its own initialization.
type StackReady struct{}

// ConnectionComplete reports a new link where the local device is peripheral.
type ConnectionComplete struct {
	Connection ConnHandle
	Peer       Addr
	AdvSet     int
	Params     ConnParams
}

// DisconnectionComplete reports a terminated link with its HCI reason code.
type DisconnectionComplete struct {
	Connection ConnHandle
	Reason     uint8
}

// ConnParamRequest is a peer asking to change link parameters.
type ConnParamRequest struct {
	Connection ConnHandle
	Params     ConnParams
}

// ConnParamUpdated reports completion of a link parameter update.
type ConnParamUpdated struct {
	Connection ConnHandle
	Status     uint8
	Params     ConnParams
}

type AdvertisingStarted struct {
	Set int
}

// AdvertisingStopped reports that a set stopped without a host request and
// without producing a connection, e.g. its duration elapsed.
type AdvertisingStopped struct {
	Set int
}

// AdvertisingTerminated reports that the controller stopped a set on its own,
// usually because it produced a connection.
type AdvertisingTerminated struct {
	Set        int
	Connection ConnHandle
	Status     uint8
}

// AttWrite is a peer write to a local characteristic value. Data is owned by the
// stack until Release is called; receivers copy what they keep.
type AttWrite struct {
	Connection ConnHandle
	Attr       uint16
	Data       []byte
	Release    func()
}

// AttRead is a peer read of a local characteristic value.
type AttRead struct {
	Connection ConnHandle
	Attr       uint16
	Offset     uint16
}

// CCCDWrite is a peer write to a client characteristic configuration descriptor.
// Attr is the handle of the characteristic value the descriptor belongs to.
type CCCDWrite struct {
	Connection ConnHandle
	Attr       uint16
	Value      uint16
}

// IndicationConfirm is a peer acknowledging an indication. Connection may be
// InvalidConn if the stack does not report it.
type IndicationConfirm struct {
	Connection ConnHandle
	Attr       uint16
}

type MTUExchanged struct {
	Connection ConnHandle
	MTU        uint16
}

type RSSIRead struct {
	Connection ConnHandle
	RSSI       int8
}

type PasskeyDisplay struct {
	Connection ConnHandle
	Passkey    uint32
}

type PairingStatus struct {
	Connection ConnHandle
	Bonded     bool
	Status     uint8
}

func (StackReady) Name() string            { return "stack-ready" }
func (ConnectionComplete) Name() string    { return "connection-complete" }
func (DisconnectionComplete) Name() string { return "disconnection-complete" }
func (ConnParamRequest) Name() string      { return "conn-param-request" }
func (ConnParamUpdated) Name() string      { return "conn-param-updated" }
func (AdvertisingStarted) Name() string    { return "adv-started" }
func (AdvertisingStopped) Name() string    { return "adv-stopped" }
func (AdvertisingTerminated) Name() string { return "adv-terminated" }
func (AttWrite) Name() string              { return "att-write" }
func (AttRead) Name() string               { return "att-read" }
func (CCCDWrite) Name() string             { return "cccd-write" }
func (IndicationConfirm) Name() string     { return "indication-confirm" }
func (MTUExchanged) Name() string          { return "mtu-exchanged" }
func (RSSIRead) Name() string              { return "rssi-read" }
func (PasskeyDisplay) Name() string        { return "passkey-display" }
func (PairingStatus) Name() string         { return "pairing-status" }

func (StackReady) isStackEvent()            {}
func (ConnectionComplete) isStackEvent()    {}
func (DisconnectionComplete) isStackEvent() {}
func (ConnParamRequest) isStackEvent()      {}
func (ConnParamUpdated) isStackEvent()      {}
func (AdvertisingStarted) isStackEvent()    {}
func (AdvertisingStopped) isStackEvent()    {}
func (AdvertisingTerminated) isStackEvent() {}
func (AttWrite) isStackEvent()              {}
func (AttRead) isStackEvent()               {}
func (CCCDWrite) isStackEvent()             {}
func (IndicationConfirm) isStackEvent()     {}
func (MTUExchanged) isStackEvent()          {}
func (RSSIRead) isStackEvent()              {}
func (PasskeyDisplay) isStackEvent()        {}
func (PairingStatus) isStackEvent()         {}
