package blepm

import (
	"context"
	"fmt"
)

// ConnHandle identifies a link as assigned by the radio.
type ConnHandle uint16

// InvalidConn is used where the stack does not say which link an event is for.
const InvalidConn ConnHandle = 0xffff

func (c ConnHandle) String() string {
	return fmt.Sprintf("%04X", uint16(c))
}

// DisconnectReason classifies why a link went away.
type DisconnectReason int

const (
	ReasonAborted DisconnectReason = iota
	ReasonRemoteDisconnected
	ReasonLocalClosed
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRemoteDisconnected:
		return "remote disconnected"
	case ReasonLocalClosed:
		return "local closed"
	default:
		return "aborted"
	}
}

// Event is an upstream event delivered to the transport consumer.
// The set of events is closed: Subscribed, Unsubscribed, DataReceived,
// IndicationConfirmed and ConnectionError.
type Event interface {
	Conn() ConnHandle
	Kind() string
	isEvent()
}

// EventHandler receives upstream events on the dispatcher goroutine. Manager
// methods called from the handler must be given ctx; any other context blocks
// the dispatcher on its own queue.
type EventHandler func(ctx context.Context, ev Event)

// Subscribed is sent when a peer enables indications on the transport TX characteristic.
type Subscribed struct {
	Connection ConnHandle
}

// Unsubscribed is sent when a peer disables indications on the transport TX characteristic.
type Unsubscribed struct {
	Connection ConnHandle
}

// DataReceived carries a write to the transport RX characteristic. Data is owned by the receiver.
type DataReceived struct {
	Connection ConnHandle
	Data       []byte
}

// IndicationConfirmed is sent when a peer acknowledges an indication on the transport TX characteristic.
type IndicationConfirmed struct {
	Connection ConnHandle
}

// ConnectionError is sent when a link is lost or a radio failure affects it.
type ConnectionError struct {
	Connection ConnHandle
	Reason     DisconnectReason
	HCIReason  uint8
	Err        error
}

func (e Subscribed) Conn() ConnHandle          { return e.Connection }
func (e Unsubscribed) Conn() ConnHandle        { return e.Connection }
func (e DataReceived) Conn() ConnHandle        { return e.Connection }
func (e IndicationConfirmed) Conn() ConnHandle { return e.Connection }
func (e ConnectionError) Conn() ConnHandle     { return e.Connection }

func (Subscribed) Kind() string          { return "subscribed" }
func (Unsubscribed) Kind() string        { return "unsubscribed" }
func (DataReceived) Kind() string        { return "data" }
func (IndicationConfirmed) Kind() string { return "indication-confirmed" }
func (ConnectionError) Kind() string     { return "connection-error" }

func (Subscribed) isEvent()          {}
func (Unsubscribed) isEvent()        {}
func (DataReceived) isEvent()        {}
func (IndicationConfirmed) isEvent() {}
func (ConnectionError) isEvent()     {}
