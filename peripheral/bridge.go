package peripheral

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
)

// client characteristic configuration bits [Vol 3, Part G, 3.3.3.3]
const (
	cccdNotify   = 0x0001
	cccdIndicate = 0x0002
)

// Characteristic routes the events of a characteristic other than the
// transport RX/TX pair. Handlers run on the dispatcher goroutine as deferred
// calls. Any handler may be nil.
type Characteristic struct {
	OnWrite     func(ctx context.Context, c blepm.ConnHandle, data []byte)
	OnRead      func(ctx context.Context, c blepm.ConnHandle, offset uint16) []byte
	OnSubscribe func(ctx context.Context, c blepm.ConnHandle, enabled bool)
	OnConfirm   func(ctx context.Context, c blepm.ConnHandle)
}

func (m *Manager) registerCharacteristic(attr uint16, ch Characteristic) error {
	if attr == 0 || attr == m.rxAttr || attr == m.txAttr {
		return errors.Wrapf(blepm.ErrInvalidParam, "attribute 0x%04x is reserved", attr)
	}
	if _, ok := m.chars[attr]; ok {
		return errors.Wrapf(blepm.ErrInvalidState, "attribute 0x%04x already registered", attr)
	}
	m.chars[attr] = &ch
	return nil
}

func (m *Manager) onWrite(ev blepm.AttWrite) {
	release := func() {
		if ev.Release != nil {
			ev.Release()
		}
	}
	if len(ev.Data) > m.maxCharLen {
		release()
		m.log.Warnf("conn %s: write of %d bytes to 0x%04x exceeds %d, dropped", ev.Connection, len(ev.Data), ev.Attr, m.maxCharLen)
		return
	}
	if _, _, ok := m.conns.lookup(ev.Connection); !ok {
		release()
		m.log.Warnf("write from unknown conn %s, dropped", ev.Connection)
		return
	}

	data := make([]byte, len(ev.Data))
	copy(data, ev.Data)
	release()

	if ev.Attr == m.rxAttr {
		m.emit(blepm.DataReceived{Connection: ev.Connection, Data: data})
		return
	}
	ch, ok := m.chars[ev.Attr]
	if !ok || ch.OnWrite == nil {
		m.log.Debugf("conn %s: write to unhandled attribute 0x%04x", ev.Connection, ev.Attr)
		return
	}
	h := ev.Connection
	m.deferCall(func(ctx context.Context) { ch.OnWrite(ctx, h, data) })
}

func (m *Manager) onRead(ev blepm.AttRead) {
	ch, ok := m.chars[ev.Attr]
	if !ok || ch.OnRead == nil {
		if err := m.radio.RespondRead(ev.Connection, ev.Attr, nil); err != nil {
			m.log.Warnf("conn %s: read response: %v", ev.Connection, err)
		}
		return
	}
	m.deferCall(func(ctx context.Context) {
		data := ch.OnRead(ctx, ev.Connection, ev.Offset)
		if err := m.radio.RespondRead(ev.Connection, ev.Attr, data); err != nil {
			m.log.Warnf("conn %s: read response: %v", ev.Connection, err)
		}
	})
}

func (m *Manager) onCCCDWrite(ev blepm.CCCDWrite) {
	enabled := ev.Value&(cccdNotify|cccdIndicate) != 0

	if ev.Attr != m.txAttr {
		ch, ok := m.chars[ev.Attr]
		if !ok || ch.OnSubscribe == nil {
			return
		}
		m.deferCall(func(ctx context.Context) { ch.OnSubscribe(ctx, ev.Connection, enabled) })
		return
	}

	_, c, ok := m.conns.lookup(ev.Connection)
	if !ok {
		m.log.Warnf("subscription change from unknown conn %s", ev.Connection)
		return
	}
	mode := Unsubscribed
	if enabled {
		mode = Subscribed
	}
	if c.mode == mode {
		return
	}
	c.mode = mode
	m.log.Infof("conn %s: %s", ev.Connection, mode)

	if enabled {
		m.emit(blepm.Subscribed{Connection: ev.Connection})
	} else {
		m.emit(blepm.Unsubscribed{Connection: ev.Connection})
	}
}

func (m *Manager) onIndicationConfirm(ev blepm.IndicationConfirm) {
	if ev.Attr != m.txAttr {
		ch, ok := m.chars[ev.Attr]
		if !ok || ch.OnConfirm == nil {
			return
		}
		m.deferCall(func(ctx context.Context) { ch.OnConfirm(ctx, ev.Connection) })
		return
	}

	c, ok := m.confirmTarget(ev.Connection)
	if !ok {
		m.log.Warnf("indication confirmation for conn %s matches no connection", ev.Connection)
		return
	}
	m.emit(blepm.IndicationConfirmed{Connection: c.handle})
}

// confirmTarget picks the connection an indication confirmation belongs to.
// A reported handle is trusted as is; stacks that don't report one get the
// first subscribed link.
func (m *Manager) confirmTarget(h blepm.ConnHandle) (*conn, bool) {
	if h == blepm.InvalidConn {
		return m.conns.firstSubscribed()
	}
	_, c, ok := m.conns.lookup(h)
	return c, ok
}

func (m *Manager) sendIndication(h blepm.ConnHandle, attr uint16, data []byte, transport bool) error {
	_, c, ok := m.conns.lookup(h)
	if !ok {
		return errors.Wrapf(blepm.ErrInvalidState, "unknown connection %s", h)
	}
	if transport && c.mode != Subscribed {
		return errors.Wrapf(blepm.ErrInvalidState, "connection %s not subscribed", h)
	}
	if max := int(c.mtu) - 3; len(data) > max {
		return errors.Wrapf(blepm.ErrInvalidParam, "indication of %d bytes exceeds %d", len(data), max)
	}
	if err := m.radio.Indicate(h, attr, data); err != nil {
		return errors.Wrapf(err, "indicate %s", h)
	}
	return nil
}
