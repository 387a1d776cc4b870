package peripheral

import (
	"github.com/pkg/errors"
	"github.com/rigado/blepm"
)

// reasonLowResources is sent when a link arrives with the table already full.
const reasonLowResources uint8 = 0x14

func disconnectReason(hci uint8) blepm.DisconnectReason {
	switch hci {
	case blepm.StatusRemoteUserTerm:
		return blepm.ReasonRemoteDisconnected
	case blepm.StatusLocalHostTerm:
		return blepm.ReasonLocalClosed
	default:
		return blepm.ReasonAborted
	}
}

func (m *Manager) onConnect(ev blepm.ConnectionComplete) {
	m.connSeq++
	m.terms[ev.Connection] = m.connSeq

	key, c, err := m.conns.add(ev.Connection)
	if err != nil {
		m.log.Errorf("connection complete: %v", err)
		if blepm.Is(err, blepm.ErrResourceExhausted) {
			if err := m.radio.Disconnect(ev.Connection, reasonLowResources); err != nil {
				m.log.Errorf("conn %s: disconnect: %v", ev.Connection, err)
			}
		}
		return
	}
	c.peer = ev.Peer
	c.params = ev.Params
	c.timer = m.after(m.updateDelay, paramTimer{conn: key})
	m.publishConns()

	peer := "unknown"
	if ev.Peer != nil {
		peer = ev.Peer.String()
	}
	m.log.Infof("conn %s: connected to %s (%d/%d)", ev.Connection, peer, m.conns.len(), m.maxConns)

	m.connectionEstablished()
	if m.conns.full() {
		m.restrictConnectable()
	}
}

func (m *Manager) onDisconnect(ev blepm.DisconnectionComplete) {
	if _, err := m.conns.remove(ev.Connection); err != nil {
		m.log.Debugf("disconnection complete: %v", err)
		return
	}
	m.updates.drop(ev.Connection)
	m.publishConns()
	m.log.Infof("conn %s: disconnected, reason 0x%02x", ev.Connection, ev.Reason)

	m.emit(blepm.ConnectionError{
		Connection: ev.Connection,
		Reason:     disconnectReason(ev.Reason),
		HCIReason:  ev.Reason,
	})
	m.reevaluateAdvertising()
}

// connFailed surfaces a radio failure affecting a live connection.
func (m *Manager) connFailed(h blepm.ConnHandle, err error) {
	if _, _, ok := m.conns.lookup(h); !ok {
		return
	}
	m.emit(blepm.ConnectionError{Connection: h, Reason: blepm.ReasonAborted, Err: err})
}

func (m *Manager) onParamTimer(msg paramTimer) {
	c, ok := m.conns.get(msg.conn)
	if !ok {
		m.log.Debugf("stale parameter update timer")
		return
	}
	c.timer = nil
	m.updates.request(c.handle)
}

func (m *Manager) onConnParamRequest(ev blepm.ConnParamRequest) {
	if _, _, ok := m.conns.lookup(ev.Connection); !ok {
		m.log.Warnf("parameter request for unknown conn %s", ev.Connection)
		return
	}
	err := ValidateConnParams(ev.Params)
	if err != nil {
		m.log.Infof("conn %s: rejecting peer parameters: %v", ev.Connection, err)
	}
	if err := m.radio.RespondConnParamRequest(ev.Connection, ev.Params, err == nil); err != nil {
		m.log.Errorf("conn %s: parameter request reply: %v", ev.Connection, err)
		m.connFailed(ev.Connection, err)
	}
}

func (m *Manager) onConnParamUpdated(ev blepm.ConnParamUpdated) {
	if _, c, ok := m.conns.lookup(ev.Connection); ok && ev.Status == blepm.StatusSuccess {
		c.params = ev.Params
		m.log.Debugf("conn %s: parameters %+v", ev.Connection, ev.Params)
	}
	m.updates.completed(ev.Connection, ev.Status)
}

func (m *Manager) onMTU(ev blepm.MTUExchanged) {
	if _, c, ok := m.conns.lookup(ev.Connection); ok {
		c.mtu = ev.MTU
		m.log.Debugf("conn %s: mtu %d", ev.Connection, ev.MTU)
	}
}

func (m *Manager) onRSSI(ev blepm.RSSIRead) {
	if _, c, ok := m.conns.lookup(ev.Connection); ok {
		c.addRSSI(ev.RSSI)
	}
}

func (m *Manager) closeConnection(h blepm.ConnHandle) error {
	if _, _, ok := m.conns.lookup(h); !ok {
		return errors.Wrapf(blepm.ErrInvalidState, "unknown connection %s", h)
	}
	if err := m.radio.Disconnect(h, blepm.StatusRemoteUserTerm); err != nil {
		return errors.Wrapf(err, "disconnect %s", h)
	}
	return nil
}
