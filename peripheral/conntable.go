package peripheral

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/rigado/blepm/slotmap"
)

// ServiceMode is whether a connection subscribed to the transport TX characteristic.
type ServiceMode int

const (
	Unsubscribed ServiceMode = iota
	Subscribed
)

func (s ServiceMode) String() string {
	if s == Subscribed {
		return "subscribed"
	}
	return "unsubscribed"
}

const rssiWindow = 8

// ConnInfo is a snapshot of a connection.
type ConnInfo struct {
	Handle blepm.ConnHandle
	Peer   blepm.Addr
	MTU    uint16
	// RSSI is the average of the recent samples; valid only if RSSISamples > 0.
	RSSI        int
	RSSISamples int
	Mode        ServiceMode
	Params      blepm.ConnParams
}

type conn struct {
	handle blepm.ConnHandle
	peer   blepm.Addr
	mtu    uint16
	params blepm.ConnParams
	mode   ServiceMode

	rssi  [rssiWindow]int8
	nrssi int
	next  int

	// deferred link parameter update
	timer *time.Timer
}

func (c *conn) addRSSI(v int8) {
	c.rssi[c.next] = v
	c.next = (c.next + 1) % rssiWindow
	if c.nrssi < rssiWindow {
		c.nrssi++
	}
}

func (c *conn) averageRSSI() (int, bool) {
	if c.nrssi == 0 {
		return 0, false
	}
	sum := 0
	for i := 0; i < c.nrssi; i++ {
		sum += int(c.rssi[i])
	}
	return sum / c.nrssi, true
}

func (c *conn) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *conn) info() ConnInfo {
	avg, _ := c.averageRSSI()
	return ConnInfo{
		Handle:      c.handle,
		Peer:        c.peer,
		MTU:         c.mtu,
		RSSI:        avg,
		RSSISamples: c.nrssi,
		Mode:        c.mode,
		Params:      c.params,
	}
}

// connTable is the fixed capacity table of live links. Only the dispatcher uses it.
type connTable struct {
	slots *slotmap.Map[conn]
}

func newConnTable(capacity int) *connTable {
	return &connTable{slots: slotmap.New[conn](capacity)}
}

// add registers a new link with default MTU and no RSSI samples.
func (t *connTable) add(h blepm.ConnHandle) (slotmap.Key, *conn, error) {
	if _, _, ok := t.lookup(h); ok {
		return slotmap.Key{}, nil, errors.Wrapf(blepm.ErrInvalidState, "connection %s already in table", h)
	}
	k, err := t.slots.Insert(conn{handle: h, mtu: DefaultMTU})
	if err != nil {
		return slotmap.Key{}, nil, errors.Wrapf(blepm.ErrResourceExhausted, "too many connections, can't add %s", h)
	}
	c, _ := t.slots.Get(k)
	return k, c, nil
}

// lookup scans the table for h. The table is small, so a scan is fine.
func (t *connTable) lookup(h blepm.ConnHandle) (slotmap.Key, *conn, bool) {
	var (
		key   slotmap.Key
		found *conn
	)
	t.slots.Each(func(k slotmap.Key, c *conn) bool {
		if c.handle == h {
			key, found = k, c
			return false
		}
		return true
	})
	return key, found, found != nil
}

func (t *connTable) get(k slotmap.Key) (*conn, bool) {
	return t.slots.Get(k)
}

// remove stops the connection's timer and frees its slot. A handle that is not
// in the table yields ErrNotFound and changes nothing.
func (t *connTable) remove(h blepm.ConnHandle) (conn, error) {
	k, c, ok := t.lookup(h)
	if !ok {
		return conn{}, errors.Wrapf(blepm.ErrNotFound, "connection %s", h)
	}
	c.stopTimer()
	removed := *c
	t.slots.Remove(k)
	return removed, nil
}

func (t *connTable) firstSubscribed() (*conn, bool) {
	var found *conn
	t.slots.Each(func(_ slotmap.Key, c *conn) bool {
		if c.mode == Subscribed {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}

func (t *connTable) each(fn func(c *conn)) {
	t.slots.Each(func(_ slotmap.Key, c *conn) bool {
		fn(c)
		return true
	})
}

func (t *connTable) len() int {
	return t.slots.Len()
}

func (t *connTable) full() bool {
	return t.slots.Len() == t.slots.Cap()
}
