package hci

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
)

type sentCmd struct {
	op     int
	params []byte
}

// controller answers HCI commands on the far end of a pipe.
type controller struct {
	t    *testing.T
	conn net.Conn

	mu       sync.Mutex
	cmds     []sentCmd
	status   map[int]uint8
	rp       map[int][]byte
	silent   map[int]bool
	byStatus map[int]bool
}

func newController(t *testing.T, conn net.Conn) *controller {
	c := &controller{
		t:      t,
		conn:   conn,
		status: map[int]uint8{},
		rp: map[int][]byte{
			opLEReadNumberOfSupportedAdvSets: {4},
		},
		silent: map[int]bool{},
		byStatus: map[int]bool{
			opDisconnect:         true,
			opLEConnectionUpdate: true,
		},
	}
	go c.loop()
	return c
}

func (c *controller) loop() {
	b := make([]byte, 512)
	for {
		n, err := c.conn.Read(b)
		if err != nil {
			return
		}
		if n < 4 || b[0] != pktTypeCommand {
			continue
		}
		op := int(binary.LittleEndian.Uint16(b[1:]))
		params := make([]byte, int(b[3]))
		copy(params, b[4:n])

		c.mu.Lock()
		c.cmds = append(c.cmds, sentCmd{op: op, params: params})
		silent := c.silent[op]
		status := c.status[op]
		rp := c.rp[op]
		byStatus := c.byStatus[op]
		c.mu.Unlock()

		if silent {
			continue
		}
		var reply []byte
		if byStatus {
			reply = []byte{pktTypeEvent, 0x0f, 4, status, 1, byte(op), byte(op >> 8)}
		} else {
			reply = []byte{pktTypeEvent, 0x0e, byte(4 + len(rp)), 1, byte(op), byte(op >> 8), status}
			reply = append(reply, rp...)
		}
		if _, err := c.conn.Write(reply); err != nil {
			return
		}
	}
}

func (c *controller) setStatus(op int, s uint8) {
	c.mu.Lock()
	c.status[op] = s
	c.mu.Unlock()
}

func (c *controller) setReturn(op int, rp []byte) {
	c.mu.Lock()
	c.rp[op] = rp
	c.mu.Unlock()
}

func (c *controller) setSilent(op int) {
	c.mu.Lock()
	c.silent[op] = true
	c.mu.Unlock()
}

func (c *controller) sent() []sentCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentCmd(nil), c.cmds...)
}

func (c *controller) opcodes() []int {
	var ops []int
	for _, s := range c.sent() {
		ops = append(ops, s.op)
	}
	return ops
}

func (c *controller) last(op int) []byte {
	cmds := c.sent()
	for i := len(cmds) - 1; i >= 0; i-- {
		if cmds[i].op == op {
			return cmds[i].params
		}
	}
	return nil
}

func (c *controller) count(op int) int {
	n := 0
	for _, s := range c.sent() {
		if s.op == op {
			n++
		}
	}
	return n
}

// event writes a raw HCI event packet to the host.
func (c *controller) event(code byte, params ...byte) {
	b := append([]byte{pktTypeEvent, code, byte(len(params))}, params...)
	if _, err := c.conn.Write(b); err != nil {
		c.t.Errorf("inject event: %v", err)
	}
}
