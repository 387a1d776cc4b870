// Package hci drives a Bluetooth LE controller over HCI as a blepm.Radio.
// It owns the GAP side only (extended advertising, link control and
// parameter negotiation); attribute traffic is served by the host's GATT server.
package hci

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/rigado/blepm/radio/hci/evt"
	"github.com/sony/gobreaker/v2"
)

// Event masks enabling the events handled below [Vol 2, Part E, 7.3.1 and 7.8.1].
const (
	eventMask   uint64 = 0x3dbff807fffbffff
	leEventMask uint64 = 1<<0 | 1<<2 | 1<<5 | 1<<9 | 1<<17
)

type handlerFn func(b []byte) error

type pkt struct {
	cmd  Command
	done chan []byte
}

// HCI implements blepm.Radio on top of an HCI transport.
type HCI struct {
	skt io.ReadWriteCloser
	log blepm.Logger

	cmdTimeout      time.Duration
	breakerFailures uint32
	breakerTimeout  time.Duration
	breaker         *gobreaker.CircuitBreaker[[]byte]

	muSent sync.Mutex
	sent   map[int]*pkt

	// Host to controller command flow control [Vol 2, Part E, 4.4].
	credits chan struct{}

	evth map[int]handlerFn
	subh map[int]handlerFn

	muHandler sync.RWMutex
	handler   blepm.StackHandler

	// advertising handles configured on the controller
	muSets sync.Mutex
	sets   map[int]blepm.AdvProperties

	sktRxChan chan []byte
	done      chan struct{}
	closeOnce sync.Once
	muErr     sync.Mutex
	err       error
}

// New wraps an open transport. Call Start to initialize the controller.
func New(skt io.ReadWriteCloser) *HCI {
	h := &HCI{
		skt:             skt,
		log:             blepm.GetLogger().ChildLogger(map[string]interface{}{"radio": "hci"}),
		cmdTimeout:      defaultCommandTimeout,
		breakerFailures: defaultBreakerFailures,
		breakerTimeout:  defaultBreakerTimeout,
		sent:            make(map[int]*pkt),
		credits:         make(chan struct{}, 1),
		sets:            make(map[int]blepm.AdvProperties),
		sktRxChan:       make(chan []byte, 16),
		done:            make(chan struct{}),
	}
	h.credits <- struct{}{}

	h.evth = map[int]handlerFn{
		evt.CommandCompleteCode:          h.handleCommandComplete,
		evt.CommandStatusCode:            h.handleCommandStatus,
		evt.DisconnectionCompleteCode:    h.handleDisconnectionComplete,
		evt.LEMetaCode:                   h.handleLEMeta,
		evt.NumberOfCompletedPacketsCode: func([]byte) error { return nil },
		evt.VendorCode:                   func([]byte) error { return nil },
	}
	h.subh = map[int]handlerFn{
		evt.LEConnectionCompleteSubCode:               h.handleLEConnectionComplete,
		evt.LEEnhancedConnectionCompleteSubCode:       h.handleLEConnectionComplete,
		evt.LEConnectionUpdateCompleteSubCode:         h.handleLEConnectionUpdateComplete,
		evt.LERemoteConnectionParameterRequestSubCode: h.handleLERemoteConnectionParameterRequest,
		evt.LEAdvertisingSetTerminatedSubCode:         h.handleLEAdvertisingSetTerminated,
	}
	h.breaker = h.newBreaker()
	return h
}

func (h *HCI) newBreaker() *gobreaker.CircuitBreaker[[]byte] {
	maxFailures := h.breakerFailures
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "hci",
		MaxRequests: 1,
		Timeout:     h.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.log.Warnf("%s command path: %s -> %s", name, from, to)
		},
	})
}

// Start runs the transport loops, initializes the controller and reports
// StackReady. The HCI closes when ctx is done.
func (h *HCI) Start(ctx context.Context) error {
	go h.sktReadLoop()
	go h.sktProcessLoop()

	if err := h.init(); err != nil {
		h.Close()
		return errors.Wrap(err, "hci init")
	}

	go func() {
		select {
		case <-ctx.Done():
			h.Close()
		case <-h.done:
		}
	}()

	h.post(blepm.StackReady{})
	return nil
}

func (h *HCI) init() error {
	h.log.Info("hci reset")
	if err := h.Send(&Reset{}, nil); err != nil {
		return errors.Wrap(err, "reset")
	}
	if err := h.Send(&SetEventMask{EventMask: eventMask}, nil); err != nil {
		return errors.Wrap(err, "set event mask")
	}
	if err := h.Send(&LESetEventMask{LEEventMask: leEventMask}, nil); err != nil {
		return errors.Wrap(err, "le set event mask")
	}

	rp := LEReadNumberOfSupportedAdvertisingSetsRP{}
	if err := h.Send(&LEReadNumberOfSupportedAdvertisingSets{}, &rp); err != nil {
		return errors.Wrap(err, "extended advertising not supported")
	}
	h.log.Infof("controller supports %d advertising sets", rp.NumSupportedAdvertisingSets)
	return nil
}

// Close stops the loops and closes the transport.
func (h *HCI) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.skt.Close()
	})
	return err
}

// Err returns the error that stopped the HCI, if any.
func (h *HCI) Err() error {
	h.muErr.Lock()
	defer h.muErr.Unlock()
	return h.err
}

func (h *HCI) fail(err error) {
	h.muErr.Lock()
	if h.err == nil {
		h.err = err
	}
	h.muErr.Unlock()
	h.log.Errorf("hci: %v", err)
	h.Close()
}

func (h *HCI) isOpen() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// SetStackHandler implements blepm.Radio.
func (h *HCI) SetStackHandler(f blepm.StackHandler) {
	h.muHandler.Lock()
	h.handler = f
	h.muHandler.Unlock()
}

func (h *HCI) post(ev blepm.StackEvent) {
	h.muHandler.RLock()
	f := h.handler
	h.muHandler.RUnlock()
	if f == nil {
		h.log.Debugf("no stack handler, dropping %s", ev.Name())
		return
	}
	if err := f(ev); err != nil {
		h.log.Warnf("post %s: %v", ev.Name(), err)
	}
}

// Send issues a command and waits for its completion. A non-zero controller
// status is returned as ErrCommand; busy and disallowed statuses carry
// blepm.ErrTransportRejected as their cause.
func (h *HCI) Send(c Command, r CommandRP) error {
	b, err := h.send(c)
	if err != nil {
		return err
	}
	if len(b) > 0 && b[0] != 0x00 {
		return statusError(ErrCommand(b[0]))
	}
	if r != nil {
		return r.Unmarshal(b)
	}
	return nil
}

func statusError(e ErrCommand) error {
	switch e {
	case ErrDisallowed, ErrControllerBusy:
		return errors.Wrap(blepm.ErrTransportRejected, e.Error())
	default:
		return e
	}
}

// send runs the exchange through the breaker. Only transport failures count
// against it; any reply from the controller is a success.
func (h *HCI) send(c Command) ([]byte, error) {
	b, err := h.breaker.Execute(func() ([]byte, error) {
		return h.exec(c)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errors.Wrapf(blepm.ErrTransportRejected, "hci command 0x%04x: %v", c.OpCode(), err)
	}
	return b, err
}

func (h *HCI) exec(c Command) ([]byte, error) {
	if !h.isOpen() {
		return nil, errors.Wrap(blepm.ErrClosed, "hci")
	}

	op := c.OpCode()
	p := &pkt{cmd: c, done: make(chan []byte, 1)}

	h.muSent.Lock()
	if _, ok := h.sent[op]; ok {
		h.muSent.Unlock()
		return nil, errors.Errorf("command with opcode 0x%04x pending", op)
	}
	h.sent[op] = p
	h.muSent.Unlock()

	defer func() {
		h.muSent.Lock()
		delete(h.sent, op)
		h.muSent.Unlock()
	}()

	t := time.NewTimer(h.cmdTimeout)
	defer t.Stop()

	select {
	case <-h.credits:
	case <-h.done:
		return nil, errors.Wrap(blepm.ErrClosed, "hci")
	case <-t.C:
		return nil, errors.Errorf("no command credit for 0x%04x", op)
	}

	b := make([]byte, 4+c.Len())
	b[0] = pktTypeCommand
	b[1] = byte(op)
	b[2] = byte(op >> 8)
	b[3] = byte(c.Len())
	if err := c.Marshal(b[4:]); err != nil {
		h.setAllowedCommands(1)
		return nil, errors.Wrapf(err, "marshal command 0x%04x", op)
	}

	if n, err := h.skt.Write(b); err != nil {
		h.setAllowedCommands(1)
		return nil, errors.Wrapf(err, "write command 0x%04x", op)
	} else if n != len(b) {
		h.setAllowedCommands(1)
		return nil, errors.Errorf("short write of command 0x%04x", op)
	}

	select {
	case rp := <-p.done:
		return rp, nil
	case <-h.done:
		return nil, errors.Wrap(blepm.ErrClosed, "hci")
	case <-t.C:
		// assume the controller dropped it and take the credit back
		h.setAllowedCommands(1)
		return nil, errors.Errorf("no response to command 0x%04x", op)
	}
}

func (h *HCI) setAllowedCommands(n int) {
	if n <= 0 {
		return
	}
	select {
	case h.credits <- struct{}{}:
	default:
	}
}

func (h *HCI) sktReadLoop() {
	defer close(h.sktRxChan)

	b := make([]byte, 4096)
	for {
		n, err := h.skt.Read(b)

		switch {
		case n == 0 && err == nil:
			// read timeout
			if !h.isOpen() {
				return
			}
			continue

		case err == io.EOF:
			if h.isOpen() {
				h.fail(err)
			}
			return

		case err != nil:
			if h.isOpen() {
				h.fail(errors.Wrap(err, "skt read"))
			}
			return
		}

		p := make([]byte, n)
		copy(p, b)
		select {
		case h.sktRxChan <- p:
		case <-h.done:
			return
		}
	}
}

func (h *HCI) sktProcessLoop() {
	for p := range h.sktRxChan {
		if err := h.handlePkt(p); err != nil {
			h.log.Warnf("skt: %v", err)
		}
	}
}

func (h *HCI) handlePkt(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	// Strip the 1-byte HCI header and pass down the rest of the packet.
	t, b := b[0], b[1:]
	switch t {
	case pktTypeEvent:
		return h.handleEvt(b)
	case pktTypeACLData:
		// ATT is served by the host stack
		return nil
	case pktTypeCommand:
		return errors.Errorf("unmanaged cmd: % X", b)
	case pktTypeSCOData:
		return errors.Errorf("unsupported sco packet: % X", b)
	case pktTypeVendor:
		return errors.Errorf("unsupported vendor packet: % X", b)
	default:
		return errors.Errorf("invalid packet: 0x%02X % X", t, b)
	}
}

func (h *HCI) handleEvt(b []byte) error {
	if len(b) < 2 {
		return errors.Errorf("short event packet: % X", b)
	}
	code, plen := int(b[0]), int(b[1])
	if plen != len(b[2:]) {
		return errors.Errorf("invalid event packet: % X", b)
	}
	if f := h.evth[code]; f != nil {
		return f(b[2:])
	}
	h.log.Debugf("unhandled event 0x%02x", code)
	return nil
}

func (h *HCI) handleLEMeta(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty LE meta event")
	}
	if f := h.subh[int(b[0])]; f != nil {
		return f(b)
	}
	h.log.Debugf("unhandled LE event 0x%02x", b[0])
	return nil
}

func (h *HCI) handleCommandComplete(b []byte) error {
	e := evt.CommandComplete(b)
	h.setAllowedCommands(int(e.NumHCICommandPackets()))

	op, err := e.CommandOpcodeWErr()
	if err != nil {
		return errors.Wrap(err, "command complete")
	}
	// NOP, only updates the credit count
	if op == 0x0000 {
		return nil
	}

	h.muSent.Lock()
	p, ok := h.sent[int(op)]
	h.muSent.Unlock()
	if !ok {
		return errors.Errorf("can't find the cmd for CommandCompleteEP: % X", e)
	}
	select {
	case p.done <- e.ReturnParameters():
	default:
	}
	return nil
}

func (h *HCI) handleCommandStatus(b []byte) error {
	e := evt.CommandStatus(b)
	if !e.Valid() {
		return errors.Errorf("invalid command status: % X", b)
	}
	h.setAllowedCommands(int(e.NumHCICommandPackets()))

	op := e.CommandOpcode()
	if op == 0x0000 {
		return nil
	}

	h.muSent.Lock()
	p, ok := h.sent[int(op)]
	h.muSent.Unlock()
	if !ok {
		return errors.Errorf("can't find the cmd for CommandStatusEP: % X", e)
	}
	select {
	case p.done <- []byte{e.Status()}:
	default:
	}
	return nil
}

func (h *HCI) handleDisconnectionComplete(b []byte) error {
	e := evt.DisconnectionComplete(b)
	handle, err := e.ConnectionHandleWErr()
	if err != nil {
		return errors.Wrap(err, "disconnection complete")
	}
	if e.Status() != 0x00 {
		h.log.Warnf("conn %d: disconnect failed: %v", handle, ErrCommand(e.Status()))
		return nil
	}
	h.post(blepm.DisconnectionComplete{
		Connection: blepm.ConnHandle(handle),
		Reason:     e.Reason(),
	})
	return nil
}

func (h *HCI) handleLEConnectionComplete(b []byte) error {
	e := evt.LEConnectionComplete(b)
	if e.Status() != 0x00 {
		h.log.Debugf("connection complete: %v", ErrCommand(e.Status()))
		return nil
	}
	if e.Role() != roleSlave {
		h.log.Debugf("ignoring central role connection")
		return nil
	}

	handle, err := e.ConnectionHandleWErr()
	if err != nil {
		return errors.Wrap(err, "connection complete handle")
	}
	peer, err := e.PeerAddressWErr()
	if err != nil {
		return errors.Wrap(err, "connection complete peer")
	}
	interval, err := e.ConnIntervalWErr()
	if err != nil {
		return errors.Wrap(err, "connection complete interval")
	}
	latency, err := e.ConnLatencyWErr()
	if err != nil {
		return errors.Wrap(err, "connection complete latency")
	}
	sto, err := e.SupervisionTimeoutWErr()
	if err != nil {
		return errors.Wrap(err, "connection complete timeout")
	}

	h.post(blepm.ConnectionComplete{
		Connection: blepm.ConnHandle(handle),
		Peer:       addrFromLE(peer[:]),
		AdvSet:     -1,
		Params: blepm.ConnParams{
			IntervalMin:        interval,
			IntervalMax:        interval,
			Latency:            latency,
			SupervisionTimeout: sto,
		},
	})
	return nil
}

func (h *HCI) handleLEConnectionUpdateComplete(b []byte) error {
	e := evt.LEConnectionUpdateComplete(b)
	handle, err := e.ConnectionHandleWErr()
	if err != nil {
		return errors.Wrap(err, "connection update complete")
	}
	interval, _ := e.ConnIntervalWErr()
	latency, _ := e.ConnLatencyWErr()
	sto, _ := e.SupervisionTimeoutWErr()

	h.post(blepm.ConnParamUpdated{
		Connection: blepm.ConnHandle(handle),
		Status:     e.Status(),
		Params: blepm.ConnParams{
			IntervalMin:        interval,
			IntervalMax:        interval,
			Latency:            latency,
			SupervisionTimeout: sto,
		},
	})
	return nil
}

func (h *HCI) handleLERemoteConnectionParameterRequest(b []byte) error {
	e := evt.LERemoteConnectionParameterRequest(b)
	handle, err := e.ConnectionHandleWErr()
	if err != nil {
		return errors.Wrap(err, "remote conn param request")
	}
	intervalMin, err := e.IntervalMinWErr()
	if err != nil {
		return errors.Wrap(err, "remote conn param request")
	}
	intervalMax, err := e.IntervalMaxWErr()
	if err != nil {
		return errors.Wrap(err, "remote conn param request")
	}
	latency, err := e.LatencyWErr()
	if err != nil {
		return errors.Wrap(err, "remote conn param request")
	}
	sto, err := e.TimeoutWErr()
	if err != nil {
		return errors.Wrap(err, "remote conn param request")
	}

	h.post(blepm.ConnParamRequest{
		Connection: blepm.ConnHandle(handle),
		Params: blepm.ConnParams{
			IntervalMin:        intervalMin,
			IntervalMax:        intervalMax,
			Latency:            latency,
			SupervisionTimeout: sto,
		},
	})
	return nil
}

func (h *HCI) handleLEAdvertisingSetTerminated(b []byte) error {
	e := evt.LEAdvertisingSetTerminated(b)
	set, err := e.AdvertisingHandleWErr()
	if err != nil {
		return errors.Wrap(err, "advertising set terminated")
	}
	if e.Status() != 0x00 {
		// duration elapsed or max events reached
		h.post(blepm.AdvertisingStopped{Set: int(set)})
		return nil
	}
	h.post(blepm.AdvertisingTerminated{
		Set:        int(set),
		Connection: blepm.ConnHandle(e.ConnectionHandle()),
		Status:     e.Status(),
	})
	return nil
}

// addrFromLE converts an over-the-wire address, least significant byte first.
func addrFromLE(b []byte) blepm.Addr {
	r := make([]byte, len(b))
	for i := range b {
		r[len(b)-1-i] = b[i]
	}
	return blepm.AddrFromBytes(r)
}
