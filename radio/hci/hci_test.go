package hci

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu  sync.Mutex
	evs []blepm.StackEvent
}

func (r *recorder) handle(ev blepm.StackEvent) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) events() []blepm.StackEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]blepm.StackEvent(nil), r.evs...)
}

func (r *recorder) waitFor(t *testing.T, want blepm.StackEvent) {
	t.Helper()
	assert.Eventually(t, func() bool {
		for _, ev := range r.events() {
			if assert.ObjectsAreEqual(want, ev) {
				return true
			}
		}
		return false
	}, waitFor, tick, "waiting for %#v", want)
}

func newTestHCI(t *testing.T) (*HCI, *controller, *recorder) {
	t.Helper()
	host, far := net.Pipe()
	c := newController(t, far)

	h := New(host)
	require.NoError(t, h.SetCommandTimeout(200*time.Millisecond))
	r := &recorder{}
	h.SetStackHandler(r.handle)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() {
		h.Close()
		far.Close()
	})
	return h, c, r
}

func TestStartInitializesController(t *testing.T) {
	_, c, r := newTestHCI(t)
	assert.Equal(t, []int{
		opReset,
		opSetEventMask,
		opLESetEventMask,
		opLEReadNumberOfSupportedAdvSets,
	}, c.opcodes())
	r.waitFor(t, blepm.StackReady{})
}

func TestStartFailsWithoutExtendedAdvertising(t *testing.T) {
	host, far := net.Pipe()
	c := newController(t, far)
	c.setStatus(opLEReadNumberOfSupportedAdvSets, uint8(ErrUnknownCommand))
	defer far.Close()

	h := New(host)
	err := h.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrUnknownCommand, errors.Cause(err))
	assert.False(t, h.isOpen())
}

func TestSetAdvertisingParamsEncoding(t *testing.T) {
	h, c, _ := newTestHCI(t)
	require.NoError(t, h.CreateAdvertisingSet(1))
	require.NoError(t, h.SetAdvertisingParams(1, blepm.AdvParams{
		Properties:  blepm.AdvProperties{Connectable: true, Scannable: true, Legacy: true},
		IntervalMin: 32,
		IntervalMax: 96,
	}))

	assert.Equal(t, []byte{
		0x01,       // handle
		0x13, 0x00, // ADV_IND
		0x20, 0x00, 0x00,
		0x60, 0x00, 0x00,
		0x07,
		0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00,
		0x7f,
		0x01, 0x00, 0x01,
		0x01, // sid
		0x00,
	}, c.last(opLESetExtendedAdvertisingParameters))
}

func TestScanResponseOnlyForScannableSets(t *testing.T) {
	h, c, _ := newTestHCI(t)
	adv := []byte{0x02, 0x01, 0x06}
	sr := []byte{0x03, 0x09, 'h', 'i'}

	require.NoError(t, h.SetAdvertisingParams(0, blepm.AdvParams{
		Properties:  blepm.AdvProperties{Legacy: true},
		IntervalMin: 160,
		IntervalMax: 160,
	}))
	require.NoError(t, h.SetAdvertisingData(0, adv, sr))
	assert.Equal(t, 0, c.count(opLESetExtendedScanResponseData))
	assert.Equal(t, append([]byte{0x00, dataOpComplete, fragmentNoPreference, 3}, adv...),
		c.last(opLESetExtendedAdvertisingData))

	require.NoError(t, h.SetAdvertisingParams(0, blepm.AdvParams{
		Properties:  blepm.AdvProperties{Scannable: true, Legacy: true},
		IntervalMin: 160,
		IntervalMax: 160,
	}))
	require.NoError(t, h.SetAdvertisingData(0, adv, sr))
	assert.Equal(t, append([]byte{0x00, dataOpComplete, fragmentNoPreference, 4}, sr...),
		c.last(opLESetExtendedScanResponseData))
}

func TestAdvertisingDataTooLong(t *testing.T) {
	h, _, _ := newTestHCI(t)
	err := h.SetAdvertisingData(0, make([]byte, maxAdvDataLength+1), nil)
	assert.True(t, blepm.Is(err, blepm.ErrInvalidParam))
}

func TestEnableDisableAdvertising(t *testing.T) {
	h, c, _ := newTestHCI(t)
	require.NoError(t, h.EnableAdvertising(2))
	assert.Equal(t, []byte{1, 1, 2, 0, 0, 0}, c.last(opLESetExtendedAdvertisingEnable))
	require.NoError(t, h.DisableAdvertising(2))
	assert.Equal(t, []byte{0, 1, 2, 0, 0, 0}, c.last(opLESetExtendedAdvertisingEnable))
}

func TestBusyStatusIsTransportRejected(t *testing.T) {
	h, c, _ := newTestHCI(t)

	c.setStatus(opLESetExtendedAdvertisingEnable, uint8(ErrDisallowed))
	assert.True(t, blepm.Is(h.EnableAdvertising(0), blepm.ErrTransportRejected))

	c.setStatus(opLESetExtendedAdvertisingEnable, uint8(ErrControllerBusy))
	assert.True(t, blepm.Is(h.EnableAdvertising(0), blepm.ErrTransportRejected))

	c.setStatus(opLESetExtendedAdvertisingEnable, uint8(ErrInvalidParams))
	err := h.EnableAdvertising(0)
	assert.Equal(t, ErrInvalidParams, errors.Cause(err))
	assert.Contains(t, err.Error(), "invalid HCI command parameters")
}

func TestAdvertisingSetHandles(t *testing.T) {
	h, c, _ := newTestHCI(t)
	assert.True(t, blepm.Is(h.CreateAdvertisingSet(maxAdvHandle+1), blepm.ErrInvalidParam))
	assert.True(t, blepm.Is(h.CreateAdvertisingSet(-1), blepm.ErrInvalidParam))

	require.NoError(t, h.CreateAdvertisingSet(3))
	assert.True(t, blepm.Is(h.CreateAdvertisingSet(3), blepm.ErrInvalidState))

	// never configured on the controller
	c.setStatus(opLERemoveAdvertisingSet, uint8(ErrUnknownAdvIdentifier))
	require.NoError(t, h.RemoveAdvertisingSet(3))
	assert.Equal(t, []byte{3}, c.last(opLERemoveAdvertisingSet))
	require.NoError(t, h.CreateAdvertisingSet(3))
}

func TestDisconnectUsesCommandStatus(t *testing.T) {
	h, c, _ := newTestHCI(t)
	require.NoError(t, h.Disconnect(0x0040, blepm.StatusRemoteUserTerm))
	assert.Equal(t, []byte{0x40, 0x00, 0x13}, c.last(opDisconnect))

	c.setStatus(opDisconnect, uint8(ErrConnID))
	assert.Equal(t, ErrConnID, errors.Cause(h.Disconnect(0x0041, blepm.StatusRemoteUserTerm)))
}

func TestConnParamCommands(t *testing.T) {
	h, c, _ := newTestHCI(t)
	p := blepm.ConnParams{IntervalMin: 24, IntervalMax: 40, Latency: 1, SupervisionTimeout: 400}
	fields := []byte{0x40, 0x00, 24, 0, 40, 0, 1, 0, 0x90, 0x01, 0, 0, 0, 0}

	require.NoError(t, h.UpdateConnParams(0x0040, p))
	assert.Equal(t, fields, c.last(opLEConnectionUpdate))

	require.NoError(t, h.RespondConnParamRequest(0x0040, p, true))
	assert.Equal(t, fields, c.last(opLERemoteConnParamRequestReply))

	require.NoError(t, h.RespondConnParamRequest(0x0040, p, false))
	assert.Equal(t, []byte{0x40, 0x00, 0x3b}, c.last(opLERemoteConnParamRequestNegReply))
}

func TestConnectionEvents(t *testing.T) {
	_, c, r := newTestHCI(t)

	c.event(0x3e,
		0x01,       // LE connection complete
		0x00,       // status
		0x40, 0x00, // handle
		roleSlave,
		0x01, // random
		0x9a, 0x78, 0x56, 0x34, 0x12, 0xc4,
		0x18, 0x00, // interval
		0x00, 0x00, // latency
		0x48, 0x00, // supervision timeout
		0x00,
	)
	assert.Eventually(t, func() bool {
		for _, ev := range r.events() {
			if cc, ok := ev.(blepm.ConnectionComplete); ok {
				return cc.Connection == 0x0040 &&
					cc.Peer.String() == "c4:12:34:56:78:9a" &&
					cc.AdvSet == -1 &&
					cc.Params == blepm.ConnParams{IntervalMin: 24, IntervalMax: 24, SupervisionTimeout: 72}
			}
		}
		return false
	}, waitFor, tick)

	c.event(0x3e, 0x12, 0x00, 0x01, 0x40, 0x00, 0x00)
	r.waitFor(t, blepm.AdvertisingTerminated{Set: 1, Connection: 0x0040})

	c.event(0x3e, 0x03, 0x00, 0x40, 0x00, 0x28, 0x00, 0x00, 0x00, 0x90, 0x01)
	r.waitFor(t, blepm.ConnParamUpdated{
		Connection: 0x0040,
		Params:     blepm.ConnParams{IntervalMin: 40, IntervalMax: 40, SupervisionTimeout: 400},
	})

	c.event(0x3e, 0x06, 0x40, 0x00, 0x18, 0x00, 0x28, 0x00, 0x00, 0x00, 0x90, 0x01)
	r.waitFor(t, blepm.ConnParamRequest{
		Connection: 0x0040,
		Params:     blepm.ConnParams{IntervalMin: 24, IntervalMax: 40, SupervisionTimeout: 400},
	})

	c.event(0x05, 0x00, 0x40, 0x00, 0x13)
	r.waitFor(t, blepm.DisconnectionComplete{Connection: 0x0040, Reason: 0x13})
}

func TestAdvertisingTimeoutIsStopped(t *testing.T) {
	_, c, r := newTestHCI(t)
	c.event(0x3e, 0x12, uint8(ErrAdvTimeout), 0x02, 0x00, 0x00, 0x00)
	r.waitFor(t, blepm.AdvertisingStopped{Set: 2})
}

func TestCentralConnectionIgnored(t *testing.T) {
	_, c, r := newTestHCI(t)
	c.event(0x3e,
		0x01, 0x00, 0x41, 0x00, roleMaster, 0x00,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
		0x18, 0x00, 0x00, 0x00, 0x48, 0x00, 0x00,
	)
	// an event after it proves the first one was processed
	c.event(0x05, 0x00, 0x41, 0x00, 0x08)
	r.waitFor(t, blepm.DisconnectionComplete{Connection: 0x0041, Reason: 0x08})
	for _, ev := range r.events() {
		_, ok := ev.(blepm.ConnectionComplete)
		assert.False(t, ok)
	}
}

func TestMalformedEventsSkipped(t *testing.T) {
	_, c, r := newTestHCI(t)
	c.event(0x3e, 0x01, 0x00, 0x40)
	c.event(0x3e, 0x12)
	c.event(0x05, 0x00, 0x40, 0x00, 0x16)
	r.waitFor(t, blepm.DisconnectionComplete{Connection: 0x0040, Reason: 0x16})
}

func TestResolvablePrivateAddress(t *testing.T) {
	h, c, _ := newTestHCI(t)
	c.setReturn(opLEReadLocalResolvableAddress, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x46})
	a, err := h.ResolvablePrivateAddress()
	require.NoError(t, err)
	assert.Equal(t, "46:05:04:03:02:01", a.String())
	assert.Equal(t, 0, c.count(opReadBDADDR))

	c.setReturn(opLEReadLocalResolvableAddress, make([]byte, 6))
	c.setReturn(opReadBDADDR, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	a, err = h.ResolvablePrivateAddress()
	require.NoError(t, err)
	assert.Equal(t, "ff:ee:dd:cc:bb:aa", a.String())
}

func TestAttributeOperationsUnsupported(t *testing.T) {
	h, _, _ := newTestHCI(t)
	assert.True(t, blepm.Is(h.Indicate(0x40, 0x12, []byte{1}), blepm.ErrUnsupported))
	assert.True(t, blepm.Is(h.RespondRead(0x40, 0x12, []byte{1}), blepm.ErrUnsupported))
}

func TestBreakerOpensOnUnresponsiveController(t *testing.T) {
	h, c, _ := newTestHCI(t)
	require.NoError(t, h.SetCommandTimeout(50*time.Millisecond))
	require.NoError(t, h.SetBreaker(2, time.Minute))

	c.setSilent(opLESetExtendedAdvertisingEnable)
	for i := 0; i < 2; i++ {
		err := h.EnableAdvertising(0)
		require.Error(t, err)
		assert.False(t, blepm.Is(err, blepm.ErrTransportRejected))
	}

	err := h.EnableAdvertising(0)
	assert.True(t, blepm.Is(err, blepm.ErrTransportRejected))
	assert.Equal(t, 2, c.count(opLESetExtendedAdvertisingEnable))

	// the whole command path is open, not just the failing opcode
	assert.True(t, blepm.Is(h.DisableAdvertising(0), blepm.ErrTransportRejected))
}

func TestBreakerIgnoresControllerStatus(t *testing.T) {
	h, c, _ := newTestHCI(t)
	require.NoError(t, h.SetBreaker(2, time.Minute))

	c.setStatus(opLESetExtendedAdvertisingEnable, uint8(ErrInvalidParams))
	for i := 0; i < 4; i++ {
		assert.Equal(t, ErrInvalidParams, errors.Cause(h.EnableAdvertising(0)))
	}
	assert.Equal(t, 4, c.count(opLESetExtendedAdvertisingEnable))
}

func TestClosedHCI(t *testing.T) {
	h, _, _ := newTestHCI(t)
	require.NoError(t, h.Close())
	assert.True(t, blepm.Is(h.EnableAdvertising(0), blepm.ErrClosed))
}

func TestOptionValidation(t *testing.T) {
	h := New(nil)
	assert.Error(t, h.SetCommandTimeout(0))
	assert.Error(t, h.SetBreaker(0, time.Second))
}
