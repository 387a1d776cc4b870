package peripheral

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/rigado/blepm/adv"
	"github.com/rigado/blepm/radio/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	addr1 = blepm.NewAddr("4a:01:02:03:04:05")
	addr2 = blepm.NewAddr("5b:0a:0b:0c:0d:0e")
	peer  = blepm.NewAddr("c4:7c:8d:6a:12:34")

	linkParams = blepm.ConnParams{IntervalMin: 6, IntervalMax: 6, SupervisionTimeout: 100}
)

type harness struct {
	t *testing.T
	r *fake.Radio
	m *Manager

	mu     sync.Mutex
	events []blepm.Event
}

// newHarness starts a manager on a fake radio. The dispatcher stops when the test ends.
func newHarness(t *testing.T, opts ...blepm.Option) *harness {
	t.Helper()
	h := &harness{t: t, r: fake.New()}
	h.r.SetAddress(addr1)

	m, err := New(h.r, h.record, opts...)
	require.NoError(t, err)
	h.m = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) record(_ context.Context, ev blepm.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *harness) eventsOf(kind string) []blepm.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []blepm.Event
	for _, ev := range h.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) inject(ev blepm.StackEvent) {
	h.t.Helper()
	require.NoError(h.t, h.r.Inject(ev))
}

// sync returns once the stack events injected so far were dispatched.
func (h *harness) sync() {
	h.t.Helper()
	_, err := h.m.IdentitySet(context.Background())
	require.NoError(h.t, err)
}

// ready brings the stack up and returns the identity set index.
func (h *harness) ready() int {
	h.t.Helper()
	h.inject(blepm.StackReady{})
	idx, err := h.m.IdentitySet(context.Background())
	require.NoError(h.t, err)
	require.GreaterOrEqual(h.t, idx, 0)
	return idx
}

func (h *harness) advertising(idx int) bool {
	s, ok := h.r.Set(idx)
	return ok && s.Enabled
}

func (h *harness) waitAdvertising(idx int, on bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.advertising(idx) == on }, waitFor, tick)
}

// connect plays what a controller reports when the identity set produces a link.
func (h *harness) connect(c blepm.ConnHandle) {
	h.t.Helper()
	h.r.StopSet(0)
	h.inject(blepm.AdvertisingTerminated{Set: 0, Connection: c})
	h.inject(blepm.ConnectionComplete{Connection: c, Peer: peer, AdvSet: 0, Params: linkParams})
	h.sync()
}

func TestAdvertisingEnableDisable(t *testing.T) {
	h := newHarness(t)
	idx := h.ready()
	ctx := context.Background()

	assert.False(t, h.advertising(idx))

	require.NoError(t, h.m.SetAdvertisingEnabled(ctx, true))
	h.waitAdvertising(idx, true)

	info, err := h.m.AdvertisingSet(ctx, idx)
	require.NoError(t, err)
	assert.True(t, info.Identity)
	assert.True(t, info.Connectable)
	assert.True(t, info.State.Has(StateEnabled|StateAdvertising|StateFastMode), "state %s", info.State)

	err = h.m.SetAdvertisingEnabled(ctx, true)
	assert.True(t, blepm.Is(err, blepm.ErrInvalidState), "got %v", err)

	require.NoError(t, h.m.SetAdvertisingEnabled(ctx, false))
	h.waitAdvertising(idx, false)
	info, err = h.m.AdvertisingSet(ctx, idx)
	require.NoError(t, err)
	assert.False(t, info.State.Has(StateEnabled))
	assert.False(t, info.State.Has(StateAdvertising))

	// disabling twice is harmless
	require.NoError(t, h.m.SetAdvertisingEnabled(ctx, false))
}

func TestAdvertisingEnabledBeforeReady(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.SetAdvertisingEnabled(context.Background(), true))

	idx, err := h.m.IdentitySet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, idx)

	idx = h.ready()
	h.waitAdvertising(idx, true)
}

func TestIdentityPayload(t *testing.T) {
	h := newHarness(t, blepm.OptAdvertiseOnStart(true))
	idx := h.ready()
	h.waitAdvertising(idx, true)

	s, _ := h.r.Set(idx)
	require.Equal(t, 1, s.DataLoads)
	p, err := adv.Decode(s.AdvData)
	require.NoError(t, err)
	assert.Equal(t, "BLEPM", p.LocalName())
	assert.True(t, p.Discoverable())
	if assert.Len(t, p.UUIDs(), 1) {
		assert.True(t, p.UUIDs()[0].Equal(blepm.UUID16(0xfff6)))
	}
}

func TestSetDeviceName(t *testing.T) {
	h := newHarness(t, blepm.OptAdvertiseOnStart(true))
	idx := h.ready()
	h.waitAdvertising(idx, true)
	ctx := context.Background()

	require.NoError(t, h.m.SetDeviceName(ctx, "TEST1234"))
	assert.Equal(t, "TEST1234", h.m.DeviceName())

	require.Eventually(t, func() bool {
		s, _ := h.r.Set(idx)
		return s.DataLoads == 2 && s.Enabled
	}, waitFor, tick)

	// no further reloads for a single rename
	time.Sleep(50 * time.Millisecond)
	s, _ := h.r.Set(idx)
	assert.Equal(t, 2, s.DataLoads)
	p, err := adv.Decode(s.AdvData)
	require.NoError(t, err)
	assert.Equal(t, "TEST1234", p.LocalName())

	err = h.m.SetDeviceName(ctx, "a device name that is far too long for the payload")
	assert.True(t, blepm.Is(err, blepm.ErrInvalidParam), "got %v", err)
	assert.Equal(t, "TEST1234", h.m.DeviceName())
}

func TestFastThenSlowThenTimeout(t *testing.T) {
	h := newHarness(t,
		blepm.OptAdvertiseOnStart(true),
		blepm.OptFastAdvTimeout(60*time.Millisecond),
		blepm.OptAdvTimeout(300*time.Millisecond),
	)
	idx := h.ready()

	require.Eventually(t, func() bool {
		s, _ := h.r.Set(idx)
		return s.Enabled && s.Params.IntervalMin == 32 && s.Params.IntervalMax == 96
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		s, _ := h.r.Set(idx)
		return s.Enabled && s.Params.IntervalMin == 1920 && s.Params.IntervalMax == 2400
	}, waitFor, tick)

	h.waitAdvertising(idx, false)
	info, err := h.m.AdvertisingSet(context.Background(), idx)
	require.NoError(t, err)
	assert.False(t, info.State.Has(StateEnabled))
}

func TestAdvertisingMode(t *testing.T) {
	h := newHarness(t, blepm.OptAdvertiseOnStart(true))
	idx := h.ready()
	ctx := context.Background()
	h.waitAdvertising(idx, true)

	require.NoError(t, h.m.SetAdvertisingMode(ctx, ModeSlow))
	require.Eventually(t, func() bool {
		s, _ := h.r.Set(idx)
		return s.Enabled && s.Params.IntervalMin == 1920
	}, waitFor, tick)

	require.NoError(t, h.m.SetAdvertisingMode(ctx, ModeFast))
	require.Eventually(t, func() bool {
		s, _ := h.r.Set(idx)
		return s.Enabled && s.Params.IntervalMin == 32
	}, waitFor, tick)
}

func TestConnectableRestrictedAtCapacity(t *testing.T) {
	h := newHarness(t,
		blepm.OptAdvertiseOnStart(true),
		blepm.OptMaxConnections(1),
	)
	idx := h.ready()
	h.waitAdvertising(idx, true)

	h.connect(1)
	assert.Equal(t, 1, h.m.NumConnections())
	require.Eventually(t, func() bool {
		s, _ := h.r.Set(idx)
		return s.Enabled && !s.Params.Properties.Connectable && s.Params.Properties.Scannable
	}, waitFor, tick)

	// a link that arrives anyway is turned away
	h.inject(blepm.ConnectionComplete{Connection: 2, Peer: peer, Params: linkParams})
	h.sync()
	assert.Equal(t, 1, h.m.NumConnections())
	assert.Contains(t, h.r.Disconnects(), fake.Disconnect{Connection: 2, Reason: reasonLowResources})

	h.inject(blepm.DisconnectionComplete{Connection: 1, Reason: blepm.StatusRemoteUserTerm})
	h.sync()
	assert.Equal(t, 0, h.m.NumConnections())
	require.Eventually(t, func() bool {
		s, _ := h.r.Set(idx)
		return s.Enabled && s.Params.Properties.Connectable && s.Params.IntervalMin == 32
	}, waitFor, tick)

	errs := h.eventsOf("connection-error")
	if assert.Len(t, errs, 1) {
		ce := errs[0].(blepm.ConnectionError)
		assert.Equal(t, blepm.ConnHandle(1), ce.Connection)
		assert.Equal(t, blepm.ReasonRemoteDisconnected, ce.Reason)
		assert.Equal(t, blepm.StatusRemoteUserTerm, ce.HCIReason)
	}

	// a second disconnection report for the same link changes nothing
	h.inject(blepm.DisconnectionComplete{Connection: 1, Reason: blepm.StatusRemoteUserTerm})
	h.sync()
	assert.Len(t, h.eventsOf("connection-error"), 1)
}

// A controller reports the connection before the termination of the set that
// produced it; by then the set was already restarted non-connectable.
func TestConnectionBeforeAdvertisingTerminated(t *testing.T) {
	h := newHarness(t,
		blepm.OptAdvertiseOnStart(true),
		blepm.OptMaxConnections(1),
	)
	idx := h.ready()
	h.waitAdvertising(idx, true)

	h.r.StopSet(idx)
	h.inject(blepm.ConnectionComplete{Connection: 1, Peer: peer, AdvSet: -1, Params: linkParams})
	h.inject(blepm.AdvertisingTerminated{Set: idx, Connection: 1})
	h.sync()

	require.Eventually(t, func() bool {
		s, _ := h.r.Set(idx)
		return s.Enabled && !s.Params.Properties.Connectable
	}, waitFor, tick)
	info, err := h.m.AdvertisingSet(context.Background(), idx)
	require.NoError(t, err)
	assert.True(t, info.State.Has(StateEnabled|StateAdvertising), "state %s", info.State)

	h.inject(blepm.DisconnectionComplete{Connection: 1, Reason: blepm.StatusRemoteUserTerm})
	h.sync()
	require.Eventually(t, func() bool {
		s, _ := h.r.Set(idx)
		return s.Enabled && s.Params.Properties.Connectable
	}, waitFor, tick)
}

func TestBusyDisableRetried(t *testing.T) {
	h := newHarness(t,
		blepm.OptAdvertiseOnStart(true),
		blepm.OptParamUpdateRetryDelay(20*time.Millisecond),
	)
	idx := h.ready()
	h.waitAdvertising(idx, true)
	params := h.r.Calls(fake.OpSetParams)

	h.r.Busy(fake.OpDisable, 1)
	require.NoError(t, h.m.SetAdvertisingMode(context.Background(), ModeSlow))

	require.Eventually(t, func() bool {
		s, _ := h.r.Set(idx)
		return s.Enabled && s.Params.IntervalMin == 1920
	}, waitFor, tick)
	assert.Equal(t, 2, h.r.Calls(fake.OpDisable))
	// parameters are only written once the set is stopped
	assert.Equal(t, params+1, h.r.Calls(fake.OpSetParams))
}

func TestWriteDeliversData(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.connect(1)

	var released atomic.Int32
	data := bytes.Repeat([]byte{0xa5}, 200)
	buf := append([]byte(nil), data...)
	h.inject(blepm.AttWrite{Connection: 1, Attr: 0x0010, Data: buf, Release: func() { released.Add(1) }})

	require.Eventually(t, func() bool { return len(h.eventsOf("data")) == 1 }, waitFor, tick)
	assert.EqualValues(t, 1, released.Load())

	// the producer's buffer may be reused once released
	for i := range buf {
		buf[i] = 0
	}
	ev := h.eventsOf("data")[0].(blepm.DataReceived)
	assert.Equal(t, blepm.ConnHandle(1), ev.Connection)
	assert.Equal(t, data, ev.Data)

	h.inject(blepm.AttWrite{Connection: 1, Attr: 0x0010, Data: make([]byte, 245), Release: func() { released.Add(1) }})
	h.inject(blepm.AttWrite{Connection: 9, Attr: 0x0010, Data: []byte{1}, Release: func() { released.Add(1) }})
	h.sync()
	assert.EqualValues(t, 3, released.Load())
	assert.Len(t, h.eventsOf("data"), 1)
}

func TestParamUpdateDeferred(t *testing.T) {
	h := newHarness(t, blepm.OptParamUpdateDelay(150*time.Millisecond))
	h.ready()
	h.connect(1)

	assert.Never(t, func() bool { return len(h.r.ParamUpdates()) > 0 }, 80*time.Millisecond, tick)
	require.Eventually(t, func() bool { return len(h.r.ParamUpdates()) == 1 }, waitFor, tick)
	assert.Equal(t, fake.ParamUpdate{Connection: 1, Params: DefaultConnParams}, h.r.ParamUpdates()[0])

	require.NoError(t, h.r.CompleteUpdate(1, blepm.StatusSuccess, DefaultConnParams))
	h.sync()
	info, err := h.m.ConnectionInfo(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, DefaultConnParams, info.Params)
}

func TestParamUpdateCancelledByDisconnect(t *testing.T) {
	h := newHarness(t, blepm.OptParamUpdateDelay(100*time.Millisecond))
	h.ready()
	h.connect(1)
	h.inject(blepm.DisconnectionComplete{Connection: 1, Reason: blepm.StatusRemoteUserTerm})
	h.sync()

	time.Sleep(250 * time.Millisecond)
	assert.Empty(t, h.r.ParamUpdates())
}

func TestParamUpdatesSerialized(t *testing.T) {
	h := newHarness(t,
		blepm.OptMaxConnections(3),
		blepm.OptParamUpdateDelay(10*time.Millisecond),
	)
	h.ready()
	for _, c := range []blepm.ConnHandle{1, 2, 3} {
		h.connect(c)
	}

	require.Eventually(t, func() bool { return len(h.r.ParamUpdates()) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, h.r.ParamUpdates(), 1)

	for n := 1; n <= 3; n++ {
		c := h.r.ParamUpdates()[n-1].Connection
		require.NoError(t, h.r.CompleteUpdate(c, blepm.StatusSuccess, DefaultConnParams))
		if n < 3 {
			require.Eventually(t, func() bool { return len(h.r.ParamUpdates()) == n+1 }, waitFor, tick)
		}
	}
	assert.Equal(t, 1, h.r.MaxInFlight())
}

func TestParamUpdateFailureReported(t *testing.T) {
	h := newHarness(t, blepm.OptParamUpdateDelay(10*time.Millisecond))
	h.r.Fail(fake.OpUpdateParams, errors.New("unknown connection identifier"))
	h.ready()
	h.connect(1)

	require.Eventually(t, func() bool { return len(h.eventsOf("connection-error")) == 1 }, waitFor, tick)
	ce := h.eventsOf("connection-error")[0].(blepm.ConnectionError)
	assert.Equal(t, blepm.ReasonAborted, ce.Reason)
	assert.Error(t, ce.Err)
	assert.Equal(t, 1, h.m.NumConnections())
}

func TestConnParamRequest(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.connect(1)

	bad := blepm.ConnParams{IntervalMin: 40, IntervalMax: 24, SupervisionTimeout: 400}
	h.inject(blepm.ConnParamRequest{Connection: 1, Params: DefaultConnParams})
	h.inject(blepm.ConnParamRequest{Connection: 1, Params: bad})
	h.sync()

	assert.Equal(t, []fake.ParamResponse{
		{Connection: 1, Params: DefaultConnParams, Accept: true},
		{Connection: 1, Params: bad, Accept: false},
	}, h.r.ParamResponses())
}

func TestSubscribeAndIndicate(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.connect(1)
	ctx := context.Background()

	err := h.m.SendIndication(ctx, 1, []byte("hello"))
	assert.True(t, blepm.Is(err, blepm.ErrInvalidState), "got %v", err)

	h.inject(blepm.CCCDWrite{Connection: 1, Attr: 0x0012, Value: cccdIndicate})
	h.inject(blepm.CCCDWrite{Connection: 1, Attr: 0x0012, Value: cccdIndicate})
	h.sync()
	assert.Len(t, h.eventsOf("subscribed"), 1)

	require.NoError(t, h.m.SendIndication(ctx, 1, make([]byte, DefaultMTU-3)))
	err = h.m.SendIndication(ctx, 1, make([]byte, DefaultMTU-2))
	assert.True(t, blepm.Is(err, blepm.ErrInvalidParam), "got %v", err)

	h.inject(blepm.MTUExchanged{Connection: 1, MTU: 100})
	h.sync()
	require.NoError(t, h.m.SendIndication(ctx, 1, make([]byte, 97)))
	assert.Len(t, h.r.Indications(), 2)
	assert.Equal(t, uint16(0x0012), h.r.Indications()[0].Attr)

	err = h.m.SendIndication(ctx, 7, []byte("x"))
	assert.True(t, blepm.Is(err, blepm.ErrInvalidState), "got %v", err)

	h.inject(blepm.CCCDWrite{Connection: 1, Attr: 0x0012, Value: 0})
	h.sync()
	assert.Len(t, h.eventsOf("unsubscribed"), 1)
}

func TestIndicationConfirmAttribution(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.connect(1)
	h.connect(2)

	h.inject(blepm.CCCDWrite{Connection: 2, Attr: 0x0012, Value: cccdIndicate})
	h.inject(blepm.CCCDWrite{Connection: 1, Attr: 0x0012, Value: cccdIndicate})
	h.inject(blepm.IndicationConfirm{Connection: 2, Attr: 0x0012})
	h.inject(blepm.IndicationConfirm{Connection: blepm.InvalidConn, Attr: 0x0012})
	// a reported link keeps the confirmation even once it unsubscribed
	h.inject(blepm.CCCDWrite{Connection: 2, Attr: 0x0012, Value: 0})
	h.inject(blepm.IndicationConfirm{Connection: 2, Attr: 0x0012})
	h.inject(blepm.IndicationConfirm{Connection: 9, Attr: 0x0012})
	h.sync()

	confirms := h.eventsOf("indication-confirmed")
	require.Len(t, confirms, 3)
	assert.Equal(t, blepm.ConnHandle(2), confirms[0].Conn())
	assert.Equal(t, blepm.ConnHandle(1), confirms[1].Conn())
	assert.Equal(t, blepm.ConnHandle(2), confirms[2].Conn())
}

func TestConnectionInfo(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.connect(1)
	ctx := context.Background()

	h.inject(blepm.MTUExchanged{Connection: 1, MTU: 185})
	h.inject(blepm.RSSIRead{Connection: 1, RSSI: -40})
	h.inject(blepm.RSSIRead{Connection: 1, RSSI: -60})
	h.sync()

	mtu, err := h.m.GetMTU(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 185, mtu)

	info, err := h.m.ConnectionInfo(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, peer.String(), info.Peer.String())
	assert.Equal(t, -50, info.RSSI)
	assert.Equal(t, 2, info.RSSISamples)
	assert.Equal(t, Unsubscribed, info.Mode)
	assert.Equal(t, linkParams, info.Params)

	_, err = h.m.GetMTU(ctx, 3)
	assert.True(t, blepm.Is(err, blepm.ErrInvalidState), "got %v", err)
}

func TestCloseConnection(t *testing.T) {
	h := newHarness(t)
	h.r.AutoComplete = true
	h.ready()
	h.connect(1)
	ctx := context.Background()

	require.NoError(t, h.m.CloseConnection(ctx, 1))
	assert.Equal(t, []fake.Disconnect{{Connection: 1, Reason: blepm.StatusRemoteUserTerm}}, h.r.Disconnects())

	require.Eventually(t, func() bool { return h.m.NumConnections() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.eventsOf("connection-error")) == 1 }, waitFor, tick)
	assert.Equal(t, blepm.ReasonLocalClosed, h.eventsOf("connection-error")[0].(blepm.ConnectionError).Reason)

	err := h.m.CloseConnection(ctx, 1)
	assert.True(t, blepm.Is(err, blepm.ErrInvalidState), "got %v", err)
}

func TestAdvertisingSets(t *testing.T) {
	h := newHarness(t, blepm.OptMaxAdvertisingSets(2))
	id := h.ready()
	require.Equal(t, 0, id)
	ctx := context.Background()

	p, err := adv.NewPacket(adv.Flags(adv.FlagGeneralDiscoverable|adv.FlagLEOnly), adv.ManufacturerData(0x0059, []byte{1, 2}))
	require.NoError(t, err)
	cfg := AdvSetConfig{
		FastIntervalMin: 160,
		FastIntervalMax: 160,
		SlowIntervalMin: 1600,
		SlowIntervalMax: 1600,
		AdvData:         p.Bytes(),
	}

	idx, err := h.m.CreateOrUpdateAdvertisingSet(ctx, AutoIndex, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	_, err = h.m.CreateOrUpdateAdvertisingSet(ctx, AutoIndex, cfg)
	assert.True(t, blepm.Is(err, blepm.ErrResourceExhausted), "got %v", err)
	_, err = h.m.CreateOrUpdateAdvertisingSet(ctx, 5, cfg)
	assert.True(t, blepm.Is(err, blepm.ErrInvalidParam), "got %v", err)

	bad := cfg
	bad.FastIntervalMin = 0x10
	_, err = h.m.CreateOrUpdateAdvertisingSet(ctx, 1, bad)
	assert.True(t, blepm.Is(err, blepm.ErrInvalidParam), "got %v", err)

	require.NoError(t, h.m.SetAdvertisingSetEnabled(ctx, idx, true))
	h.waitAdvertising(idx, true)
	s, _ := h.r.Set(idx)
	assert.Equal(t, p.Bytes(), s.AdvData)
	assert.False(t, s.Params.Properties.Connectable)

	cfg.AdvData = nil
	again, err := h.m.CreateOrUpdateAdvertisingSet(ctx, idx, cfg)
	require.NoError(t, err)
	assert.Equal(t, idx, again)
	require.Eventually(t, func() bool {
		s, _ := h.r.Set(idx)
		return s.Enabled && s.DataLoads == 2 && len(s.AdvData) == 0
	}, waitFor, tick)

	require.NoError(t, h.m.RemoveAdvertisingSet(ctx, idx))
	_, ok := h.r.Set(idx)
	assert.False(t, ok)
	err = h.m.RemoveAdvertisingSet(ctx, idx)
	assert.True(t, blepm.Is(err, blepm.ErrNotFound), "got %v", err)
	err = h.m.SetAdvertisingSetEnabled(ctx, idx, true)
	assert.True(t, blepm.Is(err, blepm.ErrInvalidState), "got %v", err)
}

func TestBusyRadioRetried(t *testing.T) {
	h := newHarness(t,
		blepm.OptAdvertiseOnStart(true),
		blepm.OptParamUpdateRetryDelay(20*time.Millisecond),
	)
	h.r.Busy(fake.OpEnable, 2)
	idx := h.ready()

	h.waitAdvertising(idx, true)
	assert.Equal(t, 3, h.r.Calls(fake.OpEnable))
}

func TestGenericCharacteristic(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.connect(1)
	ctx := context.Background()

	writes := make(chan []byte, 1)
	subs := make(chan bool, 1)
	require.NoError(t, h.m.RegisterCharacteristic(ctx, 0x0020, Characteristic{
		OnWrite:     func(_ context.Context, _ blepm.ConnHandle, b []byte) { writes <- b },
		OnRead:      func(context.Context, blepm.ConnHandle, uint16) []byte { return []byte("abc") },
		OnSubscribe: func(_ context.Context, _ blepm.ConnHandle, on bool) { subs <- on },
	}))

	err := h.m.RegisterCharacteristic(ctx, 0x0020, Characteristic{})
	assert.True(t, blepm.Is(err, blepm.ErrInvalidState), "got %v", err)
	err = h.m.RegisterCharacteristic(ctx, 0x0010, Characteristic{})
	assert.True(t, blepm.Is(err, blepm.ErrInvalidParam), "got %v", err)

	h.inject(blepm.AttWrite{Connection: 1, Attr: 0x0020, Data: []byte{9, 8}})
	select {
	case b := <-writes:
		assert.Equal(t, []byte{9, 8}, b)
	case <-time.After(waitFor):
		t.Fatal("write handler not called")
	}

	h.inject(blepm.CCCDWrite{Connection: 1, Attr: 0x0020, Value: cccdNotify})
	select {
	case on := <-subs:
		assert.True(t, on)
	case <-time.After(waitFor):
		t.Fatal("subscribe handler not called")
	}

	h.inject(blepm.AttRead{Connection: 1, Attr: 0x0020})
	h.inject(blepm.AttRead{Connection: 1, Attr: 0x0030})
	require.Eventually(t, func() bool { return len(h.r.ReadResponses()) == 2 }, waitFor, tick)
	for _, rr := range h.r.ReadResponses() {
		if rr.Attr == 0x0020 {
			assert.Equal(t, []byte("abc"), rr.Data)
		} else {
			assert.Empty(t, rr.Data)
		}
	}

	// no transport events for a generic characteristic
	assert.Empty(t, h.eventsOf("data"))
	assert.Empty(t, h.eventsOf("subscribed"))

	require.NoError(t, h.m.IndicateCharacteristic(ctx, 1, 0x0020, []byte{1}))
	err = h.m.IndicateCharacteristic(ctx, 1, 0x0040, []byte{1})
	assert.True(t, blepm.Is(err, blepm.ErrNotFound), "got %v", err)
}

func TestCentralOperationsUnsupported(t *testing.T) {
	h := newHarness(t)
	svc, chr := blepm.UUID16(0x180d), blepm.UUID16(0x2a37)

	for _, err := range []error{
		h.m.SubscribeCharacteristic(1, svc, chr),
		h.m.UnsubscribeCharacteristic(1, svc, chr),
		h.m.SendWriteRequest(1, svc, chr, []byte{1}),
		h.m.SendReadRequest(1, svc, chr),
	} {
		assert.True(t, blepm.Is(err, blepm.ErrUnsupported), "got %v", err)
	}
}

func TestScheduleWork(t *testing.T) {
	h := newHarness(t)
	h.ready()

	got := make(chan int, 1)
	require.NoError(t, h.m.ScheduleWork(func(ctx context.Context) {
		// API calls made on the dispatcher run inline
		idx, err := h.m.IdentitySet(ctx)
		if err != nil {
			idx = -2
		}
		got <- idx
	}))

	select {
	case idx := <-got:
		assert.Equal(t, 0, idx)
	case <-time.After(waitFor):
		t.Fatal("scheduled work did not run")
	}

	err := h.m.ScheduleWork(nil)
	assert.True(t, blepm.Is(err, blepm.ErrInvalidParam), "got %v", err)
}

func TestPairingEventsForwarded(t *testing.T) {
	got := make(chan blepm.StackEvent, 1)
	h := newHarness(t, blepm.OptPairingHandler(func(ev blepm.StackEvent) { got <- ev }))
	h.inject(blepm.PasskeyDisplay{Connection: 1, Passkey: 123456})

	select {
	case ev := <-got:
		assert.Equal(t, blepm.PasskeyDisplay{Connection: 1, Passkey: 123456}, ev)
	case <-time.After(waitFor):
		t.Fatal("pairing handler not called")
	}
}

func TestPanicRecovered(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	h := newHarness(t, blepm.OptTracerProvider(tp))

	require.NoError(t, h.m.ScheduleWork(func(context.Context) { panic("boom") }))
	h.sync()

	require.Eventually(t, func() bool {
		for _, s := range rec.Ended() {
			if s.Status().Code == codes.Error {
				return true
			}
		}
		return false
	}, waitFor, tick)

	found := false
	for _, s := range rec.Ended() {
		if s.Status().Code != codes.Error {
			continue
		}
		assert.Equal(t, "blepm.dispatch", s.Name())
		for _, kv := range s.Attributes() {
			if string(kv.Key) == "blepm.message" {
				assert.Equal(t, "deferred-call", kv.Value.AsString())
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestAddressRefresh(t *testing.T) {
	h := newHarness(t, blepm.OptRPARefreshInterval(30*time.Millisecond))
	h.ready()
	require.NotNil(t, h.m.Address())
	assert.Equal(t, addr1.String(), h.m.Address().String())

	h.r.SetAddress(addr2)
	require.Eventually(t, func() bool { return h.m.Address().String() == addr2.String() }, waitFor, tick)
}

func TestHandlerCallsManager(t *testing.T) {
	r := fake.New()
	var m *Manager
	got := make(chan error, 1)
	handler := func(ctx context.Context, ev blepm.Event) {
		d, ok := ev.(blepm.DataReceived)
		if !ok {
			return
		}
		mtu, err := m.GetMTU(ctx, d.Connection)
		if err == nil && mtu != DefaultMTU {
			err = errors.Errorf("mtu %d", mtu)
		}
		if err == nil {
			err = m.SendIndication(ctx, d.Connection, d.Data)
		}
		got <- err
	}
	m, err := New(r, handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, r.Inject(blepm.StackReady{}))
	require.NoError(t, r.Inject(blepm.ConnectionComplete{Connection: 1, Peer: peer, AdvSet: -1, Params: linkParams}))
	require.NoError(t, r.Inject(blepm.CCCDWrite{Connection: 1, Attr: 0x0012, Value: cccdIndicate}))
	require.NoError(t, r.Inject(blepm.AttWrite{Connection: 1, Attr: 0x0010, Data: []byte("ping")}))

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("event handler blocked calling the manager")
	}
	require.Len(t, r.Indications(), 1)
	assert.Equal(t, []byte("ping"), r.Indications()[0].Data)

	_, err = m.IdentitySet(context.Background())
	assert.NoError(t, err)
}

func TestDispatchOrder(t *testing.T) {
	r := fake.New()
	var mu sync.Mutex
	var order []string
	add := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	m, err := New(r, func(_ context.Context, ev blepm.Event) {
		if d, ok := ev.(blepm.DataReceived); ok {
			add(string(d.Data))
		}
	}, blepm.OptEventQueueSize(8), blepm.OptMaxStackEventsPerPass(2))
	require.NoError(t, err)

	// both queues are full before the dispatcher starts
	require.NoError(t, r.Inject(blepm.ConnectionComplete{Connection: 1, Peer: peer, AdvSet: -1, Params: linkParams}))
	for _, d := range []string{"s1", "s2", "s3", "s4"} {
		require.NoError(t, r.Inject(blepm.AttWrite{Connection: 1, Attr: 0x0010, Data: []byte(d)}))
	}
	for _, d := range []string{"a1", "a2"} {
		d := d
		require.NoError(t, m.ScheduleWork(func(context.Context) { add(d) }))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// a pass takes two stack messages, then the pending application messages
	want := []string{"s1", "a1", "a2", "s2", "s3", "s4"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(want)
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}

func TestRunOnce(t *testing.T) {
	h := newHarness(t)
	err := h.m.Run(context.Background())
	assert.True(t, blepm.Is(err, blepm.ErrInvalidState), "got %v", err)
}

func TestShutdownRemovesSets(t *testing.T) {
	r := fake.New()
	m, err := New(r, nil, blepm.OptAdvertiseOnStart(true))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.NoError(t, r.Inject(blepm.StackReady{}))
	require.Eventually(t, func() bool {
		s, ok := r.Set(0)
		return ok && s.Enabled
	}, waitFor, tick)

	cancel()
	assert.Equal(t, context.Canceled, <-done)
	_, ok := r.Set(0)
	assert.False(t, ok)

	err = m.SetDeviceName(context.Background(), "late")
	assert.Equal(t, blepm.ErrClosed, err)
	assert.Equal(t, blepm.ErrClosed, m.ScheduleWork(func(context.Context) {}))
}

func TestInterruptPostDropsWhenFull(t *testing.T) {
	r := fake.New()
	m, err := New(r, nil,
		blepm.OptEventQueueSize(1),
		blepm.OptInterruptPredicate(func() bool { return true }),
	)
	require.NoError(t, err)
	defer m.Close()

	var released atomic.Int32
	write := blepm.AttWrite{Connection: 1, Attr: 0x0010, Data: []byte{1}, Release: func() { released.Add(1) }}

	require.NoError(t, r.Inject(write))
	err = r.Inject(write)
	assert.True(t, blepm.Is(err, blepm.ErrResourceExhausted), "got %v", err)
	assert.EqualValues(t, 1, released.Load())
	assert.EqualValues(t, 1, m.Dropped())
}

func TestPostTimesOutWhenFull(t *testing.T) {
	r := fake.New()
	m, err := New(r, nil,
		blepm.OptEventQueueSize(1),
		blepm.OptPostTimeout(20*time.Millisecond),
	)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, r.Inject(blepm.StackReady{}))
	start := time.Now()
	err = r.Inject(blepm.StackReady{})
	assert.True(t, blepm.Is(err, blepm.ErrResourceExhausted), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	assert.True(t, blepm.Is(r.Inject(nil), blepm.ErrInvalidParam))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(nil, nil)
	assert.True(t, blepm.Is(err, blepm.ErrInvalidParam), "got %v", err)

	for name, opt := range map[string]blepm.Option{
		"interval":    blepm.OptFastAdvInterval(0x10, 0x20),
		"conn params": blepm.OptConnParams(blepm.ConnParams{IntervalMin: 6, IntervalMax: 6, SupervisionTimeout: 1}),
		"attrs":       blepm.OptTransportAttrs(0x10, 0x10),
		"name":        blepm.OptDeviceName("0123456789abcdef0123456789abcdef!"),
		"uuid":        blepm.OptServiceUUID(blepm.UUID{1, 2, 3}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(fake.New(), nil, opt)
			assert.True(t, blepm.Is(err, blepm.ErrInvalidParam), "got %v", err)
		})
	}
}
