// Package peripheral implements the BLE peripheral connectivity manager: the
// advertising set registry, the connection table, the link parameter update
// coordinator and the characteristic bridge, all owned by one dispatcher
// goroutine that every other context talks to by posting messages.
package peripheral

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/rigado/blepm/slotmap"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

const (
	// MaxDeviceNameLength bounds the identity device name, in bytes.
	MaxDeviceNameLength = 32

	// DefaultMTU is the ATT MTU of a link before an exchange.
	DefaultMTU = 23

	tracerName = "github.com/rigado/blepm/peripheral"
)

var defaultServiceUUID = blepm.UUID16(0xfff6)

// Manager owns advertising, connections and the transport characteristic of
// one peripheral. Create it with New, start the dispatcher with Run.
type Manager struct {
	radio   blepm.Radio
	handler blepm.EventHandler
	id      ulid.ULID
	log     blepm.Logger
	tp      trace.TracerProvider
	tracer  trace.Tracer

	name        string
	svc         blepm.UUID
	fastMin     uint16
	fastMax     uint16
	slowMin     uint16
	slowMax     uint16
	fastTimeout time.Duration
	advTimeout  time.Duration
	advertise   bool
	maxConns    int
	maxSets     int
	maxCharLen  int
	rxAttr      uint16
	txAttr      uint16
	policy      blepm.ConnParams
	updateDelay time.Duration
	retryDelay  time.Duration
	rpaInterval time.Duration
	queueSize   int
	postTimeout time.Duration
	stackBudget int
	inInterrupt func() bool
	pairing     func(blepm.StackEvent)

	stackq    chan message
	appq      chan message
	done      chan struct{}
	closeOnce sync.Once
	running   atomic.Bool

	dropLimiter *rate.Limiter
	dropped     atomic.Uint64

	// owned by the dispatcher goroutine
	sets     *slotmap.Map[advSet]
	identity int
	conns    *connTable
	updates  *paramCoordinator
	chars    map[uint16]*Characteristic
	ready    bool
	sched    *cron.Cron
	advRetry *time.Timer
	// connection sequence, and the sequence of each connection whose
	// advertising termination is still outstanding
	connSeq uint64
	terms   map[blepm.ConnHandle]uint64
	// context of the message being dispatched, handed to the event handler
	dctx context.Context

	// published by the dispatcher for readers on other goroutines
	nameSnap atomic.Pointer[string]
	addrSnap atomic.Pointer[string]
	numConns atomic.Int32
}

// New returns a Manager driving r. Upstream events are passed to h on the
// dispatcher goroutine, together with a context that lets h call the
// Manager's synchronous methods without waiting on itself.
func New(r blepm.Radio, h blepm.EventHandler, opts ...blepm.Option) (*Manager, error) {
	if r == nil {
		return nil, errors.Wrap(blepm.ErrInvalidParam, "nil radio")
	}
	if h == nil {
		h = func(context.Context, blepm.Event) {}
	}

	t := time.Now()
	m := &Manager{
		radio:       r,
		handler:     h,
		id:          ulid.MustNew(ulid.Timestamp(t), ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)),
		tp:          noop.NewTracerProvider(),
		name:        "BLEPM",
		svc:         defaultServiceUUID,
		fastMin:     32,   // 20 ms
		fastMax:     96,   // 60 ms
		slowMin:     1920, // 1.2 s
		slowMax:     2400, // 1.5 s
		fastTimeout: 30 * time.Second,
		advTimeout:  15 * time.Minute,
		maxConns:    2,
		maxSets:     2,
		maxCharLen:  244,
		rxAttr:      0x0010,
		txAttr:      0x0012,
		policy:      DefaultConnParams,
		updateDelay: 5 * time.Second,
		retryDelay:  time.Second,
		rpaInterval: 15 * time.Minute,
		queueSize:   16,
		postTimeout: 100 * time.Millisecond,
		stackBudget: 8,
		inInterrupt: func() bool { return false },
		identity:    -1,
		chars:       make(map[uint16]*Characteristic),
		terms:       make(map[blepm.ConnHandle]uint64),
		dropLimiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}

	if err := m.applyOptions(opts...); err != nil {
		return nil, err
	}
	if m.log == nil {
		m.log = blepm.GetLogger()
	}
	m.log = m.log.ChildLogger(map[string]interface{}{"mgr": m.id.String()})
	m.tracer = m.tp.Tracer(tracerName)

	m.stackq = make(chan message, m.queueSize)
	m.appq = make(chan message, m.queueSize)
	m.done = make(chan struct{})

	m.sets = slotmap.New[advSet](m.maxSets)
	m.conns = newConnTable(m.maxConns)
	m.updates = &paramCoordinator{
		radio:      r,
		policy:     m.policy,
		retryDelay: m.retryDelay,
		log:        m.log.ChildLogger(map[string]interface{}{"part": "params"}),
		after:      m.after,
		fail:       m.connFailed,
	}

	name := m.name
	m.nameSnap.Store(&name)

	r.SetStackHandler(m.postStackEvent)
	return m, nil
}

var _ blepm.ManagerOption = (*Manager)(nil)

func (m *Manager) applyOptions(opts ...blepm.Option) error {
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return errors.Wrap(err, "can't apply option")
		}
	}
	return nil
}

// ID returns the instance id used to tag this manager's logs.
func (m *Manager) ID() string {
	return m.id.String()
}

// DeviceName returns the name carried by the identity advertising payload.
func (m *Manager) DeviceName() string {
	return *m.nameSnap.Load()
}

// NumConnections returns the number of live connections.
func (m *Manager) NumConnections() int {
	return int(m.numConns.Load())
}

// Address returns the resolvable private address last read from the radio, or nil.
func (m *Manager) Address() blepm.Addr {
	if s := m.addrSnap.Load(); s != nil {
		return blepm.NewAddr(*s)
	}
	return nil
}

// Dropped returns how many messages were dropped because a queue was full.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// Close stops the dispatcher. Pending calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// ScheduleWork runs fn on the dispatcher goroutine. It is safe from any context,
// including interrupt context. Delivery is best effort.
func (m *Manager) ScheduleWork(fn func(ctx context.Context)) error {
	if fn == nil {
		return errors.Wrap(blepm.ErrInvalidParam, "nil work")
	}
	return m.postEvent(m.appq, deferredCall{fn: fn})
}

type dispatcherKey struct{}

// call runs fn on the dispatcher goroutine and waits for its result.
// Called from the dispatcher itself it runs fn inline.
func (m *Manager) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if ctx.Value(dispatcherKey{}) == m {
		return fn(ctx)
	}
	c := apiCall{op: op, fn: fn, res: make(chan error, 1)}
	if err := m.postEvent(m.appq, c); err != nil {
		return err
	}
	select {
	case err := <-c.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return blepm.ErrClosed
	}
}

func (m *Manager) publishConns() {
	m.numConns.Store(int32(m.conns.len()))
}

func (m *Manager) emit(ev blepm.Event) {
	m.log.Debugf("upstream %s conn %s", ev.Kind(), ev.Conn())
	m.handler(m.dctx, ev)
}

// SetDeviceName changes the advertised device name and refreshes the identity payload.
func (m *Manager) SetDeviceName(ctx context.Context, name string) error {
	if len(name) > MaxDeviceNameLength {
		return errors.Wrapf(blepm.ErrInvalidParam, "device name longer than %d bytes", MaxDeviceNameLength)
	}
	return m.call(ctx, "set-device-name", func(context.Context) error {
		m.name = name
		m.nameSnap.Store(&name)
		return m.refreshPayload()
	})
}

// RefreshPayload regenerates the identity payload and flags the identity set for reconfiguration.
func (m *Manager) RefreshPayload(ctx context.Context) error {
	return m.call(ctx, "refresh-payload", func(context.Context) error {
		return m.refreshPayload()
	})
}

// SetAdvertisingEnabled enables or disables the identity advertising set. Before
// the stack is ready it only records whether to advertise once it is.
func (m *Manager) SetAdvertisingEnabled(ctx context.Context, on bool) error {
	return m.call(ctx, "set-advertising-enabled", func(context.Context) error {
		if m.identity < 0 {
			m.advertise = on
			return nil
		}
		return m.setSetEnabled(m.identity, on)
	})
}

// SetAdvertisingMode switches the identity advertising set between fast and slow intervals.
func (m *Manager) SetAdvertisingMode(ctx context.Context, mode AdvMode) error {
	return m.call(ctx, "set-advertising-mode", func(context.Context) error {
		if m.identity < 0 {
			return errors.Wrap(blepm.ErrInvalidState, "identity advertising set not initialized")
		}
		return m.setSetMode(m.identity, mode)
	})
}

// CreateOrUpdateAdvertisingSet configures the set at index, or at the first free
// index for AutoIndex, and returns the index used.
func (m *Manager) CreateOrUpdateAdvertisingSet(ctx context.Context, index int, cfg AdvSetConfig) (int, error) {
	var idx int
	err := m.call(ctx, "create-or-update-set", func(context.Context) error {
		var err error
		idx, err = m.createOrUpdateSet(index, cfg)
		return err
	})
	if err != nil {
		return -1, err
	}
	return idx, nil
}

// RemoveAdvertisingSet stops the set at index and frees it on the radio.
func (m *Manager) RemoveAdvertisingSet(ctx context.Context, index int) error {
	return m.call(ctx, "remove-set", func(context.Context) error {
		return m.removeSet(index)
	})
}

// SetAdvertisingSetEnabled marks a set enabled or disabled. Radio activity
// follows on the next dispatcher pass.
func (m *Manager) SetAdvertisingSetEnabled(ctx context.Context, index int, on bool) error {
	return m.call(ctx, "set-enabled", func(context.Context) error {
		return m.setSetEnabled(index, on)
	})
}

// SetAdvertisingSetMode switches the set at index between fast and slow intervals.
func (m *Manager) SetAdvertisingSetMode(ctx context.Context, index int, mode AdvMode) error {
	return m.call(ctx, "set-mode", func(context.Context) error {
		return m.setSetMode(index, mode)
	})
}

// AdvertisingSet returns a snapshot of the set at index.
func (m *Manager) AdvertisingSet(ctx context.Context, index int) (AdvSetInfo, error) {
	var info AdvSetInfo
	err := m.call(ctx, "get-set", func(context.Context) error {
		_, s, ok := m.sets.At(index)
		if !ok {
			return errors.Wrapf(blepm.ErrNotFound, "advertising set %d", index)
		}
		info = s.info()
		return nil
	})
	if err != nil {
		return AdvSetInfo{}, err
	}
	return info, nil
}

// IdentitySet returns the index of the identity advertising set, or -1 before the stack is ready.
func (m *Manager) IdentitySet(ctx context.Context) (int, error) {
	idx := -1
	err := m.call(ctx, "identity-set", func(context.Context) error {
		idx = m.identity
		return nil
	})
	if err != nil {
		return -1, err
	}
	return idx, nil
}

// GetMTU returns the negotiated ATT MTU of a connection.
func (m *Manager) GetMTU(ctx context.Context, c blepm.ConnHandle) (uint16, error) {
	var mtu uint16
	err := m.call(ctx, "get-mtu", func(context.Context) error {
		_, cn, ok := m.conns.lookup(c)
		if !ok {
			return errors.Wrapf(blepm.ErrInvalidState, "unknown connection %s", c)
		}
		mtu = cn.mtu
		return nil
	})
	if err != nil {
		return 0, err
	}
	return mtu, nil
}

// ConnectionInfo returns a snapshot of a connection.
func (m *Manager) ConnectionInfo(ctx context.Context, c blepm.ConnHandle) (ConnInfo, error) {
	var info ConnInfo
	err := m.call(ctx, "conn-info", func(context.Context) error {
		_, cn, ok := m.conns.lookup(c)
		if !ok {
			return errors.Wrapf(blepm.ErrInvalidState, "unknown connection %s", c)
		}
		info = cn.info()
		return nil
	})
	if err != nil {
		return ConnInfo{}, err
	}
	return info, nil
}

// CloseConnection asks the radio to terminate a link. The ConnectionError
// event follows when the stack reports the disconnection.
func (m *Manager) CloseConnection(ctx context.Context, c blepm.ConnHandle) error {
	return m.call(ctx, "close-connection", func(context.Context) error {
		return m.closeConnection(c)
	})
}

// SendIndication sends data on the transport TX characteristic to a subscribed peer.
func (m *Manager) SendIndication(ctx context.Context, c blepm.ConnHandle, data []byte) error {
	b := make([]byte, len(data))
	copy(b, data)
	return m.call(ctx, "send-indication", func(context.Context) error {
		return m.sendIndication(c, m.txAttr, b, true)
	})
}

// IndicateCharacteristic sends an indication on a registered generic characteristic.
func (m *Manager) IndicateCharacteristic(ctx context.Context, c blepm.ConnHandle, attr uint16, data []byte) error {
	b := make([]byte, len(data))
	copy(b, data)
	return m.call(ctx, "indicate-characteristic", func(context.Context) error {
		if _, ok := m.chars[attr]; !ok {
			return errors.Wrapf(blepm.ErrNotFound, "characteristic 0x%04x", attr)
		}
		return m.sendIndication(c, attr, b, false)
	})
}

// RegisterCharacteristic routes the events of a non-transport characteristic value to ch.
func (m *Manager) RegisterCharacteristic(ctx context.Context, attr uint16, ch Characteristic) error {
	return m.call(ctx, "register-characteristic", func(context.Context) error {
		return m.registerCharacteristic(attr, ch)
	})
}

// SubscribeCharacteristic is a central role operation.
func (m *Manager) SubscribeCharacteristic(blepm.ConnHandle, blepm.UUID, blepm.UUID) error {
	return errors.Wrap(blepm.ErrUnsupported, "subscribe characteristic: peripheral role only")
}

// UnsubscribeCharacteristic is a central role operation.
func (m *Manager) UnsubscribeCharacteristic(blepm.ConnHandle, blepm.UUID, blepm.UUID) error {
	return errors.Wrap(blepm.ErrUnsupported, "unsubscribe characteristic: peripheral role only")
}

// SendWriteRequest is a central role operation.
func (m *Manager) SendWriteRequest(blepm.ConnHandle, blepm.UUID, blepm.UUID, []byte) error {
	return errors.Wrap(blepm.ErrUnsupported, "write request: peripheral role only")
}

// SendReadRequest is a central role operation.
func (m *Manager) SendReadRequest(blepm.ConnHandle, blepm.UUID, blepm.UUID) error {
	return errors.Wrap(blepm.ErrUnsupported, "read request: peripheral role only")
}
