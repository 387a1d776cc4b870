package peripheral

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Run is the dispatcher loop. It is the only code that mutates the registries
// and returns when ctx is done or Close is called. A Manager runs once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.Wrap(blepm.ErrInvalidState, "dispatcher already ran")
	}
	ctx = context.WithValue(ctx, dispatcherKey{}, m)

	if m.rpaInterval > 0 {
		m.sched = cron.New()
		m.sched.Schedule(constantDelay{m.rpaInterval}, cron.FuncJob(func() {
			m.postEvent(m.appq, rpaTick{})
		}))
		m.sched.Start()
	}
	defer m.shutdown()

	m.log.Infof("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case msg := <-m.stackq:
			m.pass(ctx, msg, true)
		case msg := <-m.appq:
			m.pass(ctx, msg, false)
		}
	}
}

// pass handles one wake: up to stackBudget stack messages, then every
// application message pending at that point, then the advertising refresh.
// An application message that woke the loop is held back until the stack
// messages are done so it keeps its place ahead of later application messages.
func (m *Manager) pass(ctx context.Context, woke message, fromStack bool) {
	n := 0
	if fromStack {
		m.dispatch(ctx, woke)
		n++
	}

stack:
	for n < m.stackBudget {
		select {
		case msg := <-m.stackq:
			m.dispatch(ctx, msg)
			n++
		default:
			break stack
		}
	}

	if !fromStack {
		m.dispatch(ctx, woke)
	}

	pending := len(m.appq)
app:
	for ; pending > 0; pending-- {
		select {
		case msg := <-m.appq:
			m.dispatch(ctx, msg)
		default:
			break app
		}
	}

	m.refreshSets()
}

func (m *Manager) dispatch(ctx context.Context, msg message) {
	ctx, span := m.tracer.Start(ctx, "blepm.dispatch",
		trace.WithAttributes(attribute.String("blepm.message", msg.name())))
	defer span.End()
	m.dctx = ctx

	answered := false
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s: %v", msg.name(), r)
			m.log.Errorf("%v", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if c, ok := msg.(apiCall); ok && !answered {
				c.res <- err
			}
		}
	}()

	switch msg := msg.(type) {
	case stackMsg:
		m.handleStack(msg.ev)
	case deferredCall:
		msg.fn(ctx)
	case apiCall:
		err := msg.fn(ctx)
		answered = true
		msg.res <- err
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	case fastTimeout:
		m.onFastTimeout(msg)
	case advTimeout:
		m.onAdvTimeout(msg)
	case paramTimer:
		m.onParamTimer(msg)
	case paramRetry:
		m.updates.retry()
	case advRetry:
		m.advRetry = nil
	case rpaTick:
		m.refreshAddress()
	default:
		m.log.Errorf("unknown message %T", msg)
	}
}

func (m *Manager) handleStack(ev blepm.StackEvent) {
	switch ev := ev.(type) {
	case blepm.StackReady:
		m.onStackReady()
	case blepm.ConnectionComplete:
		m.onConnect(ev)
	case blepm.DisconnectionComplete:
		m.onDisconnect(ev)
	case blepm.ConnParamRequest:
		m.onConnParamRequest(ev)
	case blepm.ConnParamUpdated:
		m.onConnParamUpdated(ev)
	case blepm.AdvertisingStarted:
		m.onAdvStarted(ev)
	case blepm.AdvertisingStopped:
		m.onAdvStopped(ev)
	case blepm.AdvertisingTerminated:
		m.onAdvTerminated(ev)
	case blepm.AttWrite:
		m.onWrite(ev)
	case blepm.AttRead:
		m.onRead(ev)
	case blepm.CCCDWrite:
		m.onCCCDWrite(ev)
	case blepm.IndicationConfirm:
		m.onIndicationConfirm(ev)
	case blepm.MTUExchanged:
		m.onMTU(ev)
	case blepm.RSSIRead:
		m.onRSSI(ev)
	case blepm.PasskeyDisplay, blepm.PairingStatus:
		if m.pairing == nil {
			m.log.Debugf("no pairing handler for %s", ev.Name())
			return
		}
		m.pairing(ev)
	default:
		m.log.Warnf("unhandled stack event %s", ev.Name())
	}
}

func (m *Manager) onStackReady() {
	if m.ready {
		m.log.Debugf("stack ready again, ignored")
		return
	}
	m.ready = true
	m.log.Infof("stack ready")

	if err := m.createIdentitySet(); err != nil {
		m.log.Errorf("can't create identity advertising set: %v", err)
	}
	m.refreshAddress()
}

func (m *Manager) refreshAddress() {
	a, err := m.radio.ResolvablePrivateAddress()
	if err != nil {
		m.log.Debugf("can't read resolvable private address: %v", err)
		return
	}
	if a == nil {
		return
	}
	s := a.String()
	if cur := m.addrSnap.Load(); cur != nil && *cur == s {
		return
	}
	m.addrSnap.Store(&s)
	m.log.Infof("address %s", s)
}

// shutdown runs on the dispatcher goroutine when Run returns.
func (m *Manager) shutdown() {
	m.closeOnce.Do(func() { close(m.done) })
	if m.sched != nil {
		m.sched.Stop()
	}
	m.updates.stop()
	if m.advRetry != nil {
		m.advRetry.Stop()
	}
	m.conns.each(func(c *conn) {
		c.stopTimer()
	})
	for _, idx := range m.setIndices() {
		if err := m.removeSet(idx); err != nil {
			m.log.Warnf("shutdown: %v", err)
		}
	}

	for {
		select {
		case msg := <-m.stackq:
			release(msg, blepm.ErrClosed)
		case msg := <-m.appq:
			release(msg, blepm.ErrClosed)
		default:
			m.log.Infof("dispatcher stopped")
			return
		}
	}
}

// constantDelay is a cron schedule firing every delay, including sub-second delays.
type constantDelay struct {
	delay time.Duration
}

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
