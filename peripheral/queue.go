package peripheral

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
)

// postEvent enqueues msg for the dispatcher. In interrupt context it never
// blocks; otherwise it waits up to the post timeout for queue space. A message
// that can't be queued is dropped and logged.
func (m *Manager) postEvent(q chan message, msg message) error {
	select {
	case <-m.done:
		release(msg, blepm.ErrClosed)
		return blepm.ErrClosed
	default:
	}

	if m.inInterrupt() {
		select {
		case q <- msg:
			return nil
		default:
			return m.drop(msg)
		}
	}

	t := time.NewTimer(m.postTimeout)
	defer t.Stop()
	select {
	case q <- msg:
		return nil
	case <-m.done:
		release(msg, blepm.ErrClosed)
		return blepm.ErrClosed
	case <-t.C:
		return m.drop(msg)
	}
}

// postStackEvent is the StackHandler installed on the radio.
func (m *Manager) postStackEvent(ev blepm.StackEvent) error {
	if ev == nil {
		return errors.Wrap(blepm.ErrInvalidParam, "nil stack event")
	}
	return m.postEvent(m.stackq, stackMsg{ev: ev})
}

// deferCall queues fn behind the messages already pending. It is used from the
// dispatcher goroutine and so must not block.
func (m *Manager) deferCall(fn func(ctx context.Context)) {
	select {
	case m.appq <- deferredCall{fn: fn}:
	default:
		m.drop(deferredCall{fn: fn})
	}
}

func (m *Manager) drop(msg message) error {
	n := m.dropped.Add(1)
	release(msg, blepm.ErrResourceExhausted)
	if m.dropLimiter.Allow() {
		m.log.Warnf("queue full, dropped %s (%d dropped so far)", msg.name(), n)
	}
	return errors.Wrapf(blepm.ErrResourceExhausted, "queue full, dropped %s", msg.name())
}

// after posts msg once d has elapsed. Timers never touch dispatcher state themselves.
func (m *Manager) after(d time.Duration, msg message) *time.Timer {
	return time.AfterFunc(d, func() {
		m.postEvent(m.appq, msg)
	})
}
