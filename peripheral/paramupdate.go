package peripheral

import (
	"time"

	"github.com/rigado/blepm"
)

// paramCoordinator serializes link parameter updates: at most one request is
// in flight system wide and each connection has at most one request pending.
type paramCoordinator struct {
	radio      blepm.Radio
	policy     blepm.ConnParams
	retryDelay time.Duration
	log        blepm.Logger
	after      func(time.Duration, message) *time.Timer
	fail       func(blepm.ConnHandle, error)

	inFlight   blepm.ConnHandle
	busy       bool
	queue      []blepm.ConnHandle
	retryTimer *time.Timer
}

func (p *paramCoordinator) queued(h blepm.ConnHandle) bool {
	for _, q := range p.queue {
		if q == h {
			return true
		}
	}
	return false
}

// pending reports whether h has a request queued or in flight.
func (p *paramCoordinator) pending(h blepm.ConnHandle) bool {
	return (p.busy && p.inFlight == h) || p.queued(h)
}

func (p *paramCoordinator) request(h blepm.ConnHandle) {
	if p.pending(h) {
		p.log.Debugf("conn %s: parameter update already pending", h)
		return
	}
	if p.busy || len(p.queue) > 0 {
		p.queue = append(p.queue, h)
		return
	}
	p.issue(h)
}

// issue sends the request for h. It returns false if the radio was busy and
// h went back to the head of the queue.
func (p *paramCoordinator) issue(h blepm.ConnHandle) bool {
	err := p.radio.UpdateConnParams(h, p.policy)
	switch {
	case err == nil:
		p.inFlight, p.busy = h, true
		p.log.Debugf("conn %s: parameter update requested", h)
		return true
	case blepm.Is(err, blepm.ErrTransportRejected):
		p.log.Debugf("conn %s: parameter update deferred: %v", h, err)
		p.queue = append([]blepm.ConnHandle{h}, p.queue...)
		p.scheduleRetry()
		return false
	default:
		p.log.Errorf("conn %s: parameter update: %v", h, err)
		p.fail(h, err)
		return true
	}
}

func (p *paramCoordinator) next() {
	for !p.busy && len(p.queue) > 0 {
		h := p.queue[0]
		p.queue = p.queue[1:]
		if !p.issue(h) {
			return
		}
	}
}

// completed handles the stack's "link parameters updated" for h.
func (p *paramCoordinator) completed(h blepm.ConnHandle, status uint8) {
	if p.busy && p.inFlight == h {
		p.busy = false
		if status != blepm.StatusSuccess {
			p.log.Warnf("conn %s: parameter update failed, status 0x%02x", h, status)
		}
	}
	p.next()
}

// drop forgets h; if its request was in flight the next one is issued.
func (p *paramCoordinator) drop(h blepm.ConnHandle) {
	for i, q := range p.queue {
		if q == h {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	if p.busy && p.inFlight == h {
		p.busy = false
		p.next()
	}
}

func (p *paramCoordinator) scheduleRetry() {
	if p.retryTimer != nil {
		return
	}
	p.retryTimer = p.after(p.retryDelay, paramRetry{})
}

func (p *paramCoordinator) retry() {
	p.retryTimer = nil
	p.next()
}

func (p *paramCoordinator) stop() {
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	p.queue = nil
	p.busy = false
}
