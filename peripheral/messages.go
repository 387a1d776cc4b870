package peripheral

import (
	"context"

	"github.com/rigado/blepm"
	"github.com/rigado/blepm/slotmap"
)

// message is anything the dispatcher consumes. Once posted, the dispatcher owns it.
type message interface {
	name() string
	isMessage()
}

// stackMsg wraps an event coming up from the radio/stack.
type stackMsg struct {
	ev blepm.StackEvent
}

// deferredCall runs fn on the dispatcher goroutine.
type deferredCall struct {
	fn func(ctx context.Context)
}

// apiCall is a synchronous public operation; the result goes back on res.
type apiCall struct {
	op  string
	fn  func(ctx context.Context) error
	res chan error
}

type fastTimeout struct {
	set   slotmap.Key
	epoch uint32
}

type advTimeout struct {
	set   slotmap.Key
	epoch uint32
}

// paramTimer is the deferred link parameter update of one connection.
type paramTimer struct {
	conn slotmap.Key
}

type paramRetry struct{}

// advRetry wakes the dispatcher to retry advertising the radio turned down.
type advRetry struct{}

type rpaTick struct{}

func (m stackMsg) name() string   { return m.ev.Name() }
func (deferredCall) name() string { return "deferred-call" }
func (m apiCall) name() string    { return "call " + m.op }
func (fastTimeout) name() string  { return "fast-timeout" }
func (advTimeout) name() string   { return "adv-timeout" }
func (paramTimer) name() string   { return "param-timer" }
func (paramRetry) name() string   { return "param-retry" }
func (advRetry) name() string     { return "adv-retry" }
func (rpaTick) name() string      { return "rpa-tick" }

func (stackMsg) isMessage()     {}
func (deferredCall) isMessage() {}
func (apiCall) isMessage()      {}
func (fastTimeout) isMessage()  {}
func (advTimeout) isMessage()   {}
func (paramTimer) isMessage()   {}
func (paramRetry) isMessage()   {}
func (advRetry) isMessage()     {}
func (rpaTick) isMessage()      {}

// release frees anything a dropped message still holds on behalf of a producer.
// A pending call is answered with err.
func release(msg message, err error) {
	switch m := msg.(type) {
	case stackMsg:
		if w, ok := m.ev.(blepm.AttWrite); ok && w.Release != nil {
			w.Release()
		}
	case apiCall:
		m.res <- err
	}
}
