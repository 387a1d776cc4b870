package peripheral

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"go.opentelemetry.io/otel/trace"
)

// SetDefaultDeviceName sets the identity device name used until SetDeviceName is called.
func (m *Manager) SetDefaultDeviceName(name string) error {
	if len(name) > MaxDeviceNameLength {
		return errors.Wrapf(blepm.ErrInvalidParam, "device name longer than %d bytes", MaxDeviceNameLength)
	}
	m.name = name
	return nil
}

// SetServiceUUID sets the transport service UUID advertised by the identity set.
func (m *Manager) SetServiceUUID(u blepm.UUID) error {
	switch u.Len() {
	case 2, 4, 16:
	default:
		return errors.Wrapf(blepm.ErrInvalidParam, "service uuid length %d", u.Len())
	}
	m.svc = u
	return nil
}

// SetFastAdvInterval overrides the fast advertising interval.
func (m *Manager) SetFastAdvInterval(min, max uint16) error {
	if err := ValidateAdvInterval(min, max); err != nil {
		return err
	}
	m.fastMin, m.fastMax = min, max
	return nil
}

// SetSlowAdvInterval overrides the slow advertising interval.
func (m *Manager) SetSlowAdvInterval(min, max uint16) error {
	if err := ValidateAdvInterval(min, max); err != nil {
		return err
	}
	m.slowMin, m.slowMax = min, max
	return nil
}

// SetFastAdvTimeout sets how long the identity set stays fast. 0 keeps it fast.
func (m *Manager) SetFastAdvTimeout(d time.Duration) error {
	if d < 0 {
		return errors.Wrap(blepm.ErrInvalidParam, "negative fast advertising timeout")
	}
	m.fastTimeout = d
	return nil
}

// SetAdvTimeout sets when the identity set stops advertising. 0 means never.
func (m *Manager) SetAdvTimeout(d time.Duration) error {
	if d < 0 {
		return errors.Wrap(blepm.ErrInvalidParam, "negative advertising timeout")
	}
	m.advTimeout = d
	return nil
}

// SetAdvertiseOnStart enables the identity set once the stack is ready.
func (m *Manager) SetAdvertiseOnStart(b bool) error {
	m.advertise = b
	return nil
}

// SetMaxConnections sets the connection table capacity.
func (m *Manager) SetMaxConnections(n int) error {
	if n < 1 || n > 0xffff {
		return errors.Wrapf(blepm.ErrInvalidParam, "max connections %d", n)
	}
	m.maxConns = n
	return nil
}

// SetMaxAdvertisingSets sets the advertising set registry capacity.
func (m *Manager) SetMaxAdvertisingSets(n int) error {
	if n < 1 || n > 0xff {
		return errors.Wrapf(blepm.ErrInvalidParam, "max advertising sets %d", n)
	}
	m.maxSets = n
	return nil
}

// SetMaxCharacteristicLength bounds accepted characteristic writes, in bytes.
func (m *Manager) SetMaxCharacteristicLength(n int) error {
	if n < 1 || n > 512 {
		return errors.Wrapf(blepm.ErrInvalidParam, "max characteristic length %d", n)
	}
	m.maxCharLen = n
	return nil
}

// SetTransportAttrs sets the RX and TX characteristic value handles.
func (m *Manager) SetTransportAttrs(rx, tx uint16) error {
	if rx == 0 || tx == 0 || rx == tx {
		return errors.Wrapf(blepm.ErrInvalidParam, "transport attributes rx 0x%04x tx 0x%04x", rx, tx)
	}
	m.rxAttr, m.txAttr = rx, tx
	return nil
}

// SetConnParams overrides the link parameter policy.
func (m *Manager) SetConnParams(p blepm.ConnParams) error {
	if err := ValidateConnParams(p); err != nil {
		return err
	}
	m.policy = p
	return nil
}

// SetParamUpdateDelay sets how long after connecting the link parameters are requested.
func (m *Manager) SetParamUpdateDelay(d time.Duration) error {
	if d < 0 {
		return errors.Wrap(blepm.ErrInvalidParam, "negative parameter update delay")
	}
	m.updateDelay = d
	return nil
}

// SetParamUpdateRetryDelay sets the wait before retrying work the radio rejected as busy.
func (m *Manager) SetParamUpdateRetryDelay(d time.Duration) error {
	if d <= 0 {
		return errors.Wrap(blepm.ErrInvalidParam, "parameter update retry delay must be positive")
	}
	m.retryDelay = d
	return nil
}

// SetRPARefreshInterval sets how often the resolvable private address is re-read. 0 disables it.
func (m *Manager) SetRPARefreshInterval(d time.Duration) error {
	if d < 0 {
		return errors.Wrap(blepm.ErrInvalidParam, "negative rpa refresh interval")
	}
	m.rpaInterval = d
	return nil
}

// SetEventQueueSize sets the capacity of each dispatcher queue.
func (m *Manager) SetEventQueueSize(n int) error {
	if n < 1 {
		return errors.Wrapf(blepm.ErrInvalidParam, "event queue size %d", n)
	}
	m.queueSize = n
	return nil
}

// SetPostTimeout bounds how long a post waits for queue space outside interrupt context.
func (m *Manager) SetPostTimeout(d time.Duration) error {
	if d < 0 {
		return errors.Wrap(blepm.ErrInvalidParam, "negative post timeout")
	}
	m.postTimeout = d
	return nil
}

// SetMaxStackEventsPerPass bounds the stack messages handled per dispatcher wake.
func (m *Manager) SetMaxStackEventsPerPass(n int) error {
	if n < 1 {
		return errors.Wrapf(blepm.ErrInvalidParam, "max stack events per pass %d", n)
	}
	m.stackBudget = n
	return nil
}

// SetInterruptPredicate injects the platform's interrupt context check used by PostEvent.
func (m *Manager) SetInterruptPredicate(f func() bool) error {
	if f == nil {
		f = func() bool { return false }
	}
	m.inInterrupt = f
	return nil
}

// SetPairingHandler receives passkey and pairing status events on the dispatcher goroutine.
func (m *Manager) SetPairingHandler(f func(blepm.StackEvent)) error {
	m.pairing = f
	return nil
}

// SetLogger replaces the manager logger.
func (m *Manager) SetLogger(l blepm.Logger) error {
	if l == nil {
		return errors.Wrap(blepm.ErrInvalidParam, "nil logger")
	}
	m.log = l
	return nil
}

// SetTracerProvider sets where dispatcher spans go.
func (m *Manager) SetTracerProvider(tp trace.TracerProvider) error {
	if tp == nil {
		return errors.Wrap(blepm.ErrInvalidParam, "nil tracer provider")
	}
	m.tp = tp
	return nil
}
