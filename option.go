package blepm

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ManagerOption is implemented by the manager to allow using configuration options.
type ManagerOption interface {
	SetDefaultDeviceName(string) error
	SetServiceUUID(UUID) error
	SetFastAdvInterval(min, max uint16) error
	SetSlowAdvInterval(min, max uint16) error
	SetFastAdvTimeout(time.Duration) error
	SetAdvTimeout(time.Duration) error
	SetAdvertiseOnStart(bool) error
	SetMaxConnections(int) error
	SetMaxAdvertisingSets(int) error
	SetMaxCharacteristicLength(int) error
	SetTransportAttrs(rx, tx uint16) error
	SetConnParams(ConnParams) error
	SetParamUpdateDelay(time.Duration) error
	SetParamUpdateRetryDelay(time.Duration) error
	SetRPARefreshInterval(time.Duration) error
	SetEventQueueSize(int) error
	SetPostTimeout(time.Duration) error
	SetMaxStackEventsPerPass(int) error
	SetInterruptPredicate(func() bool) error
	SetPairingHandler(func(StackEvent)) error
	SetLogger(Logger) error
	SetTracerProvider(trace.TracerProvider) error
}

// An Option is a configuration function, which configures the manager.
type Option func(ManagerOption) error

// OptDeviceName sets the name carried by the identity advertising payload.
func OptDeviceName(name string) Option {
	return func(opt ManagerOption) error {
		return opt.SetDefaultDeviceName(name)
	}
}

// OptServiceUUID sets the transport service UUID carried by the identity advertising payload.
func OptServiceUUID(u UUID) Option {
	return func(opt ManagerOption) error {
		return opt.SetServiceUUID(u)
	}
}

// OptFastAdvInterval overrides the fast advertising interval bounds (0.625 ms units).
func OptFastAdvInterval(min, max uint16) Option {
	return func(opt ManagerOption) error {
		return opt.SetFastAdvInterval(min, max)
	}
}

// OptSlowAdvInterval overrides the slow advertising interval bounds (0.625 ms units).
func OptSlowAdvInterval(min, max uint16) Option {
	return func(opt ManagerOption) error {
		return opt.SetSlowAdvInterval(min, max)
	}
}

// OptFastAdvTimeout sets how long the identity set stays in fast mode. Zero disables the switch.
func OptFastAdvTimeout(d time.Duration) Option {
	return func(opt ManagerOption) error {
		return opt.SetFastAdvTimeout(d)
	}
}

// OptAdvTimeout sets the overall advertising window. Zero advertises indefinitely.
func OptAdvTimeout(d time.Duration) Option {
	return func(opt ManagerOption) error {
		return opt.SetAdvTimeout(d)
	}
}

// OptAdvertiseOnStart enables the identity set once the stack reports ready.
func OptAdvertiseOnStart(b bool) Option {
	return func(opt ManagerOption) error {
		return opt.SetAdvertiseOnStart(b)
	}
}

// OptMaxConnections sets the connection table capacity.
func OptMaxConnections(n int) Option {
	return func(opt ManagerOption) error {
		return opt.SetMaxConnections(n)
	}
}

// OptMaxAdvertisingSets sets the advertising set registry capacity.
func OptMaxAdvertisingSets(n int) Option {
	return func(opt ManagerOption) error {
		return opt.SetMaxAdvertisingSets(n)
	}
}

// OptMaxCharacteristicLength bounds a single characteristic write.
func OptMaxCharacteristicLength(n int) Option {
	return func(opt ManagerOption) error {
		return opt.SetMaxCharacteristicLength(n)
	}
}

// OptTransportAttrs sets the attribute handles of the transport RX and TX characteristic values.
func OptTransportAttrs(rx, tx uint16) Option {
	return func(opt ManagerOption) error {
		return opt.SetTransportAttrs(rx, tx)
	}
}

// OptConnParams overrides the link parameter policy used for deferred updates.
func OptConnParams(p ConnParams) Option {
	return func(opt ManagerOption) error {
		return opt.SetConnParams(p)
	}
}

// OptParamUpdateDelay sets how long after a connection the link parameter update is requested.
func OptParamUpdateDelay(d time.Duration) Option {
	return func(opt ManagerOption) error {
		return opt.SetParamUpdateDelay(d)
	}
}

// OptParamUpdateRetryDelay sets the retry delay when the stack is busy and nothing is in flight.
func OptParamUpdateRetryDelay(d time.Duration) Option {
	return func(opt ManagerOption) error {
		return opt.SetParamUpdateRetryDelay(d)
	}
}

// OptRPARefreshInterval sets the period of the resolvable private address refresh. Zero disables it.
func OptRPARefreshInterval(d time.Duration) Option {
	return func(opt ManagerOption) error {
		return opt.SetRPARefreshInterval(d)
	}
}

// OptEventQueueSize sets the depth of the application and stack queues.
func OptEventQueueSize(n int) Option {
	return func(opt ManagerOption) error {
		return opt.SetEventQueueSize(n)
	}
}

// OptPostTimeout bounds how long a non-interrupt producer waits for queue space.
func OptPostTimeout(d time.Duration) Option {
	return func(opt ManagerOption) error {
		return opt.SetPostTimeout(d)
	}
}

// OptMaxStackEventsPerPass bounds the stack messages drained per dispatcher wake.
func OptMaxStackEventsPerPass(n int) Option {
	return func(opt ManagerOption) error {
		return opt.SetMaxStackEventsPerPass(n)
	}
}

// OptInterruptPredicate injects the platform's "running in interrupt context" predicate.
func OptInterruptPredicate(f func() bool) Option {
	return func(opt ManagerOption) error {
		return opt.SetInterruptPredicate(f)
	}
}

// OptPairingHandler receives passkey and pairing status events on the dispatcher goroutine.
func OptPairingHandler(f func(StackEvent)) Option {
	return func(opt ManagerOption) error {
		return opt.SetPairingHandler(f)
	}
}

// OptLogger overrides the package logger for one manager.
func OptLogger(l Logger) Option {
	return func(opt ManagerOption) error {
		return opt.SetLogger(l)
	}
}

// OptTracerProvider sets the tracer provider used for dispatcher spans.
func OptTracerProvider(tp trace.TracerProvider) Option {
	return func(opt ManagerOption) error {
		return opt.SetTracerProvider(tp)
	}
}
