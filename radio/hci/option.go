package hci

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
)

// SetCommandTimeout bounds the wait for a command credit and for the reply.
func (h *HCI) SetCommandTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.Wrap(blepm.ErrInvalidParam, "command timeout must be > 0")
	}
	h.cmdTimeout = d
	return nil
}

// SetBreaker configures the command path circuit breaker: it opens after
// maxFailures consecutive transport failures and probes again after openTimeout.
func (h *HCI) SetBreaker(maxFailures uint32, openTimeout time.Duration) error {
	if maxFailures == 0 {
		return errors.Wrap(blepm.ErrInvalidParam, "breaker needs max failures > 0")
	}
	h.breakerFailures = maxFailures
	h.breakerTimeout = openTimeout
	h.breaker = h.newBreaker()
	return nil
}

// SetLogger replaces the logger.
func (h *HCI) SetLogger(l blepm.Logger) error {
	h.log = l
	return nil
}
