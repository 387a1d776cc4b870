package peripheral

import (
	"github.com/pkg/errors"
	"github.com/rigado/blepm"
)

const (
	AdvIntervalMin = 0x0020
	AdvIntervalMax = 0x4000

	ConnIntervalMin = 0x0006
	ConnIntervalMax = 0x0c80
	ConnLatencyMin  = 0x0000
	ConnLatencyMax  = 0x01f3

	SupervisionTimeoutMin = 0x000a
	SupervisionTimeoutMax = 0x0c80
)

// DefaultConnParams is the link parameter policy applied by deferred updates.
var DefaultConnParams = blepm.ConnParams{
	IntervalMin:        24,  // 30 ms
	IntervalMax:        40,  // 50 ms
	Latency:            0,   //
	SupervisionTimeout: 400, // 4 s
}

// ValidateConnParams checks link parameters against the ranges of the
// LE Connection Update command [Vol 4, Part E, 7.8.18].
func ValidateConnParams(p blepm.ConnParams) error {
	/* The Supervision_Timeout in milliseconds shall be larger than
	(1 + Conn_Latency) * Conn_Interval_Max * 2, where Conn_Interval_Max is
	given in milliseconds.
	*/
	minStoMs := (1 + float64(p.Latency)) * (float64(p.IntervalMax) * 1.25) * 2
	stoMs := float64(p.SupervisionTimeout) * 10

	switch {
	case p.IntervalMax < ConnIntervalMin || p.IntervalMax > ConnIntervalMax:
		return errors.Wrapf(blepm.ErrInvalidParam, "invalid ConnIntervalMax %v", p.IntervalMax)

	case p.IntervalMin < ConnIntervalMin || p.IntervalMin > ConnIntervalMax:
		return errors.Wrapf(blepm.ErrInvalidParam, "invalid ConnIntervalMin %v", p.IntervalMin)

	case p.IntervalMin > p.IntervalMax:
		return errors.Wrapf(blepm.ErrInvalidParam, "ConnIntervalMin %v > ConnIntervalMax %v", p.IntervalMin, p.IntervalMax)

	case p.Latency > ConnLatencyMax:
		return errors.Wrapf(blepm.ErrInvalidParam, "invalid ConnLatency %v", p.Latency)

	case p.SupervisionTimeout < SupervisionTimeoutMin || p.SupervisionTimeout > SupervisionTimeoutMax:
		return errors.Wrapf(blepm.ErrInvalidParam, "invalid SupervisionTimeout %v", p.SupervisionTimeout)

	case stoMs <= minStoMs:
		return errors.Wrapf(blepm.ErrInvalidParam, "invalid SupervisionTimeout %v (too small)", p.SupervisionTimeout)
	}

	return nil
}

// ValidateAdvInterval checks advertising interval bounds (0.625 ms units).
func ValidateAdvInterval(min, max uint16) error {
	switch {
	case min < AdvIntervalMin || min > AdvIntervalMax:
		return errors.Wrapf(blepm.ErrInvalidParam, "invalid AdvertisingIntervalMin %v", min)

	case max < AdvIntervalMin || max > AdvIntervalMax:
		return errors.Wrapf(blepm.ErrInvalidParam, "invalid AdvertisingIntervalMax %v", max)

	case min > max:
		return errors.Wrapf(blepm.ErrInvalidParam, "AdvertisingIntervalMin %v > AdvertisingIntervalMax %v", min, max)
	}

	return nil
}
