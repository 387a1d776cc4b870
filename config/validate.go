package config

import (
	"fmt"
	"strings"

	"github.com/rigado/blepm"
	"github.com/rigado/blepm/peripheral"
	"github.com/sirupsen/logrus"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg. It returns a *ValidationError listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateDevice(cfg, ve)
	validateAdvertising(cfg, ve)
	validateConnections(cfg, ve)
	validateDispatcher(cfg, ve)
	validateHCI(cfg, ve)
	if _, err := logrus.ParseLevel(cfg.Logger.Level); err != nil {
		ve.Add("logger.level: %v", err)
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateDevice(cfg *Config, ve *ValidationError) {
	d := cfg.Device
	if len(d.Name) > peripheral.MaxDeviceNameLength {
		ve.Add("device.name must be at most %d bytes", peripheral.MaxDeviceNameLength)
	}
	if _, err := blepm.Parse(d.ServiceUUID); err != nil {
		ve.Add("device.service_uuid: %v", err)
	}
	if d.RXHandle == 0 || d.TXHandle == 0 {
		ve.Add("device.rx_handle and device.tx_handle must be set")
	} else if d.RXHandle == d.TXHandle {
		ve.Add("device.rx_handle and device.tx_handle must differ")
	}
	if d.MaxCharacteristicLength < 1 || d.MaxCharacteristicLength > 512 {
		ve.Add("device.max_characteristic_length must be in [1, 512]")
	}
}

func validateAdvertising(cfg *Config, ve *ValidationError) {
	a := cfg.Advertising
	if err := peripheral.ValidateAdvInterval(a.FastIntervalMin, a.FastIntervalMax); err != nil {
		ve.Add("advertising fast interval: %v", err)
	}
	if err := peripheral.ValidateAdvInterval(a.SlowIntervalMin, a.SlowIntervalMax); err != nil {
		ve.Add("advertising slow interval: %v", err)
	}
	if a.FastTimeout < 0 || a.Timeout < 0 || a.RPARefresh < 0 {
		ve.Add("advertising timeouts must be >= 0")
	}
	if a.MaxSets < 1 {
		ve.Add("advertising.max_sets must be > 0")
	}
}

func validateConnections(cfg *Config, ve *ValidationError) {
	c := cfg.Connections
	if c.Max < 1 {
		ve.Add("connections.max must be > 0")
	}
	if err := peripheral.ValidateConnParams(cfg.ConnParams()); err != nil {
		ve.Add("connections: %v", err)
	}
	if c.UpdateDelay < 0 {
		ve.Add("connections.update_delay must be >= 0")
	}
	if c.RetryDelay <= 0 {
		ve.Add("connections.retry_delay must be > 0")
	}
}

func validateDispatcher(cfg *Config, ve *ValidationError) {
	d := cfg.Dispatcher
	if d.QueueSize < 1 {
		ve.Add("dispatcher.queue_size must be > 0")
	}
	if d.PostTimeout < 0 {
		ve.Add("dispatcher.post_timeout must be >= 0")
	}
	if d.MaxStackEventsPerPass < 1 {
		ve.Add("dispatcher.max_stack_events_per_pass must be > 0")
	}
}

func validateHCI(cfg *Config, ve *ValidationError) {
	h := cfg.HCI
	switch h.Transport {
	case "socket":
		if h.Device < 0 {
			ve.Add("hci.device must be >= 0")
		}
	case "h4":
		if h.Path == "" {
			ve.Add("hci.path is required for the h4 transport")
		}
		if h.Baud == 0 {
			ve.Add("hci.baud must be > 0")
		}
	default:
		ve.Add("hci.transport %q unknown (valid: socket, h4)", h.Transport)
	}
	if h.CommandTimeout <= 0 {
		ve.Add("hci.command_timeout must be > 0")
	}
	if h.Breaker.MaxFailures == 0 {
		ve.Add("hci.breaker.max_failures must be > 0")
	}
}
