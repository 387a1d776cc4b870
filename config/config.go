// Package config loads the blepmd configuration file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/rigado/blepm/peripheral"
	"gopkg.in/yaml.v3"
)

// DeviceConfig is the identity and transport characteristic layout.
type DeviceConfig struct {
	Name                    string `yaml:"name"`
	ServiceUUID             string `yaml:"service_uuid"`
	RXHandle                uint16 `yaml:"rx_handle"`
	TXHandle                uint16 `yaml:"tx_handle"`
	MaxCharacteristicLength int    `yaml:"max_characteristic_length"`
}

// AdvertisingConfig holds advertising intervals (0.625 ms units) and timeouts.
type AdvertisingConfig struct {
	OnStart         bool          `yaml:"on_start"`
	FastIntervalMin uint16        `yaml:"fast_interval_min"`
	FastIntervalMax uint16        `yaml:"fast_interval_max"`
	SlowIntervalMin uint16        `yaml:"slow_interval_min"`
	SlowIntervalMax uint16        `yaml:"slow_interval_max"`
	FastTimeout     time.Duration `yaml:"fast_timeout"` // 0 = stay fast
	Timeout         time.Duration `yaml:"timeout"`      // 0 = advertise until stopped
	MaxSets         int           `yaml:"max_sets"`
	RPARefresh      time.Duration `yaml:"rpa_refresh"`
}

// ConnectionsConfig is the link policy. Intervals are in 1.25 ms units, the
// supervision timeout in 10 ms units.
type ConnectionsConfig struct {
	Max                int           `yaml:"max"`
	IntervalMin        uint16        `yaml:"interval_min"`
	IntervalMax        uint16        `yaml:"interval_max"`
	Latency            uint16        `yaml:"latency"`
	SupervisionTimeout uint16        `yaml:"supervision_timeout"`
	UpdateDelay        time.Duration `yaml:"update_delay"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
}

type DispatcherConfig struct {
	QueueSize             int           `yaml:"queue_size"`
	PostTimeout           time.Duration `yaml:"post_timeout"`
	MaxStackEventsPerPass int           `yaml:"max_stack_events_per_pass"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
}

// BreakerConfig trips the HCI command path after consecutive failures.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// HCIConfig selects the controller transport.
type HCIConfig struct {
	Transport      string        `yaml:"transport"` // "socket" or "h4"
	Device         int           `yaml:"device"`    // hciN for the socket transport
	Path           string        `yaml:"path"`      // UART for h4
	Baud           uint          `yaml:"baud"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// Config is the top-level configuration.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Advertising AdvertisingConfig `yaml:"advertising"`
	Connections ConnectionsConfig `yaml:"connections"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Logger      LoggerConfig      `yaml:"logger"`
	HCI         HCIConfig         `yaml:"hci"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:                    "BLEPM",
			ServiceUUID:             "fff6",
			RXHandle:                0x0010,
			TXHandle:                0x0012,
			MaxCharacteristicLength: 244,
		},
		Advertising: AdvertisingConfig{
			OnStart:         true,
			FastIntervalMin: 32,
			FastIntervalMax: 96,
			SlowIntervalMin: 1920,
			SlowIntervalMax: 2400,
			FastTimeout:     30 * time.Second,
			Timeout:         15 * time.Minute,
			MaxSets:         2,
			RPARefresh:      15 * time.Minute,
		},
		Connections: ConnectionsConfig{
			Max:                2,
			IntervalMin:        peripheral.DefaultConnParams.IntervalMin,
			IntervalMax:        peripheral.DefaultConnParams.IntervalMax,
			Latency:            peripheral.DefaultConnParams.Latency,
			SupervisionTimeout: peripheral.DefaultConnParams.SupervisionTimeout,
			UpdateDelay:        5 * time.Second,
			RetryDelay:         time.Second,
		},
		Dispatcher: DispatcherConfig{
			QueueSize:             16,
			PostTimeout:           100 * time.Millisecond,
			MaxStackEventsPerPass: 8,
		},
		Logger: LoggerConfig{Level: "info"},
		HCI: HCIConfig{
			Transport:      "socket",
			Device:         0,
			Baud:           1000000,
			CommandTimeout: 2 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 10 * time.Second,
			},
		},
	}
}

// Load reads a YAML config file over the defaults, applies BLEPM_* env
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrap(err, "read config")
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(err, "parse config")
			}
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps BLEPM_* env vars to config fields. Unparsable values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BLEPM_DEVICE_NAME"); v != "" {
		cfg.Device.Name = v
	}
	if v := os.Getenv("BLEPM_SERVICE_UUID"); v != "" {
		cfg.Device.ServiceUUID = v
	}
	if v := os.Getenv("BLEPM_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("BLEPM_ADVERTISING_ON_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Advertising.OnStart = b
		}
	}
	if v := os.Getenv("BLEPM_ADVERTISING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Advertising.Timeout = d
		}
	}
	if v := os.Getenv("BLEPM_CONNECTIONS_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Connections.Max = n
		}
	}
	if v := os.Getenv("BLEPM_HCI_TRANSPORT"); v != "" {
		cfg.HCI.Transport = v
	}
	if v := os.Getenv("BLEPM_HCI_DEVICE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.HCI.Device = n
		}
	}
	if v := os.Getenv("BLEPM_HCI_PATH"); v != "" {
		cfg.HCI.Path = v
	}
}

// ConnParams returns the link parameter policy.
func (c *Config) ConnParams() blepm.ConnParams {
	return blepm.ConnParams{
		IntervalMin:        c.Connections.IntervalMin,
		IntervalMax:        c.Connections.IntervalMax,
		Latency:            c.Connections.Latency,
		SupervisionTimeout: c.Connections.SupervisionTimeout,
	}
}

// Options converts a validated config into manager options.
func (c *Config) Options() ([]blepm.Option, error) {
	svc, err := blepm.Parse(c.Device.ServiceUUID)
	if err != nil {
		return nil, errors.Wrap(err, "device.service_uuid")
	}
	return []blepm.Option{
		blepm.OptDeviceName(c.Device.Name),
		blepm.OptServiceUUID(svc),
		blepm.OptTransportAttrs(c.Device.RXHandle, c.Device.TXHandle),
		blepm.OptMaxCharacteristicLength(c.Device.MaxCharacteristicLength),
		blepm.OptAdvertiseOnStart(c.Advertising.OnStart),
		blepm.OptFastAdvInterval(c.Advertising.FastIntervalMin, c.Advertising.FastIntervalMax),
		blepm.OptSlowAdvInterval(c.Advertising.SlowIntervalMin, c.Advertising.SlowIntervalMax),
		blepm.OptFastAdvTimeout(c.Advertising.FastTimeout),
		blepm.OptAdvTimeout(c.Advertising.Timeout),
		blepm.OptMaxAdvertisingSets(c.Advertising.MaxSets),
		blepm.OptRPARefreshInterval(c.Advertising.RPARefresh),
		blepm.OptMaxConnections(c.Connections.Max),
		blepm.OptConnParams(c.ConnParams()),
		blepm.OptParamUpdateDelay(c.Connections.UpdateDelay),
		blepm.OptParamUpdateRetryDelay(c.Connections.RetryDelay),
		blepm.OptEventQueueSize(c.Dispatcher.QueueSize),
		blepm.OptPostTimeout(c.Dispatcher.PostTimeout),
		blepm.OptMaxStackEventsPerPass(c.Dispatcher.MaxStackEventsPerPass),
	}, nil
}
