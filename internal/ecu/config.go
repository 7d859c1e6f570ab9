package ecu

import (
	"time"

	"github.com/shaunagostinho/efibridge/internal/timing"
)

// ConnectionConfig describes one connection attempt. The controller copies
// it on Connect; later edits apply to the next attempt only.
type ConnectionConfig struct {
	Protocol          string        `yaml:"protocol" json:"protocol"` // binary-crc, text
	Port              string        `yaml:"port" json:"port"`         // device path or sim[:opts]
	Baud              int           `yaml:"baud" json:"baud"`
	TimeoutBase       time.Duration `yaml:"timeout_base" json:"timeoutBase"`
	MinTimeout        time.Duration `yaml:"min_timeout" json:"minTimeout"`
	MaxTimeout        time.Duration `yaml:"max_timeout" json:"maxTimeout"`
	AutoConnect       bool          `yaml:"auto_connect" json:"autoConnect"`
	AutoReconnect     bool          `yaml:"auto_reconnect" json:"autoReconnect"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" json:"reconnectInterval"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay" json:"maxReconnectDelay"` // backoff cap
	MaxErrors         int           `yaml:"max_errors" json:"maxErrors"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"pollInterval"`
	StaleAfter        time.Duration `yaml:"stale_after" json:"staleAfter"`
	OpenDelay         time.Duration `yaml:"open_delay" json:"openDelay"` // settle time after opening a serial port
	CanID             byte          `yaml:"can_id" json:"canId"`
	Stoich            float64       `yaml:"stoich" json:"stoich"`
}

const (
	DefaultBaud              = 115200
	DefaultReconnectInterval = 2 * time.Second
	DefaultMaxReconnectDelay = 60 * time.Second
	DefaultMaxErrors         = 5
	DefaultPollInterval      = 10 * time.Millisecond
	DefaultStaleAfter        = 5 * time.Second
	DefaultStoich            = 14.7
)

// WithDefaults fills zero fields.
func (c ConnectionConfig) WithDefaults() ConnectionConfig {
	if c.Protocol == "" {
		c.Protocol = "binary-crc"
	}
	if c.Baud <= 0 {
		c.Baud = DefaultBaud
	}
	if c.TimeoutBase <= 0 {
		c.TimeoutBase = timing.DefaultTimeout
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = timing.DefaultMinTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = timing.DefaultMaxTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectInterval {
		c.MaxReconnectDelay = c.ReconnectInterval
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = DefaultMaxErrors
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Stoich <= 0 {
		c.Stoich = DefaultStoich
	}
	return c
}

func (c ConnectionConfig) timingConfig() timing.Config {
	return timing.Config{
		Default: c.TimeoutBase,
		Min:     c.MinTimeout,
		Max:     c.MaxTimeout,
		Margin:  timing.DefaultMargin,
	}
}
