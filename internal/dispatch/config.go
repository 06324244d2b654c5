package dispatch

import "time"

// Config tunes the dispatcher.
type Config struct {
	// TickInterval is how often the queue is matched against idle agents.
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	// LeaseTTL bounds the assignment lock. A dispatch with neither a live
	// lease nor progress within this window is requeued.
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	// KillGrace is how long a stop may go unanswered before a kill is sent.
	KillGrace time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
}

// Defaults.
const (
	DefaultTickInterval = time.Second
	DefaultLeaseTTL     = 30 * time.Second
	DefaultKillGrace    = 30 * time.Second
)

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval: DefaultTickInterval,
		LeaseTTL:     DefaultLeaseTTL,
		KillGrace:    DefaultKillGrace,
	}
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	return c
}
