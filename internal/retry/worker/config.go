package worker

import "time"

// Config controls the redelivery worker loop.
type Config struct {
	RunInterval    time.Duration
	BatchSize      int
	ProcessTimeout time.Duration
	// RecoveryThreshold is how long a delivery may sit in_flight before
	// the sweep assumes its worker died and returns it to the queue.
	RecoveryThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       15 * time.Second,
		BatchSize:         50,
		ProcessTimeout:    30 * time.Second,
		RecoveryThreshold: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = defaults.ProcessTimeout
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	return c
}
