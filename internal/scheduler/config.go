package scheduler

import "time"

// Config controls runner intervals and batch sizes.
type Config struct {
	RunInterval     time.Duration
	BatchSize       int
	PendingSweepAge time.Duration
	LockTTL         time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		BatchSize:       50,
		PendingSweepAge: 15 * time.Minute,
		LockTTL:         2 * time.Minute,
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
	if c.PendingSweepAge <= 0 {
		c.PendingSweepAge = defaults.PendingSweepAge
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
