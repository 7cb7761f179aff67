package poller

import (
	"log/slog"
	"time"
)

// Config holds poller settings.
type Config struct {
	// Interval between poll cycles.
	// Default: 3s
	Interval time.Duration

	// TriggerRate limits on-demand polls per second.
	// Default: 1
	TriggerRate float64

	// DedupSize is the number of message hashes kept in memory per group
	// in front of the persistent dedup table.
	// Default: 4096
	DedupSize int

	// ConfigTTL is how far active config hashes are extended on admin
	// devices.
	// Default: 30 days
	ConfigTTL time.Duration

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 3 * time.Second
	}
	if c.TriggerRate == 0 {
		c.TriggerRate = 1
	}
	if c.DedupSize == 0 {
		c.DedupSize = 4096
	}
	if c.ConfigTTL == 0 {
		c.ConfigTTL = 30 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
