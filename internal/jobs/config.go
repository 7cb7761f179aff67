package jobs

import (
	"log/slog"
	"time"
)

// Config holds configuration for the supervisor.
type Config struct {
	// Workers bounds how many submitted jobs run at once.
	// Default: 8
	Workers int64

	// MaxTries is the number of attempts per submitted job.
	// Default: 5
	MaxTries uint

	// InitialInterval is the first retry delay.
	// Default: 500ms
	InitialInterval time.Duration

	// MaxInterval caps the retry delay.
	// Default: 30s
	MaxInterval time.Duration

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Workers == 0 {
		c.Workers = 8
	}
	if c.MaxTries == 0 {
		c.MaxTries = 5
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
