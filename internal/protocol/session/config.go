package session

import (
	"time"

	"github.com/danmuck/castv2/internal/observability"
	"github.com/danmuck/castv2/internal/protocol/frame"
	"github.com/danmuck/castv2/internal/protocol/schema"
	"github.com/rs/zerolog"
)

// BackoffConfig defines caller-level retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-connection transport settings.
type Config struct {
	Limits frame.Limits
	// Codec defaults to schema.Default().
	Codec *schema.Codec
	Role  observability.Role
	// Logger defaults to a "session" component logger.
	Logger *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Limits: frame.DefaultLimits(),
		Role:   observability.RoleClient,
	}
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// WithDefaults fills unset fields. A zero Limits stays zero (unbounded).
func (c Config) WithDefaults() Config {
	if c.Codec == nil {
		c.Codec = schema.Default()
	}
	if c.Role == "" {
		c.Role = observability.RoleClient
	}
	return c
}
