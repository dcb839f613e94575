package dispatcher

import (
	"time"

	"studio/internal/config"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
// Zero values fall back to defaults.
type MemoryConfig struct {
	BufferSize  int           // pending callbacks (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)

	MaxRetries       int           // delivery attempts after the first (default: 3, negative: none)
	BreakerThreshold int           // consecutive failures that open a host's breaker (default: 5)
	BreakerCooldown  time.Duration // open breaker wait, also the requeue delay (default: 30s)
	MaxRequeues      int           // requeues while a breaker is open before dropping (default: 10)
}

// LoadConfigFromEnv reads CALLBACK_* overrides from env. Malformed values
// are reported through env.Err.
func LoadConfigFromEnv(env *config.Env) MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:       env.Int("CALLBACK_BUFFER_SIZE", 1000),
		Workers:          env.Int("CALLBACK_WORKERS", 4),
		HTTPTimeout:      env.Duration("CALLBACK_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:       env.Int("CALLBACK_MAX_RETRIES", 3),
		BreakerThreshold: env.Int("CALLBACK_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  env.Duration("CALLBACK_BREAKER_COOLDOWN", 30*time.Second),
		MaxRequeues:      env.Int("CALLBACK_MAX_REQUEUES", 10),
	}
	return cfg.withDefaults()
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}
