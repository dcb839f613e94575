package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"studio/internal/apperrors"
	"studio/pkg/backoff"
	"studio/pkg/circuitbreaker"
)

// ErrCircuitOpen is returned without calling out when a provider has failed
// repeatedly and is cooling down.
var ErrCircuitOpen = errors.New("circuit open")

// CallConfig tunes retries and circuit breaking for outbound provider calls.
type CallConfig struct {
	Retries          int           // default: 2
	InitialBackoff   time.Duration // default: 200ms
	MaxBackoff       time.Duration // default: 5s
	BreakerThreshold int           // default: 5
	BreakerCooldown  time.Duration // default: 30s
}

func (c CallConfig) withDefaults() CallConfig {
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = 2
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Caller guards calls to one provider with a circuit breaker per operation
// and bounded exponential retries. Errors come back as apperrors.Provider.
type Caller struct {
	name     string
	cfg      CallConfig
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// NewCaller creates a Caller for the named provider.
func NewCaller(name string, cfg CallConfig) *Caller {
	cfg = cfg.withDefaults()
	return &Caller{
		name: name,
		cfg:  cfg,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		logger: slog.With("component", "provider", "provider", name),
	}
}

// Name returns the provider name used in errors.
func (c *Caller) Name() string { return c.name }

// Do runs fn for op. Errors wrapped with backoff.Permanent are not retried.
func (c *Caller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	breaker := c.breakers.Get(op)
	if !breaker.Allow() {
		return apperrors.Provider(c.name, op, ErrCircuitOpen)
	}

	bcfg := &backoff.Config{Initial: c.cfg.InitialBackoff, Max: c.cfg.MaxBackoff}
	err := backoff.RetryNotify(ctx, c.cfg.Retries, bcfg, fn, func(attempt int, err error) {
		c.logger.Debug("Retrying provider call", "op", op, "attempt", attempt, "error", err)
	})
	if err == nil {
		breaker.RecordSuccess()
		return nil
	}

	// A cancelled caller says nothing about the provider's health.
	if ctx.Err() != nil {
		breaker.Abort()
		return ctx.Err()
	}
	breaker.RecordFailure()
	return apperrors.Provider(c.name, op, err)
}

// Breakers reports circuit breaker states for this provider.
func (c *Caller) Breakers() circuitbreaker.Stats {
	return c.breakers.Stats()
}

// StatusError is a non-2xx reply from a provider endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// Classify marks 4xx replies other than 408 and 429 as permanent so the
// caller does not retry requests the provider will keep rejecting.
func Classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 &&
		se.StatusCode != 408 && se.StatusCode != 429 {
		return backoff.Permanent(err)
	}
	return err
}
