// Package health backs the liveness and readiness probes.
package health

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ReadinessChecker is implemented by dependencies that must be reachable
// before the service accepts work: artifact storage, the job registry,
// the container runtime, the callback dispatcher.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ready(ctx context.Context) error { return f(ctx) }

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded means only optional checks fail; the service still
	// takes traffic.
	StatusDegraded Status = "degraded"
)

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Latency  string `json:"latency,omitempty"`
}

// Response is the probe body.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether the probe should answer 200.
func (r *Response) Ready() bool {
	return r.Status != StatusUnhealthy
}

// IsHealthy reports whether every check passed.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Option configures a registered check.
type Option func(*registration)

// Optional marks a check whose failure degrades readiness without failing it.
func Optional() Option {
	return func(r *registration) { r.optional = true }
}

type registration struct {
	name     string
	check    ReadinessChecker
	optional bool
}

const (
	checkTimeout = 5 * time.Second
	cacheTTL     = time.Second
)

// Checker runs the registered checks concurrently and caches the combined
// result briefly so frequent probes do not hammer dependencies.
type Checker struct {
	mu           sync.Mutex
	checks       []registration
	cached       *Response
	cachedAt     time.Time
	shuttingDown bool
}

// NewChecker creates a checker with nothing registered. An empty checker
// reports unready.
func NewChecker() *Checker {
	return &Checker{}
}

// Register adds a named check. A second registration under the same name
// replaces the first.
func (c *Checker) Register(name string, check ReadinessChecker, opts ...Option) {
	reg := registration{name: name, check: check}
	for _, opt := range opts {
		opt(&reg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = slices.DeleteFunc(c.checks, func(r registration) bool { return r.name == name })
	c.checks = append(c.checks, reg)
	c.cached = nil
}

// Liveness never consults dependencies; a failure would only restart the
// process.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness combines every check: a failing required check makes the
// service unhealthy, a failing optional one degraded.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"}},
		}
	}
	if c.cached != nil && time.Since(c.cachedAt) < cacheTTL {
		cached := c.cached
		c.mu.Unlock()
		return cached
	}
	checks := slices.Clone(c.checks)
	c.mu.Unlock()

	response := evaluate(ctx, checks)

	c.mu.Lock()
	if !c.shuttingDown {
		c.cached, c.cachedAt = response, time.Now()
	}
	c.mu.Unlock()
	return response
}

func evaluate(ctx context.Context, checks []registration) *Response {
	if len(checks) == 0 {
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{"checks": {Status: StatusUnhealthy, Message: "no readiness checks configured"}},
		}
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, reg := range checks {
		wg.Go(func() { results[i] = run(ctx, reg) })
	}
	wg.Wait()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checks))}
	for i, reg := range checks {
		result := results[i]
		response.Checks[reg.name] = result
		switch {
		case result.Status == StatusHealthy:
		case reg.optional && response.Status == StatusHealthy:
			response.Status = StatusDegraded
		case !reg.optional:
			response.Status = StatusUnhealthy
		}
	}
	return response
}

func run(ctx context.Context, reg registration) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := reg.check.Ready(ctx)
	result := CheckResult{
		Status:   StatusHealthy,
		Optional: reg.optional,
		Latency:  time.Since(start).Round(time.Microsecond).String(),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	return result
}

// SetShuttingDown makes readiness fail from now on so load balancers stop
// routing new work here while in-flight requests drain.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}
