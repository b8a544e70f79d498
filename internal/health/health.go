// Package health aggregates dependency checks for the readiness probe.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check
type Check struct {
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	Critical     bool      `json:"critical"`
	ResponseTime int64     `json:"response_time_ms"`
	Error        string    `json:"error,omitempty"`
	LastChecked  time.Time `json:"last_checked"`
}

// Result represents the overall health result
type Result struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Ready reports whether the service can take traffic. Degraded is ready.
func (r *Result) Ready() bool {
	return r.Status != StatusUnhealthy
}

// CheckFunc is a function that performs a health check
type CheckFunc func(ctx context.Context) error

type registered struct {
	fn       CheckFunc
	critical bool
}

// Checker performs health checks
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]registered
	version string
	timeout time.Duration
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		checks:  make(map[string]registered),
		version: version,
		timeout: 5 * time.Second,
	}
}

// Register adds a check whose failure makes the service unhealthy
func (c *Checker) Register(name string, fn CheckFunc) {
	c.register(name, fn, true)
}

// RegisterOptional adds a check whose failure only degrades the service.
// The oracle mirror and the event stream are optional: rules still run
// without them.
func (c *Checker) RegisterOptional(name string, fn CheckFunc) {
	c.register(name, fn, false)
}

func (c *Checker) register(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registered{fn: fn, critical: critical}
}

// Check runs all health checks concurrently
func (c *Checker) Check(ctx context.Context) *Result {
	c.mu.RLock()
	checks := make(map[string]registered, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	result := &Result{
		Status:    StatusHealthy,
		Checks:    make([]Check, 0, len(checks)),
		Version:   c.version,
		Timestamp: time.Now().UTC(),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, reg := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check := c.runCheck(ctx, name, reg)
			mu.Lock()
			result.Checks = append(result.Checks, check)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(result.Checks, func(i, j int) bool { return result.Checks[i].Name < result.Checks[j].Name })
	for _, check := range result.Checks {
		switch {
		case check.Status == StatusUnhealthy && check.Critical:
			result.Status = StatusUnhealthy
		case check.Status != StatusHealthy && result.Status == StatusHealthy:
			result.Status = StatusDegraded
		}
	}
	return result
}

func (c *Checker) runCheck(ctx context.Context, name string, reg registered) Check {
	start := time.Now()
	check := Check{
		Name:        name,
		Status:      StatusHealthy,
		Critical:    reg.critical,
		LastChecked: start.UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := reg.fn(ctx)
	check.ResponseTime = time.Since(start).Milliseconds()

	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
	}
	return check
}
