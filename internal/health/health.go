// Package health provides liveness and readiness checks for the gateway.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Checker manages health checks for all dependencies.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	logger zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently and returns the results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	return results
}

// HTTPReachable builds a check that probes an HTTP endpoint. Any HTTP
// response counts as reachable (a webhook endpoint may well reject a bare
// HEAD); only transport failures report down. The URL is resolved per probe
// so config changes take effect without re-registering.
func HTTPReachable(resolveURL func() string) CheckFunc {
	client := &http.Client{Timeout: 3 * time.Second}
	return func(ctx context.Context) Status {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, resolveURL(), nil)
		if err != nil {
			return StatusDown
		}
		resp, err := client.Do(req)
		if err != nil {
			return StatusDown
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return StatusDegraded
		}
		return StatusOK
	}
}

// Ready returns true when no registered check reports down.
func (c *Checker) Ready(ctx context.Context) bool {
	for name, status := range c.RunAll(ctx) {
		if status == StatusDown {
			c.logger.Warn().Str("check", name).Msg("readiness check down")
			return false
		}
	}
	return true
}
