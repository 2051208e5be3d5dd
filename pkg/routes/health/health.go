// Package health serves liveness, readiness and dependency health.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

const checkTimeout = 2 * time.Second

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Check pings one dependency.
type Check func(ctx context.Context) error

type Checker struct {
	checks  map[string]Check
	version string
	started time.Time
	ready   atomic.Bool
}

func NewChecker(version string) *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		version: version,
		started: time.Now(),
	}
}

// AddCheck registers a named dependency check. Call before serving.
func (c *Checker) AddCheck(name string, check Check) {
	c.checks[name] = check
}

// SetReady flips the readiness probe.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

func (c *Checker) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1/health")
	g.GET("", c.Health)
	g.GET("/live", c.Live)
	g.GET("/ready", c.Ready)
}

type HealthStatus struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Health runs every check concurrently, each under its own timeout, and
// reports 503 when any fails.
func (c *Checker) Health(ctx echo.Context) error {
	results := c.runChecks(ctx.Request().Context())

	status := &HealthStatus{
		Status:     statusHealthy,
		Version:    c.version,
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Checks:     results,
		ReportedAt: time.Now().UTC(),
	}
	for _, r := range results {
		if r.Status == statusUnhealthy {
			status.Status = statusUnhealthy
			return ctx.JSON(http.StatusServiceUnavailable, status)
		}
	}
	return ctx.JSON(http.StatusOK, status)
}

func (c *Checker) runChecks(ctx context.Context) map[string]*CheckResult {
	var mu sync.Mutex
	results := make(map[string]*CheckResult, len(c.checks))

	var g errgroup.Group
	for name, check := range c.checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			result := &CheckResult{Status: statusHealthy}
			if err := check(checkCtx); err != nil {
				result = &CheckResult{Status: statusUnhealthy, Message: err.Error()}
			} else {
				result.Latency = time.Since(start).String()
			}

			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

func (c *Checker) Ready(ctx echo.Context) error {
	if !c.ready.Load() {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
