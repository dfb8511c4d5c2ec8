// Package health provides liveness and readiness endpoints for the Fern service.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const probeTimeout = 5 * time.Second

// CheckResult is the outcome of probing a single dependency
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Response is the body returned by every probe endpoint
type Response struct {
	Status     Status                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

// probe pings one backing store. Critical stores fail readiness when down;
// the rest only degrade it. Redis is not critical: runs need it for locking
// and rate limiting, but the read surface works without it.
type probe struct {
	ping     func(context.Context) error
	critical bool
}

// Checker probes the stores the sync pipelines depend on
type Checker struct {
	probes    map[string]probe
	startTime time.Time
	version   string

	mu    sync.RWMutex
	ready bool
}

// NewChecker creates a checker over the warehouse database and Redis
func NewChecker(db *sqlx.DB, redisClient *redis.Client, version string) *Checker {
	return &Checker{
		probes: map[string]probe{
			"database": {ping: db.PingContext, critical: true},
			"redis":    {ping: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		},
		startTime: time.Now(),
		version:   version,
	}
}

// SetReady marks the service as ready to receive traffic
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady reports whether startup has finished
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// run executes one probe with its own timeout
func (c *Checker) run(ctx context.Context, p probe) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := p.ping(ctx)
	latency := time.Since(start).String()

	if err != nil {
		status := StatusDegraded
		if p.critical {
			status = StatusUnhealthy
		}
		return CheckResult{Status: status, Message: err.Error(), Latency: latency}
	}

	return CheckResult{Status: StatusHealthy, Latency: latency}
}

// report runs every probe and folds the results into an overall status
func (c *Checker) report(ctx context.Context) (Status, map[string]CheckResult) {
	overall := StatusHealthy
	checks := make(map[string]CheckResult, len(c.probes))

	for name, p := range c.probes {
		result := c.run(ctx, p)
		checks[name] = result

		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return overall, checks
}

func (c *Checker) respond(ctx echo.Context, status Status, checks map[string]CheckResult) error {
	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	return ctx.JSON(code, Response{
		Status:     status,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     checks,
		ReportedAt: time.Now(),
	})
}

// LivenessHandler answers the liveness probe.
// Liveness: is the process running and not deadlocked?
func (c *Checker) LivenessHandler(ctx echo.Context) error {
	return c.respond(ctx, StatusHealthy, nil)
}

// ReadinessHandler answers the readiness probe. Before startup finishes it
// reports unhealthy without touching the stores.
func (c *Checker) ReadinessHandler(ctx echo.Context) error {
	if !c.IsReady() {
		return ctx.JSON(http.StatusServiceUnavailable, Response{
			Status:     StatusUnhealthy,
			Version:    c.version,
			ReportedAt: time.Now(),
			Checks: map[string]CheckResult{
				"startup": {Status: StatusUnhealthy, Message: "service is still starting up"},
			},
		})
	}

	status, checks := c.report(ctx.Request().Context())
	return c.respond(ctx, status, checks)
}

// HealthHandler reports the full dependency picture
func (c *Checker) HealthHandler(ctx echo.Context) error {
	status, checks := c.report(ctx.Request().Context())
	return c.respond(ctx, status, checks)
}

// RegisterRoutes registers the probe routes under /api/v1
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	health := e.Group("/api/v1/health")

	health.GET("", c.HealthHandler)

	// Kubernetes-style probes
	health.GET("/live", c.LivenessHandler)
	health.GET("/ready", c.ReadinessHandler)
}
