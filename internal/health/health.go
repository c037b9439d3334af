// Package health exposes the operational HTTP surface: liveness checks
// over the RPC pool and monitor cadence, plus the thin wallet endpoints
// that adapt external callers onto the keeper core.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EndpointReporter reports per-RPC-endpoint health.
type EndpointReporter interface {
	EndpointHealth() map[string]bool
}

// Checker performs health checks on the keeper's dependencies.
type Checker struct {
	endpoints      EndpointReporter
	interval       time.Duration
	lastRunTime    time.Time
	lastRunSuccess bool
	mu             sync.RWMutex
}

// NewChecker creates a health checker. interval is the expected monitor
// cadence; zero disables the cadence check.
func NewChecker(endpoints EndpointReporter, interval time.Duration) *Checker {
	return &Checker{endpoints: endpoints, interval: interval}
}

// UpdateLastRun records the timestamp and status of the last monitor
// cycle.
func (c *Checker) UpdateLastRun(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRunTime = time.Now()
	c.lastRunSuccess = success
}

// CheckStatus represents the health status of a component.
type CheckStatus string

const (
	StatusOK       CheckStatus = "ok"
	StatusDegraded CheckStatus = "degraded"
	StatusError    CheckStatus = "error"
)

// Response is the JSON health response.
type Response struct {
	Status    CheckStatus            `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckDetail `json:"checks"`
	Uptime    string                 `json:"uptime,omitempty"`
}

// CheckDetail contains details about a specific health check.
type CheckDetail struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

var startTime = time.Now()

// Check performs all health checks and returns the aggregated status.
func (c *Checker) Check(ctx context.Context) Response {
	checks := make(map[string]CheckDetail)
	overall := StatusOK

	rpcCheck := c.checkRPC()
	checks["rpc_endpoints"] = rpcCheck
	if rpcCheck.Status == StatusError {
		overall = StatusError
	} else if rpcCheck.Status == StatusDegraded {
		overall = StatusDegraded
	}

	if c.interval > 0 {
		monitorCheck := c.checkMonitor()
		checks["monitor"] = monitorCheck
		if monitorCheck.Status != StatusOK && overall == StatusOK {
			overall = StatusDegraded
		}
	}

	return Response{
		Status:    overall,
		Timestamp: time.Now(),
		Checks:    checks,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
	}
}

func (c *Checker) checkRPC() CheckDetail {
	status := c.endpoints.EndpointHealth()
	healthy := 0
	for _, ok := range status {
		if ok {
			healthy++
		}
	}

	switch {
	case len(status) == 0 || healthy == 0:
		slog.Error("Health check: no healthy RPC endpoints")
		return CheckDetail{Status: StatusError, Message: "no healthy RPC endpoints available"}
	case healthy == len(status):
		return CheckDetail{Status: StatusOK, Message: "all RPC endpoints healthy"}
	default:
		return CheckDetail{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d/%d RPC endpoints healthy", healthy, len(status)),
		}
	}
}

func (c *Checker) checkMonitor() CheckDetail {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastRunTime.IsZero() {
		return CheckDetail{Status: StatusOK, Message: "monitor not yet executed (startup)"}
	}
	if !c.lastRunSuccess {
		return CheckDetail{Status: StatusDegraded, Message: "last cycle failed"}
	}

	// Allow 2x interval grace before flagging a stalled monitor.
	sinceLast := time.Since(c.lastRunTime)
	if sinceLast > c.interval*2 {
		return CheckDetail{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("no cycle in %s (expected every %s)", sinceLast.Round(time.Second), c.interval),
		}
	}
	return CheckDetail{
		Status:  StatusOK,
		Message: fmt.Sprintf("last cycle %s ago", sinceLast.Round(time.Second)),
	}
}
