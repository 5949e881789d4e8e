package observability

import (
	"context"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy HealthStatus = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) error

// ComponentHealth represents the health status of a single component.
type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// HealthResponse represents the overall health check response.
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthChecker runs registered component checks concurrently. The server
// exposes the result on its state endpoint.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheck
	version string
	timeout time.Duration
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]HealthCheck),
		version: version,
		timeout: 5 * time.Second,
	}
}

// Register registers a health check for a component.
func (hc *HealthChecker) Register(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// SetTimeout sets the timeout for one round of checks.
func (hc *HealthChecker) SetTimeout(timeout time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.timeout = timeout
}

// Check performs all health checks and returns the aggregate status.
func (hc *HealthChecker) Check(ctx context.Context) *HealthResponse {
	hc.mu.RLock()
	checks := make(map[string]HealthCheck, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	timeout := hc.timeout
	hc.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	components := hc.run(ctx, checks)

	overall := StatusHealthy
	for _, component := range components {
		if component.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
	}

	return &HealthResponse{
		Status:     overall,
		Timestamp:  time.Now(),
		Version:    hc.version,
		Components: components,
	}
}

// run executes a set of checks concurrently.
func (hc *HealthChecker) run(ctx context.Context, checks map[string]HealthCheck) map[string]ComponentHealth {
	components := make(map[string]ComponentHealth)
	if len(checks) == 0 {
		return components
	}

	type result struct {
		name   string
		health ComponentHealth
	}

	var wg sync.WaitGroup
	results := make(chan result, len(checks))

	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := check(ctx)
			latency := time.Since(start)

			health := ComponentHealth{
				Status:  StatusHealthy,
				Latency: latency.String(),
			}
			if err != nil {
				health.Status = StatusUnhealthy
				if ctx.Err() != nil {
					health.Error = "check timed out"
				} else {
					health.Error = err.Error()
				}
			}

			results <- result{name: name, health: health}
		}(name, check)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		components[r.name] = r.health
	}

	return components
}
