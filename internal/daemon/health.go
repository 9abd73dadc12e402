package daemon

import (
	"context"
	"sync"
	"time"
)

// HealthStatus represents the overall health of the daemon.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const (
	defaultProbeTimeout = 5 * time.Second
	healthCacheTTL      = 30 * time.Second
)

// Probe is one component health check. Required probes pull the overall
// status to unhealthy when they fail; optional ones only degrade it.
type Probe struct {
	Name     string
	Required bool
	Timeout  time.Duration
	Check    func(ctx context.Context) error
}

// HealthCheck is one probe's most recent outcome.
type HealthCheck struct {
	Name        string        `json:"name"`
	Status      HealthStatus  `json:"status"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	LastChecked time.Time     `json:"last_checked"`
}

// HealthResponse is the complete health check response.
type HealthResponse struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Checks    []HealthCheck `json:"checks"`
}

// HealthChecker composes component probes with independent timeouts and
// caches the composed result for 30 seconds.
type HealthChecker struct {
	startTime time.Time

	mu       sync.Mutex
	probes   []Probe
	cached   *HealthResponse
	cachedAt time.Time
}

// NewHealthChecker builds an empty checker; register probes before use.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// Register adds a probe. Not safe to call after Check is in use by handlers.
func (h *HealthChecker) Register(p Probe) {
	if p.Timeout <= 0 {
		p.Timeout = defaultProbeTimeout
	}
	h.mu.Lock()
	h.probes = append(h.probes, p)
	h.mu.Unlock()
}

// Check runs every probe (or serves the cached composition) and returns the
// overall status: the worst result among required probes, degraded when only
// optional probes fail.
func (h *HealthChecker) Check(ctx context.Context) *HealthResponse {
	h.mu.Lock()
	if h.cached != nil && time.Since(h.cachedAt) < healthCacheTTL {
		cached := *h.cached
		h.mu.Unlock()
		return &cached
	}
	probes := make([]Probe, len(h.probes))
	copy(probes, h.probes)
	h.mu.Unlock()

	response := &HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}

	for _, probe := range probes {
		check := h.run(ctx, probe)
		response.Checks = append(response.Checks, check)
		if check.Status == HealthStatusHealthy {
			continue
		}
		if probe.Required {
			response.Status = HealthStatusUnhealthy
		} else if response.Status == HealthStatusHealthy {
			response.Status = HealthStatusDegraded
		}
	}

	h.mu.Lock()
	h.cached = response
	h.cachedAt = time.Now()
	h.mu.Unlock()
	return response
}

func (h *HealthChecker) run(ctx context.Context, probe Probe) HealthCheck {
	start := time.Now()
	check := HealthCheck{Name: probe.Name, LastChecked: start}

	probeCtx, cancel := context.WithTimeout(ctx, probe.Timeout)
	defer cancel()

	err := probe.Check(probeCtx)
	check.Duration = time.Since(start)
	if err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = err.Error()
		return check
	}
	check.Status = HealthStatusHealthy
	return check
}
