// Package upstream implements the pool of DoH endpoints: health tracking,
// round-robin selection, and recovery.
package upstream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that marks
	// an endpoint unhealthy.
	DefaultFailureThreshold = 3
	// DefaultRecoveryInterval is how long an unhealthy endpoint stays out
	// of rotation before being silently re-admitted.
	DefaultRecoveryInterval = 60 * time.Second

	// ewmaAlpha is the prescribed smoothing factor for the moving-average
	// response time.
	ewmaAlpha = 0.2
)

// Endpoint is one DoH upstream and its health/latency statistics.
type Endpoint struct {
	// URL is the DoH endpoint URL as configured: bootstrap never
	// rewrites the URL's authority. Dialing to the
	// bootstrap-resolved IP, when available, happens at the transport
	// level via bootstrap.DialerWithOverrides.
	URL string

	mu                  sync.Mutex
	healthy             bool
	successes           uint64
	failures            uint64
	consecutiveFailures uint64
	lastFailureAt       time.Time
	avgResponseMs       float64
}

// Stats is a point-in-time, read-only snapshot of an Endpoint for logging.
type Stats struct {
	URL                 string
	Healthy             bool
	Successes           uint64
	Failures            uint64
	ConsecutiveFailures uint64
	AvgResponseMs       float64
}

// Manager round-robins across a fixed set of endpoints, taking failing ones
// out of rotation and recovering them after a cooldown.
type Manager struct {
	endpoints        []*Endpoint
	next             atomic.Uint64
	failureThreshold uint64
	recoveryInterval time.Duration
	log              *slog.Logger
}

// New builds a Manager over urls. At least one URL is required; New panics
// if none is given — callers are expected to validate configuration before
// reaching here.
func New(urls []string, failureThreshold int, recoveryInterval time.Duration, log *slog.Logger) *Manager {
	if len(urls) == 0 {
		panic("upstream: at least one endpoint URL is required")
	}
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryInterval <= 0 {
		recoveryInterval = DefaultRecoveryInterval
	}

	endpoints := make([]*Endpoint, len(urls))
	for i, u := range urls {
		endpoints[i] = &Endpoint{URL: u, healthy: true}
	}

	return &Manager{
		endpoints:        endpoints,
		failureThreshold: uint64(failureThreshold),
		recoveryInterval: recoveryInterval,
		log:              log,
	}
}

// Select returns the next available endpoint by round-robin-with-skip
// Returns ok=false only when the endpoint list
// is empty.
func (m *Manager) Select() (*Endpoint, bool) {
	n := len(m.endpoints)
	if n == 0 {
		return nil, false
	}

	start := m.next.Add(1) - 1
	for i := 0; i < n; i++ {
		idx := int((start + uint64(i)) % uint64(n))
		ep := m.endpoints[idx]
		if m.available(ep) {
			return ep, true
		}
	}

	// All unavailable: best-effort fallback to the endpoint with the
	// earliest last failure.
	var best *Endpoint
	for _, ep := range m.endpoints {
		ep.mu.Lock()
		lf := ep.lastFailureAt
		ep.mu.Unlock()
		if best == nil {
			best = ep
			continue
		}
		best.mu.Lock()
		bestLF := best.lastFailureAt
		best.mu.Unlock()
		if lf.Before(bestLF) {
			best = ep
		}
	}
	return best, true
}

func (m *Manager) available(ep *Endpoint) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.healthy {
		return true
	}
	if time.Since(ep.lastFailureAt) >= m.recoveryInterval {
		return true
	}
	return false
}

// RecordSuccess resets consecutive failure tracking, marks the endpoint
// healthy, and folds elapsed into the EWMA response-time estimate.
func (m *Manager) RecordSuccess(ep *Endpoint, elapsed time.Duration) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.successes++
	ep.consecutiveFailures = 0
	ep.healthy = true

	ms := float64(elapsed.Microseconds()) / 1000.0
	if ep.avgResponseMs == 0 {
		ep.avgResponseMs = ms
	} else {
		ep.avgResponseMs = ewmaAlpha*ms + (1-ewmaAlpha)*ep.avgResponseMs
	}
}

// RecordFailure increments failure counters and, once consecutiveFailures
// reaches the threshold, marks the endpoint unhealthy.
func (m *Manager) RecordFailure(ep *Endpoint) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.failures++
	ep.consecutiveFailures++
	ep.lastFailureAt = time.Now()

	if ep.consecutiveFailures >= m.failureThreshold {
		if ep.healthy && m.log != nil {
			m.log.Warn("upstream marked unhealthy", "url", ep.URL, "consecutive_failures", ep.consecutiveFailures)
		}
		ep.healthy = false
	}
}

// StatsSnapshot returns a per-endpoint summary for periodic logging
// for periodic logging.
func (m *Manager) StatsSnapshot() []Stats {
	out := make([]Stats, len(m.endpoints))
	for i, ep := range m.endpoints {
		ep.mu.Lock()
		out[i] = Stats{
			URL:                 ep.URL,
			Healthy:             ep.healthy,
			Successes:           ep.successes,
			Failures:            ep.failures,
			ConsecutiveFailures: ep.consecutiveFailures,
			AvgResponseMs:       ep.avgResponseMs,
		}
		ep.mu.Unlock()
	}
	return out
}
