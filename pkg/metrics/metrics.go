// Package metrics tracks proxy-wide counters (queries, cache hits/misses,
// resolve latency) and logs a periodic summary alongside per-endpoint
// health stats.
package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// maxSamples bounds the response-time window so memory doesn't grow
// unbounded under sustained load; oldest samples are evicted first.
const maxSamples = 1000

// Metrics accumulates counters. Query, cache and response-time counters
// cover the interval since the last Report; dropped and malformed counts
// are cumulative.
type Metrics struct {
	mu sync.Mutex

	totalQueries int64
	cacheHits    int64
	cacheMisses  int64
	dropped      int64
	malformed    int64

	responseTimes []time.Duration
	since         time.Time

	log *slog.Logger
}

// New creates a Metrics tracker. log may be nil to discard Report output.
func New(log *slog.Logger) *Metrics {
	return &Metrics{since: time.Now(), log: log}
}

// RecordCacheHit counts a query served from cache.
func (m *Metrics) RecordCacheHit() {
	m.mu.Lock()
	m.totalQueries++
	m.cacheHits++
	m.mu.Unlock()
}

// RecordCacheMiss counts a query resolved upstream, with its resolve
// latency.
func (m *Metrics) RecordCacheMiss(elapsed time.Duration) {
	m.mu.Lock()
	m.totalQueries++
	m.cacheMisses++
	m.responseTimes = append(m.responseTimes, elapsed)
	if len(m.responseTimes) > maxSamples {
		m.responseTimes = m.responseTimes[len(m.responseTimes)-maxSamples:]
	}
	m.mu.Unlock()
}

// RecordDropped counts a datagram dropped for backpressure (queue full).
func (m *Metrics) RecordDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

// RecordMalformed counts a datagram that failed to decode as a DNS
// message.
func (m *Metrics) RecordMalformed() {
	m.mu.Lock()
	m.malformed++
	m.mu.Unlock()
}

// Snapshot is a point-in-time read of the accumulated counters.
type Snapshot struct {
	TotalQueries     int64
	CacheHits        int64
	CacheMisses      int64
	Dropped          int64
	Malformed        int64
	QueriesPerMinute float64
	CacheHitRate     float64
	MinResponseTime  time.Duration
	MeanResponseTime time.Duration
	MaxResponseTime  time.Duration
}

// snapshotLocked builds a Snapshot; caller must hold m.mu.
func (m *Metrics) snapshotLocked() Snapshot {
	s := Snapshot{
		TotalQueries: m.totalQueries,
		CacheHits:    m.cacheHits,
		CacheMisses:  m.cacheMisses,
		Dropped:      m.dropped,
		Malformed:    m.malformed,
	}

	if elapsedMinutes := time.Since(m.since).Minutes(); elapsedMinutes > 0 {
		s.QueriesPerMinute = float64(m.totalQueries) / elapsedMinutes
	}
	if m.totalQueries > 0 {
		s.CacheHitRate = float64(m.cacheHits) / float64(m.totalQueries) * 100
	}
	if n := len(m.responseTimes); n > 0 {
		min, max := m.responseTimes[0], m.responseTimes[0]
		var sum time.Duration
		for _, d := range m.responseTimes {
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
			sum += d
		}
		s.MinResponseTime = min
		s.MaxResponseTime = max
		s.MeanResponseTime = sum / time.Duration(n)
	}
	return s
}

// Report logs a one-line summary and resets the query, cache and
// response-time counters for the next interval. Dropped and malformed
// counts are not reset.
func (m *Metrics) Report() Snapshot {
	m.mu.Lock()
	snap := m.snapshotLocked()
	m.totalQueries = 0
	m.cacheHits = 0
	m.cacheMisses = 0
	m.responseTimes = nil
	m.since = time.Now()
	m.mu.Unlock()

	if m.log != nil {
		m.log.Info("global metrics",
			"queries_per_min", snap.QueriesPerMinute,
			"cache_hits", snap.CacheHits,
			"cache_misses", snap.CacheMisses,
			"cache_hit_rate_pct", snap.CacheHitRate,
			"dropped", snap.Dropped,
			"malformed", snap.Malformed,
			"min_resolve", snap.MinResponseTime,
			"mean_resolve", snap.MeanResponseTime,
			"max_resolve", snap.MaxResponseTime,
		)
	}
	return snap
}
