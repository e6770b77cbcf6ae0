package cache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"qpool_cache/pkg"
)

// Stats holds the process-wide cache counters. The atomic fields are the
// authoritative, resettable counters behind Stats()/ResetStats(); the
// Prometheus counters mirror them and stay monotonic across resets, as
// Prometheus requires.
type Stats struct {
	tier1Hits     atomic.Int64
	tier1Misses   atomic.Int64
	tier2Hits     atomic.Int64
	tier2Misses   atomic.Int64
	sourceCalls   atomic.Int64
	totalRequests atomic.Int64

	promHits     *prometheus.CounterVec
	promMisses   *prometheus.CounterVec
	promSource   prometheus.Counter
	promRequests prometheus.Counter
}

// NewStats creates the counter set and registers the Prometheus mirrors on
// reg. Pass a fresh registry in tests to avoid duplicate registration.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		promHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qpool_cache_tier_hits_total",
			Help: "Question pool cache hits per tier.",
		}, []string{"tier"}),
		promMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qpool_cache_tier_misses_total",
			Help: "Question pool cache misses per tier.",
		}, []string{"tier"}),
		promSource: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qpool_cache_source_calls_total",
			Help: "Fetches from the external source of truth.",
		}),
		promRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qpool_cache_requests_total",
			Help: "Question pool lookups handled.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.promHits, s.promMisses, s.promSource, s.promRequests)
	}
	return s
}

func (s *Stats) request() {
	s.totalRequests.Add(1)
	s.promRequests.Inc()
}

func (s *Stats) hit(tier string) {
	switch tier {
	case tierVolatile:
		s.tier1Hits.Add(1)
	case tierDurable:
		s.tier2Hits.Add(1)
	}
	s.promHits.WithLabelValues(tier).Inc()
}

func (s *Stats) miss(tier string) {
	switch tier {
	case tierVolatile:
		s.tier1Misses.Add(1)
	case tierDurable:
		s.tier2Misses.Add(1)
	}
	s.promMisses.WithLabelValues(tier).Inc()
}

func (s *Stats) sourceCall() {
	s.sourceCalls.Add(1)
	s.promSource.Inc()
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() pkg.CacheStats {
	return pkg.CacheStats{
		Tier1Hits:     s.tier1Hits.Load(),
		Tier1Misses:   s.tier1Misses.Load(),
		Tier2Hits:     s.tier2Hits.Load(),
		Tier2Misses:   s.tier2Misses.Load(),
		SourceCalls:   s.sourceCalls.Load(),
		TotalRequests: s.totalRequests.Load(),
	}
}

// Reset clears the resettable counters. Operator use only.
func (s *Stats) Reset() {
	s.tier1Hits.Store(0)
	s.tier1Misses.Store(0)
	s.tier2Hits.Store(0)
	s.tier2Misses.Store(0)
	s.sourceCalls.Store(0)
	s.totalRequests.Store(0)
}
