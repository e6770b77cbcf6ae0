package session

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"qpool_cache/internal/logger"
)

// Sweeper periodically reaps sessions whose last activity is older than the
// inactivity threshold. Redis key TTLs already bound worst-case lifetime; the
// sweeper exists so abandoned sessions disappear on the inactivity schedule
// rather than the full key TTL.
type Sweeper struct {
	store     *Store
	interval  time.Duration
	threshold time.Duration
	reaped    prometheus.Counter
}

// NewSweeper builds a sweeper. reg may be nil when metrics are not wanted,
// e.g. in tests.
func NewSweeper(store *Store, interval, threshold time.Duration, reg prometheus.Registerer) *Sweeper {
	reaped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qpool_cache_sessions_reaped_total",
		Help: "Sessions removed by the inactivity sweeper.",
	})
	if reg != nil {
		reg.MustRegister(reaped)
	}
	return &Sweeper{store: store, interval: interval, threshold: threshold, reaped: reaped}
}

// Run sweeps on a fixed interval until the context is cancelled. A failed
// sweep is logged and the loop keeps going; the next tick retries.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info().
		Dur("interval", s.interval).
		Dur("threshold", s.threshold).
		Msg("Inactivity sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Inactivity sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx, s.threshold); err != nil {
				logger.Error().Err(err).Msg("Session sweep failed")
			}
		}
	}
}

// SweepScheduled runs one sweep with the configured threshold.
func (s *Sweeper) SweepScheduled(ctx context.Context) (int, error) {
	return s.SweepOnce(ctx, s.threshold)
}

// SweepOnce scans all live sessions and reaps those inactive for longer than
// the given threshold. It is also the entry point for operator-triggered
// sweeps, which may pass a threshold different from the scheduled one.
// Returns the number of sessions reaped.
func (s *Sweeper) SweepOnce(ctx context.Context, threshold time.Duration) (int, error) {
	ids, err := s.store.ActiveSessionIDs(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-threshold)
	reaped := 0
	for _, id := range ids {
		ok, err := s.store.sweepSession(ctx, id, cutoff)
		if err != nil {
			logger.Warn().Err(err).Str("session_id", id).Msg("Failed to sweep session")
			continue
		}
		if ok {
			reaped++
			s.reaped.Inc()
		}
	}

	if reaped > 0 {
		logger.Info().Int("reaped", reaped).Int("scanned", len(ids)).Msg("Session sweep complete")
	}
	return reaped, nil
}
