package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"qpool_cache/internal/logger"
	"qpool_cache/pkg"
)

// Fetcher is the source-of-truth boundary (tier 3).
type Fetcher interface {
	FetchPool(ctx context.Context, id pkg.PoolIdentity, fetchAllPages bool) (*pkg.QuestionPool, error)
	Health(ctx context.Context) error
}

// Manager is the waterfall/write-through controller over an ordered list of
// cache tiers plus the external source. Lookups stop at the first hit and
// propagate it backward into every faster tier; a full miss fetches from the
// source and writes through to all tiers.
type Manager struct {
	tiers  []Tier
	source Fetcher
	stats  *Stats
}

// NewManager builds a cache manager. Tiers must be ordered fastest first.
func NewManager(tiers []Tier, source Fetcher, stats *Stats) *Manager {
	logger.Info().Int("tiers", len(tiers)).Msg("Cache manager initialized")
	return &Manager{tiers: tiers, source: source, stats: stats}
}

// GetPool resolves a question pool through the tier waterfall.
//
// A tier error other than a miss is treated as a degraded tier: the lookup
// continues to the next tier and recovery happens lazily per request through
// the write-back. A source failure surfaces as pkg.ErrSourceUnavailable so
// callers can tell "no data exists" from "data unreachable".
func (m *Manager) GetPool(ctx context.Context, id pkg.PoolIdentity, fetchAllPages bool) (*pkg.QuestionPool, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	m.stats.request()
	key := id.Key()

	for i, tier := range m.tiers {
		pool, err := tier.Lookup(ctx, key)
		if err == nil {
			m.stats.hit(tier.Name())
			logger.Info().Str("pool_key", key).Str("tier", tier.Name()).Msg("Cache HIT")
			m.writeBack(ctx, pool, i)
			return pool, nil
		}

		m.stats.miss(tier.Name())
		if !errors.Is(err, pkg.ErrNotFound) {
			logger.Warn().Err(err).
				Str("pool_key", key).
				Str("tier", tier.Name()).
				Msg("Tier degraded, continuing to next tier")
		}
	}

	return m.fetchAndFill(ctx, id, fetchAllPages)
}

// writeBack populates every tier faster than the one that answered.
func (m *Manager) writeBack(ctx context.Context, pool *pkg.QuestionPool, hitIdx int) {
	for i := hitIdx - 1; i >= 0; i-- {
		if err := m.tiers[i].Populate(ctx, pool); err != nil {
			logger.Warn().Err(err).
				Str("pool_key", pool.PoolKey).
				Str("tier", m.tiers[i].Name()).
				Msg("Write-back failed")
		}
	}
}

// fetchAndFill fetches from the source and writes through to all tiers,
// slowest first. A pool with zero questions is a valid result and is cached
// as such so genuinely-empty pools do not hammer the source.
func (m *Manager) fetchAndFill(ctx context.Context, id pkg.PoolIdentity, fetchAllPages bool) (*pkg.QuestionPool, error) {
	m.stats.sourceCall()
	key := id.Key()

	pool, err := m.source.FetchPool(ctx, id, fetchAllPages)
	if err != nil {
		if errors.Is(err, pkg.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("pool %s: %w: %v", key, pkg.ErrSourceUnavailable, err)
	}

	logger.Info().Str("pool_key", key).Int("questions", pool.TotalQuestions).Msg("Fetched pool from source")

	for i := len(m.tiers) - 1; i >= 0; i-- {
		if err := m.tiers[i].Populate(ctx, pool); err != nil {
			logger.Warn().Err(err).
				Str("pool_key", key).
				Str("tier", m.tiers[i].Name()).
				Msg("Write-through failed")
		}
	}
	return pool, nil
}

// Invalidate removes the pool from every cache tier. It never touches the
// source and deleting an absent key is not an error.
func (m *Manager) Invalidate(ctx context.Context, id pkg.PoolIdentity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	key := id.Key()

	var errs []error
	for _, tier := range m.tiers {
		if err := tier.Invalidate(ctx, key); err != nil {
			logger.Error().Err(err).Str("pool_key", key).Str("tier", tier.Name()).Msg("Invalidate failed")
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info().Str("pool_key", key).Msg("Invalidated pool from all tiers")
	return nil
}

// Refresh forces a fresh source fetch: tier reads are bypassed, the caches
// are invalidated first and written through afterward.
func (m *Manager) Refresh(ctx context.Context, id pkg.PoolIdentity) (*pkg.QuestionPool, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := m.Invalidate(ctx, id); err != nil {
		logger.Warn().Err(err).Str("pool_key", id.Key()).Msg("Invalidate before refresh failed")
	}
	m.stats.request()
	return m.fetchAndFill(ctx, id, true)
}

// warmupConcurrency bounds parallel pool fetches during warmup.
const warmupConcurrency = 4

// Warmup pre-resolves the given pools, collecting a per-identity result
// without aborting on the first failure.
func (m *Manager) Warmup(ctx context.Context, ids []pkg.PoolIdentity) map[string]pkg.WarmupResult {
	logger.Info().Int("pools", len(ids)).Msg("Warming up cache")

	var mu sync.Mutex
	results := make(map[string]pkg.WarmupResult, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmupConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			result := pkg.WarmupResult{PoolKey: id.Key(), Status: "success"}
			pool, err := m.GetPool(ctx, id, true)
			if err != nil {
				result.Status = "failed"
				result.Error = err.Error()
			} else {
				result.Questions = pool.TotalQuestions
			}
			mu.Lock()
			results[id.Key()] = result
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Status == "success" {
			succeeded++
		}
	}
	logger.Info().
		Int("success", succeeded).
		Int("failed", len(results)-succeeded).
		Msg("Cache warmup complete")
	return results
}

// Stats returns a snapshot of the cache counters.
func (m *Manager) Stats() pkg.CacheStats {
	return m.stats.Snapshot()
}

// ResetStats clears the cache counters. Operator use only.
func (m *Manager) ResetStats() {
	m.stats.Reset()
	logger.Info().Msg("Cache statistics reset")
}

// SourceHealth probes the source of truth.
func (m *Manager) SourceHealth(ctx context.Context) error {
	return m.source.Health(ctx)
}
