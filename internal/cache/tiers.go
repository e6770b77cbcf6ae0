package cache

import (
	"context"
	"time"

	"github.com/bytedance/sonic"

	"qpool_cache/internal/storage"
	"qpool_cache/pkg"
)

// Tier names as they appear in logs and metrics.
const (
	tierVolatile = "redis"
	tierDurable  = "postgres"
)

// Tier is one level of the waterfall. Lookup returns pkg.ErrNotFound on a
// miss; any other error means the tier itself is unhealthy. Adding or
// removing a tier is a wiring change in main, not a control-flow rewrite.
type Tier interface {
	Name() string
	Lookup(ctx context.Context, poolKey string) (*pkg.QuestionPool, error)
	Populate(ctx context.Context, pool *pkg.QuestionPool) error
	Invalidate(ctx context.Context, poolKey string) error
}

// redisTier is tier 1: the volatile store with a short TTL.
type redisTier struct {
	store *storage.RedisStorage
	ttl   time.Duration
}

// NewRedisTier wraps the volatile store as a cache tier.
func NewRedisTier(store *storage.RedisStorage, ttl time.Duration) Tier {
	return &redisTier{store: store, ttl: ttl}
}

func (t *redisTier) Name() string { return tierVolatile }

func (t *redisTier) Lookup(ctx context.Context, poolKey string) (*pkg.QuestionPool, error) {
	data, err := t.store.Get(ctx, storage.PoolCacheKey(poolKey))
	if err != nil {
		return nil, err
	}
	var pool pkg.QuestionPool
	if err := sonic.Unmarshal(data, &pool); err != nil {
		return nil, err
	}
	pool.CacheTier = tierVolatile
	return &pool, nil
}

func (t *redisTier) Populate(ctx context.Context, pool *pkg.QuestionPool) error {
	entry := *pool
	entry.CacheTier = tierVolatile
	entry.CachedAt = time.Now().UTC()
	entry.ExpiresAt = entry.CachedAt.Add(t.ttl)

	data, err := sonic.Marshal(&entry)
	if err != nil {
		return err
	}
	return t.store.Set(ctx, storage.PoolCacheKey(pool.PoolKey), data, t.ttl)
}

func (t *redisTier) Invalidate(ctx context.Context, poolKey string) error {
	_, err := t.store.Delete(ctx, storage.PoolCacheKey(poolKey))
	return err
}

// postgresTier is tier 2: the durable store with a long TTL.
type postgresTier struct {
	store *storage.PostgresStorage
	ttl   time.Duration
}

// NewPostgresTier wraps the durable store as a cache tier.
func NewPostgresTier(store *storage.PostgresStorage, ttl time.Duration) Tier {
	return &postgresTier{store: store, ttl: ttl}
}

func (t *postgresTier) Name() string { return tierDurable }

func (t *postgresTier) Lookup(ctx context.Context, poolKey string) (*pkg.QuestionPool, error) {
	return t.store.GetPool(ctx, poolKey)
}

func (t *postgresTier) Populate(ctx context.Context, pool *pkg.QuestionPool) error {
	return t.store.PutPool(ctx, pool, t.ttl)
}

func (t *postgresTier) Invalidate(ctx context.Context, poolKey string) error {
	return t.store.DeletePool(ctx, poolKey)
}
