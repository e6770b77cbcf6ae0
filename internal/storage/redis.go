package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"qpool_cache/pkg"
)

// Volatile-store key families. Every key this process writes to Redis
// belongs to exactly one of these prefixes.
const (
	PoolKeyPrefix     = "pool:"     // tier-1 question pool cache
	QuestionKeyPrefix = "question:" // sanitized per-question hot cache
	SessionKeyPrefix  = "session:"  // session hot state, suffixed ":state"
	SessionKeySuffix  = ":state"
	LockKeyPrefix     = "lock:" // submission locks
)

// PoolCacheKey returns the tier-1 key for a pool cache key.
func PoolCacheKey(poolKey string) string {
	return PoolKeyPrefix + poolKey
}

// QuestionCacheKey returns the hot-cache key for a question.
func QuestionCacheKey(questionID string) string {
	return QuestionKeyPrefix + questionID
}

// SessionStateKey returns the hot-state key for a session.
func SessionStateKey(sessionID string) string {
	return SessionKeyPrefix + sessionID + SessionKeySuffix
}

// SubmissionLockKey returns the lock key for a (session, question) pair.
func SubmissionLockKey(sessionID, questionID string) string {
	return LockKeyPrefix + sessionID + ":" + questionID
}

// RedisStorage is the volatile-store adapter shared by the pool cache, the
// session hot-state store and submission locks. The connection is long-lived
// and safe for concurrent use; every operation carries a bounded timeout.
type RedisStorage struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisStorage connects to Redis using the given URL and verifies the
// connection with a ping.
func NewRedisStorage(ctx context.Context, url string, opTimeout time.Duration) (*RedisStorage, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{
		client:    client,
		opTimeout: opTimeout,
	}, nil
}

// NewRedisStorageFromClient wraps an existing client. Used by tests.
func NewRedisStorageFromClient(client *redis.Client, opTimeout time.Duration) *RedisStorage {
	return &RedisStorage{client: client, opTimeout: opTimeout}
}

func (r *RedisStorage) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

// wrapErr maps transport-level failures to ErrStoreUnavailable so callers can
// distinguish an unreachable store from an absent key.
func wrapErr(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %v", op, pkg.ErrStoreUnavailable, err)
}

// Get returns the raw value for key, or pkg.ErrNotFound if absent.
func (r *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("key %s: %w", key, pkg.ErrNotFound)
		}
		return nil, wrapErr("get", err)
	}
	return data, nil
}

// Set stores value under key with the given TTL.
func (r *RedisStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapErr("set", err)
	}
	return nil
}

// SetNX stores value under key only if the key is absent. Returns true when
// the write happened.
func (r *RedisStorage) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapErr("setnx", err)
	}
	return ok, nil
}

// Delete removes the given keys and returns how many existed. Deleting an
// absent key is not an error.
func (r *RedisStorage) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, wrapErr("del", err)
	}
	return n, nil
}

// Expire refreshes the TTL of a key.
func (r *RedisStorage) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return wrapErr("expire", err)
	}
	return nil
}

// ScanKeys returns all keys matching pattern using SCAN (never KEYS, which
// blocks the server on large keyspaces).
func (r *RedisStorage) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr("scan", err)
	}
	return keys, nil
}

// RunScript executes a server-side Lua script. Used for operations that must
// be indivisible, such as the partial session-state update.
func (r *RedisStorage) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return nil, wrapErr("eval", err)
	}
	return res, nil
}

// Stats reports key counts per key family for monitoring.
func (r *RedisStorage) Stats(ctx context.Context) (*pkg.RedisStats, error) {
	sessions, err := r.ScanKeys(ctx, SessionKeyPrefix+"*"+SessionKeySuffix)
	if err != nil {
		return nil, err
	}
	locks, err := r.ScanKeys(ctx, LockKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	questions, err := r.ScanKeys(ctx, QuestionKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	pools, err := r.ScanKeys(ctx, PoolKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	total, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return nil, wrapErr("dbsize", err)
	}

	return &pkg.RedisStats{
		ActiveSessions:  int64(len(sessions)),
		ActiveLocks:     int64(len(locks)),
		CachedQuestions: int64(len(questions)),
		CachedPools:     int64(len(pools)),
		TotalKeys:       total,
	}, nil
}

// Ping tests the Redis connection.
func (r *RedisStorage) Ping(ctx context.Context) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}
