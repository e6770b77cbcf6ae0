package cache

import (
	"context"
	"time"

	"github.com/bytedance/sonic"

	"qpool_cache/internal/storage"
	"qpool_cache/pkg"
)

// QuestionCache is a sanitized per-question hot cache used when serving the
// next question of a session. Entries never contain the correct answer; the
// grading path reads answers from the durable tier only.
type QuestionCache struct {
	store *storage.RedisStorage
	ttl   time.Duration
}

// NewQuestionCache builds a question hot cache with the given TTL.
func NewQuestionCache(store *storage.RedisStorage, ttl time.Duration) *QuestionCache {
	return &QuestionCache{store: store, ttl: ttl}
}

// Put caches a question after stripping the correct answer.
func (c *QuestionCache) Put(ctx context.Context, q pkg.Question) error {
	safe := q.Sanitized()
	data, err := sonic.Marshal(&safe)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, storage.QuestionCacheKey(q.ID), data, c.ttl)
}

// Get returns a cached question, or pkg.ErrNotFound when absent.
func (c *QuestionCache) Get(ctx context.Context, questionID string) (*pkg.Question, error) {
	data, err := c.store.Get(ctx, storage.QuestionCacheKey(questionID))
	if err != nil {
		return nil, err
	}
	var q pkg.Question
	if err := sonic.Unmarshal(data, &q); err != nil {
		return nil, err
	}
	return &q, nil
}
