package session

import (
	"context"
	"time"

	"qpool_cache/internal/storage"
)

// SubmissionLock is a short-TTL mutual-exclusion primitive keyed by
// (session, question) that prevents duplicate answer processing. The TTL is
// the backstop for callers that crash before releasing; Release must still be
// called on every exit path of the critical section.
type SubmissionLock struct {
	redis *storage.RedisStorage
	ttl   time.Duration
}

// NewSubmissionLock builds a lock facility with the given TTL. The TTL should
// be longer than any plausible legitimate processing time but short enough
// that legitimate retries are not wrongly rejected.
func NewSubmissionLock(redis *storage.RedisStorage, ttl time.Duration) *SubmissionLock {
	return &SubmissionLock{redis: redis, ttl: ttl}
}

// Acquire attempts to take the lock. Returns true when the caller now owns
// the critical section and false when a submission for the same pair is in
// flight or was very recently completed.
func (l *SubmissionLock) Acquire(ctx context.Context, sessionID, questionID string) (bool, error) {
	return l.redis.SetNX(ctx, storage.SubmissionLockKey(sessionID, questionID), []byte("1"), l.ttl)
}

// Release drops the lock. Idempotent.
func (l *SubmissionLock) Release(ctx context.Context, sessionID, questionID string) error {
	_, err := l.redis.Delete(ctx, storage.SubmissionLockKey(sessionID, questionID))
	return err
}
