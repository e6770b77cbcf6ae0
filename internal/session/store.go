package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"qpool_cache/internal/logger"
	"qpool_cache/internal/storage"
	"qpool_cache/pkg"
)

// updateProficiencyScript patches proficiency, answered count and
// last_activity inside Redis and refreshes the TTL, all as one indivisible
// server-side operation. A plain read-modify-write from the client would
// lose updates under concurrent submissions on the same session.
//
// The proficiency vector must not round-trip through cjson: cjson encodes an
// empty Lua table as an object, which would turn an empty vector into {}.
// Both scripts splice ARGV[1] into the encoded state verbatim via a
// placeholder instead.
//
// KEYS[1] session state key
// ARGV[1] new proficiency vector (JSON array)
// ARGV[2] new questions_answered
// ARGV[3] new last_activity (RFC3339)
// ARGV[4] TTL seconds
var updateProficiencyScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local state = cjson.decode(data)
state['current_proficiency'] = '@prof@'
state['questions_answered'] = tonumber(ARGV[2])
state['last_activity'] = ARGV[3]
local out = string.gsub(cjson.encode(state), '"@prof@"', ARGV[1], 1)
redis.call('SET', KEYS[1], out, 'EX', tonumber(ARGV[4]))
return 1
`)

// applySubmissionScript is the grading-path variant of the partial update: it
// additionally records the answered question and the next one to serve, so a
// submission commits its whole effect on the hot state in one step.
//
// KEYS[1] session state key
// ARGV[1] new proficiency vector (JSON array)
// ARGV[2] new questions_answered
// ARGV[3] new last_activity (RFC3339)
// ARGV[4] TTL seconds
// ARGV[5] answered question id
// ARGV[6] next question id ("" when the pool is exhausted)
var applySubmissionScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local state = cjson.decode(data)
state['current_proficiency'] = '@prof@'
state['questions_answered'] = tonumber(ARGV[2])
state['last_activity'] = ARGV[3]
local answered = state['answered_ids']
if type(answered) ~= 'table' then
	answered = {}
end
answered[#answered + 1] = ARGV[5]
state['answered_ids'] = answered
if ARGV[6] == '' then
	state['next_question_id'] = nil
else
	state['next_question_id'] = ARGV[6]
end
local out = string.gsub(cjson.encode(state), '"@prof@"', ARGV[1], 1)
redis.call('SET', KEYS[1], out, 'EX', tonumber(ARGV[4]))
return 1
`)

// Store owns the hot-state record per exam session. It is a cache, not the
// system of record: it never falls back to a slower tier itself, and callers
// reconstruct continuation state from the durable store when a record is
// missing.
type Store struct {
	redis *storage.RedisStorage
	ttl   time.Duration
}

// NewStore builds a session store with the given sliding-expiry window.
func NewStore(redis *storage.RedisStorage, ttl time.Duration) *Store {
	return &Store{redis: redis, ttl: ttl}
}

// TTL returns the sliding-expiry window.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create writes a new hot-state record. Returns pkg.ErrAlreadyExists when a
// record for the session is already present; starting a test is not
// idempotent under this store.
func (s *Store) Create(ctx context.Context, state *pkg.SessionState) error {
	if state.SessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if state.Status == "" {
		state.Status = pkg.SessionActive
	}
	state.LastActivity = time.Now().UTC()

	data, err := sonic.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	ok, err := s.redis.SetNX(ctx, storage.SessionStateKey(state.SessionID), data, s.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s: %w", state.SessionID, pkg.ErrAlreadyExists)
	}

	logger.Debug().Str("session_id", state.SessionID).Msg("Created session hot state")
	return nil
}

// Get returns the hot-state record, or pkg.ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, sessionID string) (*pkg.SessionState, error) {
	data, err := s.redis.Get(ctx, storage.SessionStateKey(sessionID))
	if err != nil {
		return nil, err
	}

	var state pkg.SessionState
	if err := sonic.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	return &state, nil
}

// UpdateProficiency rewrites only the proficiency vector, answered count and
// last_activity, and slides the expiry window from now. The caller never
// re-supplies unrelated fields.
func (s *Store) UpdateProficiency(ctx context.Context, sessionID string, proficiency []float64, questionsAnswered int) error {
	prof, err := sonic.MarshalString(proficiency)
	if err != nil {
		return fmt.Errorf("failed to marshal proficiency: %w", err)
	}

	res, err := s.redis.RunScript(ctx, updateProficiencyScript,
		[]string{storage.SessionStateKey(sessionID)},
		prof,
		questionsAnswered,
		time.Now().UTC().Format(time.RFC3339Nano),
		int(s.ttl.Seconds()))
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, pkg.ErrNotFound)
	}
	return nil
}

// ApplySubmission commits the full effect of a graded submission on the hot
// state: the new proficiency vector, the answered count, the answered-question
// record and the next question to serve, with the expiry window slid from now.
func (s *Store) ApplySubmission(ctx context.Context, sessionID string, proficiency []float64, questionsAnswered int, answeredQuestionID, nextQuestionID string) error {
	prof, err := sonic.MarshalString(proficiency)
	if err != nil {
		return fmt.Errorf("failed to marshal proficiency: %w", err)
	}

	res, err := s.redis.RunScript(ctx, applySubmissionScript,
		[]string{storage.SessionStateKey(sessionID)},
		prof,
		questionsAnswered,
		time.Now().UTC().Format(time.RFC3339Nano),
		int(s.ttl.Seconds()),
		answeredQuestionID,
		nextQuestionID)
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, pkg.ErrNotFound)
	}
	return nil
}

// Delete removes the hot-state record. Idempotent; used on test completion.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.redis.Delete(ctx, storage.SessionStateKey(sessionID))
	return err
}

// ActiveSessionIDs lists the sessions that currently have hot state.
func (s *Store) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	keys, err := s.redis.ScanKeys(ctx, storage.SessionKeyPrefix+"*"+storage.SessionKeySuffix)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, storage.SessionKeyPrefix), storage.SessionKeySuffix)
		ids = append(ids, id)
	}
	return ids, nil
}

// sweepSession deletes a session when its last activity is older than the
// threshold. Returns true when the session was reaped.
func (s *Store) sweepSession(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	state, err := s.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pkg.ErrNotFound) {
			return false, nil // expired between scan and read
		}
		return false, err
	}
	if !state.LastActivity.Before(cutoff) {
		return false, nil
	}
	if err := s.Delete(ctx, sessionID); err != nil {
		return false, err
	}
	logger.Info().Str("session_id", sessionID).Time("last_activity", state.LastActivity).
		Msg("Reaped inactive session")
	return true, nil
}
