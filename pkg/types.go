package pkg

import (
	"fmt"
	"strings"
	"time"
)

// Question pool hierarchy levels supported by the external content service.
const (
	LevelTopic   = "topic"
	LevelChapter = "chapter"
	LevelSubject = "subject"
	LevelClass   = "class"
	LevelExam    = "exam"
)

// ValidLevel reports whether level is one of the known hierarchy levels.
func ValidLevel(level string) bool {
	switch level {
	case LevelTopic, LevelChapter, LevelSubject, LevelClass, LevelExam:
		return true
	}
	return false
}

// PoolIdentity identifies a question pool by hierarchy level and level ID.
type PoolIdentity struct {
	Level   string `json:"level"`
	LevelID string `json:"level_id"`
}

// Key returns the cache key used for this pool across all tiers.
func (p PoolIdentity) Key() string {
	return p.Level + ":" + p.LevelID
}

func (p PoolIdentity) String() string {
	return p.Key()
}

// ParsePoolKey parses a "level:level_id" cache key back into an identity.
func ParsePoolKey(key string) (PoolIdentity, error) {
	level, levelID, ok := strings.Cut(key, ":")
	if !ok {
		return PoolIdentity{}, fmt.Errorf("%w: malformed pool key %q", ErrInvalidIdentity, key)
	}
	id := PoolIdentity{Level: level, LevelID: levelID}
	return id, id.Validate()
}

// Validate checks that the identity is well formed.
func (p PoolIdentity) Validate() error {
	if !ValidLevel(p.Level) {
		return fmt.Errorf("%w: invalid level %q", ErrInvalidIdentity, p.Level)
	}
	if p.LevelID == "" {
		return fmt.Errorf("%w: empty level id", ErrInvalidIdentity)
	}
	return nil
}

// Attribute describes one concept dimension of a question pool.
type Attribute struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Question is a single item in a question pool with its IRT parameters.
type Question struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Options        []string  `json:"options"`
	CorrectAnswer  string    `json:"correct_answer,omitempty"`
	Concepts       []float64 `json:"concepts"` // fixed length per pool, aligned to Attributes
	Difficulty     float64   `json:"difficulty"`
	Discrimination float64   `json:"discrimination"`
	Guessing       float64   `json:"guessing"`
	TopicID        string    `json:"topic_id,omitempty"`
	ChapterID      string    `json:"chapter_id,omitempty"`
	SubjectID      string    `json:"subject_id,omitempty"`
	ClassID        string    `json:"class_id,omitempty"`
	ExamID         string    `json:"exam_id,omitempty"`
}

// Sanitized returns a copy of the question with the correct answer removed.
// Only the durable tier may hold the correct answer; anything served to or
// cached alongside session hot state must go through this.
func (q Question) Sanitized() Question {
	q.CorrectAnswer = ""
	return q
}

// QuestionPool is the internal representation of a resolved question pool.
type QuestionPool struct {
	PoolKey        string      `json:"pool_key"`
	Level          string      `json:"level"`
	LevelID        string      `json:"level_id"`
	AttributeCount int         `json:"attribute_count"`
	Attributes     []Attribute `json:"attributes"`
	Questions      []Question  `json:"questions"`
	TotalQuestions int         `json:"total_questions"`
	CachedAt       time.Time   `json:"cached_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	CacheTier      string      `json:"cache_tier,omitempty"` // which tier answered, diagnostics only
}

// Identity returns the pool identity this pool was resolved for.
func (p *QuestionPool) Identity() PoolIdentity {
	return PoolIdentity{Level: p.Level, LevelID: p.LevelID}
}

// Session status values for hot-state records.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// SessionState is the minimal hot-state record for an active exam session.
// It is a disposable cache, not the system of record: the durable store keeps
// the authoritative session and response history.
type SessionState struct {
	SessionID          string    `json:"session_id"`
	StudentID          string    `json:"student_id"`
	PoolKey            string    `json:"pool_key"`
	CurrentProficiency []float64 `json:"current_proficiency"`
	NextQuestionID     string    `json:"next_question_id,omitempty"`
	AnsweredIDs        []string  `json:"answered_ids,omitempty"`
	Status             string    `json:"status"`
	QuestionsAnswered  int       `json:"questions_answered"`
	LastActivity       time.Time `json:"last_activity"`
}

// CacheStats is a snapshot of the process-wide cache counters.
type CacheStats struct {
	Tier1Hits     int64 `json:"tier1_hits"`
	Tier1Misses   int64 `json:"tier1_misses"`
	Tier2Hits     int64 `json:"tier2_hits"`
	Tier2Misses   int64 `json:"tier2_misses"`
	SourceCalls   int64 `json:"source_calls"`
	TotalRequests int64 `json:"total_requests"`
}

// HitRate returns the overall cache hit rate in percent, 0 when no requests.
func (s CacheStats) HitRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.Tier1Hits+s.Tier2Hits) / float64(s.TotalRequests) * 100
}

// WarmupResult records the outcome of one pool during cache warmup.
type WarmupResult struct {
	PoolKey   string `json:"pool_key"`
	Status    string `json:"status"` // "success" or "failed"
	Questions int    `json:"questions,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RedisStats reports volatile-store key counts for monitoring.
type RedisStats struct {
	ActiveSessions  int64 `json:"active_sessions"`
	ActiveLocks     int64 `json:"active_locks"`
	CachedQuestions int64 `json:"cached_questions"`
	CachedPools     int64 `json:"cached_pools"`
	TotalKeys       int64 `json:"total_keys"`
}
