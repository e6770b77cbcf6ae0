package exam

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"qpool_cache/internal/cache"
	"qpool_cache/internal/logger"
	"qpool_cache/internal/session"
	"qpool_cache/pkg"
)

// ProficiencyFunc maps the current proficiency vector and a graded response
// to the updated vector. Injected so the scoring model can evolve without
// touching the session flow.
type ProficiencyFunc func(current []float64, q pkg.Question, correct bool) []float64

// DefaultProficiency is a 3PL gradient step: each concept dimension the
// question loads on moves toward the observed response by the model's
// prediction error, scaled by discrimination.
func DefaultProficiency(current []float64, q pkg.Question, correct bool) []float64 {
	const learningRate = 0.3

	updated := make([]float64, len(current))
	copy(updated, current)

	theta := 0.0
	weight := 0.0
	for i, c := range q.Concepts {
		if i >= len(current) {
			break
		}
		theta += current[i] * c
		weight += c
	}
	if weight > 0 {
		theta /= weight
	}

	p := q.Guessing + (1-q.Guessing)/(1+math.Exp(-q.Discrimination*(theta-q.Difficulty)))
	score := 0.0
	if correct {
		score = 1.0
	}
	step := learningRate * q.Discrimination * (score - p)

	for i, c := range q.Concepts {
		if i >= len(updated) {
			break
		}
		updated[i] += step * c
	}
	return updated
}

// QuestionReader is the grading-path read: the only consumer of correct
// answers, always served from the durable tier.
type QuestionReader interface {
	GetQuestion(ctx context.Context, questionID string) (*pkg.Question, error)
}

// Service drives the exam session flow on top of the pool cache and the
// session hot state. It is the only component that touches the grading path.
type Service struct {
	pools       *cache.Manager
	questions   *cache.QuestionCache
	sessions    *session.Store
	locks       *session.SubmissionLock
	durable     QuestionReader
	proficiency ProficiencyFunc
}

// NewService wires the exam flow. proficiency may be nil, in which case
// DefaultProficiency is used.
func NewService(pools *cache.Manager, questions *cache.QuestionCache, sessions *session.Store, locks *session.SubmissionLock, durable QuestionReader, proficiency ProficiencyFunc) *Service {
	if proficiency == nil {
		proficiency = DefaultProficiency
	}
	return &Service{
		pools:       pools,
		questions:   questions,
		sessions:    sessions,
		locks:       locks,
		durable:     durable,
		proficiency: proficiency,
	}
}

// StartResult is what a client needs to begin answering.
type StartResult struct {
	SessionID      string        `json:"session_id"`
	PoolKey        string        `json:"pool_key"`
	TotalQuestions int           `json:"total_questions"`
	Proficiency    []float64     `json:"proficiency"`
	FirstQuestion  *pkg.Question `json:"first_question"`
}

// SubmitResult is the outcome of one graded submission.
type SubmitResult struct {
	SessionID         string        `json:"session_id"`
	QuestionID        string        `json:"question_id"`
	Correct           bool          `json:"correct"`
	Proficiency       []float64     `json:"proficiency"`
	QuestionsAnswered int           `json:"questions_answered"`
	NextQuestion      *pkg.Question `json:"next_question,omitempty"`
	Completed         bool          `json:"completed"`
}

// StartTest resolves the question pool, creates the session hot state with a
// neutral proficiency vector and serves the first question. The served
// question is always sanitized.
func (s *Service) StartTest(ctx context.Context, studentID string, id pkg.PoolIdentity) (*StartResult, error) {
	if studentID == "" {
		return nil, fmt.Errorf("student id cannot be empty")
	}

	pool, err := s.pools.GetPool(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if pool.TotalQuestions == 0 {
		return nil, fmt.Errorf("pool %s has no questions: %w", id.Key(), pkg.ErrNotFound)
	}

	proficiency := make([]float64, pool.AttributeCount)
	first := selectQuestion(pool, proficiency, nil)

	state := &pkg.SessionState{
		SessionID:          uuid.NewString(),
		StudentID:          studentID,
		PoolKey:            pool.PoolKey,
		CurrentProficiency: proficiency,
		NextQuestionID:     first.ID,
		Status:             pkg.SessionActive,
	}
	if err := s.sessions.Create(ctx, state); err != nil {
		return nil, err
	}

	if err := s.questions.Put(ctx, *first); err != nil {
		logger.Warn().Err(err).Str("question_id", first.ID).Msg("Failed to cache question")
	}

	logger.Info().
		Str("session_id", state.SessionID).
		Str("student_id", studentID).
		Str("pool_key", pool.PoolKey).
		Msg("Test started")

	served := first.Sanitized()
	return &StartResult{
		SessionID:      state.SessionID,
		PoolKey:        pool.PoolKey,
		TotalQuestions: pool.TotalQuestions,
		Proficiency:    proficiency,
		FirstQuestion:  &served,
	}, nil
}

// SubmitAnswer grades one answer under the submission lock, applies the
// proficiency update atomically to the hot state and serves the next
// question. Returns pkg.ErrLockHeld when a submission for the same
// (session, question) pair is already in flight; the caller decides whether
// to surface or retry.
func (s *Service) SubmitAnswer(ctx context.Context, sessionID, questionID, answer string) (*SubmitResult, error) {
	ok, err := s.locks.Acquire(ctx, sessionID, questionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session %s question %s: %w", sessionID, questionID, pkg.ErrLockHeld)
	}
	defer func() {
		if err := s.locks.Release(ctx, sessionID, questionID); err != nil {
			logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to release submission lock")
		}
	}()

	state, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.NextQuestionID != "" && state.NextQuestionID != questionID {
		return nil, fmt.Errorf("expected question %s, got %s: %w", state.NextQuestionID, questionID, pkg.ErrQuestionMismatch)
	}

	// Correct answers live in the durable tier only.
	question, err := s.durable.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}

	correct := question.CorrectAnswer != "" && answer == question.CorrectAnswer
	proficiency := s.proficiency(state.CurrentProficiency, *question, correct)
	answered := state.QuestionsAnswered + 1

	next, err := s.nextQuestion(ctx, state, proficiency, questionID)
	if err != nil {
		return nil, err
	}

	nextID := ""
	if next != nil {
		nextID = next.ID
	}
	if err := s.sessions.ApplySubmission(ctx, sessionID, proficiency, answered, questionID, nextID); err != nil {
		return nil, err
	}

	logger.Info().
		Str("session_id", sessionID).
		Str("question_id", questionID).
		Bool("correct", correct).
		Int("questions_answered", answered).
		Msg("Answer submitted")

	result := &SubmitResult{
		SessionID:         sessionID,
		QuestionID:        questionID,
		Correct:           correct,
		Proficiency:       proficiency,
		QuestionsAnswered: answered,
		Completed:         next == nil,
	}
	if next != nil {
		served := next.Sanitized()
		result.NextQuestion = &served
	}
	return result, nil
}

// nextQuestion picks the next unanswered question from the session's pool and
// caches it for serving. Returns nil when the pool is exhausted.
func (s *Service) nextQuestion(ctx context.Context, state *pkg.SessionState, proficiency []float64, justAnswered string) (*pkg.Question, error) {
	id, err := pkg.ParsePoolKey(state.PoolKey)
	if err != nil {
		return nil, err
	}
	pool, err := s.pools.GetPool(ctx, id, true)
	if err != nil {
		return nil, err
	}

	exclude := make(map[string]bool, len(state.AnsweredIDs)+1)
	for _, qid := range state.AnsweredIDs {
		exclude[qid] = true
	}
	exclude[justAnswered] = true

	next := selectQuestion(pool, proficiency, exclude)
	if next == nil {
		return nil, nil
	}
	if err := s.questions.Put(ctx, *next); err != nil {
		logger.Warn().Err(err).Str("question_id", next.ID).Msg("Failed to cache question")
	}
	return next, nil
}

// CurrentQuestion serves the question the session is waiting on, preferring
// the sanitized hot cache and falling back to the pool.
func (s *Service) CurrentQuestion(ctx context.Context, sessionID string) (*pkg.Question, error) {
	state, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.NextQuestionID == "" {
		return nil, fmt.Errorf("session %s has no pending question: %w", sessionID, pkg.ErrNotFound)
	}

	if q, err := s.questions.Get(ctx, state.NextQuestionID); err == nil {
		return q, nil
	} else if !errors.Is(err, pkg.ErrNotFound) {
		logger.Warn().Err(err).Str("question_id", state.NextQuestionID).Msg("Question cache read failed")
	}

	id, err := pkg.ParsePoolKey(state.PoolKey)
	if err != nil {
		return nil, err
	}
	pool, err := s.pools.GetPool(ctx, id, true)
	if err != nil {
		return nil, err
	}
	for i := range pool.Questions {
		if pool.Questions[i].ID == state.NextQuestionID {
			q := pool.Questions[i].Sanitized()
			return &q, nil
		}
	}
	return nil, fmt.Errorf("question %s: %w", state.NextQuestionID, pkg.ErrNotFound)
}

// EndTest tears down the session hot state and returns the final snapshot.
// Ending an already-expired session returns pkg.ErrNotFound.
func (s *Service) EndTest(ctx context.Context, sessionID string) (*pkg.SessionState, error) {
	state, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return nil, err
	}

	state.Status = pkg.SessionCompleted
	logger.Info().
		Str("session_id", sessionID).
		Int("questions_answered", state.QuestionsAnswered).
		Msg("Test ended")
	return state, nil
}

// GetSession returns the live hot state for a session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*pkg.SessionState, error) {
	return s.sessions.Get(ctx, sessionID)
}

// selectQuestion picks the not-yet-answered question whose difficulty is
// closest to the student's mean proficiency. Ties resolve to pool order so
// selection is deterministic.
func selectQuestion(pool *pkg.QuestionPool, proficiency []float64, exclude map[string]bool) *pkg.Question {
	mean := 0.0
	if len(proficiency) > 0 {
		for _, p := range proficiency {
			mean += p
		}
		mean /= float64(len(proficiency))
	}

	var best *pkg.Question
	bestDist := math.Inf(1)
	for i := range pool.Questions {
		q := &pool.Questions[i]
		if exclude[q.ID] {
			continue
		}
		if d := math.Abs(q.Difficulty - mean); d < bestDist {
			best = q
			bestDist = d
		}
	}
	return best
}
