package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"qpool_cache/internal/logger"
	"qpool_cache/pkg"
)

// Durable-cache schema. TTL is emulated with an explicit expires_at column
// checked on read; a read of an expired row counts as a miss and reaps it.
const schema = `
CREATE TABLE IF NOT EXISTS question_pools (
	pool_key        TEXT PRIMARY KEY,
	level           TEXT NOT NULL,
	level_id        TEXT NOT NULL,
	attribute_count INTEGER NOT NULL DEFAULT 0,
	attributes      JSONB NOT NULL DEFAULT '[]',
	total_questions INTEGER NOT NULL DEFAULT 0,
	cached_at       TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	id             TEXT NOT NULL,
	pool_key       TEXT NOT NULL REFERENCES question_pools(pool_key) ON DELETE CASCADE,
	position       INTEGER NOT NULL,
	content        TEXT NOT NULL,
	options        JSONB NOT NULL DEFAULT '[]',
	correct_answer TEXT NOT NULL,
	concepts       JSONB NOT NULL DEFAULT '[]',
	difficulty     DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	discrimination DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	guessing       DOUBLE PRECISION NOT NULL DEFAULT 0.25,
	topic_id       TEXT,
	chapter_id     TEXT,
	subject_id     TEXT,
	class_id       TEXT,
	exam_id        TEXT,
	PRIMARY KEY (pool_key, id)
);

CREATE INDEX IF NOT EXISTS questions_pool_key_idx ON questions (pool_key, position);
`

// PostgresStorage is the durable cache store (tier 2). It persists resolved
// question pools with their own expiry and survives volatile-store restarts.
type PostgresStorage struct {
	db           *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresStorage connects to Postgres and verifies the connection.
func NewPostgresStorage(ctx context.Context, url string, queryTimeout time.Duration) (*PostgresStorage, error) {
	if url == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	return &PostgresStorage{db: db, queryTimeout: queryTimeout}, nil
}

// NewPostgresStorageFromPool wraps an existing pool. Used by tests.
func NewPostgresStorageFromPool(db *pgxpool.Pool, queryTimeout time.Duration) *PostgresStorage {
	return &PostgresStorage{db: db, queryTimeout: queryTimeout}
}

// EnsureSchema creates the cache tables if they do not exist.
func (p *PostgresStorage) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *PostgresStorage) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.queryTimeout)
}

func pgErr(op string, err error) error {
	return fmt.Errorf("postgres %s: %w: %v", op, pkg.ErrStoreUnavailable, err)
}

// PutPool upserts a resolved pool and its questions with a fresh expiry.
// Existing questions for the pool are replaced wholesale so the cached copy
// never mixes generations.
func (p *PostgresStorage) PutPool(ctx context.Context, pool *pkg.QuestionPool, ttl time.Duration) error {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	attrs, err := sonic.MarshalString(pool.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return pgErr("begin", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO question_pools
			(pool_key, level, level_id, attribute_count, attributes, total_questions, cached_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pool_key) DO UPDATE SET
			level = EXCLUDED.level,
			level_id = EXCLUDED.level_id,
			attribute_count = EXCLUDED.attribute_count,
			attributes = EXCLUDED.attributes,
			total_questions = EXCLUDED.total_questions,
			cached_at = EXCLUDED.cached_at,
			expires_at = EXCLUDED.expires_at`,
		pool.PoolKey, pool.Level, pool.LevelID, pool.AttributeCount, attrs,
		pool.TotalQuestions, now, expiresAt)
	if err != nil {
		return pgErr("upsert pool", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE pool_key = $1`, pool.PoolKey); err != nil {
		return pgErr("clear questions", err)
	}

	batch := &pgx.Batch{}
	for i, q := range pool.Questions {
		options, err := sonic.MarshalString(q.Options)
		if err != nil {
			return fmt.Errorf("failed to marshal options for question %s: %w", q.ID, err)
		}
		concepts, err := sonic.MarshalString(q.Concepts)
		if err != nil {
			return fmt.Errorf("failed to marshal concepts for question %s: %w", q.ID, err)
		}
		batch.Queue(`
			INSERT INTO questions
				(id, pool_key, position, content, options, correct_answer, concepts,
				 difficulty, discrimination, guessing, topic_id, chapter_id, subject_id, class_id, exam_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
				NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''), NULLIF($15, ''))`,
			q.ID, pool.PoolKey, i, q.Content, options, q.CorrectAnswer, concepts,
			q.Difficulty, q.Discrimination, q.Guessing,
			q.TopicID, q.ChapterID, q.SubjectID, q.ClassID, q.ExamID)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return pgErr("insert questions", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgErr("commit", err)
	}

	logger.Debug().
		Str("pool_key", pool.PoolKey).
		Int("questions", len(pool.Questions)).
		Time("expires_at", expiresAt).
		Msg("Cached question pool in Postgres")
	return nil
}

// GetPool returns a cached pool, or pkg.ErrNotFound when the key is absent or
// the cached copy has expired. Expired rows are reaped on read.
func (p *PostgresStorage) GetPool(ctx context.Context, poolKey string) (*pkg.QuestionPool, error) {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	pool := &pkg.QuestionPool{PoolKey: poolKey}
	var attrs []byte

	err := p.db.QueryRow(ctx, `
		SELECT level, level_id, attribute_count, attributes, total_questions, cached_at, expires_at
		FROM question_pools WHERE pool_key = $1`, poolKey).
		Scan(&pool.Level, &pool.LevelID, &pool.AttributeCount, &attrs,
			&pool.TotalQuestions, &pool.CachedAt, &pool.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pool %s: %w", poolKey, pkg.ErrNotFound)
		}
		return nil, pgErr("select pool", err)
	}

	if pool.ExpiresAt.Before(time.Now()) {
		logger.Info().Str("pool_key", poolKey).Msg("Cache EXPIRED (Postgres), reaping")
		if err := p.DeletePool(ctx, poolKey); err != nil {
			logger.Warn().Err(err).Str("pool_key", poolKey).Msg("Failed to reap expired pool")
		}
		return nil, fmt.Errorf("pool %s expired: %w", poolKey, pkg.ErrNotFound)
	}

	if err := sonic.Unmarshal(attrs, &pool.Attributes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
	}

	rows, err := p.db.Query(ctx, `
		SELECT id, content, options, correct_answer, concepts, difficulty, discrimination, guessing,
			COALESCE(topic_id, ''), COALESCE(chapter_id, ''), COALESCE(subject_id, ''),
			COALESCE(class_id, ''), COALESCE(exam_id, '')
		FROM questions WHERE pool_key = $1 ORDER BY position`, poolKey)
	if err != nil {
		return nil, pgErr("select questions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q pkg.Question
		var options, concepts []byte
		if err := rows.Scan(&q.ID, &q.Content, &options, &q.CorrectAnswer, &concepts,
			&q.Difficulty, &q.Discrimination, &q.Guessing,
			&q.TopicID, &q.ChapterID, &q.SubjectID, &q.ClassID, &q.ExamID); err != nil {
			return nil, pgErr("scan question", err)
		}
		if err := sonic.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
		if err := sonic.Unmarshal(concepts, &q.Concepts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal concepts: %w", err)
		}
		pool.Questions = append(pool.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("iterate questions", err)
	}

	pool.TotalQuestions = len(pool.Questions)
	pool.CacheTier = "postgres"
	return pool, nil
}

// DeletePool removes a cached pool and its questions. Idempotent.
func (p *PostgresStorage) DeletePool(ctx context.Context, poolKey string) error {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	if _, err := p.db.Exec(ctx, `DELETE FROM question_pools WHERE pool_key = $1`, poolKey); err != nil {
		return pgErr("delete pool", err)
	}
	return nil
}

// GetQuestion returns a single question, correct answer included. The durable
// tier is the only place the grading path may read answers from.
func (p *PostgresStorage) GetQuestion(ctx context.Context, questionID string) (*pkg.Question, error) {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	var q pkg.Question
	var options, concepts []byte
	err := p.db.QueryRow(ctx, `
		SELECT id, content, options, correct_answer, concepts, difficulty, discrimination, guessing
		FROM questions WHERE id = $1 LIMIT 1`, questionID).
		Scan(&q.ID, &q.Content, &options, &q.CorrectAnswer, &concepts,
			&q.Difficulty, &q.Discrimination, &q.Guessing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("question %s: %w", questionID, pkg.ErrNotFound)
		}
		return nil, pgErr("select question", err)
	}
	if err := sonic.Unmarshal(options, &q.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if err := sonic.Unmarshal(concepts, &q.Concepts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal concepts: %w", err)
	}
	return &q, nil
}

// Ping tests the Postgres connection.
func (p *PostgresStorage) Ping(ctx context.Context) error {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	if err := p.db.Ping(ctx); err != nil {
		return pgErr("ping", err)
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresStorage) Close() {
	p.db.Close()
}
