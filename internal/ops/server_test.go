package ops

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qpool_cache/internal/cache"
	"qpool_cache/internal/exam"
	"qpool_cache/internal/session"
	"qpool_cache/internal/storage"
	"qpool_cache/pkg"
)

type fakeSource struct {
	pools map[string]*pkg.QuestionPool
}

func (f *fakeSource) FetchPool(_ context.Context, id pkg.PoolIdentity, _ bool) (*pkg.QuestionPool, error) {
	pool, ok := f.pools[id.Key()]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id.Key(), pkg.ErrNotFound)
	}
	cp := *pool
	return &cp, nil
}

func (f *fakeSource) Health(context.Context) error { return nil }

type fakeQuestionReader struct {
	questions map[string]pkg.Question
}

func (f *fakeQuestionReader) GetQuestion(_ context.Context, id string) (*pkg.Question, error) {
	q, ok := f.questions[id]
	if !ok {
		return nil, fmt.Errorf("question %s: %w", id, pkg.ErrNotFound)
	}
	return &q, nil
}

type durableOK struct{ err error }

func (d durableOK) Ping(context.Context) error { return d.err }

func newTestServer(t *testing.T) (*Server, pkg.PoolIdentity) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := storage.NewRedisStorageFromClient(client, time.Second)

	id := pkg.PoolIdentity{Level: pkg.LevelTopic, LevelID: "t1"}
	pool := &pkg.QuestionPool{
		PoolKey: id.Key(), Level: id.Level, LevelID: id.LevelID,
		AttributeCount: 2,
	}
	reader := &fakeQuestionReader{questions: make(map[string]pkg.Question)}
	for i := 1; i <= 3; i++ {
		q := pkg.Question{
			ID:            fmt.Sprintf("q%d", i),
			Content:       fmt.Sprintf("question %d", i),
			Options:       []string{"a", "b"},
			CorrectAnswer: "a",
			Concepts:      []float64{1, 0},
		}
		pool.Questions = append(pool.Questions, q)
		reader.questions[q.ID] = q
	}
	pool.TotalQuestions = len(pool.Questions)

	registry := prometheus.NewRegistry()
	manager := cache.NewManager(
		[]cache.Tier{cache.NewRedisTier(rs, time.Hour)},
		&fakeSource{pools: map[string]*pkg.QuestionPool{id.Key(): pool}},
		cache.NewStats(registry),
	)

	sessions := session.NewStore(rs, 30*time.Minute)
	locks := session.NewSubmissionLock(rs, 5*time.Second)
	sweeper := session.NewSweeper(sessions, 10*time.Minute, 30*time.Minute, nil)
	questions := cache.NewQuestionCache(rs, time.Hour)
	exams := exam.NewService(manager, questions, sessions, locks, reader, nil)

	return NewServer(manager, exams, sweeper, rs, durableOK{}, registry), id
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		data, err := sonic.Marshal(body)
		require.NoError(t, err)
		buf.Write(data)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRootEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
}

func TestGetPoolEndpointSanitizes(t *testing.T) {
	srv, id := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/pools/"+id.Level+"/"+id.LevelID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	pool := decode[pkg.QuestionPool](t, w)
	assert.Equal(t, 3, pool.TotalQuestions)
	for _, q := range pool.Questions {
		assert.Empty(t, q.CorrectAnswer, q.ID)
	}
}

func TestGetPoolEndpointBadLevel(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/api/pools/grade/g1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPoolEndpointNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/api/pools/topic/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExamFlowOverHTTP(t *testing.T) {
	srv, id := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/tests/start", map[string]string{
		"student_id": "student-1",
		"level":      id.Level,
		"level_id":   id.LevelID,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	start := decode[exam.StartResult](t, w)
	require.NotNil(t, start.FirstQuestion)

	w = doJSON(t, srv, http.MethodPost, "/api/tests/"+start.SessionID+"/submit", map[string]string{
		"question_id": start.FirstQuestion.ID,
		"answer":      "a",
	})
	require.Equal(t, http.StatusOK, w.Code)
	submit := decode[exam.SubmitResult](t, w)
	assert.True(t, submit.Correct)
	assert.Equal(t, 1, submit.QuestionsAnswered)

	w = doJSON(t, srv, http.MethodGet, "/api/tests/"+start.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/api/tests/"+start.SessionID+"/end", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/api/tests/"+start.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartTestValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/tests/start", map[string]string{
		"student_id": "student-1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheStatsEndpoints(t *testing.T) {
	srv, id := newTestServer(t)

	doJSON(t, srv, http.MethodGet, "/api/pools/"+id.Level+"/"+id.LevelID, nil)
	doJSON(t, srv, http.MethodGet, "/api/pools/"+id.Level+"/"+id.LevelID, nil)

	w := doJSON(t, srv, http.MethodGet, "/ops/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Stats pkg.CacheStats `json:"stats"`
	}](t, w)
	assert.Equal(t, int64(2), body.Stats.TotalRequests)
	assert.Equal(t, int64(1), body.Stats.Tier1Hits)

	w = doJSON(t, srv, http.MethodPost, "/ops/cache/stats/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/ops/cache/stats", nil)
	body = decode[struct {
		Stats pkg.CacheStats `json:"stats"`
	}](t, w)
	assert.Zero(t, body.Stats.TotalRequests)
}

func TestInvalidateAndRefreshEndpoints(t *testing.T) {
	srv, id := newTestServer(t)
	base := "/ops/cache/pools/" + id.Level + "/" + id.LevelID

	w := doJSON(t, srv, http.MethodPost, base+"/invalidate", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodPost, base+"/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "refreshed", body["status"])
}

func TestWarmupEndpoint(t *testing.T) {
	srv, id := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/ops/cache/warmup", map[string]any{
		"pools": []pkg.PoolIdentity{id, {Level: pkg.LevelTopic, LevelID: "missing"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[struct {
		Results map[string]pkg.WarmupResult `json:"results"`
	}](t, w)
	assert.Equal(t, "success", body.Results[id.Key()].Status)
	assert.Equal(t, "failed", body.Results["topic:missing"].Status)
}

func TestWarmupEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/ops/cache/warmup", map[string]any{"pools": []pkg.PoolIdentity{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/ops/cache/warmup", map[string]any{
		"pools": []pkg.PoolIdentity{{Level: "bogus", LevelID: "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSweepEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/ops/sessions/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]int](t, w)
	assert.Zero(t, body["reaped"])
}

func TestRedisStatsEndpoint(t *testing.T) {
	srv, id := newTestServer(t)
	doJSON(t, srv, http.MethodGet, "/api/pools/"+id.Level+"/"+id.LevelID, nil)

	w := doJSON(t, srv, http.MethodGet, "/ops/redis/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[pkg.RedisStats](t, w)
	assert.Equal(t, int64(1), stats.CachedPools)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, id := newTestServer(t)
	doJSON(t, srv, http.MethodGet, "/api/pools/"+id.Level+"/"+id.LevelID, nil)

	w := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "qpool_cache_requests_total")
}

func TestSubmitWrongQuestionMapsTo409(t *testing.T) {
	srv, id := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/tests/start", map[string]string{
		"student_id": "student-1",
		"level":      id.Level,
		"level_id":   id.LevelID,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	start := decode[exam.StartResult](t, w)

	other := "q1"
	if start.FirstQuestion.ID == "q1" {
		other = "q2"
	}
	w = doJSON(t, srv, http.MethodPost, "/api/tests/"+start.SessionID+"/submit", map[string]string{
		"question_id": other,
		"answer":      "a",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestLockConflictMapsTo409(t *testing.T) {
	srv, id := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/tests/start", map[string]string{
		"student_id": "student-1",
		"level":      id.Level,
		"level_id":   id.LevelID,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	start := decode[exam.StartResult](t, w)

	// Hold the lock out-of-band, then submit the same pair.
	mrClient := srv.redis.(*storage.RedisStorage)
	_, err := mrClient.SetNX(context.Background(),
		storage.SubmissionLockKey(start.SessionID, start.FirstQuestion.ID), []byte("1"), time.Minute)
	require.NoError(t, err)

	w = doJSON(t, srv, http.MethodPost, "/api/tests/"+start.SessionID+"/submit", map[string]string{
		"question_id": start.FirstQuestion.ID,
		"answer":      "a",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}
