package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qpool_cache/internal/config"
	"qpool_cache/pkg"
)

func testConfig(baseURL string) config.SourceConfig {
	return config.SourceConfig{
		BaseURL:        baseURL,
		APIKey:         "test-key",
		TimeoutSeconds: 5,
		PageSize:       5,
		MaxRetries:     2,
	}
}

// newPagedServer serves a pool of 10 questions split over 2 pages of 5.
func newPagedServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var requests atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/hierarchy/topic/t1/questions/enhanced", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page < 1 {
			page = 1
		}

		questions := make([]map[string]any, 0, 5)
		for i := 0; i < 5; i++ {
			n := (page-1)*5 + i + 1
			q := map[string]any{
				"id":             fmt.Sprintf("q%d", n),
				"content":        fmt.Sprintf("question %d", n),
				"options":        []string{"a", "b", "c", "d"},
				"correct_answer": "a",
				"q_vector":       []float64{1, 0, 0},
			}
			// Half the questions omit IRT parameters.
			if n%2 == 0 {
				q["difficulty"] = 0.8
				q["discrimination"] = 1.4
				q["guessing"] = 0.2
			}
			questions = append(questions, q)
		}

		resp := map[string]any{
			"level":           "topic",
			"level_id":        "t1",
			"attribute_count": 3,
			"attributes": []map[string]any{
				{"id": "a1", "name": "algebra"},
				{"id": "a2", "name": "geometry"},
				{"id": "a3", "name": "arithmetic"},
			},
			"questions":       questions,
			"total_questions": 10,
			"pagination": map[string]any{
				"page":        page,
				"page_size":   5,
				"total_pages": 2,
				"has_more":    page < 2,
			},
		}
		body, err := sonic.Marshal(resp)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
	return httptest.NewServer(mux), &requests
}

func TestFetchPoolAllPages(t *testing.T) {
	srv, requests := newPagedServer(t)
	defer srv.Close()
	client := NewClient(testConfig(srv.URL))

	id := pkg.PoolIdentity{Level: pkg.LevelTopic, LevelID: "t1"}
	pool, err := client.FetchPool(context.Background(), id, true)
	require.NoError(t, err)

	assert.Equal(t, "topic:t1", pool.PoolKey)
	assert.Equal(t, 3, pool.AttributeCount)
	assert.Len(t, pool.Attributes, 3)
	assert.Equal(t, 10, pool.TotalQuestions)
	assert.Equal(t, int64(2), requests.Load())

	// Pages merged without duplication.
	seen := make(map[string]bool)
	for _, q := range pool.Questions {
		assert.False(t, seen[q.ID], "duplicate question %s", q.ID)
		seen[q.ID] = true
	}
	assert.Len(t, seen, 10)
}

func TestFetchPoolSinglePage(t *testing.T) {
	srv, requests := newPagedServer(t)
	defer srv.Close()
	client := NewClient(testConfig(srv.URL))

	id := pkg.PoolIdentity{Level: pkg.LevelTopic, LevelID: "t1"}
	pool, err := client.FetchPool(context.Background(), id, false)
	require.NoError(t, err)

	assert.Equal(t, 5, pool.TotalQuestions)
	assert.Equal(t, int64(1), requests.Load())
}

func TestFetchPoolAppliesIRTDefaults(t *testing.T) {
	srv, _ := newPagedServer(t)
	defer srv.Close()
	client := NewClient(testConfig(srv.URL))

	id := pkg.PoolIdentity{Level: pkg.LevelTopic, LevelID: "t1"}
	pool, err := client.FetchPool(context.Background(), id, true)
	require.NoError(t, err)

	for _, q := range pool.Questions {
		n, _ := strconv.Atoi(q.ID[1:])
		if n%2 == 0 {
			assert.Equal(t, 0.8, q.Difficulty, q.ID)
			assert.Equal(t, 1.4, q.Discrimination, q.ID)
			assert.Equal(t, 0.2, q.Guessing, q.ID)
		} else {
			assert.Equal(t, defaultDifficulty, q.Difficulty, q.ID)
			assert.Equal(t, defaultDiscrimination, q.Discrimination, q.ID)
			assert.Equal(t, defaultGuessing, q.Guessing, q.ID)
		}
		assert.Equal(t, []float64{1, 0, 0}, q.Concepts, q.ID)
	}
}

func TestFetchPoolDefaultsConceptVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := sonic.Marshal(map[string]any{
			"level": "topic", "level_id": "t1",
			"attribute_count": 3,
			"attributes": []map[string]any{
				{"id": "a1", "name": "algebra"},
				{"id": "a2", "name": "geometry"},
				{"id": "a3", "name": "arithmetic"},
			},
			"questions": []map[string]any{
				{"id": "q1", "content": "x", "q_vector": []float64{0, 1, 0}},
				{"id": "q2", "content": "y"}, // no q_vector
			},
			"total_questions": 2,
			"pagination":      map[string]any{"page": 1, "page_size": 5, "total_pages": 1, "has_more": false},
		})
		require.NoError(t, err)
		w.Write(body)
	}))
	defer srv.Close()
	client := NewClient(testConfig(srv.URL))

	id := pkg.PoolIdentity{Level: pkg.LevelTopic, LevelID: "t1"}
	pool, err := client.FetchPool(context.Background(), id, true)
	require.NoError(t, err)
	require.Len(t, pool.Questions, 2)

	assert.Equal(t, []float64{0, 1, 0}, pool.Questions[0].Concepts)

	// Missing vectors default to the pool's attribute count, keeping
	// vector length constant across the pool.
	assert.Equal(t, []float64{1, 0, 0}, pool.Questions[1].Concepts)
}

func TestFetchPoolDefaultsConceptVectorNoAttributes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := sonic.Marshal(map[string]any{
			"level": "topic", "level_id": "t1",
			"questions":       []map[string]any{{"id": "q1", "content": "x"}},
			"total_questions": 1,
			"pagination":      map[string]any{"page": 1, "page_size": 5, "total_pages": 1, "has_more": false},
		})
		require.NoError(t, err)
		w.Write(body)
	}))
	defer srv.Close()
	client := NewClient(testConfig(srv.URL))

	id := pkg.PoolIdentity{Level: pkg.LevelTopic, LevelID: "t1"}
	pool, err := client.FetchPool(context.Background(), id, true)
	require.NoError(t, err)
	require.Len(t, pool.Questions, 1)
	assert.Equal(t, []float64{1, 0, 0, 0, 0}, pool.Questions[0].Concepts)
}

func TestFetchPoolNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	client := NewClient(testConfig(srv.URL))

	id := pkg.PoolIdentity{Level: pkg.LevelTopic, LevelID: "missing"}
	_, err := client.FetchPool(context.Background(), id, true)
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestFetchPoolRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := sonic.Marshal(map[string]any{
			"level": "topic", "level_id": "t1",
			"attribute_count": 1,
			"questions":       []map[string]any{{"id": "q1", "content": "x"}},
			"total_questions": 1,
			"pagination":      map[string]any{"page": 1, "page_size": 5, "total_pages": 1, "has_more": false},
		})
		w.Write(body)
	}))
	defer srv.Close()
	client := NewClient(testConfig(srv.URL))

	id := pkg.PoolIdentity{Level: pkg.LevelTopic, LevelID: "t1"}
	pool, err := client.FetchPool(context.Background(), id, true)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.TotalQuestions)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestFetchPoolGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	client := NewClient(testConfig(srv.URL))

	id := pkg.PoolIdentity{Level: pkg.LevelTopic, LevelID: "t1"}
	_, err := client.FetchPool(context.Background(), id, true)
	require.Error(t, err)
	assert.Equal(t, int64(3), attempts.Load()) // initial try + 2 retries
}

func TestFetchPoolDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	client := NewClient(testConfig(srv.URL))

	id := pkg.PoolIdentity{Level: pkg.LevelTopic, LevelID: "t1"}
	_, err := client.FetchPool(context.Background(), id, true)
	require.Error(t, err)
	assert.Equal(t, int64(1), attempts.Load())
}

func TestFetchPoolInvalidIdentity(t *testing.T) {
	client := NewClient(testConfig("http://localhost:0"))

	_, err := client.FetchPool(context.Background(), pkg.PoolIdentity{Level: "bogus", LevelID: "x"}, true)
	assert.ErrorIs(t, err, pkg.ErrInvalidIdentity)
}

func TestHealth(t *testing.T) {
	srv, _ := newPagedServer(t)
	client := NewClient(testConfig(srv.URL))

	require.NoError(t, client.Health(context.Background()))

	srv.Close()
	err := client.Health(context.Background())
	assert.ErrorIs(t, err, pkg.ErrSourceUnavailable)
}
