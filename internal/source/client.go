package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"

	"qpool_cache/internal/config"
	"qpool_cache/internal/logger"
	"qpool_cache/pkg"
)

// pageResponse is the external API wire format for one page of a pool.
type pageResponse struct {
	Level          string          `json:"level"`
	LevelID        string          `json:"level_id"`
	AttributeCount int             `json:"attribute_count"`
	Attributes     []pkg.Attribute `json:"attributes"`
	Questions      []wireQuestion  `json:"questions"`
	TotalQuestions int             `json:"total_questions"`
	Pagination     pagination      `json:"pagination"`
}

type pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

type wireQuestion struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Options        []string  `json:"options"`
	CorrectAnswer  string    `json:"correct_answer"`
	Difficulty     *float64  `json:"difficulty"`
	Discrimination *float64  `json:"discrimination"`
	Guessing       *float64  `json:"guessing"`
	QVector        []float64 `json:"q_vector"`
	TopicID        string    `json:"topic_id"`
	ChapterID      string    `json:"chapter_id"`
	SubjectID      string    `json:"subject_id"`
	ClassID        string    `json:"class_id"`
	ExamID         string    `json:"exam_id"`
}

// Defaults applied when the external service omits IRT parameters.
const (
	defaultDifficulty     = 0.5
	defaultDiscrimination = 1.0
	defaultGuessing       = 0.25
)

// defaultConceptLen is the fallback vector length when a pool declares no
// attributes either.
const defaultConceptLen = 5

// defaultConcepts returns the concept vector for a question the source sent
// without one: first dimension loaded, sized to the pool's attribute count so
// vector length stays constant across the pool.
func defaultConcepts(attrCount int) []float64 {
	if attrCount <= 0 {
		attrCount = defaultConceptLen
	}
	v := make([]float64, attrCount)
	v[0] = 1
	return v
}

// Client fetches question pools from the external source of truth (tier 3).
// It carries no caching logic of its own.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	maxRetries int
	httpClient *http.Client
}

// NewClient builds a source client from configuration. The API key is a
// static credential attached to every call.
func NewClient(cfg config.SourceConfig) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		pageSize:   cfg.PageSize,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%s: %w", endpoint, pkg.ErrNotFound))
		case resp.StatusCode >= 500:
			return fmt.Errorf("server error %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

// fetchPage fetches a single page of a question pool.
func (c *Client) fetchPage(ctx context.Context, id pkg.PoolIdentity, page, pageSize int) (*pageResponse, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("/api/hierarchy/%s/%s/questions/enhanced", id.Level, id.LevelID)
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(pageSize))

	body, err := c.get(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}

	var resp pageResponse
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode source response: %w", err)
	}
	return &resp, nil
}

// FetchPool fetches a question pool. When fetchAllPages is set, pagination is
// followed until the source signals completion and the pages are merged.
func (c *Client) FetchPool(ctx context.Context, id pkg.PoolIdentity, fetchAllPages bool) (*pkg.QuestionPool, error) {
	first, err := c.fetchPage(ctx, id, 1, c.pageSize)
	if err != nil {
		return nil, err
	}

	questions := first.Questions
	if fetchAllPages && first.Pagination.HasMore {
		for page := 2; page <= first.Pagination.TotalPages; page++ {
			logger.Info().
				Str("pool", id.Key()).
				Int("page", page).
				Int("total_pages", first.Pagination.TotalPages).
				Msg("Fetching source page")

			next, err := c.fetchPage(ctx, id, page, c.pageSize)
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", page, err)
			}
			questions = append(questions, next.Questions...)
		}
	}

	return transform(id, first, questions), nil
}

// transform maps the external representation to the internal pool schema.
func transform(id pkg.PoolIdentity, resp *pageResponse, questions []wireQuestion) *pkg.QuestionPool {
	pool := &pkg.QuestionPool{
		PoolKey:        id.Key(),
		Level:          id.Level,
		LevelID:        id.LevelID,
		AttributeCount: resp.AttributeCount,
		Attributes:     resp.Attributes,
		Questions:      make([]pkg.Question, 0, len(questions)),
		CachedAt:       time.Now().UTC(),
		CacheTier:      "source",
	}
	if pool.AttributeCount == 0 {
		pool.AttributeCount = len(pool.Attributes)
	}

	for _, w := range questions {
		q := pkg.Question{
			ID:             w.ID,
			Content:        w.Content,
			Options:        w.Options,
			CorrectAnswer:  w.CorrectAnswer,
			Concepts:       w.QVector,
			Difficulty:     defaultDifficulty,
			Discrimination: defaultDiscrimination,
			Guessing:       defaultGuessing,
			TopicID:        w.TopicID,
			ChapterID:      w.ChapterID,
			SubjectID:      w.SubjectID,
			ClassID:        w.ClassID,
			ExamID:         w.ExamID,
		}
		if w.Difficulty != nil {
			q.Difficulty = *w.Difficulty
		}
		if w.Discrimination != nil {
			q.Discrimination = *w.Discrimination
		}
		if w.Guessing != nil {
			q.Guessing = *w.Guessing
		}
		if len(q.Concepts) == 0 {
			q.Concepts = defaultConcepts(pool.AttributeCount)
		}
		pool.Questions = append(pool.Questions, q)
	}

	pool.TotalQuestions = len(pool.Questions)
	return pool
}

// Health probes the source connectivity, separate from data fetches.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", pkg.ErrSourceUnavailable, resp.StatusCode)
	}
	return nil
}
