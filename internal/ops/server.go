package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qpool_cache/internal/cache"
	"qpool_cache/internal/exam"
	"qpool_cache/internal/logger"
	"qpool_cache/internal/session"
	"qpool_cache/pkg"
)

// RedisMonitor is the volatile-store probe surface used by the health and
// stats endpoints.
type RedisMonitor interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (*pkg.RedisStats, error)
}

// DurableMonitor is the durable-store probe surface.
type DurableMonitor interface {
	Ping(ctx context.Context) error
}

// Server exposes the exam API and the operator endpoints over HTTP.
type Server struct {
	pools    *cache.Manager
	exams    *exam.Service
	sweeper  *session.Sweeper
	redis    RedisMonitor
	postgres DurableMonitor
	registry *prometheus.Registry
	engine   *gin.Engine
}

// NewServer builds the HTTP server and registers all routes.
func NewServer(pools *cache.Manager, exams *exam.Service, sweeper *session.Sweeper, redis RedisMonitor, postgres DurableMonitor, registry *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		pools:    pools,
		exams:    exams,
		sweeper:  sweeper,
		redis:    redis,
		postgres: postgres,
		registry: registry,
		engine:   engine,
	}
	s.routes()
	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/", s.root)
	s.engine.GET("/health", s.health)
	if s.registry != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	api := s.engine.Group("/api")
	{
		api.GET("/pools/:level/:levelID", s.getPool)
		api.POST("/tests/start", s.startTest)
		api.GET("/tests/:sessionID", s.getSession)
		api.GET("/tests/:sessionID/question", s.currentQuestion)
		api.POST("/tests/:sessionID/submit", s.submitAnswer)
		api.POST("/tests/:sessionID/end", s.endTest)
	}

	ops := s.engine.Group("/ops")
	{
		ops.GET("/cache/stats", s.cacheStats)
		ops.POST("/cache/stats/reset", s.resetCacheStats)
		ops.POST("/cache/pools/:level/:levelID/invalidate", s.invalidatePool)
		ops.POST("/cache/pools/:level/:levelID/refresh", s.refreshPool)
		ops.POST("/cache/warmup", s.warmup)
		ops.POST("/sessions/sweep", s.sweepSessions)
		ops.GET("/redis/stats", s.redisStats)
	}
}

// requestLogger logs each request through the shared zerolog logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// abortWithError maps the error taxonomy onto HTTP status codes.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pkg.ErrInvalidIdentity):
		status = http.StatusBadRequest
	case errors.Is(err, pkg.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pkg.ErrAlreadyExists), errors.Is(err, pkg.ErrLockHeld),
		errors.Is(err, pkg.ErrQuestionMismatch):
		status = http.StatusConflict
	case errors.Is(err, pkg.ErrSourceUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, pkg.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func poolIdentity(c *gin.Context) (pkg.PoolIdentity, bool) {
	id := pkg.PoolIdentity{Level: c.Param("level"), LevelID: c.Param("levelID")}
	if err := id.Validate(); err != nil {
		abortWithError(c, err)
		return pkg.PoolIdentity{}, false
	}
	return id, true
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "qpool_cache",
		"status":  "running",
	})
}

// health probes every tier plus the source and reports per-component status.
// Degraded components do not fail the endpoint; the payload says which ones
// are down.
func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()

	components := gin.H{}
	healthy := true

	if err := s.redis.Ping(ctx); err != nil {
		components["redis"] = err.Error()
		healthy = false
	} else {
		components["redis"] = "ok"
	}
	if err := s.postgres.Ping(ctx); err != nil {
		components["postgres"] = err.Error()
		healthy = false
	} else {
		components["postgres"] = "ok"
	}
	if err := s.pools.SourceHealth(ctx); err != nil {
		components["source"] = err.Error()
		healthy = false
	} else {
		components["source"] = "ok"
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status,
		"components":  components,
		"cache_stats": s.pools.Stats(),
	})
}

func (s *Server) getPool(c *gin.Context) {
	id, ok := poolIdentity(c)
	if !ok {
		return
	}
	fetchAll := c.DefaultQuery("all_pages", "true") != "false"

	pool, err := s.pools.GetPool(c.Request.Context(), id, fetchAll)
	if err != nil {
		abortWithError(c, err)
		return
	}

	// Pools leave this process sanitized; correct answers stay in the
	// durable tier.
	out := *pool
	out.Questions = make([]pkg.Question, len(pool.Questions))
	for i, q := range pool.Questions {
		out.Questions[i] = q.Sanitized()
	}
	c.JSON(http.StatusOK, &out)
}

type startTestRequest struct {
	StudentID string `json:"student_id" binding:"required"`
	Level     string `json:"level" binding:"required"`
	LevelID   string `json:"level_id" binding:"required"`
}

func (s *Server) startTest(c *gin.Context) {
	var req startTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.exams.StartTest(c.Request.Context(), req.StudentID, pkg.PoolIdentity{Level: req.Level, LevelID: req.LevelID})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) getSession(c *gin.Context) {
	state, err := s.exams.GetSession(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) currentQuestion(c *gin.Context) {
	q, err := s.exams.CurrentQuestion(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

type submitAnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required"`
	Answer     string `json:"answer" binding:"required"`
}

func (s *Server) submitAnswer(c *gin.Context) {
	var req submitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.exams.SubmitAnswer(c.Request.Context(), c.Param("sessionID"), req.QuestionID, req.Answer)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) endTest(c *gin.Context) {
	state, err := s.exams.EndTest(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) cacheStats(c *gin.Context) {
	stats := s.pools.Stats()
	c.JSON(http.StatusOK, gin.H{
		"stats":        stats,
		"hit_rate_pct": stats.HitRate(),
	})
}

func (s *Server) resetCacheStats(c *gin.Context) {
	s.pools.ResetStats()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) invalidatePool(c *gin.Context) {
	id, ok := poolIdentity(c)
	if !ok {
		return
	}
	if err := s.pools.Invalidate(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "invalidated", "pool_key": id.Key()})
}

func (s *Server) refreshPool(c *gin.Context) {
	id, ok := poolIdentity(c)
	if !ok {
		return
	}
	pool, err := s.pools.Refresh(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "refreshed",
		"pool_key":  id.Key(),
		"questions": pool.TotalQuestions,
	})
}

type warmupRequest struct {
	Pools []pkg.PoolIdentity `json:"pools" binding:"required,min=1"`
}

func (s *Server) warmup(c *gin.Context) {
	var req warmupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, id := range req.Pools {
		if err := id.Validate(); err != nil {
			abortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": s.pools.Warmup(c.Request.Context(), req.Pools)})
}

type sweepRequest struct {
	ThresholdMinutes int `json:"threshold_minutes"`
}

// sweepSessions triggers an immediate sweep. An optional threshold overrides
// the scheduled one, so an operator can force out sessions younger than the
// configured inactivity window.
func (s *Server) sweepSessions(c *gin.Context) {
	var req sweepRequest
	// An empty body means "use the scheduled threshold".
	_ = c.ShouldBindJSON(&req)

	threshold := time.Duration(req.ThresholdMinutes) * time.Minute
	var reaped int
	var err error
	if threshold > 0 {
		reaped, err = s.sweeper.SweepOnce(c.Request.Context(), threshold)
	} else {
		reaped, err = s.sweeper.SweepScheduled(c.Request.Context())
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reaped": reaped})
}

func (s *Server) redisStats(c *gin.Context) {
	stats, err := s.redis.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info().Msg("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
