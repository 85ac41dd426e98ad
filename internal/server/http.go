package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ChuLiYu/download-queue/internal/jobmanager"
	"github.com/ChuLiYu/download-queue/internal/metrics"
	"github.com/ChuLiYu/download-queue/internal/notify"
	"github.com/ChuLiYu/download-queue/internal/queue"
	"github.com/ChuLiYu/download-queue/internal/reputation"
	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

// Services are the components the admin surface exposes.
type Services struct {
	Queue        *queue.Queue
	StateMachine *jobmanager.StateMachine
	Tracker      *reputation.Tracker
	Hub          *notify.Hub
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

// HTTPConfig configures the router.
type HTTPConfig struct {
	CORSOrigins []string
	Metrics     bool
}

// API holds the gin handlers.
type API struct {
	svc     Services
	log     *zap.Logger
	started time.Time
}

// NewRouter builds the gin engine with every admin route.
func NewRouter(svc Services, cfg HTTPConfig) *gin.Engine {
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	a := &API{svc: svc, log: svc.Logger.Named("http"), started: time.Now()}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(a.requestLog())
	r.Use(corsMiddleware(cfg.CORSOrigins))

	r.GET("/health", a.health)
	if cfg.Metrics && svc.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(svc.Gatherer)))
	}

	api := r.Group("/api")
	{
		q := api.Group("/queue")
		{
			q.GET("", a.listQueue)
			q.POST("", a.enqueue)
			q.GET("/search", a.search)
			q.POST("/clear", a.clear)
			q.POST("/pause", a.pause)
			q.POST("/resume", a.resume)
			q.GET("/:id", a.getJob)
			q.DELETE("/:id", a.dequeue)
			q.POST("/:id/cancel", a.cancel)
		}

		api.GET("/stats", a.stats)
		api.POST("/verify", a.verify)

		dl := api.Group("/deadletter")
		{
			dl.GET("", a.listDeadLetters)
			dl.POST("/retry", a.retryAllDeadLetters)
			dl.GET("/:id", a.getDeadLetter)
			dl.POST("/:id/retry", a.retryDeadLetter)
			dl.DELETE("/:id", a.purgeDeadLetter)
		}

		bl := api.Group("/blocked")
		{
			bl.GET("", a.listBlocked)
			bl.POST("", a.blockSource)
			bl.DELETE("/:source", a.unblockSource)
		}

		api.GET("/schedule", a.getSchedule)
		api.PUT("/schedule", a.setSchedule)

		api.GET("/export", a.export)
		api.POST("/import", a.importData)

		if svc.Hub != nil {
			api.GET("/ws", a.websocket)
			api.GET("/ws/:id", a.websocket)
		}
	}
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	return cors.New(cfg)
}

func (a *API) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// httpStatus maps domain errors to response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, jobmanager.ErrJobNotFound),
		errors.Is(err, jobmanager.ErrDeadLetterNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrTerminalJob),
		errors.Is(err, queue.ErrJobInFlight),
		errors.Is(err, jobmanager.ErrInvalidTransition),
		errors.Is(err, jobmanager.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, queue.ErrIncompatibleExport),
		errors.Is(err, queue.ErrInvalidSchedule),
		errors.Is(err, reputation.ErrEmptySource):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *API) fail(c *gin.Context, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		a.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "dlqueue",
		"uptime":    time.Since(a.started).Round(time.Second).String(),
		"timestamp": time.Now().Unix(),
	})
}

// ============================================================================
// Queue
// ============================================================================

func (a *API) listQueue(c *gin.Context) {
	entries := a.svc.Queue.Entries()
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
		"active":  a.svc.Queue.ActiveIDs(),
	})
}

func (a *API) enqueue(c *gin.Context) {
	var job types.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if job.Kind == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind is required"})
		return
	}
	job.Status = ""
	entry, err := a.svc.Queue.Enqueue(c.Request.Context(), &job)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

func (a *API) getJob(c *gin.Context) {
	job, err := a.svc.Queue.Job(c.Request.Context(), types.JobID(c.Param("id")))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (a *API) dequeue(c *gin.Context) {
	entry, err := a.svc.Queue.Dequeue(c.Request.Context(), types.JobID(c.Param("id")), c.Query("reason"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job is not queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

func (a *API) cancel(c *gin.Context) {
	job, err := a.svc.Queue.Cancel(c.Request.Context(), types.JobID(c.Param("id")), c.Query("reason"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (a *API) clear(c *gin.Context) {
	n, err := a.svc.Queue.Clear(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (a *API) pause(c *gin.Context) {
	a.svc.Queue.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (a *API) resume(c *gin.Context) {
	a.svc.Queue.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (a *API) search(c *gin.Context) {
	filter := types.JobFilter{
		Limit:  queryInt(c, "limit"),
		Offset: queryInt(c, "offset"),
	}
	for _, k := range splitQuery(c.Query("kind")) {
		filter.Kinds = append(filter.Kinds, types.Kind(k))
	}
	for _, s := range splitQuery(c.Query("status")) {
		filter.Statuses = append(filter.Statuses, types.JobStatus(s))
	}
	jobs, err := a.svc.Queue.Search(c.Request.Context(), c.Query("q"), filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

func (a *API) stats(c *gin.Context) {
	s, err := a.svc.Queue.Stats(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (a *API) verify(c *gin.Context) {
	report, err := a.svc.Queue.VerifyIntegrity(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ============================================================================
// Dead letters
// ============================================================================

func deadLetterFilter(c *gin.Context) types.DeadLetterFilter {
	var f types.DeadLetterFilter
	for _, k := range splitQuery(c.Query("kind")) {
		f.Kinds = append(f.Kinds, types.Kind(k))
	}
	for _, e := range splitQuery(c.Query("error_type")) {
		f.ErrorTypes = append(f.ErrorTypes, types.ErrorKind(e))
	}
	f.RetryableOnly, _ = strconv.ParseBool(c.Query("retryable"))
	return f
}

func (a *API) listDeadLetters(c *gin.Context) {
	items, err := a.svc.StateMachine.ListDeadLetters(c.Request.Context(), deadLetterFilter(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

func (a *API) getDeadLetter(c *gin.Context) {
	item, err := a.svc.StateMachine.GetDeadLetter(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

func (a *API) retryDeadLetter(c *gin.Context) {
	entry, err := a.svc.Queue.RetryDeadLetter(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

func (a *API) retryAllDeadLetters(c *gin.Context) {
	filter := deadLetterFilter(c)
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&filter); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	res, err := a.svc.Queue.RetryAllDeadLetters(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"attempted": res.Attempted,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"errors":    res.Errors,
	})
}

func (a *API) purgeDeadLetter(c *gin.Context) {
	if err := a.svc.StateMachine.PurgeDeadLetter(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ============================================================================
// Blocked sources
// ============================================================================

type blockRequest struct {
	SourceID  string `json:"source_id" binding:"required"`
	Permanent bool   `json:"permanent"`
	Duration  string `json:"duration"`
	Reason    string `json:"reason"`
}

func (a *API) listBlocked(c *gin.Context) {
	blocks, err := a.svc.Tracker.ListBlocked(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": blocks, "total": len(blocks)})
}

func (a *API) blockSource(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var d time.Duration
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration: " + err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "blocked by operator"
	}
	block, err := a.svc.Tracker.BlockSource(c.Request.Context(), req.SourceID, req.Permanent, d, req.Reason)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"source": block})
}

func (a *API) unblockSource(c *gin.Context) {
	if err := a.svc.Tracker.UnblockSource(c.Request.Context(), c.Param("source")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ============================================================================
// Schedule, export, import, websocket
// ============================================================================

func (a *API) getSchedule(c *gin.Context) {
	c.JSON(http.StatusOK, a.svc.Queue.Schedule())
}

func (a *API) setSchedule(c *gin.Context) {
	var w queue.Window
	if err := c.ShouldBindJSON(&w); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.svc.Queue.SetSchedule(w); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.svc.Queue.Schedule())
}

func (a *API) export(c *gin.Context) {
	data, err := a.svc.Queue.Export(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=dlqueue-export.json")
	c.JSON(http.StatusOK, data)
}

func (a *API) importData(c *gin.Context) {
	var data queue.ExportData
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := a.svc.Queue.Import(c.Request.Context(), &data)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) websocket(c *gin.Context) {
	if err := a.svc.Hub.ServeWS(c.Writer, c.Request, c.Param("id")); err != nil {
		a.log.Warn("websocket upgrade failed", zap.Error(err))
	}
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func splitQuery(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
