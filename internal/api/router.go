package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/OfferHub/internal/linkcache"
	"github.com/LJTian/OfferHub/internal/pipeline"
	"github.com/LJTian/OfferHub/internal/ratelimit"
	"github.com/LJTian/OfferHub/internal/storage"
)

// ItemLookup 是 API 需要的只读存储能力
type ItemLookup interface {
	GetByHash(ctx context.Context, hash string) (storage.FeedItem, error)
	ListItems(ctx context.Context, feedType string, limit int) ([]storage.FeedItem, error)
	CountByType(ctx context.Context) (map[string]int64, error)
}

type PipelineRunner interface {
	Run(ctx context.Context) (pipeline.Result, error)
	State() pipeline.State
	LastResult() (pipeline.Result, bool)
}

type LinkCache interface {
	Stats() linkcache.Stats
	Sweep(ctx context.Context) (int, error)
}

type QuotaReporter interface {
	Status() ratelimit.Status
}

type Deps struct {
	Items     ItemLookup
	Pipeline  PipelineRunner
	Cache     LinkCache
	Monetizer QuotaReporter
	Notifier  QuotaReporter
	// FeedsDir 非空时在 /feeds 下提供生成的文档
	FeedsDir string
}

type Server struct {
	deps    Deps
	started time.Time
}

func NewServer(deps Deps) *Server {
	return &Server{deps: deps, started: time.Now()}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)
	r.GET("/", s.index)
	r.GET("/r/:hash", s.redirect)

	if s.deps.FeedsDir != "" {
		r.Static("/feeds", s.deps.FeedsDir)
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/pipeline/run", s.runPipeline)
		v1.GET("/items", s.listItems)
		v1.GET("/items/:hash", s.getItem)
		v1.GET("/stats", s.stats)
		v1.GET("/cache/stats", s.cacheStats)
		v1.POST("/cache/cleanup", s.cacheCleanup)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// index 兼容跳转 feed 中的 /?item_hash= 链接
func (s *Server) index(c *gin.Context) {
	if hash := c.Query("item_hash"); hash != "" {
		s.redirectTo(c, hash)
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": "offerhub", "feeds": "/feeds/all-offers.xml"})
}

func (s *Server) redirect(c *gin.Context) {
	s.redirectTo(c, c.Param("hash"))
}

func (s *Server) redirectTo(c *gin.Context, hash string) {
	item, err := s.deps.Items.GetByHash(c.Request.Context(), hash)
	if err != nil {
		s.itemError(c, err)
		return
	}
	c.Redirect(http.StatusFound, item.Link)
}

func (s *Server) getItem(c *gin.Context) {
	item, err := s.deps.Items.GetByHash(c.Request.Context(), c.Param("hash"))
	if err != nil {
		s.itemError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": "ok", "message": "success", "data": item})
}

func (s *Server) itemError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "message": "item not found"})
		return
	}
	internalError(c)
}

func (s *Server) listItems(c *gin.Context) {
	feedType := c.Query("feed_type")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	items, err := s.deps.Items.ListItems(c.Request.Context(), feedType, limit)
	if err != nil {
		internalError(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": "ok", "message": "success", "data": items})
}

// runPipeline 同步执行一轮处理；客户端断开不会中断本轮
func (s *Server) runPipeline(c *gin.Context) {
	res, err := s.deps.Pipeline.Run(context.WithoutCancel(c.Request.Context()))
	if errors.Is(err, pipeline.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"code": "busy", "message": "a processing cycle is already running"})
		return
	}
	if err != nil {
		internalError(c)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) stats(c *gin.Context) {
	counts, err := s.deps.Items.CountByType(c.Request.Context())
	if err != nil {
		internalError(c)
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}

	out := gin.H{
		"items":    gin.H{"total": total, "byType": counts},
		"cache":    s.deps.Cache.Stats(),
		"pipeline": gin.H{"state": s.deps.Pipeline.State()},
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	}
	limits := gin.H{}
	if s.deps.Monetizer != nil {
		limits["shortener"] = s.deps.Monetizer.Status()
	}
	if s.deps.Notifier != nil {
		limits["webhook"] = s.deps.Notifier.Status()
	}
	out["rateLimits"] = limits
	if last, ok := s.deps.Pipeline.LastResult(); ok {
		out["lastRun"] = last
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) cacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) cacheCleanup(c *gin.Context) {
	n, err := s.deps.Cache.Sweep(c.Request.Context())
	if err != nil {
		internalError(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": "ok", "message": "cache cleanup completed", "removed": n})
}

func internalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "internal_error",
		"message": "internal server error",
	})
}
