package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/api/middleware"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/config"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/model"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/refresher"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Runner 运维接口需要的刷新引擎操作。
type Runner interface {
	RunOnce(ctx context.Context) (*model.JobRun, error)
	LatestRun(ctx context.Context) (*model.JobRun, error)
	Running() bool
}

// Server 运维 HTTP 接口：手动触发刷新、查询最近运行、健康检查与指标。
//
// 没有用户面——这是单租户后台进程，接口只应暴露在内网。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	rdb    *redis.Client
	runner Runner
	router *gin.Engine
}

// NewServer 初始化运维服务器。
//
// 参数:
//
//	cfg: 配置对象
//	logger: 日志记录器
//	db: 数据库连接（健康检查用）
//	rdb: Redis 客户端（可为 nil，无 Redis 部署时健康检查跳过）
//	runner: 刷新引擎
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
func NewServer(cfg *config.Config, logger *slog.Logger, db *gorm.DB, rdb *redis.Client, runner Runner) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
		rdb:    rdb,
		runner: runner,
		router: r,
	}
	s.registerRoutes()
	return s
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.logger.Info("ops server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器（测试用）。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	internal := s.router.Group("/internal")
	internal.POST("/run", s.handleTriggerRun)
	internal.GET("/runs/latest", s.handleLatestRun)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db != nil {
		var one int
		if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "mysql"})
			return
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.runner.Running()})
}

// handleTriggerRun 异步触发一次刷新运行。
//
// POST /internal/run
//
// 已有运行在进行时返回 409。运行本身在后台 goroutine 中执行，
// 接口立即返回 202，结果通过 /internal/runs/latest 查询。
func (s *Server) handleTriggerRun(c *gin.Context) {
	if s.runner.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "run already in progress"})
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in triggered run", slog.Any("panic", r))
			}
		}()
		run, err := s.runner.RunOnce(context.Background())
		if err != nil {
			if errors.Is(err, refresher.ErrRunInProgress) {
				return
			}
			s.logger.Error("triggered run failed", slog.String("error", err.Error()))
			return
		}
		s.logger.Info("triggered run finished",
			slog.String("run_id", run.RunID),
			slog.String("status", run.Status))
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// runResponse 最近运行的响应结构。
type runResponse struct {
	RunID         string     `json:"run_id"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Scanned       int        `json:"scanned"`
	Updated       int        `json:"updated"`
	Failed        int        `json:"failed"`
	Skipped       int        `json:"skipped"`
	Retried       int        `json:"retried"`
	RateLimited   int        `json:"rate_limited"`
	GateDetected  int        `json:"gate_detected"`
	PriceNotFound int        `json:"price_not_found"`
	Deactivated   int        `json:"deactivated"`
	StoppedEarly  bool       `json:"stopped_early"`
	SampleError   string     `json:"sample_error,omitempty"`
}

// handleLatestRun 返回最近一次运行的摘要。
//
// GET /internal/runs/latest
func (s *Server) handleLatestRun(c *gin.Context) {
	run, err := s.runner.LatestRun(c.Request.Context())
	if err != nil {
		s.logger.Error("load latest run failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load latest run failed"})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no runs yet"})
		return
	}

	c.JSON(http.StatusOK, runResponse{
		RunID:         run.RunID,
		Status:        run.Status,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		Scanned:       run.Scanned,
		Updated:       run.Updated,
		Failed:        run.Failed,
		Skipped:       run.Skipped,
		Retried:       run.Retried,
		RateLimited:   run.RateLimited,
		GateDetected:  run.GateDetected,
		PriceNotFound: run.PriceNotFound,
		Deactivated:   run.Deactivated,
		StoppedEarly:  run.StoppedEarly,
		SampleError:   run.SampleError,
	})
}
