package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/api"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/catalog"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/config"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/pkg/dedup"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/pkg/logger"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/pkg/notify"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/pkg/ratelimit"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/refresher"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// main 是价格刷新服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 连接 MySQL 并执行自动迁移
// 3. 连接 Redis（可选，缺失时降级为本地限流、无新鲜度窗口）
// 4. 加载会话凭证并组装刷新引擎
// 5. -once 模式跑一轮后退出；常驻模式启动调度循环与运维 API
// 6. 优雅关闭
func main() {
	once := flag.Bool("once", false, "run a single refresh pass and exit")
	configPath := flag.String("config", "", "path to config file (default configs/config.json)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		appLogger.Error("connect mysql failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store := catalog.NewStore(db, appLogger)
	if err := store.AutoMigrate(); err != nil {
		appLogger.Error("auto migrate failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis 可选：未配置时限流退化为进程内 token bucket，新鲜度窗口与
	// 运行锁静默放行（单实例部署下仍然安全）
	var rdb *redis.Client
	var limiter ratelimit.Limiter
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       0,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			appLogger.Error("connect redis failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		limiter = ratelimit.NewRedisLimiter(rdb, appLogger, "", cfg.Scraper.RateLimit, cfg.Scraper.RateBurst)
	} else {
		appLogger.Warn("redis not configured, using in-process rate limiter")
		limiter = ratelimit.NewLocalLimiter(cfg.Scraper.RateLimit, cfg.Scraper.RateBurst)
	}
	guard := dedup.NewFreshnessGuard(rdb, cfg.App.FreshnessTTL)

	session, err := refresher.LoadSession(cfg.Session)
	if err != nil {
		appLogger.Error("load session failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if session.CookieHeader == "" {
		appLogger.Warn("no session cookie configured, running unauthenticated")
	}

	fetcher := refresher.NewFetcher(cfg.Scraper, limiter, session.CookieHeader, appLogger)
	notifier := notify.NewEmailNotifier(&cfg.Email, appLogger)
	service := refresher.NewService(cfg, store, guard, fetcher, session, notifier, appLogger)

	if *once {
		run, err := service.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("refresh run failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if run != nil && run.Status != "success" {
			os.Exit(2)
		}
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in scheduler loop", slog.Any("panic", r))
				os.Exit(1)
			}
		}()
		service.RunLoop(ctx)
	}()

	server := api.NewServer(cfg, appLogger, db, rdb, service)
	go func() {
		if err := server.Run(); err != nil {
			appLogger.Error("ops server stopped with error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down pricebot...")

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			appLogger.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			appLogger.Error("mysql close error", slog.String("error", err.Error()))
		}
	}
	appLogger.Info("pricebot stopped gracefully")
}
