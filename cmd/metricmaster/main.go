package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metricmaster/internal/config"
	"metricmaster/internal/database"
	httpapi "metricmaster/internal/http"
	"metricmaster/internal/logger"
	"metricmaster/internal/repository"
	"metricmaster/internal/service"
	"metricmaster/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	zlog, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "metricmaster")
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()

	// 候选建议缓存：Redis 不可达时兜底为进程内缓存
	var kv store.KV
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		zlog.Warn("Redis unavailable, using in-process suggestion cache", zap.Error(err))
		kv = store.NewMemoryKV()
	} else {
		kv = store.NewRedisKV(redisClient)
	}

	var (
		db           *sql.DB
		catalogRepo  repository.CatalogRepository
		versionsRepo repository.VersionsRepository
		pendingRepo  repository.PendingResolutionsRepository
		metricsRepo  repository.RecordedMetricsRepository
	)
	if cfg.DBEnabled {
		if d, err := database.NewPostgresDB(&cfg.Database); err == nil {
			db = d
			zlog.Info("DB enabled for metricmaster")
		} else {
			zlog.Warn("DB enabled but connection failed, falling back to memory repos", zap.Error(err))
		}
	}
	if db != nil {
		catalogRepo = repository.NewPostgresCatalogRepository(db)
		versionsRepo = repository.NewPostgresVersionsRepository(db)
		pendingRepo = repository.NewPostgresPendingRepository(db)
		metricsRepo = repository.NewPostgresMetricsRepository(db)
	} else {
		// DB 未就绪：内存实现支持联测（目录提交/解析流程完整可用，数据不落盘）
		memCatalog := repository.NewMemoryCatalogRepository()
		catalogRepo = memCatalog
		versionsRepo = repository.NewMemoryVersionsRepository(memCatalog)
		pendingRepo = repository.NewMemoryPendingRepository()
		metricsRepo = repository.NewMemoryMetricsRepository()
	}

	suggester := service.NewSuggestClient(cfg.Suggest, zlog)
	versionSvc := service.NewCatalogVersionService(versionsRepo, cfg.VersionsDir, zlog)
	resolutionSvc := service.NewResolutionService(catalogRepo, pendingRepo, metricsRepo, suggester, kv, zlog)

	router := httpapi.NewRouter(zlog)
	router.RegisterHealthRoute()
	router.RegisterAdminCatalogRoutes(httpapi.NewAdminCatalogHandler(versionSvc, zlog))
	router.RegisterIngestRoutes(httpapi.NewIngestHandler(resolutionSvc, zlog))
	router.RegisterReviewRoutes(httpapi.NewReviewHandler(resolutionSvc, zlog))

	srv := service.NewServer(cfg.HTTP.Addr, router, zlog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zlog.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			zlog.Error("HTTP server exited", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		zlog.Error("Graceful shutdown failed", zap.Error(err))
	}

	if db != nil {
		_ = database.Close(db)
	}
	_ = redisClient.Close()
}
