package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"metricmaster/internal/config"
	"metricmaster/internal/database"
	"metricmaster/internal/logger"
	"metricmaster/internal/repository"
	"metricmaster/internal/service"
)

// 离线批处理：对 pending 复核行重新执行解析决策（回填场景）。
// 全部指标都能解析的行转入 processed，其余行按 upsert 路径刷新候选
func main() {
	userID := flag.String("user", "", "only reprocess entries for this user id (default: all users)")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall run timeout")
	flag.Parse()

	cfg := config.Load()

	zlog, err := logger.NewLogger(cfg.Log.Level, "console", "reprocess-pending")
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zlog.Sync()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatalf("Cannot connect to database: %v", err)
	}
	defer db.Close()

	catalogRepo := repository.NewPostgresCatalogRepository(db)
	pendingRepo := repository.NewPostgresPendingRepository(db)
	metricsRepo := repository.NewPostgresMetricsRepository(db)
	suggester := service.NewSuggestClient(cfg.Suggest, zlog)
	resolution := service.NewResolutionService(catalogRepo, pendingRepo, metricsRepo, suggester, nil, zlog)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	processed, err := resolution.ReprocessPending(ctx, *userID)
	if err != nil {
		log.Fatalf("Reprocess failed: %v", err)
	}
	fmt.Printf("Reprocess completed: %d entries moved to processed\n", processed)
}
