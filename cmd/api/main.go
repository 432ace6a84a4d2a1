// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/yourusername/paperwise/internal/analyzer"
	"github.com/yourusername/paperwise/internal/config"
	"github.com/yourusername/paperwise/internal/fetch"
	"github.com/yourusername/paperwise/internal/jobs"
	"github.com/yourusername/paperwise/internal/storage"
	"github.com/yourusername/paperwise/pkg/logx"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logx.New(cfg.LogLevel, cfg.LogConsole)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Redis接続（ジョブ状態ストアとWebhook配送で共用）
	redisOpt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid QUEUE_REDIS_URL")
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()

	asynqOpt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid QUEUE_REDIS_URL for webhook delivery")
	}

	// ローカルストレージ（アップロード・取得ファイル・成果物）
	local, err := storage.NewLocal(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to prepare data directory")
	}

	// ジョブ基盤の組み立て
	store := jobs.NewRedisStore(rdb, cfg.JobTTL)
	queue := jobs.NewQueue(cfg.QueueCapacity)
	bus := jobs.NewEventBus(cfg.BusGrace)
	resolver := fetch.NewResolver(local, cfg.AllowedHosts(), cfg.MaxFileSize, cfg.FetchTimeout)

	notifier := jobs.NewWebhookNotifier(asynqOpt, logger)
	defer notifier.Close()
	webhookServer := jobs.NewWebhookServer(asynqOpt, cfg.FetchTimeout, logger)

	svc := jobs.NewService(store, queue, bus, notifier, local, cfg.AllowedHosts(), logger)
	pool := jobs.NewPool(store, queue, bus, resolver, analyzer.NewInspector(), local, notifier, jobs.PoolOptions{
		Workers:      cfg.WorkerCount,
		MaxAttempts:  cfg.MaxAttempts,
		StageTimeout: cfg.StageTimeout,
	}, logger)
	reaper := jobs.NewReaper(store, queue, bus, notifier, local, jobs.ReaperOptions{
		Interval:        cfg.ReaperInterval,
		LivenessTimeout: cfg.LivenessTimeout,
		MaxAttempts:     cfg.MaxAttempts,
		ArtifactTTL:     cfg.JobTTL,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	reaper.Start(ctx)
	webhookServer.Start()

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, svc, local)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}

	// 実行中ワーカーの抜けを待つ。間に合わなかったジョブは回収スイープが拾う
	pool.Wait()
	webhookServer.Shutdown()
	logger.Info().Msg("shutdown complete")
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "paperwise-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, svc *jobs.Service, local *storage.Local) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	limiter := rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), cfg.SubmitBurst)

	api := router.Group("/api/v1")
	{
		api.POST("/upload", jobs.UploadHandler(local, cfg.MaxFileSize))

		analyses := api.Group("/analyses")
		{
			analyses.POST("", jobs.SubmitHandler(svc, limiter))
			analyses.GET("/:id", jobs.StatusHandler(svc))
			analyses.GET("/:id/events", jobs.EventsHandler(svc))
			analyses.GET("/:id/result", jobs.ResultHandler(svc))
			analyses.DELETE("/:id", jobs.CancelHandler(svc))
		}
	}
}
