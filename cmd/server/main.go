// Package main runs the video API and HLS playback server with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamvault/backend/config"
	"github.com/streamvault/backend/internal/auth"
	"github.com/streamvault/backend/internal/middleware"
	"github.com/streamvault/backend/internal/streaming"
	"github.com/streamvault/backend/internal/videos"
	"github.com/streamvault/backend/pkg/database"
	"github.com/streamvault/backend/pkg/events"
	"github.com/streamvault/backend/pkg/redis"
	"github.com/streamvault/backend/pkg/response"
	"github.com/streamvault/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.Storage.Region,
		Endpoint:             cfg.Storage.Endpoint,
		UsePathStyle:         cfg.Storage.UsePathStyle,
		AccessKeyID:          cfg.Storage.AccessKeyID,
		SecretAccessKey:      cfg.Storage.SecretAccessKey,
		Bucket:               cfg.Storage.Bucket,
		PresignExpireMinutes: cfg.Storage.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	bus := events.NewBus(rdb.Client, events.Options{
		Prefix:    cfg.Events.StreamPrefix,
		ClaimIdle: cfg.Events.ClaimIdle,
	}, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Videos (ingest, listing, owner delete)
	videoRepo := videos.NewRepository(pool)
	videoSvc := videos.NewService(videoRepo, s3Client, bus, s3Client.PresignExpire(), logger)
	videoHandler := videos.NewHandler(videoSvc, logger)

	// Playback (HLS gateway with local rehydration cache)
	gateway := streaming.NewGateway(videoRepo, s3Client, streaming.NewCache(cfg.Streaming.CacheDir), logger)
	streamHandler := streaming.NewHandler(gateway, logger)
	videoSvc.SetCacheEvicter(gateway)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.MaxMultipartMemory = 32 << 20
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger, "/stream/", "/metrics"))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected API (JWT required)
	api := router.Group("/videos")
	api.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/upload", videoHandler.Upload)
		api.GET("", videoHandler.List)
		api.GET("/:id", videoHandler.Get)
		api.DELETE("/:id", videoHandler.Delete)
	}

	// Playback (public; players cannot send bearer tokens)
	stream := router.Group("/stream")
	stream.Use(middleware.CORS("*"))
	streamHandler.Register(stream)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
