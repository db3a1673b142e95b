// Package main runs the transcoding worker: it consumes video.uploaded events and
// produces HLS renditions.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamvault/backend/config"
	"github.com/streamvault/backend/internal/models"
	"github.com/streamvault/backend/internal/processing"
	"github.com/streamvault/backend/internal/videos"
	"github.com/streamvault/backend/pkg/database"
	"github.com/streamvault/backend/pkg/events"
	"github.com/streamvault/backend/pkg/redis"
	"github.com/streamvault/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	tiers, err := loadTiers(cfg.Processing)
	if err != nil {
		logger.Fatal("quality tiers", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		Prefix:      cfg.Events.StreamPrefix,
		ClaimIdle:   cfg.Events.ClaimIdle,
		Concurrency: cfg.Processing.Concurrency,
	}, logger)

	encoder := processing.NewFFmpegEncoder(cfg.Processing.FFmpegPath, cfg.Processing.EncodeTimeout, logger)
	engine := processing.NewEngine(videos.NewRepository(pool), s3Client, bus, encoder, processing.Config{
		Tiers:          tiers,
		SegmentSeconds: cfg.Processing.SegmentSeconds,
		WorkDir:        cfg.Processing.WorkDir,
	}, logger)

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Server.MetricsPort,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	consumer := consumerName(cfg.Processing.ConsumerName)
	labels := make([]string, 0, len(tiers))
	for _, t := range tiers {
		labels = append(labels, t.Label+"@"+t.Bitrate)
	}
	logger.Info("worker started",
		zap.String("consumer", consumer),
		zap.String("group", cfg.Processing.ConsumerGroup),
		zap.Strings("tiers", labels),
		zap.Int("concurrency", cfg.Processing.Concurrency),
	)

	// Blocks until SIGINT/SIGTERM; in-flight jobs are interrupted and left pending for redelivery.
	if err := bus.Subscribe(ctx, models.TopicVideoUploaded, cfg.Processing.ConsumerGroup, consumer, engine.HandleMessage); err != nil {
		logger.Error("subscribe", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}

func loadTiers(cfg config.ProcessingConfig) ([]processing.Tier, error) {
	if cfg.TiersFile != "" {
		return processing.LoadTiersFile(cfg.TiersFile)
	}
	return processing.ParseTiers(cfg.Tiers)
}

// consumerName keeps names unique per process so a restarted worker reclaims, not shadows, its old deliveries.
func consumerName(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true,"data":{"status":"ok"}}`))
	})
	return mux
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
