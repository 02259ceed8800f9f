package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"price-ingest/config"
	"price-ingest/internal/api"
	"price-ingest/internal/broker"
	"price-ingest/internal/decoder"
	"price-ingest/internal/profile"
	"price-ingest/internal/redisclient"
	"price-ingest/internal/service"
	"price-ingest/internal/store"
	"price-ingest/internal/util"
	"price-ingest/internal/worker"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting price ingest service",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	tp, err := util.InitTracer("price-ingest", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	profiles, err := loadProfiles(cfg.Pipeline.ProfilesPath)
	if err != nil {
		logger.Fatal("Failed to load retailer profiles", zap.Error(err))
	}

	db, err := store.NewStore(store.Options{
		Driver:       cfg.Database.Driver,
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		QueryTimeout: cfg.Database.QueryTimeout,
		TxTimeout:    cfg.Database.TxTimeout,
		Retry:        retryPolicy(cfg.Pipeline),
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database connected", zap.String("driver", db.Driver()))

	var (
		locker  service.Locker
		markers worker.Markers
	)
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ProcessedTTL)
	if err != nil {
		logger.Warn("Redis unavailable, running without file locks", zap.Error(err))
	} else {
		defer redisClient.Close()
		locker, markers = redisClient, redisClient
		logger.Info("Redis connected")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))

	events := service.MultiEvents{service.NewLogEvents(), broker.NewEventPublisher(producer)}

	orchestrator, err := service.NewOrchestrator(profiles, db, events, locker, service.Options{
		Parallelism: cfg.Pipeline.Parallelism,
		RowWorkers:  cfg.Pipeline.RowWorkers,
		Limits:      decoder.Limits{MaxMemberBytes: cfg.Pipeline.MaxMemberBytes},
		LockTTL:     cfg.Pipeline.LockTTL,
		Retry:       retryPolicy(cfg.Pipeline),
	})
	if err != nil {
		logger.Fatal("Failed to build orchestrator", zap.Error(err))
	}
	if err := orchestrator.EnsureChains(context.Background()); err != nil {
		logger.Fatal("Failed to register chains", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicFiles, cfg.Kafka.ConsumerGroup)
	ingestWorker := worker.NewIngestWorker(consumer, orchestrator, markers)
	go func() {
		if err := ingestWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Ingest worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orchestrator, db, cfg.Server.MaxUploadBytes)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := ingestWorker.Stop(); err != nil {
		logger.Warn("Error stopping ingest worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

func loadProfiles(path string) (*profile.Registry, error) {
	if path == "" {
		return profile.Default()
	}
	return profile.LoadFile(path)
}

func retryPolicy(p config.PipelineConfig) util.RetryPolicy {
	return util.RetryPolicy{Attempts: p.MaxRetries, BaseDelay: p.RetryBaseDelay}
}
