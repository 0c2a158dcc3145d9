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

	"consistency-checker/config"
	"consistency-checker/internal/api"
	"consistency-checker/internal/broker"
	"consistency-checker/internal/client"
	"consistency-checker/internal/models"
	"consistency-checker/internal/poller"
	"consistency-checker/internal/redisclient"
	"consistency-checker/internal/service"
	"consistency-checker/internal/store"
	"consistency-checker/internal/util"
	"consistency-checker/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting consistency checker")

	tp, err := util.InitTracer("consistency-checker", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicValidation)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	httpClient := client.NewHTTPClient(time.Duration(cfg.Sources.HTTPTimeoutSeconds) * time.Second)
	shop := client.NewShopClient(httpClient, cfg.Sources.ShopAddr)
	inventory := client.NewInventoryClient(httpClient, cfg.Sources.InventoryAddr, "")
	validationCfg := service.ValidationConfig{
		Concurrency:          cfg.Validation.Concurrency,
		PageSize:             cfg.Validation.ProductsPageSize,
		MaxPages:             cfg.Validation.ProductsMaxPages,
		CompareDesiredAmount: cfg.Validation.CompareDesiredAmount,
	}
	p := poller.New()

	validators := func(testID string) service.Validator {
		scoped := inventory.WithNameSearch(models.ProductNamePrefix(testID))
		return service.NewValidationService(shop, scoped, p, validationCfg)
	}

	runManager := service.NewRunManager(validators, db, redisClient, eventPublisher, service.RunManagerConfig{
		CartWaitSeconds:      cfg.Validation.CartWaitSeconds,
		ProductWaitSeconds:   cfg.Validation.ProductWaitSeconds,
		CountHandledRequests: cfg.Validation.CountHandledRequests,
		ReportTTL:            time.Duration(cfg.Validation.ReportTTLSeconds) * time.Second,
		LockTTL:              time.Duration(cfg.Validation.RunLockTTLSeconds) * time.Second,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	loadTestConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicLoadTestEvents, cfg.Kafka.ConsumerGroup)
	validationWorker := worker.NewValidationWorker(loadTestConsumer, runManager)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := validationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Validation worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(runManager, map[string]api.ReadinessCheck{
		"postgres": db.Ping,
		"redis":    redisClient.Ping,
	})
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

	var metricsSrv *http.Server
	if port := cfg.Observ.PrometheusPort; port != "" && port != cfg.Server.Port {
		metricsSrv = api.NewMetricsServer(port)
		go func() {
			logger.Info("Starting metrics server", zap.String("port", port))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server forced to shutdown", zap.Error(err))
		}
	}

	workerCancel()
	<-workerDone
	if err := validationWorker.Stop(); err != nil {
		logger.Error("Error stopping worker", zap.Error(err))
	}
	runManager.Close()

	logger.Info("Server exited")
}
