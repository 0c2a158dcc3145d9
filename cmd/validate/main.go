package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consistency-checker/config"
	"consistency-checker/internal/client"
	"consistency-checker/internal/models"
	"consistency-checker/internal/poller"
	"consistency-checker/internal/service"
	"consistency-checker/internal/util"

	"go.uber.org/zap"
)

// validate checks the shop and inventory services once after a load test and prints the
// report as JSON. It exits 1 when anything is inconsistent or could not be checked.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	testID := flag.String("test-id", cfg.Validation.TestID, "load test id (TEST_ID)")
	totalUsers := flag.Int("users", cfg.Validation.TotalUsers, "number of virtual users (TOTAL_USERS)")
	cartWait := flag.Int("cart-wait", cfg.Validation.CartWaitSeconds, "seconds each cart may take to converge")
	productWait := flag.Int("product-wait", cfg.Validation.ProductWaitSeconds, "seconds each product may take to converge")
	countHandled := flag.Bool("count-handled", cfg.Validation.CountHandledRequests, "sum handled reservation requests")
	flag.Parse()

	if *testID == "" {
		log.Fatal("A test id is required (-test-id or TEST_ID)")
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := client.NewHTTPClient(time.Duration(cfg.Sources.HTTPTimeoutSeconds) * time.Second)
	shop := client.NewShopClient(httpClient, cfg.Sources.ShopAddr)
	inventory := client.NewInventoryClient(httpClient, cfg.Sources.InventoryAddr, models.ProductNamePrefix(*testID))

	validator := service.NewValidationService(shop, inventory, poller.New(), service.ValidationConfig{
		Concurrency:          cfg.Validation.Concurrency,
		PageSize:             cfg.Validation.ProductsPageSize,
		MaxPages:             cfg.Validation.ProductsMaxPages,
		CompareDesiredAmount: cfg.Validation.CompareDesiredAmount,
	})

	runManager := service.NewRunManager(
		func(string) service.Validator { return validator },
		nil, nil, nil,
		service.RunManagerConfig{
			CartWaitSeconds:      *cartWait,
			ProductWaitSeconds:   *productWait,
			CountHandledRequests: *countHandled,
		},
	)
	defer runManager.Close()

	report, err := runManager.Execute(ctx, service.RunRequest{TestID: *testID, TotalUsers: *totalUsers})
	if err != nil {
		logger.Error("Validation failed", zap.Error(err))
		os.Exit(2)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("Failed to write report", zap.Error(err))
		os.Exit(2)
	}

	if !report.Consistent() {
		counts := report.Counts()
		logger.Warn("Data is inconsistent",
			zap.Int("inconsistent", counts.Inconsistent),
			zap.Int("errored", counts.Errored),
			zap.Int("interrupted", counts.Interrupted),
			zap.String("error", report.Error))
		util.SyncLogger()
		os.Exit(1)
	}
	logger.Info("All carts and products are consistent")
}
