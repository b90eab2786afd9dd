package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"web3university/internal/util"
	"web3university/pkg/ledger"
	"web3university/services/ingestor/internal/app"
	"web3university/services/ingestor/internal/config"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ledgerClient, err := ledger.Dial(dialCtx, cfg.LedgerRPCURL, cfg.CourseContract)
	if err != nil {
		log.Fatalf("failed to dial ledger: %v", err)
	}
	defer ledgerClient.Close()

	appCore, err := app.New(app.Config{
		DatabaseURL:       cfg.DatabaseURL,
		Ledger:            ledgerClient,
		ReconnectDelay:    time.Duration(cfg.ReconnectDelaySeconds) * time.Second,
		MaxReconnectDelay: time.Duration(cfg.MaxReconnectSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	slog.Info("ingestor starting", "rpc", cfg.LedgerRPCURL, "contract", cfg.CourseContract)
	if err := appCore.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("ingestor stopped", "err", err)
	}
	slog.Info("ingestor shut down")
}
