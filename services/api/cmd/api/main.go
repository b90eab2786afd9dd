package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"web3university/internal/util"
	"web3university/pkg/ledger"
	"web3university/services/api/internal/app"
	"web3university/services/api/internal/config"
	"web3university/services/api/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ledgerClient, err := ledger.Dial(dialCtx, cfg.LedgerRPCURL, cfg.CourseContract)
	if err != nil {
		log.Fatalf("failed to dial ledger: %v", err)
	}
	defer ledgerClient.Close()

	appCore, err := app.New(app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		Ledger:              ledgerClient,
		LedgerRetryAttempts: cfg.LedgerRetryAttempts,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                     appCore,
		RedisAddr:               cfg.RedisAddr,
		RedisPassword:           cfg.RedisPassword,
		LoginRateLimitPerMinute: cfg.LoginRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("api server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
