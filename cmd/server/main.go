package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hongminglow/shop-user-api/internal/bootstrap"
	"github.com/hongminglow/shop-user-api/internal/config"
	"github.com/hongminglow/shop-user-api/internal/logging"
	"github.com/hongminglow/shop-user-api/internal/server"
	"github.com/hongminglow/shop-user-api/internal/telemetry"
	"github.com/joho/godotenv"
)

func main() {
	loadLocalEnv()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	slog.SetDefault(logger.Slog())

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelServiceName, cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}

	store, err := bootstrap.OpenStore(ctx, cfg, false)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	defer store.Close()

	publisher, closePublisher, err := bootstrap.OpenPublisher(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init event publisher: %v", err)
	}
	defer closePublisher()

	accounts, err := bootstrap.NewAccounts(cfg, store, publisher, logger)
	if err != nil {
		log.Fatalf("init accounts: %v", err)
	}

	srv := server.New(cfg, accounts, store, logger)

	go func() {
		logger.Info(ctx, "shop user api listening", "addr", cfg.HTTPAddress(), "storage", cfg.StorageDriver)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error(ctx, "graceful shutdown error", "error", err)
	}
	if err := shutdownTracing(ctxShutdown); err != nil {
		logger.Error(ctx, "tracing shutdown error", "error", err)
	}
}

func loadLocalEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found; relying on existing environment")
	}
}
