package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callstream-pipeline/internal/app"
	"callstream-pipeline/internal/bridge"
	"callstream-pipeline/internal/config"
	"callstream-pipeline/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	application := app.New(cfg)
	logger := application.Logger
	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer application.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := application.OpenBus(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("bus setup failed")
	}
	defer b.Close()

	provider, err := application.OpenProvider(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("asr provider setup failed")
	}

	worker := bridge.NewWorker(b, provider, bridge.ConfigFrom(cfg.Bridge, cfg.ASR), logger)
	if err := worker.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("bridge start failed")
	}

	obs := observability.NewServer(cfg.Observability.HTTPAddr, observability.StatusSource{
		BusHealthy:          b.Healthy,
		ActiveCalls:         worker.ActiveCalls,
		ProviderConnections: worker.ProviderConnections,
	}, logger)
	obs.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down bridge worker")
	worker.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = obs.Shutdown(shutdownCtx)
}
