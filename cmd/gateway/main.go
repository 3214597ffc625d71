package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callstream-pipeline/internal/app"
	"callstream-pipeline/internal/config"
	"callstream-pipeline/internal/gateway"
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

	publisher := gateway.NewPublisher(
		b,
		cfg.Gateway.FallbackBuffer,
		cfg.Gateway.FallbackFlushInterval,
		cfg.Gateway.IdleTimeout,
		logger,
	)
	go publisher.Run(ctx)

	gw := gateway.NewServer(cfg.Gateway, publisher, logger)

	obs := observability.NewServer(cfg.Observability.HTTPAddr, observability.StatusSource{
		BusHealthy:  b.Healthy,
		ActiveCalls: gw.ActiveConnections,
	}, logger)
	obs.Start()

	server := &http.Server{
		Addr:        cfg.Gateway.ListenAddr,
		Handler:     gw.Handler(),
		ReadTimeout: 0, // long-lived WebSocket reads manage their own deadlines
	}
	go func() {
		logger.Info().Str("addr", cfg.Gateway.ListenAddr).Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("gateway serve failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down gateway")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = obs.Shutdown(shutdownCtx)
}
