// Package app holds process-wide bootstrap shared by the gateway and
// bridge binaries: logger setup, lifecycle markers and the factories
// that turn configuration into a bus and an ASR provider.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"callstream-pipeline/internal/asr"
	"callstream-pipeline/internal/asr/deepgram"
	"callstream-pipeline/internal/asr/google"
	"callstream-pipeline/internal/asr/mock"
	"callstream-pipeline/internal/bus"
	"callstream-pipeline/internal/bus/amqpbus"
	"callstream-pipeline/internal/bus/inproc"
	"callstream-pipeline/internal/bus/kafkabus"
	"callstream-pipeline/internal/config"
	"callstream-pipeline/internal/observability/logging"
)

// Application holds process-wide state for a service binary.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config
}

// New constructs an Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{Cfg: cfg}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("component", "application").
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("callstream application created")
	return a
}

// setupLogger configures zerolog for the process.
func (a *Application) setupLogger() {
	a.Logger = logging.New(logging.Config{
		Level:   a.Cfg.Observability.LogLevel,
		Env:     a.Cfg.Service.Env,
		Service: a.Cfg.Service.Name,
	})

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("logger setup completed")
}

// Start records the startup time before serving traffic.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("service starting")
	return nil
}

// Shutdown performs a best-effort cleanup before process exit.
func (a *Application) Shutdown() {
	a.Logger.Info().Msg("service shutting down")
}

// OpenBus constructs the configured bus backend.
func (a *Application) OpenBus(ctx context.Context) (bus.Bus, error) {
	switch a.Cfg.Bus.Backend {
	case "inproc":
		return inproc.New(), nil
	case "kafka":
		return kafkabus.New(ctx, kafkabus.Config{Brokers: a.Cfg.Bus.Kafka.Brokers}, a.Logger)
	case "amqp":
		return amqpbus.New(amqpbus.Config{URL: a.Cfg.Bus.AMQP.URL}, a.Logger)
	default:
		return nil, fmt.Errorf("app: unknown bus backend %q", a.Cfg.Bus.Backend)
	}
}

// OpenProvider constructs the configured ASR provider.
func (a *Application) OpenProvider(ctx context.Context) (asr.Provider, error) {
	switch a.Cfg.ASR.Provider {
	case "deepgram":
		return deepgram.New(deepgram.Config{
			APIKey: a.Cfg.ASR.Deepgram.APIKey,
			Model:  a.Cfg.ASR.Deepgram.Model,
		}, a.Logger)
	case "google":
		return google.New(ctx, a.Cfg.ASR.Language, a.Logger)
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("app: unknown asr provider %q", a.Cfg.ASR.Provider)
	}
}
