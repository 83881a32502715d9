package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"live-transcribe-service/internal/archive"
	"live-transcribe-service/internal/config"
	"live-transcribe-service/internal/events"
	"live-transcribe-service/internal/observability/logging"
	"live-transcribe-service/internal/observability/metrics"
	"live-transcribe-service/internal/service/audio"
	"live-transcribe-service/internal/service/session"
	"live-transcribe-service/internal/service/stt"
	"live-transcribe-service/internal/service/stt/awstranscribe"
	"live-transcribe-service/internal/service/stt/google"
	"live-transcribe-service/internal/service/stt/mock"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
	Metrics     *metrics.Metrics

	Sessions  *session.Manager
	Publisher *events.Publisher
	Archive   *archive.Store

	ready atomic.Bool
}

// New constructs the Application and its collaborators from cfg.
func New(ctx context.Context, cfg *config.Configuration) (*Application, error) {
	a := &Application{
		Cfg:     cfg,
		Metrics: metrics.DefaultMetrics,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	factory, err := NewSTTFactory(cfg.STT)
	if err != nil {
		return nil, err
	}

	store, err := archive.Open(ctx, archive.Config{Mode: cfg.Archive.Mode, Path: cfg.Archive.Path})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	a.Archive = store

	a.Publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
		NATS: events.NATSConfig{
			Enabled:        cfg.NATS.Enabled,
			URL:            cfg.NATS.URL,
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
		},
	})

	a.Sessions = session.NewManager(session.Config{
		Provider: cfg.STT.Provider,
		Factory:  factory,
		Limits: audio.CaptureLimits{
			MaxAudioBytes: cfg.CaptureLimits.MaxAudioBytes,
			MaxDuration:   cfg.CaptureLimits.MaxDuration,
			MaxResults:    cfg.CaptureLimits.MaxResults,
		},
		SampleRateHz: cfg.STT.SampleRateHz,
		Publisher:    a.Publisher,
		Archive:      a.Archive,
		Metrics:      a.Metrics,
	})

	appLogger.Info().
		Str("sttProvider", cfg.STT.Provider).
		Str("archiveMode", cfg.Archive.Mode).
		Bool("kafka", cfg.Kafka.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Live transcribe application created")
	return a, nil
}

// NewSTTFactory returns the adapter factory for the configured provider.
func NewSTTFactory(cfg config.STTConfig) (stt.Factory, error) {
	switch cfg.Provider {
	case stt.ProviderMock, "":
		return mock.Factory(), nil
	case stt.ProviderGoogle:
		return google.Factory(google.Config{
			LanguageCode:   cfg.LanguageCode,
			SampleRateHz:   cfg.SampleRateHz,
			InterimResults: cfg.InterimResults,
			AudioEncoding:  cfg.AudioEncoding,
		}), nil
	case stt.ProviderAWS:
		return awstranscribe.Factory(awstranscribe.Config{
			Region:       cfg.Region,
			LanguageCode: cfg.LanguageCode,
			SampleRateHz: cfg.SampleRateHz,
		}), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	format := a.Cfg.Observability.LogFormat
	if a.Cfg.Service.Environment == "dev" && format == "" {
		format = "console"
	}
	logging.Init(logging.Config{
		Level:      a.Cfg.Observability.LogLevel,
		Format:     format,
		TimeFormat: time.RFC3339,
		Service:    "live-transcribe-service",
	})
	a.Logger = logging.WithComponent("application")

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Environment).
		Msg("Logger setup completed")
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.ready.Store(true)

	a.Logger.Info().
		Str("method", "Start").
		Time("startupTime", a.StartupTime).
		Msg("Live transcribe service starting")
	return nil
}

// Ready reports whether the application accepts traffic.
func (a *Application) Ready() bool {
	return a.ready.Load()
}

// Shutdown stops all captures and releases sinks.
func (a *Application) Shutdown(ctx context.Context) error {
	a.ready.Store(false)
	a.Logger.Info().Str("method", "Shutdown").Msg("Live transcribe service shutting down")

	var errs []error
	if a.Sessions != nil {
		if err := a.Sessions.CloseAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.Archive != nil {
		if err := a.Archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	return errors.Join(errs...)
}
