// Package app assembles the relay's services from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcription-relay/internal/config"
	"meeting-transcription-relay/internal/events"
	"meeting-transcription-relay/internal/observability/logging"
	"meeting-transcription-relay/internal/observability/metrics"
	"meeting-transcription-relay/internal/relay"
	"meeting-transcription-relay/internal/schema"
	"meeting-transcription-relay/internal/service/audio"
	"meeting-transcription-relay/internal/service/fanout"
	"meeting-transcription-relay/internal/service/finalize"
	"meeting-transcription-relay/internal/service/registry"
	"meeting-transcription-relay/internal/service/session"
	"meeting-transcription-relay/internal/service/stt"
	"meeting-transcription-relay/internal/service/stt/demo"
	"meeting-transcription-relay/internal/service/stt/google"
	"meeting-transcription-relay/internal/store"
	"meeting-transcription-relay/internal/store/firestore"
	"meeting-transcription-relay/internal/store/memory"
	"meeting-transcription-relay/internal/store/sqlite"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
	Metrics     *metrics.Metrics

	Registry  *registry.Registry
	Table     *session.Table
	Fanout    *fanout.Broadcaster
	Ingest    *audio.Ingest
	Finalizer *finalize.Finalizer
	Relay     *relay.Server
	Store     store.Store
	Publisher *events.Publisher

	speech *google.Client
	cancel context.CancelFunc
	sweep  chan struct{}
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Configuration) *Application {
	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: logFormat(cfg),
	})
	a := &Application{
		Cfg:     cfg,
		Metrics: metrics.DefaultMetrics,
		Logger: logging.Logger().With().
			Str("service", "meeting-transcription-relay").
			Str("component", "application").
			Logger(),
	}

	a.Logger.Info().
		Str("logLevel", cfg.Observability.LogLevel).
		Str("environment", cfg.Service.Env).
		Msg("Meeting transcription relay application created")
	return a
}

func logFormat(cfg *config.Configuration) string {
	if cfg.Service.Env == "dev" {
		return "console"
	}
	return cfg.Observability.LogFormat
}

// Start opens backends and wires the services. Nothing is served until the
// HTTP router is mounted by the caller.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().Str("method", "Start").Logger()
	a.StartupTime = time.Now().UTC()
	cfg := a.Cfg

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	a.Store = st

	a.Publisher = events.New(&events.Config{
		Enabled:       cfg.Kafka.Enabled,
		Brokers:       cfg.Kafka.Brokers,
		TopicPartial:  cfg.Kafka.TopicPartial,
		TopicFinal:    cfg.Kafka.TopicFinal,
		TopicAnalysis: cfg.Kafka.TopicAnalysis,
		Principal:     cfg.Kafka.Principal,
	}, a.Metrics)

	a.Registry = registry.New(a.Metrics)
	a.Table = session.NewTable()
	a.Fanout = fanout.New(a.Registry, a.Metrics)

	opts := audio.Options{
		Provider:  cfg.STT.Provider,
		Bound:     a.Registry,
		Sessions:  a.Table,
		Fanout:    a.Fanout,
		Store:     a.Store,
		Publisher: a.Publisher,
		Metrics:   a.Metrics,
		Limits: audio.Limits{
			QueueSize:      cfg.Ingest.QueueSize,
			MaxChunkBytes:  cfg.Ingest.MaxChunkBytes,
			MaxRetries:     cfg.Ingest.MaxRetries,
			RetryBaseDelay: cfg.Ingest.RetryBaseDelay,
		},
	}
	switch cfg.STT.Provider {
	case google.ProviderName:
		factory, err := a.openSpeech(ctx)
		if err != nil {
			_ = a.Publisher.Close()
			_ = a.Store.Close()
			return fmt.Errorf("open speech client: %w", err)
		}
		opts.Factory = factory
	case "demo":
		startLogger.Warn().Msg("DEMO MODE: transcripts are synthetic and ignore audio content")
		opts.Demo = demo.New(demo.Config{
			MinConnections: cfg.Demo.MinConnections,
			MaxEntries:     cfg.Demo.MaxEntries,
			Probability:    cfg.Demo.Probability,
			Confidence:     cfg.Demo.Confidence,
			Seed:           cfg.Demo.Seed,
		})
	default:
		startLogger.Warn().Msg("No transcription backend configured, audio will be discarded")
	}
	a.Ingest = audio.New(opts)

	a.Finalizer = finalize.New(finalize.Options{
		Table:          a.Table,
		Pipelines:      a.Ingest,
		Store:          a.Store,
		Analysis:       a.Publisher,
		Connections:    a.Registry,
		Metrics:        a.Metrics,
		PersistRetries: cfg.Store.PersistRetries,
	})

	a.Relay = relay.New(relay.Options{
		Registry:     a.Registry,
		Table:        a.Table,
		Ingest:       a.Ingest,
		Finalizer:    a.Finalizer,
		Validator:    schema.New(schema.DefaultLimits()),
		Metrics:      a.Metrics,
		ReadLimit:    cfg.WebSocket.ReadLimit,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		PingInterval: cfg.WebSocket.PingInterval,
	})

	sweepCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.sweep = make(chan struct{})
	go func() {
		defer close(a.sweep)
		a.Finalizer.RunIdleSweeper(sweepCtx, cfg.Session.IdleTimeout, cfg.Session.SweepInterval, a.Fanout)
	}()

	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("sttProvider", cfg.STT.Provider).
		Str("storeBackend", cfg.Store.Backend).
		Bool("kafkaEnabled", cfg.Kafka.Enabled).
		Msg("Meeting transcription relay starting")
	return nil
}

func (a *Application) openSpeech(ctx context.Context) (stt.Factory, error) {
	cfg := a.Cfg.STT
	client, err := google.NewClient(ctx, google.Config{
		LanguageCode:    cfg.LanguageCode,
		SampleRateHz:    cfg.SampleRateHz,
		InterimResults:  cfg.InterimResults,
		AudioEncoding:   cfg.AudioEncoding,
		Model:           cfg.Model,
		MinSpeakerCount: cfg.MinSpeakerCount,
		MaxSpeakerCount: cfg.MaxSpeakerCount,
	}, cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	a.speech = client
	return client.Factory(), nil
}

func openStore(ctx context.Context, cfg *config.Configuration) (store.Store, error) {
	switch cfg.Store.Backend {
	case store.BackendMemory:
		return memory.New(), nil
	case store.BackendFirestore:
		return firestore.Open(ctx, cfg.Store.FirestoreProject, cfg.STT.CredentialsFile)
	default:
		return sqlite.Open(ctx, cfg.Store.SQLitePath)
	}
}

// Ready reports whether Start has completed.
func (a *Application) Ready() bool {
	return a.Relay != nil
}

// Shutdown closes client sockets, finalizes every active meeting so nothing
// is lost, then releases backends.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().Str("method", "Shutdown").Logger()
	shutdownLogger.Info().Msg("Meeting transcription relay shutting down")

	if a.cancel != nil {
		a.cancel()
		<-a.sweep
	}
	if a.Relay != nil {
		if err := a.Relay.Shutdown(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Client connections did not close in time")
		}
	}
	if a.Finalizer != nil {
		n := a.Finalizer.FinalizeAll(ctx)
		shutdownLogger.Info().Int("sessions", n).Msg("Finalized active sessions")
		a.Finalizer.Wait()
	}
	if a.Ingest != nil {
		a.Ingest.Shutdown()
	}
	if a.speech != nil {
		if err := a.speech.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Error closing speech client")
		}
	}
	if a.Publisher != nil {
		_ = a.Publisher.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Error closing store")
		}
	}
}
