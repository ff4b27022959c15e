// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Configuration is the full service configuration.
type Configuration struct {
	Service       ServiceConfig
	WebSocket     WebSocketConfig
	STT           STTConfig
	Demo          DemoConfig
	Ingest        IngestConfig
	Session       SessionConfig
	Store         StoreConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Principal string
	HTTPPort  string
	Env       string
}

// WebSocketConfig tunes client socket handling.
type WebSocketConfig struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// STTConfig selects and configures the transcription backend.
type STTConfig struct {
	Provider        string // google, demo, none
	LanguageCode    string
	SampleRateHz    int
	InterimResults  bool
	AudioEncoding   string
	Model           string
	MinSpeakerCount int
	MaxSpeakerCount int
	CredentialsFile string
}

// DemoConfig configures the synthetic transcript generator used when STT_PROVIDER=demo.
type DemoConfig struct {
	MinConnections int
	MaxEntries     int
	Probability    float64
	Confidence     float64
	Seed           int64
}

// IngestConfig bounds the per-meeting audio path.
type IngestConfig struct {
	QueueSize      int
	MaxChunkBytes  int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// SessionConfig controls the idle sweep.
type SessionConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Backend          string // sqlite, firestore, memory
	SQLitePath       string
	FirestoreProject string
	PersistRetries   int
}

// KafkaConfig configures transcript and analysis event publishing.
type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	TopicPartial  string
	TopicFinal    string
	TopicAnalysis string
	Principal     string
}

// ObservabilityConfig configures logging and metrics.
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() *Configuration {
	_ = godotenv.Load()

	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-meeting-relay")

	return &Configuration{
		Service: ServiceConfig{
			Principal: principal,
			HTTPPort:  envOrDefault("HTTP_PORT", "8080"),
			Env:       envOrDefault("ENV", "prod"),
		},
		WebSocket: WebSocketConfig{
			ReadLimit:    int64(envOrDefaultInt("WS_READ_LIMIT", 1<<20)),
			WriteTimeout: envOrDefaultDuration("WS_WRITE_TIMEOUT", 5*time.Second),
			PingInterval: envOrDefaultDuration("WS_PING_INTERVAL", 30*time.Second),
		},
		STT: STTConfig{
			Provider:        strings.ToLower(envOrDefault("STT_PROVIDER", "demo")),
			LanguageCode:    envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:    envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			InterimResults:  envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:   envOrDefault("STT_AUDIO_ENCODING", "WEBM_OPUS"),
			Model:           envOrDefault("STT_MODEL", "latest_long"),
			MinSpeakerCount: envOrDefaultInt("STT_DIARIZATION_MIN_SPEAKERS", 2),
			MaxSpeakerCount: envOrDefaultInt("STT_DIARIZATION_MAX_SPEAKERS", 6),
			CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		},
		Demo: DemoConfig{
			MinConnections: envOrDefaultInt("DEMO_MIN_CONNECTIONS", 2),
			MaxEntries:     envOrDefaultInt("DEMO_MAX_ENTRIES", 8),
			Probability:    envOrDefaultFloat("DEMO_PROBABILITY", 0.1),
			Confidence:     envOrDefaultFloat("DEMO_CONFIDENCE", 0.95),
			Seed:           int64(envOrDefaultInt("DEMO_SEED", 1)),
		},
		Ingest: IngestConfig{
			QueueSize:      envOrDefaultInt("INGEST_QUEUE_SIZE", 64),
			MaxChunkBytes:  envOrDefaultInt("INGEST_MAX_CHUNK_BYTES", 256*1024),
			MaxRetries:     envOrDefaultInt("INGEST_MAX_RETRIES", 3),
			RetryBaseDelay: envOrDefaultDuration("INGEST_RETRY_BASE_DELAY", 200*time.Millisecond),
		},
		Session: SessionConfig{
			IdleTimeout:   envOrDefaultDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			SweepInterval: envOrDefaultDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		},
		Store: StoreConfig{
			Backend:          strings.ToLower(envOrDefault("STORE_BACKEND", "sqlite")),
			SQLitePath:       envOrDefault("STORE_SQLITE_PATH", "meetings.db"),
			FirestoreProject: os.Getenv("FIRESTORE_PROJECT_ID"),
			PersistRetries:   envOrDefaultInt("STORE_PERSIST_RETRIES", 3),
		},
		Kafka: KafkaConfig{
			Enabled:       envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:       envList("KAFKA_BROKERS"),
			TopicPartial:  envOrDefault("KAFKA_TOPIC_PARTIAL", "meeting.transcript.partial"),
			TopicFinal:    envOrDefault("KAFKA_TOPIC_FINAL", "meeting.transcript.final"),
			TopicAnalysis: envOrDefault("KAFKA_TOPIC_ANALYSIS", "meeting.ended"),
			Principal:     envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

// Validate reports configuration combinations the service cannot run with.
func (c *Configuration) Validate() error {
	switch c.STT.Provider {
	case "google", "demo", "none":
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q (want google, demo or none)", c.STT.Provider)
	}
	switch c.Store.Backend {
	case "sqlite", "memory":
	case "firestore":
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want sqlite, firestore or memory)", c.Store.Backend)
	}
	if c.Demo.Probability < 0 || c.Demo.Probability > 1 {
		return fmt.Errorf("DEMO_PROBABILITY must be within [0,1], got %v", c.Demo.Probability)
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("INGEST_QUEUE_SIZE must be positive, got %d", c.Ingest.QueueSize)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
