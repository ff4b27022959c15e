package config

import (
	"os"
	"testing"
	"time"
)

var configEnvVars = []string{
	"SERVICE_PRINCIPAL", "HTTP_PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "METRICS_ADDR",
	"STT_PROVIDER", "STT_LANGUAGE_CODE", "STT_SAMPLE_RATE_HZ",
	"STT_INTERIM_RESULTS", "STT_AUDIO_ENCODING", "STT_MODEL",
	"STT_DIARIZATION_MIN_SPEAKERS", "STT_DIARIZATION_MAX_SPEAKERS",
	"DEMO_MIN_CONNECTIONS", "DEMO_MAX_ENTRIES", "DEMO_PROBABILITY", "DEMO_CONFIDENCE", "DEMO_SEED",
	"INGEST_QUEUE_SIZE", "INGEST_MAX_CHUNK_BYTES", "INGEST_MAX_RETRIES", "INGEST_RETRY_BASE_DELAY",
	"SESSION_IDLE_TIMEOUT", "SESSION_SWEEP_INTERVAL",
	"STORE_BACKEND", "STORE_SQLITE_PATH", "FIRESTORE_PROJECT_ID", "STORE_PERSIST_RETRIES",
	"KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_PRINCIPAL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range configEnvVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Service.Principal != "svc-meeting-relay" {
		t.Errorf("expected default principal 'svc-meeting-relay', got %s", cfg.Service.Principal)
	}
	if cfg.Service.HTTPPort != "8080" {
		t.Errorf("expected default port '8080', got %s", cfg.Service.HTTPPort)
	}

	// STT defaults
	if cfg.STT.Provider != "demo" {
		t.Errorf("expected default STT provider 'demo', got %s", cfg.STT.Provider)
	}
	if cfg.STT.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.STT.LanguageCode)
	}
	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.InterimResults != true {
		t.Errorf("expected default interim results true, got %v", cfg.STT.InterimResults)
	}
	if cfg.STT.AudioEncoding != "WEBM_OPUS" {
		t.Errorf("expected default encoding 'WEBM_OPUS', got %s", cfg.STT.AudioEncoding)
	}

	// Demo defaults
	if cfg.Demo.MinConnections != 2 {
		t.Errorf("expected default demo min connections 2, got %d", cfg.Demo.MinConnections)
	}
	if cfg.Demo.MaxEntries != 8 {
		t.Errorf("expected default demo max entries 8, got %d", cfg.Demo.MaxEntries)
	}
	if cfg.Demo.Probability != 0.1 {
		t.Errorf("expected default demo probability 0.1, got %v", cfg.Demo.Probability)
	}

	// Ingest and session defaults
	if cfg.Ingest.QueueSize != 64 {
		t.Errorf("expected default queue size 64, got %d", cfg.Ingest.QueueSize)
	}
	if cfg.Ingest.RetryBaseDelay != 200*time.Millisecond {
		t.Errorf("expected default retry delay 200ms, got %v", cfg.Ingest.RetryBaseDelay)
	}
	if cfg.Session.IdleTimeout != 30*time.Minute {
		t.Errorf("expected default idle timeout 30m, got %v", cfg.Session.IdleTimeout)
	}

	if cfg.Store.Backend != "sqlite" {
		t.Errorf("expected default store backend 'sqlite', got %s", cfg.Store.Backend)
	}
	if cfg.Kafka.Enabled {
		t.Error("expected kafka disabled by default")
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	os.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	os.Setenv("HTTP_PORT", "9999")
	os.Setenv("LOG_LEVEL", "DEBUG")
	os.Setenv("STT_PROVIDER", "Google")
	os.Setenv("STT_SAMPLE_RATE_HZ", "48000")
	os.Setenv("STT_INTERIM_RESULTS", "false")
	os.Setenv("DEMO_PROBABILITY", "0.5")
	os.Setenv("INGEST_QUEUE_SIZE", "8")
	os.Setenv("SESSION_IDLE_TIMEOUT", "10m")
	os.Setenv("KAFKA_ENABLED", "true")
	os.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	defer clearEnv(t)

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.HTTPPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.HTTPPort)
	}
	if cfg.STT.Provider != "google" {
		t.Errorf("expected STT provider 'google', got %s", cfg.STT.Provider)
	}
	if cfg.STT.SampleRateHz != 48000 {
		t.Errorf("expected sample rate 48000, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.InterimResults != false {
		t.Errorf("expected interim results false, got %v", cfg.STT.InterimResults)
	}
	if cfg.Demo.Probability != 0.5 {
		t.Errorf("expected demo probability 0.5, got %v", cfg.Demo.Probability)
	}
	if cfg.Ingest.QueueSize != 8 {
		t.Errorf("expected queue size 8, got %d", cfg.Ingest.QueueSize)
	}
	if cfg.Session.IdleTimeout != 10*time.Minute {
		t.Errorf("expected idle timeout 10m, got %v", cfg.Session.IdleTimeout)
	}
	if !cfg.Kafka.Enabled {
		t.Error("expected kafka enabled")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "k1:9092" || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("STT_SAMPLE_RATE_HZ", "not-a-number")
	os.Setenv("STT_INTERIM_RESULTS", "invalid")
	os.Setenv("DEMO_PROBABILITY", "often")
	os.Setenv("INGEST_RETRY_BASE_DELAY", "soon")
	os.Setenv("SESSION_IDLE_TIMEOUT", "invalid")
	defer clearEnv(t)

	cfg := Load()

	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.InterimResults != true {
		t.Errorf("expected default interim results on invalid input, got %v", cfg.STT.InterimResults)
	}
	if cfg.Demo.Probability != 0.1 {
		t.Errorf("expected default probability on invalid input, got %v", cfg.Demo.Probability)
	}
	if cfg.Ingest.RetryBaseDelay != 200*time.Millisecond {
		t.Errorf("expected default retry delay on invalid input, got %v", cfg.Ingest.RetryBaseDelay)
	}
	if cfg.Session.IdleTimeout != 30*time.Minute {
		t.Errorf("expected default idle timeout on invalid input, got %v", cfg.Session.IdleTimeout)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	clearEnv(t)
	os.Setenv("SERVICE_PRINCIPAL", "my-service")
	defer clearEnv(t)

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Configuration)
		wantErr bool
	}{
		{"defaults", func(c *Configuration) {}, false},
		{"unknown provider", func(c *Configuration) { c.STT.Provider = "whisper" }, true},
		{"none provider", func(c *Configuration) { c.STT.Provider = "none" }, false},
		{"unknown store", func(c *Configuration) { c.Store.Backend = "postgres" }, true},
		{"firestore without project", func(c *Configuration) { c.Store.Backend = "firestore" }, true},
		{"firestore with project", func(c *Configuration) {
			c.Store.Backend = "firestore"
			c.Store.FirestoreProject = "proj"
		}, false},
		{"probability out of range", func(c *Configuration) { c.Demo.Probability = 1.5 }, true},
		{"zero queue", func(c *Configuration) { c.Ingest.QueueSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}
