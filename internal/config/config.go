// Package config loads service configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration is the complete service configuration.
type Configuration struct {
	Service       ServiceConfig       `yaml:"service"`
	STT           STTConfig           `yaml:"stt"`
	CaptureLimits CaptureLimits       `yaml:"capture_limits"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	NATS          NATSConfig          `yaml:"nats"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Principal   string `yaml:"principal"`
	Environment string `yaml:"environment"`
	HTTPPort    string `yaml:"http_port"`
	GRPCPort    string `yaml:"grpc_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// STTConfig selects and configures the speech-to-text provider.
type STTConfig struct {
	Provider       string `yaml:"provider"` // mock, aws, google
	LanguageCode   string `yaml:"language_code"`
	SampleRateHz   int    `yaml:"sample_rate_hz"`
	InterimResults bool   `yaml:"interim_results"`
	AudioEncoding  string `yaml:"audio_encoding"`
	Region         string `yaml:"region"`
}

// CaptureLimits bound the resources a single capture run may use.
type CaptureLimits struct {
	MaxAudioBytes int64         `yaml:"max_audio_bytes"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	MaxResults    int           `yaml:"max_results"`
}

// KafkaConfig configures the Kafka segment event sink.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topic_partial"`
	TopicFinal   string   `yaml:"topic_final"`
	Principal    string   `yaml:"principal"`
}

// NATSConfig configures the NATS segment event sink.
type NATSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ArchiveConfig configures persistence of finalized segments.
type ArchiveConfig struct {
	Mode string `yaml:"mode"` // sqlite, ephemeral
	Path string `yaml:"path"`
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json, console
}

// Default returns the built-in configuration.
func Default() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal:   "svc-live-transcribe",
			Environment: "production",
			HTTPPort:    "8080",
			GRPCPort:    "50051",
			MetricsPort: "9090",
		},
		STT: STTConfig{
			Provider:       "mock",
			LanguageCode:   "en-US",
			SampleRateHz:   44100,
			InterimResults: true,
			AudioEncoding:  "LINEAR16",
			Region:         "us-east-1",
		},
		CaptureLimits: CaptureLimits{
			MaxAudioBytes: 50 * 1024 * 1024, // ~10 minutes at 44.1kHz 16-bit mono
			MaxDuration:   10 * time.Minute,
			MaxResults:    5000,
		},
		Kafka: KafkaConfig{
			TopicPartial: "transcript.segment.partial",
			TopicFinal:   "transcript.segment.final",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			SubjectPrefix:  "transcript.segment",
			ConnectTimeout: 2 * time.Second,
		},
		Archive: ArchiveConfig{
			Mode: "ephemeral",
			Path: "./data/transcripts.db",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load returns defaults overridden by environment variables. Invalid values
// fall back to the defaults.
func Load() *Configuration {
	cfg := Default()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML file over the defaults and then applies
// environment variable overrides.
func LoadFile(path string) (*Configuration, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// FromEnvironment loads CONFIG_FILE when set, otherwise defaults + env,
// and validates the result.
func FromEnvironment() (*Configuration, error) {
	var cfg *Configuration
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		c, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = Load()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration values the service cannot run with.
func (c *Configuration) Validate() error {
	var errs []error

	switch c.STT.Provider {
	case "mock", "aws", "google":
	default:
		errs = append(errs, fmt.Errorf("stt.provider %q is not one of mock, aws, google", c.STT.Provider))
	}
	if c.STT.SampleRateHz <= 0 {
		errs = append(errs, fmt.Errorf("stt.sample_rate_hz must be positive, got %d", c.STT.SampleRateHz))
	}
	if c.Service.HTTPPort == "" {
		errs = append(errs, errors.New("service.http_port is required"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	switch c.Archive.Mode {
	case "sqlite", "ephemeral":
	default:
		errs = append(errs, fmt.Errorf("archive.mode %q is not one of sqlite, ephemeral", c.Archive.Mode))
	}

	return errors.Join(errs...)
}

func applyEnv(cfg *Configuration) {
	cfg.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", cfg.Service.Principal)
	cfg.Service.Environment = envOrDefault("ENV", cfg.Service.Environment)
	cfg.Service.HTTPPort = envOrDefault("HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.GRPCPort = envOrDefault("GRPC_PORT", cfg.Service.GRPCPort)
	cfg.Service.MetricsPort = envOrDefault("METRICS_PORT", cfg.Service.MetricsPort)

	cfg.STT.Provider = envOrDefault("STT_PROVIDER", cfg.STT.Provider)
	cfg.STT.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", cfg.STT.LanguageCode)
	cfg.STT.SampleRateHz = envOrDefaultInt("STT_SAMPLE_RATE_HZ", cfg.STT.SampleRateHz)
	cfg.STT.InterimResults = envOrDefaultBool("STT_INTERIM_RESULTS", cfg.STT.InterimResults)
	cfg.STT.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", cfg.STT.AudioEncoding)
	cfg.STT.Region = envOrDefault("STT_REGION", envOrDefault("AWS_REGION", cfg.STT.Region))

	cfg.CaptureLimits.MaxAudioBytes = envOrDefaultInt64("CAPTURE_MAX_AUDIO_BYTES", cfg.CaptureLimits.MaxAudioBytes)
	cfg.CaptureLimits.MaxDuration = envOrDefaultDuration("CAPTURE_MAX_DURATION", cfg.CaptureLimits.MaxDuration)
	cfg.CaptureLimits.MaxResults = envOrDefaultInt("CAPTURE_MAX_RESULTS", cfg.CaptureLimits.MaxResults)

	cfg.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.Brokers = envOrDefaultList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", cfg.Kafka.TopicPartial)
	cfg.Kafka.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", cfg.Kafka.TopicFinal)
	cfg.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", cfg.Kafka.Principal)
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}

	cfg.NATS.Enabled = envOrDefaultBool("NATS_ENABLED", cfg.NATS.Enabled)
	cfg.NATS.URL = envOrDefault("NATS_URL", cfg.NATS.URL)
	cfg.NATS.SubjectPrefix = envOrDefault("NATS_SUBJECT_PREFIX", cfg.NATS.SubjectPrefix)
	cfg.NATS.ConnectTimeout = envOrDefaultDuration("NATS_CONNECT_TIMEOUT", cfg.NATS.ConnectTimeout)

	cfg.Archive.Mode = envOrDefault("ARCHIVE_MODE", cfg.Archive.Mode)
	cfg.Archive.Path = envOrDefault("ARCHIVE_PATH", cfg.Archive.Path)

	cfg.Observability.LogLevel = envOrDefault("LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.LogFormat = envOrDefault("LOG_FORMAT", cfg.Observability.LogFormat)
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

func envOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
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

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
