// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	HTTPPort        string        `envconfig:"HTTP_PORT" default:"8765"`
	MetricsPort     string        `envconfig:"METRICS_PORT" default:"9090"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// STTConfig selects and configures the provider adapter used by the relay.
type STTConfig struct {
	Provider       string `envconfig:"STT_PROVIDER" default:"deepgram"`
	LanguageCode   string `envconfig:"STT_LANGUAGE_CODE" default:"en-US"`
	SampleRateHz   int    `envconfig:"STT_SAMPLE_RATE_HZ" default:"16000"`
	InterimResults bool   `envconfig:"STT_INTERIM_RESULTS" default:"true"`

	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-3"`

	// Bound on flushing the vendor connection at shutdown. Past it the
	// adapter force-releases resources and logs a warning.
	StopTimeout time.Duration `envconfig:"STT_STOP_TIMEOUT" default:"5s"`
}

// DeliveryConfig tunes the producer-side delivery client.
type DeliveryConfig struct {
	EndpointURL    string        `envconfig:"DELIVERY_ENDPOINT_URL" default:"http://localhost:8765"`
	QueueCapacity  int           `envconfig:"DELIVERY_QUEUE_CAPACITY" default:"100"`
	RequestTimeout time.Duration `envconfig:"DELIVERY_REQUEST_TIMEOUT" default:"3s"`
	MaxAttempts    int           `envconfig:"DELIVERY_MAX_ATTEMPTS" default:"5"`
	InitialBackoff time.Duration `envconfig:"DELIVERY_INITIAL_BACKOFF" default:"200ms"`
	MaxBackoff     time.Duration `envconfig:"DELIVERY_MAX_BACKOFF" default:"5s"`

	BreakerMaxFailures int           `envconfig:"DELIVERY_BREAKER_MAX_FAILURES" default:"5"`
	BreakerCooldown    time.Duration `envconfig:"DELIVERY_BREAKER_COOLDOWN" default:"15s"`
}

// IngestConfig tunes the ingestion endpoint.
type IngestConfig struct {
	IntakeQueueSize int           `envconfig:"INGEST_INTAKE_QUEUE_SIZE" default:"1024"`
	DedupWindow     time.Duration `envconfig:"INGEST_DEDUP_WINDOW" default:"10m"`

	RateLimitEnabled  bool    `envconfig:"INGEST_RATE_LIMIT_ENABLED" default:"false"`
	ConversationRate  float64 `envconfig:"INGEST_CONVERSATION_RATE" default:"50"`
	ConversationBurst int     `envconfig:"INGEST_CONVERSATION_BURST" default:"100"`
	SourceRate        float64 `envconfig:"INGEST_SOURCE_RATE" default:"200"`
	SourceBurst       int     `envconfig:"INGEST_SOURCE_BURST" default:"400"`
}

// AnalysisConfig tunes the analysis dispatcher.
type AnalysisConfig struct {
	Workers    int    `envconfig:"ANALYSIS_WORKERS" default:"2"`
	QueueSize  int    `envconfig:"ANALYSIS_QUEUE_SIZE" default:"64"`
	BackendURL string `envconfig:"ANALYSIS_BACKEND_URL" default:""`
	OnPartial  bool   `envconfig:"ANALYSIS_ON_PARTIAL" default:"false"`

	RequestTimeout time.Duration `envconfig:"ANALYSIS_REQUEST_TIMEOUT" default:"30s"`
}

// KafkaConfig configures the canonical-event fan-out.
type KafkaConfig struct {
	Enabled      bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers      []string `envconfig:"KAFKA_BROKERS"`
	TopicPartial string   `envconfig:"KAFKA_TOPIC_PARTIAL" default:"transcript.partial"`
	TopicFinal   string   `envconfig:"KAFKA_TOPIC_FINAL" default:"transcript.final"`
	Principal    string   `envconfig:"KAFKA_PRINCIPAL" default:"svc-transcript-ingress"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string `envconfig:"STORE_DRIVER" default:"memory"` // memory, postgres
	PostgresDSN string `envconfig:"STORE_POSTGRES_DSN" default:""`
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Config is the root configuration for all binaries.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Delivery      DeliveryConfig
	Ingest        IngestConfig
	Analysis      AnalysisConfig
	Kafka         KafkaConfig
	Store         StoreConfig
	Observability ObservabilityConfig
}

// Load reads configuration from a .env file (when present) and the
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Delivery.QueueCapacity < 1 {
		return fmt.Errorf("DELIVERY_QUEUE_CAPACITY must be at least 1, got %d", c.Delivery.QueueCapacity)
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be at least 1, got %d", c.Delivery.MaxAttempts)
	}
	if c.Analysis.Workers < 1 {
		return fmt.Errorf("ANALYSIS_WORKERS must be at least 1, got %d", c.Analysis.Workers)
	}
	if c.Store.Driver != "memory" && c.Store.Driver != "postgres" {
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("STORE_POSTGRES_DSN is required when STORE_DRIVER=postgres")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED=true")
	}
	return nil
}
