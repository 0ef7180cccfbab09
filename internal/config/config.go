package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// maxBufferMeters mirrors domain.MaxBufferMeters; config cannot import domain.
const maxBufferMeters = 20000

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	LogFile          string
	ShutdownTimeout  time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	DatabaseURL string
	RulesFile   string

	// Evaluation.
	CooldownWindow        time.Duration
	CooldownPersistent    bool
	AlertValidity         time.Duration
	AlertValidityCritical time.Duration
	IncidentBufferMeters  float64
	RecheckSchedule       string

	// Push gateway.
	PushGatewayURL   string
	PushAccessToken  string
	PushBatchTimeout time.Duration
	PushConcurrency  int

	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying defaults
// where unset. A .env file in the working directory is loaded first if
// present; real environment variables take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:   sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "sensor-readings"),
		KafkaSinkTopic:     sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "dispatched-alerts"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "storm-alert-service"),
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		LogFile:            os.Getenv("LOG_FILE"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RulesFile:       sharedcfg.EnvOrDefault("RULES_FILE", "rules.yaml"),
		RecheckSchedule: sharedcfg.EnvOrDefault("RECHECK_SCHEDULE", "@every 5m"),

		PushGatewayURL:  sharedcfg.EnvOrDefault("PUSH_GATEWAY_URL", "https://exp.host/--/api/v2/push/send"),
		PushAccessToken: os.Getenv("PUSH_ACCESS_TOKEN"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"COOLDOWN_WINDOW", "1h", &cfg.CooldownWindow},
		{"ALERT_VALIDITY", "24h", &cfg.AlertValidity},
		{"ALERT_VALIDITY_CRITICAL", "48h", &cfg.AlertValidityCritical},
		{"PUSH_BATCH_TIMEOUT", "10s", &cfg.PushBatchTimeout},
	}
	for _, d := range durations {
		v, err := parsePositiveDuration(d.key, d.fallback)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	if cfg.CooldownPersistent, err = parseBool("COOLDOWN_PERSISTENT", false); err != nil {
		return nil, err
	}
	if cfg.PushConcurrency, err = parseIntInRange("PUSH_CONCURRENCY", 5, 1, 10); err != nil {
		return nil, err
	}
	if cfg.IncidentBufferMeters, err = parseBufferMeters(); err != nil {
		return nil, err
	}
	if _, err := cron.ParseStandard(cfg.RecheckSchedule); err != nil {
		return nil, fmt.Errorf("invalid RECHECK_SCHEDULE: %w", err)
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaSourceTopic == "" {
		return nil, errors.New("KAFKA_SOURCE_TOPIC is required")
	}
	if cfg.KafkaSinkTopic == "" {
		return nil, errors.New("KAFKA_SINK_TOPIC is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

func parsePositiveDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseBool(key string, fallback bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s: must be true or false", key)
	}
	return b, nil
}

func parseIntInRange(key string, fallback, lo, hi int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be %d-%d", key, lo, hi)
	}
	return n, nil
}

func parseBufferMeters() (float64, error) {
	s := sharedcfg.EnvOrDefault("INCIDENT_BUFFER_METERS", "500")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || v > maxBufferMeters {
		return 0, fmt.Errorf("invalid INCIDENT_BUFFER_METERS: must be in (0, %d]", maxBufferMeters)
	}
	return v, nil
}
