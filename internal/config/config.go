// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // Apply pending goose migrations at startup

	// Security
	AdminSecret  string   // Admin API secret; required in production
	APIKeyHashes []string // Pre-hashed detector keys ("<hash>" or "<owner>:<hash>")
	RateLimitRPM int
	CORSOrigins  []string
	// Allow webhook targets on private networks, where enforcement points usually live
	WebhookAllowPrivate bool

	// Mitigation policy
	DosBlockThreshold int
	BlockTTL          time.Duration // 0 = blocks never expire
	RateLimitTTL      time.Duration // 0 = rate limits never expire
	PolicyFile        string        // Optional YAML policy, hot reloaded
	SweepSchedule     string        // Six-field cron expression for the expiry sweep

	// Event pipeline
	LogDir          string // Directory for the plain-text activity/threat/mitigation logs; "-" disables them
	EventBuffer     int
	DecisionLogSize int // In-memory decision log capacity when DATABASE_URL is unset

	// Messaging (all optional)
	NATSURL               string
	NATSDetectionsSubject string
	NATSDecisionsSubject  string
	KafkaBrokers          []string
	KafkaDetectionsTopic  string
	KafkaDecisionsTopic   string
	KafkaGroupID          string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64 // Fraction of root spans sampled, 0..1
}

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultRateLimit             = 600
	DefaultDosBlockThreshold     = 3
	DefaultSweepSchedule         = "*/30 * * * * *"
	DefaultLogDir                = "logs"
	DefaultEventBuffer           = 10000
	DefaultDecisionLogSize       = 5000
	DefaultNATSDetectionsSubject = "mitigator.detections"
	DefaultNATSDecisionsSubject  = "mitigator.decisions"
	DefaultKafkaDetectionsTopic  = "mitigator-detections"
	DefaultKafkaDecisionsTopic   = "mitigator-decisions"
	DefaultKafkaGroupID          = "mitigator"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getEnvBool("DB_AUTO_MIGRATE", true),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		APIKeyHashes:          getEnvList("API_KEY_HASHES"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:           getEnvList("CORS_ORIGINS"),
		WebhookAllowPrivate:   getEnvBool("WEBHOOK_ALLOW_PRIVATE", false),
		DosBlockThreshold:     int(getEnvInt64("DOS_BLOCK_THRESHOLD", DefaultDosBlockThreshold)),
		BlockTTL:              getEnvDuration("BLOCK_TTL", 0),
		RateLimitTTL:          getEnvDuration("RATE_LIMIT_TTL", 0),
		PolicyFile:            os.Getenv("POLICY_FILE"),
		SweepSchedule:         getEnv("SWEEP_SCHEDULE", DefaultSweepSchedule),
		LogDir:                getEnv("LOG_DIR", DefaultLogDir),
		EventBuffer:           int(getEnvInt64("EVENT_BUFFER", DefaultEventBuffer)),
		DecisionLogSize:       int(getEnvInt64("DECISION_LOG_SIZE", DefaultDecisionLogSize)),
		NATSURL:               os.Getenv("NATS_URL"),
		NATSDetectionsSubject: getEnv("NATS_DETECTIONS_SUBJECT", DefaultNATSDetectionsSubject),
		NATSDecisionsSubject:  getEnv("NATS_DECISIONS_SUBJECT", DefaultNATSDecisionsSubject),
		KafkaBrokers:          getEnvList("KAFKA_BROKERS"),
		KafkaDetectionsTopic:  getEnv("KAFKA_DETECTIONS_TOPIC", DefaultKafkaDetectionsTopic),
		KafkaDecisionsTopic:   getEnv("KAFKA_DECISIONS_TOPIC", DefaultKafkaDecisionsTopic),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:      getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.DosBlockThreshold < 1 {
		return fmt.Errorf("DOS_BLOCK_THRESHOLD must be at least 1, got %d", c.DosBlockThreshold)
	}
	if c.BlockTTL < 0 {
		return fmt.Errorf("BLOCK_TTL must not be negative")
	}
	if c.RateLimitTTL < 0 {
		return fmt.Errorf("RATE_LIMIT_TTL must not be negative")
	}
	if c.EventBuffer < 1 {
		return fmt.Errorf("EVENT_BUFFER must be at least 1")
	}
	if c.DecisionLogSize < 1 {
		return fmt.Errorf("DECISION_LOG_SIZE must be at least 1")
	}
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1, got %g", c.TraceSampleRatio)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "1h30m") or bare seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
