package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process level configuration for the reliance engine.
type Server struct {
	Addr           string
	FundID         string
	APIAuthToken   string
	AdminAPIToken  string
	LogLevel       string
	ShutdownPeriod time.Duration

	Redis     RedisConfig
	Postgres  PostgresConfig
	Ledger    LedgerConfig
	Evidence  EvidenceConfig
	Liveness  LivenessConfig
	Notify    NotifyConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig
}

// RedisConfig configures the shared store holding the revocation set,
// notification schedule and counterparty keys.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type PostgresConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// Ledger backends.
const (
	LedgerBackendFile     = "file"
	LedgerBackendPostgres = "postgres"
)

type LedgerConfig struct {
	Backend string
	Path    string
}

// Evidence backends.
const (
	EvidenceBackendMemory   = "memory"
	EvidenceBackendPostgres = "postgres"
	EvidenceBackendSQLite   = "sqlite"
)

type EvidenceConfig struct {
	Backend    string
	SQLitePath string
}

type LivenessConfig struct {
	URL            string
	CounterpartyID string
	Interval       time.Duration
	Timeout        time.Duration
	RetryDelay     time.Duration
	MaxAttempts    int
	GracePeriod    time.Duration
}

type NotifyConfig struct {
	AdminWebhookURL string
	WebhookSecret   string
	WALPath         string
	Workers         int
	PollInterval    time.Duration
	RatePerSecond   float64
	DeliveryTimeout time.Duration
}

// RateLimitConfig bounds requests per client address on the public API.
// A zero rate disables limiting.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

type KafkaConfig struct {
	Brokers         []string
	DeadLetterTopic string
}

// FromEnv builds a Server config from environment variables so main stays lean.
// Every value has a development default; tokens and secrets deliberately do not.
func FromEnv() Server {
	return Server{
		Addr:           getEnv("RELIANCE_ADDR", ":8080"),
		FundID:         getEnv("FUND_ID", "FUND-001"),
		APIAuthToken:   os.Getenv("API_AUTH_TOKEN"),
		AdminAPIToken:  os.Getenv("ADMIN_API_TOKEN"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		ShutdownPeriod: getDuration("SHUTDOWN_PERIOD", 15*time.Second),
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: getInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Ledger: LedgerConfig{
			Backend: getEnv("LEDGER_BACKEND", LedgerBackendFile),
			Path:    getEnv("LEDGER_PATH", "data/audit_ledger.jsonl"),
		},
		Evidence: EvidenceConfig{
			Backend:    getEnv("EVIDENCE_BACKEND", EvidenceBackendMemory),
			SQLitePath: getEnv("EVIDENCE_SQLITE_PATH", "data/evidence.db"),
		},
		Liveness: LivenessConfig{
			URL:            getEnv("COUNTERPARTY_LIVENESS_URL", "http://localhost:3001/v1/heartbeat-response"),
			CounterpartyID: getEnv("COUNTERPARTY_ID", "bank-node"),
			Interval:       getDuration("LIVENESS_INTERVAL", 24*time.Hour),
			Timeout:        getDuration("LIVENESS_TIMEOUT", 29*time.Second),
			RetryDelay:     getDuration("LIVENESS_RETRY_DELAY", 10*time.Second),
			MaxAttempts:    getInt("LIVENESS_MAX_ATTEMPTS", 3),
			GracePeriod:    getDuration("LIVENESS_GRACE_PERIOD", 4*time.Hour),
		},
		Notify: NotifyConfig{
			AdminWebhookURL: getEnv("ADMIN_WEBHOOK_URL", "http://localhost:5000/webhook"),
			WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
			WALPath:         getEnv("NOTIFY_WAL_PATH", "data/notify_wal.jsonl"),
			Workers:         getInt("NOTIFY_WORKERS", 4),
			PollInterval:    getDuration("NOTIFY_POLL_INTERVAL", 5*time.Second),
			RatePerSecond:   getFloat("NOTIFY_RATE_PER_SECOND", 10),
			DeliveryTimeout: getDuration("NOTIFY_DELIVERY_TIMEOUT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:         splitList(os.Getenv("KAFKA_BROKERS")),
			DeadLetterTopic: getEnv("KAFKA_DEAD_LETTER_TOPIC", "reliance.notifications.dead-letter"),
		},
		RateLimit: RateLimitConfig{
			PerSecond: getFloat("RATE_LIMIT_PER_SECOND", 5),
			Burst:     getInt("RATE_LIMIT_BURST", 20),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
