package config

import (
	"os"
	"strconv"
	"time"

	platformstrings "storeops/pkg/platform/strings"
)

// Config is the process-wide configuration assembled from the environment.
type Config struct {
	Server   Server
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	NATS     NATSConfig
	Sync     SyncConfig
	Auth     AuthConfig
	Log      LogConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// PostgresConfig selects the durable record store. An empty DSN keeps the
// in-memory store.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig configures the audit-history cache. An empty URL disables it.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	HistoryTTL   time.Duration
}

// KafkaConfig configures the Kafka change bus. Empty brokers disable it.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	Partitions    int32
}

// NATSConfig configures the NATS change bus. An empty URL disables it.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	SubmitTimeout    time.Duration
	HeartbeatTimeout time.Duration
	ReloadInterval   time.Duration
	SessionIdle      time.Duration
	AuditThreshold   float64
	CatalogPath      string
	Workers          int
	WatchBuffer      int
	ExpectRevision   bool
	OutboxInterval   time.Duration
}

// AuthConfig holds the JWT verification key for the API boundary and the
// operator token for /metrics and /admin.
type AuthConfig struct {
	JWTSigningKey string
	Issuer        string
	AdminToken    string
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// DefaultAuditThreshold is the minimum completion ratio for marking a record audited.
const DefaultAuditThreshold = 0.05

// FromEnv builds the config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:            envString("STOREOPS_ADDR", ":8080"),
			ShutdownTimeout: envDuration("STOREOPS_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Postgres: PostgresConfig{
			DSN:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			HistoryTTL:   envDuration("REDIS_HISTORY_TTL", 10*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:       envList("KAFKA_BROKERS"),
			Topic:         envString("KAFKA_TOPIC", "storeops.record-changes"),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", ""),
			Partitions:    int32(envInt("KAFKA_PARTITIONS", 6)),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			SubjectPrefix: envString("NATS_SUBJECT_PREFIX", "storeops.changes"),
		},
		Sync: SyncConfig{
			SubmitTimeout:    envDuration("SYNC_SUBMIT_TIMEOUT", 10*time.Second),
			HeartbeatTimeout: envDuration("SYNC_HEARTBEAT_TIMEOUT", 45*time.Second),
			ReloadInterval:   envDuration("SYNC_RELOAD_INTERVAL", 30*time.Second),
			SessionIdle:      envDuration("SYNC_SESSION_IDLE", 30*time.Minute),
			AuditThreshold:   envFloat("SYNC_AUDIT_THRESHOLD", DefaultAuditThreshold),
			CatalogPath:      envString("SYNC_CATALOG_PATH", "config/catalog.yaml"),
			Workers:          envInt("SYNC_WORKERS", 8),
			WatchBuffer:      envInt("SYNC_WATCH_BUFFER", 256),
			ExpectRevision:   os.Getenv("SYNC_EXPECT_REVISION") == "true",
			OutboxInterval:   envDuration("SYNC_OUTBOX_INTERVAL", time.Second),
		},
		Auth: AuthConfig{
			// Use a default for development - should be overridden in production
			JWTSigningKey: envString("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			Issuer:        envString("JWT_ISSUER", "storeops"),
			AdminToken:    os.Getenv("STOREOPS_ADMIN_TOKEN"),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "json"),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envList(key string) []string {
	return platformstrings.SplitList(os.Getenv(key))
}
