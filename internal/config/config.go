package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Notification NotificationConfig
	SLA          SLAConfig
	Lifecycle    LifecycleConfig
	Realtime     RealtimeConfig
	IDs          IDConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level       string
	Encoding    string
	Development bool
	Service     string
	Version     string
}

// AuthConfig defines bearer credential parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// NotificationConfig points the notification outbox at a broker.
type NotificationConfig struct {
	AMQPURL  string
	Exchange string
}

// SLAConfig tunes the periodic sweep.
type SLAConfig struct {
	SweepIntervalSeconds int
	SweepBatchSize       int
	TicketTimeoutSeconds int
	SweepLockTTLSeconds  int
	SweepLockKey         string
}

// LifecycleConfig holds ticket policy knobs.
type LifecycleConfig struct {
	ReopenWindowHours              int
	ReopenResetsResolutionDeadline bool
}

// RealtimeConfig tunes the push channel.
type RealtimeConfig struct {
	HeartbeatIntervalSeconds int
	StaleTimeoutSeconds      int
	ConnectionBuffer         int
	PresenceTTLSeconds       int
}

// IDConfig configures snowflake id generation.
type IDConfig struct {
	NodeID int64
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	nodeID, err := strconv.ParseInt(getEnv("SNOWFLAKE_NODE_ID", "1"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid SNOWFLAKE_NODE_ID: %w", err)
	}

	appName := getEnv("APP_NAME", "ticket-lifecycle")
	appEnv := getEnv("APP_ENV", "development")
	appVersion := getEnv("APP_VERSION", "dev")

	cfg := &Config{
		App: AppConfig{
			Name:                  appName,
			Env:                   appEnv,
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               appVersion,
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Encoding:    getEnv("LOG_ENCODING", "json"),
			Development: appEnv == "development",
			Service:     appName,
			Version:     appVersion,
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Notification: NotificationConfig{
			AMQPURL:  os.Getenv("NOTIFY_AMQP_URL"),
			Exchange: getEnv("NOTIFY_AMQP_EXCHANGE", "helpdesk.notifications"),
		},
		SLA: SLAConfig{
			SweepIntervalSeconds: getEnvAsInt("SLA_SWEEP_INTERVAL_SECONDS", 60),
			SweepBatchSize:       getEnvAsInt("SLA_SWEEP_BATCH_SIZE", 200),
			TicketTimeoutSeconds: getEnvAsInt("SLA_SWEEP_TICKET_TIMEOUT_SECONDS", 5),
			SweepLockTTLSeconds:  getEnvAsInt("SLA_SWEEP_LOCK_TTL_SECONDS", 55),
			SweepLockKey:         getEnv("SLA_SWEEP_LOCK_KEY", "ticket-lifecycle:sla-sweep"),
		},
		Lifecycle: LifecycleConfig{
			ReopenWindowHours:              getEnvAsInt("TICKET_REOPEN_WINDOW_HOURS", 72),
			ReopenResetsResolutionDeadline: getEnvAsBool("TICKET_REOPEN_RESETS_RESOLUTION_SLA", false),
		},
		Realtime: RealtimeConfig{
			HeartbeatIntervalSeconds: getEnvAsInt("REALTIME_HEARTBEAT_INTERVAL_SECONDS", 15),
			StaleTimeoutSeconds:      getEnvAsInt("REALTIME_STALE_TIMEOUT_SECONDS", 45),
			ConnectionBuffer:         getEnvAsInt("REALTIME_CONNECTION_BUFFER", 32),
			PresenceTTLSeconds:       getEnvAsInt("REALTIME_PRESENCE_TTL_SECONDS", 60),
		},
		IDs: IDConfig{
			NodeID: nodeID,
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweep period, never below one second.
func (s SLAConfig) SweepInterval() time.Duration {
	return secondsOr(s.SweepIntervalSeconds, time.Minute)
}

// TicketTimeout bounds the evaluation of a single ticket in a sweep.
func (s SLAConfig) TicketTimeout() time.Duration {
	return secondsOr(s.TicketTimeoutSeconds, 5*time.Second)
}

// SweepLockTTL returns how long a process holds the sweep lock.
func (s SLAConfig) SweepLockTTL() time.Duration {
	return secondsOr(s.SweepLockTTLSeconds, 55*time.Second)
}

// ReopenWindow returns how long after closing a ticket may be reopened.
func (l LifecycleConfig) ReopenWindow() time.Duration {
	if l.ReopenWindowHours <= 0 {
		return 0
	}
	return time.Duration(l.ReopenWindowHours) * time.Hour
}

// HeartbeatInterval returns the server heartbeat period.
func (r RealtimeConfig) HeartbeatInterval() time.Duration {
	return secondsOr(r.HeartbeatIntervalSeconds, 15*time.Second)
}

// StaleTimeout returns how long a silent connection is kept.
func (r RealtimeConfig) StaleTimeout() time.Duration {
	return secondsOr(r.StaleTimeoutSeconds, 45*time.Second)
}

// PresenceTTL returns the expiry of presence keys written on heartbeat.
func (r RealtimeConfig) PresenceTTL() time.Duration {
	return secondsOr(r.PresenceTTLSeconds, time.Minute)
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
