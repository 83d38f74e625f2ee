package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisAddr selects the bus backend: empty means the in-process bus,
	// which is only suitable for single-instance deployments.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// If true, /readyz returns 503 unless the database is configured and
	// reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("MODGATE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("MODGATE_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("MODGATE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("MODGATE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("MODGATE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("MODGATE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("MODGATE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("MODGATE_DATABASE_URL", ""),
		DBSchema:    EnvString("MODGATE_DB_SCHEMA", "modgate"),
		DBMaxConns:  EnvInt32("MODGATE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("MODGATE_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("MODGATE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: EnvString("MODGATE_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("MODGATE_REDIS_DB", 0),

		ReadinessRequireDB: EnvBool("MODGATE_READINESS_REQUIRE_DB", false),
	}
}
