package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CLINIC_DATABASE_HOST.
const EnvPrefix = "CLINIC"

type Config struct {
	Server       ServerConfig       `mapstructure:"server" envconfig:"SERVER"`
	Database     DatabaseConfig     `mapstructure:"database" envconfig:"DATABASE"`
	Redis        RedisConfig        `mapstructure:"redis" envconfig:"REDIS"`
	JWT          JWTConfig          `mapstructure:"jwt" envconfig:"JWT"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit" envconfig:"RATE_LIMIT"`
	Reaper       ReaperConfig       `mapstructure:"reaper" envconfig:"REAPER"`
	Outbox       OutboxConfig       `mapstructure:"outbox" envconfig:"OUTBOX"`
	PatientCache PatientCacheConfig `mapstructure:"patient_cache" envconfig:"PATIENT_CACHE"`
	Clinic       ClinicConfig       `mapstructure:"clinic" envconfig:"CLINIC"`
	Store        StoreConfig        `mapstructure:"store" envconfig:"STORE"`
	Log          LogConfig          `mapstructure:"log" envconfig:"LOG"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	// HealthPort serves /health/* from the worker binary.
	HealthPort int `mapstructure:"health_port" envconfig:"HEALTH_PORT"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" envconfig:"HOST"`
	Port            int           `mapstructure:"port" envconfig:"PORT"`
	User            string        `mapstructure:"user" envconfig:"USER"`
	Password        string        `mapstructure:"password" envconfig:"PASSWORD"`
	Name            string        `mapstructure:"name" envconfig:"NAME"`
	SSLMode         string        `mapstructure:"sslmode" envconfig:"SSLMODE"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	// URL empty disables the broker; notifications then stay in-process.
	URL          string        `mapstructure:"url" envconfig:"URL"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"POOL_SIZE"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"MIN_IDLE_CONNS"`
	MaxRetries   int           `mapstructure:"max_retries" envconfig:"MAX_RETRIES"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" envconfig:"RETRY_BACKOFF"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret" envconfig:"SECRET"`
	Issuer string        `mapstructure:"issuer" envconfig:"ISSUER"`
	Expiry time.Duration `mapstructure:"expiry" envconfig:"EXPIRY"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" envconfig:"ENABLED"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" envconfig:"REQUESTS_PER_SECOND"`
	Burst             int     `mapstructure:"burst" envconfig:"BURST"`
}

type ReaperConfig struct {
	// Embedded runs the reaper inside the API process, which the memory
	// store requires.
	Embedded       bool          `mapstructure:"embedded" envconfig:"EMBEDDED"`
	Interval       time.Duration `mapstructure:"interval" envconfig:"INTERVAL"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold" envconfig:"STALE_THRESHOLD"`
}

type OutboxConfig struct {
	BatchSize       int           `mapstructure:"batch_size" envconfig:"BATCH_SIZE"`
	PollInterval    time.Duration `mapstructure:"poll_interval" envconfig:"POLL_INTERVAL"`
	RetryAttempts   int           `mapstructure:"retry_attempts" envconfig:"RETRY_ATTEMPTS"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" envconfig:"RETRY_DELAY"`
	Retention       time.Duration `mapstructure:"retention" envconfig:"RETENTION"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" envconfig:"CLEANUP_INTERVAL"`
	AuditBuffer     int           `mapstructure:"audit_buffer" envconfig:"AUDIT_BUFFER"`
}

type PatientCacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl" envconfig:"TTL"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" envconfig:"CLEANUP_INTERVAL"`
}

type ClinicConfig struct {
	TimeZone string `mapstructure:"time_zone" envconfig:"TIME_ZONE"`
}

// Location resolves TimeZone; Validate has already rejected bad names.
func (c ClinicConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type StoreConfig struct {
	Driver string `mapstructure:"driver" envconfig:"DRIVER"`
}

type LogConfig struct {
	Level   string `mapstructure:"level" envconfig:"LEVEL"`
	Console bool   `mapstructure:"console" envconfig:"CONSOLE"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", 64<<10)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.health_port", 8081)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "clinic")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)

	v.SetDefault("jwt.issuer", "clinic-flow")
	v.SetDefault("jwt.expiry", 12*time.Hour)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 50)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("reaper.embedded", true)
	v.SetDefault("reaper.interval", time.Minute)
	v.SetDefault("reaper.stale_threshold", 5*time.Minute)

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", 2*time.Second)
	v.SetDefault("outbox.retry_attempts", 3)
	v.SetDefault("outbox.retry_delay", 500*time.Millisecond)
	v.SetDefault("outbox.retention", 7*24*time.Hour)
	v.SetDefault("outbox.cleanup_interval", time.Hour)
	v.SetDefault("outbox.audit_buffer", 1024)

	v.SetDefault("patient_cache.ttl", 5*time.Minute)
	v.SetDefault("patient_cache.cleanup_interval", 10*time.Minute)

	v.SetDefault("clinic.time_zone", "UTC")
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("log.level", "info")
}

// Load reads config.yml from path, or from the usual locations when path is
// empty, then applies CLINIC_* environment overrides. A missing file is only
// an error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app")
		v.AddConfigPath("/app/config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 {
		problems = append(problems, "server.port must be positive")
	}
	switch c.Store.Driver {
	case StoreMemory, StorePostgres:
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be %q or %q", StoreMemory, StorePostgres))
	}
	if c.JWT.Secret == "" {
		problems = append(problems, "jwt.secret is required")
	}
	if c.Reaper.Interval <= 0 {
		problems = append(problems, "reaper.interval must be positive")
	}
	if c.Reaper.StaleThreshold <= 0 {
		problems = append(problems, "reaper.stale_threshold must be positive")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.PollInterval <= 0 || c.Outbox.RetryAttempts <= 0 || c.Outbox.RetryDelay <= 0 {
		problems = append(problems, "outbox batch_size, poll_interval, retry_attempts and retry_delay must be positive")
	}
	if _, err := time.LoadLocation(c.Clinic.TimeZone); err != nil {
		problems = append(problems, fmt.Sprintf("clinic.time_zone: %v", err))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
