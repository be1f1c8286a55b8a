package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	Logger LoggerConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Executor  ExecutorConfig
	Email     EmailConfig
	Scheduler SchedulerConfig
	Metrics   MetricsConfig

	// BootstrapUserID seeds a credit account with SignupGrant credits on
	// startup for local and self-hosted environments.
	BootstrapUserID int64
	SignupGrant     int64
}

type LoggerConfig struct {
	Level string
}

// ExecutorConfig points at the workflow engine executing module jobs.
type ExecutorConfig struct {
	BaseURL            string
	AuthToken          string
	DefaultTimeout     time.Duration
	LongRunningTimeout time.Duration
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type SchedulerConfig struct {
	Enabled          bool
	RunInterval      time.Duration
	BatchSize        int
	PendingSweepAge  time.Duration
	LockTTL          time.Duration
	ExecutionTimeout time.Duration
}

type MetricsConfig struct {
	Enabled  bool
	Endpoint string
	Protocol string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "modrun"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		Logger: LoggerConfig{
			Level: strings.ToLower(getenv("LOG_LEVEL", "info")),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "modrun"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		Executor: ExecutorConfig{
			BaseURL:            strings.TrimRight(getenv("EXECUTOR_BASE_URL", "http://localhost:5678"), "/"),
			AuthToken:          strings.TrimSpace(getenv("EXECUTOR_AUTH_TOKEN", "")),
			DefaultTimeout:     getenvDuration("EXECUTOR_TIMEOUT", 30*time.Second),
			LongRunningTimeout: getenvDuration("EXECUTOR_LONG_RUNNING_TIMEOUT", 300*time.Second),
		},
		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", ""),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "no-reply@modrun.dev"),
		},
		Scheduler: SchedulerConfig{
			Enabled:          getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:      getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:        getenvInt("SCHEDULER_BATCH_SIZE", 50),
			PendingSweepAge:  getenvDuration("SCHEDULER_PENDING_SWEEP_AGE", 15*time.Minute),
			LockTTL:          getenvDuration("SCHEDULER_LOCK_TTL", 2*time.Minute),
			ExecutionTimeout: getenvDuration("SCHEDULER_EXECUTION_TIMEOUT", 30*time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:  getenvBool("OTEL_ENABLED", false),
			Endpoint: strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			Protocol: strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		},
		BootstrapUserID: getenvInt64("BOOTSTRAP_USER_ID", 0),
		SignupGrant:     getenvInt64("SIGNUP_GRANT_CREDITS", 100),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
