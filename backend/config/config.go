package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete gate configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Token         TokenConfig
	Evaluation    EvaluationConfig
	Drift         DriftConfig
	Breaker       BreakerConfig
	Admission     AdmissionConfig
	FairUse       FairUseConfig
	Workers       WorkersConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the Redis connection used by the fair-use guard.
// When Addr is empty the guard runs on its in-process fallback only.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TokenConfig holds approval token signing configuration
type TokenConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
	TTL        time.Duration
}

// EvaluationConfig holds decision evaluator settings
type EvaluationConfig struct {
	IdempotencyKeyTTL time.Duration
	PolicyCacheTTL    time.Duration
	PolicyCacheSize   int
}

// DriftConfig holds reservation drift tolerance settings
type DriftConfig struct {
	Mode        string // relative or absolute
	Ratio       float64
	AbsoluteUSD float64
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold     int
	DailySavingsLimitUSD float64
	CoolDown             time.Duration // 0 means operator reset only
}

// AdmissionConfig holds the admission webhook time budget
type AdmissionConfig struct {
	TimeoutBudget time.Duration
}

// FairUseConfig holds fair-use guard caps
type FairUseConfig struct {
	RequestsPerMinute int
	MaxConcurrent     int
	GlobalConcurrent  int
	LeaseTTL          time.Duration
}

// WorkersConfig holds background worker intervals
type WorkersConfig struct {
	ReconcileInterval    time.Duration
	ReconcileBatchSize   int
	ReconcileMinAge      time.Duration
	KeyPurgeInterval     time.Duration
	CacheCleanupInterval time.Duration
	ApprovalExpiry       time.Duration
	ApprovalSweep        time.Duration
}

// ObservabilityConfig holds logging and metrics configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New() (*Config, error) {
	// Load .env file if it exists (backend/.env when run from project root, .env when run from backend/)
	_ = godotenv.Load("backend/.env")
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Token: TokenConfig{
			SigningKey: getEnv("APPROVAL_TOKEN_SIGNING_KEY", ""),
			Issuer:     getEnv("APPROVAL_TOKEN_ISSUER", "policy-gate"),
			Audience:   getEnv("APPROVAL_TOKEN_AUDIENCE", "policy-gate-executors"),
			TTL:        getEnvAsDuration("APPROVAL_TOKEN_TTL", 10*time.Minute),
		},
		Evaluation: EvaluationConfig{
			IdempotencyKeyTTL: getEnvAsDuration("IDEMPOTENCY_KEY_TTL", 24*time.Hour),
			PolicyCacheTTL:    getEnvAsDuration("POLICY_CACHE_TTL", 30*time.Second),
			PolicyCacheSize:   getEnvAsInt("POLICY_CACHE_SIZE", 1000),
		},
		Drift: DriftConfig{
			Mode:        getEnv("DRIFT_TOLERANCE_MODE", "relative"),
			Ratio:       getEnvAsFloat("DRIFT_TOLERANCE_RATIO", 0.10),
			AbsoluteUSD: getEnvAsFloat("DRIFT_TOLERANCE_ABSOLUTE_USD", 50.0),
		},
		Breaker: BreakerConfig{
			FailureThreshold:     getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 3),
			DailySavingsLimitUSD: getEnvAsFloat("BREAKER_DAILY_SAVINGS_LIMIT_USD", 10000.0),
			CoolDown:             getEnvAsDuration("BREAKER_COOL_DOWN", 0),
		},
		Admission: AdmissionConfig{
			TimeoutBudget: getEnvAsDuration("ADMISSION_TIMEOUT_BUDGET", 2*time.Second),
		},
		FairUse: FairUseConfig{
			RequestsPerMinute: getEnvAsInt("FAIRUSE_REQUESTS_PER_MINUTE", 300),
			MaxConcurrent:     getEnvAsInt("FAIRUSE_MAX_CONCURRENT", 20),
			GlobalConcurrent:  getEnvAsInt("FAIRUSE_GLOBAL_CONCURRENT", 200),
			LeaseTTL:          getEnvAsDuration("FAIRUSE_LEASE_TTL", 30*time.Second),
		},
		Workers: WorkersConfig{
			ReconcileInterval:    getEnvAsDuration("RECONCILE_INTERVAL", time.Minute),
			ReconcileBatchSize:   getEnvAsInt("RECONCILE_BATCH_SIZE", 100),
			ReconcileMinAge:      getEnvAsDuration("RECONCILE_MIN_AGE", 15*time.Minute),
			KeyPurgeInterval:     getEnvAsDuration("KEY_PURGE_INTERVAL", time.Hour),
			CacheCleanupInterval: getEnvAsDuration("CACHE_CLEANUP_INTERVAL", time.Minute),
			ApprovalExpiry:       getEnvAsDuration("APPROVAL_EXPIRY", 72*time.Hour),
			ApprovalSweep:        getEnvAsDuration("APPROVAL_SWEEP_INTERVAL", 10*time.Minute),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	// Database validation (DATABASE_URL or DB_* vars)
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	// Token signing key is required in production; development gets a fixed key
	if c.Token.SigningKey == "" {
		if c.IsProduction() {
			return fmt.Errorf("approval token signing key is required in production")
		}
		c.Token.SigningKey = "development-only-signing-key"
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("approval token TTL must be positive")
	}

	switch c.Drift.Mode {
	case "relative":
		if c.Drift.Ratio < 0 {
			return fmt.Errorf("drift tolerance ratio must be non-negative")
		}
	case "absolute":
		if c.Drift.AbsoluteUSD < 0 {
			return fmt.Errorf("drift tolerance amount must be non-negative")
		}
	default:
		return fmt.Errorf("drift tolerance mode must be relative or absolute, got %q", c.Drift.Mode)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if c.Admission.TimeoutBudget <= 0 {
		return fmt.Errorf("admission timeout budget must be positive")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "gate"),
		Password:        getEnv("DB_PASSWORD", "gate"),
		Database:        getEnv("DB_NAME", "policy_gate"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
