// Package config provides configuration management for the wallet analysis service.
// It loads an optional .env file and then reads the environment into typed structs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	Analysis AnalysisConfig
	Scoring  ScoringConfig
	Chain    ChainConfig
	Price    PriceConfig
	Database DatabaseConfig
	Worker   WorkerConfig
	Logging  LoggingConfig
}

// AnalysisConfig holds pipeline settings
type AnalysisConfig struct {
	Windows []time.Duration `envconfig:"ANALYSIS_WINDOWS" default:"24h,168h,720h"`
	// BatchSize of 1 produces one snapshot per event
	BatchSize int `envconfig:"ANALYSIS_BATCH_SIZE" default:"1"`
	// GapPolicy is "fail" or "synthesize"
	GapPolicy string `envconfig:"ANALYSIS_GAP_POLICY" default:"fail"`
	// FreshnessTolerance is measured in slots
	FreshnessTolerance uint64        `envconfig:"ANALYSIS_FRESHNESS_TOLERANCE" default:"0"`
	FetchMaxAttempts   int           `envconfig:"ANALYSIS_FETCH_MAX_ATTEMPTS" default:"3"`
	FetchInitialDelay  time.Duration `envconfig:"ANALYSIS_FETCH_INITIAL_DELAY" default:"500ms"`
	OracleConcurrency  int           `envconfig:"ANALYSIS_ORACLE_CONCURRENCY" default:"8"`
}

// ScoringConfig holds scoring capability settings
type ScoringConfig struct {
	Provider       string        `envconfig:"SCORING_PROVIDER" default:"heuristic"`
	Timeout        time.Duration `envconfig:"SCORING_TIMEOUT" default:"10s"`
	MaxAttempts    int           `envconfig:"SCORING_MAX_ATTEMPTS" default:"3"`
	InitialDelay   time.Duration `envconfig:"SCORING_INITIAL_DELAY" default:"200ms"`
	MaxDelay       time.Duration `envconfig:"SCORING_MAX_DELAY" default:"5s"`
	BreakerFails   int           `envconfig:"SCORING_BREAKER_MAX_FAILURES" default:"5"`
	BreakerTimeout time.Duration `envconfig:"SCORING_BREAKER_TIMEOUT" default:"30s"`
	OpenAI         OpenAIConfig
}

// OpenAIConfig holds the OpenAI-compatible endpoint used for scoring
type OpenAIConfig struct {
	APIKey  string `envconfig:"OPENAI_API_KEY"`
	BaseURL string `envconfig:"OPENAI_BASE_URL"`
	Model   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
}

// ChainConfig holds EVM chain data source settings
type ChainConfig struct {
	RPCURL         string        `envconfig:"CHAIN_RPC_URL" default:"http://localhost:8545"`
	ChainID        int64         `envconfig:"CHAIN_ID" default:"1"`
	Tokens         []string      `envconfig:"CHAIN_TOKENS"`
	RequestTimeout time.Duration `envconfig:"CHAIN_REQUEST_TIMEOUT" default:"30s"`
	RateLimitRPS   float64       `envconfig:"CHAIN_RATE_LIMIT_RPS" default:"10"`
	RateLimitBurst int           `envconfig:"CHAIN_RATE_LIMIT_BURST" default:"5"`
	MaxBlockRange  uint64        `envconfig:"CHAIN_MAX_BLOCK_RANGE" default:"5000"`
	StartBlock     uint64        `envconfig:"CHAIN_START_BLOCK" default:"0"`
}

// PriceConfig holds price oracle settings
type PriceConfig struct {
	KeyPrefix string `envconfig:"PRICE_KEY_PREFIX" default:"price"`
	LRUSize   int    `envconfig:"PRICE_LRU_SIZE" default:"4096"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Enabled        bool   `envconfig:"POSTGRES_ENABLED" default:"true"`
	Host           string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port           string `envconfig:"POSTGRES_PORT" default:"5432"`
	Database       string `envconfig:"POSTGRES_DB" default:"wallet_insight"`
	User           string `envconfig:"POSTGRES_USER" default:"insight"`
	Password       string `envconfig:"POSTGRES_PASSWORD"`
	MaxConnections int    `envconfig:"POSTGRES_MAX_CONNECTIONS" default:"20"`
	MigrationsPath string `envconfig:"POSTGRES_MIGRATIONS_PATH" default:"migrations/postgres"`
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"true"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     string `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"wallet_insight"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string        `envconfig:"REDIS_HOST" default:"localhost"`
	Port           string        `envconfig:"REDIS_PORT" default:"6379"`
	Password       string        `envconfig:"REDIS_PASSWORD"`
	DB             int           `envconfig:"REDIS_DB" default:"0"`
	MaxConnections int           `envconfig:"REDIS_MAX_CONNECTIONS" default:"20"`
	ResultTTL      time.Duration `envconfig:"REDIS_RESULT_TTL" default:"24h"`
}

// WorkerConfig holds refresh worker settings
type WorkerConfig struct {
	Wallets     []string      `envconfig:"WORKER_WALLETS"`
	Interval    time.Duration `envconfig:"WORKER_INTERVAL" default:"1m"`
	MetricsAddr string        `envconfig:"WORKER_METRICS_ADDR" default:":9090"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field invariants envconfig cannot express
func (c *Config) Validate() error {
	if len(c.Analysis.Windows) == 0 {
		return fmt.Errorf("ANALYSIS_WINDOWS must list at least one window")
	}
	for _, w := range c.Analysis.Windows {
		if w <= 0 {
			return fmt.Errorf("ANALYSIS_WINDOWS contains non-positive window %s", w)
		}
	}
	if c.Analysis.BatchSize < 1 {
		return fmt.Errorf("ANALYSIS_BATCH_SIZE must be at least 1, got %d", c.Analysis.BatchSize)
	}
	switch c.Analysis.GapPolicy {
	case "fail", "synthesize":
	default:
		return fmt.Errorf("ANALYSIS_GAP_POLICY must be fail or synthesize, got %q", c.Analysis.GapPolicy)
	}
	if c.Scoring.MaxAttempts < 1 {
		return fmt.Errorf("SCORING_MAX_ATTEMPTS must be at least 1, got %d", c.Scoring.MaxAttempts)
	}
	if c.Scoring.Timeout <= 0 {
		return fmt.Errorf("SCORING_TIMEOUT must be positive")
	}
	switch c.Scoring.Provider {
	case "heuristic":
	case "openai":
		if c.Scoring.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when SCORING_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("SCORING_PROVIDER must be heuristic or openai, got %q", c.Scoring.Provider)
	}
	return nil
}

// PostgresURL returns the URL form used by golang-migrate
func (c *PostgresConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}
