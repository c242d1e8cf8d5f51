package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process-wide configuration, loaded once at startup from
// environment variables over an optional config.json base (env always
// wins). Only the RPC, aggregator, discovery and AMM-builder base URLs keep
// a value from the file when their variable is unset; every other field is
// set from its variable or a built-in default.
type Config struct {
	ChainConfig      ChainConfig      `json:"chain"`
	AggregatorConfig AggregatorConfig `json:"aggregator"`
	DiscoveryConfig  DiscoveryConfig  `json:"discovery"`
	AMMBuilderConfig AMMBuilderConfig `json:"amm_builder"`
	MonitoringConfig MonitoringConfig `json:"monitoring"`
	MirrorSwap       MirrorSwapConfig `json:"mirror_swap"`
	LoggingConfig    LoggingConfig    `json:"logging"`
	ServerConfig     ServerConfig     `json:"server"`
	AuthConfig       AuthConfig       `json:"auth"`
	VaultConfig      VaultConfig      `json:"vault"`
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
	PoolDefaults     PoolDefaultsConfig `json:"pool_defaults"`
}

// PoolDefaultsConfig is the fleet-wide default merged under any per-pool
// admin override read from the Postgres-backed admin store (spec.md §3's
// PoolConfig, "defaults merged with PoolConfig").
type PoolDefaultsConfig struct {
	StopLossPercent       float64 `json:"stop_loss_percent"`
	FeeCheckPercent       float64 `json:"fee_check_percent"`
	RangeInterval         int     `json:"range_interval"`
	AutoClaimEnabled      bool    `json:"auto_claim_enabled"`
	AutoClaimThresholdUSD float64 `json:"auto_claim_threshold_usd"`
}

// ChainConfig holds RPC connectivity and operator key settings.
type ChainConfig struct {
	RPCURL            string `json:"rpc_url"`
	RPCTimeoutMs      int    `json:"rpc_timeout_ms"`
	OperatorSecretKey string `json:"-"` // never serialized, loaded from env/vault only

	// HealthCheckIntervalMs and HealthMaxConsecutiveFailures govern the
	// background RPC liveness probe (internal/chainrpc.HealthMonitor). Once
	// the node fails that many checks in a row the process exits with
	// status 2 (spec.md §6: unrecoverable RPC loss) rather than continuing
	// to tick against a node it can no longer reach.
	HealthCheckIntervalMs       int `json:"rpc_health_check_interval_ms"`
	HealthMaxConsecutiveFailures int `json:"rpc_health_max_consecutive_failures"`
}

// AggregatorConfig points at the swap-quote aggregator HTTP endpoint.
type AggregatorConfig struct {
	BaseURL    string `json:"base_url"`
	TimeoutMs  int    `json:"timeout_ms"`
	SlippageBp int    `json:"default_slippage_bps"`
}

// DiscoveryConfig points at the pool-discovery HTTP endpoint.
type DiscoveryConfig struct {
	BaseURL   string `json:"base_url"`
	TimeoutMs int    `json:"timeout_ms"`
}

// AMMBuilderConfig points at the transaction-builder service that owns DLMM
// instruction encoding (ammclient.HTTPClient's non-read operations).
type AMMBuilderConfig struct {
	BaseURL   string `json:"base_url"`
	TimeoutMs int    `json:"timeout_ms"`
}

// MonitoringConfig is the GlobalConfig of the supervisor tick.
type MonitoringConfig struct {
	CheckIntervalMs int `json:"check_interval_ms"`
}

// MirrorSwapConfig is the default pool-level mirror-swap tunable, overridden
// per pool by the admin store when present.
type MirrorSwapConfig struct {
	Enabled             bool    `json:"enabled"`
	IntervalMs          int     `json:"interval_ms"`
	HedgeAmountPercent  float64 `json:"hedge_amount_percent"`
	MinHedgeBps         float64 `json:"min_hedge_bps"`
	MinHedgeStepPercent float64 `json:"min_hedge_step_percent"`
	SlippageBps         int     `json:"slippage_bps"`
}

type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

// ServerConfig governs the status/ops HTTP API.
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// AuthConfig governs JWT-gated admin routes.
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"-"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// VaultConfig governs Vault-backed operator key storage.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"-"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

// DatabaseConfig is the Postgres admin-store / snapshot-mirror connection.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig is the optional cross-instance cache connection.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// Load builds the Config from an optional config.json base, then applies
// environment variable overrides (env always takes precedence). Only the
// four base URLs fall back to their file values; see Config.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ChainConfig.RPCURL = getEnvOrDefault("RPC_URL", firstNonEmpty(cfg.ChainConfig.RPCURL, "https://api.mainnet-beta.solana.com"))
	cfg.ChainConfig.RPCTimeoutMs = getEnvIntOrDefault("RPC_TIMEOUT_MS", 15000)
	cfg.ChainConfig.OperatorSecretKey = getEnvOrDefault("OPERATOR_SECRET_KEY", cfg.ChainConfig.OperatorSecretKey)
	cfg.ChainConfig.HealthCheckIntervalMs = getEnvIntOrDefault("RPC_HEALTH_CHECK_INTERVAL_MS", 20000)
	cfg.ChainConfig.HealthMaxConsecutiveFailures = getEnvIntOrDefault("RPC_HEALTH_MAX_CONSECUTIVE_FAILURES", 3)

	cfg.AggregatorConfig.BaseURL = getEnvOrDefault("AGGREGATOR_BASE_URL", firstNonEmpty(cfg.AggregatorConfig.BaseURL, "https://quote-api.jup.ag/v6"))
	cfg.AggregatorConfig.TimeoutMs = getEnvIntOrDefault("AGGREGATOR_TIMEOUT_MS", 10000)
	cfg.AggregatorConfig.SlippageBp = getEnvIntOrDefault("AGGREGATOR_DEFAULT_SLIPPAGE_BPS", 50)

	cfg.DiscoveryConfig.BaseURL = getEnvOrDefault("DISCOVERY_BASE_URL", firstNonEmpty(cfg.DiscoveryConfig.BaseURL, "https://dlmm-api.meteora.ag"))
	cfg.DiscoveryConfig.TimeoutMs = getEnvIntOrDefault("DISCOVERY_TIMEOUT_MS", 10000)

	cfg.AMMBuilderConfig.BaseURL = getEnvOrDefault("AMM_BUILDER_BASE_URL", firstNonEmpty(cfg.AMMBuilderConfig.BaseURL, "http://localhost:9090"))
	cfg.AMMBuilderConfig.TimeoutMs = getEnvIntOrDefault("AMM_BUILDER_TIMEOUT_MS", 15000)

	cfg.MonitoringConfig.CheckIntervalMs = getEnvIntOrDefault("CHECK_INTERVAL_MS", 30000)

	cfg.MirrorSwap.Enabled = getEnvOrDefault("MIRROR_SWAP_ENABLED", "true") == "true"
	cfg.MirrorSwap.IntervalMs = getEnvIntOrDefault("HEDGE_INTERVAL_MS", 10000)
	cfg.MirrorSwap.HedgeAmountPercent = getEnvFloatOrDefault("MIRROR_SWAP_HEDGE_PERCENT", 50.0)
	cfg.MirrorSwap.MinHedgeBps = getEnvFloatOrDefault("MIRROR_SWAP_MIN_HEDGE_BPS", 25.0)
	cfg.MirrorSwap.MinHedgeStepPercent = getEnvFloatOrDefault("MIRROR_SWAP_MIN_STEP_PERCENT", 0.5)
	cfg.MirrorSwap.SlippageBps = getEnvIntOrDefault("MIRROR_SWAP_SLIPPAGE_BPS", 50)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	cfg.ServerConfig.Port = getEnvIntOrDefault("STATUS_API_PORT", 8090)
	cfg.ServerConfig.Host = getEnvOrDefault("STATUS_API_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "true") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", time.Hour)

	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "positionbot/operator-key")

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "postgres")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "positionbot")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)

	cfg.PoolDefaults.StopLossPercent = getEnvFloatOrDefault("DEFAULT_STOP_LOSS_PERCENT", -2.0)
	cfg.PoolDefaults.FeeCheckPercent = getEnvFloatOrDefault("DEFAULT_FEE_CHECK_PERCENT", 10.0)
	cfg.PoolDefaults.RangeInterval = getEnvIntOrDefault("DEFAULT_RANGE_INTERVAL", 10)
	cfg.PoolDefaults.AutoClaimEnabled = getEnvOrDefault("DEFAULT_AUTO_CLAIM_ENABLED", "false") == "true"
	cfg.PoolDefaults.AutoClaimThresholdUSD = getEnvFloatOrDefault("DEFAULT_AUTO_CLAIM_THRESHOLD_USD", 0)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
