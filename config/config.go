package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		App      `json:"app"      toml:"app"`
		HTTP     `json:"http"     toml:"http"`
		DB       `json:"db"       toml:"db"`
		Log      `json:"logger"   toml:"logger"`
		Solana   `json:"solana"   toml:"solana"`
		Jupiter  `json:"jupiter"  toml:"jupiter"`
		Security `json:"security" toml:"security"`
		Limits   `json:"limits"   toml:"limits"`
		Workers  `json:"workers"  toml:"workers"`
	}

	App struct {
		Name        string `json:"name"        toml:"name"        env:"APP_NAME"  env-default:"solana-trading-bot"`
		Environment string `json:"environment" toml:"environment" env:"ENV_NAME"  env-default:"development"`
		Debug       bool   `json:"debug"       toml:"debug"       env:"DEBUG"     env-default:"false"`
	}

	HTTP struct {
		Port           string `json:"port"             toml:"port"             env:"HTTP_PORT"        env-default:"8080"`
		AdminJWTSecret string `json:"admin_jwt_secret" toml:"admin_jwt_secret" env:"ADMIN_JWT_SECRET"`
	}

	DB struct {
		DatabaseURL       string `json:"database_url"        toml:"database_url"        env:"DATABASE_URL"`
		PoolMax           int32  `json:"pool_max"            toml:"pool_max"            env:"PG_POOL_MAX"          env-default:"20"`
		ConnectTimeout    int    `json:"connect_timeout"     toml:"connect_timeout"     env:"PG_POOL_CONN_TIMEOUT" env-default:"5"`
		HealthCheckPeriod int    `json:"health_check_period" toml:"health_check_period" env:"PG_POOL_HEALTHCHECK"  env-default:"1"`
	}

	Log struct {
		Level slog.Level `json:"level" toml:"level" env:"LOG_LEVEL"`
	}

	Solana struct {
		RPCURL         string        `json:"rpc_url"         toml:"rpc_url"         env:"SOLANA_RPC_URL"`
		Devnet         bool          `json:"devnet"          toml:"devnet"          env:"BLOCKCHAIN_DEBUG_MODE"  env-default:"false"`
		Commitment     string        `json:"commitment"      toml:"commitment"      env:"SOLANA_COMMITMENT"      env-default:"confirmed"`
		ConfirmTimeout time.Duration `json:"confirm_timeout" toml:"confirm_timeout" env:"SOLANA_CONFIRM_TIMEOUT" env-default:"60s"`
		PollInterval   time.Duration `json:"poll_interval"   toml:"poll_interval"   env:"SOLANA_POLL_INTERVAL"   env-default:"2s"`
		DryRun         bool          `json:"dry_run"         toml:"dry_run"         env:"SOLANA_DRY_RUN"         env-default:"false"`
	}

	Jupiter struct {
		APIURL         string        `json:"api_url"         toml:"api_url"         env:"JUPITER_API_URL"         env-default:"https://quote-api.jup.ag/v6"`
		APIKey         string        `json:"api_key"         toml:"api_key"         env:"JUPITER_API_KEY"`
		Timeout        time.Duration `json:"timeout"         toml:"timeout"         env:"JUPITER_TIMEOUT"         env-default:"30s"`
		MaxRetries     int           `json:"max_retries"     toml:"max_retries"     env:"JUPITER_MAX_RETRIES"     env-default:"3"`
		InitialBackoff time.Duration `json:"initial_backoff" toml:"initial_backoff" env:"JUPITER_INITIAL_BACKOFF" env-default:"250ms"`
		MaxBackoff     time.Duration `json:"max_backoff"     toml:"max_backoff"     env:"JUPITER_MAX_BACKOFF"     env-default:"5s"`
		RateLimit      float64       `json:"rate_limit"      toml:"rate_limit"      env:"JUPITER_RATE_LIMIT"      env-default:"10"`
		RateBurst      int           `json:"rate_burst"      toml:"rate_burst"      env:"JUPITER_RATE_BURST"      env-default:"30"`
		QuoteTTL       time.Duration `json:"quote_ttl"       toml:"quote_ttl"       env:"JUPITER_QUOTE_TTL"       env-default:"20s"`
		MaxAccounts    int           `json:"max_accounts"    toml:"max_accounts"    env:"JUPITER_MAX_ACCOUNTS"    env-default:"64"`
	}

	Security struct {
		MasterEncryptionKey string `json:"master_encryption_key" toml:"master_encryption_key" env:"MASTER_ENCRYPTION_KEY"`
		KDF                 string `json:"kdf"                   toml:"kdf"                   env:"KEYVAULT_KDF"            env-default:"argon2id"`
		Cipher              string `json:"cipher"                toml:"cipher"                env:"KEYVAULT_CIPHER"         env-default:"aes-256-gcm"`
		Argon2Time          uint32 `json:"argon2_time"           toml:"argon2_time"           env:"KEYVAULT_ARGON2_TIME"    env-default:"3"`
		Argon2MemoryKiB     uint32 `json:"argon2_memory_kib"     toml:"argon2_memory_kib"     env:"KEYVAULT_ARGON2_MEMORY"  env-default:"65536"`
		Argon2Threads       uint8  `json:"argon2_threads"        toml:"argon2_threads"        env:"KEYVAULT_ARGON2_THREADS" env-default:"4"`
	}

	Limits struct {
		MinTradeSOL      float64 `json:"min_trade_sol"       toml:"min_trade_sol"       env:"LIMITS_MIN_TRADE_SOL"       env-default:"0.01"`
		MaxTradeSOL      float64 `json:"max_trade_sol"       toml:"max_trade_sol"       env:"LIMITS_MAX_TRADE_SOL"       env-default:"10"`
		MaxSlippageBps   int     `json:"max_slippage_bps"    toml:"max_slippage_bps"    env:"LIMITS_MAX_SLIPPAGE_BPS"    env-default:"200"`
		MaxTradesPerHour int     `json:"max_trades_per_hour" toml:"max_trades_per_hour" env:"LIMITS_MAX_TRADES_PER_HOUR" env-default:"10"`
		MaxTradesPerDay  int     `json:"max_trades_per_day"  toml:"max_trades_per_day"  env:"LIMITS_MAX_TRADES_PER_DAY"  env-default:"50"`
		DailyLimitSOL    float64 `json:"daily_limit_sol"     toml:"daily_limit_sol"     env:"LIMITS_DAILY_LIMIT_SOL"     env-default:"100"`

		UserLockTimeout time.Duration `json:"user_lock_timeout" toml:"user_lock_timeout" env:"LIMITS_USER_LOCK_TIMEOUT" env-default:"5s"`
	}

	Workers struct {
		SweepSchedule  string        `json:"sweep_schedule"  toml:"sweep_schedule"  env:"WORKERS_SWEEP_SCHEDULE"  env-default:"@every 1m"`
		StaleAfter     time.Duration `json:"stale_after"     toml:"stale_after"     env:"WORKERS_STALE_AFTER"     env-default:"10m"`
		ReservationTTL time.Duration `json:"reservation_ttl" toml:"reservation_ttl" env:"WORKERS_RESERVATION_TTL" env-default:"24h"`
		// empty disables the balance refresh
		BalanceSchedule string `json:"balance_schedule" toml:"balance_schedule" env:"WORKERS_BALANCE_SCHEDULE" env-default:"@every 10m"`
	}
)

// IsProduction reports whether the app runs with production settings.
func (a App) IsProduction() bool {
	return a.Environment == "production"
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// .env is optional, real environment always wins
	_ = godotenv.Load()

	_, b, _, _ := runtime.Caller(0)
	basePath := filepath.Dir(b)

	configTomlPath := filepath.Join(basePath, "config.toml")
	err := cleanenv.ReadConfig(configTomlPath, cfg)
	if err != nil {
		configJsonPath := filepath.Join(basePath, "config.json")
		err = cleanenv.ReadConfig(configJsonPath, cfg)
		if err != nil {
			// no config file at all, defaults + env only
			if err = cleanenv.ReadEnv(cfg); err != nil {
				return nil, fmt.Errorf("config error: %w", err)
			}
			return cfg, cfg.validate()
		}
	}

	err = cleanenv.ReadEnv(cfg)
	if err != nil {
		return nil, fmt.Errorf("env read error: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Security.MasterEncryptionKey == "" {
		return fmt.Errorf("config error: MASTER_ENCRYPTION_KEY is required")
	}
	if len(c.Security.MasterEncryptionKey) < 16 {
		return fmt.Errorf("config error: MASTER_ENCRYPTION_KEY must be at least 16 characters")
	}
	if c.Limits.MaxSlippageBps <= 0 || c.Limits.MaxSlippageBps > 10_000 {
		return fmt.Errorf("config error: max_slippage_bps must be within 1..10000, got %d", c.Limits.MaxSlippageBps)
	}
	if c.Limits.MinTradeSOL > c.Limits.MaxTradeSOL {
		return fmt.Errorf("config error: min_trade_sol %v exceeds max_trade_sol %v", c.Limits.MinTradeSOL, c.Limits.MaxTradeSOL)
	}
	return nil
}
