package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SIGNALBOT_* environment variable overrides, and
// returns the final Config. A missing file is not an error, so deployments can
// be configured from the environment alone. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SIGNALBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "SIGNALBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SIGNALBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "SIGNALBOT_SERVER_RATE_LIMIT_PER_MINUTE")
	setDuration(&cfg.Server.ShutdownTimeout, "SIGNALBOT_SERVER_SHUTDOWN_TIMEOUT")

	// ── Trading ──
	setBool(&cfg.Trading.ProdExecution, "SIGNALBOT_TRADING_PROD_EXECUTION")
	setBool(&cfg.Trading.ProdExecution, "PROD_EXECUTION") // compatibility alias
	setStr(&cfg.Trading.Symbol, "SIGNALBOT_TRADING_SYMBOL")
	setFloat64(&cfg.Trading.BuyLimitOffset, "SIGNALBOT_TRADING_BUY_LIMIT_OFFSET")
	setFloat64(&cfg.Trading.ShortLimitOffset, "SIGNALBOT_TRADING_SHORT_LIMIT_OFFSET")
	setInt(&cfg.Trading.MaxAttempts, "SIGNALBOT_TRADING_MAX_ATTEMPTS")
	setDuration(&cfg.Trading.RetryBackoff, "SIGNALBOT_TRADING_RETRY_BACKOFF")
	setDuration(&cfg.Trading.OrderTimeout, "SIGNALBOT_TRADING_ORDER_TIMEOUT")
	setTopicClass(&cfg.Trading.Fed, "SIGNALBOT_TRADING_FED")
	setTopicClass(&cfg.Trading.Bitcoin, "SIGNALBOT_TRADING_BITCOIN")
	setTopicClass(&cfg.Trading.Generic, "SIGNALBOT_TRADING_GENERIC")

	// ── Analysis ──
	setStr(&cfg.Analysis.BaseURL, "SIGNALBOT_ANALYSIS_BASE_URL")
	setStr(&cfg.Analysis.APIKey, "SIGNALBOT_ANALYSIS_API_KEY")
	setStr(&cfg.Analysis.APIKey, "GROQ_API_KEY") // compatibility alias
	setStr(&cfg.Analysis.Model, "SIGNALBOT_ANALYSIS_MODEL")
	setDuration(&cfg.Analysis.Timeout, "SIGNALBOT_ANALYSIS_TIMEOUT")
	setStr(&cfg.Analysis.ExpectationsPath, "SIGNALBOT_ANALYSIS_EXPECTATIONS_PATH")
	setStr(&cfg.Analysis.ExpectationsS3Key, "SIGNALBOT_ANALYSIS_EXPECTATIONS_S3_KEY")

	// ── Exchange ──
	setStr(&cfg.Exchange.APIKey, "SIGNALBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APIKey, "BFX_API_KEY") // compatibility alias
	setStr(&cfg.Exchange.APISecret, "SIGNALBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.APISecret, "BFX_API_SECRET") // compatibility alias
	setStr(&cfg.Exchange.EncryptedSecretPath, "SIGNALBOT_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "SIGNALBOT_EXCHANGE_SECRET_PASSWORD")
	setStr(&cfg.Exchange.RestHost, "SIGNALBOT_EXCHANGE_REST_HOST")
	setStr(&cfg.Exchange.PublicHost, "SIGNALBOT_EXCHANGE_PUBLIC_HOST")
	setStr(&cfg.Exchange.WsHost, "SIGNALBOT_EXCHANGE_WS_HOST")
	setDuration(&cfg.Exchange.Timeout, "SIGNALBOT_EXCHANGE_TIMEOUT")
	setBool(&cfg.Exchange.PriceFeed, "SIGNALBOT_EXCHANGE_PRICE_FEED")
	setDuration(&cfg.Exchange.PriceMaxAge, "SIGNALBOT_EXCHANGE_PRICE_MAX_AGE")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "SIGNALBOT_LEDGER_BACKEND")
	setDuration(&cfg.Ledger.InflightTTL, "SIGNALBOT_LEDGER_INFLIGHT_TTL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SIGNALBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SIGNALBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SIGNALBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SIGNALBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SIGNALBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SIGNALBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SIGNALBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SIGNALBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SIGNALBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SIGNALBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SIGNALBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SIGNALBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SIGNALBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SIGNALBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SIGNALBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SIGNALBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SIGNALBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SIGNALBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SIGNALBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SIGNALBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SIGNALBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SIGNALBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SIGNALBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SIGNALBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SIGNALBOT_S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SIGNALBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SIGNALBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SIGNALBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setBool(&cfg.Notify.SMSEnabled, "SIGNALBOT_NOTIFY_SMS_ENABLED")
	setStr(&cfg.Notify.TwilioAccountSID, "SIGNALBOT_NOTIFY_TWILIO_ACCOUNT_SID")
	setStr(&cfg.Notify.TwilioAuthToken, "SIGNALBOT_NOTIFY_TWILIO_AUTH_TOKEN")
	setStr(&cfg.Notify.TwilioFromNumber, "SIGNALBOT_NOTIFY_TWILIO_FROM_NUMBER")
	setStr(&cfg.Notify.TwilioToNumber, "SIGNALBOT_NOTIFY_TWILIO_TO_NUMBER")
	setStringSlice(&cfg.Notify.Events, "SIGNALBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "SIGNALBOT_LOG_LEVEL")
}

// setTopicClass applies <prefix>_HIGH_CUTOFF, <prefix>_MED_CUTOFF and
// <prefix>_{BUY,SHORT}_{HIGH,MED}_{AMOUNT,LEVERAGE}.
func setTopicClass(dst *TopicClassConfig, prefix string) {
	setFloat64(&dst.HighCutoff, prefix+"_HIGH_CUTOFF")
	setFloat64(&dst.MedCutoff, prefix+"_MED_CUTOFF")
	setSizing(&dst.BuyHigh, prefix+"_BUY_HIGH")
	setSizing(&dst.BuyMed, prefix+"_BUY_MED")
	setSizing(&dst.ShortHigh, prefix+"_SHORT_HIGH")
	setSizing(&dst.ShortMed, prefix+"_SHORT_MED")
}

func setSizing(dst *OrderSizing, prefix string) {
	setFloat64(&dst.Amount, prefix+"_AMOUNT")
	setInt(&dst.Leverage, prefix+"_LEVERAGE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
