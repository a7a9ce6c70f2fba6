// Package config defines the top-level configuration for the signal bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SIGNALBOT_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Trading  TradingConfig  `toml:"trading"`
	Analysis AnalysisConfig `toml:"analysis"`
	Exchange ExchangeConfig `toml:"exchange"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port int `toml:"port"`
	// APIKey protects the operator endpoints. Intake stays open when empty.
	APIKey string `toml:"api_key"`
	// RateLimitPerMinute bounds intake requests per client IP. Requires Redis;
	// zero disables limiting.
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	ShutdownTimeout    duration `toml:"shutdown_timeout"`
}

// OrderSizing is one row of the trade-parameter table. Amount is signed:
// positive for BUY rows, negative for SHORT rows.
type OrderSizing struct {
	Amount   float64 `toml:"amount"`
	Leverage int     `toml:"leverage"`
}

// TopicClassConfig holds the confidence cutoffs and order sizes of one
// topic class.
type TopicClassConfig struct {
	HighCutoff float64     `toml:"high_cutoff"`
	MedCutoff  float64     `toml:"med_cutoff"`
	BuyHigh    OrderSizing `toml:"buy_high"`
	BuyMed     OrderSizing `toml:"buy_med"`
	ShortHigh  OrderSizing `toml:"short_high"`
	ShortMed   OrderSizing `toml:"short_med"`
}

// TradingConfig holds the decision table and execution policy.
type TradingConfig struct {
	// ProdExecution switches from the simulated execution provider to the live
	// exchange adapter.
	ProdExecution    bool             `toml:"prod_execution"`
	Symbol           string           `toml:"symbol"`
	BuyLimitOffset   float64          `toml:"buy_limit_offset"`
	ShortLimitOffset float64          `toml:"short_limit_offset"`
	MaxAttempts      int              `toml:"max_attempts"`
	RetryBackoff     duration         `toml:"retry_backoff"`
	OrderTimeout     duration         `toml:"order_timeout"`
	Fed              TopicClassConfig `toml:"fed"`
	Bitcoin          TopicClassConfig `toml:"bitcoin"`
	Generic          TopicClassConfig `toml:"generic"`
}

// AnalysisConfig configures the OpenAI-compatible language model endpoint and
// the FED expectations table.
type AnalysisConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Model   string   `toml:"model"`
	Timeout duration `toml:"timeout"`
	// ExpectationsPath is a local JSON file. ExpectationsS3Key takes
	// precedence when set and S3 is enabled.
	ExpectationsPath  string `toml:"expectations_path"`
	ExpectationsS3Key string `toml:"expectations_s3_key"`
}

// ExchangeConfig holds Bitfinex endpoints and credentials.
type ExchangeConfig struct {
	APIKey              string   `toml:"api_key"`
	APISecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	RestHost            string   `toml:"rest_host"`
	PublicHost          string   `toml:"public_host"`
	WsHost              string   `toml:"ws_host"`
	Timeout             duration `toml:"timeout"`
	// PriceFeed subscribes to the websocket status channel and serves
	// reference prices from the cache while they are younger than PriceMaxAge.
	PriceFeed   bool     `toml:"price_feed"`
	PriceMaxAge duration `toml:"price_max_age"`
}

// LedgerConfig selects the deduplication ledger backend.
type LedgerConfig struct {
	Backend string `toml:"backend"`
	// InflightTTL is how long an unfinished reservation blocks an identity in
	// the durable backends.
	InflightTTL duration `toml:"inflight_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	SMSEnabled        bool     `toml:"sms_enabled"`
	TwilioAccountSID  string   `toml:"twilio_account_sid"`
	TwilioAuthToken   string   `toml:"twilio_auth_token"`
	TwilioFromNumber  string   `toml:"twilio_from_number"`
	TwilioToNumber    string   `toml:"twilio_to_number"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// Duration builds a config duration; used by tests and callers constructing
// a Config in code.
func Duration(d time.Duration) duration {
	return duration{d}
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// Trading defaults mirror the production sizing table.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8000,
			ShutdownTimeout: duration{15 * time.Second},
		},
		Trading: TradingConfig{
			ProdExecution:    false,
			Symbol:           "tBTCF0:USTF0",
			BuyLimitOffset:   0.005,
			ShortLimitOffset: 0.005,
			MaxAttempts:      3,
			RetryBackoff:     duration{500 * time.Millisecond},
			OrderTimeout:     duration{10 * time.Second},
			Fed: TopicClassConfig{
				HighCutoff: 0.96,
				MedCutoff:  0.92,
				BuyHigh:    OrderSizing{Amount: 0.002, Leverage: 20},
				BuyMed:     OrderSizing{Amount: 0.001, Leverage: 10},
				ShortHigh:  OrderSizing{Amount: -0.002, Leverage: 20},
				ShortMed:   OrderSizing{Amount: -0.001, Leverage: 10},
			},
			Bitcoin: TopicClassConfig{
				HighCutoff: 0.93,
				MedCutoff:  0.88,
				BuyHigh:    OrderSizing{Amount: 0.0015, Leverage: 15},
				BuyMed:     OrderSizing{Amount: 0.00075, Leverage: 7},
				ShortHigh:  OrderSizing{Amount: -0.0015, Leverage: 15},
				ShortMed:   OrderSizing{Amount: -0.00075, Leverage: 7},
			},
			Generic: TopicClassConfig{
				HighCutoff: 0.95,
				MedCutoff:  0.90,
				BuyHigh:    OrderSizing{Amount: 0.001, Leverage: 10},
				BuyMed:     OrderSizing{Amount: 0.0005, Leverage: 5},
				ShortHigh:  OrderSizing{Amount: -0.001, Leverage: 10},
				ShortMed:   OrderSizing{Amount: -0.0005, Leverage: 5},
			},
		},
		Analysis: AnalysisConfig{
			BaseURL:          "https://api.groq.com/openai/v1",
			Model:            "llama-3.3-70b-versatile",
			Timeout:          duration{30 * time.Second},
			ExpectationsPath: "expectations.json",
		},
		Exchange: ExchangeConfig{
			RestHost:    "https://api.bitfinex.com",
			PublicHost:  "https://api-pub.bitfinex.com",
			WsHost:      "wss://api-pub.bitfinex.com/ws/2",
			Timeout:     duration{10 * time.Second},
			PriceFeed:   false,
			PriceMaxAge: duration{5 * time.Second},
		},
		Ledger: LedgerConfig{
			Backend:     "memory",
			InflightTTL: duration{10 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "signalbot-data",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_executed", "trade_failed", "error"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// retryBackoffCap matches the dispatcher's cap on the wait between attempts.
const retryBackoffCap = 10 * time.Second

// MaxEventDuration is the longest one reserved event can run: the analysis
// timeout, then the quote and order phases, each allowed MaxAttempts tries
// of OrderTimeout with doubling backoff between tries.
func (c *Config) MaxEventDuration() time.Duration {
	attempts := max(c.Trading.MaxAttempts, 1)
	phase := time.Duration(attempts) * c.Trading.OrderTimeout.Duration
	wait := c.Trading.RetryBackoff.Duration
	for i := 1; i < attempts; i++ {
		phase += wait
		wait = min(wait*2, retryBackoffCap)
	}
	return c.Analysis.Timeout.Duration + 2*phase
}

var validLedgerBackends = map[string]bool{
	"memory":   true,
	"redis":    true,
	"postgres": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found. The trade-parameter table
// is checked in depth by decision.NewTable.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, "server: rate_limit_per_minute must be >= 0")
	}
	if c.Server.RateLimitPerMinute > 0 && !c.Redis.Enabled {
		errs = append(errs, "server: rate_limit_per_minute requires redis.enabled")
	}

	// Trading
	if strings.TrimSpace(c.Trading.Symbol) == "" {
		errs = append(errs, "trading: symbol must not be empty")
	}
	if c.Trading.BuyLimitOffset < 0 || c.Trading.BuyLimitOffset >= 1 {
		errs = append(errs, "trading: buy_limit_offset must be in [0,1)")
	}
	if c.Trading.ShortLimitOffset < 0 || c.Trading.ShortLimitOffset >= 1 {
		errs = append(errs, "trading: short_limit_offset must be in [0,1)")
	}
	if c.Trading.MaxAttempts < 1 {
		errs = append(errs, "trading: max_attempts must be >= 1")
	}
	if c.Trading.OrderTimeout.Duration <= 0 {
		errs = append(errs, "trading: order_timeout must be > 0")
	}

	// Analysis
	if c.Analysis.APIKey == "" {
		errs = append(errs, "analysis: api_key must be set")
	}
	if c.Analysis.Model == "" {
		errs = append(errs, "analysis: model must not be empty")
	}
	if c.Analysis.Timeout.Duration <= 0 {
		errs = append(errs, "analysis: timeout must be > 0")
	}
	if c.Analysis.ExpectationsPath == "" && c.Analysis.ExpectationsS3Key == "" {
		errs = append(errs, "analysis: expectations_path or expectations_s3_key must be set")
	}
	if c.Analysis.ExpectationsS3Key != "" && !c.S3.Enabled {
		errs = append(errs, "analysis: expectations_s3_key requires s3.enabled")
	}

	// Exchange credentials are only mandatory for live execution.
	if c.Trading.ProdExecution {
		if c.Exchange.APIKey == "" {
			errs = append(errs, "exchange: api_key is required when trading.prod_execution is true")
		}
		if c.Exchange.APISecret == "" && c.Exchange.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: either api_secret or encrypted_secret_path is required when trading.prod_execution is true")
		}
	}
	if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
		errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
	}
	if c.Exchange.RestHost == "" || c.Exchange.PublicHost == "" {
		errs = append(errs, "exchange: rest_host and public_host must not be empty")
	}
	if c.Exchange.PriceFeed && c.Exchange.WsHost == "" {
		errs = append(errs, "exchange: ws_host must not be empty when price_feed is enabled")
	}

	// Ledger
	if !validLedgerBackends[strings.ToLower(c.Ledger.Backend)] {
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, redis, postgres)", c.Ledger.Backend))
	}
	if strings.EqualFold(c.Ledger.Backend, "redis") && !c.Redis.Enabled {
		errs = append(errs, "ledger: backend redis requires redis.enabled")
	}
	if c.Ledger.InflightTTL.Duration <= 0 {
		errs = append(errs, "ledger: inflight_ttl must be > 0")
	} else if worst := c.MaxEventDuration(); c.Ledger.InflightTTL.Duration <= worst {
		errs = append(errs, fmt.Sprintf("ledger: inflight_ttl %s must exceed the longest event run %s (analysis.timeout + quote and order retries)", c.Ledger.InflightTTL.Duration, worst))
	}

	// Postgres
	if strings.EqualFold(c.Ledger.Backend, "postgres") && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Notify
	if c.Notify.SMSEnabled {
		if c.Notify.TwilioAccountSID == "" || c.Notify.TwilioAuthToken == "" ||
			c.Notify.TwilioFromNumber == "" || c.Notify.TwilioToNumber == "" {
			errs = append(errs, "notify: twilio_account_sid, twilio_auth_token, twilio_from_number and twilio_to_number must all be set when sms_enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
