package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/signalbot/internal/analysis"
	s3blob "github.com/alanyoungcy/signalbot/internal/blob/s3"
	"github.com/alanyoungcy/signalbot/internal/cache/memory"
	"github.com/alanyoungcy/signalbot/internal/cache/redis"
	"github.com/alanyoungcy/signalbot/internal/config"
	"github.com/alanyoungcy/signalbot/internal/crypto"
	"github.com/alanyoungcy/signalbot/internal/decision"
	"github.com/alanyoungcy/signalbot/internal/dispatch"
	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/exchange"
	"github.com/alanyoungcy/signalbot/internal/feed"
	"github.com/alanyoungcy/signalbot/internal/ledger"
	"github.com/alanyoungcy/signalbot/internal/notify"
	"github.com/alanyoungcy/signalbot/internal/platform/bitfinex"
	"github.com/alanyoungcy/signalbot/internal/server/handler"
	"github.com/alanyoungcy/signalbot/internal/store/postgres"
)

// Dependencies bundles everything the running application needs. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Ledger and its backend name (memory, redis, postgres).
	Ledger        domain.Ledger
	LedgerBackend string

	// Optional infrastructure; nil when the backing service is disabled.
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	Bus         domain.DecisionBus
	Audit       domain.AuditLog
	Blobs       domain.BlobReader

	Provider   exchange.Provider
	Analyzer   *analysis.Router
	Engine     *decision.Engine
	Notifier   *notify.Notifier
	Dispatcher *dispatch.Dispatcher

	// Feed streams reference prices into PriceCache when enabled.
	Feed *feed.StatusFeed

	HealthChecks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. Any configuration problem that
// would otherwise surface at request time fails here.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		LedgerBackend: strings.ToLower(cfg.Ledger.Backend),
		HealthChecks:  make(map[string]handler.Check),
	}

	// --- Decision table (fatal on any gap) ---
	table, err := decision.NewTable(cfg.Trading)
	if err != nil {
		return fail(fmt.Errorf("wire: decision table: %w", err))
	}
	deps.Engine = decision.NewEngine(table, cfg.Trading.Symbol)

	// --- PostgreSQL (ledger backend or audit log) ---
	var pgClient *postgres.Client
	if deps.LedgerBackend == "postgres" {
		pgClient, err = postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.HealthChecks["postgres"] = pgClient.Ping
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.HealthChecks["redis"] = redisClient.Ping
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
	}

	// --- Ledger ---
	switch deps.LedgerBackend {
	case "postgres":
		deps.Ledger = postgres.NewLedgerStore(pgClient.Pool(), cfg.Ledger.InflightTTL.Duration)
	case "redis":
		if redisClient == nil {
			return fail(fmt.Errorf("wire: ledger backend redis requires redis.enabled: %w", domain.ErrConfiguration))
		}
		deps.Ledger = redis.NewLedger(redisClient, cfg.Ledger.InflightTTL.Duration)
	default:
		deps.Ledger = ledger.NewMemory()
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.HealthChecks["s3"] = s3Client.Health
		deps.Blobs = s3blob.NewReader(s3Client)
	}

	// --- Analysis ---
	router, err := buildAnalyzers(ctx, cfg, deps.Blobs, logger)
	if err != nil {
		return fail(err)
	}
	deps.Analyzer = router

	// --- Exchange ---
	provider, priceFeed, priceCache, err := buildExchange(cfg, redisClient, logger)
	if err != nil {
		return fail(err)
	}
	deps.Provider = provider
	deps.Feed = priceFeed
	deps.PriceCache = priceCache
	if priceFeed != nil {
		closers = append(closers, priceFeed.Close)
	}

	// --- Notifications ---
	deps.Notifier = buildNotifier(cfg.Notify, logger)

	deps.Dispatcher = dispatch.New(dispatch.Deps{
		Ledger:   deps.Ledger,
		Analyzer: deps.Analyzer,
		Engine:   deps.Engine,
		Provider: deps.Provider,
		Alerter:  deps.Notifier,
		Bus:      deps.Bus,
		Audit:    deps.Audit,
	}, dispatch.Config{
		MaxAttempts:     cfg.Trading.MaxAttempts,
		RetryBackoff:    cfg.Trading.RetryBackoff.Duration,
		AnalysisTimeout: cfg.Analysis.Timeout.Duration,
		OrderTimeout:    cfg.Trading.OrderTimeout.Duration,
		AlertTitle:      "signalbot",
	}, logger)

	return deps, cleanup, nil
}

// buildAnalyzers registers the FED analyzer for web-monitor events and the
// social analyzer for social posts. The expectations table is loaded once,
// from S3 when a key is configured, else from the local file.
func buildAnalyzers(ctx context.Context, cfg *config.Config, blobs domain.BlobReader, logger *slog.Logger) (*analysis.Router, error) {
	var (
		exp analysis.Expectation
		err error
	)
	if key := cfg.Analysis.ExpectationsS3Key; key != "" {
		if blobs == nil {
			return nil, fmt.Errorf("wire: expectations_s3_key set without s3: %w", domain.ErrConfiguration)
		}
		exp, err = analysis.LoadExpectationsBlob(ctx, blobs, key)
	} else {
		exp, err = analysis.LoadExpectationsFile(cfg.Analysis.ExpectationsPath)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: expectations: %w", err)
	}

	llm := analysis.NewOpenAICompleter(analysis.LLMConfig{
		BaseURL: cfg.Analysis.BaseURL,
		APIKey:  cfg.Analysis.APIKey,
		Model:   cfg.Analysis.Model,
		Timeout: cfg.Analysis.Timeout.Duration,
	}, logger)

	fed, err := analysis.NewFedAnalyzer(llm, exp, logger)
	if err != nil {
		return nil, fmt.Errorf("wire: fed analyzer: %w", err)
	}

	router := analysis.NewRouter()
	router.Register(domain.SourceWebMonitor, fed)
	router.Register(domain.SourceSocial, analysis.NewSocialAnalyzer(llm, logger))
	return router, nil
}

// buildExchange selects the execution provider. Dry-run substitutes the
// simulator for the live adapter; both quote from the same source.
func buildExchange(cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) (exchange.Provider, *feed.StatusFeed, domain.PriceCache, error) {
	auth, err := exchangeAuth(cfg.Exchange)
	if err != nil {
		return nil, nil, nil, err
	}
	if auth == nil && cfg.Trading.ProdExecution {
		return nil, nil, nil, fmt.Errorf("wire: live execution requires exchange credentials: %w", domain.ErrConfiguration)
	}

	bfx := bitfinex.NewClient(cfg.Exchange.RestHost, cfg.Exchange.PublicHost, auth, cfg.Exchange.Timeout.Duration)

	var (
		quoter    exchange.Quoter = bfx
		priceFeed *feed.StatusFeed
		cache     domain.PriceCache
	)
	if cfg.Exchange.PriceFeed {
		if redisClient != nil {
			cache = redis.NewPriceCache(redisClient, 2*cfg.Exchange.PriceMaxAge.Duration)
		} else {
			cache = memory.NewPriceCache()
		}
		priceFeed = feed.NewStatusFeed(cfg.Exchange.WsHost, []string{cfg.Trading.Symbol}, cache, logger)
		quoter = exchange.NewCachedQuoter(cache, bfx, cfg.Exchange.PriceMaxAge.Duration, logger)
	}

	if !cfg.Trading.ProdExecution {
		return exchange.NewSimulator(quoter, logger), priceFeed, cache, nil
	}
	return exchange.NewLive(bfx, quoter, logger), priceFeed, cache, nil
}

// exchangeAuth resolves Bitfinex credentials. It returns nil without error
// when none are configured.
func exchangeAuth(cfg config.ExchangeConfig) (*crypto.BitfinexAuth, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     cfg.APISecret,
		EncryptedPath: cfg.EncryptedSecretPath,
		Password:      cfg.SecretPassword,
	})
	if err != nil {
		if errors.Is(err, crypto.ErrNoSecret) {
			return nil, fmt.Errorf("wire: exchange api_key set without a secret: %w", domain.ErrConfiguration)
		}
		return nil, fmt.Errorf("wire: exchange secret: %w", err)
	}
	return &crypto.BitfinexAuth{Key: cfg.APIKey, Secret: secret}, nil
}

func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.SMSEnabled {
		senders = append(senders, notify.NewTwilioSender(notify.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFromNumber,
			To:         cfg.TwilioToNumber,
		}))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return notify.NewNotifier(senders, cfg.Events, logger)
}
