package lendingd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"lendbook/config"
	"lendbook/core"
	"lendbook/core/events"
	"lendbook/gateway/middleware"
	"lendbook/gateway/routes"
	"lendbook/native/lending"
	"lendbook/observability"
	svcconfig "lendbook/services/lendingd/config"
	"lendbook/services/oracle"
	"lendbook/services/settlement"
	"lendbook/storage"
)

// recentEvents bounds the in-memory event feed.
const recentEvents = 1024

// App holds the assembled daemon.
type App struct {
	Handler  http.Handler
	Executor *core.Executor
	Bank     *settlement.Bank

	closers []func() error
}

// Close releases the stores and the oracle connection.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build loads the genesis, opens the store, instantiates the ledger when it
// is new and wires the HTTP surface.
func Build(ctx context.Context, cfg svcconfig.Config, logger *slog.Logger) (*App, error) {
	genesis, err := config.Load(cfg.GenesisPath)
	if err != nil {
		return nil, fmt.Errorf("load genesis: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(genesis.DataDir, "ledger"))
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	app := &App{closers: []func() error{db.Close}}
	if err := app.wire(ctx, cfg, genesis, db, logger); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context, cfg svcconfig.Config, genesis *config.Config, db storage.Database, logger *slog.Logger) error {
	ledgerCfg, err := genesis.LendingConfig()
	if err != nil {
		return err
	}
	pool := genesis.PoolAddress()

	store, err := settlement.OpenStore(filepath.Join(genesis.DataDir, "settlement.db"))
	if err != nil {
		return err
	}
	a.closers = append(a.closers, store.Close)
	a.Bank, err = settlement.OpenBank(pool, store)
	if err != nil {
		return err
	}
	balances, err := genesis.SeedBalances()
	if err != nil {
		return err
	}
	seeds := make([]settlement.Seed, 0, len(balances))
	for _, b := range balances {
		seeds = append(seeds, settlement.Seed{Account: b.Account, Token: b.Token, Amount: b.Amount})
	}
	seeded, err := a.Bank.Genesis(seeds)
	if err != nil {
		return fmt.Errorf("seed bank: %w", err)
	}
	if !seeded {
		logger.Info("settlement balances restored; genesis balances ignored")
	}

	var (
		priceOracle lending.PriceOracle
		priceBook   routes.PriceBook
	)
	switch cfg.Oracle.Backend {
	case svcconfig.OracleRedis:
		redisOracle, err := oracle.DialRedis(ctx, oracle.RedisConfig{
			Addr:       cfg.Oracle.Redis.Addr,
			Password:   cfg.Oracle.Redis.Password,
			DB:         cfg.Oracle.Redis.DB,
			PoolSize:   cfg.Oracle.Redis.PoolSize,
			MaxRetries: cfg.Oracle.Redis.MaxRetries,
			TLSEnabled: cfg.Oracle.Redis.TLS,
			KeyPrefix:  cfg.Oracle.Redis.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("connect oracle: %w", err)
		}
		a.closers = append(a.closers, redisOracle.Close)
		priceOracle = redisOracle
	default:
		prices, err := genesis.SeedPrices()
		if err != nil {
			return err
		}
		static := oracle.NewStatic(ledgerCfg.Admin, prices)
		priceOracle = static
		priceBook = static
	}

	recorder := events.NewRecorder(recentEvents)
	emitter := events.Multi{recorder, events.FuncEmitter(func(e events.Event) {
		if r, ok := e.(events.Recordable); ok {
			record := r.Record()
			logger.Debug("ledger event", slog.String("type", record.Type), slog.Any("attributes", record.Attributes))
		}
	})}

	a.Executor = core.NewExecutor(db, pool, priceOracle, a.Bank,
		core.WithLogger(logger),
		core.WithMetrics(observability.Lending()),
		core.WithEmitter(emitter))
	created, err := a.Executor.Instantiate(ledgerCfg, genesis.Ledger.Tokens)
	if err != nil {
		return fmt.Errorf("instantiate ledger: %w", err)
	}
	if !created {
		logger.Info("ledger already instantiated; genesis ledger values ignored")
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		limits[key] = middleware.RateLimit{
			RatePerSecond: limit.RatePerSecond,
			Burst:         limit.Burst,
			DefaultTokens: limit.DefaultTokens,
			Tokens:        limit.Tokens,
		}
	}
	routeCfg := routes.Config{
		Ledger: a.Executor,
		Bank:   a.Bank,
		Events: recorder,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   cfg.Observability.ServiceName,
			MetricsPrefix: cfg.Observability.MetricsPrefix,
			LogRequests:   cfg.Observability.LogRequests,
			Enabled:       cfg.Observability.Metrics,
		}, logger),
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		Prices:  priceBook,
		Timeout: cfg.RequestTimeout.Duration,
		Logger:  logger,
	}
	handler, err := routes.New(routeCfg)
	if err != nil {
		return err
	}
	a.Handler = handler
	return nil
}
