package liquidator

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"lendbook/crypto"
	"lendbook/gateway/middleware"
	"lendbook/native/lending"
	"lendbook/observability"
	"lendbook/observability/logging"
	telemetry "lendbook/observability/otel"
	"lendbook/services/lending/client"
	"lendbook/services/oracle"
)

// Main runs the liquidation bot until SIGINT or SIGTERM.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "liquidator.yaml", "path to liquidator config")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("LENDBOOK_ENV"))
	logger := logging.Setup("liquidator", env,
		logging.WithLevel(cfg.Logging.Level),
		logging.WithFile(cfg.Logging.File))
	logger.LogAttrs(context.Background(), slog.LevelInfo, "configuration loaded", cfg.LogAttrs()...)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("liquidator", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, err := newClient(cfg)
	if err != nil {
		return err
	}

	var prices lending.PriceOracle = api
	if cfg.Oracle.Backend == OracleRedis {
		redisOracle, err := oracle.DialRedis(ctx, oracle.RedisConfig{
			Addr:       cfg.Oracle.Redis.Addr,
			Password:   cfg.Oracle.Redis.Password,
			DB:         cfg.Oracle.Redis.DB,
			TLSEnabled: cfg.Oracle.Redis.TLS,
			KeyPrefix:  cfg.Oracle.Redis.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("connect oracle: %w", err)
		}
		defer redisOracle.Close()
		prices = redisOracle
	}

	bot := New(api, prices, Options{
		PageSize:     cfg.PageSize,
		BatchSize:    cfg.BatchSize,
		Attempts:     cfg.Retry.Attempts,
		RetryDelay:   cfg.Retry.Delay.Duration,
		SubmitRate:   cfg.SubmitRate,
		SubmitBurst:  cfg.SubmitBurst,
		FundsHorizon: cfg.FundsHorizon.Duration,
		Logger:       logger,
		Metrics:      observability.Liquidator(),
	})

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return bot.Run(gctx, cfg.Interval.Duration)
	})
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		group.Go(func() error {
			logger.Info("metrics listening", slog.String("listen", cfg.MetricsListen))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	return group.Wait()
}

// newClient builds the lendingd client. Without a static token the bot mints
// a short-lived one for its subject on every request.
func newClient(cfg Config) (*client.Client, error) {
	clientCfg := client.Config{
		BaseURL:         cfg.Endpoint,
		BearerToken:     cfg.Auth.Token,
		TLSClientCAFile: cfg.TLS.CAFile,
		AllowInsecure:   cfg.TLS.AllowInsecure,
	}
	if cfg.Auth.Token == "" {
		subject, err := crypto.DecodeAddress(cfg.Auth.Subject)
		if err != nil {
			return nil, fmt.Errorf("auth subject: %w", err)
		}
		clientCfg.TokenSource = func() (string, error) {
			return middleware.SignToken(cfg.Auth.HMACSecret, subject.String(), cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenTTL.Duration, time.Now())
		}
	}
	return client.New(clientCfg)
}
