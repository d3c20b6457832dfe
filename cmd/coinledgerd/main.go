package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sfirelab/coinledger/internal/httpapi"
	"github.com/sfirelab/coinledger/internal/moderation"
	"github.com/sfirelab/coinledger/internal/pricingcache"
	"github.com/sfirelab/coinledger/internal/store/gormstore"
	"github.com/sfirelab/coinledger/internal/telemetry"
	"github.com/sfirelab/coinledger/pkg/coinledger"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagRedisURL           = "redis-url"
	flagAllowedOrigins     = "allowed-origins"
	flagBlockedWords       = "blocked-words"
	flagSweepInterval      = "sweep-interval"
	flagSweepOlderThan     = "sweep-older-than"
	flagSweepLimit         = "sweep-limit"
	configKeyDatabaseURL   = "database_url"
	configKeyListenAddr    = "listen_addr"
	configKeyRedisURL      = "redis_url"
	configKeyOrigins       = "allowed_origins"
	configKeyBlockedWords  = "blocked_words"
	configKeySweepInterval = "sweep_interval"
	configKeySweepOlder    = "sweep_older_than"
	configKeySweepLimit    = "sweep_limit"
	defaultDatabaseURL     = "sqlite:///tmp/coinledger.db"
	defaultHTTPListenAddr  = ":9090"
	defaultSweepInterval   = 30 * time.Minute
	defaultSweepOlderThan  = 30 * time.Minute
	defaultSweepLimit      = 100
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	RedisURL       string
	AllowedOrigins string
	BlockedWords   string
	SweepInterval  time.Duration
	SweepOlderThan time.Duration
	SweepLimit     int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coinledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "coinledgerd",
		Short:         "Coin ledger settlement server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.PersistentFlags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.PersistentFlags().String(flagRedisURL, "", "redis URL for the pricing cache (optional)")
	cmd.PersistentFlags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.PersistentFlags().String(flagBlockedWords, "", "comma-delimited moderation blocklist")
	cmd.PersistentFlags().Duration(flagSweepInterval, defaultSweepInterval, "interval between stale freeze sweeps (0 disables)")
	cmd.PersistentFlags().Duration(flagSweepOlderThan, defaultSweepOlderThan, "age after which a frozen reservation is considered stale")
	cmd.PersistentFlags().Int(flagSweepLimit, defaultSweepLimit, "maximum stale reservations released per sweep")

	cmd.AddCommand(newSweepCommand(cfg))
	cmd.AddCommand(newSeedCommand(cfg))

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:   "DATABASE_URL",
		configKeyListenAddr:    "HTTP_LISTEN_ADDR",
		configKeyRedisURL:      "REDIS_URL",
		configKeyOrigins:       "ALLOWED_ORIGINS",
		configKeyBlockedWords:  "BLOCKED_WORDS",
		configKeySweepInterval: "SWEEP_INTERVAL",
		configKeySweepOlder:    "SWEEP_OLDER_THAN",
		configKeySweepLimit:    "SWEEP_LIMIT",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagsByKey := map[string]string{
		configKeyDatabaseURL:   flagDatabaseURL,
		configKeyListenAddr:    flagListenAddr,
		configKeyRedisURL:      flagRedisURL,
		configKeyOrigins:       flagAllowedOrigins,
		configKeyBlockedWords:  flagBlockedWords,
		configKeySweepInterval: flagSweepInterval,
		configKeySweepOlder:    flagSweepOlderThan,
		configKeySweepLimit:    flagSweepLimit,
	}
	for key, flagName := range flagsByKey {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.RedisURL = viper.GetString(configKeyRedisURL)
	cfg.AllowedOrigins = viper.GetString(configKeyOrigins)
	cfg.BlockedWords = viper.GetString(configKeyBlockedWords)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.SweepOlderThan = viper.GetDuration(configKeySweepOlder)
	if cfg.SweepOlderThan <= 0 {
		cfg.SweepOlderThan = defaultSweepOlderThan
	}
	cfg.SweepLimit = viper.GetInt(configKeySweepLimit)
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = defaultSweepLimit
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	store := gormstore.New(gormDB)
	if err := prepareSchema(store, driver); err != nil {
		return err
	}

	var pricingSource coinledger.PricingSource = gormstore.NewPricingSource(gormDB)
	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		cachedSource, err := pricingcache.New(redis.NewClient(redisOptions), pricingSource, logger)
		if err != nil {
			return fmt.Errorf("pricing cache init: %w", err)
		}
		pricingSource = cachedSource
	}

	calculator, err := coinledger.NewCalculator(pricingSource)
	if err != nil {
		return fmt.Errorf("calculator init: %w", err)
	}

	metrics := telemetry.New(prometheus.DefaultRegisterer)
	operationLogger := metrics.NewOperationLogger(coinledger.NewZapOperationLogger(logger))

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := coinledger.NewService(store, calculator, clock,
		coinledger.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	meter, err := coinledger.NewMeter(ledgerService, calculator)
	if err != nil {
		return fmt.Errorf("meter init: %w", err)
	}

	if cfg.SweepInterval > 0 {
		go runSweeper(ctx, logger, ledgerService, cfg.SweepInterval, cfg.SweepOlderThan, cfg.SweepLimit)
	}

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		BlockedWords:   httpapi.ParseBlockedWords(cfg.BlockedWords),
	}, httpapi.Dependencies{
		Logger:    logger,
		Service:   ledgerService,
		Meter:     meter,
		Moderator: moderation.NewWordlistChecker(httpapi.ParseBlockedWords(cfg.BlockedWords)),
		LLM:       httpapi.EchoClient{},
		Metrics:   metrics,
	})
}

func runSweeper(ctx context.Context, logger *zap.Logger, service *coinledger.Service, interval, olderThan time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := service.ReleaseStale(ctx, olderThan, limit)
			if err != nil {
				logger.Warn("stale freeze sweep failed", zap.Int("released", released), zap.Error(err))
				continue
			}
			if released > 0 {
				logger.Info("stale freeze sweep", zap.Int("released", released))
			}
		}
	}
}

func newSweepCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release stale frozen reservations once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer cleanup()

			store := gormstore.New(gormDB)
			if err := prepareSchema(store, driver); err != nil {
				return err
			}
			calculator, err := coinledger.NewCalculator(gormstore.NewPricingSource(gormDB))
			if err != nil {
				return fmt.Errorf("calculator init: %w", err)
			}
			clock := func() int64 { return time.Now().UTC().Unix() }
			ledgerService, err := coinledger.NewService(store, calculator, clock,
				coinledger.WithOperationLogger(coinledger.NewZapOperationLogger(logger)))
			if err != nil {
				return fmt.Errorf("ledger service init: %w", err)
			}

			released, err := ledgerService.ReleaseStale(ctx, cfg.SweepOlderThan, cfg.SweepLimit)
			if err != nil {
				return err
			}
			logger.Info("sweep complete", zap.Int("released", released))
			return nil
		},
	}
}

func newSeedCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		modelID         string
		inputWeight     string
		outputWeight    string
		baseFee         string
		rateMultiplier  string
		maxOutputTokens int
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write or replace a model pricing record",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parsedModelID, err := coinledger.NewModelID(modelID)
			if err != nil {
				return err
			}
			pricing, err := parsePricing(inputWeight, outputWeight, baseFee, rateMultiplier, maxOutputTokens)
			if err != nil {
				return err
			}

			gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer cleanup()

			if err := prepareSchema(gormstore.New(gormDB), driver); err != nil {
				return err
			}
			return gormstore.NewPricingSource(gormDB).UpsertModelPricing(ctx, parsedModelID, pricing)
		},
	}
	cmd.Flags().StringVar(&modelID, "model", "", "model identifier (required)")
	cmd.Flags().StringVar(&inputWeight, "input-weight", "1.0", "coin weight per input token")
	cmd.Flags().StringVar(&outputWeight, "output-weight", "2.0", "coin weight per output token")
	cmd.Flags().StringVar(&baseFee, "base-fee", "0", "flat per-request fee in token units")
	cmd.Flags().StringVar(&rateMultiplier, "rate-multiplier", "1.0", "model rate multiplier")
	cmd.Flags().IntVar(&maxOutputTokens, "max-output-tokens", 4096, "model output token ceiling")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func parsePricing(inputWeight, outputWeight, baseFee, rateMultiplier string, maxOutputTokens int) (coinledger.ModelPricing, error) {
	parse := func(name, raw string) (decimal.Decimal, error) {
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("parse %s: %w", name, err)
		}
		return value, nil
	}
	parsedInput, err := parse("input-weight", inputWeight)
	if err != nil {
		return coinledger.ModelPricing{}, err
	}
	parsedOutput, err := parse("output-weight", outputWeight)
	if err != nil {
		return coinledger.ModelPricing{}, err
	}
	parsedBaseFee, err := parse("base-fee", baseFee)
	if err != nil {
		return coinledger.ModelPricing{}, err
	}
	parsedRate, err := parse("rate-multiplier", rateMultiplier)
	if err != nil {
		return coinledger.ModelPricing{}, err
	}
	pricing := coinledger.ModelPricing{
		InputWeight:     parsedInput,
		OutputWeight:    parsedOutput,
		BaseFee:         parsedBaseFee,
		RateMultiplier:  parsedRate,
		MaxOutputTokens: maxOutputTokens,
	}
	return pricing, pricing.Validate()
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "coinledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(store *gormstore.Store, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := store.AutoMigrate(); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
