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

	"github.com/MarkoPoloResearchLab/wallet/internal/events/kafka"
	"github.com/MarkoPoloResearchLab/wallet/internal/fx"
	"github.com/MarkoPoloResearchLab/wallet/internal/httpapi"
	"github.com/MarkoPoloResearchLab/wallet/internal/processor"
	"github.com/MarkoPoloResearchLab/wallet/internal/reconcile"
	"github.com/MarkoPoloResearchLab/wallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/wallet/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	backendGorm = "gorm"
	backendPgx  = "pgx"

	defaultDatabaseURL      = "sqlite:///tmp/wallet.db"
	defaultListenAddr       = ":8090"
	defaultBaseCurrency     = "USD"
	defaultMarginBps        = 100
	defaultFXCacheTTL       = 10 * time.Minute
	defaultReconcileEvery   = 15 * time.Minute
	defaultReconcileMinAge  = 10 * time.Minute
	defaultMaxLookback      = 7 * 24 * time.Hour
	defaultReconcileBatch   = 50
	defaultCandidateTimeout = 10 * time.Second
	defaultProcessorTimeout = 5 * time.Second
)

type runtimeConfig struct {
	DatabaseURL    string
	StoreBackend   string
	ListenAddr     string
	AllowedOrigins string

	KafkaBrokers string
	KafkaTopic   string

	ProcessorURL     string
	ProcessorAPIKey  string
	ProcessorTimeout time.Duration
	UpstreamReversal bool

	FXBaseCurrency   string
	FXMarginBps      int64
	FXCacheTTL       time.Duration
	FXProviderURL    string
	FXProviderAPIKey string
	FXFallbackRates  string

	ReconcileInterval         time.Duration
	ReconcileMinAge           time.Duration
	ReconcileMaxLookback      time.Duration
	ReconcileBatchSize        int
	ReconcileCandidateTimeout time.Duration
}

type configBinding struct {
	configKey string
	flagName  string
	envName   string
}

var configBindings = []configBinding{
	{"database_url", "database-url", "DATABASE_URL"},
	{"store_backend", "store-backend", "STORE_BACKEND"},
	{"listen_addr", "listen-addr", "LISTEN_ADDR"},
	{"allowed_origins", "allowed-origins", "ALLOWED_ORIGINS"},
	{"kafka_brokers", "kafka-brokers", "KAFKA_BROKERS"},
	{"kafka_topic", "kafka-topic", "KAFKA_TOPIC"},
	{"processor_url", "processor-url", "PROCESSOR_URL"},
	{"processor_api_key", "processor-api-key", "PROCESSOR_API_KEY"},
	{"processor_timeout", "processor-timeout", "PROCESSOR_TIMEOUT"},
	{"upstream_reversal", "upstream-reversal", "UPSTREAM_REVERSAL"},
	{"fx_base_currency", "fx-base-currency", "FX_BASE_CURRENCY"},
	{"fx_margin_bps", "fx-margin-bps", "FX_MARGIN_BPS"},
	{"fx_cache_ttl", "fx-cache-ttl", "FX_CACHE_TTL"},
	{"fx_provider_url", "fx-provider-url", "FX_PROVIDER_URL"},
	{"fx_provider_api_key", "fx-provider-api-key", "FX_PROVIDER_API_KEY"},
	{"fx_fallback_rates", "fx-fallback-rates", "FX_FALLBACK_RATES"},
	{"reconcile_interval", "reconcile-interval", "RECONCILE_INTERVAL"},
	{"reconcile_min_age", "reconcile-min-age", "RECONCILE_MIN_AGE"},
	{"reconcile_max_lookback", "reconcile-max-lookback", "RECONCILE_MAX_LOOKBACK"},
	{"reconcile_batch_size", "reconcile-batch-size", "RECONCILE_BATCH_SIZE"},
	{"reconcile_candidate_timeout", "reconcile-candidate-timeout", "RECONCILE_CANDIDATE_TIMEOUT"},
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Wallet ledger and billing reconciliation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String("database-url", defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String("store-backend", backendGorm, "ledger store backend (gorm or pgx)")
	cmd.Flags().String("listen-addr", defaultListenAddr, "HTTP listen address")
	cmd.Flags().String("allowed-origins", "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String("kafka-brokers", "", "comma-separated Kafka brokers for ledger events (disabled when empty)")
	cmd.Flags().String("kafka-topic", "", "Kafka topic for ledger events")
	cmd.Flags().String("processor-url", "", "payment processor base URL")
	cmd.Flags().String("processor-api-key", "", "payment processor API key")
	cmd.Flags().Duration("processor-timeout", defaultProcessorTimeout, "payment processor request timeout")
	cmd.Flags().Bool("upstream-reversal", false, "attempt processor-side reversal when refunding")
	cmd.Flags().String("fx-base-currency", defaultBaseCurrency, "ledger base currency")
	cmd.Flags().Int64("fx-margin-bps", defaultMarginBps, "FX margin in basis points")
	cmd.Flags().Duration("fx-cache-ttl", defaultFXCacheTTL, "FX rate cache TTL")
	cmd.Flags().String("fx-provider-url", "", "exchange rate provider base URL (fallback rates only when empty)")
	cmd.Flags().String("fx-provider-api-key", "", "exchange rate provider API key")
	cmd.Flags().String("fx-fallback-rates", "", "static fallback rates, e.g. EUR=0.92,GBP=0.79")
	cmd.Flags().Duration("reconcile-interval", defaultReconcileEvery, "time between orphan reconciliation passes")
	cmd.Flags().Duration("reconcile-min-age", defaultReconcileMinAge, "minimum charge age before it can be reconciled")
	cmd.Flags().Duration("reconcile-max-lookback", defaultMaxLookback, "oldest charge age the reconciler inspects")
	cmd.Flags().Int("reconcile-batch-size", defaultReconcileBatch, "maximum candidates per reconciliation pass")
	cmd.Flags().Duration("reconcile-candidate-timeout", defaultCandidateTimeout, "per-candidate refund timeout")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, binding := range configBindings {
		if err := viper.BindEnv(binding.configKey, binding.envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(binding.configKey, cmd.Flags().Lookup(binding.flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.StoreBackend = viper.GetString("store_backend")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.KafkaBrokers = viper.GetString("kafka_brokers")
	cfg.KafkaTopic = viper.GetString("kafka_topic")
	cfg.ProcessorURL = viper.GetString("processor_url")
	cfg.ProcessorAPIKey = viper.GetString("processor_api_key")
	cfg.ProcessorTimeout = viper.GetDuration("processor_timeout")
	cfg.UpstreamReversal = viper.GetBool("upstream_reversal")
	cfg.FXBaseCurrency = viper.GetString("fx_base_currency")
	cfg.FXMarginBps = viper.GetInt64("fx_margin_bps")
	cfg.FXCacheTTL = viper.GetDuration("fx_cache_ttl")
	cfg.FXProviderURL = viper.GetString("fx_provider_url")
	cfg.FXProviderAPIKey = viper.GetString("fx_provider_api_key")
	cfg.FXFallbackRates = viper.GetString("fx_fallback_rates")
	cfg.ReconcileInterval = viper.GetDuration("reconcile_interval")
	cfg.ReconcileMinAge = viper.GetDuration("reconcile_min_age")
	cfg.ReconcileMaxLookback = viper.GetDuration("reconcile_max_lookback")
	cfg.ReconcileBatchSize = viper.GetInt("reconcile_batch_size")
	cfg.ReconcileCandidateTimeout = viper.GetDuration("reconcile_candidate_timeout")

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.StoreBackend != backendGorm && cfg.StoreBackend != backendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.UpstreamReversal && cfg.ProcessorURL == "" {
		return fmt.Errorf("upstream reversal requires a processor url")
	}
	return nil
}

// ledgerStore is what both store backends provide: the wallet persistence
// contract plus the job lookups the reconciler needs.
type ledgerStore interface {
	wallet.Store
	JobExists(ctx context.Context, jobID string) (bool, error)
	JobTraceExists(ctx context.Context, jobID string) (bool, error)
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	serviceOptions := []wallet.ServiceOption{
		wallet.WithOperationLogger(&zapOperationLogger{logger: logger}),
	}

	if cfg.KafkaBrokers != "" {
		publisher := kafka.NewPublisher(splitList(cfg.KafkaBrokers), cfg.KafkaTopic, logger)
		defer func() { _ = publisher.Close() }()
		serviceOptions = append(serviceOptions, wallet.WithOperationLogger(publisher))
	}

	if cfg.UpstreamReversal {
		reverser := processor.NewClient(cfg.ProcessorURL, cfg.ProcessorAPIKey, cfg.ProcessorTimeout, logger)
		serviceOptions = append(serviceOptions, wallet.WithPaymentReverser(reverser))
	}

	walletService, err := wallet.NewService(store, clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}

	baseCurrency, err := wallet.NewCurrency(cfg.FXBaseCurrency)
	if err != nil {
		return fmt.Errorf("fx base currency: %w", err)
	}
	fallbackRates, err := parseFallbackRates(cfg.FXFallbackRates)
	if err != nil {
		return fmt.Errorf("fx fallback rates: %w", err)
	}
	var rateProvider fx.RateProvider
	if cfg.FXProviderURL != "" {
		rateProvider = fx.NewHTTPProvider(cfg.FXProviderURL, cfg.FXProviderAPIKey, 0)
	}
	quoter, err := fx.NewQuoter(fx.Config{
		BaseCurrency:  baseCurrency,
		MarginBps:     cfg.FXMarginBps,
		CacheTTL:      cfg.FXCacheTTL,
		FallbackRates: fallbackRates,
	}, rateProvider, logger, nil)
	if err != nil {
		return fmt.Errorf("fx quoter init: %w", err)
	}

	reconciler, err := reconcile.New(reconcile.Config{
		MinAge:              cfg.ReconcileMinAge,
		MaxLookback:         cfg.ReconcileMaxLookback,
		BatchSize:           cfg.ReconcileBatchSize,
		PerCandidateTimeout: cfg.ReconcileCandidateTimeout,
	}, store, store, walletService, logger, nil)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	apiServer, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
	}, walletService, quoter, reconciler, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	go runReconcileLoop(ctx, reconciler, cfg.ReconcileInterval, logger)

	return apiServer.Run(ctx)
}

func runReconcileLoop(ctx context.Context, reconciler *reconcile.Reconciler, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = defaultReconcileEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := reconciler.Run(ctx); err != nil {
				logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

func openStore(ctx context.Context, cfg *runtimeConfig) (ledgerStore, func() error, error) {
	if cfg.StoreBackend == backendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), func() error { pool.Close(); return nil }, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
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
			path = "wallet.db"
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

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func parseFallbackRates(raw string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range splitList(raw) {
		code, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("malformed rate %q, want CODE=RATE", pair)
		}
		currency, err := wallet.NewCurrency(code)
		if err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("rate for %s: %w", currency.String(), err)
		}
		if rate.Sign() <= 0 {
			return nil, fmt.Errorf("rate for %s must be positive", currency.String())
		}
		rates[currency.String()] = rate
	}
	return rates, nil
}

// zapOperationLogger mirrors every ledger operation into structured logs.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(ctx context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID),
		zap.Int64("entry_id", int64(entry.EntryID)),
		zap.Int64("amount_minor_units", entry.AmountMinorUnits),
		zap.String("currency", entry.Currency),
		zap.String("status", entry.Status),
	}
	if entry.JobID != "" {
		fields = append(fields, zap.String("job_id", entry.JobID))
	}
	if entry.ChargeEntryID != 0 {
		fields = append(fields, zap.Int64("charge_entry_id", int64(entry.ChargeEntryID)))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Error("wallet operation failed", fields...)
		return
	}
	operationLogger.logger.Info("wallet operation", fields...)
}
