package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/slotrental/internal/chainoracle"
	"github.com/MarkoPoloResearchLab/slotrental/internal/httpserver"
	"github.com/MarkoPoloResearchLab/slotrental/internal/presenter"
	"github.com/MarkoPoloResearchLab/slotrental/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/slotrental/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flagConfigFile  = "config"
	flagDatabaseURL = "database-url"
	flagListenAddr  = "listen-addr"
	flagAMQPURL     = "amqp-url"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyAMQPURL         = "amqp_url"
	configKeyAMQPExchange    = "amqp_exchange"
	configKeyAdminSigningKey = "admin_signing_key"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeySweepInterval   = "sweep_interval"
	configKeyPingQuota       = "ping_quota"
	configKeyEtherscanKey    = "etherscan_api_key"
	configKeyBlockchairKey   = "blockchair_api_key"
	configKeySolscanKey      = "solscan_api_key"

	defaultDatabaseURL   = "sqlite:///tmp/slotrental.db"
	defaultListenAddr    = ":8080"
	defaultAMQPExchange  = "slotrental.events"
	defaultSweepInterval = 30 * time.Second
	defaultPingQuota     = 3
)

type tierConfig struct {
	Key       string `mapstructure:"key"`
	Label     string `mapstructure:"label"`
	Seconds   int64  `mapstructure:"seconds"`
	PointCost int64  `mapstructure:"point_cost"`
}

type packageConfig struct {
	Points     int64 `mapstructure:"points"`
	PriceCents int64 `mapstructure:"price_cents"`
}

type addressConfig struct {
	Currency         string `mapstructure:"currency"`
	Address          string `mapstructure:"address"`
	MinConfirmations int    `mapstructure:"min_confirmations"`
}

type verificationConfig struct {
	CallTimeoutSeconds   int `mapstructure:"call_timeout_seconds"`
	RetryIntervalSeconds int `mapstructure:"retry_interval_seconds"`
	MaxRetries           int `mapstructure:"max_retries"`
	MaxWaitSeconds       int `mapstructure:"max_wait_seconds"`
}

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	AMQPURL         string
	AMQPExchange    string
	AdminSigningKey string
	AllowedOrigins  []string
	SweepInterval   time.Duration
	PingQuota       int
	APIKeys         chainoracle.APIKeys
	Tiers           []rental.DurationTier
	Packages        []rental.PointsPackage
	Addresses       map[rental.Currency]rental.PaymentAddress
	Verification    rental.VerificationPolicy
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "slotrentald: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "slotrentald",
		Short:         "Slot rental engine HTTP server",
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

	cmd.Flags().String(flagConfigFile, "", "path to a YAML config file")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAMQPURL, "", "AMQP broker URL for presentation events (optional)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyAMQPURL:         "AMQP_URL",
		configKeyAdminSigningKey: "ADMIN_SIGNING_KEY",
		configKeyEtherscanKey:    "ETHERSCAN_API_KEY",
		configKeyBlockchairKey:   "BLOCKCHAIR_API_KEY",
		configKeySolscanKey:      "SOLSCAN_API_KEY",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL: flagDatabaseURL,
		configKeyListenAddr:  flagListenAddr,
		configKeyAMQPURL:     flagAMQPURL,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	viper.SetDefault(configKeyAMQPExchange, defaultAMQPExchange)
	viper.SetDefault(configKeySweepInterval, defaultSweepInterval.String())
	viper.SetDefault(configKeyPingQuota, defaultPingQuota)

	if configFile, _ := cmd.Flags().GetString(flagConfigFile); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AMQPURL = viper.GetString(configKeyAMQPURL)
	cfg.AMQPExchange = viper.GetString(configKeyAMQPExchange)
	cfg.AdminSigningKey = viper.GetString(configKeyAdminSigningKey)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.PingQuota = viper.GetInt(configKeyPingQuota)
	cfg.APIKeys = chainoracle.APIKeys{
		Etherscan:  viper.GetString(configKeyEtherscanKey),
		Blockchair: viper.GetString(configKeyBlockchairKey),
		Solscan:    viper.GetString(configKeySolscanKey),
	}

	if cfg.AdminSigningKey == "" {
		return fmt.Errorf("admin signing key is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.PingQuota < 0 {
		return fmt.Errorf("ping quota must not be negative")
	}

	if err := loadPricingConfig(cfg); err != nil {
		return err
	}
	return loadVerificationConfig(cfg)
}

// loadPricingConfig reads the tiers, packages, and deposit addresses from the
// config file, falling back to the stock catalogue when a section is absent.
func loadPricingConfig(cfg *runtimeConfig) error {
	var tiers []tierConfig
	if err := viper.UnmarshalKey("tiers", &tiers); err != nil {
		return fmt.Errorf("parse tiers: %w", err)
	}
	if len(tiers) == 0 {
		cfg.Tiers = rental.DefaultTiers()
	} else {
		cfg.Tiers = make([]rental.DurationTier, 0, len(tiers))
		for _, tier := range tiers {
			cfg.Tiers = append(cfg.Tiers, rental.DurationTier{
				Key:       rental.DurationKey(tier.Key),
				Label:     tier.Label,
				Seconds:   tier.Seconds,
				PointCost: rental.Points(tier.PointCost),
			})
		}
	}

	var packages []packageConfig
	if err := viper.UnmarshalKey("packages", &packages); err != nil {
		return fmt.Errorf("parse packages: %w", err)
	}
	if len(packages) == 0 {
		cfg.Packages = rental.DefaultPackages()
	} else {
		cfg.Packages = make([]rental.PointsPackage, 0, len(packages))
		for _, pkg := range packages {
			cfg.Packages = append(cfg.Packages, rental.PointsPackage{
				Points:     rental.Points(pkg.Points),
				PriceCents: pkg.PriceCents,
			})
		}
	}

	var addresses []addressConfig
	if err := viper.UnmarshalKey("payment_addresses", &addresses); err != nil {
		return fmt.Errorf("parse payment addresses: %w", err)
	}
	cfg.Addresses = make(map[rental.Currency]rental.PaymentAddress, len(addresses))
	for _, address := range addresses {
		cfg.Addresses[rental.Currency(address.Currency)] = rental.PaymentAddress{
			Address:          address.Address,
			MinConfirmations: address.MinConfirmations,
		}
	}
	return nil
}

func loadVerificationConfig(cfg *runtimeConfig) error {
	var verification verificationConfig
	if err := viper.UnmarshalKey("verification", &verification); err != nil {
		return fmt.Errorf("parse verification settings: %w", err)
	}
	cfg.Verification = rental.DefaultVerificationPolicy()
	if verification.CallTimeoutSeconds > 0 {
		cfg.Verification.CallTimeout = time.Duration(verification.CallTimeoutSeconds) * time.Second
	}
	if verification.RetryIntervalSeconds > 0 {
		cfg.Verification.RetryInterval = time.Duration(verification.RetryIntervalSeconds) * time.Second
	}
	if verification.MaxRetries > 0 {
		cfg.Verification.MaxRetries = verification.MaxRetries
	}
	if verification.MaxWaitSeconds > 0 {
		cfg.Verification.MaxWait = time.Duration(verification.MaxWaitSeconds) * time.Second
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	pricing, err := rental.NewPricingTable(cfg.Tiers, cfg.Packages, cfg.Addresses)
	if err != nil {
		return fmt.Errorf("pricing config: %w", err)
	}

	var events rental.Presenter = rental.NopPresenter{}
	if cfg.AMQPURL != "" {
		amqpPresenter, err := presenter.NewAMQPPresenter(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return fmt.Errorf("presenter init: %w", err)
		}
		defer func() { _ = amqpPresenter.Close() }()
		events = amqpPresenter
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	operationLogger := newZapOperationLogger(logger)

	ledger, err := rental.NewLedger(store, rental.WithLedgerOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}
	engine, err := rental.NewEngine(store, ledger, pricing, cfg.PingQuota, clock,
		rental.WithEngineOperationLogger(operationLogger),
		rental.WithEnginePresenter(events))
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	oracle := chainoracle.NewRegistryFromPricing(pricing, cfg.APIKeys, nil)
	desk, err := rental.NewPaymentDesk(store, ledger, pricing, oracle, cfg.Verification, clock,
		rental.WithPaymentOperationLogger(operationLogger),
		rental.WithPaymentPresenter(events))
	if err != nil {
		return fmt.Errorf("payment desk init: %w", err)
	}
	sweeper, err := rental.NewSweeper(engine, cfg.SweepInterval, logger)
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}

	server, err := httpserver.NewServer(httpserver.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  cfg.AllowedOrigins,
		AdminSigningKey: cfg.AdminSigningKey,
	}, ledger, engine, desk, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	go sweeper.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

// openStore resolves the DSN scheme and builds the matching store: pgx for
// PostgreSQL, gorm over sqlite otherwise. The sqlite schema is auto-migrated;
// the PostgreSQL schema is managed externally.
func openStore(ctx context.Context, dsn string) (rental.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}
	switch driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		if err != nil {
			return nil, nil, err
		}
		if err := db.AutoMigrate(gormstore.Models()...); err != nil {
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error { return sqlDB.Close() }
		return gormstore.New(db.WithContext(ctx)), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
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
			path = "slotrental.db"
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
