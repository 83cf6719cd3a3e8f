package xungateway

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/xun-project/UltraNote-WP-PaymentGateway/observability"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/observability/logging"
	telemetry "github.com/xun-project/UltraNote-WP-PaymentGateway/observability/otel"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/amount"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/daemonrpc"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/notify"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/orders"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/pricing"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/recon"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/scanstate"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/server"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/wallet"
)

const serviceName = "xun-gatewayd"

// Main initialises and runs the payment gateway daemon.
func Main() error {
	var (
		cfgPath     string
		resetHeight string
	)
	flag.StringVar(&cfgPath, "config", "services/xungateway/config.yaml", "path to gateway configuration (yaml or toml)")
	flag.StringVar(&resetHeight, "reset-scan", "", "reset the scan state to the given height (0 for the configured start) and exit")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(os.Getenv("XUN_ENV"))
	if env == "" {
		env = cfg.Environment
	}

	logger, logCloser := logging.Setup(logging.Options{
		Service:    serviceName,
		Env:        env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	insecure := true
	if cfg.Telemetry.Insecure != nil {
		insecure = *cfg.Telemetry.Insecure
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	logger.Info("starting gateway",
		slog.String("listen", cfg.ListenAddress),
		slog.String("market_address", cfg.MarketAddress),
		slog.String("daemon_url", cfg.Daemon.URL),
		slog.String("database", logging.MaskDSN(cfg.Database.DSN)),
		logging.MaskField("daemon_password", cfg.Daemon.Password),
		logging.MaskField("webhook_secret", cfg.Notify.WebhookSecret))

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := orders.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate orders: %w", err)
	}

	state, closeState, err := openScanState(cfg.Scan, db)
	if err != nil {
		return err
	}
	defer closeState()
	if resetHeight != "" {
		height, err := strconv.ParseUint(strings.TrimSpace(resetHeight), 10, 64)
		if err != nil {
			return fmt.Errorf("parse reset-scan height: %w", err)
		}
		if err := state.Reset(context.Background(), height); err != nil {
			return fmt.Errorf("reset scan state: %w", err)
		}
		logger.Warn("scan state reset, unconsumed amounts cleared", slog.Uint64("height", height))
		return nil
	}

	metrics := observability.Gateway()

	daemon, err := daemonrpc.NewClient(daemonrpc.Config{
		URL:                 cfg.Daemon.URL,
		Username:            cfg.Daemon.Username,
		Password:            cfg.Daemon.Password,
		Timeout:             cfg.Daemon.Timeout.Duration,
		RequestsPerMinute:   cfg.Daemon.RequestsPerMinute,
		Anonymity:           cfg.Daemon.Anonymity,
		Fee:                 cfg.Daemon.Fee,
		IncludeAllTransfers: cfg.Daemon.IncludeAllTransfers,
	})
	if err != nil {
		return fmt.Errorf("init daemon client: %w", err)
	}

	quotes := pricing.NewCoinGecko(&http.Client{
		Timeout:   cfg.Pricing.Timeout.Duration,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}, cfg.Pricing.Endpoint, cfg.Pricing.AssetID)
	store := orders.NewStore(db, nil)
	checkout, err := orders.NewCheckout(orders.CheckoutConfig{
		Store:           store,
		Pricer:          amount.NewCodec(quotes),
		PayTo:           cfg.MarketAddress,
		DefaultCurrency: cfg.Currency,
		Collisions:      metrics,
		Logger:          logger.With(slog.String("component", "checkout")),
	})
	if err != nil {
		return fmt.Errorf("init checkout: %w", err)
	}

	var notifier recon.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		hook, err := notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, cfg.Notify.Timeout.Duration)
		if err != nil {
			return fmt.Errorf("init webhook: %w", err)
		}
		notifier = hook
	}

	var locker recon.Locker
	if cfg.Recon.Lock == LockPostgres {
		locker = recon.NewPostgresLocker(db, cfg.Recon.LockKey)
	}

	engine, err := recon.NewEngine(recon.Config{
		Chain:             daemon,
		State:             state,
		Orders:            store,
		Repricer:          checkout,
		Notifier:          notifier,
		Locker:            locker,
		Metrics:           metrics,
		Logger:            logger,
		MaxBlocksPerCycle: cfg.Scan.MaxBlocksPerCycle,
		MaxCycleDuration:  cfg.Recon.MaxCycleDuration.Duration,
	})
	if err != nil {
		return fmt.Errorf("init reconciliation: %w", err)
	}

	market, err := wallet.NewService(daemon, cfg.MarketAddress, metrics, logger.With(slog.String("component", "wallet")))
	if err != nil {
		return fmt.Errorf("init wallet: %w", err)
	}

	auth, err := server.NewAuthenticator(server.AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		JWTSecret:   cfg.Admin.JWTSecret,
		JWTIssuer:   cfg.Admin.JWTIssuer,
	})
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	api, err := server.New(server.Config{
		Checkout:   checkout,
		Orders:     store,
		Reconciler: engine,
		Wallet:     market,
		Auth:       auth,
		RateLimit:  server.RateLimit{RequestsPerMinute: cfg.Admin.RequestsPerMinute, Burst: cfg.Admin.Burst},
		Metrics:    metrics,
		Logger:     logger.With(slog.String("component", "api")),
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(api.Handler(), serviceName),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Recon.MaxCycleDuration.Duration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Engine:     engine,
		Interval:   cfg.Recon.Interval.Duration,
		RunOnStart: cfg.Recon.RunOnStart,
		Logger:     logger.With(slog.String("component", "scheduler")),
	})
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Start(stopCtx)
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", slog.String("listen", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		<-schedulerDone
		return nil
	case err := <-errs:
		stop()
		<-schedulerDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func openDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		dialector = postgres.Open(cfg.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return db, nil
}

type scanStateStore interface {
	recon.StateStore
	Reset(ctx context.Context, height uint64) error
}

func openScanState(cfg ScanConfig, db *gorm.DB) (scanStateStore, func(), error) {
	if cfg.StateBackend == StateBackendSQL {
		store, err := scanstate.NewSQLStore(db, cfg.StartHeight)
		if err != nil {
			return nil, nil, fmt.Errorf("open scan state: %w", err)
		}
		return store, func() {}, nil
	}
	store, err := scanstate.NewBoltStore(cfg.StatePath, cfg.StartHeight)
	if err != nil {
		return nil, nil, fmt.Errorf("open scan state %s: %w", cfg.StatePath, err)
	}
	return store, func() { _ = store.Close() }, nil
}
