package main

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

	"refundledger/observability/logging"
	telemetry "refundledger/observability/otel"
	indexer "refundledger/services/refund-indexer"
	"refundledger/services/refund-indexer/recon"
)

func main() {
	configFile := flag.String("config", "./refund-indexer.yaml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RFD_ENV"))
	logger := logging.Setup("refund-indexer", env)

	shutdownTelemetry, err := setupTelemetry(env)
	if err != nil {
		logger.Error("failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(*configFile, logger); err != nil {
		logger.Error("refund-indexer terminated", slog.Any("error", err))
		os.Exit(1)
	}
}

func setupTelemetry(env string) (func(context.Context) error, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	headers := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	return telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "refund-indexer",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     headers,
		Metrics:     true,
		Traces:      true,
	})
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := indexer.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := indexer.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	consumer, err := indexer.NewConsumer(db, cfg, logger)
	if err != nil {
		return fmt.Errorf("build consumer: %w", err)
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:        db,
		OutputDir: cfg.Recon.OutputDir,
		DryRun:    cfg.Recon.DryRun,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build reconciler: %w", err)
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Window:     cfg.Recon.Window.Duration,
		RunHour:    cfg.Recon.RunHour,
		RunMinute:  cfg.Recon.RunMinute,
		Logger:     logger,
	})

	server := indexer.NewServer(db, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server.Handler(), "refund-indexer"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := consumer.Run(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped", slog.Any("error", err))
		}
	}()
	go scheduler.Start(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("refund-indexer listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("ledger", cfg.LedgerURL),
			slog.String("driver", cfg.Database.Driver))
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
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// openDatabase selects the gorm dialector from the configured driver so the
// indexer package itself stays driver-agnostic.
func openDatabase(cfg indexer.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
