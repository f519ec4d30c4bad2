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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"refundledger/config"
	"refundledger/core"
	"refundledger/core/events"
	"refundledger/observability/logging"
	telemetry "refundledger/observability/otel"
	"refundledger/rpc"
	"refundledger/storage"
)

const (
	rpcTokenEnv  = "RFD_RPC_TOKEN"
	jwtSecretEnv = "RFD_RPC_JWT_SECRET"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Override the RPC listen address from the config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RFD_ENV"))
	logger := logging.Setup("refundd", env)

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

	if err := run(*configFile, *listenFlag, logger); err != nil {
		logger.Error("refundd terminated", slog.Any("error", err))
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
		ServiceName: "refundd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     headers,
		Metrics:     true,
		Traces:      true,
	})
}

func run(configPath, listenOverride string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	listen := strings.TrimSpace(listenOverride)
	if listen == "" {
		listen = cfg.RPCAddress
	}

	genesis, err := decodeGenesis(cfg.Genesis)
	if err != nil {
		return err
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	journal, err := events.OpenJournal(cfg.JournalFile())
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	defer func() { _ = journal.Close() }()

	ledger, err := core.NewLedger(db, journal, logger, genesis)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	server := rpc.NewServer(ledger, logger, rpc.ServerConfig{
		Auth: rpc.AuthConfig{
			Token:       strings.TrimSpace(os.Getenv(rpcTokenEnv)),
			JWTSecret:   strings.TrimSpace(os.Getenv(jwtSecretEnv)),
			JWTIssuer:   cfg.JWTIssuer,
			JWTAudience: cfg.JWTAudience,
		},
		MutationsPerMinute: cfg.MutationsPerMinute,
		TrustProxyHeaders:  cfg.TrustProxyHeaders,
	})

	httpServer := &http.Server{
		Addr:              listen,
		Handler:           otelhttp.NewHandler(server.Handler(), "refundd"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		checkpoint := ledger.Checkpoint()
		logger.Info("refundd listening",
			slog.String("address", listen),
			slog.String("network", cfg.NetworkName),
			slog.Uint64("revision", checkpoint.Revision))
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

func decodeGenesis(allocs []config.GenesisAlloc) ([]core.GenesisAccount, error) {
	accounts := make([]core.GenesisAccount, 0, len(allocs))
	for i, alloc := range allocs {
		addr, balance, err := alloc.Decode()
		if err != nil {
			return nil, fmt.Errorf("genesis alloc %d: %w", i, err)
		}
		accounts = append(accounts, core.GenesisAccount{Address: addr, Balance: balance})
	}
	return accounts, nil
}
