package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/EspressoSystems/discord-faucet/config"
	"github.com/EspressoSystems/discord-faucet/faucet"
	"github.com/EspressoSystems/discord-faucet/observability/logging"
	telemetry "github.com/EspressoSystems/discord-faucet/observability/otel"
	"github.com/EspressoSystems/discord-faucet/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("faucetd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to faucetd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("FAUCET_ENV"))
	log := logging.Setup("faucetd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if otlpEndpoint != "" {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "faucetd",
			Environment: env,
			Endpoint:    otlpEndpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.Funding.PrivateKey, "0x"))
	if err != nil {
		// An unusable credential is not a crash loop: keep serving an
		// unhealthy /healthcheck so orchestration can observe and alert.
		log.Error("funding key unusable, serving health endpoint only", "error", err)
		return serveDegraded(stopCtx, cfg.ListenAddress, fmt.Sprintf("funding credential: %v", err))
	}

	dialCtx, cancel := context.WithTimeout(stopCtx, 10*time.Second)
	client, err := faucet.Dial(dialCtx, cfg.ChainRPCURL)
	cancel()
	if err != nil {
		log.Error("chain dial failed, serving health endpoint only", "error", err)
		return serveDegraded(stopCtx, cfg.ListenAddress, fmt.Sprintf("chain rpc: %v", err))
	}
	defer client.Close()

	chainCtx, cancel := context.WithTimeout(stopCtx, cfg.Faucet.RPCTimeout.Duration)
	chainID, err := client.ChainID(chainCtx)
	cancel()
	if err != nil {
		// Without the chain ID every signature would target the wrong chain.
		log.Error("chain id query failed, serving health endpoint only", "error", err)
		return serveDegraded(stopCtx, cfg.ListenAddress, fmt.Sprintf("chain id: %v", err))
	}

	amount, err := config.ParseUnits(cfg.Faucet.TransferAmount)
	if err != nil {
		return fmt.Errorf("transfer amount: %w", err)
	}
	var floor *big.Int
	if cfg.Funding.BalanceFloor != "" {
		if floor, err = config.ParseUnits(cfg.Funding.BalanceFloor); err != nil {
			return fmt.Errorf("balance floor: %w", err)
		}
	}

	opts := []faucet.ServiceOption{faucet.WithServiceLogger(log)}
	if path := strings.TrimSpace(cfg.Faucet.JournalPath); path != "" {
		journal, err := faucet.OpenJournal(path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() { _ = journal.Close() }()
		opts = append(opts, faucet.WithJournal(journal))
	}

	svc := faucet.NewService(client, key, chainID, faucet.ServiceConfig{
		Amount:            amount,
		Cooldown:          cfg.Faucet.Cooldown.Duration,
		InFlightCeiling:   cfg.Faucet.InFlightCeiling,
		ClientWait:        cfg.Faucet.ClientWait.Duration,
		ReconcileInterval: cfg.Faucet.ReconcileInterval.Duration,
		MaxLedgerAge:      cfg.Faucet.MaxLedgerAge.Duration,
		HealthInterval:    cfg.Server.HealthInterval.Duration,
		BalanceFloor:      floor,
		RPCTimeout:        cfg.Faucet.RPCTimeout.Duration,
		Submitter: faucet.SubmitterConfig{
			MaxAttempts:     cfg.Faucet.MaxAttempts,
			BackoffBase:     cfg.Faucet.BackoffBase.Duration,
			RPCTimeout:      cfg.Faucet.RPCTimeout.Duration,
			ReceiptPoll:     cfg.Faucet.ReceiptPoll.Duration,
			ConfirmTimeout:  cfg.Faucet.ConfirmTimeout.Duration,
			StatusRequeries: cfg.Faucet.StatusRequeries,
		},
	}, opts...)
	log.Info("faucet service ready", "account", svc.Account().Hex(), "chain_id", chainID.String())

	httpServer := &http.Server{
		Addr: cfg.ListenAddress,
		Handler: server.New(server.Config{
			Service:         svc,
			RequesterHeader: cfg.Server.RequesterHeader,
			RateLimit: server.RateLimit{
				RequestsPerMinute: cfg.Server.RequestsPerMinute,
				Burst:             cfg.Server.Burst,
			},
		}).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		log.Info("faucetd listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()
	go func() {
		errs <- svc.Run(stopCtx)
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
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// serveDegraded keeps the process alive with an always-unhealthy healthcheck
// when startup prerequisites are missing.
func serveDegraded(ctx context.Context, listen, reason string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"chain_reachable":false,"funded":false,"error":%q}`, reason)
	})
	httpServer := &http.Server{Addr: listen, Handler: mux}
	errs := make(chan error, 1)
	go func() { errs <- httpServer.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errs:
		return err
	}
}
