package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/wakala/settlement/internal/aggregator"
	"github.com/wakala/settlement/internal/api"
	"github.com/wakala/settlement/internal/clock"
	"github.com/wakala/settlement/internal/config"
	"github.com/wakala/settlement/internal/logging"
	"github.com/wakala/settlement/internal/metrics"
	"github.com/wakala/settlement/internal/reconciliation"
	"github.com/wakala/settlement/internal/repository"
	"github.com/wakala/settlement/internal/settlement"
	"github.com/wakala/settlement/internal/webhook"
)

func main() {
	var configPath string
	flagSet := pflag.NewFlagSet("settlement-server", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("SETTLEMENT_CONFIG"), "path to a YAML config file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if err := run(configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel)
	log := logging.Component("server")

	log.Info("opening database", "driver", cfg.Database.Driver)
	db, err := repository.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store := repository.NewStore(db)
	defer store.Close()

	clk := clock.RealClock{}
	m := metrics.New(prometheus.DefaultRegisterer)

	gateway := aggregator.NewClient(aggregator.Config{
		BaseURL:    cfg.Aggregator.BaseURL,
		MerchantID: cfg.Aggregator.MerchantID,
		APIKey:     cfg.Aggregator.APIKey,
		NotifyURL:  cfg.Aggregator.NotifyURL,
		Version:    cfg.Aggregator.Version,
		Timeout:    cfg.Aggregator.Timeout,
		Retry: aggregator.RetryPolicy{
			MaxAttempts: cfg.Aggregator.RetryAttempts,
			Interval:    cfg.Aggregator.RetryInterval,
		},
		Clock:   clk,
		Metrics: m,
	})

	orch := settlement.New(settlement.Deps{
		Store:   store,
		Gateway: gateway,
		IDs:     aggregator.NewOrderIDGenerator(cfg.Orders.IDPrefix, clk),
		Clock:   clk,
		Metrics: m,
	})
	hooks := webhook.New(webhook.Deps{
		Store:   store,
		Settler: orch,
		Secret:  cfg.Aggregator.APIKey,
		Clock:   clk,
		Metrics: m,
	})
	sweeper := reconciliation.NewService(store, gateway, orch, hooks, clk, m, reconciliation.Config{
		Grace:      cfg.Sweep.Grace,
		StaleAfter: cfg.Sweep.StaleAfter,
		BatchSize:  cfg.Sweep.BatchSize,
	})

	router := api.NewRouter(api.Deps{
		Store:        store,
		Orchestrator: orch,
		Webhooks:     hooks,
		Aggregator:   gateway,
		Metrics:      metrics.Handler(prometheus.DefaultGatherer),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(ctx, cfg.Sweep.Interval)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("settlement core listening",
		"addr", cfg.HTTP.Addr,
		"aggregator", cfg.Aggregator.BaseURL,
		"sweep_interval", cfg.Sweep.Interval,
	)
	for _, ep := range []string{
		"POST   /api/v1/transactions",
		"GET    /api/v1/transactions",
		"GET    /api/v1/transactions/{orderID}",
		"POST   /webhooks/payment-notification",
		"GET    /api/v1/ledger",
		"GET    /api/v1/rates",
		"GET    /api/v1/discrepancies",
		"GET    /api/v1/discrepancies/summary",
		"GET    /api/v1/aggregator/balance",
		"POST   /api/v1/aggregator/bill",
		"GET    /api/v1/aggregator/statement",
		"GET    /metrics",
	} {
		log.Debug("endpoint", "route", ep)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
