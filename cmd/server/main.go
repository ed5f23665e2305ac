// Command server runs the trading platform: the ledger store, the exchange
// client, the per-algorithm supervisors, the price-anchor task and the chart
// broadcaster.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"algonline/internal/alert"
	"algonline/internal/algorithm"
	"algonline/internal/config"
	"algonline/internal/core"
	"algonline/internal/exchange/binance"
	"algonline/internal/ledger"
	"algonline/pkg/concurrency"
	"algonline/pkg/liveserver"
	"algonline/pkg/logging"
	"algonline/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/server.yaml", "Path to configuration file")
	listenAddr := flag.String("listen", "", "Client socket listen address (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting server",
		"version", version,
		"symbol", cfg.Trading.Symbol,
		"listen_addr", cfg.Server.ListenAddr,
		"database_driver", cfg.Database.Driver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("algonline")
		if err != nil {
			logger.Warn("Telemetry setup failed", "error", err)
		} else {
			defer tel.Shutdown(context.Background())
			if err := telemetry.GetGlobalMetrics().InitMetrics(telemetry.GetMeter("algonline")); err != nil {
				logger.Warn("Metric instruments not initialized", "error", err)
			}
		}

		// Dedicated scrape endpoint, separate from the client-facing port.
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
			logger.Info("Metrics endpoint listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("Metrics endpoint failed", "error", err)
			}
		}()
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Store initialization failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	for _, dir := range []string{cfg.Script.AlgoDir, cfg.Script.ShmemDir, cfg.Script.SocketDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("Workspace directory not writable", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	exchangeClient := binance.NewClient(&cfg.Exchange, cfg.Trading.Symbol, logger)
	if !exchangeClient.Ping(ctx) {
		logger.Warn("Exchange ping failed (will continue)")
	}

	manager := algorithm.NewManager(cfg, exchangeClient, store, logger)

	alerts := alert.NewAlertManager(logger)
	if url := string(cfg.Alerts.SlackWebhookURL); url != "" {
		alerts.AddChannel(alert.NewSlackChannel(url))
	}
	if token := string(cfg.Alerts.TelegramBotToken); token != "" {
		alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}
	manager.SetAlerts(alerts)

	anchor := &algorithm.AnchorTask{
		Store:    store,
		Price:    exchangeClient.Price,
		Interval: time.Duration(cfg.Trading.AnchorIntervalSec) * time.Second,
		Logger:   logger.WithField("component", "anchor"),
	}
	go anchor.Run(ctx)

	broadcastPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "broadcast",
		MaxWorkers:  cfg.Concurrency.BroadcastPoolSize,
		MaxCapacity: cfg.Concurrency.BroadcastPoolBuffer,
		NonBlocking: true,
	}, logger)
	defer broadcastPool.Stop()

	server := liveserver.NewServer(liveserver.Deps{
		Store: store,
		Streams: func(interval string) liveserver.TickStream {
			return exchangeClient.StreamKlines(interval)
		},
		Authenticate: func(ctx context.Context, sessionToken string) error {
			return exchangeClient.Authenticate(ctx, sessionToken, store)
		},
		StaticAPIKey: string(cfg.Server.APIKey),
		Pool:         broadcastPool,
		Logger:       logger,
	}, []string{"*"})

	go func() {
		if err := server.Start(ctx, cfg.Server.ListenAddr); err != nil {
			logger.Error("Server error", "error", err)
			cancel()
		}
	}()

	logger.Info("Server is running",
		"websocket_url", fmt.Sprintf("ws://localhost%s/ws", cfg.Server.ListenAddr),
		"health_url", fmt.Sprintf("http://localhost%s/health", cfg.Server.ListenAddr),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal, gracefully shutting down")
	case <-ctx.Done():
	}
	cancel()

	for _, id := range manager.Registry().ActiveIDs() {
		if err := manager.Stop(id); err != nil {
			logger.Warn("Stop during shutdown failed", "algorithm_id", id, "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}

	logger.Info("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger core.ILogger) (ledger.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return ledger.NewPostgresStore(ctx, cfg.Database.URL, logger)
	case "sqlite":
		return ledger.NewSQLiteStore(cfg.Database.Path)
	default:
		return ledger.NewMemoryStore(), nil
	}
}
