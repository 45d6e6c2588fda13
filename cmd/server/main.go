package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/waveportal/service/config"
	"github.com/brojonat/waveportal/service/db"
	"github.com/brojonat/waveportal/service/ledger"
	"github.com/brojonat/waveportal/service/metrics"
	natspkg "github.com/brojonat/waveportal/service/nats"
	"github.com/brojonat/waveportal/service/notify"
	"github.com/brojonat/waveportal/service/portal"
	"github.com/brojonat/waveportal/service/records"
	"github.com/brojonat/waveportal/service/server"
	"github.com/brojonat/waveportal/service/solana"
	"github.com/brojonat/waveportal/service/txn"
	"github.com/brojonat/waveportal/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"contract", cfg.ContractAddress,
		"feed_source", cfg.FeedSource,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize Solana ledger
	// Note: For premium RPC endpoints, include API key in the URL
	rpcClient, err := solana.NewRPCClient(cfg.SolanaRPCURLs)
	if err != nil {
		logger.Error("failed to create solana RPC client", "error", err)
		os.Exit(1)
	}
	wavesLedger := solana.NewLedger(rpcClient, solana.Config{
		Contract:            solanago.MustPublicKeyFromBase58(cfg.ContractAddress),
		PageSize:            cfg.ReadPageSize,
		ConfirmPollInterval: cfg.ConfirmPollInterval,
	}, metricsCollector, logger)
	logger.Info("initialized solana ledger", "total_endpoints", len(cfg.SolanaRPCURLs))

	// Initialize the live feed
	var feed ledger.Feed
	switch cfg.FeedSource {
	case config.FeedSourceNATS:
		nc, js, err := natspkg.Connect(cfg.NATSURL, "waveportal-server")
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		if err := natspkg.EnsureStream(ctx, js, logger); err != nil {
			logger.Error("failed to ensure NATS stream", "error", err)
			os.Exit(1)
		}
		feed = natspkg.NewFeed(js, logger)
		logger.Info("live feed from NATS", "url", cfg.NATSURL)
	default:
		feed = solana.NewLogFeed(cfg.SolanaWSURL, wavesLedger, logger)
		logger.Info("live feed from solana logs", "ws_url", cfg.SolanaWSURL)
	}

	// Initialize wallet provider. Without a keypair the portal runs read-only
	// and tells the user no wallet was found.
	var provider wallet.Provider
	if cfg.WalletKeypairPath != "" {
		// Auto approval treats the connect and submit requests as consent.
		var approver wallet.Approver = wallet.AutoApprove{}
		if cfg.WalletApproval == config.WalletApprovalPrompt {
			approver = wallet.NewPromptApprover(os.Stdin, os.Stderr)
		}
		kp, err := wallet.LoadKeypairProvider(cfg.WalletKeypairPath, approver, cfg.WalletAuthorizedAccounts)
		if err != nil {
			logger.Error("failed to load wallet keypair", "error", err)
			os.Exit(1)
		}
		provider = kp
		logger.Info("wallet provider loaded", "provider", kp.Name(), "approval", cfg.WalletApproval)
	} else {
		logger.Warn("no wallet keypair configured, portal is read-only")
	}

	// Wire the portal
	notifications := notify.New(
		notify.WithDwell(cfg.NotificationDwell),
		notify.WithMetrics(metricsCollector),
		notify.WithLogger(logger),
	)
	session := wallet.NewSession(provider, notifications,
		wallet.WithLogger(logger),
		wallet.WithMetrics(metricsCollector),
	)
	store := records.New(wavesLedger, feed, session, notifications,
		records.WithLogger(logger),
		records.WithMetrics(metricsCollector),
	)
	coordinator := txn.New(session, wavesLedger, store, notifications, txn.Config{
		ComputeUnitLimit: cfg.GasLimit,
		TipLamports:      cfg.WaveTipLamports,
		ConfirmTimeout:   cfg.ConfirmTimeout,
	}, txn.WithLogger(logger), txn.WithMetrics(metricsCollector))

	p := portal.New(session, store, coordinator, notifications, logger)
	defer p.Close()
	p.Mount(ctx)

	// Initialize the optional wave archive
	var archive server.Archive
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		// Verify database connection
		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		dbStore := db.NewStore(dbPool)
		if err := dbStore.EnsureSchema(ctx); err != nil {
			logger.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		archive = dbStore
		logger.Info("connected to database, archive listing enabled")
	}

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, p, archive, metricsCollector, logger)
	if err := httpServer.WithTemplates(); err != nil {
		logger.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	logger.Info("server initialized, all dependencies ready",
		"account", p.State().Account,
		"waves", p.State().TotalWaves,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Close the portal first so open state streams end.
		p.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
