package main

import (
	"context"
	"fmt"
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
	"github.com/brojonat/waveportal/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

const (
	relayOrigin     = "relay"
	relayMaxBackoff = 30 * time.Second
)

// archiver stores waves and reports which were new.
type archiver interface {
	InsertWaves(ctx context.Context, recs []ledger.RawRecord) ([]ledger.RawRecord, error)
}

// waveRelay copies live waves into the archive and onto NATS.
type waveRelay struct {
	archive   archiver          // optional
	publisher natspkg.Publisher // optional
	logger    *slog.Logger
}

// handle archives rec and publishes it if it was not seen before. Without an
// archive every wave is published and JetStream drops duplicates.
func (r *waveRelay) handle(ctx context.Context, rec ledger.RawRecord) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	logger := r.logger.With("waver", rec.Waver, "timestamp", rec.Timestamp, "signature", rec.Signature)

	if r.archive != nil {
		inserted, err := r.archive.InsertWaves(ctx, []ledger.RawRecord{rec})
		if err != nil {
			logger.ErrorContext(ctx, "failed to archive wave", "error", err)
		} else if len(inserted) == 0 {
			logger.DebugContext(ctx, "wave already archived")
			return
		}
	}

	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishWave(ctx, natspkg.FromRawRecord(rec, relayOrigin)); err != nil {
		logger.ErrorContext(ctx, "failed to publish wave", "error", err)
		return
	}
	logger.InfoContext(ctx, "wave relayed")
}

// run keeps a feed subscription open until ctx ends, resubscribing with
// backoff whenever the feed terminates.
func (r *waveRelay) run(ctx context.Context, feed ledger.Feed, initialBackoff time.Duration) error {
	backoff := initialBackoff
	for {
		sub, err := feed.Subscribe(ctx, ledger.NewWaveTopic, func(rec ledger.RawRecord) {
			r.handle(ctx, rec)
		})
		if err != nil {
			r.logger.WarnContext(ctx, "failed to subscribe to live feed", "error", err, "retry_in", backoff)
		} else {
			r.logger.InfoContext(ctx, "live feed subscribed")
			backoff = initialBackoff
			select {
			case <-sub.Done():
				r.logger.WarnContext(ctx, "live feed terminated", "retry_in", backoff)
			case <-ctx.Done():
				sub.Unsubscribe()
				return nil
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > relayMaxBackoff {
			backoff = relayMaxBackoff
		}
	}
}

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Relay the live ledger feed into the archive and NATS",
		Description: `Subscribe to the contract's live wave feed on Solana. Every new wave is
inserted into the archive (if DATABASE_URL is set) and published to NATS
JetStream on waves.{waver}, where portal servers with FEED_SOURCE=nats pick
it up.

Requires SOLANA_RPC_URL and CONTRACT_ADDRESS.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-publish",
				Usage: "Archive only, do not publish to NATS",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
			m := metrics.NewMetrics(nil)

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			relay := &waveRelay{logger: logger}

			if cfg.DatabaseURL != "" {
				pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("failed to connect to database: %w", err)
				}
				defer pool.Close()
				store := db.NewStore(pool)
				if err := store.EnsureSchema(ctx); err != nil {
					return fmt.Errorf("failed to apply schema: %w", err)
				}
				relay.archive = store
			}

			if !c.Bool("no-publish") {
				publisher, err := natspkg.NewPublisher(c.String("nats-url"), logger)
				if err != nil {
					return err
				}
				defer publisher.Close()
				relay.publisher = publisher
			}

			if relay.archive == nil && relay.publisher == nil {
				return fmt.Errorf("nothing to relay to: set DATABASE_URL or drop --no-publish")
			}

			rpcClient, err := solana.NewRPCClient(cfg.SolanaRPCURLs)
			if err != nil {
				return err
			}
			contract := solanago.MustPublicKeyFromBase58(cfg.ContractAddress)
			wavesLedger := solana.NewLedger(rpcClient, solana.Config{
				Contract:            contract,
				PageSize:            cfg.ReadPageSize,
				ConfirmPollInterval: cfg.ConfirmPollInterval,
			}, m, logger)
			feed := solana.NewLogFeed(cfg.SolanaWSURL, wavesLedger, logger)

			logger.Info("relay starting",
				"contract", cfg.ContractAddress,
				"ws_url", cfg.SolanaWSURL,
				"archive", relay.archive != nil,
				"publish", relay.publisher != nil,
			)
			return relay.run(ctx, feed, time.Second)
		},
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

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
