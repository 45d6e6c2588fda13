package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/waveportal/service/temporal"
	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

// syncClient is the part of the Temporal client the sync commands use.
type syncClient interface {
	temporal.Scheduler
	RunSync(ctx context.Context, contract string) (*temporal.SyncWavesResult, error)
	Close()
}

// dialSync connects to Temporal. Tests replace it.
var dialSync = func(c *cli.Context) (syncClient, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	tc, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
	if err != nil {
		return nil, err
	}
	return tc, nil
}

func syncCommands() *cli.Command {
	contractFlag := &cli.StringFlag{
		Name:    "contract",
		Aliases: []string{"c"},
		Usage:   "Contract account to sync",
		EnvVars: []string{"CONTRACT_ADDRESS"},
	}
	return &cli.Command{
		Name:  "sync",
		Usage: "Archive sync commands (Temporal)",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run one sync now and wait for the result",
				Flags: []cli.Flag{contractFlag},
				Action: func(c *cli.Context) error {
					contract, err := contractArg(c)
					if err != nil {
						return err
					}
					sc, err := dialSync(c)
					if err != nil {
						return err
					}
					defer sc.Close()

					result, err := sc.RunSync(c.Context, contract)
					if err != nil {
						return fmt.Errorf("sync failed: %w", err)
					}
					if c.Bool("json") {
						return outputJSON(c.App.Writer, result)
					}
					fmt.Fprintf(c.App.Writer, "✓ Sync complete for %s\n", result.Contract)
					fmt.Fprintf(c.App.Writer, "  Fetched:   %d\n", result.Fetched)
					fmt.Fprintf(c.App.Writer, "  Archived:  %d\n", result.Archived)
					fmt.Fprintf(c.App.Writer, "  Skipped:   %d\n", result.Skipped)
					fmt.Fprintf(c.App.Writer, "  Published: %d\n", result.Published)
					return nil
				},
			},
			{
				Name:  "schedule",
				Usage: "Create or update the periodic sync schedule",
				Flags: []cli.Flag{
					contractFlag,
					&cli.DurationFlag{
						Name:    "interval",
						Aliases: []string{"i"},
						Usage:   "Time between syncs",
						EnvVars: []string{"SYNC_INTERVAL"},
						Value:   5 * time.Minute,
					},
				},
				Action: func(c *cli.Context) error {
					contract, err := contractArg(c)
					if err != nil {
						return err
					}
					interval := c.Duration("interval")
					if interval < time.Second {
						return fmt.Errorf("interval must be at least 1s, got %v", interval)
					}
					sc, err := dialSync(c)
					if err != nil {
						return err
					}
					defer sc.Close()

					if err := sc.UpsertSyncSchedule(c.Context, contract, interval); err != nil {
						return fmt.Errorf("failed to schedule sync: %w", err)
					}
					fmt.Fprintf(c.App.Writer, "✓ Sync scheduled for %s every %v\n", contract, interval)
					return nil
				},
			},
			{
				Name:  "unschedule",
				Usage: "Delete the periodic sync schedule",
				Flags: []cli.Flag{contractFlag},
				Action: func(c *cli.Context) error {
					contract, err := contractArg(c)
					if err != nil {
						return err
					}
					sc, err := dialSync(c)
					if err != nil {
						return err
					}
					defer sc.Close()

					if err := sc.DeleteSyncSchedule(c.Context, contract); err != nil {
						return fmt.Errorf("failed to delete sync schedule: %w", err)
					}
					fmt.Fprintf(c.App.Writer, "✓ Sync schedule deleted for %s\n", contract)
					return nil
				},
			},
		},
	}
}

func contractArg(c *cli.Context) (string, error) {
	contract := c.String("contract")
	if contract == "" {
		return "", fmt.Errorf("contract is required (set CONTRACT_ADDRESS env var or use --contract)")
	}
	if _, err := solana.PublicKeyFromBase58(contract); err != nil {
		return "", fmt.Errorf("invalid contract address %q: %w", contract, err)
	}
	return contract, nil
}
