package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/waveportal/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the wave archive schema if it does not exist",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.EnsureSchema(c.Context); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
			fmt.Fprintln(c.App.Writer, "✓ Schema is up to date")
			return nil
		},
	}
}

func listWavesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-waves",
		Usage:   "List archived waves, newest first",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "Filter by waver address",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   100,
				Usage:   "Maximum number of waves to show",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of waves to skip",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			waves, err := store.ListWaves(c.Context, db.ListWavesParams{
				Address: c.String("address"),
				Limit:   int32(c.Int("limit")),
				Offset:  int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list waves: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, waves)
			}

			// Pretty table output
			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tWAVER\tSIGNATURE\tMESSAGE")
			for _, wave := range waves {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					wave.Timestamp.Format(time.RFC3339),
					wave.Address,
					formatOptional(wave.Signature),
					wave.Message,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d waves\n", len(waves))
			return nil
		},
	}
}

func countWavesCommand() *cli.Command {
	return &cli.Command{
		Name:  "count",
		Usage: "Count archived waves",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			n, err := store.CountWaves(c.Context)
			if err != nil {
				return fmt.Errorf("failed to count waves: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]int64{"count": n})
			}
			fmt.Fprintf(c.App.Writer, "%d waves archived\n", n)
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool), pool.Close, nil
}

func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "(unknown)"
}
