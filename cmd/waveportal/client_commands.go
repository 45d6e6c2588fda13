package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/waveportal/client"
	"github.com/urfave/cli/v2"
)

// errStreamDone ends a stream once enough states were printed.
var errStreamDone = errors.New("stream done")

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for driving a portal server",
		Subcommands: []*cli.Command{
			stateCommand(),
			connectCommand(),
			sayCommand(),
			refreshCommand(),
			dismissCommand(),
			streamCommand(),
			wavesCommand(),
		},
	}
}

func newPortalClient(c *cli.Context, timeout time.Duration) *client.Client {
	// Only errors to stderr
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: timeout}, logger)
}

func stateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Show the portal state",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to the state JSON",
			},
		},
		Action: func(c *cli.Context) error {
			st, err := newPortalClient(c, 30*time.Second).State(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get state: %w", err)
			}
			if expr := c.String("jq"); expr != "" {
				return outputJQ(c.App.Writer, expr, st)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, st)
			}
			printState(c.App.Writer, st)
			return nil
		},
	}
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Ask the server's wallet for access",
		Action: func(c *cli.Context) error {
			st, err := newPortalClient(c, 5*time.Minute).Connect(c.Context)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, st)
			}
			fmt.Fprintf(c.App.Writer, "✓ Connected as %s\n", st.Account)
			fmt.Fprintf(c.App.Writer, "  Waves: %d\n", st.TotalWaves)
			return nil
		},
	}
}

func sayCommand() *cli.Command {
	return &cli.Command{
		Name:      "say",
		Usage:     "Wave with a message",
		ArgsUsage: "MESSAGE",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Block until the wave is mined",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   2 * time.Minute,
				Usage:   "How long to wait for confirmation",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: message")
			}

			cl := newPortalClient(c, c.Duration("timeout"))
			if _, err := cl.SetMessage(c.Context, c.Args().First()); err != nil {
				return fmt.Errorf("failed to set message: %w", err)
			}

			res, err := cl.Submit(c.Context, c.Bool("wait"))
			if err != nil {
				return fmt.Errorf("failed to submit wave: %w", err)
			}
			if res == nil {
				fmt.Fprintln(c.App.Writer, "✓ Wave submitted (follow progress with: waveportal client stream)")
				return nil
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, res)
			}
			fmt.Fprintln(c.App.Writer, "✓ Wave mined")
			fmt.Fprintf(c.App.Writer, "  Signature:  %s\n", res.Handle)
			fmt.Fprintf(c.App.Writer, "  Slot:       %d\n", res.Slot)
			if !res.BlockTime.IsZero() {
				fmt.Fprintf(c.App.Writer, "  Block Time: %s\n", res.BlockTime.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Re-read the wave log and reopen the live feed",
		Action: func(c *cli.Context) error {
			st, err := newPortalClient(c, time.Minute).Refresh(c.Context)
			if err != nil {
				return fmt.Errorf("failed to refresh: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, st)
			}
			fmt.Fprintf(c.App.Writer, "✓ Refreshed: %d waves, live feed %s\n", st.TotalWaves, onOff(st.FeedActive))
			return nil
		},
	}
}

func dismissCommand() *cli.Command {
	return &cli.Command{
		Name:      "dismiss",
		Usage:     "Dismiss a notification",
		ArgsUsage: "NOTIFICATION_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: notification id")
			}
			if err := newPortalClient(c, 30*time.Second).Dismiss(c.Context, c.Args().First()); err != nil {
				return fmt.Errorf("failed to dismiss notification: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "✓ Dismissed %s\n", c.Args().First())
			return nil
		},
	}
}

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Stream portal state changes via SSE",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq filter each state must satisfy to be printed (repeatable)",
			},
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "Stop after printing this many states (0 = forever)",
			},
		},
		Action: func(c *cli.Context) error {
			codes, err := compileJQ(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}
			limit := c.Int("count")
			jsonOutput := c.Bool("json")

			// Create context that cancels on interrupt
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
					cancel()
				case <-ctx.Done():
				}
			}()

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Streaming portal state... (Ctrl+C to stop)\n\n")
			}

			printed := 0
			err = newPortalClient(c, 0).Stream(ctx, func(st *client.State) error {
				if len(codes) > 0 {
					input, err := toJQInput(st)
					if err != nil {
						return err
					}
					if !matchesAll(codes, input) {
						return nil
					}
				}
				if jsonOutput {
					data, err := json.Marshal(st)
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, string(data))
				} else {
					printState(c.App.Writer, st)
					fmt.Fprintln(c.App.Writer)
				}
				printed++
				if limit > 0 && printed >= limit {
					return errStreamDone
				}
				return nil
			})
			if err != nil && !errors.Is(err, errStreamDone) {
				return fmt.Errorf("state stream failed: %w", err)
			}
			return nil
		},
	}
}

func wavesCommand() *cli.Command {
	return &cli.Command{
		Name:  "waves",
		Usage: "List archived waves from the server",
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
				Usage:   "Maximum number of waves to return",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of waves to skip",
			},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq filter each wave must satisfy (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			codes, err := compileJQ(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			waves, err := newPortalClient(c, 30*time.Second).ListWaves(c.Context, client.ListWavesOptions{
				Address: c.String("address"),
				Limit:   c.Int("limit"),
				Offset:  c.Int("offset"),
			})
			if err != nil {
				return fmt.Errorf("failed to list waves: %w", err)
			}

			if len(codes) > 0 {
				filtered := make([]*client.Wave, 0, len(waves))
				for _, w := range waves {
					input, err := toJQInput(w)
					if err != nil {
						return err
					}
					if matchesAll(codes, input) {
						filtered = append(filtered, w)
					}
				}
				waves = filtered
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, waves)
			}

			tw := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tWAVER\tMESSAGE")
			for _, w := range waves {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", w.Timestamp.Format(time.RFC3339), w.Address, w.Message)
			}
			tw.Flush()
			fmt.Fprintf(os.Stderr, "\nTotal: %d waves\n", len(waves))
			return nil
		},
	}
}

func printState(w io.Writer, st *client.State) {
	account := st.Account
	if account == "" {
		account = "(not connected)"
	}
	fmt.Fprintf(w, "Account:    %s\n", account)
	fmt.Fprintf(w, "Waves:      %d\n", st.TotalWaves)
	fmt.Fprintf(w, "Live feed:  %s\n", onOff(st.FeedActive))
	if st.PendingMessageText != "" {
		fmt.Fprintf(w, "Draft:      %q\n", st.PendingMessageText)
	}
	if st.Pending != nil {
		fmt.Fprintf(w, "In flight:  %s (%s)\n", st.Pending.Handle, st.Pending.State)
	}
	for _, n := range st.Notifications {
		fmt.Fprintf(w, "[%s] %s: %s (id %s)\n", n.Kind, n.Title, n.Description, n.ID)
	}
	for i, r := range st.Records {
		if i == 10 {
			fmt.Fprintf(w, "  ... %d more\n", len(st.Records)-i)
			break
		}
		fmt.Fprintf(w, "  %s  %s  %s\n", r.Timestamp.Format(time.RFC3339), r.Address, r.Message)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// outputJQ prints every result of expr applied to v.
func outputJQ(w io.Writer, expr string, v interface{}) error {
	codes, err := compileJQ([]string{expr})
	if err != nil {
		return err
	}
	input, err := toJQInput(v)
	if err != nil {
		return fmt.Errorf("failed to convert output for jq: %w", err)
	}
	results, err := runJQ(codes[0], input)
	if err != nil {
		return fmt.Errorf("jq evaluation failed: %w", err)
	}
	enc := json.NewEncoder(w)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
