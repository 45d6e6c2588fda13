package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/waveportal/service/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams wave events from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to wave events",
		ArgsUsage: "[waver_address]",
		Description: `Subscribe to wave events published to NATS JetStream by the relay and the
sync worker.

Events are published to the subject: waves.{waver_address}. Without an
address every waver is followed.

Example:
  waveportal nats subscribe EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "waveportal-cli",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay every retained wave instead of only new ones",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.StreamSubjects
			if c.NArg() > 0 {
				subject = natspkg.Subject(c.Args().First())
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: jetstream.DeliverNewPolicy,
			}
			if c.Bool("all") {
				consumerConfig.DeliverPolicy = jetstream.DeliverAllPolicy
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			return streamWaves(c, consumerConfig)
		},
	}
}

// streamWaves connects to NATS and prints wave events until interrupted.
func streamWaves(c *cli.Context, consumerConfig jetstream.ConsumerConfig) error {
	natsURL := c.String("nats-url")
	jsonOutput := c.Bool("json")

	nc, js, err := natspkg.Connect(natsURL, "waveportal-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	if !jsonOutput {
		fmt.Fprintf(c.App.Writer, "📡 Subscribing to: %s\n", consumerConfig.FilterSubject)
		fmt.Fprintf(c.App.Writer, "   NATS: %s\n", natsURL)
		if consumerConfig.Durable != "" {
			fmt.Fprintf(c.App.Writer, "   Consumer: %s (durable)\n", consumerConfig.Durable)
		}
		fmt.Fprintf(c.App.Writer, "\nWaiting for waves... (Ctrl-C to exit)\n\n")
	}

	cons, err := js.CreateOrUpdateConsumer(c.Context, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	msgChan := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.WaveEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				}
				msg.Ack()
				continue
			}

			count++
			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Fprintln(c.App.Writer, string(data))
			} else {
				printWaveEvent(c.App.Writer, count, &event)
			}
			msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Fprintf(c.App.Writer, "\n\n✅ Received %d waves\n", count)
			}
			return nil

		case <-c.Context.Done():
			return nil
		}
	}
}

func printWaveEvent(w io.Writer, n int, event *natspkg.WaveEvent) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Wave #%d\n", n)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Waver:        %s\n", event.Waver)
	fmt.Fprintf(w, "Time:         %s\n", time.Unix(event.Timestamp, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Message:      %s\n", event.Message)
	if event.Signature != "" {
		fmt.Fprintf(w, "Signature:    %s\n", event.Signature)
	}
	if event.Slot != 0 {
		fmt.Fprintf(w, "Slot:         %d\n", event.Slot)
	}
	fmt.Fprintf(w, "Origin:       %s\n", event.Origin)
	fmt.Fprintf(w, "Published:    %s\n\n", event.PublishedAt.Format(time.RFC3339))
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the WAVES JetStream stream",
		Description: `Show information about the JetStream stream including:
- Message count
- Consumers
- Storage usage

Example:
  waveportal nats inspect-stream`,
		Action: func(c *cli.Context) error {
			nc, js, err := natspkg.Connect(c.String("nats-url"), "waveportal-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()

			stream, err := js.Stream(ctx, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
			fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
			fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
			fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
			fmt.Fprintf(w, "Duplicates:   %s\n", info.Config.Duplicates)
			fmt.Fprintf(w, "\n")
			return nil
		},
	}
}
