package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing wave events to NATS.
type Publisher interface {
	// PublishWave publishes a single wave event to JetStream.
	// The event is published to the subject "waves.{waver}".
	PublishWave(ctx context.Context, event *WaveEvent) error

	// PublishWaveBatch publishes multiple wave events.
	PublishWaveBatch(ctx context.Context, events []*WaveEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes wave events to NATS JetStream.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for waves.
	StreamName = "WAVES"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "waves.*"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour
)

// Subject returns the subject a waver's events are published on.
func Subject(waver string) string {
	return fmt.Sprintf("waves.%s", waver)
}

// Connect dials NATS with unlimited reconnects and opens a JetStream context.
func Connect(natsURL, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, js, err := Connect(natsURL, "waveportal-publisher")
	if err != nil {
		return nil, err
	}

	publisher := &JetStreamPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}

	if err := EnsureStream(context.Background(), js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// EnsureStream creates the JetStream stream if it doesn't exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	logger.Info("creating JetStream stream", "stream", StreamName)

	streamConfig := jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Waves appended to the portal contract",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		// Relay and sync may both see a wave; the signature dedupes them.
		Duplicates: 2 * time.Hour,
	}

	if _, err := js.CreateStream(ctx, streamConfig); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishWave publishes a single wave event.
func (p *JetStreamPublisher) PublishWave(ctx context.Context, event *WaveEvent) error {
	subject := Subject(event.Waver)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal wave event: %w", err)
	}

	var opts []jetstream.PublishOpt
	if event.Signature != "" {
		opts = append(opts, jetstream.WithMsgID(event.Signature))
	}
	if _, err := p.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("failed to publish wave: %w", err)
	}

	p.logger.Debug("published wave event",
		"subject", subject,
		"signature", event.Signature,
		"waver", event.Waver,
	)

	return nil
}

// PublishWaveBatch publishes multiple wave events. A failed event is logged
// and does not stop the rest of the batch.
func (p *JetStreamPublisher) PublishWaveBatch(ctx context.Context, events []*WaveEvent) error {
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		if err := p.PublishWave(ctx, event); err != nil {
			p.logger.Error("failed to publish wave in batch",
				"signature", event.Signature,
				"waver", event.Waver,
				"error", err,
			)
			continue
		}
	}

	p.logger.Debug("published wave batch", "count", len(events))
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
