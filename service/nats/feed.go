package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/brojonat/waveportal/service/ledger"
	"github.com/nats-io/nats.go/jetstream"
)

// Feed is a ledger.Feed backed by the WAVES stream. Each subscription gets
// its own ephemeral consumer that only delivers waves published after it
// was created.
type Feed struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

var _ ledger.Feed = (*Feed)(nil)

// NewFeed creates a feed over an open JetStream context.
func NewFeed(js jetstream.JetStream, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Feed{js: js, logger: logger}
}

// Subscribe creates the consumer and starts delivering to onRecord.
func (f *Feed) Subscribe(ctx context.Context, topic string, onRecord func(ledger.RawRecord)) (ledger.Subscription, error) {
	if topic != ledger.NewWaveTopic {
		return nil, fmt.Errorf("unsupported topic %q", topic)
	}

	cons, err := f.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: StreamSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		f.deliver(msg.Data(), onRecord)
		if err := msg.Ack(); err != nil {
			f.logger.Warn("failed to ack wave event", "error", err)
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		f.logger.Warn("wave consumer error", "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	sub := ledger.NewSub(func() error {
		cc.Stop()
		return nil
	})
	go func() {
		select {
		case <-cc.Closed():
			sub.End(fmt.Errorf("wave consumer closed"))
		case <-sub.Done():
		}
	}()

	f.logger.InfoContext(ctx, "subscribed to wave stream", "stream", StreamName, "topic", topic)
	return sub, nil
}

// deliver decodes one event. Malformed events are logged and dropped.
func (f *Feed) deliver(data []byte, onRecord func(ledger.RawRecord)) bool {
	var event WaveEvent
	if err := json.Unmarshal(data, &event); err != nil {
		f.logger.Warn("failed to unmarshal wave event", "error", err)
		return false
	}
	if event.Waver == "" || event.Timestamp == 0 {
		f.logger.Warn("dropping wave event without identity", "signature", event.Signature)
		return false
	}
	onRecord(event.RawRecord())
	return true
}
