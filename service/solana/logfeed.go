package solana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/waveportal/service/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// logSource is the part of a websocket log subscription the feed reads from.
type logSource interface {
	Recv(ctx context.Context) (*ws.LogResult, error)
}

// LogFeed delivers new waves by subscribing to program logs that mention the
// contract account and fetching each mentioned transaction.
type LogFeed struct {
	wsURL  string
	ledger *Ledger
	logger *slog.Logger

	fetchAttempts int
	fetchBackoff  time.Duration
}

var _ ledger.Feed = (*LogFeed)(nil)

// NewLogFeed creates a feed on the given websocket endpoint. Transactions are
// resolved through l.
func NewLogFeed(wsURL string, l *Ledger, logger *slog.Logger) *LogFeed {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &LogFeed{
		wsURL:         wsURL,
		ledger:        l,
		logger:        logger,
		fetchAttempts: 5,
		fetchBackoff:  500 * time.Millisecond,
	}
}

// Subscribe opens the websocket and starts delivering waves to onRecord from
// a background goroutine. ctx bounds only the connection attempt; the feed
// runs until Unsubscribe or until the socket fails.
func (f *LogFeed) Subscribe(ctx context.Context, topic string, onRecord func(ledger.RawRecord)) (ledger.Subscription, error) {
	if topic != ledger.NewWaveTopic {
		return nil, fmt.Errorf("unsupported topic %q", topic)
	}

	client, err := ws.Connect(ctx, f.wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", f.wsURL, err)
	}

	logs, err := client.LogsSubscribeMentions(f.ledger.Contract(), rpc.CommitmentConfirmed)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to contract logs: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := ledger.NewSub(func() error {
		cancel()
		logs.Unsubscribe()
		client.Close()
		return nil
	})

	f.logger.InfoContext(ctx, "subscribed to contract logs",
		"contract", f.ledger.Contract().String(),
		"topic", topic,
	)
	go f.run(runCtx, logs, sub, onRecord)
	return sub, nil
}

func (f *LogFeed) run(ctx context.Context, logs logSource, sub *ledger.Sub, onRecord func(ledger.RawRecord)) {
	for {
		result, err := logs.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.WarnContext(ctx, "contract log subscription ended", "error", err)
			sub.End(fmt.Errorf("log subscription: %w", err))
			return
		}
		if result == nil || result.Value.Err != nil {
			continue
		}

		rec, ok := f.resolve(ctx, result.Value.Signature)
		if ok {
			onRecord(rec)
		}
	}
}

// resolve fetches the transaction behind a log notification. The RPC node
// may lag the notification, so lookups other than non-waves are retried.
func (f *LogFeed) resolve(ctx context.Context, signature solana.Signature) (ledger.RawRecord, bool) {
	for attempt := range f.fetchAttempts {
		rec, err := f.ledger.fetchRecord(ctx, signature)
		if err == nil {
			return rec, true
		}
		if errors.Is(err, errNotWave) {
			return ledger.RawRecord{}, false
		}
		f.logger.DebugContext(ctx, "failed to fetch logged transaction",
			"signature", signature.String(),
			"attempt", attempt+1,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ledger.RawRecord{}, false
		case <-time.After(f.fetchBackoff * time.Duration(attempt+1)):
		}
	}

	f.logger.WarnContext(ctx, "giving up on logged transaction", "signature", signature.String())
	return ledger.RawRecord{}, false
}
