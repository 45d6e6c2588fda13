package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/waveportal/service/ledger"
	natspkg "github.com/brojonat/waveportal/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchive struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (a *fakeArchive) InsertWaves(ctx context.Context, recs []ledger.RawRecord) ([]ledger.RawRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	if a.seen == nil {
		a.seen = make(map[string]bool)
	}
	var inserted []ledger.RawRecord
	for _, rec := range recs {
		key := rec.Waver + "/" + rec.Message
		if !a.seen[key] {
			a.seen[key] = true
			inserted = append(inserted, rec)
		}
	}
	return inserted, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestRelayHandle(t *testing.T) {
	publisher := natspkg.NewMockPublisher()
	relay := &waveRelay{archive: &fakeArchive{}, publisher: publisher, logger: discardLogger()}
	rec := ledger.RawRecord{Waver: "Wave1111", Timestamp: 100, Message: "gm", Signature: "sig1"}

	relay.handle(context.Background(), rec)
	relay.handle(context.Background(), rec)

	events := publisher.GetPublishedEvents()
	require.Len(t, events, 1, "already archived waves are not republished")
	assert.Equal(t, "Wave1111", events[0].Waver)
	assert.Equal(t, relayOrigin, events[0].Origin)
	assert.Equal(t, rec, events[0].RawRecord())
}

func TestRelayHandle_ArchiveFailureStillPublishes(t *testing.T) {
	publisher := natspkg.NewMockPublisher()
	relay := &waveRelay{archive: &fakeArchive{err: errors.New("db down")}, publisher: publisher, logger: discardLogger()}

	relay.handle(context.Background(), ledger.RawRecord{Waver: "Wave1111", Timestamp: 100, Message: "gm"})

	assert.Equal(t, 1, publisher.GetPublishedEventCount())
}

func TestRelayHandle_ArchiveOnly(t *testing.T) {
	archive := &fakeArchive{}
	relay := &waveRelay{archive: archive, logger: discardLogger()}

	relay.handle(context.Background(), ledger.RawRecord{Waver: "Wave1111", Timestamp: 100, Message: "gm"})

	assert.Len(t, archive.seen, 1)
}

// flakyFeed fails its first subscription, then hands out subscriptions the
// test can end.
type flakyFeed struct {
	mu       sync.Mutex
	attempts int
	subs     chan *ledger.Sub
	onRecord func(ledger.RawRecord)
}

func (f *flakyFeed) Subscribe(ctx context.Context, topic string, onRecord func(ledger.RawRecord)) (ledger.Subscription, error) {
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	f.onRecord = onRecord
	f.mu.Unlock()

	if attempt == 1 {
		return nil, errors.New("websocket refused")
	}
	sub := ledger.NewSub(nil)
	f.subs <- sub
	return sub, nil
}

func TestRelayRun_Resubscribes(t *testing.T) {
	feed := &flakyFeed{subs: make(chan *ledger.Sub, 4)}
	publisher := natspkg.NewMockPublisher()
	relay := &waveRelay{publisher: publisher, logger: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.run(ctx, feed, time.Millisecond) }()

	first := <-feed.subs
	feed.mu.Lock()
	onRecord := feed.onRecord
	feed.mu.Unlock()
	onRecord(ledger.RawRecord{Waver: "Wave1111", Timestamp: 100, Message: "gm"})
	assert.Equal(t, 1, publisher.GetPublishedEventCount())

	first.End(errors.New("socket closed"))
	second := <-feed.subs

	cancel()
	require.NoError(t, <-done)

	select {
	case <-second.Done():
	default:
		t.Fatal("subscription not released on shutdown")
	}
	feed.mu.Lock()
	defer feed.mu.Unlock()
	assert.Equal(t, 3, feed.attempts)
}
