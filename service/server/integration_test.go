package server_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/waveportal/client"
	"github.com/brojonat/waveportal/service/ledger"
	"github.com/brojonat/waveportal/service/notify"
	"github.com/brojonat/waveportal/service/portal"
	"github.com/brojonat/waveportal/service/records"
	"github.com/brojonat/waveportal/service/server"
	"github.com/brojonat/waveportal/service/txn"
	"github.com/brojonat/waveportal/service/wallet"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLedger is an in-memory contract: writes are mined immediately and echoed
// on the live feed.
type memLedger struct {
	mu       sync.Mutex
	records  []ledger.RawRecord
	onRecord func(ledger.RawRecord)
	clock    int64
}

func (l *memLedger) ReadAll(context.Context) ([]ledger.RawRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.RawRecord(nil), l.records...), nil
}

func (l *memLedger) Subscribe(ctx context.Context, topic string, onRecord func(ledger.RawRecord)) (ledger.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRecord = onRecord
	return ledger.NewSub(nil), nil
}

func (l *memLedger) Write(ctx context.Context, s ledger.Signer, message string, opts ledger.WriteOptions) (ledger.Handle, error) {
	l.mu.Lock()
	l.clock++
	rec := ledger.RawRecord{
		Waver:     s.PublicKey().String(),
		Timestamp: 1700000000 + l.clock,
		Message:   message,
		Signature: fmt.Sprintf("sig%d", l.clock),
		Slot:      uint64(l.clock),
	}
	l.records = append(l.records, rec)
	onRecord := l.onRecord
	l.mu.Unlock()

	if onRecord != nil {
		onRecord(rec)
	}
	return memHandle{rec: rec}, nil
}

type memHandle struct {
	rec ledger.RawRecord
}

func (h memHandle) Hash() string { return h.rec.Signature }
func (h memHandle) Wait(context.Context) (ledger.Receipt, error) {
	return ledger.Receipt{Signature: h.rec.Signature, Slot: h.rec.Slot, BlockTime: h.rec.Time()}, nil
}

func newPortal(t *testing.T, chain *memLedger, provider wallet.Provider) *portal.Portal {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	q := notify.New(notify.WithDwell(time.Minute), notify.WithLogger(logger))
	session := wallet.NewSession(provider, q, wallet.WithLogger(logger))
	store := records.New(chain, chain, session, q, records.WithLogger(logger))
	coordinator := txn.New(session, chain, store, q, txn.Config{}, txn.WithLogger(logger))
	p := portal.New(session, store, coordinator, q, logger)
	p.Mount(context.Background())
	t.Cleanup(p.Close)
	return p
}

// TestServerIntegration drives the full request/response cycle through the
// HTTP client against a real portal.
func TestServerIntegration(t *testing.T) {
	chain := &memLedger{records: []ledger.RawRecord{
		{Waver: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Timestamp: 1600000000, Message: "first!"},
	}}
	key := solana.NewWallet().PrivateKey
	p := newPortal(t, chain, wallet.NewKeypairProvider(key, wallet.AutoApprove{}, false))

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := server.New(":0", p, nil, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := client.NewClient(ts.URL, nil, logger)
	ctx := context.Background()

	t.Run("health", func(t *testing.T) {
		require.NoError(t, c.Health(ctx))
	})

	t.Run("not connected yet", func(t *testing.T) {
		st, err := c.State(ctx)
		require.NoError(t, err)
		assert.Empty(t, st.Account)
		assert.True(t, st.FeedActive, "the feed is live before connecting")
		assert.Empty(t, st.Records, "the log loads once connected")

		_, err = c.Submit(ctx, true)
		var apiErr *client.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "not_connected", apiErr.Kind)
	})

	t.Run("connect loads the log", func(t *testing.T) {
		st, err := c.Connect(ctx)
		require.NoError(t, err)
		assert.Equal(t, key.PublicKey().String(), st.Account)
		require.Len(t, st.Records, 1)
		assert.Equal(t, "first!", st.Records[0].Message)
	})

	t.Run("submit and wait", func(t *testing.T) {
		_, err := c.SetMessage(ctx, "gm")
		require.NoError(t, err)

		res, err := c.Submit(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, key.PublicKey().String(), res.Address)
		assert.Equal(t, "gm", res.Message)

		st, err := c.State(ctx)
		require.NoError(t, err)
		assert.Empty(t, st.PendingMessageText)
		assert.False(t, st.InFlight)
		assert.Equal(t, 2, st.TotalWaves, "feed echo and local copy merge into one record")
	})

	t.Run("dismiss notifications", func(t *testing.T) {
		st, err := c.State(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, st.Notifications)

		for _, n := range st.Notifications {
			require.NoError(t, c.Dismiss(ctx, n.ID))
		}
		assert.ErrorIs(t, c.Dismiss(ctx, st.Notifications[0].ID), client.ErrNotFound)

		st, err = c.State(ctx)
		require.NoError(t, err)
		assert.Empty(t, st.Notifications)
	})

	t.Run("stream sees background submit", func(t *testing.T) {
		streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_, err := c.SetMessage(ctx, "wave two")
		require.NoError(t, err)

		ready := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			first := true
			done <- c.Stream(streamCtx, func(st *client.State) error {
				if first {
					first = false
					close(ready)
					return nil
				}
				if st.TotalWaves == 3 && !st.InFlight {
					cancel()
				}
				return nil
			})
		}()

		<-ready
		_, err = c.Submit(ctx, false)
		require.NoError(t, err)

		require.NoError(t, <-done)
		assert.ErrorIs(t, streamCtx.Err(), context.Canceled, "stream ended because the wave landed, not by timeout")
	})

	t.Run("refresh keeps one copy per wave", func(t *testing.T) {
		st, err := c.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, st.TotalWaves)
	})
}

// TestServerIntegration_NoWallet checks the page-level behavior without a
// wallet provider.
func TestServerIntegration_NoWallet(t *testing.T) {
	p := newPortal(t, &memLedger{}, nil)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ts := httptest.NewServer(server.New(":0", p, nil, nil, logger).Handler())
	defer ts.Close()

	c := client.NewClient(ts.URL, nil, logger)
	ctx := context.Background()

	st, err := c.State(ctx)
	require.NoError(t, err)
	require.Len(t, st.Notifications, 1)
	assert.Equal(t, "warning", st.Notifications[0].Kind)

	_, err = c.Connect(ctx)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "provider_missing", apiErr.Kind)
	assert.Equal(t, 412, apiErr.StatusCode)
}
