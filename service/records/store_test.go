package records

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/waveportal/service/errs"
	"github.com/brojonat/waveportal/service/ledger"
	"github.com/brojonat/waveportal/service/notify"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu      sync.Mutex
	records []ledger.RawRecord
	err     error
	calls   int
}

func (f *fakeReader) ReadAll(ctx context.Context) ([]ledger.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.records, f.err
}

// fakeFeed hands the registered callback back to the test.
type fakeFeed struct {
	mu        sync.Mutex
	subscribe int
	err       error
	onRecord  func(ledger.RawRecord)
	sub       *ledger.Sub
	released  int
}

func (f *fakeFeed) Subscribe(ctx context.Context, topic string, onRecord func(ledger.RawRecord)) (ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribe++
	if f.err != nil {
		return nil, f.err
	}
	f.onRecord = onRecord
	f.sub = ledger.NewSub(func() error {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
		return nil
	})
	return f.sub, nil
}

func (f *fakeFeed) emit(raw ledger.RawRecord) {
	f.mu.Lock()
	fn := f.onRecord
	f.mu.Unlock()
	fn(raw)
}

func (f *fakeFeed) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribe
}

// heldFeed blocks every Subscribe until release is closed, then fails with err.
type heldFeed struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
	err     error
}

func (f *heldFeed) Subscribe(ctx context.Context, topic string, onRecord func(ledger.RawRecord)) (ledger.Subscription, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.entered <- struct{}{}
	<-f.release
	if f.err != nil {
		return nil, f.err
	}
	return ledger.NewSub(nil), nil
}

func (f *heldFeed) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// logBuffer is a bytes.Buffer safe for a logger and a test to share.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

type gate struct{ err error }

func (g gate) Ready() error { return g.err }

func newStore(reader ledger.Reader, feed ledger.Feed, g Gate) (*Store, *notify.Queue) {
	q := notify.New(notify.WithClock(clockwork.NewFakeClock()))
	return New(reader, feed, g, q), q
}

func raw(addr string, ts int64, msg string) ledger.RawRecord {
	return ledger.RawRecord{Waver: addr, Timestamp: ts, Message: msg}
}

func keys(recs []Record) []Key {
	out := make([]Key, len(recs))
	for i, r := range recs {
		out[i] = r.Key()
	}
	return out
}

func TestLoadAll_ReplayIsCollapsed(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{}
	s, _ := newStore(&fakeReader{records: []ledger.RawRecord{raw("A", 100, "hi")}}, feed, gate{})

	require.NoError(t, s.LoadAll(ctx))
	require.NoError(t, s.Activate(ctx))
	feed.emit(raw("A", 100, "hi"))

	recs := s.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "hi", recs[0].Message)
	assert.Equal(t, int64(100), recs[0].Timestamp.Unix())
}

func TestReconciliation_AnyInterleaving(t *testing.T) {
	ctx := context.Background()
	bulk := []ledger.RawRecord{raw("A", 100, "a"), raw("B", 100, "b"), raw("A", 101, "c")}
	live := []ledger.RawRecord{raw("A", 101, "c"), raw("C", 102, "d"), raw("A", 100, "a"), raw("C", 102, "d")}
	want := map[Key]struct{}{
		{"A", 100}: {}, {"B", 100}: {}, {"A", 101}: {}, {"C", 102}: {},
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		feed := &fakeFeed{}
		s, _ := newStore(&fakeReader{records: bulk}, feed, gate{})
		require.NoError(t, s.Activate(ctx))

		// -1 stands for the bulk load, other values index into live.
		steps := []int{-1, -1}
		for j := range live {
			steps = append(steps, j)
		}
		rng.Shuffle(len(steps), func(a, b int) { steps[a], steps[b] = steps[b], steps[a] })

		for _, step := range steps {
			switch step {
			case -1:
				require.NoError(t, s.LoadAll(ctx))
			default:
				feed.emit(live[step])
			}
		}
		if i%2 == 0 {
			s.Append(Record{Address: "C", Timestamp: time.Unix(102, 0), Message: "d"})
		}

		got := s.Records()
		require.Len(t, got, len(want), "order %v", steps)
		for _, k := range keys(got) {
			_, ok := want[k]
			assert.True(t, ok, "unexpected key %v", k)
		}
	}
}

func TestLoadAll_KeepsLiveRecordsOutsideSnapshot(t *testing.T) {
	ctx := context.Background()
	reader := &fakeReader{records: []ledger.RawRecord{raw("A", 100, "old")}}
	feed := &fakeFeed{}
	s, _ := newStore(reader, feed, gate{})

	require.NoError(t, s.Activate(ctx))
	feed.emit(raw("B", 200, "fresh"))
	require.NoError(t, s.LoadAll(ctx))

	assert.Equal(t, []Key{{"B", 200}, {"A", 100}}, keys(s.Records()))
}

func TestLoadAll_NotReady(t *testing.T) {
	reader := &fakeReader{}
	s, q := newStore(reader, &fakeFeed{}, gate{err: errs.New(errs.NotConnected, "ready", errs.ErrNotConnected)})

	err := s.LoadAll(context.Background())

	assert.Equal(t, errs.NotConnected, errs.KindOf(err))
	assert.Equal(t, 0, reader.calls, "no read without a connected wallet")
	assert.Equal(t, 1, q.Len())
}

func TestLoadAll_ReadFailureIsRetryable(t *testing.T) {
	reader := &fakeReader{err: errors.New("rpc down")}
	s, q := newStore(reader, &fakeFeed{}, gate{})

	err := s.LoadAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.ReadFailure, errs.KindOf(err))
	require.Equal(t, 1, q.Len())
	assert.Equal(t, notify.Error, q.List()[0].Kind)

	reader.err = nil
	reader.records = []ledger.RawRecord{raw("A", 1, "x")}
	require.NoError(t, s.LoadAll(context.Background()))
	assert.Equal(t, 1, s.Len())
}

func TestActivate_Idempotent(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{}
	s, _ := newStore(&fakeReader{}, feed, gate{})

	require.NoError(t, s.Activate(ctx))
	require.NoError(t, s.Activate(ctx))

	assert.Equal(t, 1, feed.subscriptions())
	assert.True(t, s.Active())

	feed.emit(raw("A", 1, "x"))
	assert.Equal(t, 1, s.Len())
}

func TestActivate_FailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{err: errors.New("ws refused")}
	s, q := newStore(&fakeReader{}, feed, gate{})

	err := s.Activate(ctx)
	assert.Equal(t, errs.SubscriptionFailure, errs.KindOf(err))
	assert.False(t, s.Active())
	assert.Equal(t, notify.Warning, q.List()[0].Kind)

	feed.err = nil
	require.NoError(t, s.Activate(ctx))
	assert.True(t, s.Active())
	assert.Equal(t, 2, feed.subscriptions())
}

func TestActivate_NoFeed(t *testing.T) {
	s, q := newStore(&fakeReader{}, nil, gate{})

	err := s.Activate(context.Background())

	assert.Equal(t, errs.SubscriptionFailure, errs.KindOf(err))
	assert.False(t, s.Active())
	require.Equal(t, 1, q.Len())
	assert.Equal(t, notify.Warning, q.List()[0].Kind)
	assert.Equal(t, "Live updates unavailable", q.List()[0].Title)
}

func TestActivate_ConcurrentCallerSharesOutcome(t *testing.T) {
	ctx := context.Background()
	logs := &logBuffer{}
	feed := &heldFeed{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
		err:     errors.New("ws refused"),
	}
	q := notify.New(notify.WithClock(clockwork.NewFakeClock()))
	s := New(&fakeReader{}, feed, gate{}, q,
		WithLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))

	first := make(chan error, 1)
	go func() { first <- s.Activate(ctx) }()
	<-feed.entered

	second := make(chan error, 1)
	go func() { second <- s.Activate(ctx) }()
	require.Eventually(t, func() bool {
		return logs.contains("waiting for live feed activation in flight")
	}, time.Second, time.Millisecond)

	close(feed.release)

	assert.Equal(t, errs.SubscriptionFailure, errs.KindOf(<-first))
	assert.Equal(t, errs.SubscriptionFailure, errs.KindOf(<-second))
	assert.Equal(t, 1, feed.subscriptions())
	assert.Equal(t, 1, q.Len())
	assert.False(t, s.Active())
}

func TestActivate_WaiterHonorsContext(t *testing.T) {
	feed := &heldFeed{entered: make(chan struct{}, 2), release: make(chan struct{})}
	s, _ := newStore(&fakeReader{}, feed, gate{})

	first := make(chan error, 1)
	go func() { first <- s.Activate(context.Background()) }()
	<-feed.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Activate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, errs.SubscriptionFailure, errs.KindOf(err))

	close(feed.release)
	require.NoError(t, <-first)
	assert.True(t, s.Active())
	assert.Equal(t, 1, feed.subscriptions())
}

func TestDeactivate_ReleasesAndDropsLateDeliveries(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{}
	s, _ := newStore(&fakeReader{}, feed, gate{})
	require.NoError(t, s.Activate(ctx))

	s.Deactivate()
	s.Deactivate()

	assert.False(t, s.Active())
	assert.Equal(t, 1, feed.released)
	feed.emit(raw("A", 1, "late"))
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Activate(ctx))
	assert.Equal(t, 2, feed.subscriptions())
}

func TestFeedTermination_ReturnsToInactive(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{}
	s, q := newStore(&fakeReader{}, feed, gate{})
	require.NoError(t, s.Activate(ctx))

	feed.sub.End(errors.New("socket closed"))

	require.Eventually(t, func() bool { return !s.Active() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, notify.Warning, q.List()[0].Kind)

	require.NoError(t, s.Activate(ctx))
	assert.True(t, s.Active())
}

func TestRecords_NewestFirstStableTies(t *testing.T) {
	s, _ := newStore(&fakeReader{}, &fakeFeed{}, gate{})

	s.Append(Record{Address: "A", Timestamp: time.Unix(100, 0)})
	s.Append(Record{Address: "B", Timestamp: time.Unix(300, 0)})
	s.Append(Record{Address: "C", Timestamp: time.Unix(100, 0)})
	s.Append(Record{Address: "D", Timestamp: time.Unix(200, 0)})

	assert.Equal(t, []Key{{"B", 300}, {"D", 200}, {"A", 100}, {"C", 100}}, keys(s.Records()))
}

func TestAppend_Dedup(t *testing.T) {
	s, _ := newStore(&fakeReader{}, &fakeFeed{}, gate{})
	changes := 0
	s.OnChange(func() { changes++ })

	assert.True(t, s.Append(Record{Address: "A", Timestamp: time.Unix(1, 0), Message: "x"}))
	assert.False(t, s.Append(Record{Address: "A", Timestamp: time.Unix(1, 0), Message: "x"}))

	recs := s.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, SourceLocal, recs[0].Source)
	assert.Equal(t, 1, changes)
}

func TestConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{}
	s, _ := newStore(&fakeReader{}, feed, gate{})
	require.NoError(t, s.Activate(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				feed.emit(raw(fmt.Sprintf("W%d", j%10), int64(j%5), "x"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, s.Len())
}
