// Package records keeps the reconciled view of the wave log. A one-shot bulk
// read and a live feed both write into the same set, keyed by
// (address, timestamp), so replays and late deliveries collapse to one entry.
package records

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/waveportal/service/errs"
	"github.com/brojonat/waveportal/service/ledger"
	"github.com/brojonat/waveportal/service/metrics"
	"github.com/brojonat/waveportal/service/notify"
)

// Source says which path produced a record.
type Source string

const (
	SourceBulk  Source = "bulk"
	SourceFeed  Source = "feed"
	SourceLocal Source = "local"
)

// Key is the identity of a record.
type Key struct {
	Address   string
	Timestamp int64
}

// Record is one wave.
type Record struct {
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Signature string    `json:"signature,omitempty"`
	Source    Source    `json:"source"`
}

func (r Record) Key() Key {
	return Key{Address: r.Address, Timestamp: r.Timestamp.Unix()}
}

// FromRaw converts a ledger record.
func FromRaw(raw ledger.RawRecord, source Source) Record {
	return Record{
		Address:   raw.Waver,
		Timestamp: raw.Time(),
		Message:   raw.Message,
		Signature: raw.Signature,
		Source:    source,
	}
}

// Gate reports whether bulk reads may run.
type Gate interface {
	Ready() error
}

type entry struct {
	rec Record
	seq int64
}

// Store is the record set. It is safe for concurrent use.
type Store struct {
	reader        ledger.Reader
	feed          ledger.Feed
	gate          Gate
	notifications *notify.Queue
	logger        *slog.Logger
	metrics       *metrics.Metrics

	mu         sync.Mutex
	entries    map[Key]*entry
	seq        int64
	sub        ledger.Subscription
	activation *activation
	gen        uint64
	listeners  []func()
}

// activation is an in-flight Activate. err is set before done is closed.
type activation struct {
	done chan struct{}
	err  error
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates an empty, inactive store.
func New(reader ledger.Reader, feed ledger.Feed, gate Gate, notifications *notify.Queue, opts ...Option) *Store {
	s := &Store{
		reader:        reader,
		feed:          feed,
		gate:          gate,
		notifications: notifications,
		logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		entries:       make(map[Key]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadAll performs one bulk read and reconciles it into the set. The snapshot
// replaces earlier bulk content; live records it does not contain are kept.
func (s *Store) LoadAll(ctx context.Context) error {
	if err := s.gate.Ready(); err != nil {
		s.logger.WarnContext(ctx, "skipping bulk read, wallet not ready", "error", err)
		s.notifications.Push(notify.Warning, "Connect your wallet", "Waves load once a wallet is connected.")
		return err
	}

	raws, err := s.reader.ReadAll(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "bulk read failed", "error", err)
		s.notifications.Push(notify.Error, "Failed to load waves", err.Error())
		return errs.New(errs.ReadFailure, "load waves", err)
	}

	s.mu.Lock()
	snapshot := make(map[Key]struct{}, len(raws))
	for _, raw := range raws {
		snapshot[FromRaw(raw, SourceBulk).Key()] = struct{}{}
	}
	for key, e := range s.entries {
		if _, ok := snapshot[key]; !ok && e.rec.Source == SourceBulk {
			delete(s.entries, key)
		}
	}
	added := 0
	for _, raw := range raws {
		rec := FromRaw(raw, SourceBulk)
		if e, ok := s.entries[rec.Key()]; ok {
			e.rec = rec
			s.metrics.RecordMerge(string(SourceBulk), false)
			continue
		}
		s.insertLocked(rec)
		added++
	}
	total := len(s.entries)
	s.mu.Unlock()

	s.metrics.SetRecordsHeld(total)
	s.logger.InfoContext(ctx, "loaded waves", "count", len(raws), "added", added, "total", total)
	s.changed()
	return nil
}

// Activate opens the live feed. Calling it while already active is a no-op.
// Calling it while another Activate is in flight waits for that attempt and
// returns its outcome. If the feed later ends on its own the store becomes
// inactive again so the next Activate retries.
func (s *Store) Activate(ctx context.Context) error {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "live feed already active")
		return nil
	}
	if a := s.activation; a != nil {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "waiting for live feed activation in flight")
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return errs.New(errs.SubscriptionFailure, "activate feed", ctx.Err())
		}
	}
	if s.feed == nil {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "no live feed configured")
		s.notifications.Push(notify.Warning, "Live updates unavailable", "No live feed is configured.")
		return errs.New(errs.SubscriptionFailure, "activate feed", fmt.Errorf("no live feed configured"))
	}
	a := &activation{done: make(chan struct{})}
	s.activation = a
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	sub, err := s.feed.Subscribe(ctx, ledger.NewWaveTopic, func(raw ledger.RawRecord) {
		s.deliver(gen, raw)
	})

	s.mu.Lock()
	s.activation = nil
	if err != nil {
		a.err = errs.New(errs.SubscriptionFailure, "activate feed", err)
		s.mu.Unlock()
		close(a.done)
		s.logger.WarnContext(ctx, "failed to open live feed", "error", err)
		s.notifications.Push(notify.Warning, "Live updates unavailable", err.Error())
		return a.err
	}
	if s.gen != gen {
		// Deactivated while subscribing.
		s.mu.Unlock()
		close(a.done)
		sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	close(a.done)

	s.metrics.SetFeedActive(true)
	s.logger.InfoContext(ctx, "live feed active", "topic", ledger.NewWaveTopic)
	go s.watch(gen, sub)
	return nil
}

// Deactivate releases the live feed. Deliveries racing with it are dropped.
func (s *Store) Deactivate() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.gen++
	s.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		s.logger.Warn("failed to release live feed", "error", err)
	}
	s.metrics.SetFeedActive(false)
	s.logger.Info("live feed released")
}

func (s *Store) watch(gen uint64, sub ledger.Subscription) {
	<-sub.Done()

	s.mu.Lock()
	ended := s.gen == gen && s.sub == sub
	if ended {
		s.sub = nil
		s.gen++
	}
	s.mu.Unlock()

	if !ended {
		return
	}
	s.metrics.SetFeedActive(false)
	s.logger.Warn("live feed terminated")
	s.notifications.Push(notify.Warning, "Live updates stopped", "Refresh to reconnect.")
	s.changed()
}

func (s *Store) deliver(gen uint64, raw ledger.RawRecord) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	added := s.mergeLocked(FromRaw(raw, SourceFeed))
	total := len(s.entries)
	s.mu.Unlock()

	if added {
		s.metrics.SetRecordsHeld(total)
		s.changed()
	}
}

// Append adds a locally produced record. It reports whether the record was
// new.
func (s *Store) Append(rec Record) bool {
	if rec.Source == "" {
		rec.Source = SourceLocal
	}
	s.mu.Lock()
	added := s.mergeLocked(rec)
	total := len(s.entries)
	s.mu.Unlock()

	if added {
		s.metrics.SetRecordsHeld(total)
		s.changed()
	}
	return added
}

func (s *Store) mergeLocked(rec Record) bool {
	if _, ok := s.entries[rec.Key()]; ok {
		s.metrics.RecordMerge(string(rec.Source), false)
		return false
	}
	s.insertLocked(rec)
	return true
}

func (s *Store) insertLocked(rec Record) {
	s.seq++
	s.entries[rec.Key()] = &entry{rec: rec, seq: s.seq}
	s.metrics.RecordMerge(string(rec.Source), true)
}

// Records returns the set newest first. Records with equal timestamps keep
// insertion order.
func (s *Store) Records() []Record {
	s.mu.Lock()
	list := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		ti, tj := list[i].rec.Timestamp, list[j].rec.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return list[i].seq < list[j].seq
	})

	out := make([]Record, len(list))
	for i, e := range list {
		out[i] = e.rec
	}
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Active reports whether the live feed is open.
func (s *Store) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

// OnChange registers fn to run after the set or feed state changes.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) changed() {
	s.mu.Lock()
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
