// Package txn drives a wave through submission and confirmation and narrates
// each step through the notification queue.
package txn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/waveportal/service/errs"
	"github.com/brojonat/waveportal/service/ledger"
	"github.com/brojonat/waveportal/service/metrics"
	"github.com/brojonat/waveportal/service/notify"
	"github.com/brojonat/waveportal/service/records"
	"github.com/jonboulle/clockwork"
)

// DefaultComputeUnitLimit bounds every wave.
const DefaultComputeUnitLimit = 500000

// Session is the wallet state the coordinator needs.
type Session interface {
	Ready() error
	Signer(ctx context.Context) (ledger.Signer, error)
}

// Appender receives the optimistic copy of a confirmed wave.
type Appender interface {
	Append(rec records.Record) bool
}

// Config bounds a submission.
type Config struct {
	ComputeUnitLimit uint32
	TipLamports      uint64
	ConfirmTimeout   time.Duration
}

// Result describes a confirmed wave.
type Result struct {
	Handle  string
	Receipt ledger.Receipt
	Record  records.Record
}

// Coordinator submits waves one at a time.
type Coordinator struct {
	session       Session
	writer        ledger.Writer
	store         Appender
	notifications *notify.Queue
	cfg           Config
	clock         clockwork.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics

	mu        sync.Mutex
	busy      bool
	pending   *Pending
	submitted []func(handle string)
	listeners []func()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		if l != nil {
			co.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// New creates a coordinator. store may be nil to disable the optimistic
// append.
func New(session Session, writer ledger.Writer, store Appender, notifications *notify.Queue, cfg Config, opts ...Option) *Coordinator {
	if cfg.ComputeUnitLimit == 0 {
		cfg.ComputeUnitLimit = DefaultComputeUnitLimit
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = time.Minute
	}
	c := &Coordinator{
		session:       session,
		writer:        writer,
		store:         store,
		notifications: notifications,
		cfg:           cfg,
		clock:         clockwork.NewRealClock(),
		logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnSubmitted registers fn to run once the ledger acknowledges a write,
// before confirmation.
func (c *Coordinator) OnSubmitted(fn func(handle string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, fn)
}

// OnChange registers fn to run when the in-flight state changes.
func (c *Coordinator) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// InFlight returns the acknowledged write awaiting confirmation, if any.
func (c *Coordinator) InFlight() (PendingInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return PendingInfo{}, false
	}
	return c.pending.info(), true
}

// Submit writes message to the ledger and waits for confirmation. Only one
// submission may be outstanding; a second one fails with SubmissionInFlight.
func (c *Coordinator) Submit(ctx context.Context, message string) (*Result, error) {
	if err := c.session.Ready(); err != nil {
		c.logger.WarnContext(ctx, "submit without a ready wallet", "error", err)
		c.notifications.Push(notify.Warning, titleFor(errs.KindOf(err)), errs.Detail(err))
		c.metrics.RecordTransaction("not_ready")
		return nil, err
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		err := errs.New(errs.SubmissionInFlight, "submit", errs.ErrSubmissionInFlight)
		c.logger.WarnContext(ctx, "submit while another wave is in flight")
		c.notifications.Push(notify.Warning, titleFor(errs.SubmissionInFlight), errs.Detail(err))
		c.metrics.RecordTransaction("in_flight")
		return nil, err
	}
	c.busy = true
	c.mu.Unlock()
	defer c.release()

	signer, err := c.session.Signer(ctx)
	if err != nil {
		return nil, c.rejected(ctx, err)
	}

	handle, err := c.writer.Write(ctx, signer, message, ledger.WriteOptions{
		ComputeUnitLimit: c.cfg.ComputeUnitLimit,
		TipLamports:      c.cfg.TipLamports,
	})
	if err != nil {
		return nil, c.rejected(ctx, err)
	}

	hash := handle.Hash()
	pending := newPending(hash, c.clock.Now())
	c.mu.Lock()
	c.pending = pending
	hooks := make([]func(string), len(c.submitted))
	copy(hooks, c.submitted)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(hash)
	}
	c.logger.InfoContext(ctx, "mining", "handle", hash)
	c.notifications.Push(notify.Info, "Mining...", hash)
	c.metrics.RecordInFlightChange(1)
	c.changed()

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := handle.Wait(waitCtx)
	c.metrics.RecordConfirmDuration(c.clock.Since(pending.SubmittedAt).Seconds())
	c.metrics.RecordInFlightChange(-1)

	if err != nil {
		if terr := pending.transition(ctx, eventFail); terr != nil {
			c.logger.ErrorContext(ctx, "pending transition failed", "handle", hash, "error", terr)
		}
		kind := errs.KindOf(err)
		if kind != errs.TransactionReverted {
			kind = errs.Unknown
		}
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.WarnContext(ctx, "confirmation timed out", "handle", hash, "timeout", c.cfg.ConfirmTimeout)
		}
		c.logger.ErrorContext(ctx, "wave failed", "handle", hash, "kind", kind, "error", err)
		c.notifications.Push(notify.Error, titleFor(kind), hash+": "+err.Error())
		c.metrics.RecordTransaction(string(kind))
		return nil, errs.New(kind, "confirm", err)
	}

	if terr := pending.transition(ctx, eventMine); terr != nil {
		c.logger.ErrorContext(ctx, "pending transition failed", "handle", hash, "error", terr)
	}
	c.logger.InfoContext(ctx, "mined", "handle", hash, "slot", receipt.Slot)
	c.notifications.Push(notify.Success, "Wave mined", hash)
	c.metrics.RecordTransaction("mined")

	rec := records.Record{
		Address:   signer.PublicKey().String(),
		Timestamp: receipt.BlockTime,
		Message:   message,
		Signature: hash,
		Source:    records.SourceLocal,
	}
	if c.store != nil {
		if receipt.BlockTime.IsZero() {
			// Without the block time the local copy could not be matched
			// against the feed delivery.
			c.logger.WarnContext(ctx, "skipping optimistic append, no block time", "handle", hash)
		} else {
			c.store.Append(rec)
		}
	}

	return &Result{Handle: hash, Receipt: receipt, Record: rec}, nil
}

func (c *Coordinator) rejected(ctx context.Context, err error) error {
	kind := errs.KindOf(err)
	switch kind {
	case errs.SubmissionRejected, errs.TransactionReverted, errs.NotConnected, errs.ProviderMissing:
	default:
		kind = errs.Unknown
		err = errs.New(errs.Unknown, "submit", err)
	}
	c.logger.WarnContext(ctx, "wave not submitted", "kind", kind, "error", err)
	c.notifications.Push(notify.Error, titleFor(kind), errs.Detail(err))
	c.metrics.RecordTransaction(string(kind))
	return err
}

func (c *Coordinator) release() {
	c.mu.Lock()
	hadPending := c.pending != nil
	c.busy = false
	c.pending = nil
	c.mu.Unlock()

	if hadPending {
		c.changed()
	}
}

func (c *Coordinator) changed() {
	c.mu.Lock()
	listeners := make([]func(), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func titleFor(kind errs.Kind) string {
	switch kind {
	case errs.ProviderMissing:
		return "Wallet not found"
	case errs.NotConnected:
		return "Connect your wallet first"
	case errs.SubmissionInFlight:
		return "A wave is already in flight"
	case errs.SubmissionRejected:
		return "Wave rejected"
	case errs.TransactionReverted:
		return "Wave reverted"
	default:
		return "Wave failed"
	}
}
