// Package ledger describes the remote contract the portal talks to: a bulk
// read of every recorded wave, a signed write, and a live append feed.
// Concrete implementations live in service/solana (RPC + websocket),
// service/nats (JetStream fan-out) and service/db (archive reads).
package ledger

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
)

// NewWaveTopic is the event emitted by the contract for every appended wave.
const NewWaveTopic = "NewWave"

// RawRecord is a wave as the ledger reports it.
type RawRecord struct {
	Waver     string `json:"waver"`
	Timestamp int64  `json:"timestamp"` // unix seconds (block time)
	Message   string `json:"message"`
	Signature string `json:"signature,omitempty"`
	Slot      uint64 `json:"slot,omitempty"`
}

// Time converts the ledger timestamp.
func (r RawRecord) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// Signer signs write transactions on behalf of the connected account.
// Implementations may prompt the user and return errs.ErrUserRejected.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction, summary string) error
}

// WriteOptions bounds a write.
type WriteOptions struct {
	// ComputeUnitLimit is the resource ceiling for the transaction. Zero
	// leaves the ledger default in place.
	ComputeUnitLimit uint32
	// TipLamports is transferred to the contract along with the wave.
	TipLamports uint64
}

// Receipt describes a confirmed write.
type Receipt struct {
	Signature string
	Slot      uint64
	BlockTime time.Time // zero if the ledger could not report it
}

// Handle tracks a submitted write.
type Handle interface {
	Hash() string
	Wait(ctx context.Context) (Receipt, error)
}

// Reader performs the one-shot bulk read.
type Reader interface {
	ReadAll(ctx context.Context) ([]RawRecord, error)
}

// Writer submits a wave.
type Writer interface {
	Write(ctx context.Context, signer Signer, message string, opts WriteOptions) (Handle, error)
}

// Subscription is a registered live feed.
type Subscription interface {
	// Unsubscribe releases the feed. It is safe to call more than once.
	Unsubscribe() error
	// Done is closed once the feed stops delivering, for any reason.
	Done() <-chan struct{}
}

// Feed opens live subscriptions to contract events.
type Feed interface {
	Subscribe(ctx context.Context, topic string, onRecord func(RawRecord)) (Subscription, error)
}
