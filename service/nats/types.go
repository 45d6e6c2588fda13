package nats

import (
	"time"

	"github.com/brojonat/waveportal/service/ledger"
)

// WaveEvent represents a wave published to NATS.
// This is published to the subject "waves.{waver}" in JetStream.
type WaveEvent struct {
	// Wave identity
	Waver     string `json:"waver"`
	Timestamp int64  `json:"timestamp"` // unix seconds (block time)

	Message   string `json:"message"`
	Signature string `json:"signature,omitempty"`
	Slot      uint64 `json:"slot,omitempty"`

	// Origin is the component that observed the wave ("relay" or "sync").
	Origin string `json:"origin"`

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// FromRawRecord converts a ledger record to a WaveEvent for publishing.
func FromRawRecord(rec ledger.RawRecord, origin string) *WaveEvent {
	return &WaveEvent{
		Waver:       rec.Waver,
		Timestamp:   rec.Timestamp,
		Message:     rec.Message,
		Signature:   rec.Signature,
		Slot:        rec.Slot,
		Origin:      origin,
		PublishedAt: time.Now().UTC(),
	}
}

// RawRecord converts the event back into a ledger record.
func (e *WaveEvent) RawRecord() ledger.RawRecord {
	return ledger.RawRecord{
		Waver:     e.Waver,
		Timestamp: e.Timestamp,
		Message:   e.Message,
		Signature: e.Signature,
		Slot:      e.Slot,
	}
}
