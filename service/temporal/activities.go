package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/waveportal/service/ledger"
	"github.com/brojonat/waveportal/service/metrics"
	natspkg "github.com/brojonat/waveportal/service/nats"
)

// SyncWavesInput contains the input parameters for a sync run.
type SyncWavesInput struct {
	Contract string `json:"contract"` // for logging and schedule memo only
}

// SyncWavesResult contains the result of a sync run.
type SyncWavesResult struct {
	Contract  string    `json:"contract"`
	Fetched   int       `json:"fetched"`
	Archived  int       `json:"archived"`
	Skipped   int       `json:"skipped"` // already archived
	Published int       `json:"published"`
	SyncTime  time.Time `json:"sync_time"`
	Error     *string   `json:"error,omitempty"`
}

// FetchLedgerWavesResult contains every wave the ledger reports.
type FetchLedgerWavesResult struct {
	Records []ledger.RawRecord `json:"records"`
}

// ArchiveWavesInput contains parameters for the ArchiveWaves activity.
type ArchiveWavesInput struct {
	Records []ledger.RawRecord `json:"records"`
}

// ArchiveWavesResult contains the waves that were new to the archive.
type ArchiveWavesResult struct {
	Inserted []ledger.RawRecord `json:"inserted"`
	Skipped  int                `json:"skipped"`
}

// PublishWavesInput contains parameters for the PublishWaves activity.
type PublishWavesInput struct {
	Records []ledger.RawRecord `json:"records"`
}

// PublishWavesResult contains the result of publishing.
type PublishWavesResult struct {
	Published int `json:"published"`
}

// StoreInterface defines the archive operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	InsertWaves(ctx context.Context, recs []ledger.RawRecord) ([]ledger.RawRecord, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishWaveBatch(ctx context.Context, events []*natspkg.WaveEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	store     StoreInterface
	reader    ledger.Reader
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded. publisher may be nil, in
// which case PublishWaves is a no-op.
func NewActivities(store StoreInterface, reader ledger.Reader, publisher PublisherInterface, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		reader:    reader,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// FetchLedgerWaves performs the bulk read against the ledger.
func (a *Activities) FetchLedgerWaves(ctx context.Context) (result *FetchLedgerWavesResult, err error) {
	defer metrics.Timer(time.Now(), func(elapsed float64) {
		a.metrics.RecordActivityDuration("FetchLedgerWaves", elapsed, err)
	})()

	recs, err := a.reader.ReadAll(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to read ledger", "error", err)
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	a.logger.DebugContext(ctx, "fetched ledger waves", "count", len(recs))
	return &FetchLedgerWavesResult{Records: recs}, nil
}

// ArchiveWaves writes waves to the archive, skipping identities already
// present.
func (a *Activities) ArchiveWaves(ctx context.Context, input ArchiveWavesInput) (result *ArchiveWavesResult, err error) {
	defer metrics.Timer(time.Now(), func(elapsed float64) {
		a.metrics.RecordActivityDuration("ArchiveWaves", elapsed, err)
		a.metrics.RecordDBQuery("insert", "waves", elapsed, err)
	})()

	inserted, err := a.store.InsertWaves(ctx, input.Records)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to archive waves", "count", len(input.Records), "error", err)
		return nil, fmt.Errorf("failed to archive waves: %w", err)
	}

	result = &ArchiveWavesResult{
		Inserted: inserted,
		Skipped:  len(input.Records) - len(inserted),
	}
	a.logger.InfoContext(ctx, "archived waves",
		"inserted", len(result.Inserted),
		"skipped", result.Skipped,
	)
	return result, nil
}

// PublishWaves fans newly archived waves out to NATS subscribers.
func (a *Activities) PublishWaves(ctx context.Context, input PublishWavesInput) (result *PublishWavesResult, err error) {
	defer metrics.Timer(time.Now(), func(elapsed float64) {
		a.metrics.RecordActivityDuration("PublishWaves", elapsed, err)
		a.metrics.RecordNATSPublish(natspkg.StreamSubjects, elapsed, err)
	})()

	if a.publisher == nil {
		a.logger.DebugContext(ctx, "no publisher configured, skipping publish", "count", len(input.Records))
		return &PublishWavesResult{}, nil
	}

	events := make([]*natspkg.WaveEvent, len(input.Records))
	for i, rec := range input.Records {
		events[i] = natspkg.FromRawRecord(rec, "sync")
	}

	if err := a.publisher.PublishWaveBatch(ctx, events); err != nil {
		a.logger.ErrorContext(ctx, "failed to publish waves", "count", len(events), "error", err)
		return nil, fmt.Errorf("failed to publish waves: %w", err)
	}

	return &PublishWavesResult{Published: len(events)}, nil
}
