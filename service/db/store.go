package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/waveportal/service/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied by EnsureSchema. A wave's identity is (address, ts), the
// same key the record store reconciles on.
const schema = `
CREATE TABLE IF NOT EXISTS waves (
	address    TEXT        NOT NULL,
	ts         BIGINT      NOT NULL,
	message    TEXT        NOT NULL,
	signature  TEXT,
	slot       BIGINT      NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (address, ts)
);
CREATE INDEX IF NOT EXISTS waves_ts_idx ON waves (ts DESC);
`

// Store provides archive operations for waves.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Reader = (*Store)(nil)

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Wave is an archived wave.
type Wave struct {
	Address   string
	Timestamp time.Time
	Message   string
	Signature *string
	Slot      int64
	CreatedAt time.Time
}

// Raw converts the archived wave back into a ledger record.
func (w *Wave) Raw() ledger.RawRecord {
	rec := ledger.RawRecord{
		Waver:     w.Address,
		Timestamp: w.Timestamp.Unix(),
		Message:   w.Message,
		Slot:      uint64(w.Slot),
	}
	if w.Signature != nil {
		rec.Signature = *w.Signature
	}
	return rec
}

// ListWavesParams contains pagination parameters. An empty Address lists
// every waver.
type ListWavesParams struct {
	Address string
	Limit   int32
	Offset  int32
}

// EnsureSchema creates the waves table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InsertWaves archives records in one transaction and returns the ones that
// were not already present.
func (s *Store) InsertWaves(ctx context.Context, recs []ledger.RawRecord) ([]ledger.RawRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	var inserted []ledger.RawRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, rec := range recs {
			var address string
			err := tx.QueryRow(ctx, `
				INSERT INTO waves (address, ts, message, signature, slot)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (address, ts) DO NOTHING
				RETURNING address`,
				rec.Waver, rec.Timestamp, rec.Message, pgtextFromString(rec.Signature), int64(rec.Slot),
			).Scan(&address)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to insert wave %s@%d: %w", rec.Waver, rec.Timestamp, err)
			}
			inserted = append(inserted, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// GetWave retrieves a wave by its identity.
func (s *Store) GetWave(ctx context.Context, address string, ts int64) (*Wave, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT address, ts, message, signature, slot, created_at
		FROM waves WHERE address = $1 AND ts = $2`, address, ts)
	return scanWave(row)
}

// ListWaves retrieves waves newest first.
func (s *Store) ListWaves(ctx context.Context, params ListWavesParams) ([]*Wave, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT address, ts, message, signature, slot, created_at
		FROM waves
		WHERE $1 = '' OR address = $1
		ORDER BY ts DESC, address
		LIMIT $2 OFFSET $3`, params.Address, limit, params.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waves []*Wave
	for rows.Next() {
		w, err := scanWave(rows)
		if err != nil {
			return nil, err
		}
		waves = append(waves, w)
	}
	return waves, rows.Err()
}

// CountWaves returns the number of archived waves.
func (s *Store) CountWaves(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM waves`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ReadAll returns every archived wave oldest first, so the archive can stand
// in for the ledger's bulk read.
func (s *Store) ReadAll(ctx context.Context) ([]ledger.RawRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, ts, message, signature, slot, created_at
		FROM waves ORDER BY ts, address`)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	defer rows.Close()

	var recs []ledger.RawRecord
	for rows.Next() {
		w, err := scanWave(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, w.Raw())
	}
	return recs, rows.Err()
}

func scanWave(row pgx.Row) (*Wave, error) {
	var (
		w         Wave
		ts        int64
		signature pgtype.Text
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&w.Address, &ts, &w.Message, &signature, &w.Slot, &createdAt); err != nil {
		return nil, err
	}
	w.Timestamp = time.Unix(ts, 0).UTC()
	w.Signature = stringPtrFromPgtext(signature)
	w.CreatedAt = createdAt.Time
	return &w, nil
}

func pgtextFromString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
