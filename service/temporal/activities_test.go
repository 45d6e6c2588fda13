package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/waveportal/service/ledger"
	natspkg "github.com/brojonat/waveportal/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) InsertWaves(ctx context.Context, recs []ledger.RawRecord) ([]ledger.RawRecord, error) {
	args := m.Called(ctx, recs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ledger.RawRecord), args.Error(1)
}

// Mock ledger reader
type MockReader struct {
	mock.Mock
}

func (m *MockReader) ReadAll(ctx context.Context) ([]ledger.RawRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ledger.RawRecord), args.Error(1)
}

func TestFetchLedgerWaves(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		reader := new(MockReader)
		reader.On("ReadAll", ctx).Return([]ledger.RawRecord{waveA, waveB}, nil)
		a := NewActivities(nil, reader, nil, nil, nil)

		result, err := a.FetchLedgerWaves(ctx)
		require.NoError(t, err)
		assert.Equal(t, []ledger.RawRecord{waveA, waveB}, result.Records)
		reader.AssertExpectations(t)
	})

	t.Run("read failure", func(t *testing.T) {
		reader := new(MockReader)
		reader.On("ReadAll", ctx).Return(nil, errors.New("rpc unavailable"))
		a := NewActivities(nil, reader, nil, nil, nil)

		result, err := a.FetchLedgerWaves(ctx)
		assert.Error(t, err)
		assert.Nil(t, result)
		assert.Contains(t, err.Error(), "rpc unavailable")
	})
}

func TestArchiveWaves(t *testing.T) {
	ctx := context.Background()

	t.Run("reports inserted and skipped", func(t *testing.T) {
		store := new(MockStore)
		store.On("InsertWaves", ctx, []ledger.RawRecord{waveA, waveB}).Return([]ledger.RawRecord{waveB}, nil)
		a := NewActivities(store, nil, nil, nil, nil)

		result, err := a.ArchiveWaves(ctx, ArchiveWavesInput{Records: []ledger.RawRecord{waveA, waveB}})
		require.NoError(t, err)
		assert.Equal(t, []ledger.RawRecord{waveB}, result.Inserted)
		assert.Equal(t, 1, result.Skipped)
		store.AssertExpectations(t)
	})

	t.Run("store failure", func(t *testing.T) {
		store := new(MockStore)
		store.On("InsertWaves", ctx, mock.Anything).Return(nil, errors.New("database down"))
		a := NewActivities(store, nil, nil, nil, nil)

		_, err := a.ArchiveWaves(ctx, ArchiveWavesInput{Records: []ledger.RawRecord{waveA}})
		assert.ErrorContains(t, err, "database down")
	})
}

func TestPublishWaves(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes every record", func(t *testing.T) {
		publisher := natspkg.NewMockPublisher()
		a := NewActivities(nil, nil, publisher, nil, nil)

		result, err := a.PublishWaves(ctx, PublishWavesInput{Records: []ledger.RawRecord{waveA, waveB}})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Published)

		events := publisher.GetPublishedEvents()
		require.Len(t, events, 2)
		assert.Equal(t, "A", events[0].Waver)
		assert.Equal(t, "sync", events[0].Origin)
		assert.Equal(t, waveB, events[1].RawRecord())
	})

	t.Run("publish failure", func(t *testing.T) {
		publisher := natspkg.NewMockPublisher()
		publisher.SetPublishBatchError(errors.New("nats down"))
		a := NewActivities(nil, nil, publisher, nil, nil)

		_, err := a.PublishWaves(ctx, PublishWavesInput{Records: []ledger.RawRecord{waveA}})
		assert.ErrorContains(t, err, "nats down")
	})

	t.Run("no publisher", func(t *testing.T) {
		a := NewActivities(nil, nil, nil, nil, nil)

		result, err := a.PublishWaves(ctx, PublishWavesInput{Records: []ledger.RawRecord{waveA}})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Published)
	})
}

func TestMockScheduler(t *testing.T) {
	ctx := context.Background()
	s := NewMockScheduler()

	require.NoError(t, s.UpsertSyncSchedule(ctx, testContract, time.Minute))
	require.NoError(t, s.UpsertSyncSchedule(ctx, testContract, 2*time.Minute))
	assert.Equal(t, 1, s.ScheduleCount())
	interval, ok := s.GetScheduleInterval(testContract)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Minute, interval)

	require.NoError(t, s.DeleteSyncSchedule(ctx, testContract))
	assert.Error(t, s.DeleteSyncSchedule(ctx, testContract))
}
