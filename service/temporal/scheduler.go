package temporal

import (
	"context"
	"time"
)

// Scheduler manages the Temporal schedule that triggers SyncWavesWorkflow.
type Scheduler interface {
	// UpsertSyncSchedule creates the schedule or updates its interval.
	UpsertSyncSchedule(ctx context.Context, contract string, interval time.Duration) error

	// DeleteSyncSchedule deletes the schedule, stopping periodic syncs.
	DeleteSyncSchedule(ctx context.Context, contract string) error
}

// scheduleID returns the Temporal schedule ID for a contract.
func scheduleID(contract string) string {
	return "sync-waves-" + contract
}
