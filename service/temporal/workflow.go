package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// SyncWavesWorkflow backfills the archive from the ledger. It is triggered by
// a Temporal schedule at a configured interval (e.g., every 5 minutes).
//
// The workflow performs these steps:
// 1. Read every wave from the ledger (FetchLedgerWaves activity)
// 2. Archive them, keeping only identities not seen before (ArchiveWaves activity)
// 3. Publish the newly archived waves to NATS (PublishWaves activity)
//
// Waves the live relay missed therefore reach NATS subscribers on the next run.
func SyncWavesWorkflow(ctx workflow.Context, input SyncWavesInput) (*SyncWavesResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SyncWavesWorkflow started", "contract", input.Contract)

	result := &SyncWavesResult{
		Contract: input.Contract,
		SyncTime: workflow.Now(ctx),
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 300 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	// Step 1: Read the ledger
	var fetchResult *FetchLedgerWavesResult
	if err := workflow.ExecuteActivity(ctx, a.FetchLedgerWaves).Get(ctx, &fetchResult); err != nil {
		errMsg := fmt.Sprintf("failed to fetch ledger waves: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to fetch ledger waves: %w", err)
	}
	result.Fetched = len(fetchResult.Records)

	if result.Fetched == 0 {
		logger.Info("ledger has no waves", "contract", input.Contract)
		return result, nil
	}

	// Step 2: Archive
	var archiveResult *ArchiveWavesResult
	err := workflow.ExecuteActivity(ctx, a.ArchiveWaves, ArchiveWavesInput{Records: fetchResult.Records}).Get(ctx, &archiveResult)
	if err != nil {
		logger.Error("failed to archive waves", "error", err)
		errMsg := fmt.Sprintf("failed to archive waves: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to archive waves: %w", err)
	}
	result.Archived = len(archiveResult.Inserted)
	result.Skipped = archiveResult.Skipped

	if result.Archived == 0 {
		logger.Info("archive already up to date", "fetched", result.Fetched)
		return result, nil
	}

	// Step 3: Publish what was new
	var publishResult *PublishWavesResult
	err = workflow.ExecuteActivity(ctx, a.PublishWaves, PublishWavesInput{Records: archiveResult.Inserted}).Get(ctx, &publishResult)
	if err != nil {
		logger.Error("failed to publish waves", "error", err)
		errMsg := fmt.Sprintf("failed to publish waves: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to publish waves: %w", err)
	}
	result.Published = publishResult.Published

	logger.Info("SyncWavesWorkflow completed successfully",
		"fetched", result.Fetched,
		"archived", result.Archived,
		"skipped", result.Skipped,
		"published", result.Published,
	)

	return result, nil
}
