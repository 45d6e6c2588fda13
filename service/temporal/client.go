package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ Scheduler = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

func (c *Client) workflowAction(contract string) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        "sync-waves-" + contract,
		Workflow:  "SyncWavesWorkflow",
		TaskQueue: c.taskQueue,
		Args:      []interface{}{SyncWavesInput{Contract: contract}},
	}
}

// CreateSyncSchedule creates a new Temporal schedule for syncing a contract.
func (c *Client) CreateSyncSchedule(ctx context.Context, contract string, interval time.Duration) error {
	id := scheduleID(contract)

	c.logger.Debug("creating sync schedule",
		"contract", contract,
		"schedule_id", id,
		"interval", interval,
	)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: c.workflowAction(contract),
		Memo: map[string]interface{}{
			"contract":   contract,
			"created_by": "waveportal",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"contract", contract,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("sync schedule created",
		"contract", contract,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// UpsertSyncSchedule creates or updates the sync schedule.
// If the schedule already exists, it updates the interval. Otherwise, it creates a new schedule.
func (c *Client) UpsertSyncSchedule(ctx context.Context, contract string, interval time.Duration) error {
	id := scheduleID(contract)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.CreateSyncSchedule(ctx, contract, interval)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"contract", contract,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("sync schedule updated",
		"contract", contract,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// DeleteSyncSchedule deletes the sync schedule.
func (c *Client) DeleteSyncSchedule(ctx context.Context, contract string) error {
	id := scheduleID(contract)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"contract", contract,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("sync schedule deleted", "contract", contract, "schedule_id", id)
	return nil
}

// RunSync executes one sync immediately and waits for its result.
func (c *Client) RunSync(ctx context.Context, contract string) (*SyncWavesResult, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("sync-waves-%s-manual-%d", contract, time.Now().Unix()),
		TaskQueue: c.taskQueue,
	}, SyncWavesWorkflow, SyncWavesInput{Contract: contract})
	if err != nil {
		return nil, fmt.Errorf("failed to start sync: %w", err)
	}

	c.logger.Info("sync started", "workflow_id", run.GetID(), "run_id", run.GetRunID())

	var result SyncWavesResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("sync failed: %w", err)
	}
	return &result, nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
