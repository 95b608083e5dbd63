package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/minerp/internal/jobs"
	"github.com/odyssey-erp/minerp/internal/runner"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRunnerExecute executes one stored runner job.
	TaskRunnerExecute = "runner:execute"
	// TaskOverdueSweep flips unpaid invoices past their due date to OVERDUE.
	TaskOverdueSweep = "payables:overdue_sweep"
)

// RunnerExecutePayload names the job to execute.
type RunnerExecutePayload struct {
	JobID string `json:"job_id"`
}

// NewRunnerExecuteTask constructs the task for a job. Jobs are never retried by the queue;
// failures are stored on the job itself.
func NewRunnerExecuteTask(jobID string) (*asynq.Task, error) {
	if jobID == "" {
		return nil, errors.New("runner execute: job id required")
	}
	body, err := json.Marshal(RunnerExecutePayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRunnerExecute, body, asynq.Queue(QueueDefault), asynq.MaxRetry(0)), nil
}

// NewRunnerExecuteHandler executes runner jobs delivered by the queue.
func NewRunnerExecuteHandler(exec runner.Executor, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload RunnerExecutePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.JobID == "" {
			logger.Warn("runner execute: bad payload", slog.Any("error", err))
			return asynq.SkipRetry
		}
		if err := exec.Execute(ctx, payload.JobID); err != nil {
			logger.Error("runner execute", slog.String("job_id", payload.JobID), slog.Any("error", err))
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return nil
	}
}

// AsynqDispatcher hands runner jobs to the worker process through the queue.
type AsynqDispatcher struct {
	client *Client
}

// NewAsynqDispatcher constructs the dispatcher.
func NewAsynqDispatcher(client *Client) *AsynqDispatcher {
	return &AsynqDispatcher{client: client}
}

// Dispatch enqueues the job.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	if d == nil || d.client == nil {
		return errors.New("asynq dispatcher: client not configured")
	}
	_, err := d.client.EnqueueRunnerExecute(ctx, jobID)
	return err
}

// OverdueSweeper refreshes invoice payment statuses against the clock.
type OverdueSweeper interface {
	RefreshOverdue(ctx context.Context) (int, error)
}

// OverdueSweepPayload carries scheduling metadata.
type OverdueSweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewOverdueSweepTask constructs the sweep task.
func NewOverdueSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(OverdueSweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverdueSweep, body, asynq.Queue(QueueDefault)), nil
}

// OverdueSweepJob runs the payables overdue refresh.
type OverdueSweepJob struct {
	Sweeper OverdueSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle executes the sweep delivered by the scheduler.
func (j *OverdueSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if len(t.Payload()) > 0 {
		var payload OverdueSweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	return j.Sweep(ctx)
}

// Sweep runs one overdue refresh and records it under the sweep task name.
func (j *OverdueSweepJob) Sweep(ctx context.Context) error {
	if j == nil || j.Sweeper == nil {
		return errors.New("overdue sweep: dependencies not configured")
	}
	tracker := j.Metrics.Track(TaskOverdueSweep)
	start := time.Now()
	updated, err := j.Sweeper.RefreshOverdue(ctx)
	j.Metrics.AddUnits(TaskOverdueSweep, updated)
	if err != nil {
		j.log().Error("overdue sweep", slog.Int("updated", updated), slog.Any("error", err))
		return tracker.End("", err)
	}
	j.log().Info("overdue sweep", slog.Int("updated", updated), slog.Duration("duration", time.Since(start)))
	return tracker.End("", nil)
}

// RunEvery sweeps once and then on every tick until ctx ends. Processes that dispatch jobs
// locally have no scheduler and use this instead of the cron task.
func (j *OverdueSweepJob) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for ctx.Err() == nil {
		// failures are logged and counted by Sweep; the next tick retries
		_ = j.Sweep(ctx)
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

func (j *OverdueSweepJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
