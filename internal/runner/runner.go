package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	jobmetrics "github.com/odyssey-erp/minerp/internal/jobs"
	"github.com/odyssey-erp/minerp/internal/shared"
)

// WorkFunc performs the work of one job. It reports progress through p and returns a reference
// to its output, if any.
type WorkFunc func(ctx context.Context, job Job, p *Progress) (outputRef string, err error)

// Dispatcher hands a stored job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// SubmitRequest describes a job submission.
type SubmitRequest struct {
	Kind    Kind
	Params  json.RawMessage
	ActorID int64
}

// Runner owns job records and executes registered work.
type Runner struct {
	store      Store
	dispatcher Dispatcher
	metrics    *jobmetrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	work    map[Kind]WorkFunc
	running map[string]*Progress
}

// New constructs a Runner. A nil dispatcher selects a LocalDispatcher bound to the runner.
func New(store Store, dispatcher Dispatcher, metrics *jobmetrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = NewLocalDispatcher(context.Background(), logger)
	}
	r := &Runner{
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		work:       make(map[Kind]WorkFunc),
		running:    make(map[string]*Progress),
	}
	if b, ok := dispatcher.(interface{ Bind(Executor) }); ok {
		b.Bind(r)
	}
	return r
}

// WithNow overrides the clock, primarily for tests.
func (r *Runner) WithNow(now func() time.Time) *Runner {
	if now != nil {
		r.now = now
	}
	return r
}

// Register installs the work function of a kind.
func (r *Runner) Register(kind Kind, fn WorkFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.work[kind] = fn
}

// Kinds lists registered kinds.
func (r *Runner) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.work))
	for k := range r.work {
		out = append(out, k)
	}
	return out
}

// Submit stores a PENDING job and dispatches it. It never waits for the work itself.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	if _, ok := r.workFor(req.Kind); !ok {
		return Job{}, &shared.RuleError{Kind: shared.ErrValidation, Entity: "job", Field: "kind", Rule: "unknown job kind", Detail: string(req.Kind)}
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return Job{}, &shared.RuleError{Kind: shared.ErrValidation, Entity: "job", Field: "params", Rule: "must be valid JSON"}
	}
	job := Job{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Status:    StatusPending,
		Params:    req.Params,
		ActorID:   req.ActorID,
		CreatedAt: r.now(),
	}
	if err := r.store.Create(ctx, job); err != nil {
		return Job{}, err
	}
	if err := r.dispatcher.Dispatch(ctx, job.ID); err != nil {
		r.logger.Error("dispatch job", slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)), slog.Any("error", err))
		failed, uerr := r.finish(ctx, job.ID, StatusFailed, "", fmt.Sprintf("dispatch: %v", err))
		if uerr != nil {
			return Job{}, errors.Join(err, uerr)
		}
		return failed, nil
	}
	r.logger.Info("job submitted", slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)))
	return job, nil
}

// Poll returns the current snapshot of a job.
func (r *Runner) Poll(ctx context.Context, id string) (Job, error) {
	return r.store.Get(ctx, id)
}

// Cancel cancels a PENDING job at once and flags a PROCESSING job for cooperative cancellation.
// Terminal jobs fail with a precondition error.
func (r *Runner) Cancel(ctx context.Context, id string) (Job, error) {
	job, err := r.store.Update(ctx, id, func(job *Job) error {
		switch {
		case job.Status.IsTerminal():
			return precondition(job.ID, fmt.Sprintf("job already %s", job.Status))
		case job.Status == StatusPending:
			now := r.now()
			job.Status = StatusCancelled
			job.CancelRequested = true
			job.FinishedAt = &now
		default:
			job.CancelRequested = true
		}
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	progress := r.running[id]
	r.mu.RUnlock()
	if progress != nil {
		progress.cancelled.Store(true)
		progress.stop()
	}
	r.logger.Info("job cancel requested", slog.String("job_id", id), slog.String("status", string(job.Status)))
	return job, nil
}

// Execute runs a PENDING job to a terminal state. Work failures are stored on the job, not returned;
// the returned error covers only bookkeeping failures.
func (r *Runner) Execute(ctx context.Context, id string) error {
	job, err := r.store.Update(ctx, id, func(job *Job) error {
		if job.Status != StatusPending {
			return precondition(job.ID, fmt.Sprintf("job is %s, not PENDING", job.Status))
		}
		now := r.now()
		job.Status = StatusProcessing
		job.StartedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrPrecondition) {
			r.logger.Info("job skipped", slog.String("job_id", id), slog.Any("reason", err))
			return nil
		}
		return err
	}

	fn, ok := r.workFor(job.Kind)
	if !ok {
		_, err := r.finish(ctx, id, StatusFailed, "", fmt.Sprintf("unknown job kind %q", job.Kind))
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	progress := &Progress{runner: r, jobID: id, kind: job.Kind, stop: cancel}
	r.mu.Lock()
	r.running[id] = progress
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, id)
		r.mu.Unlock()
		cancel()
	}()

	tracker := r.metrics.Track(string(job.Kind))
	output, workErr := r.run(runCtx, fn, job, progress)
	if workErr != nil && !progress.cancelled.Load() {
		// Cancel may have come through another process sharing the store
		if latest, err := r.store.Get(context.WithoutCancel(ctx), id); err == nil && latest.CancelRequested {
			progress.cancelled.Store(true)
		}
	}

	// Only a Cancel call ends a run as CANCELLED. A worker shutdown or deadline on the parent
	// context is an interrupted run and fails with the context error.
	status := StatusCompleted
	message := ""
	switch {
	case progress.cancelled.Load():
		status = StatusCancelled
		output = ""
	case workErr != nil:
		status = StatusFailed
		message = workErr.Error()
		if cause := ctx.Err(); cause != nil && !errors.Is(workErr, cause) {
			message = fmt.Sprintf("%v: %s", cause, message)
		}
	}
	if status == StatusCancelled {
		tracker.End("cancelled", nil)
	} else {
		tracker.End("", workErr)
	}

	// bookkeeping outlives a cancelled run context
	finished, err := r.finish(context.WithoutCancel(ctx), id, status, output, message)
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if status == StatusFailed {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "job finished",
		slog.String("job_id", id),
		slog.String("kind", string(job.Kind)),
		slog.String("status", string(finished.Status)),
		slog.Int64("processed", finished.Processed),
		slog.Int64("total", finished.Total),
		slog.String("error", message))
	return nil
}

func (r *Runner) run(ctx context.Context, fn WorkFunc, job Job, p *Progress) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("job panic", slog.String("job_id", job.ID), slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			output = ""
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, job, p)
}

func (r *Runner) finish(ctx context.Context, id string, status Status, output, message string) (Job, error) {
	return r.store.Update(ctx, id, func(job *Job) error {
		now := r.now()
		job.Status = status
		job.OutputRef = output
		job.Error = message
		job.FinishedAt = &now
		return nil
	})
}

func (r *Runner) workFor(kind Kind) (WorkFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.work[kind]
	return fn, ok
}

// Progress records counters for a running job and carries the cancellation check.
type Progress struct {
	runner    *Runner
	jobID     string
	kind      Kind
	stop      context.CancelFunc
	cancelled atomic.Bool
}

// SetTotal records the number of units the job expects to process.
func (p *Progress) SetTotal(ctx context.Context, total int64) error {
	_, err := p.runner.store.Update(ctx, p.jobID, func(job *Job) error {
		job.Total = total
		return nil
	})
	return err
}

// Step must be called before each unit of work. It returns ErrCancelled once cancellation was
// requested, or the context error when the run context ends for another reason; the caller stops
// and returns that error.
func (p *Progress) Step(ctx context.Context) error {
	if p.cancelled.Load() {
		return ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := p.runner.store.Get(ctx, p.jobID)
	if err != nil {
		return err
	}
	if job.CancelRequested {
		p.cancelled.Store(true)
		return ErrCancelled
	}
	return nil
}

// Done records n completed units.
func (p *Progress) Done(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := p.runner.store.Update(context.WithoutCancel(ctx), p.jobID, func(job *Job) error {
		job.Processed += n
		return nil
	})
	p.runner.metrics.AddUnits(string(p.kind), int(n))
	return err
}
