package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Executor runs a stored job to completion.
type Executor interface {
	Execute(ctx context.Context, id string) error
}

// LocalDispatcher runs each job on its own goroutine in the submitting process.
type LocalDispatcher struct {
	base   context.Context
	logger *slog.Logger

	mu   sync.RWMutex
	exec Executor
	wg   sync.WaitGroup
}

// NewLocalDispatcher constructs a dispatcher whose jobs stop when base is cancelled.
func NewLocalDispatcher(base context.Context, logger *slog.Logger) *LocalDispatcher {
	if base == nil {
		base = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalDispatcher{base: base, logger: logger}
}

// Bind attaches the executor. Runner.New binds itself.
func (d *LocalDispatcher) Bind(exec Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exec = exec
}

// Dispatch starts the job and returns immediately.
func (d *LocalDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.RLock()
	exec := d.exec
	d.mu.RUnlock()
	if exec == nil {
		return errors.New("local dispatcher: no executor bound")
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := exec.Execute(d.base, jobID); err != nil {
			d.logger.Error("execute job", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched job returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
