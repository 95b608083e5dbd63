package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/minerp/internal/jobs"
	"github.com/odyssey-erp/minerp/internal/shared"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, id)
	return nil
}

func newTestRunner(t *testing.T, store Store, d Dispatcher) *Runner {
	t.Helper()
	return New(store, d, jobmetrics.NewMetrics(prometheus.NewRegistry()), nil)
}

func TestSubmitAndExecute(t *testing.T) {
	ctx := context.Background()
	d := &recordingDispatcher{}
	r := newTestRunner(t, NewMemoryStore(), d)
	r.Register("count", func(ctx context.Context, job Job, p *Progress) (string, error) {
		var params struct{ N int64 }
		require.NoError(t, json.Unmarshal(job.Params, &params))
		require.NoError(t, p.SetTotal(ctx, params.N))
		for i := int64(0); i < params.N; i++ {
			if err := p.Step(ctx); err != nil {
				return "", err
			}
			require.NoError(t, p.Done(ctx, 1))
		}
		return "exports/count.csv", nil
	})

	job, err := r.Submit(ctx, SubmitRequest{Kind: "count", Params: json.RawMessage(`{"N":3}`), ActorID: 9})
	require.NoError(t, err)
	require.Equal(t, StatusPending, job.Status)
	require.Equal(t, []string{job.ID}, d.ids)

	require.NoError(t, r.Execute(ctx, job.ID))
	got, err := r.Poll(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(3), got.Processed)
	assert.Equal(t, int64(3), got.Total)
	assert.Equal(t, "exports/count.csv", got.OutputRef)
	assert.Equal(t, int64(9), got.ActorID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	// a second delivery of the same job is ignored
	require.NoError(t, r.Execute(ctx, job.ID))
}

func TestSubmitRejectsUnknownKindAndBadParams(t *testing.T) {
	r := newTestRunner(t, NewMemoryStore(), &recordingDispatcher{})
	r.Register("noop", func(context.Context, Job, *Progress) (string, error) { return "", nil })

	_, err := r.Submit(context.Background(), SubmitRequest{Kind: "nope"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = r.Submit(context.Background(), SubmitRequest{Kind: "noop", Params: json.RawMessage(`{`)})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = r.Poll(context.Background(), "missing")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestFailurePreservesProgress(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, NewMemoryStore(), &recordingDispatcher{})
	r.Register("flaky", func(ctx context.Context, _ Job, p *Progress) (string, error) {
		require.NoError(t, p.SetTotal(ctx, 5))
		require.NoError(t, p.Done(ctx, 2))
		return "", errors.New("row 3: unknown vendor")
	})
	job, err := r.Submit(ctx, SubmitRequest{Kind: "flaky"})
	require.NoError(t, err)
	require.NoError(t, r.Execute(ctx, job.ID))

	got, err := r.Poll(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "row 3: unknown vendor", got.Error)
	require.Equal(t, int64(2), got.Processed)
	require.Equal(t, int64(5), got.Total)

	_, err = r.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, shared.ErrPrecondition)
}

func TestPanicIsCaptured(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, NewMemoryStore(), &recordingDispatcher{})
	r.Register("boom", func(context.Context, Job, *Progress) (string, error) { panic("boom") })
	job, err := r.Submit(ctx, SubmitRequest{Kind: "boom"})
	require.NoError(t, err)
	require.NoError(t, r.Execute(ctx, job.ID))

	got, err := r.Poll(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "panic: boom", got.Error)
}

func TestCancelPending(t *testing.T) {
	ctx := context.Background()
	ran := false
	r := newTestRunner(t, NewMemoryStore(), &recordingDispatcher{})
	r.Register("noop", func(context.Context, Job, *Progress) (string, error) {
		ran = true
		return "", nil
	})
	job, err := r.Submit(ctx, SubmitRequest{Kind: "noop"})
	require.NoError(t, err)

	cancelled, err := r.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	require.NoError(t, r.Execute(ctx, job.ID))
	require.False(t, ran)

	_, err = r.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, shared.ErrPrecondition)
}

func TestCancelProcessingStopsPromptly(t *testing.T) {
	ctx := context.Background()
	d := NewLocalDispatcher(ctx, nil)
	r := newTestRunner(t, NewMemoryStore(), d)
	started := make(chan struct{})
	var once sync.Once
	r.Register("endless", func(ctx context.Context, _ Job, p *Progress) (string, error) {
		for {
			if err := p.Step(ctx); err != nil {
				return "", err
			}
			once.Do(func() { close(started) })
			if err := p.Done(ctx, 1); err != nil {
				return "", err
			}
			time.Sleep(time.Millisecond)
		}
	})

	job, err := r.Submit(ctx, SubmitRequest{Kind: "endless"})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	flagged, err := r.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, flagged.CancelRequested)
	d.Wait()

	got, err := r.Poll(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.Positive(t, got.Processed)
	require.Empty(t, got.Error)
}

func TestShutdownWithoutCancelFailsJob(t *testing.T) {
	r := newTestRunner(t, NewMemoryStore(), &recordingDispatcher{})
	runCtx, shutdown := context.WithCancel(context.Background())
	r.Register("endless", func(ctx context.Context, _ Job, p *Progress) (string, error) {
		for i := 0; ; i++ {
			if i == 3 {
				shutdown()
			}
			if err := p.Step(ctx); err != nil {
				return "", err
			}
			if err := p.Done(ctx, 1); err != nil {
				return "", err
			}
		}
	})

	job, err := r.Submit(context.Background(), SubmitRequest{Kind: "endless"})
	require.NoError(t, err)
	require.NoError(t, r.Execute(runCtx, job.ID))

	got, err := r.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.False(t, got.CancelRequested)
	require.Contains(t, got.Error, context.Canceled.Error())
	require.Equal(t, int64(3), got.Processed)
	require.NotNil(t, got.FinishedAt)

	// the job is terminal, so a late Cancel is refused
	_, err = r.Cancel(context.Background(), job.ID)
	require.ErrorIs(t, err, shared.ErrPrecondition)
}

func TestDeadlineFailsJobWithContextError(t *testing.T) {
	r := newTestRunner(t, NewMemoryStore(), &recordingDispatcher{})
	r.Register("slow", func(ctx context.Context, _ Job, p *Progress) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("write chunk: %w", ctx.Err())
	})
	job, err := r.Submit(context.Background(), SubmitRequest{Kind: "slow"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Execute(ctx, job.ID))

	got, err := r.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "write chunk: context deadline exceeded", got.Error)
}

func TestDispatchFailureMarksJobFailed(t *testing.T) {
	r := newTestRunner(t, NewMemoryStore(), &recordingDispatcher{err: errors.New("queue down")})
	r.Register("noop", func(context.Context, Job, *Progress) (string, error) { return "", nil })
	job, err := r.Submit(context.Background(), SubmitRequest{Kind: "noop"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, job.Status)
	require.Contains(t, job.Error, "queue down")
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, time.Hour)
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	require.ErrorIs(t, err, shared.ErrNotFound)

	job := Job{ID: "j-1", Kind: "csv_export", Status: StatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Create(ctx, job))
	require.Error(t, store.Create(ctx, job))

	updated, err := store.Update(ctx, job.ID, func(j *Job) error {
		j.Status = StatusProcessing
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, updated.Status)
	require.Zero(t, mr.TTL("minerp:job:j-1"))

	_, err = store.Update(ctx, job.ID, func(j *Job) error { return errors.New("nope") })
	require.Error(t, err)

	_, err = store.Update(ctx, job.ID, func(j *Job) error {
		j.Status = StatusCompleted
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, time.Hour, mr.TTL("minerp:job:j-1"))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}

func TestRedisStoreConcurrentUpdates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, 0)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Job{ID: "j-2", Status: StatusProcessing}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "j-2", func(j *Job) error {
				j.Processed++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	got, err := store.Get(ctx, "j-2")
	require.NoError(t, err)
	require.Equal(t, int64(8), got.Processed)
}
