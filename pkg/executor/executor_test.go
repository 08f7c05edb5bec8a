package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessara/schedq/pkg/bus"
	"github.com/tessara/schedq/pkg/core"
	"github.com/tessara/schedq/pkg/idempotency"
	"github.com/tessara/schedq/pkg/registry"
	"github.com/tessara/schedq/pkg/store"
)

type fixture struct {
	store *store.MemoryStore
	bus   *bus.MemoryBus
	idem  *idempotency.MemoryStore
	reg   *registry.Registry
	exec  *Executor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		bus:   bus.NewMemoryBus(bus.WithPollInterval(time.Millisecond)),
		idem:  idempotency.NewMemoryStore(),
		reg:   registry.New(),
	}
	opts = append([]Option{WithConcurrency(2), WithWorkerID("test-worker")}, opts...)
	f.exec = New(f.store, f.bus, f.idem, f.reg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = f.exec.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		f.bus.Close()
	})
	return f
}

func (f *fixture) createJob(t *testing.T, mutate func(*core.Job)) *core.Job {
	t.Helper()
	job := &core.Job{
		Name:         "test-job",
		Type:         core.TypeCron,
		Schedule:     "* * * * *",
		Status:       core.JobActive,
		HandlerName:  "handler",
		HandlerType:  core.HandlerFunction,
		MaxRetries:   0,
		RetryDelayMS: 1,
		TimeoutMS:    5000,
		Concurrency:  1,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

// dispatch mimics the scheduler: a pending execution row plus a mirrored
// envelope on the dispatch stream.
func (f *fixture) dispatch(t *testing.T, job *core.Job) *core.JobExecution {
	t.Helper()
	ctx := context.Background()

	exec := &core.JobExecution{
		JobID:       job.ID,
		Status:      core.ExecPending,
		ScheduledAt: time.Now(),
		MaxRetries:  job.MaxRetries,
	}
	require.NoError(t, f.store.CreateExecution(ctx, exec))

	env, err := core.NewDispatchEnvelope(core.DispatchPayload{
		JobID:        job.ID,
		ExecutionID:  exec.ID,
		HandlerName:  job.HandlerName,
		HandlerType:  job.HandlerType,
		Payload:      job.Payload,
		TimeoutMS:    job.TimeoutMS,
		MaxRetries:   job.MaxRetries,
		RetryDelayMS: job.RetryDelayMS,
	}, "")
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, core.TopicDispatch, env, bus.WithMirror()))
	return exec
}

func (f *fixture) waitForStatus(t *testing.T, execID string, want core.ExecutionStatus) *core.JobExecution {
	t.Helper()
	var got *core.JobExecution
	require.Eventually(t, func() bool {
		exec, err := f.store.GetExecution(context.Background(), execID)
		if err != nil {
			return false
		}
		got = exec
		return exec.Status == want
	}, 3*time.Second, 5*time.Millisecond, "execution never reached %s", want)
	return got
}

func TestExecutor_Success(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.RegisterFunction("handler", func(ctx context.Context, args map[string]string) (string, error) {
		calls.Add(1)
		return "done:" + args["key"], nil
	})

	job := f.createJob(t, func(j *core.Job) {
		j.Payload = []byte(`{"key":"v1"}`)
	})
	exec := f.dispatch(t, job)

	got := f.waitForStatus(t, exec.ID, core.ExecSuccess)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []byte(`"done:v1"`), got.Result)
	assert.Equal(t, "test-worker", got.WorkerID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	fresh, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.ExecutionsCount)
	assert.Equal(t, 1, fresh.SuccessCount)
	assert.Equal(t, 0, fresh.FailureCount)
	require.NotNil(t, fresh.LastRun)
}

func TestExecutor_DuplicateDeliverySuppressed(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.RegisterFunction("handler", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	job := f.createJob(t, nil)
	exec := f.dispatch(t, job)
	f.waitForStatus(t, exec.ID, core.ExecSuccess)

	// Redeliver the same envelope, as an at-least-once bus may.
	env, err := core.NewDispatchEnvelope(core.DispatchPayload{
		JobID:       job.ID,
		ExecutionID: exec.ID,
		HandlerName: job.HandlerName,
		HandlerType: job.HandlerType,
		TimeoutMS:   job.TimeoutMS,
	}, "")
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), core.TopicDispatch, env, bus.WithMirror()))

	require.Eventually(t, func() bool {
		return f.exec.Stats().DuplicatesSuppressed >= 1
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	fresh, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.SuccessCount)
}

func TestExecutor_RetryExhaustion(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.RegisterFunction("handler", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("always fails")
	})

	job := f.createJob(t, func(j *core.Job) {
		j.MaxRetries = 2
	})
	exec := f.dispatch(t, job)

	// Original plus two retries, all failed.
	require.Eventually(t, func() bool {
		return calls.Load() == 3
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		execs, err := f.store.ListExecutions(context.Background(), job.ID, core.ExecutionListOptions{Status: core.ExecFailed})
		return err == nil && len(execs) == 3
	}, 5*time.Second, 5*time.Millisecond)

	execs, err := f.store.ListExecutions(context.Background(), job.ID, core.ExecutionListOptions{})
	require.NoError(t, err)
	require.Len(t, execs, 3)
	for _, e := range execs {
		assert.Equal(t, core.ExecFailed, e.Status)
		assert.Equal(t, exec.ID, e.OriginID)
		assert.Equal(t, "always fails", e.Error[len(e.Error)-len("always fails"):])
	}
	counts := map[int]bool{}
	for _, e := range execs {
		counts[e.RetryCount] = true
	}
	assert.True(t, counts[0] && counts[1] && counts[2])

	fresh, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, fresh.ExecutionsCount)
	assert.Equal(t, 3, fresh.FailureCount)
	assert.Equal(t, 0, fresh.SuccessCount)
}

func TestExecutor_RetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.RegisterFunction("handler", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	job := f.createJob(t, func(j *core.Job) {
		j.MaxRetries = 3
	})
	f.dispatch(t, job)

	require.Eventually(t, func() bool {
		execs, err := f.store.ListExecutions(context.Background(), job.ID, core.ExecutionListOptions{Status: core.ExecSuccess})
		return err == nil && len(execs) == 1
	}, 5*time.Second, 5*time.Millisecond)

	execs, err := f.store.ListExecutions(context.Background(), job.ID, core.ExecutionListOptions{})
	require.NoError(t, err)
	require.Len(t, execs, 2)

	fresh, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.FailureCount)
	assert.Equal(t, 1, fresh.SuccessCount)
}

func TestExecutor_NoRetryErrorTerminal(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.RegisterFunction("handler", func(ctx context.Context) error {
		calls.Add(1)
		return core.NoRetry(errors.New("bad input"))
	})

	job := f.createJob(t, func(j *core.Job) {
		j.MaxRetries = 5
	})
	exec := f.dispatch(t, job)

	f.waitForStatus(t, exec.ID, core.ExecFailed)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	execs, err := f.store.ListExecutions(context.Background(), job.ID, core.ExecutionListOptions{})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestExecutor_Timeout(t *testing.T) {
	f := newFixture(t)
	f.reg.RegisterFunction("handler", func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	job := f.createJob(t, func(j *core.Job) {
		j.TimeoutMS = 50
	})
	exec := f.dispatch(t, job)

	got := f.waitForStatus(t, exec.ID, core.ExecTimeout)
	assert.Contains(t, got.Error, "exceeded deadline")

	fresh, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.FailureCount)
}

func TestExecutor_UnknownHandlerFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)

	job := f.createJob(t, func(j *core.Job) {
		j.HandlerName = "never-registered"
		j.MaxRetries = 5
	})
	exec := f.dispatch(t, job)

	f.waitForStatus(t, exec.ID, core.ExecFailed)
	time.Sleep(50 * time.Millisecond)

	execs, err := f.store.ListExecutions(context.Background(), job.ID, core.ExecutionListOptions{})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestExecutor_OneTimeCompletesOnSuccess(t *testing.T) {
	f := newFixture(t)
	f.reg.RegisterFunction("handler", func(ctx context.Context) error { return nil })

	job := f.createJob(t, func(j *core.Job) {
		j.Type = core.TypeOneTime
		j.Schedule = ""
	})
	exec := f.dispatch(t, job)
	f.waitForStatus(t, exec.ID, core.ExecSuccess)

	require.Eventually(t, func() bool {
		fresh, err := f.store.GetJob(context.Background(), job.ID)
		return err == nil && fresh.Status == core.JobCompleted
	}, 3*time.Second, 5*time.Millisecond)

	fresh, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotNil(t, fresh.CompletedAt)
	assert.Nil(t, fresh.NextRun)
}

func TestExecutor_OneTimeCompletesAfterExhaustedFailure(t *testing.T) {
	f := newFixture(t)
	f.reg.RegisterFunction("handler", func(ctx context.Context) error {
		return errors.New("boom")
	})

	job := f.createJob(t, func(j *core.Job) {
		j.Type = core.TypeOneTime
		j.Schedule = ""
		j.MaxRetries = 1
	})
	f.dispatch(t, job)

	// Job is completed only after the retry chain resolves.
	require.Eventually(t, func() bool {
		fresh, err := f.store.GetJob(context.Background(), job.ID)
		return err == nil && fresh.Status == core.JobCompleted
	}, 5*time.Second, 5*time.Millisecond)

	execs, err := f.store.ListExecutions(context.Background(), job.ID, core.ExecutionListOptions{Status: core.ExecFailed})
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}

func TestExecutor_CancelledJobSkipsExecution(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.RegisterFunction("handler", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	job := f.createJob(t, func(j *core.Job) {
		j.Status = core.JobCancelled
	})
	exec := f.dispatch(t, job)

	f.waitForStatus(t, exec.ID, core.ExecCancelled)
	assert.Equal(t, int32(0), calls.Load())
}

func TestExecutor_PanicBecomesFailure(t *testing.T) {
	f := newFixture(t)
	f.reg.RegisterFunction("handler", func(ctx context.Context) error {
		panic("unexpected")
	})

	job := f.createJob(t, nil)
	exec := f.dispatch(t, job)

	got := f.waitForStatus(t, exec.ID, core.ExecFailed)
	assert.Contains(t, got.Error, "panic")
}

func TestExecutor_Hooks(t *testing.T) {
	var mu sync.Mutex
	var events []string
	hooks := Hooks{
		OnStart:   func(e *core.JobExecution) { mu.Lock(); events = append(events, "start"); mu.Unlock() },
		OnSuccess: func(e *core.JobExecution) { mu.Lock(); events = append(events, "success"); mu.Unlock() },
		OnRetry: func(e *core.JobExecution, at time.Time) {
			mu.Lock()
			events = append(events, "retry")
			mu.Unlock()
		},
	}

	f := newFixture(t, WithHooks(hooks))
	var calls atomic.Int32
	f.reg.RegisterFunction("handler", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	job := f.createJob(t, func(j *core.Job) {
		j.MaxRetries = 2
	})
	f.dispatch(t, job)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start", "retry", "start", "success"}, events)
}

func TestExecutor_PublishesExecutionEvents(t *testing.T) {
	f := newFixture(t)
	f.reg.RegisterFunction("handler", func(ctx context.Context) error { return nil })

	completed := make(chan *core.DispatchEnvelope, 1)
	_, err := f.bus.Subscribe(core.TopicExecutionCompleted, func(ctx context.Context, env *core.DispatchEnvelope) {
		select {
		case completed <- env:
		default:
		}
	})
	require.NoError(t, err)

	job := f.createJob(t, nil)
	exec := f.dispatch(t, job)
	f.waitForStatus(t, exec.ID, core.ExecSuccess)

	select {
	case env := <-completed:
		assert.Equal(t, core.EnvelopeEvent, env.Type)
		assert.Contains(t, string(env.Payload), exec.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no execution.completed event")
	}
}

// outageStore fails every write that records a successful outcome,
// simulating a store outage that outlives the write retry budget.
type outageStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *outageStore) UpdateExecution(ctx context.Context, exec *core.JobExecution) error {
	if exec.Status == core.ExecSuccess {
		s.mu.Lock()
		if s.failures > 0 {
			s.failures--
			s.mu.Unlock()
			return errors.New("store unavailable")
		}
		s.mu.Unlock()
	}
	return s.MemoryStore.UpdateExecution(ctx, exec)
}

func TestExecutor_OutcomeWriteOutageDoesNotRerunHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	flaky := &outageStore{MemoryStore: store.NewMemoryStore(), failures: 10}
	b := bus.NewMemoryBus(bus.WithPollInterval(time.Millisecond))
	idem := idempotency.NewMemoryStore()
	reg := registry.New()
	exec := New(flaky, b, idem, reg, WithConcurrency(2), WithWorkerID("test-worker"))
	go func() { _ = exec.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		b.Close()
	})

	var calls atomic.Int32
	reg.RegisterFunction("handler", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	job := &core.Job{
		Name:        "outage-job",
		Type:        core.TypeCron,
		Schedule:    "* * * * *",
		Status:      core.JobActive,
		HandlerName: "handler",
		HandlerType: core.HandlerFunction,
		TimeoutMS:   5000,
		Concurrency: 1,
	}
	require.NoError(t, flaky.CreateJob(context.Background(), job))

	row := &core.JobExecution{
		JobID:       job.ID,
		Status:      core.ExecPending,
		ScheduledAt: time.Now(),
	}
	require.NoError(t, flaky.CreateExecution(context.Background(), row))

	env, err := core.NewDispatchEnvelope(core.DispatchPayload{
		JobID:       job.ID,
		ExecutionID: row.ID,
		HandlerName: job.HandlerName,
		HandlerType: job.HandlerType,
		TimeoutMS:   job.TimeoutMS,
	}, "")
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), core.TopicDispatch, env, bus.WithMirror()))

	require.Eventually(t, func() bool {
		return calls.Load() >= 1
	}, 10*time.Second, 5*time.Millisecond)

	// The success write keeps failing past the retry budget. The claim
	// must survive so the envelope cannot be redelivered into a second
	// handler run.
	time.Sleep(5 * time.Second)
	assert.Equal(t, int32(1), calls.Load(), "handler side effect repeated for one dispatch envelope")

	claimed, _, err := idem.BeginOnce(context.Background(), env.ID, time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestExecutor_EmitsTypedEvents(t *testing.T) {
	f := newFixture(t)
	events := f.exec.Events()
	var calls atomic.Int32
	f.reg.RegisterFunction("handler", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	job := f.createJob(t, func(j *core.Job) {
		j.MaxRetries = 2
	})
	f.dispatch(t, job)

	var got []core.Event
	timeout := time.After(5 * time.Second)
	for len(got) < 4 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("saw %d events, want 4", len(got))
		}
	}

	started, ok := got[0].(*core.ExecutionStarted)
	require.True(t, ok, "got %T", got[0])
	assert.Equal(t, job.ID, started.JobID)
	assert.Equal(t, 0, started.RetryCount)

	retrying, ok := got[1].(*core.ExecutionRetrying)
	require.True(t, ok, "got %T", got[1])
	assert.Equal(t, 1, retrying.Attempt)
	assert.NotEqual(t, retrying.ExecutionID, retrying.NextExecutionID)

	_, ok = got[2].(*core.ExecutionStarted)
	require.True(t, ok, "got %T", got[2])

	completed, ok := got[3].(*core.ExecutionCompleted)
	require.True(t, ok, "got %T", got[3])
	assert.Equal(t, job.ID, completed.JobID)
	assert.Equal(t, retrying.NextExecutionID, completed.ExecutionID)

	f.exec.Unsubscribe(events)
}

func TestExecutor_EmitsFailureEvent(t *testing.T) {
	f := newFixture(t)
	events := f.exec.Events()
	f.reg.RegisterFunction("handler", func(ctx context.Context) error {
		return errors.New("boom")
	})

	job := f.createJob(t, nil)
	exec := f.dispatch(t, job)
	f.waitForStatus(t, exec.ID, core.ExecFailed)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			failed, ok := e.(*core.ExecutionFailed)
			if !ok {
				continue
			}
			assert.Equal(t, exec.ID, failed.ExecutionID)
			assert.Equal(t, core.ExecFailed, failed.Status)
			assert.Contains(t, failed.Error, "boom")
			return
		case <-timeout:
			t.Fatal("no failure event")
		}
	}
}

func TestExecutor_Stats(t *testing.T) {
	f := newFixture(t)
	f.reg.RegisterFunction("handler", func(ctx context.Context) error { return nil })

	job := f.createJob(t, nil)
	exec := f.dispatch(t, job)
	f.waitForStatus(t, exec.ID, core.ExecSuccess)

	require.Eventually(t, func() bool {
		s := f.exec.Stats()
		return s.Processed == 1 && s.Succeeded == 1
	}, 3*time.Second, 5*time.Millisecond)
}
