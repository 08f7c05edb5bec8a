// Package executor consumes dispatch envelopes and runs job handlers with
// effectively-once semantics.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tessara/schedq/pkg/bus"
	"github.com/tessara/schedq/pkg/core"
	"github.com/tessara/schedq/pkg/idempotency"
	"github.com/tessara/schedq/pkg/registry"
	"github.com/tessara/schedq/pkg/retrypolicy"
)

// Stats are the execution-side counters.
type Stats struct {
	Processed            uint64
	Succeeded            uint64
	Failed               uint64
	TimedOut             uint64
	RetriesScheduled     uint64
	DuplicatesSuppressed uint64
}

type statCounters struct {
	processed            atomic.Uint64
	succeeded            atomic.Uint64
	failed               atomic.Uint64
	timedOut             atomic.Uint64
	retriesScheduled     atomic.Uint64
	duplicatesSuppressed atomic.Uint64
}

// Executor is the worker pool pulling dispatch envelopes from a consumer
// group. Workers coordinate only through the idempotency store and the
// job store; there is no direct worker-to-worker communication.
type Executor struct {
	store    core.JobStore
	bus      bus.Bus
	idem     idempotency.Store
	registry *registry.Registry
	policy   retrypolicy.Policy
	config   Config
	hooks    Hooks
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu        sync.RWMutex
	eventSubs []chan core.Event

	stats statCounters
	wg    sync.WaitGroup
}

// unrecordedOutcomeError marks a store fault that struck after the handler
// already ran. The claim must not be released for it: redelivery would
// repeat the handler's side effects.
type unrecordedOutcomeError struct {
	err error
}

func (e *unrecordedOutcomeError) Error() string {
	return fmt.Sprintf("outcome not recorded: %v", e.err)
}

func (e *unrecordedOutcomeError) Unwrap() error { return e.err }

// New creates an Executor.
func New(store core.JobStore, b bus.Bus, idem idempotency.Store, reg *registry.Registry, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		bus:      b,
		idem:     idem,
		registry: reg,
		policy:   retrypolicy.Default(),
		config: Config{
			Group:         "executors",
			Concurrency:   4,
			IdemTTLMargin: time.Hour,
		},
		logger: zap.NewNop(),
		tracer: otel.Tracer("schedq/executor"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt.apply(e)
	}
	if e.config.WorkerID == "" {
		e.config.WorkerID = uuid.New().String()
	}
	return e
}

// Start launches the worker pool and blocks until ctx is cancelled.
func (e *Executor) Start(ctx context.Context) error {
	e.logger.Info("executor started",
		zap.String("worker_id", e.config.WorkerID),
		zap.String("group", e.config.Group),
		zap.Int("concurrency", e.config.Concurrency))

	for i := 0; i < e.config.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", e.config.WorkerID, i)
		deliveries, err := e.bus.ConsumeGroup(ctx, core.TopicDispatch, e.config.Group, consumer)
		if err != nil {
			return err
		}
		e.wg.Add(1)
		go e.workerLoop(ctx, deliveries)
	}

	e.wg.Wait()
	return ctx.Err()
}

// Stats returns a snapshot of the execution counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Processed:            e.stats.processed.Load(),
		Succeeded:            e.stats.succeeded.Load(),
		Failed:               e.stats.failed.Load(),
		TimedOut:             e.stats.timedOut.Load(),
		RetriesScheduled:     e.stats.retriesScheduled.Load(),
		DuplicatesSuppressed: e.stats.duplicatesSuppressed.Load(),
	}
}

// Events returns a channel receiving typed execution events. Slow
// consumers miss events rather than blocking workers.
func (e *Executor) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	e.mu.Lock()
	e.eventSubs = append(e.eventSubs, ch)
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events.
func (e *Executor) Unsubscribe(ch <-chan core.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.eventSubs {
		if sub == ch {
			e.eventSubs = append(e.eventSubs[:i], e.eventSubs[i+1:]...)
			return
		}
	}
}

func (e *Executor) emit(ev core.Event) {
	e.mu.RLock()
	subs := make([]chan core.Event, len(e.eventSubs))
	copy(subs, e.eventSubs)
	e.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Drop rather than block a worker on a slow consumer.
		}
	}
}

func (e *Executor) workerLoop(ctx context.Context, deliveries <-chan *bus.Delivery) {
	defer e.wg.Done()
	for d := range deliveries {
		e.process(ctx, d)
	}
}

// process handles one delivery end to end. Transport acknowledgement is
// decoupled from execution outcome: application failures are modeled as
// new executions, so the envelope itself is always acked unless an
// infrastructure fault prevented any progress.
func (e *Executor) process(ctx context.Context, d *bus.Delivery) {
	env := d.Envelope
	if env.Type != core.EnvelopeDispatch {
		_ = d.Ack(ctx)
		return
	}

	p, err := env.DispatchPayload()
	if err != nil {
		e.logger.Error("undecodable dispatch envelope",
			zap.String("envelope_id", env.ID), zap.Error(err))
		_ = d.Ack(ctx)
		return
	}

	// Idempotency gate: first claimant wins; everyone else acks and walks
	// away, whether the prior claim is still running or already done.
	claimed, _, err := e.idem.BeginOnce(ctx, env.ID, e.idemTTL(p))
	if err != nil {
		e.logger.Warn("idempotency claim failed, requeueing",
			zap.String("envelope_id", env.ID), zap.Error(err))
		_ = d.Nack(ctx)
		return
	}
	if !claimed {
		e.stats.duplicatesSuppressed.Add(1)
		e.logger.Debug("duplicate delivery suppressed",
			zap.String("envelope_id", env.ID))
		_ = d.Ack(ctx)
		return
	}

	e.stats.processed.Add(1)
	if infraErr := e.run(ctx, env, p); infraErr != nil {
		var unrecorded *unrecordedOutcomeError
		if errors.As(infraErr, &unrecorded) {
			// The handler already ran. Keep the claim so a redelivery
			// cannot run it again; the lost outcome is surfaced here
			// instead of re-executing.
			e.logger.Error("outcome unrecorded after handler ran",
				zap.String("envelope_id", env.ID), zap.Error(infraErr))
			_ = e.idem.MarkDone(ctx, env.ID, nil)
			_ = d.Ack(ctx)
			return
		}
		// The handler never ran and no progress was recorded; release
		// the claim and let the bus redeliver.
		e.logger.Error("execution aborted on infrastructure error",
			zap.String("envelope_id", env.ID), zap.Error(infraErr))
		_ = e.idem.Delete(ctx, env.ID)
		_ = d.Nack(ctx)
		return
	}
	_ = d.Ack(ctx)
}

// idemTTL pads the worst-case retry-chain duration so the done marker
// outlives any straggling redelivery.
func (e *Executor) idemTTL(p core.DispatchPayload) time.Duration {
	timeout := time.Duration(p.TimeoutMS) * time.Millisecond
	retries := time.Duration(p.MaxRetries) * time.Duration(p.RetryDelayMS) * time.Millisecond
	return timeout + retries + e.config.IdemTTLMargin
}

// run executes one claimed envelope. The returned error is infrastructural
// (store/bus unavailable before any outcome was recorded); handler
// failures are recorded as outcomes and return nil.
func (e *Executor) run(ctx context.Context, env *core.DispatchEnvelope, p core.DispatchPayload) error {
	ctx, span := e.tracer.Start(ctx, "executor.run")
	defer span.End()

	exec, err := e.store.GetExecution(ctx, p.ExecutionID)
	if err != nil {
		if core.IsNotFound(err) {
			// Execution retracted (job unscheduled); nothing to do.
			return e.markDone(ctx, env.ID, nil)
		}
		return err
	}
	if exec.Status.IsTerminal() {
		return e.markDone(ctx, env.ID, nil)
	}

	job, err := e.store.GetJob(ctx, p.JobID)
	if err != nil {
		if core.IsNotFound(err) {
			return e.markDone(ctx, env.ID, nil)
		}
		return err
	}
	if job.Status == core.JobCancelled {
		// Cancellation stops anything not yet started.
		now := e.now()
		exec.Status = core.ExecCancelled
		exec.CompletedAt = &now
		if err := e.updateExecution(ctx, exec); err != nil {
			return err
		}
		return e.markDone(ctx, env.ID, nil)
	}

	started := e.now()
	exec.Status = core.ExecRunning
	exec.StartedAt = &started
	exec.WorkerID = e.config.WorkerID
	if sc := span.SpanContext(); sc.IsValid() {
		exec.SpanID = sc.SpanID().String()
		if exec.TraceID == "" {
			exec.TraceID = sc.TraceID().String()
		}
	}
	if err := e.updateExecution(ctx, exec); err != nil {
		return err
	}

	e.emit(&core.ExecutionStarted{
		JobID:       exec.JobID,
		ExecutionID: exec.ID,
		RetryCount:  exec.RetryCount,
		Timestamp:   started,
	})
	e.publishExecutionEvent(ctx, core.TopicExecutionStarted, exec, "")
	if e.hooks.OnStart != nil {
		e.hooks.OnStart(exec)
	}

	invocable, err := e.registry.Resolve(p.HandlerName, p.HandlerType)
	if err != nil {
		// Unknown handler is a configuration error, not transient:
		// terminal regardless of the retry budget.
		return e.resolveFailure(ctx, env, job, exec, core.ExecFailed, core.NoRetry(err))
	}

	// Past this point the handler has run (or been abandoned mid-run): a
	// store fault must not release the claim and re-execute it.
	result, execErr := e.invoke(ctx, invocable, p, job.Timeout())
	if execErr == nil {
		if err := e.resolveSuccess(ctx, env, job, exec, result); err != nil {
			return &unrecordedOutcomeError{err: err}
		}
		return nil
	}

	status := core.ExecFailed
	var timeoutErr *core.ExecutionTimeoutError
	if errors.As(execErr, &timeoutErr) {
		status = core.ExecTimeout
	}
	if err := e.resolveFailure(ctx, env, job, exec, status, execErr); err != nil {
		return &unrecordedOutcomeError{err: err}
	}
	return nil
}

// invoke runs the handler under the job deadline. A handler that overruns
// is abandoned: its goroutine keeps the cancelled context and the
// idempotency record prevents double effects if it eventually tries to
// record a result.
func (e *Executor) invoke(ctx context.Context, inv registry.Invocable, p core.DispatchPayload, timeout time.Duration) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result []byte
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := inv.Invoke(cctx, p.Payload)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			// A handler that notices the deadline and returns its
			// context error still counts as a timeout.
			if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, &core.ExecutionTimeoutError{ExecutionID: p.ExecutionID, Timeout: timeout}
			}
			return nil, &core.ExecutionFailure{ExecutionID: p.ExecutionID, Err: out.err}
		}
		return out.result, nil
	case <-cctx.Done():
		if ctx.Err() != nil {
			// Shutdown, not a handler overrun.
			return nil, &core.ExecutionFailure{ExecutionID: p.ExecutionID, Err: ctx.Err()}
		}
		return nil, &core.ExecutionTimeoutError{ExecutionID: p.ExecutionID, Timeout: timeout}
	}
}

func (e *Executor) resolveSuccess(ctx context.Context, env *core.DispatchEnvelope, job *core.Job, exec *core.JobExecution, result []byte) error {
	now := e.now()
	exec.Status = core.ExecSuccess
	exec.CompletedAt = &now
	if exec.StartedAt != nil {
		exec.DurationMS = now.Sub(*exec.StartedAt).Milliseconds()
	}
	exec.Result = result

	if err := e.updateExecution(ctx, exec); err != nil {
		return err
	}
	if err := e.applyOutcome(ctx, job.ID, core.ExecutionOutcome{
		Success:  true,
		Duration: exec.Duration(),
		LastRun:  now,
	}); err != nil {
		return err
	}
	if job.Type == core.TypeOneTime {
		if err := e.completeOneTime(ctx, job, now); err != nil {
			return err
		}
	}
	if err := e.markDone(ctx, env.ID, result); err != nil {
		return err
	}

	e.stats.succeeded.Add(1)
	e.emit(&core.ExecutionCompleted{
		JobID:       job.ID,
		ExecutionID: exec.ID,
		Duration:    exec.Duration(),
		Timestamp:   now,
	})
	e.publishExecutionEvent(ctx, core.TopicExecutionCompleted, exec, "")
	if e.hooks.OnSuccess != nil {
		e.hooks.OnSuccess(exec)
	}
	e.logger.Info("execution succeeded",
		zap.String("job_id", job.ID),
		zap.String("execution_id", exec.ID),
		zap.Int64("duration_ms", exec.DurationMS))
	return nil
}

// resolveFailure records a failed or timed-out attempt, then either chains
// a retry execution or terminates. The envelope is never requeued for an
// application failure: retries are new executions with fresh idempotency
// keys.
func (e *Executor) resolveFailure(ctx context.Context, env *core.DispatchEnvelope, job *core.Job, exec *core.JobExecution, status core.ExecutionStatus, execErr error) error {
	now := e.now()
	exec.Status = status
	exec.CompletedAt = &now
	if exec.StartedAt != nil {
		exec.DurationMS = now.Sub(*exec.StartedAt).Milliseconds()
	}
	exec.Error = execErr.Error()

	var noRetry *core.NoRetryError
	retryable := !exec.ExhaustedRetries() && !errors.As(execErr, &noRetry)

	var successor *core.JobExecution
	if retryable {
		delay := retrypolicy.ComputeBackoff(exec.RetryCount, job.RetryDelay(), e.policy.MaxDelay, e.policy.JitterFraction)
		nextAt := now.Add(delay)
		exec.NextRetryAt = &nextAt

		successor = &core.JobExecution{
			JobID:       job.ID,
			Status:      core.ExecPending,
			ScheduledAt: nextAt,
			RetryCount:  exec.RetryCount + 1,
			MaxRetries:  exec.MaxRetries,
			OriginID:    exec.OriginID,
			TraceID:     exec.TraceID,
		}
	}

	if err := e.updateExecution(ctx, exec); err != nil {
		return err
	}
	if err := e.applyOutcome(ctx, job.ID, core.ExecutionOutcome{
		Success:  false,
		Duration: exec.Duration(),
		LastRun:  now,
	}); err != nil {
		return err
	}

	if successor != nil {
		if err := e.scheduleRetry(ctx, job, exec, successor); err != nil {
			return err
		}
	} else if job.Type == core.TypeOneTime {
		// A one-time job has no further occurrences regardless of
		// outcome.
		if err := e.completeOneTime(ctx, job, now); err != nil {
			return err
		}
	}

	if err := e.markDone(ctx, env.ID, nil); err != nil {
		return err
	}

	if status == core.ExecTimeout {
		e.stats.timedOut.Add(1)
	} else {
		e.stats.failed.Add(1)
	}
	if successor == nil {
		e.emit(&core.ExecutionFailed{
			JobID:       job.ID,
			ExecutionID: exec.ID,
			Status:      status,
			Error:       exec.Error,
			Timestamp:   now,
		})
		e.publishExecutionEvent(ctx, core.TopicExecutionFailed, exec, exec.Error)
		if e.hooks.OnFailure != nil {
			e.hooks.OnFailure(exec, execErr)
		}
	}
	e.logger.Warn("execution failed",
		zap.String("job_id", job.ID),
		zap.String("execution_id", exec.ID),
		zap.String("status", string(status)),
		zap.Int("retry_count", exec.RetryCount),
		zap.Bool("retry_scheduled", successor != nil),
		zap.Error(execErr))
	return nil
}

// scheduleRetry persists the successor execution and publishes its
// envelope with deferred delivery.
func (e *Executor) scheduleRetry(ctx context.Context, job *core.Job, failed, successor *core.JobExecution) error {
	if err := e.store.CreateExecution(ctx, successor); err != nil {
		return err
	}

	env, err := core.NewDispatchEnvelope(core.DispatchPayload{
		JobID:        job.ID,
		ExecutionID:  successor.ID,
		HandlerName:  job.HandlerName,
		HandlerType:  job.HandlerType,
		Payload:      job.Payload,
		TimeoutMS:    job.TimeoutMS,
		RetryCount:   successor.RetryCount,
		MaxRetries:   successor.MaxRetries,
		RetryDelayMS: job.RetryDelayMS,
	}, successor.TraceID)
	if err != nil {
		return err
	}

	if err := e.bus.Publish(ctx, core.TopicDispatch, env, bus.WithDeliverAt(successor.ScheduledAt)); err != nil {
		return &core.TransportError{Op: "retry publish", Err: err}
	}

	e.stats.retriesScheduled.Add(1)
	e.emit(&core.ExecutionRetrying{
		JobID:           job.ID,
		ExecutionID:     failed.ID,
		NextExecutionID: successor.ID,
		Attempt:         successor.RetryCount,
		NextRetryAt:     successor.ScheduledAt,
		Timestamp:       e.now(),
	})
	if e.hooks.OnRetry != nil {
		e.hooks.OnRetry(failed, successor.ScheduledAt)
	}
	e.logger.Info("retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("failed_execution_id", failed.ID),
		zap.String("retry_execution_id", successor.ID),
		zap.Int("retry_count", successor.RetryCount),
		zap.Time("next_retry_at", successor.ScheduledAt))
	return nil
}

// completeOneTime moves a one-time job to completed once its single
// execution chain resolves.
func (e *Executor) completeOneTime(ctx context.Context, job *core.Job, now time.Time) error {
	fresh, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if fresh.Status.IsTerminal() {
		return nil
	}
	fresh.Status = core.JobCompleted
	fresh.NextRun = nil
	fresh.CompletedAt = &now
	return e.withStorageRetry(ctx, func() error {
		return e.store.UpdateJob(ctx, fresh)
	})
}

func (e *Executor) updateExecution(ctx context.Context, exec *core.JobExecution) error {
	return e.withStorageRetry(ctx, func() error {
		return e.store.UpdateExecution(ctx, exec)
	})
}

func (e *Executor) applyOutcome(ctx context.Context, jobID string, outcome core.ExecutionOutcome) error {
	return e.withStorageRetry(ctx, func() error {
		return e.store.ApplyOutcome(ctx, jobID, outcome)
	})
}

func (e *Executor) markDone(ctx context.Context, key string, result []byte) error {
	return e.withStorageRetry(ctx, func() error {
		return e.idem.MarkDone(ctx, key, result)
	})
}

// withStorageRetry retries transient store failures with exponential
// backoff. NotFound is permanent and returned immediately.
func (e *Executor) withStorageRetry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err != nil && core.IsNotFound(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(wrapped, bo)
}

// publishExecutionEvent notifies external collaborators on the bus.
func (e *Executor) publishExecutionEvent(ctx context.Context, topic string, exec *core.JobExecution, errMsg string) {
	body, err := json.Marshal(map[string]any{
		"job_id":       exec.JobID,
		"execution_id": exec.ID,
		"status":       exec.Status,
		"retry_count":  exec.RetryCount,
		"error":        errMsg,
	})
	if err != nil {
		return
	}
	env := &core.DispatchEnvelope{
		ID:        uuid.New().String(),
		Type:      core.EnvelopeEvent,
		Timestamp: e.now().UTC(),
		Payload:   body,
	}
	if err := e.bus.Publish(ctx, topic, env); err != nil {
		e.logger.Warn("execution event publish failed",
			zap.String("topic", topic), zap.Error(err))
	}
}
