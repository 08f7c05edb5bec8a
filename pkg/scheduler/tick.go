package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tessara/schedq/pkg/bus"
	"github.com/tessara/schedq/pkg/core"
	"github.com/tessara/schedq/pkg/schedule"
)

// Tick runs one dispatch pass: find due jobs, claim each atomically,
// record an execution, and publish its envelope. Exported so tests and
// embedded callers can drive the tick directly.
func (s *Scheduler) Tick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	s.stats.ticks.Add(1)
	now := s.now()

	due, err := s.store.GetDueJobs(ctx, now, s.config.DueBatchLimit)
	if err != nil {
		s.lastTickOK.Store(false)
		s.logger.Error("due-job scan failed", zap.Error(err))
		return
	}
	s.lastTickOK.Store(true)

	for _, job := range due {
		if err := s.dispatchDueJob(ctx, job, now); err != nil {
			s.logger.Error("dispatch failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// dispatchDueJob claims one due occurrence and either dispatches it or,
// when the overlap guard trips, records a skipped execution. The claim
// advances next_run either way.
func (s *Scheduler) dispatchDueJob(ctx context.Context, job *core.Job, now time.Time) error {
	occurredAt := *job.NextRun

	next, nextStatus, err := s.advanceAfter(ctx, job, now)
	if err != nil {
		return err
	}

	claimed, err := s.store.ClaimDueJob(ctx, job.ID, occurredAt, next, nextStatus)
	if err != nil {
		return err
	}
	if !claimed {
		// Another dispatcher won this occurrence.
		s.stats.claimsLost.Add(1)
		return nil
	}
	job.NextRun = next
	job.Status = nextStatus

	if !job.AllowOverlap {
		live, err := s.store.CountLiveExecutions(ctx, job.ID)
		if err != nil {
			return err
		}
		if live >= job.Concurrency {
			return s.recordSkipped(ctx, job, now)
		}
	}

	_, err = s.dispatchExecution(ctx, job, occurredAt, false)
	return err
}

// advanceAfter computes the claim target: the job's next occurrence after
// now, or a terminal transition when the schedule is exhausted.
func (s *Scheduler) advanceAfter(ctx context.Context, job *core.Job, now time.Time) (*time.Time, core.JobStatus, error) {
	if job.Type == core.TypeOneTime {
		// The single occurrence is dispatching; the executor moves the
		// job to completed once it resolves.
		return nil, core.JobActive, nil
	}

	if job.MaxExecutions > 0 {
		dispatched, err := s.countOriginExecutions(ctx, job.ID)
		if err != nil {
			return nil, "", err
		}
		// This claim is occurrence dispatched+1.
		if dispatched+1 >= job.MaxExecutions {
			return nil, core.JobCompleted, nil
		}
	}

	next, err := schedule.NextRunForJob(job, now)
	if err != nil {
		return nil, "", err
	}
	if next.IsZero() {
		return nil, core.JobCompleted, nil
	}
	return &next, core.JobActive, nil
}

// countOriginExecutions counts dispatched occurrences for the
// execution-cap check. Retry attempts, overlap-guard skip rows, and
// manual retries are not occurrences and do not count.
func (s *Scheduler) countOriginExecutions(ctx context.Context, jobID string) (int, error) {
	execs, err := s.store.ListExecutions(ctx, jobID, core.ExecutionListOptions{})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range execs {
		if e.RetryCount != 0 || e.Manual || e.Status == core.ExecSkipped {
			continue
		}
		count++
	}
	return count, nil
}

// recordSkipped writes an audit row for an occurrence suppressed by the
// overlap guard.
func (s *Scheduler) recordSkipped(ctx context.Context, job *core.Job, now time.Time) error {
	exec := &core.JobExecution{
		JobID:       job.ID,
		Status:      core.ExecSkipped,
		ScheduledAt: now,
		MaxRetries:  job.MaxRetries,
	}
	completed := now
	exec.CompletedAt = &completed

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return err
	}
	s.stats.jobsSkipped.Add(1)
	s.logger.Info("occurrence skipped by overlap guard",
		zap.String("job_id", job.ID),
		zap.Int("concurrency", job.Concurrency))
	return nil
}

// dispatchExecution creates a pending execution and publishes its envelope
// to the durable dispatch stream.
func (s *Scheduler) dispatchExecution(ctx context.Context, job *core.Job, scheduledAt time.Time, manual bool) (*core.JobExecution, error) {
	span := trace.SpanFromContext(ctx)

	exec := &core.JobExecution{
		JobID:       job.ID,
		Status:      core.ExecPending,
		ScheduledAt: scheduledAt,
		MaxRetries:  job.MaxRetries,
		Manual:      manual,
	}
	if sc := span.SpanContext(); sc.IsValid() {
		exec.TraceID = sc.TraceID().String()
		exec.ParentSpanID = sc.SpanID().String()
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	env, err := core.NewDispatchEnvelope(core.DispatchPayload{
		JobID:        job.ID,
		ExecutionID:  exec.ID,
		HandlerName:  job.HandlerName,
		HandlerType:  job.HandlerType,
		Payload:      job.Payload,
		TimeoutMS:    job.TimeoutMS,
		MaxRetries:   job.MaxRetries,
		RetryDelayMS: job.RetryDelayMS,
	}, exec.TraceID)
	if err != nil {
		return nil, err
	}

	if err := s.bus.Publish(ctx, core.TopicDispatch, env, bus.WithMirror()); err != nil {
		s.stats.publishFailures.Add(1)
		s.transportFailures.Add(1)
		// The pending execution row stays for audit; next_run already
		// advanced, so the occurrence surfaces as an orphaned pending
		// execution rather than dispatching twice.
		return nil, &core.TransportError{Op: "dispatch publish", Err: err}
	}
	s.transportFailures.Store(0)

	s.stats.jobsDispatched.Add(1)
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("execution.id", exec.ID),
	)
	s.logger.Debug("dispatched",
		zap.String("job_id", job.ID),
		zap.String("execution_id", exec.ID),
		zap.Time("scheduled_at", scheduledAt))
	return exec, nil
}
