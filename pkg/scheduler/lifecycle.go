package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tessara/schedq/pkg/core"
	"github.com/tessara/schedq/pkg/schedule"
	"github.com/tessara/schedq/pkg/security"
)

// JobSpec describes a job to create. Zero execution-policy fields take the
// scheduler defaults; MaxRetries below zero disables retries.
type JobSpec struct {
	Name        string
	Description string

	// Schedule is a five-field cron expression (cron/recurring jobs).
	Schedule string
	// Timezone is an IANA zone name; empty means UTC.
	Timezone string

	HandlerName string
	HandlerType core.HandlerType
	// Payload is marshalled to JSON and passed to the handler.
	Payload any

	MaxRetries   int
	RetryDelay   time.Duration
	Timeout      time.Duration
	Priority     int
	Concurrency  int
	AllowOverlap bool

	// Recurring bounds.
	StartDate     *time.Time
	EndDate       *time.Time
	MaxExecutions int

	ScopeID   string
	CreatedBy string

	// Disabled creates the job paused instead of active.
	Disabled bool
}

func (s *Scheduler) buildJob(spec JobSpec, typ core.JobType) (*core.Job, error) {
	if err := security.ValidateJobName(spec.Name); err != nil {
		return nil, core.Validation("name", err)
	}
	if err := security.ValidateHandlerName(spec.HandlerName); err != nil {
		return nil, core.Validation("handler_name", err)
	}
	if err := security.ValidateTimezone(spec.Timezone); err != nil {
		return nil, err
	}

	var payload []byte
	if spec.Payload != nil {
		raw, err := json.Marshal(spec.Payload)
		if err != nil {
			return nil, core.Validation("payload", err)
		}
		if err := security.ValidatePayload(raw); err != nil {
			return nil, core.Validation("payload", err)
		}
		payload = raw
	}

	handlerType := spec.HandlerType
	if handlerType == "" {
		handlerType = core.HandlerFunction
	}

	maxRetries := spec.MaxRetries
	switch {
	case maxRetries < 0:
		maxRetries = 0
	case maxRetries == 0:
		maxRetries = s.config.DefaultMaxRetries
	default:
		maxRetries = security.ClampRetries(maxRetries)
	}

	retryDelay := spec.RetryDelay
	if retryDelay <= 0 {
		retryDelay = s.config.DefaultRetryDelay
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}
	concurrency := spec.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	status := core.JobActive
	if spec.Disabled {
		status = core.JobPaused
	}

	return &core.Job{
		Name:          spec.Name,
		Description:   spec.Description,
		Type:          typ,
		Schedule:      spec.Schedule,
		Timezone:      spec.Timezone,
		StartDate:     spec.StartDate,
		EndDate:       spec.EndDate,
		MaxExecutions: spec.MaxExecutions,
		HandlerName:   spec.HandlerName,
		HandlerType:   handlerType,
		Payload:       payload,
		MaxRetries:    maxRetries,
		RetryDelayMS:  retryDelay.Milliseconds(),
		TimeoutMS:     timeout.Milliseconds(),
		Priority:      spec.Priority,
		Concurrency:   security.ClampConcurrency(concurrency),
		AllowOverlap:  spec.AllowOverlap,
		Status:        status,
		ScopeID:       spec.ScopeID,
		CreatedBy:     spec.CreatedBy,
	}, nil
}

// Schedule creates a cron job. The cron expression is validated eagerly and
// next_run is the first occurrence strictly after now.
func (s *Scheduler) Schedule(ctx context.Context, spec JobSpec) (*core.Job, error) {
	return s.scheduleCron(ctx, spec, core.TypeCron)
}

// ScheduleRecurring creates a recurring job bounded by the spec's
// start/end dates and execution cap.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, spec JobSpec) (*core.Job, error) {
	if spec.StartDate != nil && spec.EndDate != nil && !spec.EndDate.After(*spec.StartDate) {
		return nil, core.Validation("end_date", fmt.Errorf("end_date must be after start_date"))
	}
	return s.scheduleCron(ctx, spec, core.TypeRecurring)
}

func (s *Scheduler) scheduleCron(ctx context.Context, spec JobSpec, typ core.JobType) (*core.Job, error) {
	job, err := s.buildJob(spec, typ)
	if err != nil {
		return nil, err
	}

	next, err := schedule.NextRunForJob(job, s.now())
	if err != nil {
		return nil, err
	}
	if next.IsZero() {
		return nil, core.Validation("schedule", fmt.Errorf("schedule has no future occurrence"))
	}
	job.NextRun = &next

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job scheduled",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.String("type", string(typ)),
		zap.Time("next_run", next))
	s.publishLifecycle(ctx, core.TopicJobCreated, job)
	return job, nil
}

// ScheduleOnce creates a one-time job that fires at executeAt, which must
// be strictly in the future.
func (s *Scheduler) ScheduleOnce(ctx context.Context, spec JobSpec, executeAt time.Time) (*core.Job, error) {
	if !executeAt.After(s.now()) {
		return nil, core.Validation("execute_at", fmt.Errorf("execute_at must be in the future"))
	}

	job, err := s.buildJob(spec, core.TypeOneTime)
	if err != nil {
		return nil, err
	}
	job.NextRun = &executeAt

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("one-time job scheduled",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.Time("execute_at", executeAt))
	s.publishLifecycle(ctx, core.TopicJobCreated, job)
	return job, nil
}

// Reschedule replaces the cron expression of a cron/recurring job and
// recomputes next_run. Illegal on one-time and terminal jobs.
func (s *Scheduler) Reschedule(ctx context.Context, jobID, newSchedule string) (*core.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Type != core.TypeCron && job.Type != core.TypeRecurring {
		return nil, core.StateConflict(jobID, job.Status, "reschedule a "+string(job.Type)+" job")
	}
	if job.Status.IsTerminal() {
		return nil, core.StateConflict(jobID, job.Status, "reschedule")
	}

	job.Schedule = newSchedule
	next, err := schedule.NextRunForJob(job, s.now())
	if err != nil {
		return nil, err
	}
	if next.IsZero() {
		return nil, core.Validation("schedule", fmt.Errorf("schedule has no future occurrence"))
	}
	job.NextRun = &next

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job rescheduled",
		zap.String("job_id", job.ID), zap.Time("next_run", next))
	s.publishLifecycle(ctx, core.TopicJobUpdated, job)
	return job, nil
}

// PauseJob removes the job from dispatch visibility. Legal only from
// active; next_run is retained unchanged for audit.
func (s *Scheduler) PauseJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != core.JobActive {
		return core.StateConflict(jobID, job.Status, "pause")
	}

	job.Status = core.JobPaused
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	s.logger.Info("job paused", zap.String("job_id", jobID))
	s.publishLifecycle(ctx, core.TopicJobPaused, job)
	return nil
}

// ResumeJob reactivates a paused job. next_run is recomputed from "now"
// forward; missed occurrences are not replayed unless the scheduler was
// configured for catch-up, in which case the single most recent missed
// occurrence dispatches immediately.
func (s *Scheduler) ResumeJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != core.JobPaused {
		return core.StateConflict(jobID, job.Status, "resume")
	}

	now := s.now()
	catchUp := s.config.CatchUp && job.NextRun != nil && !job.NextRun.After(now)
	if catchUp {
		// Replay exactly one occurrence: the most recent one missed
		// while paused, not the oldest.
		last := *job.NextRun
		for {
			next, err := schedule.NextRunForJob(job, last)
			if err != nil {
				return err
			}
			if next.IsZero() || next.After(now) {
				break
			}
			last = next
		}
		job.NextRun = &last
	} else {
		next, err := schedule.NextRunForJob(job, now)
		if err != nil {
			return err
		}
		if next.IsZero() {
			// No occurrence remains; the job is finished.
			job.Status = core.JobCompleted
			job.NextRun = nil
			completed := now
			job.CompletedAt = &completed
			if err := s.store.UpdateJob(ctx, job); err != nil {
				return err
			}
			s.publishLifecycle(ctx, core.TopicJobUpdated, job)
			return nil
		}
		job.NextRun = &next
	}

	job.Status = core.JobActive
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	s.logger.Info("job resumed",
		zap.String("job_id", jobID),
		zap.Bool("catch_up", catchUp),
		zap.Timep("next_run", job.NextRun))
	s.publishLifecycle(ctx, core.TopicJobResumed, job)
	return nil
}

// CancelJob stops all future dispatch. Legal from any non-terminal state;
// in-flight executions are not preempted.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return core.StateConflict(jobID, job.Status, "cancel")
	}

	now := s.now()
	job.Status = core.JobCancelled
	job.NextRun = nil
	job.CancelledAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	s.logger.Info("job cancelled", zap.String("job_id", jobID))
	s.publishLifecycle(ctx, core.TopicJobCancelled, job)
	return nil
}

// Unschedule deletes the job and all of its executions. Destructive; used
// for retraction.
func (s *Scheduler) Unschedule(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}

	s.logger.Info("job unscheduled", zap.String("job_id", jobID))
	s.publishLifecycle(ctx, core.TopicJobDeleted, job)
	return nil
}

// GetJob returns a job by id.
func (s *Scheduler) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching the filter.
func (s *Scheduler) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// ListExecutions returns the execution history of a job.
func (s *Scheduler) ListExecutions(ctx context.Context, jobID string, opts core.ExecutionListOptions) ([]*core.JobExecution, error) {
	return s.store.ListExecutions(ctx, jobID, opts)
}

// RetryExecution re-runs a terminally failed execution as a fresh attempt
// chain, outside the original retry budget.
func (s *Scheduler) RetryExecution(ctx context.Context, executionID string) (*core.JobExecution, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != core.ExecFailed && exec.Status != core.ExecTimeout {
		return nil, core.StateConflict(exec.JobID, core.JobStatus(exec.Status), "retry execution")
	}
	job, err := s.store.GetJob(ctx, exec.JobID)
	if err != nil {
		return nil, err
	}

	return s.dispatchExecution(ctx, job, s.now(), true)
}
