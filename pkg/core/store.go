package core

import (
	"context"
	"time"
)

// JobFilter narrows ListJobs results. Zero values mean "any".
type JobFilter struct {
	Status  JobStatus
	Type    JobType
	ScopeID string
	Name    string
	Limit   int
	Offset  int
}

// ExecutionListOptions narrows ListExecutions results. An empty Status
// means "any".
type ExecutionListOptions struct {
	Status ExecutionStatus
	Limit  int
	Offset int
}

// ExecutionOutcome folds the counter updates applied to a job after an
// execution attempt resolves. Every resolved attempt counts: a retried
// failure bumps failure_count even though its chain continues.
type ExecutionOutcome struct {
	Success  bool
	Duration time.Duration
	LastRun  time.Time
}

// JobStore is the persistence boundary of the core. Implementations must
// serialize concurrent writes to the same job/execution row.
type JobStore interface {
	// Migrate creates the backing tables where applicable.
	Migrate(ctx context.Context) error

	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	UpdateJobStatus(ctx context.Context, id string, status JobStatus, nextRun *time.Time) error
	// DeleteJob removes the job and cascades deletion of its executions.
	DeleteJob(ctx context.Context, id string) error

	// GetDueJobs returns active jobs with next_run <= now, ordered by
	// priority descending then next_run ascending.
	GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// ClaimDueJob advances next_run from expected to next atomically;
	// returns false when another dispatcher won the claim. A nil next
	// transitions the job to the given status with next_run cleared.
	ClaimDueJob(ctx context.Context, id string, expected time.Time, next *time.Time, status JobStatus) (bool, error)

	// ApplyOutcome updates job counters, last_run and the incremental
	// average duration in one write.
	ApplyOutcome(ctx context.Context, jobID string, outcome ExecutionOutcome) error

	// Executions
	CreateExecution(ctx context.Context, exec *JobExecution) error
	GetExecution(ctx context.Context, id string) (*JobExecution, error)
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	ListExecutions(ctx context.Context, jobID string, opts ExecutionListOptions) ([]*JobExecution, error)
	// CountLiveExecutions counts pending+running executions for a job;
	// the dispatch tick uses it for the overlap guard.
	CountLiveExecutions(ctx context.Context, jobID string) (int, error)

	// Event handler registrations
	CreateEventHandler(ctx context.Context, h *EventHandler) error
	ListEventHandlers(ctx context.Context, eventName string) ([]*EventHandler, error)
	UpdateEventHandler(ctx context.Context, h *EventHandler) error
	DeleteEventHandler(ctx context.Context, id string) error
	// RecordEventOutcome atomically increments the trigger counter and
	// the success or failure counter of a registration; concurrent
	// deliveries must not lose increments.
	RecordEventOutcome(ctx context.Context, id string, success bool) error
}
