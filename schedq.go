// Package schedq provides a reliable job-scheduling and dispatch engine:
// cron, one-time, and recurring jobs dispatched over a message bus and
// executed effectively once by a pool of competing workers.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Storage, bus, and idempotency backends
//	db, _ := gorm.Open(sqlite.Open("schedq.db"), &gorm.Config{})
//	store := schedq.NewGormStore(db)
//	store.Migrate(context.Background())
//	b := schedq.NewMemoryBus()
//	idem := schedq.NewMemoryIdempotencyStore()
//
//	// Register a handler
//	reg := schedq.NewRegistry()
//	reg.RegisterFunction("send-report", func(ctx context.Context, req Report) error {
//	    return send(req)
//	})
//
//	// Schedule a job and run the engine
//	sched := schedq.NewScheduler(store, b)
//	sched.Schedule(ctx, schedq.JobSpec{
//	    Name:        "nightly-report",
//	    Schedule:    "0 2 * * *",
//	    HandlerName: "send-report",
//	})
//	exec := schedq.NewExecutor(store, b, idem, reg)
//	go sched.Start(ctx)
//	exec.Start(ctx)
package schedq

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tessara/schedq/pkg/bus"
	"github.com/tessara/schedq/pkg/core"
	"github.com/tessara/schedq/pkg/executor"
	"github.com/tessara/schedq/pkg/idempotency"
	"github.com/tessara/schedq/pkg/registry"
	"github.com/tessara/schedq/pkg/retrypolicy"
	"github.com/tessara/schedq/pkg/schedule"
	"github.com/tessara/schedq/pkg/scheduler"
	"github.com/tessara/schedq/pkg/security"
	"github.com/tessara/schedq/pkg/store"
)

// Type aliases re-exported from pkg/ packages.
type (
	// Job is a persistent scheduled work definition.
	Job = core.Job

	// JobExecution is one attempt (original or retry) to run a job.
	JobExecution = core.JobExecution

	// JobType discriminates cron, one-time, and recurring jobs.
	JobType = core.JobType

	// JobStatus is the lifecycle state of a job.
	JobStatus = core.JobStatus

	// ExecutionStatus is the state of a single execution attempt.
	ExecutionStatus = core.ExecutionStatus

	// HandlerType discriminates function, agent, and workflow handlers.
	HandlerType = core.HandlerType

	// EventHandler is a persistent event-name-to-handler registration.
	EventHandler = core.EventHandler

	// EventAction describes a declarative side effect of an event handler.
	EventAction = core.EventAction

	// DispatchEnvelope is the bus wire format.
	DispatchEnvelope = core.DispatchEnvelope

	// DispatchPayload is the dispatch-envelope body.
	DispatchPayload = core.DispatchPayload

	// JobStore is the persistence interface for jobs and executions.
	JobStore = core.JobStore

	// JobFilter narrows ListJobs.
	JobFilter = core.JobFilter

	// ExecutionListOptions narrows ListExecutions.
	ExecutionListOptions = core.ExecutionListOptions

	// Event is the interface for in-process scheduler events.
	Event = core.Event

	// JobEvent is emitted on job lifecycle transitions.
	JobEvent = core.JobEvent

	// ExecutionStarted is emitted when an execution begins.
	ExecutionStarted = core.ExecutionStarted

	// ExecutionCompleted is emitted when an execution succeeds.
	ExecutionCompleted = core.ExecutionCompleted

	// ExecutionFailed is emitted when an execution fails terminally.
	ExecutionFailed = core.ExecutionFailed

	// ExecutionRetrying is emitted when a failed attempt schedules a
	// successor.
	ExecutionRetrying = core.ExecutionRetrying

	// NoRetryError marks an error that must not be retried.
	NoRetryError = core.NoRetryError

	// ValidationError rejects bad input at creation time.
	ValidationError = core.ValidationError

	// StateConflictError rejects lifecycle actions from the wrong state.
	StateConflictError = core.StateConflictError

	// Scheduler owns the job lifecycle and the dispatch tick.
	Scheduler = scheduler.Scheduler

	// SchedulerOption configures a Scheduler.
	SchedulerOption = scheduler.Option

	// JobSpec is the input for scheduling a job.
	JobSpec = scheduler.JobSpec

	// EventCallback handles a named platform event.
	EventCallback = scheduler.EventCallback

	// EventOption configures an event-handler registration.
	EventOption = scheduler.EventOption

	// SchedulerStats are the dispatch-side counters.
	SchedulerStats = scheduler.Stats

	// Executor is the worker pool consuming dispatch envelopes.
	Executor = executor.Executor

	// ExecutorOption configures an Executor.
	ExecutorOption = executor.Option

	// ExecutorStats are the execution-side counters.
	ExecutorStats = executor.Stats

	// Hooks are optional executor lifecycle callbacks.
	Hooks = executor.Hooks

	// Registry maps handler names to invocables.
	Registry = registry.Registry

	// AgentDispatcher hands agent-type work to an external agent runtime.
	AgentDispatcher = registry.AgentDispatcher

	// WorkflowTrigger starts workflow-type work in an external engine.
	WorkflowTrigger = registry.WorkflowTrigger

	// Bus is the message transport.
	Bus = bus.Bus

	// Delivery is one consumer-group message with ack/nack.
	Delivery = bus.Delivery

	// MemoryBus is the in-process Bus.
	MemoryBus = bus.MemoryBus

	// RedisBus is the Redis-backed Bus.
	RedisBus = bus.RedisBus

	// IdempotencyStore records execution claims and completions.
	IdempotencyStore = idempotency.Store

	// Schedule computes occurrence times.
	Schedule = schedule.Schedule

	// RetryPolicy shapes backoff between retry attempts.
	RetryPolicy = retrypolicy.Policy

	// MemoryStore is the in-memory JobStore.
	MemoryStore = store.MemoryStore

	// GormStore is the GORM-backed JobStore.
	GormStore = store.GormStore
)

// Job type constants.
const (
	TypeCron      = core.TypeCron
	TypeOneTime   = core.TypeOneTime
	TypeRecurring = core.TypeRecurring
)

// Job status constants.
const (
	JobPending   = core.JobPending
	JobActive    = core.JobActive
	JobPaused    = core.JobPaused
	JobCompleted = core.JobCompleted
	JobFailed    = core.JobFailed
	JobCancelled = core.JobCancelled
)

// Execution status constants.
const (
	ExecPending   = core.ExecPending
	ExecRunning   = core.ExecRunning
	ExecSuccess   = core.ExecSuccess
	ExecFailed    = core.ExecFailed
	ExecTimeout   = core.ExecTimeout
	ExecCancelled = core.ExecCancelled
	ExecSkipped   = core.ExecSkipped
)

// Handler type constants.
const (
	HandlerFunction = core.HandlerFunction
	HandlerAgent    = core.HandlerAgent
	HandlerWorkflow = core.HandlerWorkflow
)

// Bus topics.
const (
	TopicDispatch           = core.TopicDispatch
	TopicJobCreated         = core.TopicJobCreated
	TopicJobUpdated         = core.TopicJobUpdated
	TopicJobDeleted         = core.TopicJobDeleted
	TopicJobPaused          = core.TopicJobPaused
	TopicJobResumed         = core.TopicJobResumed
	TopicJobCancelled       = core.TopicJobCancelled
	TopicExecutionStarted   = core.TopicExecutionStarted
	TopicExecutionCompleted = core.TopicExecutionCompleted
	TopicExecutionFailed    = core.TopicExecutionFailed
)

// Security limits.
const (
	MaxJobNameLength      = security.MaxJobNameLength
	MaxPayloadSize        = security.MaxPayloadSize
	MaxRetries            = security.MaxRetries
	MaxConcurrency        = security.MaxConcurrency
	MaxErrorMessageLength = security.MaxErrorMessageLength
)

// Error variables.
var (
	ErrInvalidJobName     = core.ErrInvalidJobName
	ErrJobNameTooLong     = core.ErrJobNameTooLong
	ErrInvalidHandlerName = core.ErrInvalidHandlerName
	ErrInvalidEventName   = core.ErrInvalidEventName
	ErrPayloadTooLarge    = core.ErrPayloadTooLarge
	ErrAlreadyDone        = idempotency.ErrAlreadyDone
)

// NewScheduler creates a Scheduler for the given store and bus.
func NewScheduler(s JobStore, b Bus, opts ...SchedulerOption) *Scheduler {
	return scheduler.New(s, b, opts...)
}

// NewExecutor creates an Executor worker pool.
func NewExecutor(s JobStore, b Bus, idem IdempotencyStore, reg *Registry, opts ...ExecutorOption) *Executor {
	return executor.New(s, b, idem, reg, opts...)
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return registry.New()
}

// NewMemoryStore creates an in-memory JobStore.
func NewMemoryStore() *MemoryStore {
	return store.NewMemoryStore()
}

// NewGormStore creates a GORM-backed JobStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return store.NewGormStore(db)
}

// NewMemoryBus creates an in-process Bus.
func NewMemoryBus(opts ...bus.MemoryBusOption) *MemoryBus {
	return bus.NewMemoryBus(opts...)
}

// NewRedisBus creates a Redis-backed Bus.
func NewRedisBus(client redis.UniversalClient, opts ...bus.RedisBusOption) *RedisBus {
	return bus.NewRedisBus(client, opts...)
}

// NewMemoryIdempotencyStore creates an in-memory idempotency store.
func NewMemoryIdempotencyStore() *idempotency.MemoryStore {
	return idempotency.NewMemoryStore()
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.UniversalClient) *idempotency.RedisStore {
	return idempotency.NewRedisStore(client)
}

// NoRetry wraps an error to indicate it must not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return core.IsNotFound(err)
}

// ParseCron parses a five-field cron expression in the given location.
func ParseCron(expr string, loc *time.Location) (Schedule, error) {
	return schedule.ParseCron(expr, loc)
}

// ComputeBackoff returns the delay before retry attempt n.
func ComputeBackoff(attempt int, baseDelay, maxDelay time.Duration, jitterFraction float64) time.Duration {
	return retrypolicy.ComputeBackoff(attempt, baseDelay, maxDelay, jitterFraction)
}

// OnceWith runs fn at most once for key using the given idempotency store.
func OnceWith(ctx context.Context, s IdempotencyStore, key string, ttl time.Duration, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	return idempotency.Once(ctx, s, key, ttl, fn)
}

// Scheduler options.

// WithTickInterval sets the dispatch tick cadence.
func WithTickInterval(d time.Duration) SchedulerOption {
	return scheduler.WithTickInterval(d)
}

// WithDueBatchLimit caps the jobs claimed per tick.
func WithDueBatchLimit(n int) SchedulerOption {
	return scheduler.WithDueBatchLimit(n)
}

// WithDefaultMaxRetries sets the retry budget for jobs that specify none.
func WithDefaultMaxRetries(n int) SchedulerOption {
	return scheduler.WithDefaultMaxRetries(n)
}

// WithDefaultTimeout sets the execution deadline for jobs that specify none.
func WithDefaultTimeout(d time.Duration) SchedulerOption {
	return scheduler.WithDefaultTimeout(d)
}

// WithDefaultRetryDelay sets the base retry delay for jobs that specify none.
func WithDefaultRetryDelay(d time.Duration) SchedulerOption {
	return scheduler.WithDefaultRetryDelay(d)
}

// WithCatchUp dispatches the most recent missed occurrence on resume
// instead of skipping everything missed.
func WithCatchUp(enabled bool) SchedulerOption {
	return scheduler.WithCatchUp(enabled)
}

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) SchedulerOption {
	return scheduler.WithLogger(l)
}

// WithInstanceID names this scheduler replica.
func WithInstanceID(id string) SchedulerOption {
	return scheduler.WithInstanceID(id)
}

// Executor options.

// WithGroup sets the executor consumer-group name.
func WithGroup(name string) ExecutorOption {
	return executor.WithGroup(name)
}

// WithConcurrency sets the executor worker-pool size.
func WithConcurrency(n int) ExecutorOption {
	return executor.WithConcurrency(n)
}

// WithWorkerID names this executor instance.
func WithWorkerID(id string) ExecutorOption {
	return executor.WithWorkerID(id)
}

// WithRetryPolicy replaces the default backoff policy.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return executor.WithRetryPolicy(p)
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return executor.WithExecutorLogger(l)
}

// WithHooks registers executor outcome callbacks.
func WithHooks(h Hooks) ExecutorOption {
	return executor.WithHooks(h)
}

// Event-handler registration options.

// WithEventPriority orders handlers for the same event (higher first).
func WithEventPriority(p int) EventOption {
	return scheduler.WithEventPriority(p)
}

// WithEventScope attaches a tenant/platform scope to the registration.
func WithEventScope(scopeID string) EventOption {
	return scheduler.WithEventScope(scopeID)
}

// WithEventAction attaches a declarative follow-up action.
func WithEventAction(a EventAction) EventOption {
	return scheduler.WithEventAction(a)
}

// WithEventDisabled registers the handler disabled.
func WithEventDisabled() EventOption {
	return scheduler.WithEventDisabled()
}

// ValidateJobName validates a job name.
func ValidateJobName(name string) error {
	return security.ValidateJobName(name)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}
