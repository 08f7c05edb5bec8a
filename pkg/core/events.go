package core

import "time"

// TopicDispatch is the bus topic carrying dispatch envelopes. Executors
// join a consumer group on its durable stream.
const TopicDispatch = "scheduler:dispatch"

// Event topic names published for external collaborators such as alerting.
const (
	TopicJobCreated         = "scheduler:job.created"
	TopicJobUpdated         = "scheduler:job.updated"
	TopicJobDeleted         = "scheduler:job.deleted"
	TopicJobPaused          = "scheduler:job.paused"
	TopicJobResumed         = "scheduler:job.resumed"
	TopicJobCancelled       = "scheduler:job.cancelled"
	TopicExecutionStarted   = "scheduler:execution.started"
	TopicExecutionCompleted = "scheduler:execution.completed"
	TopicExecutionFailed    = "scheduler:execution.failed"
)

// Event is the interface for all scheduler events delivered to in-process
// subscribers.
type Event interface {
	eventMarker()
}

// JobEvent carries minimal job context for lifecycle notifications.
type JobEvent struct {
	Topic     string
	JobID     string
	JobName   string
	Status    JobStatus
	Timestamp time.Time
}

func (*JobEvent) eventMarker() {}

// ExecutionStarted is emitted when a worker begins an execution.
type ExecutionStarted struct {
	JobID       string
	ExecutionID string
	RetryCount  int
	Timestamp   time.Time
}

func (*ExecutionStarted) eventMarker() {}

// ExecutionCompleted is emitted when an execution succeeds.
type ExecutionCompleted struct {
	JobID       string
	ExecutionID string
	Duration    time.Duration
	Timestamp   time.Time
}

func (*ExecutionCompleted) eventMarker() {}

// ExecutionFailed is emitted on a terminal failure or timeout.
type ExecutionFailed struct {
	JobID       string
	ExecutionID string
	Status      ExecutionStatus
	Error       string
	Timestamp   time.Time
}

func (*ExecutionFailed) eventMarker() {}

// ExecutionRetrying is emitted when a failed attempt schedules a successor.
type ExecutionRetrying struct {
	JobID           string
	ExecutionID     string
	NextExecutionID string
	Attempt         int
	NextRetryAt     time.Time
	Timestamp       time.Time
}

func (*ExecutionRetrying) eventMarker() {}
