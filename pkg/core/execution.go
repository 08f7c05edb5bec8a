package core

import (
	"time"
)

// ExecutionStatus represents the state of a single execution attempt.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecSuccess   ExecutionStatus = "success"
	ExecFailed    ExecutionStatus = "failed"
	ExecTimeout   ExecutionStatus = "timeout"
	ExecCancelled ExecutionStatus = "cancelled"
	ExecSkipped   ExecutionStatus = "skipped"
)

// IsTerminal reports whether the execution reached a final state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecSuccess, ExecFailed, ExecTimeout, ExecCancelled, ExecSkipped:
		return true
	}
	return false
}

// JobExecution is one attempt (original or retry) to run a job.
//
// Retries form a chain: every attempt shares the OriginID of the original
// execution, and RetryCount is 0 only for the original. At most one
// execution per job may be pending or running at a time unless the job
// allows overlap.
type JobExecution struct {
	ID    string `gorm:"primaryKey;size:36" json:"id"`
	JobID string `gorm:"index;size:36;not null" json:"job_id"`

	Status ExecutionStatus `gorm:"index;size:20;default:'pending'" json:"status"`

	ScheduledAt time.Time  `gorm:"index;not null" json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `gorm:"default:0" json:"duration_ms"`

	Result     []byte `gorm:"type:bytes" json:"result,omitempty"`
	Error      string `gorm:"type:text" json:"error,omitempty"`
	ErrorStack string `gorm:"type:text" json:"error_stack,omitempty"`

	RetryCount  int        `gorm:"default:0" json:"retry_count"`
	MaxRetries  int        `gorm:"default:0" json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	// OriginID is the id of the original execution in a retry chain.
	// Equals ID for the original attempt.
	OriginID string `gorm:"index;size:36" json:"origin_id,omitempty"`

	WorkerID string `gorm:"size:64" json:"worker_id,omitempty"`

	// Manual marks an operator-initiated attempt created outside the
	// schedule; excluded from the max_executions cap.
	Manual bool `gorm:"default:false" json:"manual,omitempty"`

	TraceID      string `gorm:"size:64" json:"trace_id,omitempty"`
	SpanID       string `gorm:"size:32" json:"span_id,omitempty"`
	ParentSpanID string `gorm:"size:32" json:"parent_span_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Duration returns the recorded wall-clock duration of the attempt.
func (e *JobExecution) Duration() time.Duration {
	return time.Duration(e.DurationMS) * time.Millisecond
}

// ExhaustedRetries reports whether no further retry attempts remain.
func (e *JobExecution) ExhaustedRetries() bool {
	return e.RetryCount >= e.MaxRetries
}
