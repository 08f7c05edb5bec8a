package core

import (
	"time"
)

// JobType determines how a job's occurrences are computed.
type JobType string

const (
	// TypeCron runs on a cron cadence with no occurrence bounds.
	TypeCron JobType = "cron"
	// TypeOneTime runs exactly once at a fixed instant.
	TypeOneTime JobType = "one_time"
	// TypeRecurring runs on a cron cadence bounded by start/end dates
	// and an optional execution cap.
	TypeRecurring JobType = "recurring"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobActive    JobStatus = "active"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// HandlerType selects the dispatch-target variant for a job.
type HandlerType string

const (
	HandlerFunction HandlerType = "function"
	HandlerAgent    HandlerType = "agent"
	HandlerWorkflow HandlerType = "workflow"
)

// Job is a schedulable unit of recurring or future work.
//
// Invariant: an active job always has a non-nil NextRun strictly after the
// moment it was computed; a terminal job has NextRun nil.
type Job struct {
	ID          string  `gorm:"primaryKey;size:36" json:"id"`
	Name        string  `gorm:"index;size:255;not null" json:"name"`
	Description string  `gorm:"type:text" json:"description,omitempty"`
	Type        JobType `gorm:"index;size:20;not null" json:"type"`

	// Schedule is a cron expression; required for cron/recurring jobs.
	Schedule string `gorm:"size:255" json:"schedule,omitempty"`
	// Timezone is an IANA zone name; empty means UTC.
	Timezone string `gorm:"size:64" json:"timezone,omitempty"`

	NextRun       *time.Time `gorm:"index" json:"next_run,omitempty"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	MaxExecutions int        `gorm:"default:0" json:"max_executions,omitempty"`

	HandlerName string      `gorm:"size:255;not null" json:"handler_name"`
	HandlerType HandlerType `gorm:"size:20;default:'function'" json:"handler_type"`
	Payload     []byte      `gorm:"type:bytes" json:"payload,omitempty"`

	MaxRetries   int   `gorm:"default:3" json:"max_retries"`
	RetryDelayMS int64 `gorm:"default:1000" json:"retry_delay_ms"`
	TimeoutMS    int64 `gorm:"default:30000" json:"timeout_ms"`
	Priority     int   `gorm:"index;default:0" json:"priority"`
	Concurrency  int   `gorm:"default:1" json:"concurrency"`
	AllowOverlap bool  `gorm:"default:false" json:"allow_overlap"`

	Status JobStatus `gorm:"index;size:20;default:'pending'" json:"status"`

	ExecutionsCount int     `gorm:"default:0" json:"executions_count"`
	SuccessCount    int     `gorm:"default:0" json:"success_count"`
	FailureCount    int     `gorm:"default:0" json:"failure_count"`
	AvgDurationMS   float64 `gorm:"default:0" json:"avg_duration_ms"`

	ScopeID     string     `gorm:"index;size:64" json:"scope_id,omitempty"`
	CreatedBy   string     `gorm:"size:255" json:"created_by,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Location resolves the job's timezone, defaulting to UTC. An invalid zone
// name also resolves to UTC; validation rejects bad zones at creation.
func (j *Job) Location() *time.Location {
	if j.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(j.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Timeout returns the per-execution deadline.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMS) * time.Millisecond
}

// RetryDelay returns the base delay between retry attempts.
func (j *Job) RetryDelay() time.Duration {
	return time.Duration(j.RetryDelayMS) * time.Millisecond
}

// CanTransition reports whether the lifecycle permits moving to the target
// status. Terminal states admit nothing further; pending may activate,
// pause, or cancel; active and paused swap and may terminate.
func (j *Job) CanTransition(to JobStatus) bool {
	if j.Status.IsTerminal() {
		return false
	}
	switch to {
	case JobActive:
		return j.Status == JobPending || j.Status == JobPaused
	case JobPaused:
		return j.Status == JobActive || j.Status == JobPending
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}
