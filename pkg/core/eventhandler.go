package core

import "time"

// EventHandlerType selects how a registered event handler reacts.
type EventHandlerType string

const (
	// EventHandlerFunction invokes a registered function inline.
	EventHandlerFunction EventHandlerType = "function"
	// EventHandlerJobCreator creates a job from the event payload.
	EventHandlerJobCreator EventHandlerType = "job_creator"
)

// EventActionType is the follow-up action attached to an event handler.
type EventActionType string

const (
	ActionCreateJob       EventActionType = "create_job"
	ActionTriggerWorkflow EventActionType = "trigger_workflow"
	ActionDispatchAgent   EventActionType = "dispatch_agent"
)

// EventAction configures the optional declarative action of an event handler.
type EventAction struct {
	Type   EventActionType `gorm:"size:32" json:"type"`
	Config []byte          `gorm:"type:bytes" json:"config,omitempty"`
}

// EventHandler maps a platform event name to an action. Event handling is
// fire-and-forget at this layer: failures are counted and logged, never
// retried. Handlers needing durable follow-up schedule jobs themselves.
type EventHandler struct {
	ID          string           `gorm:"primaryKey;size:36" json:"id"`
	EventName   string           `gorm:"index;size:255;not null" json:"event_name"`
	HandlerName string           `gorm:"size:255;not null" json:"handler_name"`
	HandlerType EventHandlerType `gorm:"size:20;default:'function'" json:"handler_type"`
	Enabled     bool             `gorm:"default:true" json:"enabled"`
	Priority    int              `gorm:"default:0" json:"priority"`

	Action *EventAction `gorm:"embedded;embeddedPrefix:action_" json:"action,omitempty"`

	ScopeID string `gorm:"index;size:64" json:"scope_id,omitempty"`

	TriggerCount int `gorm:"default:0" json:"trigger_count"`
	SuccessCount int `gorm:"default:0" json:"success_count"`
	FailureCount int `gorm:"default:0" json:"failure_count"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
