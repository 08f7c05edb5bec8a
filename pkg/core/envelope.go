package core

import (
	"encoding/json"
	"time"
)

// EnvelopeType distinguishes dispatch envelopes from plain event messages.
type EnvelopeType string

const (
	EnvelopeDispatch EnvelopeType = "dispatch"
	EnvelopeEvent    EnvelopeType = "event"
)

// DispatchPayload is the body of a dispatch envelope: everything a worker
// needs to run one execution without re-reading the job row first.
type DispatchPayload struct {
	JobID        string      `json:"job_id"`
	ExecutionID  string      `json:"execution_id"`
	HandlerName  string      `json:"handler_name"`
	HandlerType  HandlerType `json:"handler_type"`
	Payload      []byte      `json:"payload,omitempty"`
	TimeoutMS    int64       `json:"timeout_ms"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	RetryDelayMS int64       `json:"retry_delay_ms"`
}

// DispatchEnvelope is the transient message carried on the bus. Its ID is
// the idempotency key for the execution it references; transport-level
// redelivery of the same envelope must not double side effects.
type DispatchEnvelope struct {
	ID            string          `json:"id"`
	Type          EnvelopeType    `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	// DeliverAt defers delivery until the given instant when set.
	// Used for retry scheduling.
	DeliverAt *time.Time `json:"deliver_at,omitempty"`
}

// NewDispatchEnvelope wraps a dispatch payload in an envelope keyed by the
// execution id.
func NewDispatchEnvelope(p DispatchPayload, correlationID string) (*DispatchEnvelope, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &DispatchEnvelope{
		ID:            p.ExecutionID,
		Type:          EnvelopeDispatch,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       body,
	}, nil
}

// DispatchPayload decodes the envelope body.
func (e *DispatchEnvelope) DispatchPayload() (DispatchPayload, error) {
	var p DispatchPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// IdempotencyStatus is the state of an idempotency record.
type IdempotencyStatus string

const (
	// IdemInProgress means a worker has claimed the key and is executing.
	IdemInProgress IdempotencyStatus = "in_progress"
	// IdemDone means the unit of work completed; duplicates are no-ops.
	IdemDone IdempotencyStatus = "done"
)

// IdempotencyRecord marks a unit of work as claimed or finished. The key is
// the execution id.
type IdempotencyRecord struct {
	Key       string            `json:"key"`
	Status    IdempotencyStatus `json:"status"`
	Result    []byte            `json:"result,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}
