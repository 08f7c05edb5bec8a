package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessara/schedq/pkg/core"
	"github.com/tessara/schedq/pkg/security"
)

// EventOptions configures an event-handler registration.
type EventOptions struct {
	Priority int
	ScopeID  string
	Action   *core.EventAction
	Disabled bool
}

// EventOption modifies EventOptions.
type EventOption func(*EventOptions)

// WithEventPriority orders handlers for the same event (higher first).
func WithEventPriority(p int) EventOption {
	return func(o *EventOptions) { o.Priority = p }
}

// WithEventScope attaches a tenant/platform scope to the registration.
func WithEventScope(scopeID string) EventOption {
	return func(o *EventOptions) { o.ScopeID = scopeID }
}

// WithEventAction attaches a declarative follow-up action.
func WithEventAction(a core.EventAction) EventOption {
	return func(o *EventOptions) { o.Action = &a }
}

// WithEventDisabled registers the handler disabled.
func WithEventDisabled() EventOption {
	return func(o *EventOptions) { o.Disabled = true }
}

// OnEvent persists an event-handler registration and subscribes a callback
// on the bus for eventName. Handling is fire-and-forget: a failing
// callback increments the handler's failure counter and is logged, never
// retried. Handlers needing durable follow-up call back into Schedule or
// ScheduleOnce themselves.
func (s *Scheduler) OnEvent(ctx context.Context, eventName, handlerName string, callback EventCallback, opts ...EventOption) (*core.EventHandler, error) {
	if err := security.ValidateEventName(eventName); err != nil {
		return nil, core.Validation("event_name", err)
	}
	if err := security.ValidateHandlerName(handlerName); err != nil {
		return nil, core.Validation("handler_name", err)
	}

	options := EventOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	reg := &core.EventHandler{
		EventName:   eventName,
		HandlerName: handlerName,
		HandlerType: core.EventHandlerFunction,
		Enabled:     !options.Disabled,
		Priority:    options.Priority,
		Action:      options.Action,
		ScopeID:     options.ScopeID,
	}
	if err := s.store.CreateEventHandler(ctx, reg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.eventHandlers[reg.ID] = callback
	s.mu.Unlock()

	unsubscribe, err := s.bus.Subscribe(eventName, func(ctx context.Context, env *core.DispatchEnvelope) {
		s.handleEvent(ctx, reg.ID, eventName, env)
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.unsubscribes = append(s.unsubscribes, unsubscribe)
	s.mu.Unlock()

	s.logger.Info("event handler registered",
		zap.String("event", eventName),
		zap.String("handler", handlerName))
	return reg, nil
}

// handleEvent invokes one registered callback for a received event and
// updates its counters.
func (s *Scheduler) handleEvent(ctx context.Context, registrationID, eventName string, env *core.DispatchEnvelope) {
	reg, err := s.store.ListEventHandlers(ctx, eventName)
	if err != nil {
		s.logger.Error("event handler lookup failed",
			zap.String("event", eventName), zap.Error(err))
		return
	}
	var current *core.EventHandler
	for _, h := range reg {
		if h.ID == registrationID {
			current = h
			break
		}
	}
	if current == nil || !current.Enabled {
		return
	}

	s.mu.RLock()
	callback := s.eventHandlers[registrationID]
	s.mu.RUnlock()
	if callback == nil {
		return
	}

	s.stats.eventsTriggered.Add(1)

	cbErr := callback(ctx, eventName, env.Payload)
	if cbErr != nil {
		s.stats.eventFailures.Add(1)
		s.logger.Warn("event handler failed",
			zap.String("event", eventName),
			zap.String("handler", current.HandlerName),
			zap.Error(cbErr))
	}

	if err := s.store.RecordEventOutcome(ctx, registrationID, cbErr == nil); err != nil {
		s.logger.Warn("event counter update failed",
			zap.String("event", eventName), zap.Error(err))
	}
}

// TriggerEvent publishes data to the named event topic.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventName string, data any) error {
	if err := security.ValidateEventName(eventName); err != nil {
		return core.Validation("event_name", err)
	}

	body, err := json.Marshal(data)
	if err != nil {
		return core.Validation("data", err)
	}

	env := &core.DispatchEnvelope{
		ID:        uuid.New().String(),
		Type:      core.EnvelopeEvent,
		Timestamp: time.Now().UTC(),
		Payload:   body,
	}
	if err := s.bus.Publish(ctx, eventName, env); err != nil {
		s.transportFailures.Add(1)
		return &core.TransportError{Op: "trigger event", Err: err}
	}
	return nil
}
