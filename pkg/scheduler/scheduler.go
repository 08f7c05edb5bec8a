// Package scheduler owns the job lifecycle, next-run computation, the
// dispatch tick, and event registrations.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tessara/schedq/pkg/bus"
	"github.com/tessara/schedq/pkg/core"
)

// Health states reported by the scheduler.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Stats are the counters the dispatch side produces.
type Stats struct {
	Ticks           uint64
	JobsDispatched  uint64
	JobsSkipped     uint64
	ClaimsLost      uint64
	PublishFailures uint64
	EventsTriggered uint64
	EventFailures   uint64
}

type statCounters struct {
	ticks           atomic.Uint64
	jobsDispatched  atomic.Uint64
	jobsSkipped     atomic.Uint64
	claimsLost      atomic.Uint64
	publishFailures atomic.Uint64
	eventsTriggered atomic.Uint64
	eventFailures   atomic.Uint64
}

// Scheduler is the scheduling service: it creates and mutates jobs, runs
// the dispatch tick, and bridges platform events to handlers.
type Scheduler struct {
	store  core.JobStore
	bus    bus.Bus
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu            sync.RWMutex
	eventHandlers map[string]EventCallback // handler name -> callback
	unsubscribes  []func()
	eventSubs     []chan core.Event

	stats statCounters

	// consecutive transport failures drive the health state.
	transportFailures atomic.Int64
	lastTickOK        atomic.Bool

	stopOnce sync.Once
	stopped  chan struct{}
}

// EventCallback reacts to a platform event. Failures are counted and
// logged, never retried.
type EventCallback func(ctx context.Context, eventName string, data []byte) error

// New creates a Scheduler over the given store and bus.
func New(store core.JobStore, b bus.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         store,
		bus:           b,
		config:        defaultConfig(),
		logger:        zap.NewNop(),
		tracer:        otel.Tracer("schedq/scheduler"),
		now:           time.Now,
		eventHandlers: make(map[string]EventCallback),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	if s.config.InstanceID == "" {
		s.config.InstanceID = uuid.New().String()
	}
	s.lastTickOK.Store(true)
	return s
}

// Start runs the dispatch tick until ctx is cancelled or Stop is called.
// Blocks; run it in a goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.String("instance_id", s.config.InstanceID),
		zap.Duration("tick_interval", s.config.TickInterval))

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopped:
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop terminates the tick loop and removes bus subscriptions.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		unsubs := s.unsubscribes
		s.unsubscribes = nil
		s.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		s.logger.Info("scheduler stopped", zap.String("instance_id", s.config.InstanceID))
	})
}

// Stats returns a snapshot of the dispatch counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:           s.stats.ticks.Load(),
		JobsDispatched:  s.stats.jobsDispatched.Load(),
		JobsSkipped:     s.stats.jobsSkipped.Load(),
		ClaimsLost:      s.stats.claimsLost.Load(),
		PublishFailures: s.stats.publishFailures.Load(),
		EventsTriggered: s.stats.eventsTriggered.Load(),
		EventFailures:   s.stats.eventFailures.Load(),
	}
}

// Health reports healthy, degraded (transient transport failures), or
// unhealthy (the last tick failed outright).
func (s *Scheduler) Health() string {
	if !s.lastTickOK.Load() {
		return HealthUnhealthy
	}
	if s.transportFailures.Load() > 0 {
		return HealthDegraded
	}
	return HealthHealthy
}

// Events returns a channel receiving scheduler events. Slow consumers miss
// events rather than blocking dispatch.
func (s *Scheduler) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	s.mu.Lock()
	s.eventSubs = append(s.eventSubs, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events.
func (s *Scheduler) Unsubscribe(ch <-chan core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.eventSubs {
		if sub == ch {
			s.eventSubs = append(s.eventSubs[:i], s.eventSubs[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) emit(e core.Event) {
	s.mu.RLock()
	subs := make([]chan core.Event, len(s.eventSubs))
	copy(subs, s.eventSubs)
	s.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop rather than block dispatch on a slow consumer.
		}
	}
}

// publishLifecycle notifies external collaborators of a job transition on
// the bus and mirrors the event to in-process subscribers.
func (s *Scheduler) publishLifecycle(ctx context.Context, topic string, job *core.Job) {
	s.emit(&core.JobEvent{
		Topic:     topic,
		JobID:     job.ID,
		JobName:   job.Name,
		Status:    job.Status,
		Timestamp: s.now(),
	})

	body, err := json.Marshal(map[string]any{
		"job_id": job.ID,
		"name":   job.Name,
		"status": job.Status,
	})
	if err != nil {
		return
	}
	env := &core.DispatchEnvelope{
		ID:        uuid.New().String(),
		Type:      core.EnvelopeEvent,
		Timestamp: s.now().UTC(),
		Payload:   body,
	}
	if err := s.bus.Publish(ctx, topic, env); err != nil {
		s.transportFailures.Add(1)
		s.logger.Warn("lifecycle publish failed",
			zap.String("topic", topic), zap.String("job_id", job.ID), zap.Error(err))
	}
}
