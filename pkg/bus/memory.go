package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessara/schedq/pkg/core"
)

// MemoryBus is an in-process Bus for tests and single-node deployments.
// Durable streams are held in memory; durability here means surviving
// consumer crashes within the process, not process restarts.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[string]map[string]Handler // topic -> sub id -> handler
	streams map[string]*memStream         // topic -> stream
	closed  bool

	visibility   time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// MemoryBusOption configures a MemoryBus.
type MemoryBusOption func(*MemoryBus)

// WithVisibilityTimeout sets how long an unacked delivery stays invisible
// before redelivery. Default 30s.
func WithVisibilityTimeout(d time.Duration) MemoryBusOption {
	return func(b *MemoryBus) { b.visibility = d }
}

// WithPollInterval sets the consumer poll cadence. Default 20ms.
func WithPollInterval(d time.Duration) MemoryBusOption {
	return func(b *MemoryBus) { b.pollInterval = d }
}

// WithMemoryBusLogger sets the bus logger. Default no-op.
func WithMemoryBusLogger(l *zap.Logger) MemoryBusOption {
	return func(b *MemoryBus) { b.logger = l }
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		subs:         make(map[string]map[string]Handler),
		streams:      make(map[string]*memStream),
		visibility:   30 * time.Second,
		pollInterval: 20 * time.Millisecond,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type memEntry struct {
	env       *core.DispatchEnvelope
	deliverAt time.Time
	acked     bool
	// invisibleUntil is zero for available entries; while in the future
	// the entry is pending with some consumer.
	invisibleUntil time.Time
	deliveries     int
}

type memStream struct {
	mu      sync.Mutex
	entries []*memEntry
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env *core.DispatchEnvelope, opts ...PublishOption) error {
	options := PublishOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &core.TransportError{Op: "publish", Err: context.Canceled}
	}
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	var stream *memStream
	if options.MirrorToStream {
		stream = b.streams[topic]
		if stream == nil {
			stream = &memStream{}
			b.streams[topic] = stream
		}
	}
	b.mu.Unlock()

	// Ephemeral fan-out is fire-and-forget.
	for _, h := range handlers {
		go h(ctx, env)
	}

	if stream != nil {
		deliverAt := b.now()
		if options.DeliverAt != nil {
			deliverAt = *options.DeliverAt
		}
		stream.mu.Lock()
		stream.entries = append(stream.entries, &memEntry{env: env, deliverAt: deliverAt})
		stream.mu.Unlock()
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(topic string, h Handler) (func(), error) {
	id := uuid.New().String()

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]Handler)
	}
	b.subs[topic][id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
	}, nil
}

// ConsumeGroup implements Bus. All consumers of a topic compete over the
// same stream; the group name only namespaces logging here since the
// in-memory bus keeps a single pending set per stream.
func (b *MemoryBus) ConsumeGroup(ctx context.Context, topic, group, consumer string) (<-chan *Delivery, error) {
	b.mu.Lock()
	stream := b.streams[topic]
	if stream == nil {
		stream = &memStream{}
		b.streams[topic] = stream
	}
	b.mu.Unlock()

	out := make(chan *Delivery)

	go func() {
		defer close(out)
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				entry := b.claimNext(stream)
				if entry == nil {
					continue
				}
				d := NewDelivery(entry.env,
					func(context.Context) error {
						stream.mu.Lock()
						entry.acked = true
						stream.mu.Unlock()
						return nil
					},
					func(context.Context) error {
						stream.mu.Lock()
						entry.invisibleUntil = time.Time{}
						stream.mu.Unlock()
						return nil
					},
				)
				select {
				case out <- d:
					b.logger.Debug("delivered",
						zap.String("topic", topic),
						zap.String("group", group),
						zap.String("consumer", consumer),
						zap.String("envelope_id", entry.env.ID))
				case <-ctx.Done():
					// Hand the entry back for another consumer.
					stream.mu.Lock()
					entry.invisibleUntil = time.Time{}
					stream.mu.Unlock()
					return
				}
			}
		}
	}()

	return out, nil
}

// claimNext returns the oldest available entry, marking it invisible for
// the visibility window. Acked entries are compacted away in passing.
func (b *MemoryBus) claimNext(stream *memStream) *memEntry {
	now := b.now()

	stream.mu.Lock()
	defer stream.mu.Unlock()

	kept := stream.entries[:0]
	var claimed *memEntry
	for _, e := range stream.entries {
		if e.acked {
			continue
		}
		kept = append(kept, e)
		if claimed != nil {
			continue
		}
		if e.deliverAt.After(now) || e.invisibleUntil.After(now) {
			continue
		}
		e.invisibleUntil = now.Add(b.visibility)
		e.deliveries++
		e.env.Attempts = e.deliveries
		claimed = e
	}
	stream.entries = kept
	return claimed
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[string]Handler)
	b.mu.Unlock()
	return nil
}
