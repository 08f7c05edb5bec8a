// Package bus provides the publish/subscribe abstraction carrying dispatch
// envelopes and platform events.
//
// Two delivery modes exist: ephemeral pub/sub (fire-and-forget fan-out to
// in-process subscribers) and durable stream mirroring, consumed through
// named consumer groups with competing-consumer semantics. A mirrored
// message is delivered to exactly one consumer within a group and
// redelivered to another if not acknowledged within the visibility window.
// The bus is the system's only source of at-least-once delivery; the
// idempotency layer exists to neutralize it.
package bus

import (
	"context"
	"time"

	"github.com/tessara/schedq/pkg/core"
)

// Handler receives envelopes on an ephemeral subscription.
type Handler func(ctx context.Context, env *core.DispatchEnvelope)

// PublishOptions configures a single publish.
type PublishOptions struct {
	// MirrorToStream also appends the envelope to the topic's durable
	// stream for consumer-group delivery.
	MirrorToStream bool
	// DeliverAt defers stream availability until the given instant.
	DeliverAt *time.Time
}

// PublishOption modifies PublishOptions.
type PublishOption func(*PublishOptions)

// WithMirror mirrors the envelope to the topic's durable stream.
func WithMirror() PublishOption {
	return func(o *PublishOptions) { o.MirrorToStream = true }
}

// WithDeliverAt defers stream delivery until t. Implies mirroring.
func WithDeliverAt(t time.Time) PublishOption {
	return func(o *PublishOptions) {
		o.MirrorToStream = true
		o.DeliverAt = &t
	}
}

// Delivery is one message handed to a consumer-group member. The consumer
// must Ack after processing or Nack to requeue immediately; an unacked
// delivery becomes visible again after the visibility window.
type Delivery struct {
	Envelope *core.DispatchEnvelope

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// Ack acknowledges the delivery, removing it from the group's pending set.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack returns the delivery to the group for immediate redelivery.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// NewDelivery builds a Delivery; exported for bus implementations.
func NewDelivery(env *core.DispatchEnvelope, ack, nack func(ctx context.Context) error) *Delivery {
	return &Delivery{Envelope: env, ack: ack, nack: nack}
}

// Bus is the transport boundary of the core.
type Bus interface {
	// Publish sends the envelope to all ephemeral subscribers of topic
	// and, when mirroring is requested, appends it to the topic stream.
	Publish(ctx context.Context, topic string, env *core.DispatchEnvelope, opts ...PublishOption) error

	// Subscribe registers an ephemeral handler for topic. The returned
	// function removes the subscription.
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)

	// ConsumeGroup joins the named consumer group on the topic stream.
	// Each delivered message goes to exactly one consumer in the group.
	// The channel closes when ctx is cancelled.
	ConsumeGroup(ctx context.Context, topic, group, consumer string) (<-chan *Delivery, error)

	// Close releases bus resources.
	Close() error
}
