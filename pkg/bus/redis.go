package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tessara/schedq/pkg/core"
)

const (
	streamKeyPrefix  = "schedq:stream:"
	delayedKeyPrefix = "schedq:delayed:"
	envelopeField    = "envelope"
)

// RedisBus implements Bus on Redis: pub/sub channels for the ephemeral
// mode, streams with consumer groups for the durable mode, and a sorted
// set per topic for deferred deliveries.
type RedisBus struct {
	client redis.UniversalClient
	logger *zap.Logger

	visibility   time.Duration
	claimBatch   int64
	readBlock    time.Duration
	promoteEvery time.Duration

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithRedisVisibilityTimeout sets the pending-message idle time before a
// delivery is claimed by another consumer. Default 30s.
func WithRedisVisibilityTimeout(d time.Duration) RedisBusOption {
	return func(b *RedisBus) { b.visibility = d }
}

// WithRedisBusLogger sets the bus logger. Default no-op.
func WithRedisBusLogger(l *zap.Logger) RedisBusOption {
	return func(b *RedisBus) { b.logger = l }
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(client redis.UniversalClient, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client:       client,
		logger:       zap.NewNop(),
		visibility:   30 * time.Second,
		claimBatch:   16,
		readBlock:    time.Second,
		promoteEvery: time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func streamKey(topic string) string  { return streamKeyPrefix + topic }
func delayedKey(topic string) string { return delayedKeyPrefix + topic }

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, topic string, env *core.DispatchEnvelope, opts ...PublishOption) error {
	options := PublishOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if err := b.client.Publish(ctx, topic, raw).Err(); err != nil {
		return &core.TransportError{Op: "publish", Err: err}
	}

	if !options.MirrorToStream {
		return nil
	}

	if options.DeliverAt != nil && options.DeliverAt.After(time.Now()) {
		score := float64(options.DeliverAt.UnixMilli())
		err = b.client.ZAdd(ctx, delayedKey(topic), redis.Z{Score: score, Member: raw}).Err()
	} else {
		err = b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(topic),
			Values: map[string]any{envelopeField: raw},
		}).Err()
	}
	if err != nil {
		return &core.TransportError{Op: "mirror", Err: err}
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(topic string, h Handler) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, topic)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = pubsub.Close()
		return nil, &core.TransportError{Op: "subscribe", Err: context.Canceled}
	}
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			var env core.DispatchEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping undecodable message",
					zap.String("topic", topic), zap.Error(err))
				continue
			}
			h(ctx, &env)
		}
	}()

	return func() {
		cancel()
		_ = pubsub.Close()
	}, nil
}

// ConsumeGroup implements Bus. Pending entries idle longer than the
// visibility timeout are claimed from dead consumers via XAUTOCLAIM before
// new entries are read.
func (b *RedisBus) ConsumeGroup(ctx context.Context, topic, group, consumer string) (<-chan *Delivery, error) {
	stream := streamKey(topic)

	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, &core.TransportError{Op: "group create", Err: err}
	}

	out := make(chan *Delivery)
	go b.promoteDelayed(ctx, topic)
	go b.consumeLoop(ctx, stream, group, consumer, out)
	return out, nil
}

func (b *RedisBus) consumeLoop(ctx context.Context, stream, group, consumer string, out chan<- *Delivery) {
	defer close(out)

	for ctx.Err() == nil {
		// Reclaim deliveries abandoned past the visibility window.
		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.visibility,
			Start:    "0-0",
			Count:    b.claimBatch,
		}).Result()
		if err != nil && ctx.Err() == nil {
			b.logger.Warn("autoclaim failed", zap.String("stream", stream), zap.Error(err))
		}
		for _, msg := range claimed {
			if !b.emit(ctx, stream, group, msg, out, true) {
				return
			}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    b.claimBatch,
			Block:    b.readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Warn("read group failed", zap.String("stream", stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.readBlock):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				if !b.emit(ctx, stream, group, msg, out, false) {
					return
				}
			}
		}
	}
}

// emit decodes and hands one stream message to the consumer channel.
// Returns false when the context ended.
func (b *RedisBus) emit(ctx context.Context, stream, group string, msg redis.XMessage, out chan<- *Delivery, redelivered bool) bool {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		_ = b.client.XAck(ctx, stream, group, msg.ID).Err()
		return true
	}
	var env core.DispatchEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Warn("dropping undecodable stream entry",
			zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(err))
		_ = b.client.XAck(ctx, stream, group, msg.ID).Err()
		return true
	}
	env.Attempts++
	if redelivered {
		env.Attempts++
	}

	id := msg.ID
	d := NewDelivery(&env,
		func(ctx context.Context) error {
			return b.client.XAck(ctx, stream, group, id).Err()
		},
		func(ctx context.Context) error {
			// Requeue as a fresh entry, then ack the old one.
			reRaw, err := json.Marshal(&env)
			if err != nil {
				return err
			}
			if err := b.client.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				Values: map[string]any{envelopeField: reRaw},
			}).Err(); err != nil {
				return fmt.Errorf("nack requeue: %w", err)
			}
			return b.client.XAck(ctx, stream, group, id).Err()
		},
	)

	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// promoteDelayed moves due entries from the topic's delayed set into the
// stream.
func (b *RedisBus) promoteDelayed(ctx context.Context, topic string) {
	ticker := time.NewTicker(b.promoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := fmt.Sprintf("%d", time.Now().UnixMilli())
			due, err := b.client.ZRangeByScore(ctx, delayedKey(topic), &redis.ZRangeBy{
				Min: "-inf", Max: now, Count: b.claimBatch,
			}).Result()
			if err != nil || len(due) == 0 {
				continue
			}
			for _, raw := range due {
				removed, err := b.client.ZRem(ctx, delayedKey(topic), raw).Result()
				if err != nil || removed == 0 {
					// Another promoter won this entry.
					continue
				}
				if err := b.client.XAdd(ctx, &redis.XAddArgs{
					Stream: streamKey(topic),
					Values: map[string]any{envelopeField: raw},
				}).Err(); err != nil {
					b.logger.Error("promoting delayed entry failed",
						zap.String("topic", topic), zap.Error(err))
				}
			}
		}
	}
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, ps := range b.subs {
		_ = ps.Close()
	}
	b.subs = nil
	return nil
}
