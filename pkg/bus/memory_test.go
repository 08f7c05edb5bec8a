package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessara/schedq/pkg/core"
)

func testEnvelope(id string) *core.DispatchEnvelope {
	return &core.DispatchEnvelope{
		ID:        id,
		Type:      core.EnvelopeDispatch,
		Timestamp: time.Now().UTC(),
		Payload:   []byte(`{}`),
	}
}

func TestPublish_FansOutToSubscribers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var mu sync.Mutex
	var received []string
	done := make(chan struct{}, 2)

	handler := func(ctx context.Context, env *core.DispatchEnvelope) {
		mu.Lock()
		received = append(received, env.ID)
		mu.Unlock()
		done <- struct{}{}
	}

	_, err := b.Subscribe("events", handler)
	require.NoError(t, err)
	_, err = b.Subscribe("events", handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "events", testEnvelope("e1")))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"e1", "e1"}, received)
}

func TestUnsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var calls atomic.Int32
	unsub, err := b.Subscribe("events", func(ctx context.Context, env *core.DispatchEnvelope) {
		calls.Add(1)
	})
	require.NoError(t, err)

	unsub()
	require.NoError(t, b.Publish(context.Background(), "events", testEnvelope("e1")))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestConsumeGroup_DeliversMirroredEnvelope(t *testing.T) {
	b := NewMemoryBus(WithPollInterval(time.Millisecond))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.ConsumeGroup(ctx, "work", "g", "c1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "work", testEnvelope("e1"), WithMirror()))

	select {
	case d := <-deliveries:
		assert.Equal(t, "e1", d.Envelope.ID)
		assert.Equal(t, 1, d.Envelope.Attempts)
		require.NoError(t, d.Ack(ctx))
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestConsumeGroup_WithoutMirrorNotDelivered(t *testing.T) {
	b := NewMemoryBus(WithPollInterval(time.Millisecond))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.ConsumeGroup(ctx, "work", "g", "c1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "work", testEnvelope("e1")))

	select {
	case d := <-deliveries:
		t.Fatalf("unexpected delivery %q", d.Envelope.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConsumeGroup_CompetingConsumers(t *testing.T) {
	b := NewMemoryBus(WithPollInterval(time.Millisecond))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d1, err := b.ConsumeGroup(ctx, "work", "g", "c1")
	require.NoError(t, err)
	d2, err := b.ConsumeGroup(ctx, "work", "g", "c2")
	require.NoError(t, err)

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(ctx, "work", testEnvelope(string(rune('a'+i))), WithMirror()))
	}

	seen := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	consume := func(ch <-chan *Delivery) {
		defer wg.Done()
		for {
			select {
			case d := <-ch:
				mu.Lock()
				seen[d.Envelope.ID]++
				mu.Unlock()
				_ = d.Ack(ctx)
			case <-time.After(200 * time.Millisecond):
				return
			}
		}
	}
	wg.Add(2)
	go consume(d1)
	go consume(d2)
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "envelope %q delivered more than once", id)
	}
}

func TestConsumeGroup_NackRedelivers(t *testing.T) {
	b := NewMemoryBus(WithPollInterval(time.Millisecond))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.ConsumeGroup(ctx, "work", "g", "c1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "work", testEnvelope("e1"), WithMirror()))

	d := <-deliveries
	require.NoError(t, d.Nack(ctx))

	select {
	case d2 := <-deliveries:
		assert.Equal(t, "e1", d2.Envelope.ID)
		assert.Equal(t, 2, d2.Envelope.Attempts)
		_ = d2.Ack(ctx)
	case <-time.After(time.Second):
		t.Fatal("nacked envelope not redelivered")
	}
}

func TestConsumeGroup_VisibilityTimeoutRedelivers(t *testing.T) {
	b := NewMemoryBus(
		WithPollInterval(time.Millisecond),
		WithVisibilityTimeout(30*time.Millisecond),
	)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.ConsumeGroup(ctx, "work", "g", "c1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "work", testEnvelope("e1"), WithMirror()))

	// First delivery is neither acked nor nacked: the consumer "crashed".
	<-deliveries

	select {
	case d := <-deliveries:
		assert.Equal(t, "e1", d.Envelope.ID)
		_ = d.Ack(ctx)
	case <-time.After(time.Second):
		t.Fatal("no redelivery after visibility timeout")
	}
}

func TestConsumeGroup_DeliverAtDefers(t *testing.T) {
	b := NewMemoryBus(WithPollInterval(time.Millisecond))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.ConsumeGroup(ctx, "work", "g", "c1")
	require.NoError(t, err)

	deliverAt := time.Now().Add(80 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, "work", testEnvelope("e1"), WithDeliverAt(deliverAt)))

	select {
	case <-deliveries:
		t.Fatal("delivered before deliver-at instant")
	case <-time.After(40 * time.Millisecond):
	}

	select {
	case d := <-deliveries:
		assert.Equal(t, "e1", d.Envelope.ID)
		assert.False(t, time.Now().Before(deliverAt))
		_ = d.Ack(ctx)
	case <-time.After(time.Second):
		t.Fatal("deferred envelope never delivered")
	}
}

func TestConsumeGroup_OrderPreserved(t *testing.T) {
	b := NewMemoryBus(WithPollInterval(time.Millisecond))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.ConsumeGroup(ctx, "work", "g", "c1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "work", testEnvelope("first"), WithMirror()))
	require.NoError(t, b.Publish(ctx, "work", testEnvelope("second"), WithMirror()))

	d1 := <-deliveries
	_ = d1.Ack(ctx)
	d2 := <-deliveries
	_ = d2.Ack(ctx)

	assert.Equal(t, "first", d1.Envelope.ID)
	assert.Equal(t, "second", d2.Envelope.ID)
}

func TestPublish_AfterCloseFails(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "work", testEnvelope("e1"))
	var terr *core.TransportError
	assert.ErrorAs(t, err, &terr)
}
