package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/payment-webhooks/internal/events"
)

type collector struct {
	mu  sync.Mutex
	got []events.Business
}

func (c *collector) handle(_ context.Context, ev events.Business) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestLocalEventBus_PublishReachesSubscribers(t *testing.T) {
	bus := NewLocalEventBus(zap.NewNop())
	ctx := context.Background()

	var a, b collector
	_, err := bus.Subscribe(ctx, TopicBusinessEvents, a.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, TopicBusinessEvents, b.handle)
	require.NoError(t, err)

	ev := events.NewBusiness(events.PurchaseCompleted, map[string]string{"product_id": "p1"})
	require.NoError(t, bus.Publish(ctx, TopicBusinessEvents, ev))
	require.NoError(t, bus.Close())

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, ev.ID, a.got[0].ID)
}

func TestLocalEventBus_HandlerOutlivesCancelledPublisher(t *testing.T) {
	bus := NewLocalEventBus(zap.NewNop())

	done := make(chan error, 1)
	_, err := bus.Subscribe(context.Background(), TopicBusinessEvents, func(ctx context.Context, _ events.Business) error {
		time.Sleep(10 * time.Millisecond)
		done <- ctx.Err()
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Publish(ctx, TopicBusinessEvents, events.NewBusiness(events.RefundIssued, nil)))
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
	require.NoError(t, bus.Close())
}

func TestLocalEventBus_Unsubscribe(t *testing.T) {
	bus := NewLocalEventBus(zap.NewNop())
	ctx := context.Background()

	var c collector
	sub, err := bus.Subscribe(ctx, TopicBusinessEvents, c.handle)
	require.NoError(t, err)
	assert.Equal(t, TopicBusinessEvents, sub.Topic())
	assert.NotEmpty(t, sub.ID())

	require.NoError(t, sub.Unsubscribe())
	assert.Error(t, sub.Unsubscribe())

	require.NoError(t, bus.Publish(ctx, TopicBusinessEvents, events.NewBusiness(events.LeadCaptured, nil)))
	require.NoError(t, bus.Close())
	assert.Equal(t, 0, c.count())
}

func TestLocalEventBus_PublishAfterClose(t *testing.T) {
	bus := NewLocalEventBus(zap.NewNop())
	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(context.Background(), TopicBusinessEvents, events.NewBusiness(events.LeadCaptured, nil)))
}

func TestRedisEventBus_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewRedisEventBus(client, zap.NewNop())
	ctx := context.Background()

	received := make(chan events.Business, 1)
	_, err := bus.Subscribe(ctx, TopicBusinessEvents, func(_ context.Context, ev events.Business) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	ev := events.NewBusiness(events.DisputeOpened, events.DisputePayload{DisputeID: "dp_1", Amount: 500})
	require.NoError(t, bus.Publish(ctx, TopicBusinessEvents, ev))

	select {
	case got := <-received:
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, events.DisputeOpened, got.Type)
		data, ok := got.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "dp_1", data["dispute_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}

	require.NoError(t, bus.Close())
}

func TestRedisEventBus_InstancesShareEachEventOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	var a, b collector
	first := NewRedisEventBus(client, zap.NewNop())
	second := NewRedisEventBus(client, zap.NewNop())

	_, err := first.Subscribe(ctx, TopicBusinessEvents, a.handle)
	require.NoError(t, err)
	_, err = second.Subscribe(ctx, TopicBusinessEvents, b.handle)
	require.NoError(t, err)

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, first.Publish(ctx, TopicBusinessEvents, events.NewBusiness(events.LeadCaptured, nil)))
	}

	require.Eventually(t, func() bool { return a.count()+b.count() == n }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())

	seen := map[string]int{}
	for _, ev := range append(a.got, b.got...) {
		seen[ev.ID]++
	}
	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, id)
	}
}
