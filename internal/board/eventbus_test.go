package board

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisBus creates a bus connected to a miniredis instance.
func setupRedisBus(t *testing.T) (*RedisEventBus, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	bus := NewRedisEventBusFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = bus.Close() })
	return bus, mr
}

func TestRedisEventBusDeliversTeamEvents(t *testing.T) {
	bus, _ := setupRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, "team_1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, Event{EventID: "evt_1", Type: EventItemUpdated, TeamID: "team_2", ItemID: "itm_9"}))
	require.NoError(t, bus.Publish(ctx, Event{EventID: "evt_2", Type: EventItemUpdated, TeamID: "team_1", ItemID: "itm_1", Version: 3}))

	select {
	case event := <-sub.Events():
		assert.Equal(t, "evt_2", event.EventID)
		assert.Equal(t, int64(3), event.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisEventBusReportsUndecodablePayloads(t *testing.T) {
	bus, mr := setupRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, "team_1")
	require.NoError(t, err)
	defer sub.Close()

	mr.Publish(bus.TeamEventsChannel("team_1"), "not-json")

	select {
	case err := <-sub.Errors():
		assert.Contains(t, err.Error(), "failed to unmarshal event")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decode error")
	}
}

func TestRedisEventBusCloseEndsSubscription(t *testing.T) {
	bus, _ := setupRedisBus(t)
	sub, err := bus.Subscribe(context.Background(), "team_1")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool {
		_, open := <-sub.Events()
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInMemoryEventBusFanOutAndUnsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()
	ctx := context.Background()

	a, err := bus.Subscribe(ctx, "team_1")
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, 2, bus.SubscriberCount("team_1"))

	require.NoError(t, bus.Publish(ctx, Event{EventID: "evt_1", TeamID: "team_1"}))
	assert.Equal(t, "evt_1", (<-a.Events()).EventID)
	assert.Equal(t, "evt_1", (<-b.Events()).EventID)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return bus.SubscriberCount("team_1") == 1 }, time.Second, 5*time.Millisecond)

	_, err = bus.Subscribe(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestInMemoryEventBusSignalsLaggingSubscriber(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()
	sub, err := bus.Subscribe(context.Background(), "team_1")
	require.NoError(t, err)

	for i := 0; i < subscriptionBuffer+1; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{TeamID: "team_1"}))
	}
	assert.ErrorIs(t, <-sub.Errors(), ErrSubscriberLagging)
}

func TestBuildEventBusFromDSN(t *testing.T) {
	bus, err := BuildEventBusFromDSN("")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryEventBus{}, bus)

	mr := miniredis.RunT(t)
	bus, err = BuildEventBusFromDSN("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	assert.IsType(t, &RedisEventBus{}, bus)
	_ = bus.Close()

	_, err = BuildEventBusFromDSN("kafka://broker")
	assert.ErrorIs(t, err, ErrNotImplemented)
}
