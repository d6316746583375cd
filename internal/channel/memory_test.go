package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testTopology() Topology {
	return Topology{
		Exchange:           "montecarlo",
		Queue:              "prices",
		RoutingKey:         "prices.#",
		DeadLetterExchange: "montecarlo.dlx",
		DeadLetterQueue:    "prices.dead",
	}
}

func receive(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestMemory_RoutesByTopic(t *testing.T) {
	m := NewMemory()
	m.Declare(testTopology())
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "montecarlo", "prices.latest", []byte(`a`)))
	require.NoError(t, m.Publish(ctx, "montecarlo", "orders.latest", []byte(`b`)))
	require.NoError(t, m.Publish(ctx, "other", "prices.latest", []byte(`c`)))

	require.Equal(t, 1, m.Depth("prices"))
	require.Equal(t, 0, m.Depth("prices.dead"))
}

func TestMemory_AckRemovesMessage(t *testing.T) {
	m := NewMemory()
	m.Declare(testTopology())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Publish(ctx, "montecarlo", "prices.latest", []byte(`payload`)))

	deliveries, err := m.Subscriber("prices").Consume(ctx)
	require.NoError(t, err)

	d := receive(t, deliveries)
	require.Equal(t, []byte(`payload`), d.Body())
	require.Equal(t, 1, d.Attempt())
	require.NoError(t, d.Ack())
	require.ErrorIs(t, d.Ack(), ErrAlreadySettled)
	require.ErrorIs(t, d.Nack(true), ErrAlreadySettled)

	settlements := m.Settlements()
	require.Len(t, settlements, 1)
	require.True(t, settlements[0].Acked)
	require.Equal(t, 0, m.Depth("prices"))
}

func TestMemory_NackRequeueRedelivers(t *testing.T) {
	m := NewMemory()
	m.Declare(testTopology())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Publish(ctx, "montecarlo", "prices.latest", []byte(`again`)))
	deliveries, err := m.Subscriber("prices").Consume(ctx)
	require.NoError(t, err)

	first := receive(t, deliveries)
	require.NoError(t, first.Nack(true))

	second := receive(t, deliveries)
	require.Equal(t, []byte(`again`), second.Body())
	require.Equal(t, 2, second.Attempt())
	require.NoError(t, second.Ack())

	settlements := m.Settlements()
	require.Len(t, settlements, 2)
	require.False(t, settlements[0].Acked)
	require.True(t, settlements[0].Requeue)
	require.Equal(t, 1, settlements[0].Attempt)
}

func TestMemory_NackWithoutRequeueDeadLetters(t *testing.T) {
	m := NewMemory()
	m.Declare(testTopology())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Publish(ctx, "montecarlo", "prices.latest", []byte(`poison`)))
	deliveries, err := m.Subscriber("prices").Consume(ctx)
	require.NoError(t, err)

	require.NoError(t, receive(t, deliveries).Nack(false))

	require.Equal(t, 0, m.Depth("prices"))
	require.Equal(t, 1, m.Depth("prices.dead"))

	dead, err := m.Subscriber("prices.dead").Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte(`poison`), receive(t, dead).Body())
}

func TestMemory_ConsumeStopsOnCancel(t *testing.T) {
	m := NewMemory()
	m.Declare(testTopology())
	ctx, cancel := context.WithCancel(context.Background())

	deliveries, err := m.Subscriber("prices").Consume(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-deliveries:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("delivery channel not closed after cancel")
	}
}

func TestMemory_PublishAfterClose(t *testing.T) {
	m := NewMemory()
	m.Declare(testTopology())
	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Publish(context.Background(), "montecarlo", "prices.latest", nil), ErrClosed)
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"prices.latest", "prices.latest", true},
		{"prices.latest", "prices.old", false},
		{"prices.*", "prices.latest", true},
		{"prices.*", "prices.latest.btc", false},
		{"prices.#", "prices", true},
		{"prices.#", "prices.latest.btc", true},
		{"#", "anything.at.all", true},
		{"*.latest", "prices.latest", true},
		{"#.btc", "prices.latest.btc", true},
		{"#.btc", "prices.latest.eth", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			require.Equal(t, tt.want, topicMatch(tt.pattern, tt.key))
		})
	}
}

func TestQueueBuffer_GrowsAndKeepsOrder(t *testing.T) {
	q := newQueueBuffer[int](4)

	for i := 0; i < 100; i++ {
		require.True(t, q.push(i))
	}
	stats := q.stats()
	require.Equal(t, 100, stats.Depth)
	require.GreaterOrEqual(t, stats.Resizes, 3)

	for i := 0; i < 100; i++ {
		v, ok := q.tryPop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.tryPop()
	require.False(t, ok)

	q.close()
	require.False(t, q.push(1))
}

func TestQueueBuffer_WrapAround(t *testing.T) {
	q := newQueueBuffer[int](10)

	// Interleave to move head past the start before growing.
	for i := 0; i < 5; i++ {
		q.push(i)
	}
	for i := 0; i < 3; i++ {
		q.tryPop()
	}
	for i := 5; i < 20; i++ {
		q.push(i)
	}

	for want := 3; want < 20; want++ {
		v, ok := q.tryPop()
		require.True(t, ok)
		require.Equal(t, want, v)
	}
}
