package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/marketpulse/internal/channel"
	"github.com/rickgao/marketpulse/internal/metrics"
	"github.com/rickgao/marketpulse/internal/model"
	"github.com/rickgao/marketpulse/internal/query"
	"github.com/rickgao/marketpulse/internal/store"
)

const validPayload = `{"instrument":"BTCUSD","price":"100.0","timestamp":"2024-01-01T00:00:00Z"}`

// fakeDelivery records how it was settled.
type fakeDelivery struct {
	body    []byte
	attempt int
	ackErr  error

	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
	settles int
}

func newDelivery(body string, attempt int) *fakeDelivery {
	return &fakeDelivery{body: []byte(body), attempt: attempt}
}

func (d *fakeDelivery) Body() []byte { return d.body }
func (d *fakeDelivery) Attempt() int { return d.attempt }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settles++
	if d.ackErr != nil {
		return d.ackErr
	}
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settles++
	d.nacked = true
	d.requeue = requeue
	return nil
}

// failingStore fails every write.
type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (s *failingStore) Write(context.Context, model.PriceSample) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return false, errors.New("connection refused")
}

func newConsumer(st SampleWriter, cfg Config) (*Consumer, *metrics.Metrics) {
	m := metrics.New(nil)
	return New(cfg, nil, st, m, nil), m
}

func TestHandle_ValidPayload(t *testing.T) {
	st := store.NewMemory(nil)
	c, m := newConsumer(st, DefaultConfig())
	d := newDelivery(validPayload, 1)

	assert.Equal(t, OutcomeAcked, c.Handle(context.Background(), d))
	assert.True(t, d.acked)
	assert.False(t, d.nacked)
	assert.Equal(t, 1, d.settles)
	assert.Equal(t, 1, st.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesConsumed.WithLabelValues(string(OutcomeAcked))))

	instruments, err := st.ListInstruments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSD"}, instruments)
}

func TestHandle_RedeliveredDuplicate(t *testing.T) {
	st := store.NewMemory(nil)
	c, _ := newConsumer(st, DefaultConfig())

	assert.Equal(t, OutcomeAcked, c.Handle(context.Background(), newDelivery(validPayload, 1)))

	again := newDelivery(validPayload, 2)
	assert.Equal(t, OutcomeDuplicate, c.Handle(context.Background(), again))
	assert.True(t, again.acked, "duplicate must still be acked")
	assert.Equal(t, 1, st.Len())
}

func TestHandle_MalformedPayload(t *testing.T) {
	payloads := []string{
		`not json`,
		`{"price":"1","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"instrument":"BTCUSD","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"instrument":"BTCUSD","price":"abc","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"instrument":"BTCUSD","price":"1"}`,
		`{"instrument":"BTCUSD","price":"1","timestamp":42}`,
	}
	for _, p := range payloads {
		t.Run(p, func(t *testing.T) {
			st := store.NewMemory(nil)
			c, _ := newConsumer(st, DefaultConfig())
			d := newDelivery(p, 1)

			assert.Equal(t, OutcomeRequeued, c.Handle(context.Background(), d))
			assert.True(t, d.nacked)
			assert.True(t, d.requeue)
			assert.False(t, d.acked)
			assert.Equal(t, 0, st.Len())
		})
	}
}

func TestHandle_DeadLettersAtCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeliveries = 3
	c, m := newConsumer(store.NewMemory(nil), cfg)

	for attempt := 1; attempt < 3; attempt++ {
		d := newDelivery(`garbage`, attempt)
		assert.Equal(t, OutcomeRequeued, c.Handle(context.Background(), d))
		assert.True(t, d.requeue)
	}

	d := newDelivery(`garbage`, 3)
	assert.Equal(t, OutcomeDeadLettered, c.Handle(context.Background(), d))
	assert.True(t, d.nacked)
	assert.False(t, d.requeue)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesConsumed.WithLabelValues(string(OutcomeDeadLettered))))
}

func TestHandle_UnboundedRedelivery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeliveries = 0
	c, _ := newConsumer(store.NewMemory(nil), cfg)

	d := newDelivery(`garbage`, 1000)
	assert.Equal(t, OutcomeRequeued, c.Handle(context.Background(), d))
	assert.True(t, d.requeue)
}

func TestHandle_StoreErrorRequeue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeliveries = 2
	st := &failingStore{}
	c, _ := newConsumer(st, cfg)

	d := newDelivery(validPayload, 1)
	assert.Equal(t, OutcomeRequeued, c.Handle(context.Background(), d))
	assert.True(t, d.requeue)
	assert.False(t, d.acked)

	d = newDelivery(validPayload, 2)
	assert.Equal(t, OutcomeDeadLettered, c.Handle(context.Background(), d))
	assert.False(t, d.requeue)
	assert.Equal(t, 2, st.calls)
}

func TestHandle_StoreErrorHalt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OnStoreError = StoreHalt
	c, _ := newConsumer(&failingStore{}, cfg)

	d := newDelivery(validPayload, 1)
	assert.Equal(t, OutcomeHalted, c.Handle(context.Background(), d))
	assert.True(t, d.nacked)
	assert.True(t, d.requeue, "halted message is returned to the queue")
	assert.ErrorIs(t, c.err, ErrHalted)
	assert.ErrorContains(t, c.err, "connection refused")
}

func TestHandle_AckFailureIsLoggedOnly(t *testing.T) {
	st := store.NewMemory(nil)
	c, _ := newConsumer(st, DefaultConfig())
	d := newDelivery(validPayload, 1)
	d.ackErr = channel.ErrClosed

	assert.Equal(t, OutcomeAckFailed, c.Handle(context.Background(), d))
	assert.Equal(t, 1, d.settles, "ack is not retried")
	assert.False(t, d.nacked)
	assert.Equal(t, 1, st.Len())
}

func testTopology() channel.Topology {
	return channel.Topology{
		Exchange:           "montecarlo",
		Queue:              "prices",
		RoutingKey:         "prices.latest",
		DeadLetterExchange: "montecarlo.dlx",
		DeadLetterQueue:    "prices.dead",
	}
}

func TestConsumer_EndToEnd(t *testing.T) {
	broker := channel.NewMemory()
	broker.Declare(testTopology())
	st := store.NewMemory(func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) })

	c := New(DefaultConfig(), broker.Subscriber("prices"), st, nil, nil)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, broker.Publish(context.Background(), "montecarlo", "prices.latest", []byte(validPayload)))
	require.Eventually(t, func() bool { return st.Len() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Wait())

	svc := query.New(st, nil, 0, nil)
	markets, err := svc.ListMarkets(context.Background())
	require.NoError(t, err)
	assert.Contains(t, markets, "BTCUSD")

	detail, err := svc.MarketDetail(context.Background(), "BTCUSD")
	require.NoError(t, err)
	require.NotNil(t, detail.Rank)
	assert.Equal(t, "1/1", *detail.Rank)
	require.Len(t, detail.PricePoints, 1)
	assert.Equal(t, 100.0, detail.PricePoints[0].Amount)
}

func TestConsumer_MalformedIsRedelivered(t *testing.T) {
	broker := channel.NewMemory()
	broker.Declare(testTopology())

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.MaxDeliveries = 3
	st := store.NewMemory(nil)
	c := New(cfg, broker.Subscriber("prices"), st, nil, nil)
	require.NoError(t, c.Start(context.Background()))

	bad := []byte(`{"instrument":"BTCUSD","price":"not-a-number","timestamp":"2024-01-01T00:00:00Z"}`)
	require.NoError(t, broker.Publish(context.Background(), "montecarlo", "prices.latest", bad))

	require.Eventually(t, func() bool { return broker.Depth("prices.dead") == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	settlements := broker.Settlements()
	require.Len(t, settlements, 3)
	for i, s := range settlements {
		assert.Equal(t, bad, s.Body)
		assert.Equal(t, i+1, s.Attempt)
		assert.False(t, s.Acked)
	}
	assert.True(t, settlements[0].Requeue)
	assert.True(t, settlements[1].Requeue)
	assert.False(t, settlements[2].Requeue)
	assert.Equal(t, 0, st.Len())
}

func TestConsumer_HaltStopsWorkers(t *testing.T) {
	broker := channel.NewMemory()
	broker.Declare(testTopology())

	cfg := DefaultConfig()
	cfg.OnStoreError = StoreHalt
	c := New(cfg, broker.Subscriber("prices"), &failingStore{}, nil, nil)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, broker.Publish(context.Background(), "montecarlo", "prices.latest", []byte(validPayload)))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not halt")
	}
	assert.ErrorIs(t, c.Wait(), ErrHalted)
	assert.Equal(t, 1, broker.Depth("prices"), "message stays queued for a later run")
}

// closedSubscriber hands out a stream that has already ended, as the AMQP
// client does when the connection drops.
type closedSubscriber struct{}

func (closedSubscriber) Consume(context.Context) (<-chan channel.Delivery, error) {
	ch := make(chan channel.Delivery)
	close(ch)
	return ch, nil
}

func TestConsumer_StreamClosedIsAnError(t *testing.T) {
	c := New(DefaultConfig(), closedSubscriber{}, store.NewMemory(nil), nil, nil)
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer did not exit after the stream closed")
	}
	assert.ErrorIs(t, c.Wait(), ErrStreamClosed)
}

func TestConsumer_StopIsNotAnError(t *testing.T) {
	broker := channel.NewMemory()
	broker.Declare(testTopology())
	c := New(DefaultConfig(), broker.Subscriber("prices"), store.NewMemory(nil), nil, nil)
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	assert.NoError(t, c.Wait())
}

// countingInvalidator counts Invalidate calls.
type countingInvalidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (i *countingInvalidator) Invalidate(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	return i.err
}

func TestHandle_InvalidatesRanksOnInsert(t *testing.T) {
	inv := &countingInvalidator{}
	c, _ := newConsumer(store.NewMemory(nil), DefaultConfig())
	c.SetRankInvalidator(inv)

	assert.Equal(t, OutcomeAcked, c.Handle(context.Background(), newDelivery(validPayload, 1)))
	assert.Equal(t, 1, inv.calls)

	// Duplicates and rejects leave the ranking untouched.
	assert.Equal(t, OutcomeDuplicate, c.Handle(context.Background(), newDelivery(validPayload, 2)))
	assert.Equal(t, OutcomeRequeued, c.Handle(context.Background(), newDelivery(`garbage`, 1)))
	assert.Equal(t, 1, inv.calls)

	// A failing cache does not fail the message.
	inv.err = errors.New("redis down")
	d := newDelivery(`{"instrument":"ETHUSD","price":"10","timestamp":"2024-01-01T00:00:00Z"}`, 1)
	assert.Equal(t, OutcomeAcked, c.Handle(context.Background(), d))
	assert.True(t, d.acked)
	assert.Equal(t, 2, inv.calls)
}
