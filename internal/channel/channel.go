package channel

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
	ErrAlreadySettled = errors.New("delivery already settled")

	// ErrClosed is returned when using a channel after Close.
	ErrClosed = errors.New("channel closed")
)

// Publisher sends payloads to an exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Subscriber streams deliveries from the bound queue. The returned channel is
// closed when ctx is cancelled or the underlying connection goes away.
type Subscriber interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
}

// Delivery is one received message plus its single-use settlement handle.
type Delivery interface {
	Body() []byte

	// Attempt is 1 for the first delivery and increments on each redelivery.
	Attempt() int

	Ack() error
	Nack(requeue bool) error
}

// Topology names the exchange, queue and binding a consumer reads from.
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string

	// DeadLetterExchange receives messages nacked without requeue. Empty
	// disables dead-lettering (such messages are dropped by the broker).
	DeadLetterExchange string
	DeadLetterQueue    string

	Prefetch int
}

// settleOnce guards a delivery handle so it is used exactly once.
type settleOnce struct {
	done atomic.Bool
}

func (s *settleOnce) claim() error {
	if !s.done.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return nil
}
