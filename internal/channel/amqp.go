package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP is a RabbitMQ-backed Publisher and Subscriber.
type AMQP struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	topology Topology
	logger   *slog.Logger

	// publishMu serializes publishes on the shared channel.
	publishMu sync.Mutex
}

// DialAMQP connects to the broker and opens a channel.
func DialAMQP(url string, topology Topology, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &AMQP{
		conn:     conn,
		ch:       ch,
		topology: topology,
		logger:   logger,
	}, nil
}

// DeclareExchange declares the durable topic exchange. Producers only need this.
func (a *AMQP) DeclareExchange() error {
	if err := a.ch.ExchangeDeclare(a.topology.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", a.topology.Exchange, err)
	}
	return nil
}

// DeclareQueue declares the exchange, the durable queue and its binding, plus
// the dead-letter exchange and queue when configured.
func (a *AMQP) DeclareQueue() error {
	t := a.topology

	if err := a.DeclareExchange(); err != nil {
		return err
	}

	args := queueArgs(t)
	if t.DeadLetterExchange != "" {
		if err := a.ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange %s: %w", t.DeadLetterExchange, err)
		}
		if t.DeadLetterQueue != "" {
			if _, err := a.ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare dead-letter queue %s: %w", t.DeadLetterQueue, err)
			}
			if err := a.ch.QueueBind(t.DeadLetterQueue, "#", t.DeadLetterExchange, false, nil); err != nil {
				return fmt.Errorf("bind dead-letter queue %s: %w", t.DeadLetterQueue, err)
			}
		}
	}

	if _, err := a.ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := a.ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s/%s: %w", t.Queue, t.Exchange, t.RoutingKey, err)
	}

	if t.Prefetch > 0 {
		if err := a.ch.Qos(t.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}

	a.logger.Info("broker topology declared",
		"exchange", t.Exchange,
		"queue", t.Queue,
		"routing_key", t.RoutingKey,
		"dead_letter_exchange", t.DeadLetterExchange,
	)
	return nil
}

// queueArgs builds the queue arguments. Quorum queues track redeliveries in
// the x-delivery-count header, which Attempt reads.
func queueArgs(t Topology) amqp.Table {
	args := amqp.Table{
		amqp.QueueTypeArg: amqp.QueueTypeQuorum,
	}
	if t.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = t.DeadLetterExchange
	}
	return args
}

// Publish sends a persistent JSON message. It does not wait for a broker confirm.
func (a *AMQP) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	err := a.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// Consume starts a consumer on the topology's queue. Cancelling ctx cancels
// the consumer; deliveries already handed out can still be settled.
func (a *AMQP) Consume(ctx context.Context) (<-chan Delivery, error) {
	tag := fmt.Sprintf("ingest-%d", time.Now().UnixNano())

	msgs, err := a.ch.Consume(a.topology.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", a.topology.Queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				if err := a.ch.Cancel(tag, false); err != nil {
					a.logger.Warn("failed to cancel consumer", "tag", tag, "err", err)
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- &amqpDelivery{msg: msg}:
				case <-ctx.Done():
					// Never handed out; give it back to the queue.
					if err := msg.Nack(false, true); err != nil {
						a.logger.Warn("failed to return undelivered message", "err", err)
					}
				}
			}
		}
	}()

	return out, nil
}

// Close closes the channel and then the connection.
func (a *AMQP) Close() error {
	var firstErr error
	if err := a.ch.Close(); err != nil {
		firstErr = fmt.Errorf("close channel: %w", err)
	}
	if err := a.conn.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close connection: %w", err)
	}
	return firstErr
}

type amqpDelivery struct {
	settleOnce
	msg amqp.Delivery
}

func (d *amqpDelivery) Body() []byte { return d.msg.Body }

func (d *amqpDelivery) Attempt() int {
	return deliveryAttempt(d.msg.Headers, d.msg.Redelivered)
}

func (d *amqpDelivery) Ack() error {
	if err := d.claim(); err != nil {
		return err
	}
	return d.msg.Ack(false)
}

func (d *amqpDelivery) Nack(requeue bool) error {
	if err := d.claim(); err != nil {
		return err
	}
	return d.msg.Nack(false, requeue)
}

// deliveryAttempt derives the 1-based attempt from x-delivery-count, falling
// back to the redelivered flag on queues that do not set the header.
func deliveryAttempt(headers amqp.Table, redelivered bool) int {
	switch n := headers["x-delivery-count"].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if redelivered {
		return 2
	}
	return 1
}
