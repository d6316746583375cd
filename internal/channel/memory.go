package channel

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Settlement records how an in-memory delivery was settled.
type Settlement struct {
	Queue   string
	Body    []byte
	Attempt int
	Acked   bool
	Requeue bool
}

// Memory is an in-process topic broker. It keeps AMQP routing semantics
// (topic patterns, requeue, dead-letter exchange) without a server.
type Memory struct {
	mu          sync.Mutex
	bindings    []memoryBinding
	queues      map[string]*queueBuffer[*memoryMessage]
	deadLetter  map[string]string // queue -> dead-letter exchange
	settlements []Settlement
	closed      bool

	pollInterval time.Duration
}

type memoryBinding struct {
	exchange string
	pattern  string
	queue    string
}

type memoryMessage struct {
	exchange   string
	routingKey string
	body       []byte
	attempt    int
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		queues:       make(map[string]*queueBuffer[*memoryMessage]),
		deadLetter:   make(map[string]string),
		pollInterval: 10 * time.Millisecond,
	}
}

// Declare creates the queue (and dead-letter queue) of t and binds them.
func (m *Memory) Declare(t Topology) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.declareQueue(t.Queue)
	m.bindings = append(m.bindings, memoryBinding{exchange: t.Exchange, pattern: t.RoutingKey, queue: t.Queue})

	if t.DeadLetterExchange != "" {
		m.deadLetter[t.Queue] = t.DeadLetterExchange
		if t.DeadLetterQueue != "" {
			m.declareQueue(t.DeadLetterQueue)
			m.bindings = append(m.bindings, memoryBinding{exchange: t.DeadLetterExchange, pattern: "#", queue: t.DeadLetterQueue})
		}
	}
}

func (m *Memory) declareQueue(name string) {
	if _, ok := m.queues[name]; !ok {
		m.queues[name] = newQueueBuffer[*memoryMessage](16)
	}
}

// Publish routes body to every queue bound to exchange with a matching
// pattern. Unroutable messages are dropped.
func (m *Memory) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	msg := &memoryMessage{
		exchange:   exchange,
		routingKey: routingKey,
		body:       append([]byte(nil), body...),
		attempt:    1,
	}
	return m.route(msg)
}

func (m *Memory) route(msg *memoryMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for _, b := range m.bindings {
		if b.exchange == msg.exchange && topicMatch(b.pattern, msg.routingKey) {
			copied := *msg
			m.queues[b.queue].push(&copied)
		}
	}
	return nil
}

// Subscriber returns a Subscriber reading from the named queue.
func (m *Memory) Subscriber(queue string) Subscriber {
	m.mu.Lock()
	m.declareQueue(queue)
	m.mu.Unlock()
	return &memorySubscriber{broker: m, queue: queue}
}

// Settlements returns every settlement recorded so far.
func (m *Memory) Settlements() []Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Settlement(nil), m.settlements...)
}

// Depth returns the number of messages waiting in a queue.
func (m *Memory) Depth(queue string) int {
	m.mu.Lock()
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// Stats returns counters for a queue.
func (m *Memory) Stats(queue string) QueueStats {
	m.mu.Lock()
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return QueueStats{}
	}
	return q.stats()
}

// Close stops accepting publishes and closes every queue.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, q := range m.queues {
		q.close()
	}
	return nil
}

func (m *Memory) settle(queue string, msg *memoryMessage, acked, requeue bool) error {
	m.mu.Lock()
	m.settlements = append(m.settlements, Settlement{
		Queue:   queue,
		Body:    msg.body,
		Attempt: msg.attempt,
		Acked:   acked,
		Requeue: requeue,
	})
	q := m.queues[queue]
	dlx := m.deadLetter[queue]
	m.mu.Unlock()

	switch {
	case acked:
		return nil
	case requeue:
		next := *msg
		next.attempt++
		if !q.push(&next) {
			return ErrClosed
		}
		return nil
	case dlx != "":
		dead := *msg
		dead.exchange = dlx
		return m.route(&dead)
	}
	return nil
}

type memorySubscriber struct {
	broker *Memory
	queue  string
}

func (s *memorySubscriber) Consume(ctx context.Context) (<-chan Delivery, error) {
	s.broker.mu.Lock()
	q := s.broker.queues[s.queue]
	closed := s.broker.closed
	s.broker.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			msg, ok := q.tryPop()
			if !ok {
				// Queue empty, wait a bit before trying again
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.broker.pollInterval):
					continue
				}
			}

			d := &memoryDelivery{broker: s.broker, queue: s.queue, msg: msg}
			select {
			case out <- d:
			case <-ctx.Done():
				q.push(msg)
				return
			}
		}
	}()
	return out, nil
}

type memoryDelivery struct {
	settleOnce
	broker *Memory
	queue  string
	msg    *memoryMessage
}

func (d *memoryDelivery) Body() []byte { return d.msg.body }
func (d *memoryDelivery) Attempt() int { return d.msg.attempt }

func (d *memoryDelivery) Ack() error {
	if err := d.claim(); err != nil {
		return err
	}
	return d.broker.settle(d.queue, d.msg, true, false)
}

func (d *memoryDelivery) Nack(requeue bool) error {
	if err := d.claim(); err != nil {
		return err
	}
	return d.broker.settle(d.queue, d.msg, false, requeue)
}

// topicMatch reports whether an AMQP topic pattern matches a routing key.
// "*" matches exactly one word and "#" matches zero or more words.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
