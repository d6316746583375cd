// Package channel is the message channel between the price fetcher and the
// ingest consumer.
//
// The contract is a topic exchange bound to a named durable queue by a routing
// key, with at-least-once delivery and explicit per-message settlement:
//   - Publish is fire-and-forget; no broker confirmation is awaited
//   - Every Delivery is settled exactly once, by Ack or Nack(requeue)
//   - Nack(requeue=true) redelivers; Nack(requeue=false) dead-letters
//   - There is no ordering guarantee across routing keys or consumers
//
// Two implementations exist: AMQP (RabbitMQ, used in production) and Memory
// (in-process, used by tests and single-process runs).
package channel
