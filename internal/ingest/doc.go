// Package ingest implements the price ingest consumer.
//
// Each delivery moves through parse, persist and settle:
//   - A payload that does not parse is nacked for redelivery, or dead-lettered
//     once it reaches the delivery cap
//   - A parsed event becomes a PriceSample keyed by (instrument, timestamp), so
//     redeliveries of an already stored event are acked as duplicates
//   - Store failures follow the configured StorePolicy
//   - Ack failures are logged; the broker redelivers and the key dedups
package ingest
