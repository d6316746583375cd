// Package store persists price samples and answers the three read queries the
// pipeline needs: distinct instruments, volatility rank, and recent samples.
//
// Writes are append-only and keyed by the sample's content-addressed ID, so
// writing the same observation twice leaves one row. Two implementations share
// these semantics: Postgres (pgx) and Memory.
package store
