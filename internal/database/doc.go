// Package database opens the PostgreSQL pool backing the price store.
package database
