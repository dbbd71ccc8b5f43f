// Package storage is the Item Store: the durable record of every content item
// ever discovered and the delivery status of each.
//
// Drivers:
//   - "memory": process-local maps (dry runs, tests)
//   - "file": memory store + JSON snapshot and append-only journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via lib/pq
//
// The store exclusively owns persisted state. Callers hold transient copies.
package storage
