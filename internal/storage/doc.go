// Package storage persists what the executor learns about vocabulary.
//
// It currently supports:
//   - Vocabulary items and their translations (upserted on first sight)
//   - Per-profile exposure counters (atomic increments)
//   - Append-only session records and statistics snapshots
//
// Backends: sqlite (modernc, pure Go), mysql, postgres and an in-memory store.
package storage
