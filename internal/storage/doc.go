// Package storage persists delivery history records.
//
// Drivers:
//   - memory: in-process slice, lost on restart (default)
//   - file: JSON Lines journal, compacted when records are trimmed
//   - sqlite: modernc.org/sqlite database file in WAL mode
//   - postgres: pgx connection pool
//
// Stores keep records in append order. Retention policy (how many, how old)
// is decided by the caller through TrimOldest and DeleteBefore.
package storage
