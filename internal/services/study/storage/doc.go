// Package storage defines persistence interfaces for the study service.
//
// The event journal is the source of truth; the study read store, its
// projection checkpoints and lookup tables are derived and may be rebuilt.
// Implementations live in subpackages (memory, sqlite, postgres).
//
// Common error types:
//   - ErrNotFound: requested record is missing
//   - ErrConcurrentModification: an append's expected sequence is stale
package storage
