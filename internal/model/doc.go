// Package model provides the record types that calsync stores locally and
// replicates to the remote backing store.
//
// This package contains type definitions, date helpers, and input validation
// only. Every other internal package imports model; model imports nothing
// internal.
//
// Key design constraints:
//   - Record ids are immutable once assigned
//   - UpdatedAt is unix milliseconds and is the only conflict-resolution clock
//   - Deletes are tombstones (Deleted=true) until the remote confirms them
//   - All JSON tags use snake_case; "updated_at" and "deleted" are shared by
//     every replicated record so the engine can stamp and tombstone payloads
//     without knowing their concrete type
package model
