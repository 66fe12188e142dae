// Package store provides SQLite-backed durable storage for calsync's local
// record collections.
//
// The store holds:
//   - Collections: one JSON blob per logical collection (mealsByDate,
//     weightEntries, goals, ...)
//   - Mutation queue: pending remote operations (see package queue)
//   - Sync cursors: the last pulled remote position per entity type
//
// # Guarantees
//
// Load never fails on a missing collection: the destination keeps its empty
// default. A blob that fails to parse is treated the same way and logged as
// storage corruption; the caller never sees a crash.
//
// Save runs inside a transaction, so an interrupted write leaves either the
// old or the new value readable.
//
// Update is a critical section per collection: a second read-modify-write on
// the same collection waits until the first has committed.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// No business logic lives here.
package store
