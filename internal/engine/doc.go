// Package engine implements calsync's local-first sync engine.
//
// The engine owns the only write path to the record store. Every create,
// update or delete is applied to the local store and enqueued for the remote
// in one transaction; the write never waits on the network. Reads always come
// from the local store.
//
// ARCHITECTURE:
//
// Local write path:
// 1. Input is validated (model.Validate) and text normalized
// 2. A new updatedAt is stamped: later than the record's previous one
// 3. The collection write and the queue enqueue commit together
// 4. A queue signal wakes Run, which flushes in the background
//
// Flush:
// Queued entries are sent oldest-first. Each success is confirmed at once; an
// entry replaced while its call was in flight stays queued. A confirmed
// delete physically purges the local tombstone if it was not edited since.
// An unreachable remote stops the pass; any other failure skips that entry.
// Failures leave the engine deferred and are never returned to callers.
//
// Pull:
// Per entity type, remote changes after the stored cursor are merged with
// last-writer-wins on updatedAt: strictly newer remote records replace local
// ones, ties keep local. Ids with a queued local mutation are never touched:
// their remote version is held and merged when the mutation is confirmed.
// The cursor advances in the same transaction as the merged page.
//
// CRITICAL PATTERNS:
//
// Collection critical sections:
// Every read-modify-write runs inside store.Update, which holds the
// collection's lock for the whole transaction. Code inside an Update callback
// reads and writes only through the transaction.
//
// Stale in-flight results:
// A flush result is applied only if the queue entry still holds the drained
// seq, and a purge only if the tombstone still has the sent updatedAt.
package engine
