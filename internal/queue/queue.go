// Package queue is the durable, coalescing queue of pending remote
// mutations.
//
// There is at most one live entry per (entity type, entity id). Enqueuing a
// mutation for a key that is already queued replaces the old entry and moves
// it to the back. Drain never removes anything; callers confirm what the
// remote accepted with RemoveConfirmed, which deletes an entry only if it has
// not been replaced since it was drained.
//
// Entries live in the store's mutation_queue table, so an enqueue can commit
// in the same transaction as the local record write it describes.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/calsync/internal/store"
)

// Op is a remote operation kind.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

const seqCounter = "mutation_seq"

// Key identifies a queued entity.
type Key struct {
	EntityType string
	EntityID   string
}

func (k Key) String() string { return k.EntityType + "/" + k.EntityID }

// Entry is one pending remote mutation.
type Entry struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Op         Op              `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  int64           `json:"updated_at"`
	EnqueuedAt int64           `json:"enqueued_at"`
	Seq        int64           `json:"seq"`
}

// Key returns the entry's coalescing key.
func (e Entry) Key() Key { return Key{EntityType: e.EntityType, EntityID: e.EntityID} }

// Queue is the mutation queue over a store.
//
// Thread-safety: all methods are safe for concurrent use. Atomicity comes
// from the store's transactions.
type Queue struct {
	store  *store.Store
	signal chan struct{} // buffered, size 1
}

// New creates a queue backed by s.
func New(s *store.Store) *Queue {
	return &Queue{
		store:  s,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds or replaces the entry for e's key in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (Entry, error) {
	var out Entry
	err := q.store.Update(ctx, "mutationQueue", func(tx *store.Tx) error {
		var err error
		out, err = q.EnqueueTx(ctx, tx, e)
		return err
	})
	return out, err
}

// EnqueueTx adds or replaces the entry for e's key using tx. The entry gets
// a fresh seq; EnqueuedAt keeps the time the key first became dirty.
func (q *Queue) EnqueueTx(ctx context.Context, tx store.Querier, e Entry) (Entry, error) {
	if e.EntityType == "" || e.EntityID == "" {
		return Entry{}, errors.New("enqueue: entity type and id are required")
	}
	if e.Op != OpUpsert && e.Op != OpDelete {
		return Entry{}, fmt.Errorf("enqueue: unknown operation %q", e.Op)
	}
	if e.Payload == nil {
		e.Payload = json.RawMessage("{}")
	}
	if e.EnqueuedAt == 0 {
		e.EnqueuedAt = time.Now().UnixMilli()
	}

	seq, err := store.NextSeq(ctx, tx, seqCounter)
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue %s: %w", e.Key(), err)
	}
	e.Seq = seq

	err = tx.QueryRowContext(ctx, `
		INSERT INTO mutation_queue (entity_type, entity_id, operation, payload, updated_at, enqueued_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			operation  = excluded.operation,
			payload    = excluded.payload,
			updated_at = excluded.updated_at,
			seq        = excluded.seq
		RETURNING enqueued_at
	`, e.EntityType, e.EntityID, string(e.Op), string(e.Payload), e.UpdatedAt, e.EnqueuedAt, e.Seq).Scan(&e.EnqueuedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue %s: %w", e.Key(), err)
	}

	q.notify()
	return e, nil
}

// Drain returns every queued entry in seq order. Nothing is removed.
// Returns an empty slice (not nil) when the queue is empty.
func (q *Queue) Drain(ctx context.Context) ([]Entry, error) {
	return q.list(ctx, q.store.DB(), `
		SELECT entity_type, entity_id, operation, payload, updated_at, enqueued_at, seq
		FROM mutation_queue
		ORDER BY seq ASC
	`)
}

// Entries returns the queued entries for one entity type in seq order.
func (q *Queue) Entries(ctx context.Context, entityType string) ([]Entry, error) {
	return q.list(ctx, q.store.DB(), `
		SELECT entity_type, entity_id, operation, payload, updated_at, enqueued_at, seq
		FROM mutation_queue
		WHERE entity_type = ?
		ORDER BY seq ASC
	`, entityType)
}

func (q *Queue) list(ctx context.Context, db store.Querier, query string, args ...any) ([]Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var op, payload string
		if err := rows.Scan(&e.EntityType, &e.EntityID, &op, &payload, &e.UpdatedAt, &e.EnqueuedAt, &e.Seq); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Op = Op(op)
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	return entries, nil
}

// RemoveConfirmed deletes the given entries in its own transaction and
// reports how many were removed.
func (q *Queue) RemoveConfirmed(ctx context.Context, confirmed []Entry) (int, error) {
	var n int
	err := q.store.Update(ctx, "mutationQueue", func(tx *store.Tx) error {
		var err error
		n, err = q.RemoveConfirmedTx(ctx, tx, confirmed)
		return err
	})
	return n, err
}

// RemoveConfirmedTx deletes each confirmed entry only if its key still holds
// the drained seq. An entry replaced after the drain stays queued.
func (q *Queue) RemoveConfirmedTx(ctx context.Context, tx store.Querier, confirmed []Entry) (int, error) {
	removed := 0
	for _, e := range confirmed {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM mutation_queue
			WHERE entity_type = ? AND entity_id = ? AND seq = ?
		`, e.EntityType, e.EntityID, e.Seq)
		if err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Key(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Key(), err)
		}
		removed += int(n)
	}
	return removed, nil
}

// Has reports whether key has a queued mutation.
func (q *Queue) Has(ctx context.Context, key Key) (bool, error) {
	return q.HasTx(ctx, q.store.DB(), key)
}

// HasTx is Has using tx.
func (q *Queue) HasTx(ctx context.Context, tx store.Querier, key Key) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM mutation_queue WHERE entity_type = ? AND entity_id = ?
	`, key.EntityType, key.EntityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", key, err)
	}
	return true, nil
}

// PendingIDs returns the ids of an entity type that have queued mutations.
func (q *Queue) PendingIDs(ctx context.Context, tx store.Querier, entityType string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT entity_id FROM mutation_queue WHERE entity_type = ?
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("pending %s: %w", entityType, err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending %s: %w", entityType, err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// Wait returns a channel that receives after an enqueue. Multiple enqueues
// between receives coalesce into one signal.
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
