package engine

import (
	"context"
	"fmt"

	"github.com/roach88/calsync/internal/queue"
	"github.com/roach88/calsync/internal/remote"
	"github.com/roach88/calsync/internal/store"
)

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Attempted int `json:"attempted"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	// Remaining is the queue length after the pass.
	Remaining int `json:"remaining"`
	// Deferred is true if the pass stopped early or any entry failed.
	Deferred bool `json:"deferred"`
}

// Flush sends queued mutations to the remote. It never returns an error:
// failures leave their entries queued, mark the engine deferred and are
// logged. Concurrent calls run one after another.
func (e *Engine) Flush(ctx context.Context) FlushResult {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	var res FlushResult
	entries, err := e.queue.Drain(ctx)
	if err != nil {
		e.logger.Warn("flush: drain queue", "error", err)
		e.deferWith(err)
		res.Deferred = true
		return res
	}

	var lastErr error
	for _, entry := range entries {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		res.Attempted++

		if err := e.send(ctx, entry); err != nil {
			res.Failed++
			lastErr = NewNetworkError(entry.EntityType, entry.EntityID, err)
			e.logger.Warn("flush: remote call failed",
				"entity_type", entry.EntityType,
				"entity_id", entry.EntityID,
				"operation", entry.Op,
				"error", err,
			)
			if remote.IsUnavailable(err) {
				// Nothing else will get through either.
				break
			}
			continue
		}

		if err := e.confirm(ctx, entry); err != nil {
			res.Failed++
			lastErr = err
			e.logger.Warn("flush: confirm",
				"entity_type", entry.EntityType,
				"entity_id", entry.EntityID,
				"error", err,
			)
			continue
		}
		res.Confirmed++
	}

	remaining, err := e.queue.Len(ctx)
	if err != nil {
		e.logger.Warn("flush: count queue", "error", err)
	}
	res.Remaining = remaining
	res.Deferred = lastErr != nil

	now := e.clock.Now()
	e.setStatus(func(st *Status) {
		st.LastFlushAt = now
		if lastErr != nil {
			st.State = StateDeferred
			st.LastError = lastErr.Error()
		} else {
			st.State = StateIdle
			st.LastError = ""
		}
	})

	e.logger.Debug("flush complete",
		"attempted", res.Attempted,
		"confirmed", res.Confirmed,
		"failed", res.Failed,
		"remaining", res.Remaining,
	)
	return res
}

// send issues one remote call bounded by the flush timeout.
func (e *Engine) send(ctx context.Context, entry queue.Entry) error {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	switch entry.Op {
	case queue.OpUpsert:
		return e.remote.Upsert(callCtx, e.account, entry.EntityType, remote.Record{
			ID:        entry.EntityID,
			UpdatedAt: entry.UpdatedAt,
			Payload:   entry.Payload,
		})
	case queue.OpDelete:
		return e.remote.Delete(callCtx, e.account, entry.EntityType, entry.EntityID, entry.UpdatedAt)
	default:
		return fmt.Errorf("unknown operation %q", entry.Op)
	}
}

// confirm removes a sent entry from the queue unless it was replaced while
// in flight, then merges any remote version a pull held back for the id. For
// a confirmed delete it also purges the local tombstone, provided the record
// was not edited since the delete was sent.
func (e *Engine) confirm(ctx context.Context, entry queue.Entry) error {
	t, ok := e.byType[entry.EntityType]
	if !ok {
		// Unknown entity types cannot be tombstoned locally; just dequeue.
		_, err := e.queue.RemoveConfirmed(ctx, []queue.Entry{entry})
		return err
	}

	return e.store.Update(ctx, t.collection(), func(tx *store.Tx) error {
		n, err := e.queue.RemoveConfirmedTx(ctx, tx, []queue.Entry{entry})
		if err != nil {
			return err
		}
		if n == 0 {
			e.logger.Debug("flush: entry superseded while in flight",
				"entity_type", entry.EntityType,
				"entity_id", entry.EntityID,
			)
			return nil
		}
		if err := e.mergeHeld(ctx, tx, t, entry.EntityID); err != nil {
			return err
		}
		if entry.Op != queue.OpDelete {
			return nil
		}

		cur, ok, err := t.get(ctx, tx, entry.EntityID)
		if err != nil || !ok {
			return err
		}
		h := readHeader(cur)
		if !h.Deleted || h.UpdatedAt != entry.UpdatedAt {
			return nil
		}
		return t.purge(ctx, tx, entry.EntityID)
	})
}

func (e *Engine) deferWith(err error) {
	e.setStatus(func(st *Status) {
		st.State = StateDeferred
		st.LastError = err.Error()
	})
}
