package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/calsync/internal/remote"
	"github.com/roach88/calsync/internal/store"
)

// PullResult summarizes one pull pass.
type PullResult struct {
	Applied  int  `json:"applied"`
	Deleted  int  `json:"deleted"`
	Stale    int  `json:"stale"`
	Skipped  int  `json:"skipped"`
	Invalid  int  `json:"invalid"`
	Deferred bool `json:"deferred"`
}

type mergeOutcome int

const (
	mergeApplied mergeOutcome = iota
	mergeDeleted
	mergeStale
	mergeSkipped
	mergeNoop
	mergeInvalid
)

// Pull fetches remote changes for every entity type and merges them into
// the local store. Like Flush, it never returns an error.
func (e *Engine) Pull(ctx context.Context) PullResult {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	var res PullResult
	var lastErr error
	for _, t := range e.tables {
		err := e.pullTable(ctx, t, &res)
		if err == nil {
			continue
		}
		lastErr = err
		e.logger.Warn("pull failed", "entity_type", t.entity(), "error", err)
		if remote.IsUnavailable(err) || ctx.Err() != nil {
			break
		}
	}
	res.Deferred = lastErr != nil

	now := e.clock.Now()
	e.setStatus(func(st *Status) {
		if lastErr != nil {
			st.State = StateDeferred
			st.LastError = lastErr.Error()
			return
		}
		st.LastPullAt = now
	})
	return res
}

func (e *Engine) pullTable(ctx context.Context, t table, res *PullResult) error {
	cursor, err := store.Cursor(ctx, e.store.DB(), t.entity())
	if err != nil {
		return err
	}

	for {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		page, err := e.remote.Pull(callCtx, e.account, t.entity(), cursor, e.pageSize)
		cancel()
		if err != nil {
			return NewNetworkError(t.entity(), "", err)
		}

		err = e.store.Update(ctx, t.collection(), func(tx *store.Tx) error {
			pending, err := e.queue.PendingIDs(ctx, tx, t.entity())
			if err != nil {
				return err
			}
			for _, rec := range page.Records {
				outcome, err := e.merge(ctx, tx, t, rec, pending[rec.ID])
				if err != nil {
					return err
				}
				switch outcome {
				case mergeApplied:
					res.Applied++
				case mergeDeleted:
					res.Deleted++
				case mergeStale:
					res.Stale++
				case mergeSkipped:
					res.Skipped++
				case mergeInvalid:
					res.Invalid++
				}
			}
			return store.SetCursor(ctx, tx, t.entity(), page.Cursor)
		})
		if err != nil {
			return fmt.Errorf("merge %s: %w", t.entity(), err)
		}

		if !page.More || page.Cursor == cursor {
			return nil
		}
		cursor = page.Cursor
	}
}

// merge applies one remote record with last-writer-wins.
func (e *Engine) merge(ctx context.Context, tx *store.Tx, t table, rec remote.Record, queued bool) (mergeOutcome, error) {
	log := e.logger.With("entity_type", t.entity(), "entity_id", rec.ID, "remote_updated_at", rec.UpdatedAt)

	if queued {
		// The remote version is set aside and merged once the local
		// mutation is confirmed, since the cursor moves past it now.
		log.Debug("pull: local mutation pending, holding remote version")
		err := store.Hold(ctx, tx, store.HeldRecord{
			EntityType: t.entity(),
			EntityID:   rec.ID,
			UpdatedAt:  rec.UpdatedAt,
			Deleted:    rec.Deleted,
			Payload:    rec.Payload,
		})
		if err != nil {
			return mergeNoop, err
		}
		return mergeSkipped, nil
	}
	if err := store.DropHeld(ctx, tx, t.entity(), rec.ID); err != nil {
		return mergeNoop, err
	}

	cur, exists, err := t.get(ctx, tx, rec.ID)
	if err != nil {
		return mergeNoop, err
	}
	var local int64
	if exists {
		local = readHeader(cur).UpdatedAt
	}

	if rec.Deleted {
		if !exists || !t.deletable() {
			return mergeNoop, nil
		}
		if rec.UpdatedAt <= local {
			log.Debug("pull: stale remote delete discarded", "local_updated_at", local)
			return mergeStale, nil
		}
		// The remote already holds the tombstone, so there is nothing left
		// to propagate: remove the record outright.
		if err := t.purge(ctx, tx, rec.ID); err != nil {
			return mergeNoop, err
		}
		return mergeDeleted, nil
	}

	if exists && rec.UpdatedAt <= local {
		log.Debug("pull: stale remote write discarded", "local_updated_at", local)
		return mergeStale, nil
	}

	body, err := withHeader(rec.Payload, rec.UpdatedAt, false)
	if err == nil {
		err = t.set(ctx, tx, rec.ID, body)
	}
	if errors.Is(err, errBadRecord) {
		log.Warn("pull: malformed remote record skipped", "error", err)
		return mergeInvalid, nil
	}
	if err != nil {
		return mergeNoop, err
	}
	return mergeApplied, nil
}

// mergeHeld merges the remote version a pull set aside for id, if any. It
// runs after the id's queued mutation is confirmed, so last-writer-wins
// decides between the confirmed local version and the held one.
func (e *Engine) mergeHeld(ctx context.Context, tx *store.Tx, t table, id string) error {
	held, ok, err := store.TakeHeld(ctx, tx, t.entity(), id)
	if err != nil || !ok {
		return err
	}
	outcome, err := e.merge(ctx, tx, t, remote.Record{
		ID:        id,
		UpdatedAt: held.UpdatedAt,
		Deleted:   held.Deleted,
		Payload:   held.Payload,
	}, false)
	if err != nil {
		return err
	}
	e.logger.Debug("flush: merged held remote version",
		"entity_type", t.entity(),
		"entity_id", id,
		"remote_updated_at", held.UpdatedAt,
		"applied", outcome == mergeApplied || outcome == mergeDeleted,
	)
	return nil
}
