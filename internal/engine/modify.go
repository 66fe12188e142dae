package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/calsync/internal/model"
	"github.com/roach88/calsync/internal/queue"
	"github.com/roach88/calsync/internal/store"
)

// Derived-state components read a record, decide, and write it back. These
// helpers run that sequence under the collection lock so a concurrent pull or
// local write cannot interleave with it.

// modify is a read-modify-write of one record. fn receives the live record
// (exists is false when absent or tombstoned) and reports whether it changed
// anything; unchanged records are neither written nor enqueued.
func modify[T model.Record](ctx context.Context, e *Engine, t table, id string, fn func(cur T, exists bool) (T, bool, error)) (T, bool, error) {
	var out T
	var changed bool
	err := e.store.Update(ctx, t.collection(), func(tx *store.Tx) error {
		var err error
		out, changed, err = modifyTx(ctx, e, tx, t, id, fn)
		return err
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return out, changed, nil
}

// modifyTx runs modify's read-modify-write inside tx. The caller holds the
// lock of t's collection.
func modifyTx[T model.Record](ctx context.Context, e *Engine, tx *store.Tx, t table, id string, fn func(cur T, exists bool) (T, bool, error)) (T, bool, error) {
	var zero T
	raw, ok, err := t.get(ctx, tx, id)
	if err != nil {
		return zero, false, fmt.Errorf("read %s/%s: %w", t.entity(), id, err)
	}
	var cur T
	var prev int64
	exists := false
	if ok {
		h := readHeader(raw)
		prev = h.UpdatedAt
		if !h.Deleted {
			if cur, err = decodeRecord[T](raw); err != nil {
				return zero, false, err
			}
			exists = true
		}
	}

	next, changed, err := fn(cur, exists)
	if err != nil {
		return zero, false, err
	}
	if !changed {
		return cur, false, nil
	}
	if err := validate(t.entity(), id, next); err != nil {
		return zero, false, err
	}

	body, err := json.Marshal(next)
	if err != nil {
		return zero, false, fmt.Errorf("marshal %s/%s: %w", t.entity(), id, err)
	}
	stamp := e.clock.Stamp(prev)
	if body, err = withHeader(body, stamp, false); err != nil {
		return zero, false, err
	}
	if err := t.set(ctx, tx, id, body); err != nil {
		return zero, false, fmt.Errorf("write %s/%s: %w", t.entity(), id, err)
	}
	if err := e.enqueue(ctx, tx, t, id, queue.OpUpsert, body, stamp); err != nil {
		return zero, false, err
	}
	out, err := decodeRecord[T](body)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

// modifyExisting is modify for a record that must already exist.
func modifyExisting[T model.Record](ctx context.Context, e *Engine, t table, id string, fn func(cur T) (T, bool, error)) (T, bool, error) {
	return modify(ctx, e, t, id, func(cur T, exists bool) (T, bool, error) {
		if !exists {
			return cur, false, NewNotFound(t.entity(), id)
		}
		return fn(cur)
	})
}

// UpdateGoals atomically replaces the goal snapshot with fn's result.
func (e *Engine) UpdateGoals(ctx context.Context, fn func(g model.GoalSnapshot, exists bool) (model.GoalSnapshot, bool, error)) (model.GoalSnapshot, bool, error) {
	return modify(ctx, e, e.goals, model.SingletonID, fn)
}

// UpdateStreakFreeze atomically replaces the freeze state with fn's result.
// fn also receives the live meals by date key; the meal collection stays
// locked until the freeze state is written, so no meal write can land
// between fn's decision and its commit.
func (e *Engine) UpdateStreakFreeze(ctx context.Context, fn func(s model.StreakFreezeState, exists bool, meals map[string][]model.MealEntry) (model.StreakFreezeState, bool, error)) (model.StreakFreezeState, bool, error) {
	var out model.StreakFreezeState
	var changed bool
	colls := []string{e.meals.collection(), e.freeze.collection()}
	err := e.store.UpdateAll(ctx, colls, func(tx *store.Tx) error {
		byDate, err := e.meals.load(ctx, tx)
		if err != nil {
			return err
		}
		meals := make(map[string][]model.MealEntry, len(byDate))
		for date, list := range byDate {
			if l := live(list); len(l) > 0 {
				meals[date] = l
			}
		}
		out, changed, err = modifyTx(ctx, e, tx, e.freeze, model.SingletonID, func(s model.StreakFreezeState, exists bool) (model.StreakFreezeState, bool, error) {
			if s.UsedOnDates == nil {
				s.UsedOnDates = []string{}
			}
			return fn(s, exists, meals)
		})
		return err
	})
	if err != nil {
		return model.StreakFreezeState{}, false, err
	}
	return out, changed, nil
}

// UpdateCapabilities atomically replaces the capability record.
func (e *Engine) UpdateCapabilities(ctx context.Context, fn func(c model.Capabilities, exists bool) (model.Capabilities, bool, error)) (model.Capabilities, bool, error) {
	return modify(ctx, e, e.caps, model.SingletonID, fn)
}

// UpdateAdjustment atomically rewrites a live adjustment. Returns NOT_FOUND
// if id is unknown or deleted.
func (e *Engine) UpdateAdjustment(ctx context.Context, id string, fn func(a model.AdjustmentRecord) (model.AdjustmentRecord, bool, error)) (model.AdjustmentRecord, bool, error) {
	return modifyExisting(ctx, e, e.adjusts, id, func(cur model.AdjustmentRecord) (model.AdjustmentRecord, bool, error) {
		next, changed, err := fn(cur)
		if err != nil || !changed {
			return next, changed, err
		}
		return next, true, checkAdjustmentStatus(cur, next)
	})
}

// checkAdjustmentStatus allows a status to change only while it is pending.
func checkAdjustmentStatus(cur, next model.AdjustmentRecord) error {
	if cur.Status == model.AdjustmentPending || next.Status == cur.Status {
		return nil
	}
	return NewInvalidState(model.EntityAdjustment, cur.ID,
		fmt.Sprintf("adjustment is %s, status cannot change to %s", cur.Status, next.Status))
}

// SaveAdjustment creates or replaces an adjustment record. A new pending
// record is rejected while another one is pending, and a record that has
// left pending keeps its status.
func (e *Engine) SaveAdjustment(ctx context.Context, a model.AdjustmentRecord) (model.AdjustmentRecord, error) {
	if a.ID == "" {
		a.ID = e.ids.Generate()
	}
	a.Deleted = false
	if err := validate(model.EntityAdjustment, a.ID, a); err != nil {
		return model.AdjustmentRecord{}, err
	}

	err := e.store.Update(ctx, e.adjusts.collection(), func(tx *store.Tx) error {
		list, err := e.adjusts.load(ctx, tx)
		if err != nil {
			return err
		}
		var prev int64
		for _, r := range list {
			if r.ID == a.ID {
				prev = r.UpdatedAt
				if !r.Deleted {
					if err := checkAdjustmentStatus(r, a); err != nil {
						return err
					}
				}
				continue
			}
			if !r.Deleted && r.Status == model.AdjustmentPending && a.Status == model.AdjustmentPending {
				return NewInvalidState(model.EntityAdjustment, a.ID, "adjustment "+r.ID+" is already pending")
			}
		}

		a.UpdatedAt = e.clock.Stamp(prev)
		body, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", model.EntityAdjustment, a.ID, err)
		}
		if err := e.adjusts.set(ctx, tx, a.ID, body); err != nil {
			return fmt.Errorf("write %s/%s: %w", model.EntityAdjustment, a.ID, err)
		}
		return e.enqueue(ctx, tx, e.adjusts, a.ID, queue.OpUpsert, body, a.UpdatedAt)
	})
	if err != nil {
		return model.AdjustmentRecord{}, err
	}
	return a, nil
}

// SaveRedemption creates or replaces a redemption. A referee has at most one
// live redemption; a second one under another id is rejected.
func (e *Engine) SaveRedemption(ctx context.Context, r model.ReferralRedemption) (model.ReferralRedemption, error) {
	if r.ID == "" {
		r.ID = e.ids.Generate()
	}
	r.Deleted = false
	if err := validate(model.EntityReferralRedemption, r.ID, r); err != nil {
		return model.ReferralRedemption{}, err
	}

	err := e.store.Update(ctx, e.redeems.collection(), func(tx *store.Tx) error {
		list, err := e.redeems.load(ctx, tx)
		if err != nil {
			return err
		}
		var prev int64
		for _, x := range list {
			if x.ID == r.ID {
				prev = x.UpdatedAt
				continue
			}
			if !x.Deleted && x.RefereeID == r.RefereeID {
				return NewInvalidInput(model.EntityReferralRedemption, x.ID,
					model.NewValidationError("ReferralRedemption.RefereeID", "unique"))
			}
		}

		r.UpdatedAt = e.clock.Stamp(prev)
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", model.EntityReferralRedemption, r.ID, err)
		}
		if err := e.redeems.set(ctx, tx, r.ID, body); err != nil {
			return fmt.Errorf("write %s/%s: %w", model.EntityReferralRedemption, r.ID, err)
		}
		return e.enqueue(ctx, tx, e.redeems, r.ID, queue.OpUpsert, body, r.UpdatedAt)
	})
	if err != nil {
		return model.ReferralRedemption{}, err
	}
	return r, nil
}

// UpdateRedemption atomically rewrites a live redemption.
func (e *Engine) UpdateRedemption(ctx context.Context, id string, fn func(r model.ReferralRedemption) (model.ReferralRedemption, bool, error)) (model.ReferralRedemption, bool, error) {
	return modifyExisting(ctx, e, e.redeems, id, fn)
}

// UpdateBroadcast atomically rewrites a live broadcast record.
func (e *Engine) UpdateBroadcast(ctx context.Context, id string, fn func(p model.PushBroadcastRecord) (model.PushBroadcastRecord, bool, error)) (model.PushBroadcastRecord, bool, error) {
	return modifyExisting(ctx, e, e.casts, id, fn)
}

// ProposeAdjustment stores a as a new pending adjustment unless a live
// pending one already exists, in which case it returns false.
func (e *Engine) ProposeAdjustment(ctx context.Context, a model.AdjustmentRecord) (model.AdjustmentRecord, bool, error) {
	if a.ID == "" {
		a.ID = e.ids.Generate()
	}
	if a.ProposedAt.IsZero() {
		a.ProposedAt = e.clock.Now()
	}
	a.Status = model.AdjustmentPending
	a.Deleted = false
	if err := validate(model.EntityAdjustment, a.ID, a); err != nil {
		return model.AdjustmentRecord{}, false, err
	}

	created := false
	err := e.store.Update(ctx, e.adjusts.collection(), func(tx *store.Tx) error {
		list, err := e.adjusts.load(ctx, tx)
		if err != nil {
			return err
		}
		var prev int64
		for _, r := range list {
			if !r.Deleted && r.Status == model.AdjustmentPending {
				return nil
			}
			if r.ID == a.ID {
				prev = r.UpdatedAt
			}
		}

		a.UpdatedAt = e.clock.Stamp(prev)
		body, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := e.adjusts.set(ctx, tx, a.ID, body); err != nil {
			return err
		}
		if err := e.enqueue(ctx, tx, e.adjusts, a.ID, queue.OpUpsert, body, a.UpdatedAt); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil || !created {
		return model.AdjustmentRecord{}, false, err
	}
	return a, true, nil
}
