package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/calsync/internal/model"
)

// This file is the typed surface exposed to UI collaborators: one Load/Save
// pair per collection. Loads return live records only; tombstones stay
// internal until their remote delete is confirmed.

func validate(entityType, id string, v any) error {
	if err := model.Validate(v); err != nil {
		return NewInvalidInput(entityType, id, err)
	}
	return nil
}

func live[T model.Record](list []T) []T {
	out := make([]T, 0, len(list))
	for _, r := range list {
		if !r.Meta().Deleted {
			out = append(out, r)
		}
	}
	return out
}

func loadList[T model.Record](ctx context.Context, e *Engine, coll string) ([]T, error) {
	list := []T{}
	if err := e.store.Load(ctx, coll, &list); err != nil {
		return nil, err
	}
	return live(list), nil
}

// Meals

// LoadMeals returns live meals keyed by date. Dates with no live meals are
// omitted.
func (e *Engine) LoadMeals(ctx context.Context) (map[string][]model.MealEntry, error) {
	byDate := map[string][]model.MealEntry{}
	if err := e.store.Load(ctx, model.CollectionMeals, &byDate); err != nil {
		return nil, err
	}
	out := make(map[string][]model.MealEntry, len(byDate))
	for date, meals := range byDate {
		if l := live(meals); len(l) > 0 {
			out[date] = l
		}
	}
	return out, nil
}

// MealsForDate returns the live meals logged on dateKey, oldest first.
func (e *Engine) MealsForDate(ctx context.Context, dateKey string) ([]model.MealEntry, error) {
	byDate, err := e.LoadMeals(ctx)
	if err != nil {
		return nil, err
	}
	meals := byDate[dateKey]
	if meals == nil {
		meals = []model.MealEntry{}
	}
	sort.SliceStable(meals, func(i, j int) bool { return meals[i].LoggedAt.Before(meals[j].LoggedAt) })
	return meals, nil
}

// SaveMeal creates or updates a meal. An empty id is assigned; an empty
// LoggedAt defaults to now.
func (e *Engine) SaveMeal(ctx context.Context, m model.MealEntry) (model.MealEntry, error) {
	if m.ID == "" {
		m.ID = e.ids.Generate()
	}
	if m.LoggedAt.IsZero() {
		m.LoggedAt = e.clock.Now()
	}
	m.Name = model.NormalizeText(m.Name)
	m.Deleted = false
	if err := validate(model.EntityMeal, m.ID, m); err != nil {
		return model.MealEntry{}, err
	}
	err := e.write(ctx, e.meals, m.ID, func(prev int64) (any, error) {
		m.UpdatedAt = e.clock.Stamp(prev)
		return m, nil
	})
	return m, err
}

// DeleteMeal tombstones a meal. Deleting an unknown id is a no-op.
func (e *Engine) DeleteMeal(ctx context.Context, id string) error {
	return e.remove(ctx, e.meals, id)
}

// Weights

// LoadWeights returns live weight entries sorted by date, then updatedAt.
func (e *Engine) LoadWeights(ctx context.Context) ([]model.WeightEntry, error) {
	list, err := loadList[model.WeightEntry](ctx, e, model.CollectionWeights)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Date != list[j].Date {
			return list[i].Date < list[j].Date
		}
		return list[i].UpdatedAt < list[j].UpdatedAt
	})
	return list, nil
}

// SaveWeight creates or updates a weight entry. Non-positive weights are
// rejected as invalid input.
func (e *Engine) SaveWeight(ctx context.Context, w model.WeightEntry) (model.WeightEntry, error) {
	if w.ID == "" {
		w.ID = e.ids.Generate()
	}
	if w.Date == "" {
		w.Date = model.DateKey(e.clock.Now())
	}
	w.Deleted = false
	if err := validate(model.EntityWeight, w.ID, w); err != nil {
		return model.WeightEntry{}, err
	}
	err := e.write(ctx, e.weights, w.ID, func(prev int64) (any, error) {
		w.UpdatedAt = e.clock.Stamp(prev)
		return w, nil
	})
	return w, err
}

// DeleteWeight tombstones a weight entry.
func (e *Engine) DeleteWeight(ctx context.Context, id string) error {
	return e.remove(ctx, e.weights, id)
}

// Singletons

func loadSingleton[T any](ctx context.Context, e *Engine, coll string) (T, bool, error) {
	var cur *T
	if err := e.store.Load(ctx, coll, &cur); err != nil {
		var zero T
		return zero, false, err
	}
	if cur == nil {
		var zero T
		return zero, false, nil
	}
	return *cur, true, nil
}

// LoadGoals returns the goal snapshot and whether one has been saved.
func (e *Engine) LoadGoals(ctx context.Context) (model.GoalSnapshot, bool, error) {
	return loadSingleton[model.GoalSnapshot](ctx, e, model.CollectionGoals)
}

// SaveGoals replaces the goal snapshot.
func (e *Engine) SaveGoals(ctx context.Context, g model.GoalSnapshot) (model.GoalSnapshot, error) {
	if err := validate(model.EntityGoal, model.SingletonID, g); err != nil {
		return model.GoalSnapshot{}, err
	}
	err := e.write(ctx, e.goals, model.SingletonID, func(prev int64) (any, error) {
		g.UpdatedAt = e.clock.Stamp(prev)
		return g, nil
	})
	return g, err
}

// LoadStreakFreeze returns the freeze state and whether one has been saved.
func (e *Engine) LoadStreakFreeze(ctx context.Context) (model.StreakFreezeState, bool, error) {
	s, ok, err := loadSingleton[model.StreakFreezeState](ctx, e, model.CollectionStreakFreeze)
	if s.UsedOnDates == nil {
		s.UsedOnDates = []string{}
	}
	return s, ok, err
}

// SaveStreakFreeze replaces the freeze state.
func (e *Engine) SaveStreakFreeze(ctx context.Context, s model.StreakFreezeState) (model.StreakFreezeState, error) {
	if s.UsedOnDates == nil {
		s.UsedOnDates = []string{}
	}
	if err := validate(model.EntityStreakFreeze, model.SingletonID, s); err != nil {
		return model.StreakFreezeState{}, err
	}
	err := e.write(ctx, e.freeze, model.SingletonID, func(prev int64) (any, error) {
		s.UpdatedAt = e.clock.Stamp(prev)
		return s, nil
	})
	return s, err
}

// LoadAccountInfo returns the account info and whether one has been saved.
func (e *Engine) LoadAccountInfo(ctx context.Context) (model.AccountInfo, bool, error) {
	return loadSingleton[model.AccountInfo](ctx, e, model.CollectionAccountInfo)
}

// SaveAccountInfo replaces the account info. AccountID defaults to the
// engine's account; a different account id is rejected.
func (e *Engine) SaveAccountInfo(ctx context.Context, a model.AccountInfo) (model.AccountInfo, error) {
	if a.AccountID == "" {
		a.AccountID = e.account
	}
	if a.AccountID != e.account {
		return model.AccountInfo{}, NewInvalidInput(model.EntityAccount, model.SingletonID,
			fmt.Errorf("account id %q does not match signed-in account %q", a.AccountID, e.account))
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = e.clock.Now()
	}
	a.Name = model.NormalizeText(a.Name)
	if err := validate(model.EntityAccount, model.SingletonID, a); err != nil {
		return model.AccountInfo{}, err
	}
	err := e.write(ctx, e.info, model.SingletonID, func(prev int64) (any, error) {
		a.UpdatedAt = e.clock.Stamp(prev)
		return a, nil
	})
	return a, err
}

// LoadCapabilities returns the persisted capability set and whether one has
// been saved.
func (e *Engine) LoadCapabilities(ctx context.Context) (model.Capabilities, bool, error) {
	return loadSingleton[model.Capabilities](ctx, e, model.CollectionCapabilities)
}

// SaveCapabilities replaces the capability set.
func (e *Engine) SaveCapabilities(ctx context.Context, c model.Capabilities) (model.Capabilities, error) {
	err := e.write(ctx, e.caps, model.SingletonID, func(prev int64) (any, error) {
		c.UpdatedAt = e.clock.Stamp(prev)
		return c, nil
	})
	return c, err
}

// Adjustments

// LoadAdjustments returns live adjustment records, newest proposal first.
func (e *Engine) LoadAdjustments(ctx context.Context) ([]model.AdjustmentRecord, error) {
	list, err := loadList[model.AdjustmentRecord](ctx, e, model.CollectionAdjustments)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].ProposedAt.After(list[j].ProposedAt) })
	return list, nil
}

// Referral ledger

// LoadRedemptions returns live referral redemptions, newest first.
func (e *Engine) LoadRedemptions(ctx context.Context) ([]model.ReferralRedemption, error) {
	list, err := loadList[model.ReferralRedemption](ctx, e, model.CollectionReferralRedemptions)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].RedeemedAt.After(list[j].RedeemedAt) })
	return list, nil
}

// LoadRewards returns live referral rewards, newest grant first.
func (e *Engine) LoadRewards(ctx context.Context) ([]model.ReferralReward, error) {
	list, err := loadList[model.ReferralReward](ctx, e, model.CollectionReferralRewards)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].GrantedAt.After(list[j].GrantedAt) })
	return list, nil
}

// SaveReward creates or replaces a reward. The referenced redemption must
// exist locally.
func (e *Engine) SaveReward(ctx context.Context, r model.ReferralReward) (model.ReferralReward, error) {
	if r.ID == "" {
		r.ID = e.ids.Generate()
	}
	r.Deleted = false
	if err := validate(model.EntityReferralReward, r.ID, r); err != nil {
		return model.ReferralReward{}, err
	}
	redemptions, err := e.LoadRedemptions(ctx)
	if err != nil {
		return model.ReferralReward{}, err
	}
	found := false
	for _, red := range redemptions {
		if red.ID == r.RelatedRedemptionID {
			found = true
			break
		}
	}
	if !found {
		return model.ReferralReward{}, NewInvalidInput(model.EntityReferralReward, r.ID,
			model.NewValidationError("ReferralReward.RelatedRedemptionID", "exists"))
	}
	err = e.write(ctx, e.rewards, r.ID, func(prev int64) (any, error) {
		r.UpdatedAt = e.clock.Stamp(prev)
		return r, nil
	})
	return r, err
}

// Broadcast history

// LoadBroadcasts returns the broadcast ledger, newest first.
func (e *Engine) LoadBroadcasts(ctx context.Context) ([]model.PushBroadcastRecord, error) {
	list, err := loadList[model.PushBroadcastRecord](ctx, e, model.CollectionPushBroadcasts)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.After(list[j].Timestamp) })
	return list, nil
}

// SaveBroadcast creates or replaces a broadcast record.
func (e *Engine) SaveBroadcast(ctx context.Context, p model.PushBroadcastRecord) (model.PushBroadcastRecord, error) {
	if p.ID == "" {
		p.ID = e.ids.Generate()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = e.clock.Now()
	}
	p.Title = model.NormalizeText(p.Title)
	p.Message = model.NormalizeText(p.Message)
	p.Deleted = false
	if err := validate(model.EntityPushBroadcast, p.ID, p); err != nil {
		return model.PushBroadcastRecord{}, err
	}
	err := e.write(ctx, e.casts, p.ID, func(prev int64) (any, error) {
		p.UpdatedAt = e.clock.Stamp(prev)
		return p, nil
	})
	return p, err
}
