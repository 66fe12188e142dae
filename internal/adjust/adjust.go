// Package adjust proposes calorie target changes when the measured weight
// trend drifts away from the goal's target rate.
//
// At most one proposal is pending per account. A proposal leaves pending
// exactly once: Apply moves the goal by its delta, Dismiss leaves the goal
// alone.
package adjust

import (
	"context"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/roach88/calsync/internal/engine"
	"github.com/roach88/calsync/internal/model"
)

const (
	// DefaultWindowDays is how far back from the latest weigh-in the trend is measured.
	DefaultWindowDays = 14
	// DefaultThreshold is the tolerated deviation from the target rate, in kg/week.
	DefaultThreshold = 0.25
	// DefaultKcalPerKg is the energy content assumed for a kilogram of body weight.
	DefaultKcalPerKg = 7700
	// MinCalories is the floor for an applied calorie target.
	MinCalories = 1200
)

// Params are the proposal tunables.
type Params struct {
	WindowDays int
	Threshold  float64
	KcalPerKg  float64
}

// DefaultParams returns the default tunables.
func DefaultParams() Params {
	return Params{
		WindowDays: DefaultWindowDays,
		Threshold:  DefaultThreshold,
		KcalPerKg:  DefaultKcalPerKg,
	}
}

// Propose derives a calorie delta from weights (sorted by date) and the
// goal's target rate. It returns false when there is too little data or the
// trend is within the threshold.
func Propose(weights []model.WeightEntry, goal model.GoalSnapshot, p Params) (int, model.AdjustmentBasis, bool) {
	var points []model.WeightEntry
	for _, w := range weights {
		if !w.Deleted {
			points = append(points, w)
		}
	}
	if len(points) < 2 {
		return 0, model.AdjustmentBasis{}, false
	}

	window := points
	if p.WindowDays > 0 {
		from := model.AddDays(points[len(points)-1].Date, -p.WindowDays)
		var recent []model.WeightEntry
		for _, w := range points {
			if w.Date >= from {
				recent = append(recent, w)
			}
		}
		if len(recent) >= 2 {
			window = recent
		}
	}

	first, last := window[0], window[len(window)-1]
	days, err := model.DaysBetween(first.Date, last.Date)
	if err != nil || days <= 0 {
		return 0, model.AdjustmentBasis{}, false
	}

	actual := (last.WeightKg - first.WeightKg) / float64(days) * 7
	deviation := actual - goal.TargetRateKgPerWeek
	basis := model.AdjustmentBasis{
		ActualRateKgPerWeek: round2(actual),
		TargetRateKgPerWeek: goal.TargetRateKgPerWeek,
		WindowDays:          days,
		Points:              len(window),
		StartKg:             first.WeightKg,
		EndKg:               last.WeightKg,
	}
	if math.Abs(deviation) <= p.Threshold {
		return 0, basis, false
	}

	delta := int(math.Round(-deviation*p.KcalPerKg/7/10)) * 10
	if delta == 0 {
		return 0, basis, false
	}
	return delta, basis, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Adjuster runs proposals and their transitions against an engine.
type Adjuster struct {
	engine *engine.Engine
	params Params
	logger *slog.Logger
}

// Option configures an Adjuster.
type Option func(*Adjuster)

// WithParams sets the proposal tunables. Zero fields keep their defaults.
func WithParams(p Params) Option {
	return func(a *Adjuster) {
		if p.WindowDays > 0 {
			a.params.WindowDays = p.WindowDays
		}
		if p.Threshold > 0 {
			a.params.Threshold = p.Threshold
		}
		if p.KcalPerKg > 0 {
			a.params.KcalPerKg = p.KcalPerKg
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adjuster) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Adjuster over e.
func New(e *engine.Engine, opts ...Option) *Adjuster {
	a := &Adjuster{
		engine: e,
		params: DefaultParams(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Evaluate proposes a new adjustment if the weight trend calls for one and
// none is pending. It returns nil when nothing was proposed. Meant to run on
// every data load.
func (a *Adjuster) Evaluate(ctx context.Context, now time.Time) (*model.AdjustmentRecord, error) {
	pending, err := a.Pending(ctx)
	if err != nil || pending != nil {
		return nil, err
	}

	goal, ok, err := a.engine.LoadGoals(ctx)
	if err != nil || !ok {
		return nil, err
	}
	weights, err := a.engine.LoadWeights(ctx)
	if err != nil {
		return nil, err
	}

	delta, basis, ok := Propose(weights, goal, a.params)
	if !ok {
		return nil, nil
	}

	rec, created, err := a.engine.ProposeAdjustment(ctx, model.AdjustmentRecord{
		ProposedAt:    now,
		DeltaCalories: delta,
		Basis:         basis,
	})
	if err != nil || !created {
		return nil, err
	}
	a.logger.Info("adjustment proposed",
		"id", rec.ID,
		"delta_calories", rec.DeltaCalories,
		"actual_rate", basis.ActualRateKgPerWeek,
		"target_rate", basis.TargetRateKgPerWeek,
	)
	return &rec, nil
}

// Pending returns the pending adjustment, or nil.
func (a *Adjuster) Pending(ctx context.Context) (*model.AdjustmentRecord, error) {
	list, err := a.engine.LoadAdjustments(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range list {
		if r.Status == model.AdjustmentPending {
			return &r, nil
		}
	}
	return nil, nil
}

// History returns every adjustment, newest proposal first.
func (a *Adjuster) History(ctx context.Context) ([]model.AdjustmentRecord, error) {
	return a.engine.LoadAdjustments(ctx)
}

// Apply marks a pending adjustment applied and moves the goal's calorie
// target by its delta, never below MinCalories. Macro grams follow the
// goal's percentages.
func (a *Adjuster) Apply(ctx context.Context, id string) (model.AdjustmentRecord, model.GoalSnapshot, error) {
	if _, ok, err := a.engine.LoadGoals(ctx); err != nil {
		return model.AdjustmentRecord{}, model.GoalSnapshot{}, err
	} else if !ok {
		return model.AdjustmentRecord{}, model.GoalSnapshot{}, engine.NewNotFound(model.EntityGoal, model.SingletonID)
	}

	// Status first: a pending record never carries an already-applied delta.
	rec, err := a.transition(ctx, id, model.AdjustmentApplied)
	if err != nil {
		return model.AdjustmentRecord{}, model.GoalSnapshot{}, err
	}

	goal, _, err := a.engine.UpdateGoals(ctx, func(g model.GoalSnapshot, exists bool) (model.GoalSnapshot, bool, error) {
		if !exists {
			return g, false, engine.NewNotFound(model.EntityGoal, model.SingletonID)
		}
		return Shift(g, rec.DeltaCalories), true, nil
	})
	if err != nil {
		return rec, model.GoalSnapshot{}, err
	}
	a.logger.Info("adjustment applied", "id", id, "calories", goal.Calories)
	return rec, goal, nil
}

// Dismiss marks a pending adjustment dismissed.
func (a *Adjuster) Dismiss(ctx context.Context, id string) (model.AdjustmentRecord, error) {
	rec, err := a.transition(ctx, id, model.AdjustmentDismissed)
	if err != nil {
		return model.AdjustmentRecord{}, err
	}
	a.logger.Info("adjustment dismissed", "id", id)
	return rec, nil
}

func (a *Adjuster) transition(ctx context.Context, id, status string) (model.AdjustmentRecord, error) {
	rec, _, err := a.engine.UpdateAdjustment(ctx, id, func(r model.AdjustmentRecord) (model.AdjustmentRecord, bool, error) {
		if r.Status != model.AdjustmentPending {
			return r, false, engine.NewInvalidState(model.EntityAdjustment, id, "adjustment is "+r.Status)
		}
		r.Status = status
		return r, true, nil
	})
	return rec, err
}

// Shift returns g with delta added to its calorie target (floored at
// MinCalories) and macro grams recomputed from the percentages.
func Shift(g model.GoalSnapshot, delta int) model.GoalSnapshot {
	g.Calories = max(g.Calories+delta, MinCalories)
	kcal := float64(g.Calories)
	g.ProteinG = math.Round(kcal * g.ProteinPct / 100 / 4)
	g.CarbsG = math.Round(kcal * g.CarbsPct / 100 / 4)
	g.FatG = math.Round(kcal * g.FatPct / 100 / 9)
	return g
}
