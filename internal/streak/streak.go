// Package streak derives the logging streak from meal coverage and spends
// the monthly freeze allowance on missed days.
//
// A day is logged if it has at least one live meal, frozen if a freeze was
// spent on it, and missed otherwise. The streak counts consecutive logged or
// frozen days ending today.
package streak

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/calsync/internal/engine"
	"github.com/roach88/calsync/internal/model"
)

// DefaultMonthlyFreezes is the allowance restored at the start of each month.
const DefaultMonthlyFreezes = 2

// Day classifies one calendar day.
type Day string

const (
	DayLogged Day = "logged"
	DayFrozen Day = "frozen"
	DayMissed Day = "missed"
)

// Classify returns the classification of dateKey. Logged takes precedence
// over frozen.
func Classify(dateKey string, meals map[string][]model.MealEntry, state model.StreakFreezeState) Day {
	for _, m := range meals[dateKey] {
		if !m.Deleted {
			return DayLogged
		}
	}
	if state.UsedOn(dateKey) {
		return DayFrozen
	}
	return DayMissed
}

// ComputeStreak counts consecutive logged or frozen days from today
// backwards, stopping at the first missed day.
func ComputeStreak(meals map[string][]model.MealEntry, state model.StreakFreezeState, today string) int {
	n := 0
	for day := today; Classify(day, meals, state) != DayMissed; day = model.AddDays(day, -1) {
		n++
	}
	return n
}

// LongestStreak returns the longest run of logged or frozen days anywhere in
// the history.
func LongestStreak(meals map[string][]model.MealEntry, state model.StreakFreezeState) int {
	var days []string
	for d := range meals {
		days = append(days, d)
	}
	days = append(days, state.UsedOnDates...)
	slices.Sort(days)
	days = slices.Compact(days)

	best, run := 0, 0
	prev := ""
	for _, d := range days {
		if Classify(d, meals, state) == DayMissed {
			run, prev = 0, ""
			continue
		}
		if prev != "" && model.AddDays(prev, 1) == d {
			run++
		} else {
			run = 1
		}
		prev = d
		best = max(best, run)
	}
	return best
}

// Result is the state after a refresh.
type Result struct {
	State   model.StreakFreezeState `json:"state"`
	Streak  int                     `json:"streak"`
	Longest int                     `json:"longest"`
	// Reset is true if the monthly allowance was restored.
	Reset bool `json:"reset"`
	// Froze is the date a freeze was spent on, if any.
	Froze string `json:"froze,omitempty"`
}

// Calculator runs the monthly reset and auto-freeze pass against an engine.
type Calculator struct {
	engine  *engine.Engine
	monthly int
	logger  *slog.Logger
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithMonthlyFreezes sets the monthly allowance.
func WithMonthlyFreezes(n int) Option {
	return func(c *Calculator) {
		if n >= 0 {
			c.monthly = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Calculator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Calculator over e.
func New(e *engine.Engine, opts ...Option) *Calculator {
	c := &Calculator{
		engine:  e,
		monthly: DefaultMonthlyFreezes,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh applies the monthly reset, then the auto-freeze pass for the day
// before today, and persists the state if either changed anything. It is
// meant to run on every data load.
//
// Only yesterday is examined: an older gap is never protected retroactively.
func (c *Calculator) Refresh(ctx context.Context, now time.Time) (Result, error) {
	today := model.DateKey(now)
	yesterday := model.AddDays(today, -1)
	month := model.MonthKey(now)

	var (
		res   Result
		meals map[string][]model.MealEntry
	)
	state, _, err := c.engine.UpdateStreakFreeze(ctx, func(s model.StreakFreezeState, exists bool, byDate map[string][]model.MealEntry) (model.StreakFreezeState, bool, error) {
		res.Reset, res.Froze = false, ""
		meals = byDate
		changed := false
		if !exists || s.LastResetMonth != month {
			s.FreezesAvailable = c.monthly
			s.LastResetMonth = month
			res.Reset = true
			changed = true
		}
		if Classify(yesterday, meals, s) == DayMissed && s.FreezesAvailable > 0 {
			s.FreezesAvailable--
			s.UsedOnDates = append(s.UsedOnDates, yesterday)
			res.Froze = yesterday
			changed = true
		}
		return s, changed, nil
	})
	if err != nil {
		return Result{}, err
	}

	if res.Reset {
		c.logger.Info("freeze allowance reset", "month", month, "freezes", state.FreezesAvailable)
	}
	if res.Froze != "" {
		c.logger.Info("freeze spent", "date", res.Froze, "remaining", state.FreezesAvailable)
	}

	res.State = state
	res.Streak = ComputeStreak(meals, state, today)
	res.Longest = LongestStreak(meals, state)
	return res, nil
}

// Streak refreshes the freeze state and returns the current streak.
func (c *Calculator) Streak(ctx context.Context, now time.Time) (int, error) {
	res, err := c.Refresh(ctx, now)
	if err != nil {
		return 0, err
	}
	return res.Streak, nil
}
