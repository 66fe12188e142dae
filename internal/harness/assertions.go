package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/calsync/internal/model"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions evaluates all assertions against the harness state.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertQueueLen:
			err = h.assertQueueLen(ctx, a)
		case AssertLocalRecord:
			err = h.assertLocalRecord(ctx, a)
		case AssertRemoteRecord:
			err = h.assertRemoteRecord(a)
		case AssertMealCount:
			err = h.assertMealCount(ctx, a)
		case AssertConverged:
			err = h.assertConverged(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func (h *Harness) assertQueueLen(ctx context.Context, a Assertion) error {
	n, err := h.devices[a.Device].queue.Len(ctx)
	if err != nil {
		return err
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertQueueLen,
			Expected: fmt.Sprintf("%d queued mutation(s) on %s", a.Count, a.Device),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

func (h *Harness) assertLocalRecord(ctx context.Context, a Assertion) error {
	records, err := h.liveRecords(ctx, h.devices[a.Device], a.Table)
	if err != nil {
		return err
	}
	rec, ok := records[a.ID]
	desc := fmt.Sprintf("%s/%s on %s", a.Table, a.ID, a.Device)

	if a.Absent {
		if ok {
			return &AssertionError{Type: AssertLocalRecord, Expected: desc + " absent", Actual: compact(rec)}
		}
		return nil
	}
	if !ok {
		return &AssertionError{Type: AssertLocalRecord, Expected: fmt.Sprintf("%s matching %v", desc, a.Expect), Actual: "not found"}
	}
	if !matchSubset(rec, a.Expect) {
		return &AssertionError{Type: AssertLocalRecord, Expected: fmt.Sprintf("%s matching %v", desc, a.Expect), Actual: compact(rec)}
	}
	return nil
}

func (h *Harness) assertRemoteRecord(a Assertion) error {
	desc := fmt.Sprintf("remote %s/%s matching %v", a.Table, a.ID, a.Expect)
	rec, ok := h.remote.Get(h.scenario.Account, a.Table, a.ID)
	if !ok {
		return &AssertionError{Type: AssertRemoteRecord, Expected: desc, Actual: "not found"}
	}

	view := map[string]any{}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &view); err != nil {
			return fmt.Errorf("remote %s/%s: bad payload: %w", a.Table, a.ID, err)
		}
	}
	view["updated_at"] = float64(rec.UpdatedAt)
	view["deleted"] = rec.Deleted

	if !matchSubset(view, a.Expect) {
		return &AssertionError{Type: AssertRemoteRecord, Expected: desc, Actual: compact(view)}
	}
	return nil
}

func (h *Harness) assertMealCount(ctx context.Context, a Assertion) error {
	meals, err := h.devices[a.Device].engine.MealsForDate(ctx, a.Date)
	if err != nil {
		return err
	}
	if len(meals) != a.Count {
		return &AssertionError{
			Type:     AssertMealCount,
			Expected: fmt.Sprintf("%d meal(s) on %s on %s", a.Count, a.Date, a.Device),
			Actual:   fmt.Sprintf("%d", len(meals)),
		}
	}
	return nil
}

func (h *Harness) assertConverged(ctx context.Context, a Assertion) error {
	var first string
	for i, d := range h.order {
		records, err := h.liveRecords(ctx, d, a.Table)
		if err != nil {
			return err
		}
		got := compact(records)
		if i == 0 {
			first = got
			continue
		}
		if got != first {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s on %s equal to %s: %s", a.Table, d.name, h.order[0].name, first),
				Actual:   got,
			}
		}
	}
	return nil
}

// liveRecords returns a device's live records of table, keyed by id, in
// their normalized JSON form.
func (h *Harness) liveRecords(ctx context.Context, d *device, table string) (map[string]map[string]any, error) {
	var list []any
	switch table {
	case model.EntityMeal:
		byDate, err := d.engine.LoadMeals(ctx)
		if err != nil {
			return nil, err
		}
		dates := make([]string, 0, len(byDate))
		for date := range byDate {
			dates = append(dates, date)
		}
		sort.Strings(dates)
		for _, date := range dates {
			for _, m := range byDate[date] {
				list = append(list, m)
			}
		}
	case model.EntityWeight:
		weights, err := d.engine.LoadWeights(ctx)
		if err != nil {
			return nil, err
		}
		for _, w := range weights {
			list = append(list, w)
		}
	default:
		return nil, fmt.Errorf("unsupported table %q", table)
	}

	out := make(map[string]map[string]any, len(list))
	for _, rec := range list {
		m, ok := normalize(rec).(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		out[id] = m
	}
	return out, nil
}

// normalize converts v to the generic form encoding/json decodes into:
// maps, slices, strings, float64 and bool.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// matchSubset checks if actual contains all expected fields (subset match).
// Extra keys in actual are ignored; nested maps match recursively.
func matchSubset(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	actualMap, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for key, want := range expected {
		got, exists := actualMap[key]
		if !exists {
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares a normalized actual value with a YAML value.
func valuesEqual(actual, expected any) bool {
	if nested, ok := expected.(map[string]any); ok {
		return matchSubset(actual, nested)
	}
	return reflect.DeepEqual(actual, normalize(expected))
}
