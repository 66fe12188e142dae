package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchSubset(t *testing.T) {
	actual := normalize(map[string]any{
		"id":        "m1",
		"calories":  200,
		"weight_kg": 70.5,
		"deleted":   false,
		"macros":    map[string]any{"protein_g": 12, "fat_g": 3},
	})

	tests := []struct {
		name     string
		expected map[string]any
		want     bool
	}{
		{"empty matches anything", nil, true},
		{"string field", map[string]any{"id": "m1"}, true},
		{"int against decoded float", map[string]any{"calories": 200}, true},
		{"float field", map[string]any{"weight_kg": 70.5}, true},
		{"bool field", map[string]any{"deleted": false}, true},
		{"nested subset", map[string]any{"macros": map[string]any{"protein_g": 12}}, true},
		{"wrong value", map[string]any{"calories": 201}, false},
		{"missing key", map[string]any{"name": "Eggs"}, false},
		{"nested mismatch", map[string]any{"macros": map[string]any{"fat_g": 4}}, false},
		{"nested against scalar", map[string]any{"id": map[string]any{"x": 1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchSubset(actual, tt.expected))
		})
	}

	assert.False(t, matchSubset("not a map", map[string]any{"id": "m1"}))
}

func TestNormalize(t *testing.T) {
	type rec struct {
		ID        string `json:"id"`
		UpdatedAt int64  `json:"updated_at"`
	}
	assert.Equal(t, map[string]any{"id": "w1", "updated_at": float64(1000)}, normalize(rec{"w1", 1000}))
	assert.Equal(t, []any{float64(1), "two"}, normalize([]any{1, "two"}))

	ch := make(chan int)
	assert.Equal(t, ch, normalize(ch), "values that cannot be encoded are returned unchanged")
}

func TestAssertionError(t *testing.T) {
	err := &AssertionError{Type: AssertQueueLen, Expected: "0 queued mutation(s) on a", Actual: "2"}
	assert.Equal(t, "Assertion failed: queue_len\n  Expected: 0 queued mutation(s) on a\n  Actual: 2", err.Error())
}
