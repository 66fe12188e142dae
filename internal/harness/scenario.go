package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines a multi-device sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Account is the account every device syncs. Defaults to DefaultAccount.
	Account string `yaml:"account,omitempty"`

	// Start is the initial clock reading in unix milliseconds.
	Start int64 `yaml:"start"`

	// Devices names the devices taking part.
	Devices []string `yaml:"devices"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state of devices and remote.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultAccount is used when a scenario does not name an account.
const DefaultAccount = "acct-1"

// Step is one operation on one device.
type Step struct {
	// Device runs the operation. Optional for tick only.
	Device string `yaml:"device,omitempty"`

	// Op is the operation name.
	Op string `yaml:"op"`

	// Args are the operation arguments.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect specifies the expected outcome. If nil, the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies an expected step outcome.
type ExpectClause struct {
	// Case is "ok" or a lowercased engine error code (e.g. "invalid_input").
	Case string `yaml:"case"`

	// Result contains expected result fields. Subset match.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Device is the device inspected (all types but remote_record and converged).
	Device string `yaml:"device,omitempty"`

	// Table is the entity type (local_record, remote_record, converged).
	Table string `yaml:"table,omitempty"`

	// ID is the record id (local_record, remote_record).
	ID string `yaml:"id,omitempty"`

	// Date is the day inspected (meal_count).
	Date string `yaml:"date,omitempty"`

	// Count is the expected count (queue_len, meal_count).
	Count int `yaml:"count,omitempty"`

	// Absent asserts the record does not exist (local_record).
	Absent bool `yaml:"absent,omitempty"`

	// Expect contains expected record fields. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertQueueLen     = "queue_len"
	AssertLocalRecord  = "local_record"
	AssertRemoteRecord = "remote_record"
	AssertMealCount    = "meal_count"
	AssertConverged    = "converged"
)

// Operation names.
const (
	OpLogMeal      = "log_meal"
	OpSetWeight    = "set_weight"
	OpDeleteMeal   = "delete_meal"
	OpDeleteWeight = "delete_weight"
	OpSetGoal      = "set_goal"
	OpOffline      = "offline"
	OpOnline       = "online"
	OpFlush        = "flush"
	OpPull         = "pull"
	OpSync         = "sync"
	OpStreak       = "streak"
	OpTick         = "tick"
)

var knownOps = []string{
	OpLogMeal, OpSetWeight, OpDeleteMeal, OpDeleteWeight, OpSetGoal,
	OpOffline, OpOnline, OpFlush, OpPull, OpSync, OpStreak, OpTick,
}

// recordTables are the tables local_record and converged can inspect.
var recordTables = []string{"meal", "weight"}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if scenario.Account == "" {
		scenario.Account = DefaultAccount
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Start < 0 {
		return fmt.Errorf("start must be non-negative")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(s.Devices))
	for _, d := range s.Devices {
		if d == "" {
			return fmt.Errorf("device names must be non-empty")
		}
		if seen[d] {
			return fmt.Errorf("duplicate device %q", d)
		}
		seen[d] = true
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if !slices.Contains(knownOps, step.Op) {
			return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
		}
		if step.Device == "" && step.Op != OpTick {
			return fmt.Errorf("steps[%d]: device is required for %s", i, step.Op)
		}
		if step.Device != "" && !seen[step.Device] {
			return fmt.Errorf("steps[%d]: unknown device %q", i, step.Device)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("steps[%d].expect: case is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, seen); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, devices map[string]bool) error {
	needDevice := func() error {
		if !devices[a.Device] {
			return fmt.Errorf("assertions[%d]: known device is required for %s", index, a.Type)
		}
		return nil
	}
	needTable := func() error {
		if !slices.Contains(recordTables, a.Table) {
			return fmt.Errorf("assertions[%d]: table must be one of %v for %s", index, recordTables, a.Type)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertQueueLen:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for queue_len", index)
		}
		return needDevice()
	case AssertLocalRecord:
		if err := needDevice(); err != nil {
			return err
		}
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for local_record", index)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for local_record", index)
		}
		return needTable()
	case AssertRemoteRecord:
		if a.Table == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: table and id are required for remote_record", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for remote_record", index)
		}
	case AssertMealCount:
		if a.Date == "" {
			return fmt.Errorf("assertions[%d]: date is required for meal_count", index)
		}
		return needDevice()
	case AssertConverged:
		return needTable()
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
