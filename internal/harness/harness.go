package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/calsync/internal/engine"
	"github.com/roach88/calsync/internal/model"
	"github.com/roach88/calsync/internal/queue"
	"github.com/roach88/calsync/internal/remote"
	"github.com/roach88/calsync/internal/remote/memory"
	"github.com/roach88/calsync/internal/store"
	"github.com/roach88/calsync/internal/streak"
	"github.com/roach88/calsync/internal/testutil"
)

// device is one simulated install of the app.
type device struct {
	name   string
	store  *store.Store
	queue  *queue.Queue
	gate   *remote.Gate
	clock  *testutil.ManualClock
	engine *engine.Engine
	streak *streak.Calculator
}

// Harness holds the devices and shared remote of one scenario run.
type Harness struct {
	scenario *Scenario
	remote   *memory.Store
	devices  map[string]*device
	order    []*device
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each device runs on a fresh in-memory database; all devices share one
// fresh in-memory remote. An error is returned only if the environment
// could not be built; failed expectations and assertions are recorded in
// the result.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(s *Scenario) (*Harness, error) {
	h := &Harness{
		scenario: s,
		remote:   memory.New(),
		devices:  make(map[string]*device, len(s.Devices)),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	for _, name := range s.Devices {
		st, err := store.Open(":memory:")
		if err != nil {
			h.close()
			return nil, fmt.Errorf("device %s: failed to create in-memory store: %w", name, err)
		}
		d := &device{
			name:  name,
			store: st,
			queue: queue.New(st),
			gate:  remote.NewGate(h.remote),
			clock: testutil.NewManualClockMillis(s.Start),
		}
		d.engine = engine.New(st, d.queue, d.gate, s.Account,
			engine.WithClock(d.clock),
			engine.WithIDGenerator(testutil.NewSequenceGenerator(name)),
			engine.WithLogger(h.logger.With("device", name)),
			engine.WithFlushTimeout(time.Second),
		)
		d.streak = streak.New(d.engine, streak.WithLogger(h.logger))
		h.devices[name] = d
		h.order = append(h.order, d)
	}
	return h, nil
}

func (h *Harness) close() {
	for _, d := range h.order {
		d.store.Close()
	}
}

// executeStep runs one step, traces it and checks its expectation.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) {
	out, err := h.apply(ctx, step)
	outcome := caseOf(err)
	result.AddTrace(step.Device, step.Op, step.Args, outcome, out)

	want := "ok"
	if step.Expect != nil {
		want = step.Expect.Case
	}
	if outcome != want {
		msg := fmt.Sprintf("steps[%d] %s on %s: expected case %q, got %q", i, step.Op, step.Device, want, outcome)
		if err != nil {
			msg += ": " + err.Error()
		}
		result.AddError(msg)
		return
	}
	if step.Expect != nil && len(step.Expect.Result) > 0 && !matchSubset(normalize(out), step.Expect.Result) {
		result.AddError(fmt.Sprintf("steps[%d] %s on %s: result %s does not match %v",
			i, step.Op, step.Device, compact(out), step.Expect.Result))
	}

	h.logger.Info("step completed", "step", i, "device", step.Device, "op", step.Op, "case", outcome)
}

// caseOf maps an operation error onto a trace case.
func caseOf(err error) string {
	if err == nil {
		return "ok"
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return strings.ToLower(string(ee.Code))
	}
	return "error"
}

type writeResult struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updated_at"`
}

func (h *Harness) apply(ctx context.Context, step Step) (any, error) {
	if step.Op == OpTick {
		return nil, h.tick(step)
	}
	d := h.devices[step.Device]

	switch step.Op {
	case OpLogMeal:
		var m model.MealEntry
		if err := decodeArgs(step.Args, &m); err != nil {
			return nil, err
		}
		m, err := d.engine.SaveMeal(ctx, m)
		if err != nil {
			return nil, err
		}
		return writeResult{m.ID, m.UpdatedAt}, nil

	case OpSetWeight:
		var w model.WeightEntry
		if err := decodeArgs(step.Args, &w); err != nil {
			return nil, err
		}
		w, err := d.engine.SaveWeight(ctx, w)
		if err != nil {
			return nil, err
		}
		return writeResult{w.ID, w.UpdatedAt}, nil

	case OpSetGoal:
		var g model.GoalSnapshot
		if err := decodeArgs(step.Args, &g); err != nil {
			return nil, err
		}
		g, err := d.engine.SaveGoals(ctx, g)
		if err != nil {
			return nil, err
		}
		return writeResult{model.SingletonID, g.UpdatedAt}, nil

	case OpDeleteMeal, OpDeleteWeight:
		id, _ := step.Args["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("%s: args.id is required", step.Op)
		}
		if step.Op == OpDeleteMeal {
			return nil, d.engine.DeleteMeal(ctx, id)
		}
		return nil, d.engine.DeleteWeight(ctx, id)

	case OpOffline:
		d.gate.SetOnline(false)
		return nil, nil

	case OpOnline:
		d.gate.SetOnline(true)
		return nil, nil

	case OpFlush:
		return d.engine.Flush(ctx), nil

	case OpPull:
		return d.engine.Pull(ctx), nil

	case OpSync:
		fr, pr := d.engine.Sync(ctx)
		return map[string]any{"flush": fr, "pull": pr}, nil

	case OpStreak:
		res, err := d.streak.Refresh(ctx, d.clock.Now())
		if err != nil {
			return nil, err
		}
		return map[string]any{"streak": res.Streak, "froze": res.Froze}, nil
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

func (h *Harness) tick(step Step) error {
	ms, ok := step.Args["ms"].(int)
	if !ok || ms <= 0 {
		return fmt.Errorf("tick: args.ms must be a positive integer")
	}
	for _, d := range h.order {
		if step.Device == "" || step.Device == d.name {
			d.clock.Advance(time.Duration(ms) * time.Millisecond)
		}
	}
	return nil
}

// decodeArgs converts YAML args into a record through its JSON form.
func decodeArgs(args map[string]any, v any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
