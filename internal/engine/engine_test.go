package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/calsync/internal/model"
	"github.com/roach88/calsync/internal/queue"
	"github.com/roach88/calsync/internal/remote"
	"github.com/roach88/calsync/internal/remote/memory"
	"github.com/roach88/calsync/internal/store"
	"github.com/roach88/calsync/internal/testutil"
)

const testAccount = "acct-1"

type device struct {
	engine *Engine
	store  *store.Store
	queue  *queue.Queue
	gate   *remote.Gate
	clock  *testutil.ManualClock
}

// newDevice creates an engine with its own store and clock over a shared remote.
func newDevice(t *testing.T, shared remote.Remote, startMillis int64, idPrefix string) *device {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q := queue.New(s)
	gate := remote.NewGate(shared)
	clock := testutil.NewManualClockMillis(startMillis)
	e := New(s, q, gate, testAccount,
		WithClock(clock),
		WithIDGenerator(testutil.NewSequenceGenerator(idPrefix)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithFlushTimeout(time.Second),
	)
	return &device{engine: e, store: s, queue: q, gate: gate, clock: clock}
}

func queueLen(t *testing.T, d *device) int {
	t.Helper()
	n, err := d.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func meal(date, name string, kcal int) model.MealEntry {
	return model.MealEntry{DateKey: date, Name: name, Calories: kcal}
}

// Offline log, failed flush, reconnect, successful flush.
func TestOfflineThenReconnect(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	d := newDevice(t, shared, 1_000, "meal")
	d.gate.SetOnline(false)

	saved, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Oatmeal", 300))
	require.NoError(t, err)
	assert.Equal(t, "meal-1", saved.ID)

	meals, err := d.engine.MealsForDate(ctx, "2026-01-05")
	require.NoError(t, err)
	require.Len(t, meals, 1)
	assert.Equal(t, saved.ID, meals[0].ID)
	assert.Equal(t, 1, queueLen(t, d))

	before, err := d.queue.Drain(ctx)
	require.NoError(t, err)

	res := d.engine.Flush(ctx)
	assert.True(t, res.Deferred)
	assert.Equal(t, 0, res.Confirmed)
	after, err := d.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed flush leaves the queue unchanged")
	assert.Equal(t, StateDeferred, d.engine.Status(ctx).State)
	assert.Equal(t, 0, shared.Calls())

	d.gate.SetOnline(true)
	res = d.engine.Flush(ctx)
	assert.False(t, res.Deferred)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 0, queueLen(t, d))

	got, ok := shared.Get(testAccount, model.EntityMeal, saved.ID)
	require.True(t, ok)
	assert.Equal(t, saved.UpdatedAt, got.UpdatedAt)
	assert.False(t, got.Deleted)

	st := d.engine.Status(ctx)
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 0, st.Pending)
	assert.Empty(t, st.LastError)
}

// The later updatedAt wins across devices.
func TestLaterWriteWinsAcrossDevices(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	a := newDevice(t, shared, 100, "a")
	b := newDevice(t, shared, 100, "b")

	w, err := a.engine.SaveWeight(ctx, model.WeightEntry{ID: "w1", Date: "2026-01-05", WeightKg: 70})
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.UpdatedAt)
	a.engine.Flush(ctx)

	b.clock.SetMillis(120)
	b.engine.Pull(ctx)
	weights, err := b.engine.LoadWeights(ctx)
	require.NoError(t, err)
	require.Len(t, weights, 1)

	b.gate.SetOnline(false)
	b.clock.SetMillis(150)
	w.WeightKg = 71
	edited, err := b.engine.SaveWeight(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, int64(150), edited.UpdatedAt)

	b.clock.SetMillis(200)
	b.gate.SetOnline(true)
	b.engine.Sync(ctx)

	a.clock.SetMillis(210)
	res := a.engine.Pull(ctx)
	assert.Equal(t, 1, res.Applied)
	weights, err = a.engine.LoadWeights(ctx)
	require.NoError(t, err)
	require.Len(t, weights, 1)
	assert.Equal(t, 71.0, weights[0].WeightKg)
	assert.Equal(t, int64(150), weights[0].UpdatedAt)
}

// Upserts and deletes followed by a successful flush leave the remote equal
// to local for every entity.
func TestFlush_EventualConsistency(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	d := newDevice(t, shared, 1_000, "m")
	d.gate.SetOnline(false)

	m1, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Eggs", 200))
	require.NoError(t, err)
	m2, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Toast", 150))
	require.NoError(t, err)
	d.clock.Advance(time.Second)
	m1.Calories = 250
	m1, err = d.engine.SaveMeal(ctx, m1)
	require.NoError(t, err)
	require.NoError(t, d.engine.DeleteMeal(ctx, m2.ID))
	m3, err := d.engine.SaveMeal(ctx, meal("2026-01-06", "Soup", 400))
	require.NoError(t, err)

	// Three entities dirty, one entry each.
	assert.Equal(t, 3, queueLen(t, d))

	d.gate.SetOnline(true)
	res := d.engine.Flush(ctx)
	require.Equal(t, 3, res.Confirmed)
	assert.Equal(t, 0, res.Remaining)

	got, ok := shared.Get(testAccount, model.EntityMeal, m1.ID)
	require.True(t, ok)
	assert.Equal(t, m1.UpdatedAt, got.UpdatedAt)
	assert.JSONEq(t, mustJSON(t, m1), string(got.Payload))

	got, ok = shared.Get(testAccount, model.EntityMeal, m2.ID)
	require.True(t, ok)
	assert.True(t, got.Deleted)

	got, ok = shared.Get(testAccount, model.EntityMeal, m3.ID)
	require.True(t, ok)
	assert.Equal(t, m3.UpdatedAt, got.UpdatedAt)

	// The confirmed delete purged the local tombstone.
	var raw map[string][]model.MealEntry
	require.NoError(t, d.store.Load(ctx, model.CollectionMeals, &raw))
	for _, meals := range raw {
		for _, m := range meals {
			assert.NotEqual(t, m2.ID, m.ID)
		}
	}
}

func TestLocalWrite_CoalescesQueue(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "w")

	w, err := d.engine.SaveWeight(ctx, model.WeightEntry{Date: "2026-01-05", WeightKg: 70})
	require.NoError(t, err)
	w.WeightKg = 69.5
	w, err = d.engine.SaveWeight(ctx, w)
	require.NoError(t, err)

	entries, err := d.queue.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.OpUpsert, entries[0].Op)
	assert.Equal(t, w.UpdatedAt, entries[0].UpdatedAt)
	assert.JSONEq(t, mustJSON(t, w), string(entries[0].Payload))
}

func TestLocalWrite_StampsAreMonotonicPerEntity(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 5_000, "w")

	w, err := d.engine.SaveWeight(ctx, model.WeightEntry{Date: "2026-01-05", WeightKg: 70})
	require.NoError(t, err)
	first := w.UpdatedAt

	// Same millisecond, then the wall clock steps backwards.
	w, err = d.engine.SaveWeight(ctx, w)
	require.NoError(t, err)
	assert.Greater(t, w.UpdatedAt, first)

	d.clock.SetMillis(1_000)
	second := w.UpdatedAt
	w, err = d.engine.SaveWeight(ctx, w)
	require.NoError(t, err)
	assert.Greater(t, w.UpdatedAt, second)
}

func TestLocalWrite_InvalidInputRejected(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "w")

	_, err := d.engine.SaveWeight(ctx, model.WeightEntry{Date: "2026-01-05", WeightKg: -1})
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))
	var ve *model.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = d.engine.SaveMeal(ctx, meal("not-a-date", "Eggs", 100))
	assert.True(t, IsInvalidInput(err))

	weights, err := d.engine.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Empty(t, weights)
	assert.Equal(t, 0, queueLen(t, d))
}

func TestLocalWrite_NormalizesText(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "m")

	m, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "  Café ", 90))
	require.NoError(t, err)
	assert.Equal(t, "Café", m.Name)
}

func TestSaveMeal_MovesBetweenDates(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "m")

	m, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Eggs", 200))
	require.NoError(t, err)
	m.DateKey = "2026-01-06"
	_, err = d.engine.SaveMeal(ctx, m)
	require.NoError(t, err)

	byDate, err := d.engine.LoadMeals(ctx)
	require.NoError(t, err)
	assert.NotContains(t, byDate, "2026-01-05")
	require.Len(t, byDate["2026-01-06"], 1)
}

func TestDelete_TombstoneHiddenAndIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "m")

	m, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Eggs", 200))
	require.NoError(t, err)
	require.NoError(t, d.engine.DeleteMeal(ctx, m.ID))
	require.NoError(t, d.engine.DeleteMeal(ctx, m.ID))
	require.NoError(t, d.engine.DeleteMeal(ctx, "never-existed"))

	meals, err := d.engine.MealsForDate(ctx, "2026-01-05")
	require.NoError(t, err)
	assert.Empty(t, meals)

	entries, err := d.queue.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.OpDelete, entries[0].Op)
	assert.Greater(t, entries[0].UpdatedAt, m.UpdatedAt)

	// The tombstone is still stored until the delete is confirmed.
	var raw map[string][]model.MealEntry
	require.NoError(t, d.store.Load(ctx, model.CollectionMeals, &raw))
	require.Len(t, raw["2026-01-05"], 1)
	assert.True(t, raw["2026-01-05"][0].Deleted)
}

func TestDelete_SingletonsRejected(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "g")

	_, err := d.engine.SaveGoals(ctx, model.GoalSnapshot{Calories: 2000})
	require.NoError(t, err)
	err = d.engine.remove(ctx, d.engine.goals, model.SingletonID)
	assert.True(t, IsInvalidInput(err))
}

func TestFlush_PartialSuccess(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	d := newDevice(t, shared, 1_000, "m")
	d.gate.SetOnline(false)

	m1, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Eggs", 200))
	require.NoError(t, err)
	m2, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Toast", 150))
	require.NoError(t, err)

	d.gate.SetOnline(true)
	shared.FailNext(1, errors.New("status 500"))
	res := d.engine.Flush(ctx)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.Deferred)

	entries, err := d.queue.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, m1.ID, entries[0].EntityID)
	_, ok := shared.Get(testAccount, model.EntityMeal, m2.ID)
	assert.True(t, ok)

	res = d.engine.Flush(ctx)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, StateIdle, d.engine.Status(ctx).State)
}

func TestFlush_UnavailableStopsPass(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	d := newDevice(t, shared, 1_000, "m")
	d.gate.SetOnline(false)

	for i := 0; i < 3; i++ {
		_, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Snack", 100))
		require.NoError(t, err)
	}
	d.gate.SetOnline(true)
	shared.FailNext(1, remote.ErrUnavailable)

	res := d.engine.Flush(ctx)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 3, res.Remaining)
	assert.Equal(t, 1, shared.Calls())
}

// blockingRemote never answers until the caller gives up.
type blockingRemote struct{ remote.Remote }

func (blockingRemote) Upsert(ctx context.Context, _, _ string, _ remote.Record) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestFlush_TimeoutKeepsEntry(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, blockingRemote{memory.New()}, 1_000, "m")
	d.engine.timeout = 20 * time.Millisecond

	_, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Eggs", 200))
	require.NoError(t, err)

	res := d.engine.Flush(ctx)
	assert.True(t, res.Deferred)
	assert.Equal(t, 1, res.Remaining)
	assert.Contains(t, d.engine.Status(ctx).LastError, string(ErrCodeNetworkUnavailable))
}

// editingRemote runs a local edit while the remote call is in flight.
type editingRemote struct {
	remote.Remote
	during func()
}

func (r *editingRemote) Upsert(ctx context.Context, account, table string, rec remote.Record) error {
	if r.during != nil {
		fn := r.during
		r.during = nil
		fn()
	}
	return r.Remote.Upsert(ctx, account, table, rec)
}

func (r *editingRemote) Delete(ctx context.Context, account, table, id string, updatedAt int64) error {
	if r.during != nil {
		fn := r.during
		r.during = nil
		fn()
	}
	return r.Remote.Delete(ctx, account, table, id, updatedAt)
}

func TestFlush_EditDuringFlightStaysQueued(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	er := &editingRemote{Remote: shared}
	d := newDevice(t, er, 1_000, "m")

	m, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Eggs", 200))
	require.NoError(t, err)

	var newer model.MealEntry
	er.during = func() {
		d.clock.Advance(time.Second)
		edit := m
		edit.Calories = 260
		newer, err = d.engine.SaveMeal(ctx, edit)
		require.NoError(t, err)
	}

	res := d.engine.Flush(ctx)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Remaining)

	entries, err := d.queue.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, newer.UpdatedAt, entries[0].UpdatedAt)

	d.engine.Flush(ctx)
	got, _ := shared.Get(testAccount, model.EntityMeal, m.ID)
	assert.Equal(t, newer.UpdatedAt, got.UpdatedAt)
}

func TestFlush_RecreateDuringDeleteKeepsRecord(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	er := &editingRemote{Remote: shared}
	d := newDevice(t, er, 1_000, "m")
	d.gate.SetOnline(false)

	m, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Eggs", 200))
	require.NoError(t, err)
	require.NoError(t, d.engine.DeleteMeal(ctx, m.ID))

	er.during = func() {
		d.clock.Advance(time.Second)
		_, err := d.engine.SaveMeal(ctx, m)
		require.NoError(t, err)
	}
	d.gate.SetOnline(true)
	d.engine.Flush(ctx)

	meals, err := d.engine.MealsForDate(ctx, "2026-01-05")
	require.NoError(t, err)
	require.Len(t, meals, 1, "a stale delete confirmation must not purge the newer record")
	assert.Equal(t, 1, queueLen(t, d))
}

func TestPull_StaleAndEqualDiscarded(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memory.New(), 1_000, "w")

	w, err := d.engine.SaveWeight(ctx, model.WeightEntry{ID: "w1", Date: "2026-01-05", WeightKg: 70})
	require.NoError(t, err)

	other := w
	other.WeightKg = 99
	payload := []byte(mustJSON(t, other))

	require.NoError(t, d.store.Update(ctx, model.CollectionWeights, func(tx *store.Tx) error {
		for _, at := range []int64{w.UpdatedAt, w.UpdatedAt - 1} {
			outcome, err := d.engine.merge(ctx, tx, d.engine.weights, remote.Record{ID: "w1", UpdatedAt: at, Payload: payload}, false)
			require.NoError(t, err)
			assert.Equal(t, mergeStale, outcome)
		}
		outcome, err := d.engine.merge(ctx, tx, d.engine.weights, remote.Record{ID: "w1", UpdatedAt: w.UpdatedAt, Deleted: true}, false)
		require.NoError(t, err)
		assert.Equal(t, mergeStale, outcome)
		return nil
	}))

	weights, err := d.engine.LoadWeights(ctx)
	require.NoError(t, err)
	require.Len(t, weights, 1)
	assert.Equal(t, 70.0, weights[0].WeightKg)

	// Applying the same newer record twice leaves the same state.
	payload = []byte(mustJSON(t, other))
	for i := 0; i < 2; i++ {
		require.NoError(t, d.store.Update(ctx, model.CollectionWeights, func(tx *store.Tx) error {
			_, err := d.engine.merge(ctx, tx, d.engine.weights, remote.Record{ID: "w1", UpdatedAt: w.UpdatedAt + 10, Payload: payload}, false)
			return err
		}))
		weights, err = d.engine.LoadWeights(ctx)
		require.NoError(t, err)
		require.Len(t, weights, 1)
		assert.Equal(t, 99.0, weights[0].WeightKg)
		assert.Equal(t, w.UpdatedAt+10, weights[0].UpdatedAt)
	}
}

func TestPull_SkipsIdsWithQueuedMutation(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	a := newDevice(t, shared, 1_000, "a")
	b := newDevice(t, shared, 1_000, "b")

	w, err := a.engine.SaveWeight(ctx, model.WeightEntry{ID: "w1", Date: "2026-01-05", WeightKg: 70})
	require.NoError(t, err)
	a.engine.Flush(ctx)
	b.engine.Pull(ctx)

	// B edits offline; A later writes a newer remote version.
	b.gate.SetOnline(false)
	w.WeightKg = 72
	_, err = b.engine.SaveWeight(ctx, w)
	require.NoError(t, err)

	a.clock.SetMillis(5_000)
	w.WeightKg = 68
	_, err = a.engine.SaveWeight(ctx, w)
	require.NoError(t, err)
	a.engine.Flush(ctx)

	b.gate.SetOnline(true)
	res := b.engine.Pull(ctx)
	assert.Equal(t, 1, res.Skipped)
	weights, err := b.engine.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, 72.0, weights[0].WeightKg, "unflushed local write wins over the pull")

	// The older local write loses remotely; confirming it merges the held
	// remote version, so B converges without another pull.
	fr := b.engine.Flush(ctx)
	assert.Equal(t, 1, fr.Confirmed)
	weights, err = b.engine.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, 68.0, weights[0].WeightKg)
	assert.Equal(t, int64(5_000), weights[0].UpdatedAt)

	res = b.engine.Pull(ctx)
	assert.Equal(t, PullResult{}, res)
}

func TestPull_SkippedRecordDoesNotBlockLaterPages(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	a := newDevice(t, shared, 1_000, "a")
	b := newDevice(t, shared, 1_000, "b")
	b.engine.pageSize = 1

	x, err := a.engine.SaveMeal(ctx, meal("2026-01-05", "Eggs", 200))
	require.NoError(t, err)
	a.engine.Flush(ctx)
	b.engine.Pull(ctx)

	// B edits X offline while A edits X and logs Y and Z.
	b.gate.SetOnline(false)
	bx := x
	bx.Calories = 250
	_, err = b.engine.SaveMeal(ctx, bx)
	require.NoError(t, err)

	a.clock.SetMillis(5_000)
	x.Calories = 300
	_, err = a.engine.SaveMeal(ctx, x)
	require.NoError(t, err)
	_, err = a.engine.SaveMeal(ctx, meal("2026-01-06", "Soup", 400))
	require.NoError(t, err)
	_, err = a.engine.SaveMeal(ctx, meal("2026-01-07", "Rice", 500))
	require.NoError(t, err)
	a.engine.Flush(ctx)

	b.gate.SetOnline(true)
	res := b.engine.Pull(ctx)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Applied, "records after the skipped one are merged")

	meals, err := b.engine.LoadMeals(ctx)
	require.NoError(t, err)
	assert.Len(t, meals["2026-01-06"], 1)
	assert.Len(t, meals["2026-01-07"], 1)
	require.Len(t, meals["2026-01-05"], 1)
	assert.Equal(t, 250, meals["2026-01-05"][0].Calories, "queued local edit is kept")

	// The cursor moved past every page.
	assert.Equal(t, PullResult{}, b.engine.Pull(ctx))

	// A stuck entry keeps its id held but does not hold anything else back.
	_, err = a.engine.SaveMeal(ctx, meal("2026-01-08", "Pasta", 600))
	require.NoError(t, err)
	a.engine.Flush(ctx)
	res = b.engine.Pull(ctx)
	assert.Equal(t, 1, res.Applied)

	// Once B's edit is confirmed, the newer held version from A wins.
	fr := b.engine.Flush(ctx)
	assert.Equal(t, 1, fr.Confirmed)
	meals, err = b.engine.LoadMeals(ctx)
	require.NoError(t, err)
	require.Len(t, meals["2026-01-05"], 1)
	assert.Equal(t, 300, meals["2026-01-05"][0].Calories)
	assert.Equal(t, int64(5_000), meals["2026-01-05"][0].UpdatedAt)
	assert.Equal(t, 0, queueLen(t, b))
}

func TestFlush_HeldVersionOlderThanConfirmedIsDiscarded(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	a := newDevice(t, shared, 1_000, "a")
	b := newDevice(t, shared, 1_000, "b")

	w, err := a.engine.SaveWeight(ctx, model.WeightEntry{ID: "w1", Date: "2026-01-05", WeightKg: 70})
	require.NoError(t, err)
	a.engine.Flush(ctx)
	b.engine.Pull(ctx)

	a.clock.SetMillis(2_000)
	w.WeightKg = 71
	_, err = a.engine.SaveWeight(ctx, w)
	require.NoError(t, err)
	a.engine.Flush(ctx)

	// B's edit is newer than the version its pull holds back.
	b.clock.SetMillis(3_000)
	w.WeightKg = 72
	_, err = b.engine.SaveWeight(ctx, w)
	require.NoError(t, err)
	res := b.engine.Pull(ctx)
	assert.Equal(t, 1, res.Skipped)

	fr := b.engine.Flush(ctx)
	assert.Equal(t, 1, fr.Confirmed)
	weights, err := b.engine.LoadWeights(ctx)
	require.NoError(t, err)
	require.Len(t, weights, 1)
	assert.Equal(t, 72.0, weights[0].WeightKg)
	assert.Equal(t, int64(3_000), weights[0].UpdatedAt)

	got, ok := shared.Get(testAccount, model.EntityWeight, "w1")
	require.True(t, ok)
	assert.Equal(t, int64(3_000), got.UpdatedAt)
}

func TestPull_RemoteDeletes(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	a := newDevice(t, shared, 1_000, "a")
	b := newDevice(t, shared, 1_000, "b")

	m, err := a.engine.SaveMeal(ctx, meal("2026-01-05", "Eggs", 200))
	require.NoError(t, err)
	a.engine.Flush(ctx)
	b.engine.Pull(ctx)

	a.clock.Advance(time.Second)
	require.NoError(t, a.engine.DeleteMeal(ctx, m.ID))
	// A tombstone for an id B never saw.
	require.NoError(t, shared.Delete(ctx, testAccount, model.EntityMeal, "ghost", 1))
	a.engine.Flush(ctx)

	res := b.engine.Pull(ctx)
	assert.Equal(t, 1, res.Deleted)
	meals, err := b.engine.MealsForDate(ctx, "2026-01-05")
	require.NoError(t, err)
	assert.Empty(t, meals)

	// Pulling again changes nothing.
	res = b.engine.Pull(ctx)
	assert.Equal(t, PullResult{}, res)
}

func TestPull_PagesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	a := newDevice(t, shared, 1_000, "a")
	b := newDevice(t, shared, 1_000, "b")
	b.engine.pageSize = 2

	for i := 0; i < 5; i++ {
		_, err := a.engine.SaveMeal(ctx, meal("2026-01-05", "Snack", 100+i))
		require.NoError(t, err)
	}
	a.engine.Flush(ctx)

	res := b.engine.Pull(ctx)
	assert.Equal(t, 5, res.Applied)
	cursor, err := store.Cursor(ctx, b.store.DB(), model.EntityMeal)
	require.NoError(t, err)
	assert.NotEmpty(t, cursor)

	meals, err := b.engine.MealsForDate(ctx, "2026-01-05")
	require.NoError(t, err)
	assert.Len(t, meals, 5)
}

func TestPull_MalformedRecordSkipped(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	d := newDevice(t, shared, 1_000, "m")

	require.NoError(t, shared.Upsert(ctx, testAccount, model.EntityMeal, remote.Record{
		ID: "bad", UpdatedAt: 10, Payload: []byte(`{"id":"bad","calories":"lots"}`),
	}))
	require.NoError(t, shared.Upsert(ctx, testAccount, model.EntityMeal, remote.Record{
		ID: "good", UpdatedAt: 11, Payload: []byte(`{"id":"good","date_key":"2026-01-05","name":"Eggs","calories":1}`),
	}))

	res := d.engine.Pull(ctx)
	assert.Equal(t, 1, res.Invalid)
	assert.Equal(t, 1, res.Applied)

	meals, err := d.engine.MealsForDate(ctx, "2026-01-05")
	require.NoError(t, err)
	require.Len(t, meals, 1)
	assert.Equal(t, int64(11), meals[0].UpdatedAt)
}

func TestPull_SingletonRoundTrip(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	a := newDevice(t, shared, 1_000, "a")
	b := newDevice(t, shared, 1_000, "b")

	_, err := a.engine.SaveGoals(ctx, model.GoalSnapshot{Calories: 2100, TargetRateKgPerWeek: -0.5})
	require.NoError(t, err)
	a.engine.Flush(ctx)
	b.engine.Pull(ctx)

	g, ok, err := b.engine.LoadGoals(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2100, g.Calories)
	assert.Equal(t, -0.5, g.TargetRateKgPerWeek)
}

func TestPull_UnavailableDefers(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "m")

	res := d.engine.Pull(ctx)
	assert.True(t, res.Deferred)
	st := d.engine.Status(ctx)
	assert.Equal(t, StateDeferred, st.State)
	assert.True(t, st.LastPullAt.IsZero())
}

func TestLoad_CorruptCollectionFallsBack(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "w")

	_, err := d.store.DB().Exec(`INSERT INTO collections (name, value, updated_at) VALUES (?, '[{"id":', 1)`, model.CollectionWeights)
	require.NoError(t, err)

	weights, err := d.engine.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Empty(t, weights)

	// Writing over the corrupt blob recovers the collection.
	_, err = d.engine.SaveWeight(ctx, model.WeightEntry{Date: "2026-01-05", WeightKg: 70})
	require.NoError(t, err)
	weights, err = d.engine.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Len(t, weights, 1)
}

func TestSaveReward_RequiresRedemption(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "r")

	_, err := d.engine.SaveReward(ctx, model.ReferralReward{RelatedRedemptionID: "nope", RecipientID: "u1", EntriesAwarded: 5})
	assert.True(t, IsInvalidInput(err))
}

func TestSaveAccountInfo_AccountMismatch(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "a")

	a, err := d.engine.SaveAccountInfo(ctx, model.AccountInfo{Name: "Sam"})
	require.NoError(t, err)
	assert.Equal(t, testAccount, a.AccountID)

	_, err = d.engine.SaveAccountInfo(ctx, model.AccountInfo{AccountID: "someone-else"})
	assert.True(t, IsInvalidInput(err))
}

func TestSaveAdjustment_OnePendingAtATime(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "adj")

	first, err := d.engine.SaveAdjustment(ctx, model.AdjustmentRecord{Status: model.AdjustmentPending, DeltaCalories: -100})
	require.NoError(t, err)

	_, err = d.engine.SaveAdjustment(ctx, model.AdjustmentRecord{Status: model.AdjustmentPending, DeltaCalories: -200})
	assert.True(t, IsInvalidState(err))

	// Editing the pending record itself is allowed.
	first.DeltaCalories = -150
	_, err = d.engine.SaveAdjustment(ctx, first)
	require.NoError(t, err)

	// Non-pending records do not count.
	_, err = d.engine.SaveAdjustment(ctx, model.AdjustmentRecord{Status: model.AdjustmentDismissed, DeltaCalories: 50})
	require.NoError(t, err)

	list, err := d.engine.LoadAdjustments(ctx)
	require.NoError(t, err)
	var pending []model.AdjustmentRecord
	for _, a := range list {
		if a.Status == model.AdjustmentPending {
			pending = append(pending, a)
		}
	}
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, -150, pending[0].DeltaCalories)
	assert.Equal(t, 2, queueLen(t, d))
}

func TestSaveAdjustment_StatusLeavesPendingOnce(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "adj")

	rec, err := d.engine.SaveAdjustment(ctx, model.AdjustmentRecord{Status: model.AdjustmentPending, DeltaCalories: -100})
	require.NoError(t, err)

	rec.Status = model.AdjustmentApplied
	applied, err := d.engine.SaveAdjustment(ctx, rec)
	require.NoError(t, err)

	for _, status := range []string{model.AdjustmentPending, model.AdjustmentDismissed} {
		next := applied
		next.Status = status
		_, err = d.engine.SaveAdjustment(ctx, next)
		assert.True(t, IsInvalidState(err), status)

		_, _, err = d.engine.UpdateAdjustment(ctx, rec.ID, func(a model.AdjustmentRecord) (model.AdjustmentRecord, bool, error) {
			a.Status = status
			return a, true, nil
		})
		assert.True(t, IsInvalidState(err), status)
	}

	// Same status with other fields changed is still a valid save.
	applied.DeltaCalories = -120
	_, err = d.engine.SaveAdjustment(ctx, applied)
	require.NoError(t, err)

	// With the only record applied, a new pending one is accepted.
	_, err = d.engine.SaveAdjustment(ctx, model.AdjustmentRecord{Status: model.AdjustmentPending, DeltaCalories: -50})
	require.NoError(t, err)

	list, err := d.engine.LoadAdjustments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, a := range list {
		if a.ID == rec.ID {
			assert.Equal(t, model.AdjustmentApplied, a.Status)
			assert.Equal(t, -120, a.DeltaCalories)
		}
	}
}

func TestUpdateStreakFreeze_MealWritesWaitForDecision(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.Offline{}, 1_000, "m")
	_, err := d.engine.SaveMeal(ctx, meal("2026-03-15", "Oats", 300))
	require.NoError(t, err)

	landed := make(chan error, 1)
	early := false
	state, changed, err := d.engine.UpdateStreakFreeze(ctx, func(s model.StreakFreezeState, exists bool, meals map[string][]model.MealEntry) (model.StreakFreezeState, bool, error) {
		assert.False(t, exists)
		assert.Len(t, meals["2026-03-15"], 1)
		assert.Empty(t, meals["2026-03-14"])

		go func() {
			_, err := d.engine.SaveMeal(ctx, meal("2026-03-14", "Late dinner", 700))
			landed <- err
		}()
		select {
		case err := <-landed:
			early = true
			assert.NoError(t, err)
			t.Error("meal write committed while the freeze decision was open")
		case <-time.After(50 * time.Millisecond):
		}

		s.FreezesAvailable = 0
		s.LastResetMonth = "2026-03"
		s.UsedOnDates = append(s.UsedOnDates, "2026-03-14")
		return s, true, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"2026-03-14"}, state.UsedOnDates)

	if !early {
		require.NoError(t, <-landed)
	}
	meals, err := d.engine.MealsForDate(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Len(t, meals, 1)
}

func TestRun_FlushesOnEnqueue(t *testing.T) {
	shared := memory.New()
	d := newDevice(t, shared, 1_000, "m")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.engine.Run(ctx) }()

	_, err := d.engine.SaveMeal(ctx, meal("2026-01-05", "Eggs", 200))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(shared.Records(testAccount, model.EntityMeal)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
