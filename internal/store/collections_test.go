package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	ID        string `json:"id"`
	Value     int    `json:"value"`
	UpdatedAt int64  `json:"updated_at"`
}

func TestLoad_MissingCollectionKeepsDefault(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entries := []testEntry{}
	require.NoError(t, s.Load(ctx, "weightEntries", &entries))
	assert.NotNil(t, entries)
	assert.Empty(t, entries)

	byDate := map[string][]testEntry{}
	require.NoError(t, s.Load(ctx, "mealsByDate", &byDate))
	assert.Empty(t, byDate)
}

func TestLoad_RequiresPointer(t *testing.T) {
	s := createTestStore(t)
	var entries []testEntry
	assert.Error(t, s.Load(context.Background(), "x", entries))
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	in := []testEntry{{ID: "a", Value: 1, UpdatedAt: 10}, {ID: "b", Value: 2, UpdatedAt: 20}}
	require.NoError(t, s.Save(ctx, "weightEntries", in))

	var out []testEntry
	require.NoError(t, s.Load(ctx, "weightEntries", &out))
	assert.Equal(t, in, out)

	// Overwrite replaces the whole value.
	require.NoError(t, s.Save(ctx, "weightEntries", in[:1]))
	out = nil
	require.NoError(t, s.Load(ctx, "weightEntries", &out))
	assert.Equal(t, in[:1], out)
}

func TestLoad_CorruptBlobFallsBackToDefault(t *testing.T) {
	var logs bytes.Buffer
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.db.Exec(`INSERT INTO collections (name, value, updated_at) VALUES ('weightEntries', '{not json', 1)`)
	require.NoError(t, err)

	out := []testEntry{{ID: "stale"}}
	require.NoError(t, s.Load(context.Background(), "weightEntries", &out))
	assert.Empty(t, out)
	assert.Contains(t, logs.String(), "collection corrupt")
	assert.Contains(t, logs.String(), "weightEntries")
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "goals", testEntry{ID: "current", Value: 1}))

	boom := errors.New("boom")
	err := s.Update(ctx, "goals", func(tx *Tx) error {
		if err := tx.Save(ctx, "goals", testEntry{ID: "current", Value: 2}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var got testEntry
	require.NoError(t, s.Load(ctx, "goals", &got))
	assert.Equal(t, 1, got.Value, "failed update must leave the old value")
}

func TestUpdate_TxSeesOwnWrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, "goals", func(tx *Tx) error {
		if err := tx.Save(ctx, "goals", testEntry{ID: "current", Value: 7}); err != nil {
			return err
		}
		var got testEntry
		if err := tx.Load(ctx, "goals", &got); err != nil {
			return err
		}
		assert.Equal(t, 7, got.Value)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdate_SerializesReadModifyWrite(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, "counter", func(tx *Tx) error {
				var n testEntry
				if err := tx.Load(ctx, "counter", &n); err != nil {
					return err
				}
				n.Value++
				return tx.Save(ctx, "counter", n)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var n testEntry
	require.NoError(t, s.Load(ctx, "counter", &n))
	assert.Equal(t, workers, n.Value, "no increment may be lost")
}

func TestUpdateAll_DuplicateNames(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.UpdateAll(ctx, []string{"b", "a", "b"}, func(tx *Tx) error {
		if err := tx.Save(ctx, "a", testEntry{Value: 1}); err != nil {
			return err
		}
		return tx.Save(ctx, "b", testEntry{Value: 2})
	})
	require.NoError(t, err)

	names, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestLoadRaw(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	raw, err := s.LoadRaw(ctx, "goals")
	require.NoError(t, err)
	assert.Nil(t, raw)

	require.NoError(t, s.Save(ctx, "goals", testEntry{ID: "current", Value: 3}))
	raw, err = s.LoadRaw(ctx, "goals")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"current","value":3,"updated_at":0}`, string(raw))
}

func TestCursors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c, err := Cursor(ctx, s.db, "meal")
	require.NoError(t, err)
	assert.Equal(t, "", c)

	require.NoError(t, SetCursor(ctx, s.db, "meal", "12"))
	require.NoError(t, SetCursor(ctx, s.db, "meal", "15"))
	c, err = Cursor(ctx, s.db, "meal")
	require.NoError(t, err)
	assert.Equal(t, "15", c)

	require.NoError(t, s.ResetCursors(ctx))
	c, err = Cursor(ctx, s.db, "meal")
	require.NoError(t, err)
	assert.Equal(t, "", c)
}

func TestHeldRecords(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := TakeHeld(ctx, s.db, "meal", "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, Hold(ctx, s.db, HeldRecord{EntityType: "meal", EntityID: "m1", UpdatedAt: 20, Payload: []byte(`{"id":"m1"}`)}))
	// An older version does not replace the held one.
	require.NoError(t, Hold(ctx, s.db, HeldRecord{EntityType: "meal", EntityID: "m1", UpdatedAt: 10, Payload: []byte(`{"id":"old"}`)}))

	rec, ok, err := TakeHeld(ctx, s.db, "meal", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), rec.UpdatedAt)
	assert.False(t, rec.Deleted)
	assert.JSONEq(t, `{"id":"m1"}`, string(rec.Payload))

	_, ok, err = TakeHeld(ctx, s.db, "meal", "m1")
	require.NoError(t, err)
	assert.False(t, ok, "taking a held record removes it")

	require.NoError(t, Hold(ctx, s.db, HeldRecord{EntityType: "meal", EntityID: "m2", UpdatedAt: 5, Deleted: true}))
	require.NoError(t, Hold(ctx, s.db, HeldRecord{EntityType: "weight", EntityID: "m2", UpdatedAt: 7}))
	require.NoError(t, DropHeld(ctx, s.db, "meal", "m2"))
	_, ok, err = TakeHeld(ctx, s.db, "meal", "m2")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, ok, err = TakeHeld(ctx, s.db, "weight", "m2")
	require.NoError(t, err)
	require.True(t, ok, "held records are keyed by entity type and id")
	assert.Nil(t, rec.Payload)
}
