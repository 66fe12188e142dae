package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/calsync/internal/model"
	"github.com/roach88/calsync/internal/store"
)

// errBadRecord marks a record body that does not decode into its entity type.
var errBadRecord = errors.New("malformed record")

// table maps one entity type onto its local collection. Records cross this
// boundary as JSON so flush and pull stay independent of entity types.
//
// All methods run inside a store transaction that holds the collection lock.
type table interface {
	entity() string
	collection() string
	// get returns the stored record for id, tombstones included.
	get(ctx context.Context, tx *store.Tx, id string) (json.RawMessage, bool, error)
	// set inserts or replaces the record with id.
	set(ctx context.Context, tx *store.Tx, id string, rec json.RawMessage) error
	// purge physically removes id. Removing an absent id is a no-op.
	purge(ctx context.Context, tx *store.Tx, id string) error
	// deletable reports whether records of this type can be removed.
	deletable() bool
}

// header is the replication header present in every record body.
type header struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updated_at"`
	Deleted   bool   `json:"deleted"`
}

func readHeader(raw json.RawMessage) header {
	var h header
	_ = json.Unmarshal(raw, &h)
	return h
}

// withHeader returns raw with updated_at and deleted replaced.
func withHeader(raw json.RawMessage, updatedAt int64, deleted bool) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRecord, err)
		}
	}
	fields["updated_at"] = json.RawMessage(fmt.Sprintf("%d", updatedAt))
	if deleted {
		fields["deleted"] = json.RawMessage("true")
	} else {
		delete(fields, "deleted")
	}
	return json.Marshal(fields)
}

func decodeRecord[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", errBadRecord, err)
	}
	return v, nil
}

// listTable stores records as a JSON list.
type listTable[T model.Record] struct {
	entityType string
	coll       string
}

func (t listTable[T]) entity() string     { return t.entityType }
func (t listTable[T]) collection() string { return t.coll }
func (t listTable[T]) deletable() bool    { return true }

func (t listTable[T]) load(ctx context.Context, tx *store.Tx) ([]T, error) {
	list := []T{}
	if err := tx.Load(ctx, t.coll, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []T{}
	}
	return list, nil
}

func (t listTable[T]) get(ctx context.Context, tx *store.Tx, id string) (json.RawMessage, bool, error) {
	list, err := t.load(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	for _, r := range list {
		if r.Meta().ID == id {
			raw, err := json.Marshal(r)
			return raw, err == nil, err
		}
	}
	return nil, false, nil
}

func (t listTable[T]) set(ctx context.Context, tx *store.Tx, id string, raw json.RawMessage) error {
	rec, err := decodeRecord[T](raw)
	if err != nil {
		return err
	}
	if rec.Meta().ID != id {
		return fmt.Errorf("%w: id %q does not match %q", errBadRecord, rec.Meta().ID, id)
	}
	list, err := t.load(ctx, tx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range list {
		if list[i].Meta().ID == id {
			list[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, rec)
	}
	return tx.Save(ctx, t.coll, list)
}

func (t listTable[T]) purge(ctx context.Context, tx *store.Tx, id string) error {
	list, err := t.load(ctx, tx)
	if err != nil {
		return err
	}
	out := list[:0]
	for _, r := range list {
		if r.Meta().ID != id {
			out = append(out, r)
		}
	}
	if len(out) == len(list) {
		return nil
	}
	return tx.Save(ctx, t.coll, out)
}

// mealTable stores meals as a map of date key to list.
type mealTable struct{}

func (mealTable) entity() string     { return model.EntityMeal }
func (mealTable) collection() string { return model.CollectionMeals }
func (mealTable) deletable() bool    { return true }

func (mealTable) load(ctx context.Context, tx *store.Tx) (map[string][]model.MealEntry, error) {
	byDate := map[string][]model.MealEntry{}
	if err := tx.Load(ctx, model.CollectionMeals, &byDate); err != nil {
		return nil, err
	}
	if byDate == nil {
		byDate = map[string][]model.MealEntry{}
	}
	return byDate, nil
}

func (t mealTable) get(ctx context.Context, tx *store.Tx, id string) (json.RawMessage, bool, error) {
	byDate, err := t.load(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	for _, meals := range byDate {
		for _, m := range meals {
			if m.ID == id {
				raw, err := json.Marshal(m)
				return raw, err == nil, err
			}
		}
	}
	return nil, false, nil
}

func (t mealTable) set(ctx context.Context, tx *store.Tx, id string, raw json.RawMessage) error {
	meal, err := decodeRecord[model.MealEntry](raw)
	if err != nil {
		return err
	}
	if meal.ID != id {
		return fmt.Errorf("%w: id %q does not match %q", errBadRecord, meal.ID, id)
	}
	if meal.DateKey == "" {
		return fmt.Errorf("%w: meal %s has no date key", errBadRecord, id)
	}
	byDate, err := t.load(ctx, tx)
	if err != nil {
		return err
	}

	// Replace in place when the date is unchanged, otherwise move the entry.
	placed := false
	for date, meals := range byDate {
		for i := range meals {
			if meals[i].ID != id {
				continue
			}
			if date == meal.DateKey {
				meals[i] = meal
				placed = true
			} else {
				byDate[date] = append(meals[:i:i], meals[i+1:]...)
				if len(byDate[date]) == 0 {
					delete(byDate, date)
				}
			}
			break
		}
	}
	if !placed {
		byDate[meal.DateKey] = append(byDate[meal.DateKey], meal)
	}
	return tx.Save(ctx, model.CollectionMeals, byDate)
}

func (t mealTable) purge(ctx context.Context, tx *store.Tx, id string) error {
	byDate, err := t.load(ctx, tx)
	if err != nil {
		return err
	}
	for date, meals := range byDate {
		for i := range meals {
			if meals[i].ID != id {
				continue
			}
			byDate[date] = append(meals[:i:i], meals[i+1:]...)
			if len(byDate[date]) == 0 {
				delete(byDate, date)
			}
			return tx.Save(ctx, model.CollectionMeals, byDate)
		}
	}
	return nil
}

// singletonTable stores one record per account under model.SingletonID.
// Singletons are replaced, never deleted.
type singletonTable[T model.Record] struct {
	entityType string
	coll       string
}

func (t singletonTable[T]) entity() string     { return t.entityType }
func (t singletonTable[T]) collection() string { return t.coll }
func (t singletonTable[T]) deletable() bool    { return false }

func (t singletonTable[T]) get(ctx context.Context, tx *store.Tx, id string) (json.RawMessage, bool, error) {
	if id != model.SingletonID {
		return nil, false, nil
	}
	var cur *T
	if err := tx.Load(ctx, t.coll, &cur); err != nil {
		return nil, false, err
	}
	if cur == nil {
		return nil, false, nil
	}
	raw, err := json.Marshal(*cur)
	if err != nil {
		return nil, false, err
	}
	// Singleton bodies carry no id; add it so headers read uniformly.
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false, err
	}
	fields["id"] = json.RawMessage(`"` + model.SingletonID + `"`)
	raw, err = json.Marshal(fields)
	return raw, err == nil, err
}

func (t singletonTable[T]) set(ctx context.Context, tx *store.Tx, id string, raw json.RawMessage) error {
	if id != model.SingletonID {
		return fmt.Errorf("%w: singleton id must be %q, got %q", errBadRecord, model.SingletonID, id)
	}
	rec, err := decodeRecord[T](raw)
	if err != nil {
		return err
	}
	return tx.Save(ctx, t.coll, rec)
}

func (t singletonTable[T]) purge(context.Context, *store.Tx, string) error {
	return nil
}
