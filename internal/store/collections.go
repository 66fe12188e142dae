package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// ErrCorrupt marks a collection blob that could not be decoded. Load recovers
// from it on its own; it is exported for callers that inspect raw values.
var ErrCorrupt = errors.New("storage corruption")

// Tx is a read-modify-write transaction over one or more collections.
// Inside an Update callback, all reads and writes must go through the Tx:
// the store holds a single connection.
type Tx struct {
	*sql.Tx
	store *Store
}

// Load reads a collection into dst (a non-nil pointer) from the committed
// state. See Tx.Load for the decoding rules.
func (s *Store) Load(ctx context.Context, name string, dst any) error {
	return load(ctx, s.db, s, name, dst)
}

// Save writes a whole collection atomically.
func (s *Store) Save(ctx context.Context, name string, v any) error {
	return s.Update(ctx, name, func(tx *Tx) error {
		return tx.Save(ctx, name, v)
	})
}

// Update runs fn inside a transaction while holding the collection's lock.
// The transaction commits only if fn returns nil.
func (s *Store) Update(ctx context.Context, name string, fn func(tx *Tx) error) error {
	return s.UpdateAll(ctx, []string{name}, fn)
}

// UpdateAll is Update over several collections. Locks are taken in name
// order so two multi-collection updates cannot deadlock.
func (s *Store) UpdateAll(ctx context.Context, names []string, fn func(tx *Tx) error) error {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for i, name := range sorted {
		if i > 0 && sorted[i-1] == name {
			continue
		}
		mu := s.lockFor(name)
		mu.Lock()
		defer mu.Unlock()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{Tx: sqlTx, store: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[name] = mu
	}
	return mu
}

// Load reads a collection into dst (a non-nil pointer).
//
// A collection that was never written leaves dst untouched, so callers
// initialize dst with the collection's empty default. A value that fails to
// decode is logged as corruption and dst is reset to its zero value; the
// error is not returned.
func (t *Tx) Load(ctx context.Context, name string, dst any) error {
	return load(ctx, t.Tx, t.store, name, dst)
}

// Save replaces a collection's value.
func (t *Tx) Save(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	_, err = t.ExecContext(ctx, `
		INSERT INTO collections (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, name, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

func load(ctx context.Context, q Querier, s *Store, name string, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("load %s: destination must be a non-nil pointer", name)
	}

	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM collections WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}

	// Decode into a fresh value so a half-decoded blob never leaks into dst.
	fresh := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal([]byte(raw), fresh.Interface()); err != nil {
		s.logger.Warn("collection corrupt, using empty default",
			"collection", name,
			"error", fmt.Errorf("%w: %v", ErrCorrupt, err))
		rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
		return nil
	}
	rv.Elem().Set(fresh.Elem())
	return nil
}

// LoadRaw returns a collection's stored JSON, or nil if it was never written.
func (s *Store) LoadRaw(ctx context.Context, name string) (json.RawMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM collections WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	return json.RawMessage(raw), nil
}

// Collections lists the names of all collections that have been written.
// Returns an empty slice (not nil) when there are none.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
