// Package memory is an in-process remote store. It keeps a change log per
// account so pulls behave like the real server: cursors are change sequence
// numbers and tombstones are pulled like any other change.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/roach88/calsync/internal/remote"
)

type row struct {
	rec       remote.Record
	changeSeq int64
}

// Store is an in-memory remote.Remote.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type Store struct {
	mu      sync.Mutex
	rows    map[string]map[string]map[string]*row // account -> table -> id
	seq     int64
	offline bool
	failN   int
	failErr error
	calls   int
}

var _ remote.Remote = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{rows: make(map[string]map[string]map[string]*row)}
}

// SetOnline toggles reachability for every caller.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = !online
}

// FailNext makes the next n calls fail with err (remote.ErrUnavailable if nil).
func (s *Store) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = remote.ErrUnavailable
	}
	s.failN = n
	s.failErr = err
}

// Calls returns how many calls reached the store, failed ones included.
func (s *Store) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Get returns the stored record for id, tombstones included.
func (s *Store) Get(accountID, table, id string) (remote.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[accountID][table][id]
	if !ok {
		return remote.Record{}, false
	}
	return r.rec, true
}

// Records returns every stored record of a table sorted by id.
func (s *Store) Records(accountID, table string) []remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []remote.Record{}
	for _, r := range s.rows[accountID][table] {
		out = append(out, r.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// gate must be called with mu held.
func (s *Store) gate(ctx context.Context) error {
	s.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.offline {
		return remote.ErrUnavailable
	}
	if s.failN > 0 {
		s.failN--
		return s.failErr
	}
	return nil
}

func (s *Store) table(accountID, table string) map[string]*row {
	tables, ok := s.rows[accountID]
	if !ok {
		tables = make(map[string]map[string]*row)
		s.rows[accountID] = tables
	}
	t, ok := tables[table]
	if !ok {
		t = make(map[string]*row)
		tables[table] = t
	}
	return t
}

// Upsert stores rec unless the stored version is at least as new.
func (s *Store) Upsert(ctx context.Context, accountID, table string, rec remote.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.gate(ctx); err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.New("upsert: id is required")
	}
	rec.Deleted = false
	s.put(accountID, table, rec)
	return nil
}

// Delete writes a tombstone unless the stored version is at least as new.
func (s *Store) Delete(ctx context.Context, accountID, table, id string, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.gate(ctx); err != nil {
		return err
	}
	s.put(accountID, table, remote.Record{ID: id, UpdatedAt: updatedAt, Deleted: true})
	return nil
}

func (s *Store) put(accountID, table string, rec remote.Record) {
	t := s.table(accountID, table)
	if cur, ok := t[rec.ID]; ok && rec.UpdatedAt <= cur.rec.UpdatedAt {
		return
	}
	s.seq++
	t[rec.ID] = &row{rec: rec, changeSeq: s.seq}
}

// Pull returns changes after cursor in change order.
func (s *Store) Pull(ctx context.Context, accountID, table, cursor string, limit int) (remote.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.gate(ctx); err != nil {
		return remote.Page{}, err
	}

	var since int64
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return remote.Page{}, fmt.Errorf("pull: bad cursor %q: %w", cursor, err)
		}
		since = v
	}
	if limit <= 0 {
		limit = remote.DefaultPageSize
	}

	changed := make([]*row, 0)
	for _, r := range s.rows[accountID][table] {
		if r.changeSeq > since {
			changed = append(changed, r)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].changeSeq < changed[j].changeSeq })

	page := remote.Page{Records: []remote.Record{}, Cursor: cursor}
	if len(changed) > limit {
		changed = changed[:limit]
		page.More = true
	}
	for _, r := range changed {
		page.Records = append(page.Records, r.rec)
		page.Cursor = strconv.FormatInt(r.changeSeq, 10)
	}
	return page, nil
}
