// Package remote defines the contract between the sync engine and a remote
// backing store, plus small wrappers used by devices that go offline.
//
// Every call is partitioned by account id. Upsert and Delete are idempotent:
// a write whose updatedAt is not newer than the stored record is accepted and
// ignored, so retries after a lost response are harmless. Pull returns
// records changed after an opaque cursor, oldest change first.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
)

// ErrUnavailable means the remote could not be reached. The caller keeps its
// pending work and retries later.
var ErrUnavailable = errors.New("remote unavailable")

// DefaultPageSize is used when Pull is called with limit <= 0.
const DefaultPageSize = 200

// Record is a remote row: the replication header plus the opaque JSON body.
type Record struct {
	ID        string          `json:"id"`
	UpdatedAt int64           `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Page is one batch of pulled changes.
type Page struct {
	Records []Record `json:"records"`
	// Cursor marks the last change in Records; pass it to the next Pull.
	// An empty page echoes the request cursor.
	Cursor string `json:"cursor"`
	More   bool   `json:"more"`
}

// Remote is a remote backing store.
type Remote interface {
	Upsert(ctx context.Context, accountID, table string, rec Record) error
	Delete(ctx context.Context, accountID, table, id string, updatedAt int64) error
	Pull(ctx context.Context, accountID, table, cursor string, limit int) (Page, error)
}

// Offline is a Remote that is never reachable. It backs devices configured
// without a remote: writes stay queued until one is configured.
type Offline struct{}

var _ Remote = Offline{}

func (Offline) Upsert(context.Context, string, string, Record) error        { return ErrUnavailable }
func (Offline) Delete(context.Context, string, string, string, int64) error { return ErrUnavailable }
func (Offline) Pull(context.Context, string, string, string, int) (Page, error) {
	return Page{}, ErrUnavailable
}

// Gate wraps a Remote with a connectivity switch. While closed, every call
// fails with ErrUnavailable without reaching the inner remote. Each device
// in a multi-device test owns its own Gate over a shared remote.
type Gate struct {
	inner   Remote
	offline atomic.Bool
}

var _ Remote = (*Gate)(nil)

// NewGate returns an open gate over inner.
func NewGate(inner Remote) *Gate {
	return &Gate{inner: inner}
}

// SetOnline opens or closes the gate.
func (g *Gate) SetOnline(online bool) {
	g.offline.Store(!online)
}

// Online reports whether the gate is open.
func (g *Gate) Online() bool {
	return !g.offline.Load()
}

func (g *Gate) Upsert(ctx context.Context, accountID, table string, rec Record) error {
	if !g.Online() {
		return ErrUnavailable
	}
	return g.inner.Upsert(ctx, accountID, table, rec)
}

func (g *Gate) Delete(ctx context.Context, accountID, table, id string, updatedAt int64) error {
	if !g.Online() {
		return ErrUnavailable
	}
	return g.inner.Delete(ctx, accountID, table, id, updatedAt)
}

func (g *Gate) Pull(ctx context.Context, accountID, table, cursor string, limit int) (Page, error) {
	if !g.Online() {
		return Page{}, ErrUnavailable
	}
	return g.inner.Pull(ctx, accountID, table, cursor, limit)
}

// IsUnavailable reports whether err means the remote could not be reached,
// including a call that ran out its deadline.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
