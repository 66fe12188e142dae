package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/calsync/internal/model"
	"github.com/roach88/calsync/internal/queue"
	"github.com/roach88/calsync/internal/remote"
	"github.com/roach88/calsync/internal/store"
)

const (
	// DefaultFlushTimeout bounds every remote call.
	DefaultFlushTimeout = 10 * time.Second

	// DefaultRetryInterval is how often Run retries while deferred.
	DefaultRetryInterval = 30 * time.Second
)

// State is the engine's sync state.
type State string

const (
	// StateIdle means the last sync attempt reached the remote.
	StateIdle State = "idle"
	// StateDeferred means some work is waiting for a retry.
	StateDeferred State = "deferred"
)

// Status is a snapshot of the engine's sync state.
type Status struct {
	State       State     `json:"state"`
	Pending     int       `json:"pending"`
	LastError   string    `json:"last_error,omitempty"`
	LastFlushAt time.Time `json:"last_flush_at,omitempty"`
	LastPullAt  time.Time `json:"last_pull_at,omitempty"`
}

// Engine is the sync engine for one account on one device.
//
// Thread-safety model:
//   - Write and read methods: safe from any goroutine
//   - Flush/Pull/Sync: safe from any goroutine; passes are serialized
//   - Run: at most one goroutine
type Engine struct {
	store   *store.Store
	queue   *queue.Queue
	remote  remote.Remote
	account string

	clock    *Clock
	ids      IDGenerator
	logger   *slog.Logger
	timeout  time.Duration
	pageSize int
	retry    time.Duration

	tables  []table
	byType  map[string]table
	meals   mealTable
	weights listTable[model.WeightEntry]
	goals   singletonTable[model.GoalSnapshot]
	freeze  singletonTable[model.StreakFreezeState]
	info    singletonTable[model.AccountInfo]
	adjusts listTable[model.AdjustmentRecord]
	redeems listTable[model.ReferralRedemption]
	rewards listTable[model.ReferralReward]
	casts   listTable[model.PushBroadcastRecord]
	caps    singletonTable[model.Capabilities]

	syncMu sync.Mutex // single-flight flush and pull

	statusMu sync.Mutex
	status   Status
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock sets the time source used for updatedAt stamps.
func WithClock(src TimeSource) EngineOption {
	return func(e *Engine) {
		e.clock = NewClock(src)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFlushTimeout bounds each remote call.
//
// Default: 10s (DefaultFlushTimeout)
func WithFlushTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithIDGenerator sets the generator for new record ids.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithPageSize sets the pull page size.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithRetryInterval sets how often Run retries while deferred.
func WithRetryInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retry = d
		}
	}
}

// New creates an Engine for accountID over a store, its queue and a remote.
// A nil remote behaves as remote.Offline.
func New(s *store.Store, q *queue.Queue, r remote.Remote, accountID string, opts ...EngineOption) *Engine {
	if r == nil {
		r = remote.Offline{}
	}
	e := &Engine{
		store:    s,
		queue:    q,
		remote:   r,
		account:  accountID,
		clock:    NewClock(nil),
		ids:      UUIDv7Generator{},
		logger:   slog.Default(),
		timeout:  DefaultFlushTimeout,
		pageSize: remote.DefaultPageSize,
		retry:    DefaultRetryInterval,

		meals:    mealTable{},
		weights:  listTable[model.WeightEntry]{model.EntityWeight, model.CollectionWeights},
		goals:    singletonTable[model.GoalSnapshot]{model.EntityGoal, model.CollectionGoals},
		freeze:   singletonTable[model.StreakFreezeState]{model.EntityStreakFreeze, model.CollectionStreakFreeze},
		info:     singletonTable[model.AccountInfo]{model.EntityAccount, model.CollectionAccountInfo},
		adjusts:  listTable[model.AdjustmentRecord]{model.EntityAdjustment, model.CollectionAdjustments},
		redeems:  listTable[model.ReferralRedemption]{model.EntityReferralRedemption, model.CollectionReferralRedemptions},
		rewards:  listTable[model.ReferralReward]{model.EntityReferralReward, model.CollectionReferralRewards},
		casts:    listTable[model.PushBroadcastRecord]{model.EntityPushBroadcast, model.CollectionPushBroadcasts},
		caps:     singletonTable[model.Capabilities]{model.EntityCapabilities, model.CollectionCapabilities},

		status: Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(e)
	}

	// Pull order: singletons first so goal and account data is fresh before
	// the derived collections that depend on it.
	e.tables = []table{
		e.info, e.caps, e.goals, e.freeze,
		e.meals, e.weights, e.adjusts, e.redeems, e.rewards, e.casts,
	}
	e.byType = make(map[string]table, len(e.tables))
	for _, t := range e.tables {
		e.byType[t.entity()] = t
	}
	return e
}

// AccountID returns the account this engine syncs.
func (e *Engine) AccountID() string { return e.account }

// Clock returns the engine's clock.
func (e *Engine) Clock() *Clock { return e.clock }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// NewID generates a record id.
func (e *Engine) NewID() string { return e.ids.Generate() }

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// write applies a local upsert and enqueues it in one transaction. build
// receives the record's previous updatedAt (0 if new) and returns the record
// to store; build must stamp it via e.clock.Stamp(prev).
func (e *Engine) write(ctx context.Context, t table, id string, build func(prev int64) (any, error)) error {
	return e.store.Update(ctx, t.collection(), func(tx *store.Tx) error {
		var prev int64
		cur, ok, err := t.get(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("read %s/%s: %w", t.entity(), id, err)
		}
		if ok {
			prev = readHeader(cur).UpdatedAt
		}

		rec, err := build(prev)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", t.entity(), id, err)
		}
		if err := t.set(ctx, tx, id, raw); err != nil {
			return fmt.Errorf("write %s/%s: %w", t.entity(), id, err)
		}

		return e.enqueue(ctx, tx, t, id, queue.OpUpsert, raw, readHeader(raw).UpdatedAt)
	})
}

func (e *Engine) enqueue(ctx context.Context, tx *store.Tx, t table, id string, op queue.Op, body json.RawMessage, updatedAt int64) error {
	_, err := e.queue.EnqueueTx(ctx, tx, queue.Entry{
		EntityType: t.entity(),
		EntityID:   id,
		Op:         op,
		Payload:    body,
		UpdatedAt:  updatedAt,
		EnqueuedAt: e.clock.Now().UnixMilli(),
	})
	return err
}

// remove tombstones a record and enqueues its remote delete in one
// transaction. Removing an absent or already deleted id is a no-op.
func (e *Engine) remove(ctx context.Context, t table, id string) error {
	if !t.deletable() {
		return NewInvalidInput(t.entity(), id, errors.New("record type cannot be deleted"))
	}
	return e.store.Update(ctx, t.collection(), func(tx *store.Tx) error {
		cur, ok, err := t.get(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("read %s/%s: %w", t.entity(), id, err)
		}
		if !ok {
			return nil
		}
		h := readHeader(cur)
		if h.Deleted {
			return nil
		}

		stamp := e.clock.Stamp(h.UpdatedAt)
		tomb, err := withHeader(cur, stamp, true)
		if err != nil {
			return err
		}
		if err := t.set(ctx, tx, id, tomb); err != nil {
			return fmt.Errorf("tombstone %s/%s: %w", t.entity(), id, err)
		}

		return e.enqueue(ctx, tx, t, id, queue.OpDelete, tomb, stamp)
	})
}

// Status returns the current sync status.
func (e *Engine) Status(ctx context.Context) Status {
	e.statusMu.Lock()
	st := e.status
	e.statusMu.Unlock()

	n, err := e.queue.Len(ctx)
	if err != nil {
		e.logger.Warn("count pending mutations", "error", err)
	}
	st.Pending = n
	return st
}

func (e *Engine) setStatus(fn func(*Status)) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	fn(&e.status)
}

// Sync flushes pending mutations, then pulls remote changes. It is the
// startup, foreground and reconnect trigger.
func (e *Engine) Sync(ctx context.Context) (FlushResult, PullResult) {
	fr := e.Flush(ctx)
	pr := e.Pull(ctx)
	return fr, pr
}

// OnReconnect is called when connectivity is regained.
func (e *Engine) OnReconnect(ctx context.Context) {
	e.logger.Info("connectivity regained, syncing")
	e.Sync(ctx)
}

// OnForeground is called when the app returns to the foreground.
func (e *Engine) OnForeground(ctx context.Context) {
	e.Sync(ctx)
}

// Run flushes in the background whenever a mutation is enqueued, and retries
// a full sync on an interval while deferred. Blocks until ctx is cancelled.
//
// ERROR HANDLING: failures are logged and recorded in Status; Run never
// stops because of them.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine starting", "account", e.account)

	ticker := time.NewTicker(e.retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping: context cancelled")
			return ctx.Err()

		case <-e.queue.Wait():
			e.Flush(ctx)

		case <-ticker.C:
			if st := e.Status(ctx); st.State == StateDeferred || st.Pending > 0 {
				e.Sync(ctx)
			}
		}
	}
}
