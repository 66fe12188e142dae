// Package app wires configuration, storage, the sync engine and the derived
// state components into one process-wide instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/calsync/internal/adjust"
	"github.com/roach88/calsync/internal/capability"
	"github.com/roach88/calsync/internal/config"
	"github.com/roach88/calsync/internal/engine"
	"github.com/roach88/calsync/internal/ledger"
	"github.com/roach88/calsync/internal/model"
	"github.com/roach88/calsync/internal/queue"
	"github.com/roach88/calsync/internal/remote"
	"github.com/roach88/calsync/internal/remote/httpclient"
	"github.com/roach88/calsync/internal/remote/memory"
	"github.com/roach88/calsync/internal/remote/postgres"
	"github.com/roach88/calsync/internal/store"
	"github.com/roach88/calsync/internal/streak"
)

// App owns the store, queue and remote for one account on one device.
type App struct {
	Config *config.Config
	Store  *store.Store
	Queue  *queue.Queue
	Remote remote.Remote
	Engine *engine.Engine

	Streak       *streak.Calculator
	Adjustments  *adjust.Adjuster
	Ledger       *ledger.Ledger
	Capabilities *capability.Resolver

	logger  *slog.Logger
	closers []io.Closer
}

type options struct {
	logger *slog.Logger
	remote remote.Remote
	clock  engine.TimeSource
	ids    engine.IDGenerator
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRemote overrides the remote selected by the config.
func WithRemote(r remote.Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithTimeSource sets the engine's time source.
func WithTimeSource(src engine.TimeSource) Option {
	return func(o *options) { o.clock = src }
}

// WithIDGenerator sets the engine's id generator.
func WithIDGenerator(g engine.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// Open opens the local store and builds every component from cfg.
func Open(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	s, err := store.Open(cfg.DBPath, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Config: cfg, Store: s, logger: logger}
	a.closers = append(a.closers, s)

	r := o.remote
	if r == nil {
		var closer io.Closer
		r, closer, err = NewRemote(cfg.Remote, cfg.Sync.FlushTimeout())
		if err != nil {
			a.Close()
			return nil, err
		}
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	a.Remote = r
	a.Queue = queue.New(s)

	engineOpts := []engine.EngineOption{
		engine.WithLogger(logger),
		engine.WithFlushTimeout(cfg.Sync.FlushTimeout()),
		engine.WithRetryInterval(cfg.Sync.RetryInterval()),
		engine.WithPageSize(cfg.Sync.PullPageSize),
	}
	if o.clock != nil {
		engineOpts = append(engineOpts, engine.WithClock(o.clock))
	}
	if o.ids != nil {
		engineOpts = append(engineOpts, engine.WithIDGenerator(o.ids))
	}
	a.Engine = engine.New(s, a.Queue, r, cfg.AccountID, engineOpts...)

	a.Streak = streak.New(a.Engine,
		streak.WithMonthlyFreezes(cfg.Streak.MonthlyFreezes),
		streak.WithLogger(logger),
	)
	a.Adjustments = adjust.New(a.Engine,
		adjust.WithParams(adjust.Params{
			WindowDays: cfg.Adjustment.WindowDays,
			Threshold:  cfg.Adjustment.ThresholdKgPerWeek,
			KcalPerKg:  cfg.Adjustment.KcalPerKg,
		}),
		adjust.WithLogger(logger),
	)
	a.Ledger = ledger.New(a.Engine,
		ledger.WithBonusEntries(cfg.Referral.BonusEntries),
		ledger.WithLogger(logger),
	)
	a.Capabilities = capability.New(a.Engine,
		capability.WithOwners(cfg.OwnerIDs...),
		capability.WithLogger(logger),
	)
	return a, nil
}

// NewRemote builds the remote named by cfg. The closer is nil when the
// remote holds no resources.
func NewRemote(cfg config.RemoteConfig, timeout time.Duration) (remote.Remote, io.Closer, error) {
	switch cfg.Kind {
	case config.RemoteNone, "":
		return remote.Offline{}, nil, nil
	case config.RemoteMemory:
		return memory.New(), nil, nil
	case config.RemoteHTTP:
		return &httpclient.Client{
			BaseURL:    cfg.URL,
			Token:      cfg.Token,
			HTTPClient: &http.Client{Timeout: timeout},
		}, nil, nil
	case config.RemotePostgres:
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open remote: %w", err)
		}
		return db, db, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
}

// Close releases the store and remote.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Snapshot is the derived state computed on a data load.
type Snapshot struct {
	Streak            streak.Result           `json:"streak"`
	PendingAdjustment *model.AdjustmentRecord `json:"pending_adjustment,omitempty"`
	Capabilities      model.Capabilities      `json:"capabilities"`
	Status            engine.Status           `json:"status"`
	Flush             engine.FlushResult      `json:"flush"`
	Pull              engine.PullResult       `json:"pull"`
}

// Load runs everything that happens when the app loads its data: a best
// effort sync, capability resolution, the freeze pass and adjustment
// evaluation. Only local storage failures are returned.
func (a *App) Load(ctx context.Context, now time.Time) (Snapshot, error) {
	var snap Snapshot
	snap.Flush, snap.Pull = a.Engine.Sync(ctx)

	caps, err := a.Capabilities.Resolve(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve capabilities: %w", err)
	}
	snap.Capabilities = caps

	if snap.Streak, err = a.Streak.Refresh(ctx, now); err != nil {
		return Snapshot{}, fmt.Errorf("refresh streak: %w", err)
	}

	if _, err := a.Adjustments.Evaluate(ctx, now); err != nil {
		return Snapshot{}, fmt.Errorf("evaluate adjustments: %w", err)
	}
	if snap.PendingAdjustment, err = a.Adjustments.Pending(ctx); err != nil {
		return Snapshot{}, err
	}

	snap.Status = a.Engine.Status(ctx)
	a.logger.Debug("data load complete",
		"streak", snap.Streak.Streak,
		"pending", snap.Status.Pending,
		"state", snap.Status.State,
	)
	return snap, nil
}
