// Package capability resolves and persists what an account may do.
//
// Owner status is computed once per load from the configured owner list and
// the account's role, then stored in the capabilities record alongside any
// unlocked features. Consumers receive the resolved record instead of
// checking account data themselves.
package capability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/calsync/internal/engine"
	"github.com/roach88/calsync/internal/model"
)

// Resolver resolves and updates the capability record of an engine's account.
type Resolver struct {
	engine *engine.Engine
	owners map[string]bool
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithOwners sets the account ids that always resolve as owners.
func WithOwners(ids ...string) Option {
	return func(r *Resolver) {
		for _, id := range ids {
			if id != "" {
				r.owners[id] = true
			}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Resolver over e.
func New(e *engine.Engine, opts ...Option) *Resolver {
	r := &Resolver{
		engine: e,
		owners: make(map[string]bool),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes the account's owner status and persists it if it
// changed. Unlocked features carry over unless the record belonged to a
// different account.
func (r *Resolver) Resolve(ctx context.Context) (model.Capabilities, error) {
	account := r.engine.AccountID()
	info, _, err := r.engine.LoadAccountInfo(ctx)
	if err != nil {
		return model.Capabilities{}, err
	}
	owner := r.owners[account] || (info.AccountID == account && info.Role == model.RoleOwner)

	caps, changed, err := r.engine.UpdateCapabilities(ctx, func(c model.Capabilities, exists bool) (model.Capabilities, bool, error) {
		if exists && c.AccountID == account && c.IsOwner == owner {
			return c, false, nil
		}
		if c.AccountID != account {
			c.Unlocked = nil
		}
		c.AccountID = account
		c.IsOwner = owner
		return c, true, nil
	})
	if err != nil {
		return model.Capabilities{}, err
	}
	if changed {
		r.logger.Info("capabilities resolved", "account", account, "owner", owner)
	}
	return caps, nil
}

// Current returns the persisted capabilities without resolving.
func (r *Resolver) Current(ctx context.Context) (model.Capabilities, error) {
	c, _, err := r.engine.LoadCapabilities(ctx)
	return c, err
}

// Enabled reports whether feature is unlocked.
func (r *Resolver) Enabled(ctx context.Context, feature string) (bool, error) {
	c, err := r.Current(ctx)
	if err != nil {
		return false, err
	}
	return c.Enabled(feature), nil
}

// Unlock enables feature for the account.
func (r *Resolver) Unlock(ctx context.Context, feature string) (model.Capabilities, error) {
	return r.set(ctx, feature, true)
}

// Lock disables feature for the account.
func (r *Resolver) Lock(ctx context.Context, feature string) (model.Capabilities, error) {
	return r.set(ctx, feature, false)
}

func (r *Resolver) set(ctx context.Context, feature string, on bool) (model.Capabilities, error) {
	if !validFeature(feature) {
		return model.Capabilities{}, engine.NewInvalidInput(model.EntityCapabilities, model.SingletonID,
			errors.New("feature name must be lowercase letters, digits or underscores"))
	}
	account := r.engine.AccountID()
	caps, _, err := r.engine.UpdateCapabilities(ctx, func(c model.Capabilities, exists bool) (model.Capabilities, bool, error) {
		if c.AccountID == account && c.Enabled(feature) == on {
			return c, false, nil
		}
		if c.AccountID != account {
			c = model.Capabilities{AccountID: account, IsOwner: r.owners[account]}
		}
		unlocked := maps.Clone(c.Unlocked)
		if unlocked == nil {
			unlocked = make(map[string]bool)
		}
		if on {
			unlocked[feature] = true
		} else {
			delete(unlocked, feature)
		}
		c.Unlocked = unlocked
		return c, true, nil
	})
	if err != nil {
		return model.Capabilities{}, err
	}
	r.logger.Info("feature toggled", "feature", feature, "enabled", on)
	return caps, nil
}

// Features returns the unlocked feature names, sorted.
func Features(c model.Capabilities) []string {
	return slices.Sorted(maps.Keys(c.Unlocked))
}

func validFeature(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
