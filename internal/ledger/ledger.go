// Package ledger records referral redemptions, the rewards they grant, and
// the push broadcast delivery ledger.
//
// Every reward references an existing redemption. Completing a redemption
// grants exactly two rewards, one per side, with ids derived from the
// redemption id so a repeated completion is a no-op.
package ledger

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/calsync/internal/engine"
	"github.com/roach88/calsync/internal/model"
)

// DefaultBonusEntries is the reward granted to each side of a referral.
const DefaultBonusEntries = 5

// Roles an account can play in a redemption.
const (
	RoleReferrer = "referrer"
	RoleReferee  = "referee"
)

// Ledger is the referral and broadcast ledger of one account.
type Ledger struct {
	engine *engine.Engine
	bonus  int
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithBonusEntries sets the per-side referral bonus.
func WithBonusEntries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.bonus = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// New creates a Ledger over e.
func New(e *engine.Engine, opts ...Option) *Ledger {
	l := &Ledger{
		engine: e,
		bonus:  DefaultBonusEntries,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RewardID returns the id of the reward granted to one side of a redemption.
func RewardID(redemptionID, role string) string {
	return redemptionID + ":" + role
}

// RecordRedemption attributes refereeID's signup to referrerID. Self
// referrals and a second redemption for the same referee are rejected; the
// duplicate check and the insert run under one collection lock.
func (l *Ledger) RecordRedemption(ctx context.Context, referrerID, refereeID string, at time.Time) (model.ReferralRedemption, error) {
	r := model.ReferralRedemption{
		ID:         l.engine.NewID(),
		ReferrerID: referrerID,
		RefereeID:  refereeID,
		RedeemedAt: at,
		Status:     model.RedemptionPending,
	}
	r, err := l.engine.SaveRedemption(ctx, r)
	if err != nil {
		return model.ReferralRedemption{}, err
	}
	l.logger.Info("referral redeemed", "id", r.ID, "referrer", referrerID, "referee", refereeID)
	return r, nil
}

// Complete grants both rewards for a redemption and marks it completed.
// Completing an already completed redemption returns its existing rewards.
func (l *Ledger) Complete(ctx context.Context, redemptionID string, at time.Time) ([]model.ReferralReward, error) {
	var red *model.ReferralRedemption
	redemptions, err := l.engine.LoadRedemptions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range redemptions {
		if redemptions[i].ID == redemptionID {
			red = &redemptions[i]
			break
		}
	}
	if red == nil {
		return nil, engine.NewNotFound(model.EntityReferralRedemption, redemptionID)
	}

	have, err := l.rewardsFor(ctx, redemptionID)
	if err != nil {
		return nil, err
	}

	// Rewards before status: a completed redemption always has both rewards.
	sides := []struct{ role, recipient string }{
		{RoleReferrer, red.ReferrerID},
		{RoleReferee, red.RefereeID},
	}
	var granted []model.ReferralReward
	for _, side := range sides {
		id := RewardID(redemptionID, side.role)
		if r, ok := have[id]; ok {
			granted = append(granted, r)
			continue
		}
		r, err := l.engine.SaveReward(ctx, model.ReferralReward{
			ID:                  id,
			RelatedRedemptionID: redemptionID,
			RecipientID:         side.recipient,
			EntriesAwarded:      l.bonus,
			GrantedAt:           at,
		})
		if err != nil {
			return nil, err
		}
		l.logger.Info("referral reward granted", "id", id, "recipient", side.recipient, "entries", l.bonus)
		granted = append(granted, r)
	}

	_, _, err = l.engine.UpdateRedemption(ctx, redemptionID, func(r model.ReferralRedemption) (model.ReferralRedemption, bool, error) {
		if r.Status == model.RedemptionCompleted {
			return r, false, nil
		}
		r.Status = model.RedemptionCompleted
		return r, true, nil
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

func (l *Ledger) rewardsFor(ctx context.Context, redemptionID string) (map[string]model.ReferralReward, error) {
	rewards, err := l.engine.LoadRewards(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.ReferralReward)
	for _, r := range rewards {
		if r.RelatedRedemptionID == redemptionID {
			out[r.ID] = r
		}
	}
	return out, nil
}

// Totals sums the entries awarded to accountID.
func (l *Ledger) Totals(ctx context.Context, accountID string) (int, error) {
	rewards, err := l.engine.LoadRewards(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range rewards {
		if r.RecipientID == accountID {
			total += r.EntriesAwarded
		}
	}
	return total, nil
}

// HistoryEntry is one redemption as seen by one account.
type HistoryEntry struct {
	RedemptionID   string    `json:"redemption_id"`
	Role           string    `json:"role"`
	CounterpartyID string    `json:"counterparty_id"`
	RedeemedAt     time.Time `json:"redeemed_at"`
	Status         string    `json:"status"`
	EntriesAwarded int       `json:"entries_awarded"`
}

// History lists the redemptions accountID took part in, newest first, with
// the entries awarded to accountID for each.
func (l *Ledger) History(ctx context.Context, accountID string) ([]HistoryEntry, error) {
	redemptions, err := l.engine.LoadRedemptions(ctx)
	if err != nil {
		return nil, err
	}
	rewards, err := l.engine.LoadRewards(ctx)
	if err != nil {
		return nil, err
	}
	awarded := make(map[string]int)
	for _, r := range rewards {
		if r.RecipientID == accountID {
			awarded[r.RelatedRedemptionID] += r.EntriesAwarded
		}
	}

	out := []HistoryEntry{}
	for _, red := range redemptions {
		entry := HistoryEntry{
			RedemptionID:   red.ID,
			RedeemedAt:     red.RedeemedAt,
			Status:         red.Status,
			EntriesAwarded: awarded[red.ID],
		}
		switch accountID {
		case red.ReferrerID:
			entry.Role, entry.CounterpartyID = RoleReferrer, red.RefereeID
		case red.RefereeID:
			entry.Role, entry.CounterpartyID = RoleReferee, red.ReferrerID
		default:
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
