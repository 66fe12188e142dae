package model

import "time"

// Meta is the replication header every record exposes.
type Meta struct {
	ID        string
	UpdatedAt int64
	Deleted   bool
}

// Record is implemented by every replicated entity.
type Record interface {
	Meta() Meta
}

// SingletonID is the record id used for per-account singleton records
// (goals, streak/freeze state, account info, capabilities).
const SingletonID = "current"

// Entity types. These name the mutation queue keys and the remote tables.
const (
	EntityMeal               = "meal"
	EntityWeight             = "weight"
	EntityGoal               = "goal"
	EntityStreakFreeze       = "streak_freeze"
	EntityAdjustment         = "adjustment"
	EntityReferralRedemption = "referral_redemption"
	EntityReferralReward     = "referral_reward"
	EntityAccount            = "account"
	EntityPushBroadcast      = "push_broadcast"
	EntityCapabilities       = "capabilities"
)

// Collection names: the independently loadable units of the local layout.
const (
	CollectionMeals               = "mealsByDate"
	CollectionWeights             = "weightEntries"
	CollectionGoals               = "goals"
	CollectionStreakFreeze        = "streakFreeze"
	CollectionAccountInfo         = "accountInfo"
	CollectionAdjustments         = "adjustments"
	CollectionReferralRedemptions = "referralRedemptions"
	CollectionReferralRewards     = "referralRewards"
	CollectionPushBroadcasts      = "pushBroadcastHistory"
	CollectionCapabilities        = "capabilities"
)

// Macros is the macro breakdown of a meal in grams.
type Macros struct {
	ProteinG float64 `json:"protein_g" validate:"gte=0"`
	CarbsG   float64 `json:"carbs_g" validate:"gte=0"`
	FatG     float64 `json:"fat_g" validate:"gte=0"`
}

// MealEntry is a single logged meal, keyed per calendar day.
type MealEntry struct {
	ID        string    `json:"id" validate:"required"`
	DateKey   string    `json:"date_key" validate:"required,datekey"`
	Name      string    `json:"name" validate:"required,max=200"`
	Calories  int       `json:"calories" validate:"gte=0,lte=20000"`
	Macros    Macros    `json:"macros"`
	LoggedAt  time.Time `json:"logged_at"`
	UpdatedAt int64     `json:"updated_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

func (m MealEntry) Meta() Meta { return Meta{ID: m.ID, UpdatedAt: m.UpdatedAt, Deleted: m.Deleted} }

// WeightEntry is a single body-weight measurement.
type WeightEntry struct {
	ID        string  `json:"id" validate:"required"`
	Date      string  `json:"date" validate:"required,datekey"`
	WeightKg  float64 `json:"weight_kg" validate:"gt=0,lt=1000"`
	UpdatedAt int64   `json:"updated_at"`
	Deleted   bool    `json:"deleted,omitempty"`
}

func (w WeightEntry) Meta() Meta { return Meta{ID: w.ID, UpdatedAt: w.UpdatedAt, Deleted: w.Deleted} }

// Demographics are the inputs the goal calculator was run with.
type Demographics struct {
	Sex           string  `json:"sex,omitempty" validate:"omitempty,oneof=female male other"`
	AgeYears      int     `json:"age_years,omitempty" validate:"gte=0,lte=130"`
	HeightCm      float64 `json:"height_cm,omitempty" validate:"gte=0,lte=300"`
	WeightKg      float64 `json:"weight_kg,omitempty" validate:"gte=0,lt=1000"`
	ActivityLevel string  `json:"activity_level,omitempty"`
}

// GoalSnapshot is the account's calorie and macro target. Singleton.
type GoalSnapshot struct {
	Calories            int          `json:"calories" validate:"gte=0,lte=20000"`
	ProteinPct          float64      `json:"protein_pct" validate:"gte=0,lte=100"`
	CarbsPct            float64      `json:"carbs_pct" validate:"gte=0,lte=100"`
	FatPct              float64      `json:"fat_pct" validate:"gte=0,lte=100"`
	ProteinG            float64      `json:"protein_g" validate:"gte=0"`
	CarbsG              float64      `json:"carbs_g" validate:"gte=0"`
	FatG                float64      `json:"fat_g" validate:"gte=0"`
	Demographics        Demographics `json:"demographics"`
	TargetRateKgPerWeek float64      `json:"target_rate_kg_per_week" validate:"gte=-2,lte=2"`
	UpdatedAt           int64        `json:"updated_at"`
}

func (g GoalSnapshot) Meta() Meta { return Meta{ID: SingletonID, UpdatedAt: g.UpdatedAt} }

// StreakFreezeState is the monthly freeze allowance. Singleton.
type StreakFreezeState struct {
	FreezesAvailable int      `json:"freezes_available" validate:"gte=0"`
	LastResetMonth   string   `json:"last_reset_month" validate:"omitempty,monthkey"`
	UsedOnDates      []string `json:"used_on_dates" validate:"dive,datekey"`
	UpdatedAt        int64    `json:"updated_at"`
}

func (s StreakFreezeState) Meta() Meta { return Meta{ID: SingletonID, UpdatedAt: s.UpdatedAt} }

// UsedOn reports whether a freeze was consumed for dateKey.
func (s StreakFreezeState) UsedOn(dateKey string) bool {
	for _, d := range s.UsedOnDates {
		if d == dateKey {
			return true
		}
	}
	return false
}

// Adjustment statuses. A record leaves pending exactly once.
const (
	AdjustmentPending   = "pending"
	AdjustmentApplied   = "applied"
	AdjustmentDismissed = "dismissed"
)

// AdjustmentBasis records the numbers a proposal was derived from.
type AdjustmentBasis struct {
	ActualRateKgPerWeek float64 `json:"actual_rate_kg_per_week"`
	TargetRateKgPerWeek float64 `json:"target_rate_kg_per_week"`
	WindowDays          int     `json:"window_days"`
	Points              int     `json:"points"`
	StartKg             float64 `json:"start_kg"`
	EndKg               float64 `json:"end_kg"`
}

// AdjustmentRecord is a proposed calorie change.
type AdjustmentRecord struct {
	ID            string          `json:"id" validate:"required"`
	ProposedAt    time.Time       `json:"proposed_at"`
	Status        string          `json:"status" validate:"oneof=pending applied dismissed"`
	DeltaCalories int             `json:"delta_calories"`
	Basis         AdjustmentBasis `json:"basis"`
	UpdatedAt     int64           `json:"updated_at"`
	Deleted       bool            `json:"deleted,omitempty"`
}

func (a AdjustmentRecord) Meta() Meta { return Meta{ID: a.ID, UpdatedAt: a.UpdatedAt, Deleted: a.Deleted} }

// Redemption statuses.
const (
	RedemptionPending   = "pending"
	RedemptionCompleted = "completed"
)

// ReferralRedemption attributes a referee's signup to a referrer.
type ReferralRedemption struct {
	ID         string    `json:"id" validate:"required"`
	ReferrerID string    `json:"referrer_id" validate:"required,nefield=RefereeID"`
	RefereeID  string    `json:"referee_id" validate:"required"`
	RedeemedAt time.Time `json:"redeemed_at"`
	Status     string    `json:"status" validate:"oneof=pending completed"`
	UpdatedAt  int64     `json:"updated_at"`
	Deleted    bool      `json:"deleted,omitempty"`
}

func (r ReferralRedemption) Meta() Meta { return Meta{ID: r.ID, UpdatedAt: r.UpdatedAt, Deleted: r.Deleted} }

// ReferralReward grants entries to one side of a completed redemption.
type ReferralReward struct {
	ID                  string    `json:"id" validate:"required"`
	RelatedRedemptionID string    `json:"related_redemption_id" validate:"required"`
	RecipientID         string    `json:"recipient_id" validate:"required"`
	EntriesAwarded      int       `json:"entries_awarded" validate:"gte=1"`
	GrantedAt           time.Time `json:"granted_at"`
	UpdatedAt           int64     `json:"updated_at"`
	Deleted             bool      `json:"deleted,omitempty"`
}

func (r ReferralReward) Meta() Meta { return Meta{ID: r.ID, UpdatedAt: r.UpdatedAt, Deleted: r.Deleted} }

// Account roles.
const (
	RoleMember = "member"
	RoleOwner  = "owner"
)

// AccountInfo describes the signed-in account. Singleton.
type AccountInfo struct {
	AccountID string    `json:"account_id" validate:"required"`
	Name      string    `json:"name" validate:"max=120"`
	CreatedAt time.Time `json:"created_at"`
	Role      string    `json:"role,omitempty" validate:"omitempty,oneof=member owner"`
	UpdatedAt int64     `json:"updated_at"`
}

func (a AccountInfo) Meta() Meta { return Meta{ID: SingletonID, UpdatedAt: a.UpdatedAt} }

// PushBroadcastRecord is one row of the append-only broadcast ledger. Counts
// are recorded verbatim from the push-delivery report.
type PushBroadcastRecord struct {
	ID           string    `json:"id" validate:"required"`
	Title        string    `json:"title" validate:"required,max=200"`
	Message      string    `json:"message" validate:"max=2000"`
	Timestamp    time.Time `json:"timestamp"`
	TargetCount  int       `json:"target_count" validate:"gte=0"`
	SuccessCount int       `json:"success_count" validate:"gte=0"`
	FailureCount int       `json:"failure_count" validate:"gte=0"`
	ClickCount   int       `json:"click_count" validate:"gte=0"`
	UpdatedAt    int64     `json:"updated_at"`
	Deleted      bool      `json:"deleted,omitempty"`
}

func (p PushBroadcastRecord) Meta() Meta { return Meta{ID: p.ID, UpdatedAt: p.UpdatedAt, Deleted: p.Deleted} }

// Capabilities is the persisted, resolved capability set for an account.
// It replaces in-memory feature flags and scattered owner checks.
type Capabilities struct {
	AccountID string          `json:"account_id"`
	IsOwner   bool            `json:"is_owner"`
	Unlocked  map[string]bool `json:"unlocked,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

func (c Capabilities) Meta() Meta { return Meta{ID: SingletonID, UpdatedAt: c.UpdatedAt} }

// Enabled reports whether feature has been unlocked.
func (c Capabilities) Enabled(feature string) bool {
	return c.Unlocked[feature]
}
