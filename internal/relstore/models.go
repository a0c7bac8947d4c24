package relstore

import "time"

// Role enumerates the three access tiers a profile row may carry.
// Enforced by a check constraint in the migration and mirrored here so
// callers get compile-time safety.
type Role string

const (
	RoleFree  Role = "free"
	RoleVIP   Role = "vip"
	RoleAdmin Role = "admin"
)

// UserProfile is the relational half of a User: the immutable-ish
// identity record (display name, language, role). The document store
// holds the mutable state document for the same internal_id.
type UserProfile struct {
	InternalID  string `gorm:"column:internal_id;primaryKey"`
	ExternalID  int64  `gorm:"column:external_id;uniqueIndex"`
	DisplayName string `gorm:"column:display_name"`
	Language    string `gorm:"column:language"`
	Role        Role   `gorm:"column:role;default:free"`
	Active      bool   `gorm:"column:active;default:true"`
	CreatedAt   time.Time
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
}

func (UserProfile) TableName() string { return "user_profiles" }

// SubscriptionPlan is one of the three plan tiers a subscription row
// may name.
type SubscriptionPlan string

const (
	PlanFree    SubscriptionPlan = "free"
	PlanPremium SubscriptionPlan = "premium"
	PlanVIP     SubscriptionPlan = "vip"
)

// SubscriptionStatus is the state in the S2 transition DAG
// (active<->inactive, active->{cancelled,expired}).
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Subscription is a relational row tracking one plan period for a
// user. At most one row per user may carry SubscriptionActive at a
// time (invariant S1), enforced in code by Activate (see lifecycle.go)
// rather than a DB constraint, since "at most one of a given status"
// isn't expressible as a simple unique index.
type Subscription struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"column:user_id;index"`
	Plan      SubscriptionPlan
	Status    SubscriptionStatus
	StartAt   time.Time `gorm:"column:start_at"`
	EndAt     *time.Time `gorm:"column:end_at"`
}

func (Subscription) TableName() string { return "subscriptions" }
