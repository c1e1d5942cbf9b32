package models

import (
	"time"
)

// Role is the closed set of privilege tiers. Every switch over Role
// enumerates all five values so that adding a tier is a forced-visibility
// change across policy, decision engine, and display code.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleVIP        Role = "vip"
	RoleSubscriber Role = "subscriber"
	RoleTrial      Role = "trial"
	RoleExpired    Role = "expired"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleVIP, RoleSubscriber, RoleTrial, RoleExpired:
		return true
	}
	return false
}

// Plan identifies a paid subscription plan.
type Plan string

const (
	PlanStarter Plan = "starter"
	PlanPremium Plan = "premium"
)

// ModelTier is the AI model quality tier a role is entitled to.
type ModelTier string

const (
	ModelTierBest   ModelTier = "best"
	ModelTierMedium ModelTier = "medium"
	ModelTierBasic  ModelTier = "basic"
)

// DateFormat is the calendar-date layout used for lazy daily resets (UTC).
const DateFormat = "2006-01-02"

// UserRecord is the durable per-sender subscription and usage state.
// ID is the stable identity the transport resolves before calling the core;
// it is never reassigned.
type UserRecord struct {
	ID        int64     `json:"id" db:"id"`
	FirstName string    `json:"first_name,omitempty" db:"first_name"`
	LastName  string    `json:"last_name,omitempty" db:"last_name"`
	Username  string    `json:"username,omitempty" db:"username"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// TrialExpiresAt is set at creation while the role may be trial and is
	// cleared only when the role is forced to owner.
	TrialExpiresAt *time.Time `json:"trial_expires_at,omitempty" db:"trial_expires_at"`

	SubscriptionPlan      Plan       `json:"subscription_plan,omitempty" db:"subscription_plan"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty" db:"subscription_expires_at"`
	SubscriptionChargeID  string     `json:"subscription_charge_id,omitempty" db:"subscription_charge_id"`
	AutoRenew             bool       `json:"auto_renew" db:"auto_renew"`

	InvitedBy  int64  `json:"invited_by,omitempty" db:"invited_by"`
	InviteCode string `json:"invite_code,omitempty" db:"invite_code"`

	// Daily counters implement the lazy reset: MessagesUsedToday only
	// counts when LastMessageDate equals today (UTC), otherwise it is
	// treated as zero without a background job.
	MessagesUsedToday int    `json:"messages_used_today" db:"messages_used_today"`
	LastMessageDate   string `json:"last_message_date,omitempty" db:"last_message_date"`

	// Lifetime counters, monotonically non-decreasing.
	TotalMessagesUsed int64   `json:"total_messages_used" db:"total_messages_used"`
	TotalTokensUsed   int64   `json:"total_tokens_used" db:"total_tokens_used"`
	TotalCostUSD      float64 `json:"total_cost_usd" db:"total_cost_usd"`

	// LinkedAccount holds identity-provider state attached by the linking
	// flow. Access control never interprets it.
	LinkedAccount *LinkedAccount `json:"linked_account,omitempty" db:"linked_account"`
}

// LinkedAccount stores the OAuth identity and tokens obtained by the
// identity-linking flow.
type LinkedAccount struct {
	Email        string     `json:"email,omitempty"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LinkedAt     time.Time  `json:"linked_at"`
}

// UserUpdate carries a partial mutation for Store.Update. Nil fields are
// left untouched; UpdatedAt is always stamped by the store.
type UserUpdate struct {
	FirstName *string
	LastName  *string
	Username  *string
	Role      *Role
	// ClearTrialExpiry clears TrialExpiresAt; takes precedence over
	// TrialExpiresAt when both are set.
	ClearTrialExpiry      bool
	TrialExpiresAt        *time.Time
	SubscriptionPlan      *Plan
	SubscriptionExpiresAt *time.Time
	SubscriptionChargeID  *string
	AutoRenew             *bool
	LinkedAccount         *LinkedAccount
}

// EffectiveMessagesToday applies the lazy daily reset rule at now.
func (u *UserRecord) EffectiveMessagesToday(now time.Time) int {
	if u.LastMessageDate != now.UTC().Format(DateFormat) {
		return 0
	}
	return u.MessagesUsedToday
}

// DisplayName returns the best advisory name for logs and notifications.
// Never used in access decisions.
func (u *UserRecord) DisplayName() string {
	switch {
	case u.Username != "":
		return "@" + u.Username
	case u.FirstName != "":
		return u.FirstName
	default:
		return ""
	}
}
