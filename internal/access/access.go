// Package access decides, for every inbound message, whether to let it
// through. It is stateless and side-effect free: callers resolve the
// record, evaluate, and persist the usage increment themselves.
package access

import (
	"fmt"
	"time"

	"github.com/chatgate/gatekeeper/internal/policy"
	"github.com/chatgate/gatekeeper/pkg/models"
)

// DenyReason codes the routine reasons a message is rejected. These are
// result variants, not errors: they are expected outcomes on the hot path.
type DenyReason string

const (
	DenyTrialExpired        DenyReason = "trial_expired"
	DenySubscriptionExpired DenyReason = "subscription_expired"
	DenyLimitExceeded       DenyReason = "limit_exceeded"
)

// Decision is the outcome of CanSendMessage.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	// ExpiresAt is set for the expiry-based denials.
	ExpiresAt *time.Time
	// Remaining and ResetsAt are set for limit_exceeded.
	Remaining int
	ResetsAt  *time.Time
}

// Allow is the affirmative decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// nextUTCMidnight returns the start of the next calendar day in UTC.
func nextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// CanSendMessage evaluates a record against the role policy at now.
//
// Expiry checks run before any unlimited-access shortcut: trial is never
// unlimited today, but a future time-boxed role might be, and the
// ordering must not silently change then.
func CanSendMessage(rec *models.UserRecord, now time.Time) Decision {
	if rec.Role == models.RoleTrial && rec.TrialExpiresAt != nil && now.After(*rec.TrialExpiresAt) {
		return Decision{Allowed: false, Reason: DenyTrialExpired, ExpiresAt: rec.TrialExpiresAt}
	}

	if rec.Role == models.RoleSubscriber && rec.SubscriptionExpiresAt != nil && now.After(*rec.SubscriptionExpiresAt) {
		return Decision{Allowed: false, Reason: DenySubscriptionExpired, ExpiresAt: rec.SubscriptionExpiresAt}
	}

	limit := policy.MessageLimit(rec.Role)
	if limit == policy.Unlimited {
		return Allow()
	}

	used := rec.EffectiveMessagesToday(now)
	if used >= limit {
		resets := nextUTCMidnight(now)
		return Decision{Allowed: false, Reason: DenyLimitExceeded, Remaining: 0, ResetsAt: &resets}
	}

	return Allow()
}

// RemainingMessages mirrors the lazy-reset arithmetic of CanSendMessage
// for display purposes, without side effects. Returns policy.Unlimited
// for unlimited roles.
func RemainingMessages(rec *models.UserRecord, now time.Time) int {
	limit := policy.MessageLimit(rec.Role)
	if limit == policy.Unlimited {
		return policy.Unlimited
	}
	remaining := limit - rec.EffectiveMessagesToday(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FormatDenialMessage maps a decision to user-facing text. Allow maps to
// the empty string. The switch is exhaustive over the deny reasons so a
// new reason cannot fall through to a generic message.
func FormatDenialMessage(d Decision) string {
	if d.Allowed {
		return ""
	}
	switch d.Reason {
	case DenyTrialExpired:
		return "Your free trial has ended. Subscribe to keep chatting."
	case DenySubscriptionExpired:
		return "Your subscription has expired. Renew to keep chatting."
	case DenyLimitExceeded:
		if d.ResetsAt != nil {
			return fmt.Sprintf("You've reached today's message limit. It resets at %s UTC.",
				d.ResetsAt.UTC().Format("15:04"))
		}
		return "You've reached today's message limit."
	}
	panic(fmt.Sprintf("access: unhandled deny reason %q", d.Reason))
}
