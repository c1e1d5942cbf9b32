// Package policy is the single source of truth for what each role may do.
package policy

import (
	"fmt"

	"github.com/chatgate/gatekeeper/pkg/models"
)

// Unlimited marks a role with no daily message ceiling.
const Unlimited = -1

// Limits describes the capability tier of a role.
type Limits struct {
	DailyLimit      int
	CanUseTools     bool
	CanUseWebSearch bool
	ModelTier       models.ModelTier
}

// Overrides adjusts the bounded daily limits from configuration. Zero
// values keep the built-in defaults.
type Overrides struct {
	TrialDailyLimit   int
	ExpiredDailyLimit int
}

const (
	defaultTrialDailyLimit   = 25
	defaultExpiredDailyLimit = 2
)

var overrides Overrides

// Configure installs config-supplied limit overrides. Called once at
// startup before any decision is evaluated.
func Configure(o Overrides) {
	overrides = o
}

func trialLimit() int {
	if overrides.TrialDailyLimit > 0 {
		return overrides.TrialDailyLimit
	}
	return defaultTrialDailyLimit
}

func expiredLimit() int {
	if overrides.ExpiredDailyLimit > 0 {
		return overrides.ExpiredDailyLimit
	}
	return defaultExpiredDailyLimit
}

// MessageLimit returns the daily message ceiling for a role, or
// Unlimited. The switch is exhaustive over the closed role set; an
// unknown role panics so a new tier cannot slip through unhandled.
func MessageLimit(role models.Role) int {
	switch role {
	case models.RoleOwner:
		return Unlimited
	case models.RoleVIP:
		return Unlimited
	case models.RoleSubscriber:
		return Unlimited
	case models.RoleTrial:
		return trialLimit()
	case models.RoleExpired:
		return expiredLimit()
	}
	panic(fmt.Sprintf("policy: unhandled role %q", role))
}

// ForRole returns the full capability tier of a role. Exhaustive over
// the closed role set.
func ForRole(role models.Role) Limits {
	switch role {
	case models.RoleOwner:
		return Limits{DailyLimit: Unlimited, CanUseTools: true, CanUseWebSearch: true, ModelTier: models.ModelTierBest}
	case models.RoleVIP:
		return Limits{DailyLimit: Unlimited, CanUseTools: true, CanUseWebSearch: true, ModelTier: models.ModelTierBest}
	case models.RoleSubscriber:
		return Limits{DailyLimit: Unlimited, CanUseTools: true, CanUseWebSearch: true, ModelTier: models.ModelTierBest}
	case models.RoleTrial:
		return Limits{DailyLimit: trialLimit(), CanUseTools: false, CanUseWebSearch: true, ModelTier: models.ModelTierMedium}
	case models.RoleExpired:
		return Limits{DailyLimit: expiredLimit(), CanUseTools: false, CanUseWebSearch: false, ModelTier: models.ModelTierBasic}
	}
	panic(fmt.Sprintf("policy: unhandled role %q", role))
}
