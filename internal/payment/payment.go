// Package payment validates billing callbacks and extends subscriptions.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatgate/gatekeeper/internal/logging"
	"github.com/chatgate/gatekeeper/internal/metrics"
	"github.com/chatgate/gatekeeper/internal/store"
	"github.com/chatgate/gatekeeper/pkg/models"
)

// PlanInfo describes a purchasable plan.
type PlanInfo struct {
	Plan models.Plan
	Title string
	// AmountMinor is the price in minor currency units.
	AmountMinor int64
	Currency    string
	// Period is one billing period.
	Period time.Duration
}

const billingPeriod = 30 * 24 * time.Hour

// catalog is the static plan catalog. Prices are in minor units (cents).
var catalog = map[models.Plan]PlanInfo{
	models.PlanStarter: {
		Plan:        models.PlanStarter,
		Title:       "Starter",
		AmountMinor: 499,
		Currency:    "USD",
		Period:      billingPeriod,
	},
	models.PlanPremium: {
		Plan:        models.PlanPremium,
		Title:       "Premium",
		AmountMinor: 1499,
		Currency:    "USD",
		Period:      billingPeriod,
	},
}

// Plans returns the catalog.
func Plans() []PlanInfo {
	return []PlanInfo{catalog[models.PlanStarter], catalog[models.PlanPremium]}
}

// ValidationError is a pre-checkout or confirmation mismatch, surfaced
// with a reason the billing provider can show.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payment validation failed: %s", e.Reason)
}

// Service confirms payments against the user record store.
type Service struct {
	store store.Store
	log   *logging.Logger
	now   func() time.Time
}

// NewService creates a payment service.
func NewService(s store.Store, log *logging.Logger) *Service {
	return &Service{store: s, log: log, now: time.Now}
}

// SetClock overrides the service clock. Test use only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// validate checks that the callback matches catalog expectations and
// that the payer exists.
func (s *Service) validate(ctx context.Context, userID int64, plan models.Plan, currency string, amountMinor int64) (PlanInfo, error) {
	info, ok := catalog[plan]
	if !ok {
		return PlanInfo{}, &ValidationError{Reason: fmt.Sprintf("unknown plan %q", plan)}
	}
	if !strings.EqualFold(currency, info.Currency) {
		return PlanInfo{}, &ValidationError{Reason: fmt.Sprintf("currency mismatch: got %s, want %s", currency, info.Currency)}
	}
	if amountMinor != info.AmountMinor {
		return PlanInfo{}, &ValidationError{Reason: fmt.Sprintf("amount mismatch: got %d, want %d", amountMinor, info.AmountMinor)}
	}
	if _, err := s.store.Get(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return PlanInfo{}, &ValidationError{Reason: fmt.Sprintf("unknown payer %d", userID)}
		}
		return PlanInfo{}, err
	}
	return info, nil
}

// ValidatePreCheckout answers the billing provider's pre-authorization
// query. A nil error approves the checkout.
func (s *Service) ValidatePreCheckout(ctx context.Context, userID int64, plan models.Plan, currency string, amountMinor int64) error {
	_, err := s.validate(ctx, userID, plan, currency, amountMinor)
	return err
}

// ConfirmPayment applies a successful charge: promotes the payer to
// subscriber and extends the subscription by one billing period from
// max(now, current expiry). The charge reference is recorded for audit;
// re-delivery of an already recorded charge id is a no-op success.
func (s *Service) ConfirmPayment(ctx context.Context, userID int64, plan models.Plan, currency string, amountMinor int64, chargeID string) (*models.UserRecord, error) {
	info, err := s.validate(ctx, userID, plan, currency, amountMinor)
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues(string(plan), "rejected").Inc()
		return nil, err
	}

	rec, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if chargeID != "" && rec.SubscriptionChargeID == chargeID {
		s.log.WithUserID(userID).WithChargeID(chargeID).Warn("Duplicate payment delivery ignored")
		metrics.PaymentsTotal.WithLabelValues(string(plan), "duplicate").Inc()
		return rec, nil
	}

	now := s.now().UTC()
	base := now
	if rec.SubscriptionExpiresAt != nil && rec.SubscriptionExpiresAt.After(now) {
		base = *rec.SubscriptionExpiresAt
	}
	expires := base.Add(info.Period)

	subscriber := models.RoleSubscriber
	updated, err := s.store.Update(ctx, userID, models.UserUpdate{
		Role:                  &subscriber,
		SubscriptionPlan:      &info.Plan,
		SubscriptionExpiresAt: &expires,
		SubscriptionChargeID:  &chargeID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply payment: %w", err)
	}

	s.log.LogPayment(userID, string(plan), chargeID, amountMinor, info.Currency)
	metrics.PaymentsTotal.WithLabelValues(string(plan), "confirmed").Inc()
	return updated, nil
}
