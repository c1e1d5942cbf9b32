// Package gate is the entry point the external transport calls for
// every inbound message: it resolves the sender's record, repairs admin
// drift, evaluates the access decision and the burst guard, and commits
// usage.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/chatgate/gatekeeper/internal/access"
	"github.com/chatgate/gatekeeper/internal/bootstrap"
	"github.com/chatgate/gatekeeper/internal/burst"
	"github.com/chatgate/gatekeeper/internal/cache"
	"github.com/chatgate/gatekeeper/internal/logging"
	"github.com/chatgate/gatekeeper/internal/metrics"
	"github.com/chatgate/gatekeeper/internal/notify"
	"github.com/chatgate/gatekeeper/internal/policy"
	"github.com/chatgate/gatekeeper/internal/store"
	"github.com/chatgate/gatekeeper/pkg/models"
)

// Sender is the transport-agnostic identity of an inbound message.
// Name fields are advisory and never used in access decisions.
type Sender struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
}

// Result tells the transport what to do with the message.
type Result struct {
	Allowed bool
	Record  *models.UserRecord
	// Limits is the capability tier the agent runtime should apply.
	Limits policy.Limits
	// Remaining is the messages left today, policy.Unlimited for
	// unlimited roles. Valid only when Allowed.
	Remaining int
	// DenialText is the user-facing denial, empty when allowed or when
	// the burst guard rejected silently inside the warn cooldown.
	DenialText string
	// Throttled marks a burst-guard rejection.
	Throttled bool
}

// Config tunes the gate.
type Config struct {
	AdminIDs  []int64
	TrialDays int
}

// Gate wires the decision engine to its collaborators. Construct once at
// startup and inject everywhere; there is deliberately no package-level
// instance.
type Gate struct {
	store    store.Store
	guard    *burst.Guard
	cache    *cache.Cache
	notifier notify.Notifier
	log      *logging.Logger
	cfg      Config
	now      func() time.Time
}

// New creates a gate. cache may be nil when Redis is not configured.
func New(s store.Store, guard *burst.Guard, c *cache.Cache, n notify.Notifier, log *logging.Logger, cfg Config) *Gate {
	if n == nil {
		n = notify.NewNopNotifier(log)
	}
	return &Gate{
		store:    s,
		guard:    guard,
		cache:    c,
		notifier: n,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the gate clock. Test use only.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

func (g *Gate) resolveRecord(ctx context.Context, sender Sender) (*models.UserRecord, error) {
	if g.cache != nil {
		if rec, err := g.cache.GetUser(ctx, sender.ID); err == nil && rec != nil {
			return rec, nil
		}
	}

	rec, err := g.store.GetOrCreate(ctx, sender.ID, store.CreateOptions{
		FirstName: sender.FirstName,
		LastName:  sender.LastName,
		Username:  sender.Username,
		Role:      models.RoleTrial,
		TrialDays: g.cfg.TrialDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user record: %w", err)
	}

	if g.cache != nil {
		if err := g.cache.SetUser(ctx, rec); err != nil {
			g.log.WithUserID(sender.ID).WithError(err).Warn("Failed to cache user record")
		}
	}
	return rec, nil
}

func (g *Gate) invalidate(ctx context.Context, id int64) {
	if g.cache == nil {
		return
	}
	if err := g.cache.InvalidateUser(ctx, id); err != nil {
		g.log.WithUserID(id).WithError(err).Warn("Failed to invalidate cached user record")
	}
}

// HandleMessage runs the full inbound control flow and returns the
// decision. It performs no usage increment; the transport calls
// CommitUsage exactly once per allowed logical message after the agent
// reply, so cancellation can never half-apply counters.
func (g *Gate) HandleMessage(ctx context.Context, sender Sender) (*Result, error) {
	rec, err := g.resolveRecord(ctx, sender)
	if err != nil {
		return nil, err
	}

	// Reactive admin repair: a configured admin whose persisted role or
	// trial expiry drifted is fixed before the decision is evaluated.
	if bootstrap.IsAdmin(sender.ID, g.cfg.AdminIDs) &&
		(rec.Role != models.RoleOwner || rec.TrialExpiresAt != nil) {
		if err := bootstrap.EnsureOwner(ctx, g.store, sender.ID); err != nil {
			return nil, fmt.Errorf("failed to repair admin record: %w", err)
		}
		g.invalidate(ctx, sender.ID)
		if rec, err = g.store.Get(ctx, sender.ID); err != nil {
			return nil, err
		}
	}

	now := g.now()
	decision := access.CanSendMessage(rec, now)
	if !decision.Allowed {
		g.log.LogDecision(rec.ID, string(rec.Role), false, string(decision.Reason))
		metrics.DecisionsTotal.WithLabelValues("deny", string(decision.Reason)).Inc()
		return &Result{
			Record:     rec,
			Limits:     policy.ForRole(rec.Role),
			DenialText: access.FormatDenialMessage(decision),
		}, nil
	}

	// The burst guard only fronts bounded roles; privileged senders are
	// never throttled.
	if policy.MessageLimit(rec.Role) != policy.Unlimited {
		if res := g.guard.Check(sender.ID); !res.Allowed {
			metrics.BurstRejectionsTotal.Inc()
			out := &Result{
				Record:    rec,
				Limits:    policy.ForRole(rec.Role),
				Throttled: true,
			}
			if res.Warn {
				out.DenialText = "You're sending messages too fast. Please slow down."
				g.notifier.Notify(ctx, sender.ID, out.DenialText)
			}
			return out, nil
		}
	}

	g.log.LogDecision(rec.ID, string(rec.Role), true, "")
	metrics.DecisionsTotal.WithLabelValues("allow", "").Inc()
	metrics.MessagesAllowedTotal.WithLabelValues(string(rec.Role)).Inc()

	return &Result{
		Allowed:   true,
		Record:    rec,
		Limits:    policy.ForRole(rec.Role),
		Remaining: access.RemainingMessages(rec, now),
	}, nil
}

// CommitUsage records one allowed message plus the inference usage in a
// single atomic store step, then invalidates the cached record.
func (g *Gate) CommitUsage(ctx context.Context, senderID int64, tokens int64, costUSD float64) error {
	if err := g.store.IncrementUsage(ctx, senderID, tokens, costUSD); err != nil {
		return fmt.Errorf("failed to commit usage: %w", err)
	}
	g.invalidate(ctx, senderID)
	return nil
}

// RemainingToday mirrors the decision engine's lazy-reset arithmetic for
// display, without side effects.
func (g *Gate) RemainingToday(ctx context.Context, senderID int64) (int, error) {
	rec, err := g.store.Get(ctx, senderID)
	if err != nil {
		return 0, err
	}
	return access.RemainingMessages(rec, g.now()), nil
}

// LinkAccount persists the identity obtained by the OAuth linking flow
// onto the user record and notifies the user.
func (g *Gate) LinkAccount(ctx context.Context, senderID int64, acct *models.LinkedAccount) error {
	_, err := g.store.Update(ctx, senderID, models.UserUpdate{LinkedAccount: acct})
	if err != nil {
		return fmt.Errorf("failed to link account: %w", err)
	}
	g.invalidate(ctx, senderID)

	text := "Your Google account is now linked."
	if acct.Email != "" {
		text = fmt.Sprintf("Your Google account %s is now linked.", acct.Email)
	}
	g.notifier.Notify(ctx, senderID, text)
	return nil
}
