package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatgate/gatekeeper/internal/access"
	"github.com/chatgate/gatekeeper/internal/burst"
	"github.com/chatgate/gatekeeper/internal/logging"
	"github.com/chatgate/gatekeeper/internal/policy"
	"github.com/chatgate/gatekeeper/internal/store"
	"github.com/chatgate/gatekeeper/pkg/models"
)

var gateNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type capturingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *capturingNotifier) Notify(_ context.Context, _ int64, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *capturingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type gateFixture struct {
	gate     *Gate
	store    *store.MemoryStore
	notifier *capturingNotifier
	now      *time.Time
}

func newFixture(t *testing.T, cfg Config, burstCfg burst.Config) *gateFixture {
	t.Helper()
	log, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	now := gateNow

	s := store.NewMemoryStore()
	if burstCfg.MaxMessages == 0 {
		burstCfg.MaxMessages = 1000
	}
	guard := burst.NewGuard(burstCfg)
	notifier := &capturingNotifier{}
	g := New(s, guard, nil, notifier, log, cfg)

	f := &gateFixture{gate: g, store: s, notifier: notifier, now: &now}
	s.SetClock(func() time.Time { return *f.now })
	guard.SetClock(func() time.Time { return *f.now })
	g.SetClock(func() time.Time { return *f.now })
	return f
}

func TestHandleMessage_CreatesTrialOnFirstContact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{TrialDays: 7}, burst.Config{})

	res, err := f.gate.HandleMessage(ctx, Sender{ID: 42, FirstName: "Ada", Username: "ada"})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if !res.Allowed {
		t.Fatal("First message from a new sender should be allowed")
	}
	if res.Record.Role != models.RoleTrial {
		t.Errorf("Role = %s, want trial", res.Record.Role)
	}
	want := gateNow.Add(7 * 24 * time.Hour)
	if res.Record.TrialExpiresAt == nil || !res.Record.TrialExpiresAt.Equal(want) {
		t.Errorf("TrialExpiresAt = %v, want %s", res.Record.TrialExpiresAt, want)
	}
	if res.Remaining != 25 {
		t.Errorf("Remaining = %d, want 25", res.Remaining)
	}
}

func TestHandleMessage_DailyLimitAndReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{TrialDays: 7}, burst.Config{})
	sender := Sender{ID: 42}

	// Burn the whole daily budget.
	for i := 0; i < 25; i++ {
		res, err := f.gate.HandleMessage(ctx, sender)
		if err != nil {
			t.Fatalf("HandleMessage %d failed: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("Message %d should be allowed, denied with %q", i+1, res.DenialText)
		}
		if err := f.gate.CommitUsage(ctx, sender.ID, 100, 0.01); err != nil {
			t.Fatalf("CommitUsage failed: %v", err)
		}
	}

	res, err := f.gate.HandleMessage(ctx, sender)
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("26th message should be denied")
	}
	if res.DenialText == "" {
		t.Error("Limit denial should carry user-facing text")
	}

	// Next day the lazy reset restores the budget.
	*f.now = f.now.Add(24 * time.Hour)
	res, err = f.gate.HandleMessage(ctx, sender)
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("Next-day message should be allowed, got %q", res.DenialText)
	}
	if res.Remaining != 25 {
		t.Errorf("Remaining after reset = %d, want 25", res.Remaining)
	}

	rec, _ := f.store.Get(ctx, 42)
	if rec.TotalMessagesUsed != 25 {
		t.Errorf("TotalMessagesUsed = %d, want 25 preserved across the reset", rec.TotalMessagesUsed)
	}
}

func TestHandleMessage_ExpiredTrialDenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{TrialDays: 7}, burst.Config{})
	sender := Sender{ID: 42}

	if _, err := f.gate.HandleMessage(ctx, sender); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	*f.now = f.now.Add(8 * 24 * time.Hour)
	res, err := f.gate.HandleMessage(ctx, sender)
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("Message after trial expiry should be denied")
	}
	if res.DenialText == "" {
		t.Error("Trial-expiry denial should carry user-facing text")
	}
}

func TestHandleMessage_RepairsAdminRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{AdminIDs: []int64{100}, TrialDays: 7}, burst.Config{})

	// The admin's record drifted to trial somehow.
	if _, err := f.store.Create(ctx, 100, store.CreateOptions{Role: models.RoleTrial}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	res, err := f.gate.HandleMessage(ctx, Sender{ID: 100})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if !res.Allowed {
		t.Fatal("Repaired admin should be allowed")
	}
	if res.Record.Role != models.RoleOwner {
		t.Errorf("Role = %s, want owner after repair", res.Record.Role)
	}
	if res.Record.TrialExpiresAt != nil {
		t.Error("Repair should clear the trial expiry")
	}
	if res.Remaining != policy.Unlimited {
		t.Errorf("Remaining = %d, want Unlimited", res.Remaining)
	}
}

func TestHandleMessage_BurstGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{TrialDays: 7}, burst.Config{
		Window:       time.Minute,
		MaxMessages:  2,
		WarnCooldown: 30 * time.Second,
	})
	sender := Sender{ID: 42}

	for i := 0; i < 2; i++ {
		res, _ := f.gate.HandleMessage(ctx, sender)
		if !res.Allowed {
			t.Fatalf("Message %d should pass the burst guard", i+1)
		}
	}

	res, err := f.gate.HandleMessage(ctx, sender)
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Allowed || !res.Throttled {
		t.Fatalf("Result = %+v, want throttled rejection", res)
	}
	if res.DenialText == "" {
		t.Error("First throttle should carry the slow-down notice")
	}
	if f.notifier.count() != 1 {
		t.Errorf("Notifications = %d, want 1", f.notifier.count())
	}

	// Inside the cooldown the rejection is silent.
	res, _ = f.gate.HandleMessage(ctx, sender)
	if res.Allowed || res.DenialText != "" {
		t.Errorf("Result = %+v, want silent throttle", res)
	}
	if f.notifier.count() != 1 {
		t.Errorf("Notifications = %d, want still 1", f.notifier.count())
	}
}

func TestHandleMessage_PrivilegedRolesSkipBurstGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{AdminIDs: []int64{100}, TrialDays: 7}, burst.Config{
		Window:      time.Minute,
		MaxMessages: 1,
	})

	for i := 0; i < 10; i++ {
		res, err := f.gate.HandleMessage(ctx, Sender{ID: 100})
		if err != nil {
			t.Fatalf("HandleMessage failed: %v", err)
		}
		if !res.Allowed || res.Throttled {
			t.Fatalf("Owner message %d should never be throttled", i+1)
		}
	}
}

func TestCommitUsage_SingleAtomicStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{TrialDays: 7}, burst.Config{})

	if _, err := f.gate.HandleMessage(ctx, Sender{ID: 42}); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	// HandleMessage alone never consumes quota.
	rec, _ := f.store.Get(ctx, 42)
	if rec.MessagesUsedToday != 0 {
		t.Errorf("MessagesUsedToday before commit = %d, want 0", rec.MessagesUsedToday)
	}

	if err := f.gate.CommitUsage(ctx, 42, 1234, 0.05); err != nil {
		t.Fatalf("CommitUsage failed: %v", err)
	}

	rec, _ = f.store.Get(ctx, 42)
	if rec.MessagesUsedToday != 1 || rec.TotalTokensUsed != 1234 {
		t.Errorf("After commit: used=%d tokens=%d, want 1 and 1234", rec.MessagesUsedToday, rec.TotalTokensUsed)
	}
}

func TestRemainingToday(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{TrialDays: 7}, burst.Config{})

	f.gate.HandleMessage(ctx, Sender{ID: 42})
	f.gate.CommitUsage(ctx, 42, 0, 0)

	remaining, err := f.gate.RemainingToday(ctx, 42)
	if err != nil {
		t.Fatalf("RemainingToday failed: %v", err)
	}
	if remaining != 24 {
		t.Errorf("Remaining = %d, want 24", remaining)
	}
}

func TestLinkAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{TrialDays: 7}, burst.Config{})

	f.gate.HandleMessage(ctx, Sender{ID: 42})

	err := f.gate.LinkAccount(ctx, 42, &models.LinkedAccount{
		Email:       "ada@example.com",
		AccessToken: "at-123",
		LinkedAt:    gateNow,
	})
	if err != nil {
		t.Fatalf("LinkAccount failed: %v", err)
	}

	rec, _ := f.store.Get(ctx, 42)
	if rec.LinkedAccount == nil || rec.LinkedAccount.Email != "ada@example.com" {
		t.Errorf("LinkedAccount = %+v", rec.LinkedAccount)
	}
	if f.notifier.count() != 1 {
		t.Errorf("Notifications = %d, want 1", f.notifier.count())
	}

	// The decision engine still sees the same role and quota.
	d := access.CanSendMessage(rec, gateNow)
	if !d.Allowed {
		t.Error("Linking must not change the access decision")
	}
}
