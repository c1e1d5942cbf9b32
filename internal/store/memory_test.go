package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatgate/gatekeeper/pkg/models"
)

var baseTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestStore() (*MemoryStore, *time.Time) {
	s := NewMemoryStore()
	now := baseTime
	s.SetClock(func() time.Time { return now })
	return s, &now
}

func TestMemoryStore_CreateTrial(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	rec, err := s.Create(ctx, 42, CreateOptions{FirstName: "Ada", Username: "ada"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if rec.Role != models.RoleTrial {
		t.Errorf("Role = %s, want trial", rec.Role)
	}
	if rec.TrialExpiresAt == nil {
		t.Fatal("Trial record should carry an expiry")
	}
	want := baseTime.Add(7 * 24 * time.Hour)
	if !rec.TrialExpiresAt.Equal(want) {
		t.Errorf("TrialExpiresAt = %s, want %s", rec.TrialExpiresAt, want)
	}
	if !rec.AutoRenew {
		t.Error("AutoRenew should default to true")
	}

	if _, err := s.Create(ctx, 42, CreateOptions{}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Duplicate Create error = %v, want ErrAlreadyExists", err)
	}
}

func TestMemoryStore_CreateNonTrialHasNoExpiry(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	rec, err := s.Create(ctx, 1, CreateOptions{Role: models.RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.TrialExpiresAt != nil {
		t.Error("Owner record should not carry a trial expiry")
	}
}

func TestMemoryStore_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	first, err := s.GetOrCreate(ctx, 42, CreateOptions{FirstName: "Ada"})
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	// A second call with different defaults returns the existing record
	// untouched.
	second, err := s.GetOrCreate(ctx, 42, CreateOptions{FirstName: "Grace", Role: models.RoleOwner})
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if second.FirstName != "Ada" || second.Role != first.Role {
		t.Errorf("Existing record was overwritten: %+v", second)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s, _ := newTestStore()
	if _, err := s.Get(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_UpdatePartial(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore()

	if _, err := s.Create(ctx, 42, CreateOptions{FirstName: "Ada", Username: "ada"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	*now = now.Add(time.Hour)
	subscriber := models.RoleSubscriber
	rec, err := s.Update(ctx, 42, models.UserUpdate{Role: &subscriber})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if rec.Role != models.RoleSubscriber {
		t.Errorf("Role = %s, want subscriber", rec.Role)
	}
	if rec.FirstName != "Ada" || rec.Username != "ada" {
		t.Error("Untouched fields must survive a partial update")
	}
	if !rec.UpdatedAt.Equal(*now) {
		t.Errorf("UpdatedAt = %s, want %s", rec.UpdatedAt, *now)
	}
}

func TestMemoryStore_ClearTrialExpiryPrecedence(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	if _, err := s.Create(ctx, 42, CreateOptions{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	later := baseTime.Add(48 * time.Hour)
	rec, err := s.Update(ctx, 42, models.UserUpdate{
		ClearTrialExpiry: true,
		TrialExpiresAt:   &later,
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if rec.TrialExpiresAt != nil {
		t.Error("ClearTrialExpiry must win over TrialExpiresAt")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	s.Create(ctx, 42, CreateOptions{})

	existed, err := s.Delete(ctx, 42)
	if err != nil || !existed {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", existed, err)
	}
	existed, err = s.Delete(ctx, 42)
	if err != nil || existed {
		t.Errorf("Second Delete = (%v, %v), want (false, nil)", existed, err)
	}
}

func TestMemoryStore_ListByRole(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	s.Create(ctx, 1, CreateOptions{Role: models.RoleOwner})
	s.Create(ctx, 2, CreateOptions{})
	s.Create(ctx, 3, CreateOptions{})

	trials, err := s.ListByRole(ctx, models.RoleTrial)
	if err != nil {
		t.Fatalf("ListByRole failed: %v", err)
	}
	if len(trials) != 2 {
		t.Errorf("Trial count = %d, want 2", len(trials))
	}

	all, _ := s.ListAll(ctx)
	if len(all) != 3 {
		t.Errorf("ListAll count = %d, want 3", len(all))
	}
}

func TestMemoryStore_IncrementUsage(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore()

	s.Create(ctx, 42, CreateOptions{})

	for i := 0; i < 3; i++ {
		if err := s.IncrementUsage(ctx, 42, 100, 0.01); err != nil {
			t.Fatalf("IncrementUsage failed: %v", err)
		}
	}

	rec, _ := s.Get(ctx, 42)
	if rec.MessagesUsedToday != 3 {
		t.Errorf("MessagesUsedToday = %d, want 3", rec.MessagesUsedToday)
	}
	if rec.LastMessageDate != baseTime.Format(models.DateFormat) {
		t.Errorf("LastMessageDate = %s, want %s", rec.LastMessageDate, baseTime.Format(models.DateFormat))
	}
	if rec.TotalMessagesUsed != 3 || rec.TotalTokensUsed != 300 {
		t.Errorf("Lifetime counters = (%d, %d), want (3, 300)", rec.TotalMessagesUsed, rec.TotalTokensUsed)
	}

	// Next day: the daily counter resets, lifetime counters keep going.
	*now = now.Add(24 * time.Hour)
	if err := s.IncrementUsage(ctx, 42, 50, 0.005); err != nil {
		t.Fatalf("IncrementUsage failed: %v", err)
	}

	rec, _ = s.Get(ctx, 42)
	if rec.MessagesUsedToday != 1 {
		t.Errorf("MessagesUsedToday after reset = %d, want 1", rec.MessagesUsedToday)
	}
	if rec.TotalMessagesUsed != 4 || rec.TotalTokensUsed != 350 {
		t.Errorf("Lifetime counters = (%d, %d), want (4, 350)", rec.TotalMessagesUsed, rec.TotalTokensUsed)
	}

	if err := s.IncrementUsage(ctx, 999, 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementUsage on missing id = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_SweepExpiredTrials(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	s.Create(ctx, 1, CreateOptions{})                          // expires at base+7d
	s.Create(ctx, 2, CreateOptions{TrialDays: 30})             // still valid after 7d
	s.Create(ctx, 3, CreateOptions{Role: models.RoleVIP})      // not a trial
	s.Create(ctx, 4, CreateOptions{Role: models.RoleExpired})  // already expired

	n, err := s.SweepExpiredTrials(ctx, baseTime.Add(8*24*time.Hour))
	if err != nil {
		t.Fatalf("SweepExpiredTrials failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Swept = %d, want 1", n)
	}

	rec, _ := s.Get(ctx, 1)
	if rec.Role != models.RoleExpired {
		t.Errorf("Role = %s, want expired", rec.Role)
	}
	rec, _ = s.Get(ctx, 2)
	if rec.Role != models.RoleTrial {
		t.Errorf("Long trial role = %s, want trial", rec.Role)
	}
}

func TestMemoryStore_Import(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	rec := &models.UserRecord{
		ID:                42,
		Role:              models.RoleSubscriber,
		TotalMessagesUsed: 500,
		CreatedAt:         baseTime.Add(-30 * 24 * time.Hour),
	}
	if err := s.Import(ctx, rec); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	got, _ := s.Get(ctx, 42)
	if got.TotalMessagesUsed != 500 {
		t.Errorf("TotalMessagesUsed = %d, want 500", got.TotalMessagesUsed)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Error("Import must preserve the original CreatedAt")
	}

	if err := s.Import(ctx, rec); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Duplicate Import error = %v, want ErrAlreadyExists", err)
	}
}

func TestMemoryStore_CloneIsolation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	s.Create(ctx, 42, CreateOptions{})
	rec, _ := s.Get(ctx, 42)
	rec.Role = models.RoleOwner

	fresh, _ := s.Get(ctx, 42)
	if fresh.Role != models.RoleTrial {
		t.Error("Mutating a returned record must not touch the stored copy")
	}
}
