package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/chatgate/gatekeeper/internal/store"
	"github.com/chatgate/gatekeeper/pkg/models"
)

func TestParseAdminIDs(t *testing.T) {
	tests := []struct {
		raw  string
		want []int64
	}{
		{"", nil},
		{"123", []int64{123}},
		{"123,456", []int64{123, 456}},
		{" 123 , 456 ", []int64{123, 456}},
		{"123, abc ,456,", []int64{123, 456}},
		{",,,", nil},
	}

	for _, tt := range tests {
		got := ParseAdminIDs(tt.raw)
		if len(got) != len(tt.want) {
			t.Errorf("ParseAdminIDs(%q) = %v, want %v", tt.raw, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseAdminIDs(%q) = %v, want %v", tt.raw, got, tt.want)
				break
			}
		}
	}
}

func TestEnsureOwner_CreatesOwner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if err := EnsureOwner(ctx, s, 100); err != nil {
		t.Fatalf("EnsureOwner failed: %v", err)
	}

	rec, err := s.Get(ctx, 100)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Role != models.RoleOwner {
		t.Errorf("Role = %s, want owner", rec.Role)
	}
	if rec.TrialExpiresAt != nil {
		t.Error("Owner record should have no trial expiry")
	}
}

func TestEnsureOwner_RepairsDrift(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	// Simulate a demoted admin: trial role with an expiry set.
	if _, err := s.Create(ctx, 100, store.CreateOptions{Role: models.RoleTrial}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := EnsureOwner(ctx, s, 100); err != nil {
		t.Fatalf("EnsureOwner failed: %v", err)
	}

	rec, _ := s.Get(ctx, 100)
	if rec.Role != models.RoleOwner {
		t.Errorf("Role = %s, want owner", rec.Role)
	}
	if rec.TrialExpiresAt != nil {
		t.Error("Repair should clear the trial expiry")
	}
}

func TestEnsureOwner_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if err := EnsureOwner(ctx, s, 100); err != nil {
		t.Fatalf("First EnsureOwner failed: %v", err)
	}
	before, _ := s.Get(ctx, 100)

	// A healthy owner record must not be rewritten.
	s.SetClock(func() time.Time { return before.UpdatedAt.Add(time.Hour) })
	if err := EnsureOwner(ctx, s, 100); err != nil {
		t.Fatalf("Second EnsureOwner failed: %v", err)
	}
	after, _ := s.Get(ctx, 100)

	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("No-op reconcile should not touch the record")
	}
}

func TestReconcileOwners(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if err := ReconcileOwners(ctx, s, []int64{1, 2, 3}); err != nil {
		t.Fatalf("ReconcileOwners failed: %v", err)
	}

	owners, err := s.ListByRole(ctx, models.RoleOwner)
	if err != nil {
		t.Fatalf("ListByRole failed: %v", err)
	}
	if len(owners) != 3 {
		t.Errorf("Owner count = %d, want 3", len(owners))
	}
}

func TestIsAdmin(t *testing.T) {
	admins := []int64{1, 2, 3}
	if !IsAdmin(2, admins) {
		t.Error("IsAdmin(2) should be true")
	}
	if IsAdmin(4, admins) {
		t.Error("IsAdmin(4) should be false")
	}
	if IsAdmin(1, nil) {
		t.Error("IsAdmin with empty list should be false")
	}
}
