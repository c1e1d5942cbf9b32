// Package bootstrap guarantees the configured admin identities always
// hold the owner role, self-healing if persisted state drifts.
package bootstrap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/chatgate/gatekeeper/internal/store"
	"github.com/chatgate/gatekeeper/pkg/models"
)

// ParseAdminIDs parses a comma-separated id list from an
// environment-style string. Whitespace is trimmed; empty and non-numeric
// entries are dropped silently, so a misconfigured list degrades to
// fewer admins rather than a crash.
func ParseAdminIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// ReconcileOwners ensures every admin id holds the owner role with no
// trial expiry. Idempotent: an unchanged list produces one initial write
// per id and no-ops thereafter.
func ReconcileOwners(ctx context.Context, s store.Store, adminIDs []int64) error {
	for _, id := range adminIDs {
		if err := EnsureOwner(ctx, s, id); err != nil {
			return fmt.Errorf("failed to reconcile owner %d: %w", id, err)
		}
	}
	return nil
}

// EnsureOwner repairs a single admin record in place. Also called
// reactively from the message path when an admin's persisted role or
// trial expiry has drifted.
func EnsureOwner(ctx context.Context, s store.Store, id int64) error {
	rec, err := s.GetOrCreate(ctx, id, store.CreateOptions{Role: models.RoleOwner})
	if err != nil {
		return err
	}

	if rec.Role == models.RoleOwner && rec.TrialExpiresAt == nil {
		return nil
	}

	owner := models.RoleOwner
	_, err = s.Update(ctx, id, models.UserUpdate{
		Role:             &owner,
		ClearTrialExpiry: true,
	})
	return err
}

// IsAdmin reports whether id is in the configured admin list.
func IsAdmin(id int64, adminIDs []int64) bool {
	for _, admin := range adminIDs {
		if admin == id {
			return true
		}
	}
	return false
}
