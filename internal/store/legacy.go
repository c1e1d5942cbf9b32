package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chatgate/gatekeeper/internal/logging"
	"github.com/chatgate/gatekeeper/pkg/models"
)

// LegacySnapshotFile is the flat-file snapshot name written by the
// previous deployment generation.
const LegacySnapshotFile = "users.json"

// legacyUser mirrors the old snapshot entry. Every field is optional and
// parsed defensively; malformed values fall back to safe defaults.
type legacyUser struct {
	FirstName             string   `json:"first_name"`
	LastName              string   `json:"last_name"`
	Username              string   `json:"username"`
	Role                  string   `json:"role"`
	CreatedAt             string   `json:"created_at"`
	TrialExpiresAt        string   `json:"trial_expires_at"`
	SubscriptionPlan      string   `json:"subscription_plan"`
	SubscriptionExpiresAt string   `json:"subscription_expires_at"`
	SubscriptionChargeID  string   `json:"subscription_charge_id"`
	InvitedBy             int64    `json:"invited_by"`
	InviteCode            string   `json:"invite_code"`
	MessagesUsedToday     int      `json:"messages_used_today"`
	LastMessageDate       string   `json:"last_message_date"`
	TotalMessagesUsed     int64    `json:"total_messages_used"`
	TotalTokensUsed       int64    `json:"total_tokens_used"`
	TotalCostUSD          float64  `json:"total_cost_usd"`
	Email                 string   `json:"google_email"`
}

func parseLegacyTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

func (lu *legacyUser) toRecord(id int64, now time.Time) *models.UserRecord {
	role := models.Role(lu.Role)
	if !role.Valid() {
		// Least privilege for anything unrecognized.
		role = models.RoleExpired
	}

	rec := &models.UserRecord{
		ID:                   id,
		FirstName:            lu.FirstName,
		LastName:             lu.LastName,
		Username:             lu.Username,
		Role:                 role,
		AutoRenew:            true,
		SubscriptionChargeID: lu.SubscriptionChargeID,
		InvitedBy:            lu.InvitedBy,
		InviteCode:           lu.InviteCode,
		LastMessageDate:      lu.LastMessageDate,
		UpdatedAt:            now,
	}

	if created := parseLegacyTime(lu.CreatedAt); created != nil {
		rec.CreatedAt = *created
	} else {
		rec.CreatedAt = now
	}
	rec.TrialExpiresAt = parseLegacyTime(lu.TrialExpiresAt)
	rec.SubscriptionExpiresAt = parseLegacyTime(lu.SubscriptionExpiresAt)

	if plan := models.Plan(lu.SubscriptionPlan); plan == models.PlanStarter || plan == models.PlanPremium {
		rec.SubscriptionPlan = plan
	}

	if lu.MessagesUsedToday > 0 {
		rec.MessagesUsedToday = lu.MessagesUsedToday
	}
	if lu.TotalMessagesUsed > 0 {
		rec.TotalMessagesUsed = lu.TotalMessagesUsed
	}
	if lu.TotalTokensUsed > 0 {
		rec.TotalTokensUsed = lu.TotalTokensUsed
	}
	if lu.TotalCostUSD > 0 {
		rec.TotalCostUSD = lu.TotalCostUSD
	}

	if lu.Email != "" {
		rec.LinkedAccount = &models.LinkedAccount{
			Email:    lu.Email,
			LinkedAt: now,
		}
	}

	return rec
}

// ImportLegacySnapshot performs the one-time migration from the old
// flat-file format. It runs only when the store is empty, creates the
// data directory if missing, and never fails startup for malformed
// snapshot contents: bad entries are skipped, a fully unparsable file is
// ignored with a warning. Returns the number of records imported.
func ImportLegacySnapshot(ctx context.Context, s Store, dataDir string, log *logging.Logger) (int, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create data dir: %w", err)
	}

	count, err := s.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	path := filepath.Join(dataDir, LegacySnapshotFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read legacy snapshot: %w", err)
	}

	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		log.WithError(err).Warn("Legacy snapshot is unparsable, skipping import")
		return 0, nil
	}

	now := time.Now().UTC()
	imported := 0
	for key, raw := range snapshot {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			log.Warnf("Skipping legacy entry with non-numeric id %q", key)
			continue
		}

		var lu legacyUser
		if err := json.Unmarshal(raw, &lu); err != nil {
			log.WithUserID(id).WithError(err).Warn("Skipping malformed legacy entry")
			continue
		}

		if err := s.Import(ctx, lu.toRecord(id, now)); err != nil {
			log.WithUserID(id).WithError(err).Warn("Failed to import legacy entry")
			continue
		}
		imported++
	}

	if imported > 0 {
		log.Infof("Imported %d user records from legacy snapshot", imported)
	}
	return imported, nil
}
