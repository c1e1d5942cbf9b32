package store

import (
	"context"
	"errors"
	"time"

	"github.com/chatgate/gatekeeper/pkg/models"
)

var (
	// ErrNotFound is returned when an operation references a missing id.
	ErrNotFound = errors.New("user record not found")
	// ErrAlreadyExists is returned by Create for a duplicate id.
	ErrAlreadyExists = errors.New("user record already exists")
)

// CreateOptions holds the defaults applied when a record is first created.
type CreateOptions struct {
	FirstName string
	LastName  string
	Username  string
	Role      models.Role
	// TrialDays sets TrialExpiresAt for trial records. Zero means the
	// store default of 7 days.
	TrialDays int
}

// Store is the durable table of per-user subscription and usage state.
// All mutations are atomic with respect to concurrent readers: a reader
// never observes a half-written record. Implementations must serialize
// read-modify-write sequences per id so concurrent increments for the
// same sender are never lost.
type Store interface {
	// Create inserts a new record. Role defaults to trial, which sets
	// TrialExpiresAt. Fails with ErrAlreadyExists on a duplicate id.
	Create(ctx context.Context, id int64, opts CreateOptions) (*models.UserRecord, error)

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id int64) (*models.UserRecord, error)

	// GetOrCreate returns the existing record, or creates one with the
	// given defaults. Immutable fields of an existing record are never
	// overwritten.
	GetOrCreate(ctx context.Context, id int64, opts CreateOptions) (*models.UserRecord, error)

	// Update applies a partial mutation and stamps UpdatedAt. Fails with
	// ErrNotFound if the id is absent.
	Update(ctx context.Context, id int64, upd models.UserUpdate) (*models.UserRecord, error)

	// Delete removes the record, reporting whether it existed.
	Delete(ctx context.Context, id int64) (bool, error)

	// ListAll returns every record.
	ListAll(ctx context.Context) ([]*models.UserRecord, error)

	// ListByRole returns every record holding the given role.
	ListByRole(ctx context.Context, role models.Role) ([]*models.UserRecord, error)

	// IncrementUsage applies the lazy daily reset, then increments the
	// daily and lifetime counters in a single atomic step. Fails with
	// ErrNotFound if the id is absent.
	IncrementUsage(ctx context.Context, id int64, tokens int64, costUSD float64) error

	// SweepExpiredTrials transitions every trial record whose expiry has
	// passed to expired, returning the number changed.
	SweepExpiredTrials(ctx context.Context, now time.Time) (int, error)

	// Count returns the number of records. Used to gate the one-time
	// legacy snapshot import.
	Count(ctx context.Context) (int64, error)

	// Import inserts a fully populated record as-is, preserving counters
	// and timestamps. Used only by the legacy snapshot migration.
	Import(ctx context.Context, rec *models.UserRecord) error
}

const defaultTrialDays = 7

// newRecord builds a fresh record from CreateOptions at now.
func newRecord(id int64, opts CreateOptions, now time.Time) *models.UserRecord {
	role := opts.Role
	if role == "" {
		role = models.RoleTrial
	}
	rec := &models.UserRecord{
		ID:        id,
		FirstName: opts.FirstName,
		LastName:  opts.LastName,
		Username:  opts.Username,
		Role:      role,
		AutoRenew: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if role == models.RoleTrial {
		days := opts.TrialDays
		if days <= 0 {
			days = defaultTrialDays
		}
		expires := now.Add(time.Duration(days) * 24 * time.Hour)
		rec.TrialExpiresAt = &expires
	}
	return rec
}

// applyUpdate mutates rec in place per upd and stamps UpdatedAt.
func applyUpdate(rec *models.UserRecord, upd models.UserUpdate, now time.Time) {
	if upd.FirstName != nil {
		rec.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		rec.LastName = *upd.LastName
	}
	if upd.Username != nil {
		rec.Username = *upd.Username
	}
	if upd.Role != nil {
		rec.Role = *upd.Role
	}
	if upd.ClearTrialExpiry {
		rec.TrialExpiresAt = nil
	} else if upd.TrialExpiresAt != nil {
		rec.TrialExpiresAt = upd.TrialExpiresAt
	}
	if upd.SubscriptionPlan != nil {
		rec.SubscriptionPlan = *upd.SubscriptionPlan
	}
	if upd.SubscriptionExpiresAt != nil {
		rec.SubscriptionExpiresAt = upd.SubscriptionExpiresAt
	}
	if upd.SubscriptionChargeID != nil {
		rec.SubscriptionChargeID = *upd.SubscriptionChargeID
	}
	if upd.AutoRenew != nil {
		rec.AutoRenew = *upd.AutoRenew
	}
	if upd.LinkedAccount != nil {
		rec.LinkedAccount = upd.LinkedAccount
	}
	rec.UpdatedAt = now
}
