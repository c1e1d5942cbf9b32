package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chatgate/gatekeeper/internal/database"
	"github.com/chatgate/gatekeeper/pkg/models"
)

// PostgresStore persists user records in Postgres. Row-level transactions
// make each mutation atomic; IncrementUsage is a single UPDATE so a
// cancelled handler can never leave a partial double-increment behind.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a store backed by the given connection pool
// and ensures the schema exists.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id                      BIGINT PRIMARY KEY,
			first_name              TEXT NOT NULL DEFAULT '',
			last_name               TEXT NOT NULL DEFAULT '',
			username                TEXT NOT NULL DEFAULT '',
			role                    TEXT NOT NULL,
			created_at              TIMESTAMPTZ NOT NULL,
			updated_at              TIMESTAMPTZ NOT NULL,
			trial_expires_at        TIMESTAMPTZ,
			subscription_plan       TEXT NOT NULL DEFAULT '',
			subscription_expires_at TIMESTAMPTZ,
			subscription_charge_id  TEXT NOT NULL DEFAULT '',
			auto_renew              BOOLEAN NOT NULL DEFAULT TRUE,
			invited_by              BIGINT NOT NULL DEFAULT 0,
			invite_code             TEXT NOT NULL DEFAULT '',
			messages_used_today     INTEGER NOT NULL DEFAULT 0,
			last_message_date       TEXT NOT NULL DEFAULT '',
			total_messages_used     BIGINT NOT NULL DEFAULT 0,
			total_tokens_used       BIGINT NOT NULL DEFAULT 0,
			total_cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
			linked_account          JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_users_role ON users (role);
	`
	if _, err := s.db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const userColumns = `
	id, first_name, last_name, username, role, created_at, updated_at,
	trial_expires_at, subscription_plan, subscription_expires_at,
	subscription_charge_id, auto_renew, invited_by, invite_code,
	messages_used_today, last_message_date, total_messages_used,
	total_tokens_used, total_cost_usd, linked_account
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.UserRecord, error) {
	var rec models.UserRecord
	var linked []byte

	err := row.Scan(
		&rec.ID, &rec.FirstName, &rec.LastName, &rec.Username, &rec.Role,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.TrialExpiresAt,
		&rec.SubscriptionPlan, &rec.SubscriptionExpiresAt,
		&rec.SubscriptionChargeID, &rec.AutoRenew, &rec.InvitedBy,
		&rec.InviteCode, &rec.MessagesUsedToday, &rec.LastMessageDate,
		&rec.TotalMessagesUsed, &rec.TotalTokensUsed, &rec.TotalCostUSD,
		&linked,
	)
	if err != nil {
		return nil, err
	}
	if len(linked) > 0 {
		var acct models.LinkedAccount
		if err := json.Unmarshal(linked, &acct); err != nil {
			return nil, fmt.Errorf("failed to decode linked account: %w", err)
		}
		rec.LinkedAccount = &acct
	}
	return &rec, nil
}

func marshalLinked(acct *models.LinkedAccount) ([]byte, error) {
	if acct == nil {
		return nil, nil
	}
	data, err := json.Marshal(acct)
	if err != nil {
		return nil, fmt.Errorf("failed to encode linked account: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) insert(ctx context.Context, rec *models.UserRecord) error {
	linked, err := marshalLinked(rec.LinkedAccount)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := s.db.Pool.Exec(ctx, query,
		rec.ID, rec.FirstName, rec.LastName, rec.Username, rec.Role,
		rec.CreatedAt, rec.UpdatedAt, rec.TrialExpiresAt,
		rec.SubscriptionPlan, rec.SubscriptionExpiresAt,
		rec.SubscriptionChargeID, rec.AutoRenew, rec.InvitedBy,
		rec.InviteCode, rec.MessagesUsedToday, rec.LastMessageDate,
		rec.TotalMessagesUsed, rec.TotalTokensUsed, rec.TotalCostUSD,
		linked,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Create inserts a new record.
func (s *PostgresStore) Create(ctx context.Context, id int64, opts CreateOptions) (*models.UserRecord, error) {
	rec := newRecord(id, opts, time.Now().UTC())
	if err := s.insert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the record or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*models.UserRecord, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	rec, err := scanUser(s.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return rec, nil
}

// GetOrCreate returns the existing record or creates one with defaults.
// An existing record is never overwritten.
func (s *PostgresStore) GetOrCreate(ctx context.Context, id int64, opts CreateOptions) (*models.UserRecord, error) {
	rec := newRecord(id, opts, time.Now().UTC())
	err := s.insert(ctx, rec)
	if errors.Is(err, ErrAlreadyExists) {
		return s.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies a partial mutation inside a per-row transaction so
// concurrent updates to the same id cannot lose writes.
func (s *PostgresStore) Update(ctx context.Context, id int64, upd models.UserUpdate) (*models.UserRecord, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 FOR UPDATE`
	rec, err := scanUser(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}

	applyUpdate(rec, upd, time.Now().UTC())

	linked, err := marshalLinked(rec.LinkedAccount)
	if err != nil {
		return nil, err
	}

	update := `
		UPDATE users SET
			first_name = $2, last_name = $3, username = $4, role = $5,
			updated_at = $6, trial_expires_at = $7, subscription_plan = $8,
			subscription_expires_at = $9, subscription_charge_id = $10,
			auto_renew = $11, linked_account = $12
		WHERE id = $1
	`
	_, err = tx.Exec(ctx, update,
		rec.ID, rec.FirstName, rec.LastName, rec.Username, rec.Role,
		rec.UpdatedAt, rec.TrialExpiresAt, rec.SubscriptionPlan,
		rec.SubscriptionExpiresAt, rec.SubscriptionChargeID,
		rec.AutoRenew, linked,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return rec, nil
}

// Delete removes the record, reporting whether it existed.
func (s *PostgresStore) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete user: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.UserRecord, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*models.UserRecord
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAll returns every record.
func (s *PostgresStore) ListAll(ctx context.Context) ([]*models.UserRecord, error) {
	return s.list(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
}

// ListByRole returns every record holding the given role.
func (s *PostgresStore) ListByRole(ctx context.Context, role models.Role) ([]*models.UserRecord, error) {
	return s.list(ctx, `SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY id`, role)
}

// IncrementUsage bumps the daily and lifetime counters in one UPDATE.
// The lazy daily reset happens in SQL so no read-modify-write window
// exists for concurrent messages from the same sender.
func (s *PostgresStore) IncrementUsage(ctx context.Context, id int64, tokens int64, costUSD float64) error {
	today := time.Now().UTC().Format(models.DateFormat)

	query := `
		UPDATE users SET
			messages_used_today = CASE WHEN last_message_date = $2 THEN messages_used_today + 1 ELSE 1 END,
			last_message_date = $2,
			total_messages_used = total_messages_used + 1,
			total_tokens_used = total_tokens_used + $3,
			total_cost_usd = total_cost_usd + $4,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.db.Pool.Exec(ctx, query, id, today, tokens, costUSD)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpiredTrials transitions expired trial records to expired.
func (s *PostgresStore) SweepExpiredTrials(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE users SET role = $1, updated_at = NOW()
		WHERE role = $2 AND trial_expires_at IS NOT NULL AND trial_expires_at < $3
	`
	tag, err := s.db.Pool.Exec(ctx, query, models.RoleExpired, models.RoleTrial, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired trials: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Count returns the number of records.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// Import inserts a fully populated record as-is.
func (s *PostgresStore) Import(ctx context.Context, rec *models.UserRecord) error {
	return s.insert(ctx, rec)
}
