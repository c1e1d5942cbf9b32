package store

import (
	"context"
	"sync"
	"time"

	"github.com/chatgate/gatekeeper/pkg/models"
)

// MemoryStore is an in-process Store used in development mode and as a
// test double. A single mutex makes every mutation atomic, so the
// per-record contract holds trivially.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[int64]*models.UserRecord
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[int64]*models.UserRecord),
		now:   time.Now,
	}
}

// SetClock overrides the store's clock. Test use only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}

func cloneRecord(rec *models.UserRecord) *models.UserRecord {
	cp := *rec
	if rec.TrialExpiresAt != nil {
		t := *rec.TrialExpiresAt
		cp.TrialExpiresAt = &t
	}
	if rec.SubscriptionExpiresAt != nil {
		t := *rec.SubscriptionExpiresAt
		cp.SubscriptionExpiresAt = &t
	}
	if rec.LinkedAccount != nil {
		acct := *rec.LinkedAccount
		if rec.LinkedAccount.ExpiresAt != nil {
			t := *rec.LinkedAccount.ExpiresAt
			acct.ExpiresAt = &t
		}
		cp.LinkedAccount = &acct
	}
	return &cp
}

// Create inserts a new record.
func (s *MemoryStore) Create(_ context.Context, id int64, opts CreateOptions) (*models.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[id]; exists {
		return nil, ErrAlreadyExists
	}
	rec := newRecord(id, opts, s.now().UTC())
	s.users[id] = rec
	return cloneRecord(rec), nil
}

// Get returns the record or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id int64) (*models.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.users[id]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// GetOrCreate returns the existing record or creates one with defaults.
func (s *MemoryStore) GetOrCreate(_ context.Context, id int64, opts CreateOptions) (*models.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, exists := s.users[id]; exists {
		return cloneRecord(rec), nil
	}
	rec := newRecord(id, opts, s.now().UTC())
	s.users[id] = rec
	return cloneRecord(rec), nil
}

// Update applies a partial mutation.
func (s *MemoryStore) Update(_ context.Context, id int64, upd models.UserUpdate) (*models.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.users[id]
	if !exists {
		return nil, ErrNotFound
	}
	applyUpdate(rec, upd, s.now().UTC())
	return cloneRecord(rec), nil
}

// Delete removes the record, reporting whether it existed.
func (s *MemoryStore) Delete(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[id]; !exists {
		return false, nil
	}
	delete(s.users, id)
	return true, nil
}

// ListAll returns every record.
func (s *MemoryStore) ListAll(_ context.Context) ([]*models.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.UserRecord, 0, len(s.users))
	for _, rec := range s.users {
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

// ListByRole returns every record holding the given role.
func (s *MemoryStore) ListByRole(_ context.Context, role models.Role) ([]*models.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.UserRecord
	for _, rec := range s.users {
		if rec.Role == role {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

// IncrementUsage applies the lazy daily reset and bumps all counters in
// one step under the lock.
func (s *MemoryStore) IncrementUsage(_ context.Context, id int64, tokens int64, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.users[id]
	if !exists {
		return ErrNotFound
	}
	now := s.now().UTC()
	today := now.Format(models.DateFormat)
	if rec.LastMessageDate != today {
		rec.MessagesUsedToday = 0
	}
	rec.MessagesUsedToday++
	rec.LastMessageDate = today
	rec.TotalMessagesUsed++
	rec.TotalTokensUsed += tokens
	rec.TotalCostUSD += costUSD
	rec.UpdatedAt = now
	return nil
}

// SweepExpiredTrials transitions expired trial records to expired.
func (s *MemoryStore) SweepExpiredTrials(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, rec := range s.users {
		if rec.Role == models.RoleTrial && rec.TrialExpiresAt != nil && now.After(*rec.TrialExpiresAt) {
			rec.Role = models.RoleExpired
			rec.UpdatedAt = s.now().UTC()
			changed++
		}
	}
	return changed, nil
}

// Count returns the number of records.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.users)), nil
}

// Import inserts a fully populated record as-is.
func (s *MemoryStore) Import(_ context.Context, rec *models.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[rec.ID]; exists {
		return ErrAlreadyExists
	}
	s.users[rec.ID] = cloneRecord(rec)
	return nil
}
