// Package history serves per-user transaction aggregates to feature
// engineering. Aggregates are maintained elsewhere; this package only reads
// them, plus an upsert used by operators and tests.
package history

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/mbd888/fraudguard/internal/txn"
)

// ErrNotFound is returned when no aggregate exists for a user.
var ErrNotFound = errors.New("history: not found")

// Provider reads a user's aggregate.
type Provider interface {
	History(ctx context.Context, userID string) (*txn.UserHistory, error)
}

// Store is a Provider that can also be written.
type Store interface {
	Provider
	Upsert(ctx context.Context, h *txn.UserHistory) error
}

// NormalizeUserID is the form user IDs are stored under.
func NormalizeUserID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// MemoryStore keeps aggregates in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]txn.UserHistory
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]txn.UserHistory)}
}

func (m *MemoryStore) History(_ context.Context, userID string) (*txn.UserHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.users[NormalizeUserID(userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (m *MemoryStore) Upsert(_ context.Context, h *txn.UserHistory) error {
	if err := Validate(h); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	cp.UserID = NormalizeUserID(h.UserID)
	m.users[cp.UserID] = cp
	return nil
}

// Validate rejects aggregates that feature engineering cannot use.
func Validate(h *txn.UserHistory) error {
	switch {
	case h == nil || NormalizeUserID(h.UserID) == "":
		return errors.New("history: user_id is required")
	case h.AccountAgeDays < 0, h.RecentTransactionCount < 0, h.AmountStddev < 0:
		return errors.New("history: counts and ages must not be negative")
	case h.VelocityScore < 0 || h.VelocityScore > 100:
		return errors.New("history: velocity_score must be within 0..100")
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
