// Package billing records closed usage periods. Ledgers are idempotent per
// account and period, so the usage meter can retry hand-offs freely.
package billing

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mbd888/fraudguard/internal/usage"
)

// Lister reads back recorded periods.
type Lister interface {
	Periods(ctx context.Context, userID string) ([]usage.ClosedPeriod, error)
}

// MemoryLedger keeps closed periods in memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	periods map[string]usage.ClosedPeriod
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{periods: make(map[string]usage.ClosedPeriod)}
}

func periodID(p usage.ClosedPeriod) string {
	return p.UserID + "|" + p.PeriodStart.UTC().Format("2006-01")
}

// RecordPeriod stores p unless the same account and period is already recorded.
func (m *MemoryLedger) RecordPeriod(_ context.Context, p usage.ClosedPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.periods[periodID(p)]; !ok {
		m.periods[periodID(p)] = p
	}
	return nil
}

// Periods returns userID's periods, newest first.
func (m *MemoryLedger) Periods(_ context.Context, userID string) ([]usage.ClosedPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []usage.ClosedPeriod{}
	for _, p := range m.periods {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	return out, nil
}

// Multi fans a period out to several ledgers. Every ledger is attempted;
// failures are joined.
type Multi []usage.Ledger

// RecordPeriod records p in every ledger.
func (m Multi) RecordPeriod(ctx context.Context, p usage.ClosedPeriod) error {
	var errs []error
	for _, l := range m {
		if err := l.RecordPeriod(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ usage.Ledger = (*MemoryLedger)(nil)
	_ Lister       = (*MemoryLedger)(nil)
	_ usage.Ledger = Multi(nil)
)
