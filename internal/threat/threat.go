// Package threat looks up community-reported indicators (client IPs and
// device fingerprints) and turns them into a 0..100 threat score.
//
// Indicators are stored and queried by SHA-256 hash, never in clear text.
package threat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when an indicator has no report.
var ErrNotFound = errors.New("threat: not found")

// Kind is the indicator type.
type Kind string

const (
	KindIP     Kind = "ip"
	KindDevice Kind = "device"
)

// Report is one community threat record.
type Report struct {
	Hash       string    `json:"hash"`
	Kind       Kind      `json:"kind"`
	Severity   float64   `json:"severity"`   // 0..100
	Confidence float64   `json:"confidence"` // 0..1
	ReportedAt time.Time `json:"reported_at"`
}

// Score is severity weighted by confidence.
func (r Report) Score() float64 {
	return r.Severity * r.Confidence
}

// Validate checks the report's ranges.
func (r Report) Validate() error {
	switch {
	case len(r.Hash) != 64:
		return fmt.Errorf("threat: hash must be a hex sha256")
	case r.Kind != KindIP && r.Kind != KindDevice:
		return fmt.Errorf("threat: unknown kind %q", r.Kind)
	case r.Severity < 0 || r.Severity > 100 || math.IsNaN(r.Severity):
		return fmt.Errorf("threat: severity must be within 0..100")
	case r.Confidence < 0 || r.Confidence > 1 || math.IsNaN(r.Confidence):
		return fmt.Errorf("threat: confidence must be within 0..1")
	}
	return nil
}

// Hash returns the lookup hash of an indicator value.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:])
}

// Store persists reports keyed by hash.
type Store interface {
	Lookup(ctx context.Context, hash string) (Report, error)
	Upsert(ctx context.Context, r Report) error
}

// Provider scores a request's network identity.
type Provider interface {
	Score(ctx context.Context, ip, deviceFingerprint string) (float64, error)
}

// Scorer is the Store-backed Provider.
type Scorer struct {
	store Store
}

// NewScorer creates a scorer over store.
func NewScorer(store Store) *Scorer {
	return &Scorer{store: store}
}

// Score returns the highest score among the IP and device reports, or 0
// when neither is reported.
func (s *Scorer) Score(ctx context.Context, ip, deviceFingerprint string) (float64, error) {
	var best float64
	for _, v := range []string{ip, deviceFingerprint} {
		if strings.TrimSpace(v) == "" {
			continue
		}
		r, err := s.store.Lookup(ctx, Hash(v))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("threat: lookup: %w", err)
		}
		best = max(best, r.Score())
	}
	return min(best, 100), nil
}

// MemoryStore keeps reports in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]Report
}

// NewMemoryStore creates an empty in-memory threat store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]Report)}
}

func (m *MemoryStore) Lookup(_ context.Context, hash string) (Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[hash]
	if !ok {
		return Report{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Upsert(_ context.Context, r Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ReportedAt.IsZero() {
		r.ReportedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.Hash] = r
	return nil
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ Provider = (*Scorer)(nil)
)
